package handler

import (
	"context"
	"encoding/json"

	"LeadFlow/internal/schedule"
	"LeadFlow/internal/service"
)

type Reconciler interface {
	Reconcile(ctx context.Context, ev service.ExtractionEvent) (*service.ReconcileResult, error)
}

type Enricher interface {
	Apply(ctx context.Context, res service.EnrichmentResult) (*service.EnrichmentOutcome, error)
}

type StatusApplier interface {
	Apply(ctx context.Context, u service.ProviderStatusUpdate) (*service.ProviderStatusResult, error)
}

type Unsubscriber interface {
	Unsubscribe(ctx context.Context, token string) (*service.OptOutResult, error)
}

type TickRunner interface {
	RunAll(ctx context.Context) (*schedule.RunReport, error)
}

// ExtractionPublisher 异步模式下把回调入队，返回消息 ID
type ExtractionPublisher func(ctx context.Context, campaignID string, leads json.RawMessage) (string, error)

// Services handler 依赖的服务，启动时由 cmd/server 注入
type Services struct {
	Reconciler     Reconciler
	Enricher       Enricher
	ProviderStatus StatusApplier
	OptOut         Unsubscriber
	Tick           TickRunner
	Enqueue        ExtractionPublisher
	// ExtractionAsync 为 true 时抓取回调只入队
	ExtractionAsync bool
}

var services Services

// SetServices 在 router 注册之前调用
func SetServices(s Services) {
	services = s
}

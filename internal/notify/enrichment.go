// Package notify FULL 档活动抓取完成后通知富化服务
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"go.uber.org/zap"

	"LeadFlow/config"
	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/resilience"
)

// SecretHeader 富化服务用它校验调用方
const SecretHeader = "X-Webhook-Secret"

// EnrichmentRequest 发给富化服务的内容
type EnrichmentRequest struct {
	CampaignID   string `json:"campaignId"`
	UserID       string `json:"userId"`
	Tier         string `json:"tier"`
	LeadsCreated int    `json:"leadsCreated"`
}

// Notifier 由对账服务在提交之后调用
type Notifier interface {
	NotifyEnrichment(ctx context.Context, req EnrichmentRequest) error
}

type EnrichmentNotifier struct {
	client  *client.Client
	breaker *resilience.CircuitBreaker
	policy  resilience.RetryPolicy
	url     string
	secret  string
	timeout time.Duration
	logger  *zap.Logger
}

// NewEnrichmentNotifier url 或 secret 为空时仍然返回实例，调用时报 NotConfigured
func NewEnrichmentNotifier(url, secret string, timeout time.Duration) (*EnrichmentNotifier, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c, err := client.NewClient(
		client.WithDialTimeout(timeout),
		client.WithClientReadTimeout(timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create enrichment http client: %w", err)
	}

	return &EnrichmentNotifier{
		client:  c,
		breaker: resilience.NewCircuitBreaker("enrichment", 5, time.Minute,
			resilience.WithFailurePredicate(func(err error) bool { return !errors.IsNonRetryable(err) }),
		),
		policy:  resilience.DefaultRetryPolicy,
		url:     url,
		secret:  secret,
		timeout: timeout,
		logger:  logger.Named("notify"),
	}, nil
}

// FromConfig 使用全局配置
func FromConfig() (*EnrichmentNotifier, error) {
	return NewEnrichmentNotifier(
		config.Cfg.EnrichmentWebhookURL,
		config.Cfg.EnrichmentWebhookSecret,
		config.Cfg.EnrichmentTimeout,
	)
}

// WithRetryPolicy 测试里缩短退避
func (n *EnrichmentNotifier) WithRetryPolicy(p resilience.RetryPolicy) *EnrichmentNotifier {
	n.policy = p
	return n
}

func (n *EnrichmentNotifier) NotifyEnrichment(ctx context.Context, req EnrichmentRequest) error {
	if n.url == "" || n.secret == "" {
		n.logger.Error("Enrichment notifier is not configured, skipping",
			zap.String("campaign_id", req.CampaignID),
		)
		return errors.Wrap(errors.NotConfigured, "enrichment webhook url or secret is empty")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal enrichment request: %w", err)
	}

	attempts := 0
	err = resilience.Retry(ctx, n.policy, func(ctx context.Context) error {
		attempts++
		return n.breaker.Call(ctx, func(ctx context.Context) error {
			return n.post(ctx, body)
		})
	})
	if err != nil {
		n.logger.Error("Failed to notify enrichment service",
			zap.String("campaign_id", req.CampaignID),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return err
	}

	n.logger.Info("Enrichment service notified",
		zap.String("campaign_id", req.CampaignID),
		zap.Int("leads_created", req.LeadsCreated),
		zap.Int("attempts", attempts),
	)
	return nil
}

func (n *EnrichmentNotifier) post(ctx context.Context, body []byte) error {
	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetRequestURI(n.url)
	req.SetMethod(consts.MethodPost)
	req.Header.SetContentTypeBytes([]byte("application/json"))
	req.Header.Set(SecretHeader, n.secret)
	req.SetBody(body)

	if err := n.client.DoTimeout(ctx, req, resp, n.timeout); err != nil {
		return fmt.Errorf("enrichment request failed: %w", err)
	}

	status := resp.StatusCode()
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == 429 || status >= 500:
		return &resilience.HTTPStatusError{StatusCode: status, Body: string(resp.Body())}
	default:
		return errors.NewNonRetryableError(
			fmt.Sprintf("ENRICHMENT_%d", status),
			"enrichment service rejected request",
			string(resp.Body()),
		)
	}
}

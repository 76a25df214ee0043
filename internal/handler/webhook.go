package handler

import (
	"context"
	"encoding/json"

	"github.com/cloudwego/hertz/pkg/app"
	"go.uber.org/zap"

	"LeadFlow/internal/service"
	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/response"
)

// extractionRequest 保留 leads 原始 JSON，形状由对账时识别
type extractionRequest struct {
	CampaignID string          `json:"campaignId"`
	Leads      json.RawMessage `json:"leads"`
}

// ExtractionWebhook 抓取完成回调：同步对账，或在异步模式下入队
func ExtractionWebhook(ctx context.Context, c *app.RequestContext) {
	var req extractionRequest
	if err := json.Unmarshal(c.Request.Body(), &req); err != nil {
		response.Error(ctx, c, errors.Wrap(errors.PayloadInvalid, "body is not valid JSON"))
		return
	}
	if req.CampaignID == "" {
		response.Error(ctx, c, errors.Wrap(errors.PayloadInvalid, "campaignId is required"))
		return
	}

	if services.ExtractionAsync && services.Enqueue != nil {
		messageID, err := services.Enqueue(ctx, req.CampaignID, req.Leads)
		if err != nil {
			logger.WithContext(ctx, logger.Logger).Error("Failed to enqueue extraction webhook",
				zap.String("campaign_id", req.CampaignID),
				zap.Error(err),
			)
			response.Error(ctx, c, err)
			return
		}
		response.Accepted(ctx, c, map[string]string{
			"campaign_id": req.CampaignID,
			"message_id":  messageID,
		})
		return
	}

	result, err := services.Reconciler.Reconcile(ctx, service.ExtractionEvent{
		CampaignID: req.CampaignID,
		Leads:      req.Leads,
	})
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, result)
}

// EnrichmentWebhook 富化服务回传文案
func EnrichmentWebhook(ctx context.Context, c *app.RequestContext) {
	var req service.EnrichmentResult
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	outcome, err := services.Enricher.Apply(ctx, req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, outcome)
}

// ProviderStatusWebhook 服务商投递/阅读/回复/退信回执
func ProviderStatusWebhook(ctx context.Context, c *app.RequestContext) {
	var req service.ProviderStatusUpdate
	if err := c.Bind(&req); err != nil {
		response.BindError(ctx, c, err)
		return
	}

	result, err := services.ProviderStatus.Apply(ctx, req)
	if err != nil {
		response.Error(ctx, c, err)
		return
	}
	response.Success(ctx, c, result)
}

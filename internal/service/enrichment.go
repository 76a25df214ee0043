package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"LeadFlow/internal/model"
	"LeadFlow/internal/repository"
	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/snowflake"
)

// EnrichedMessage 富化服务生成的一条文案
type EnrichedMessage struct {
	Channel     string `json:"channel" validate:"required,oneof=email whatsapp"`
	Subject     string `json:"subject" validate:"max=255"`
	Body        string `json:"body" validate:"required"`
	Sequence    int    `json:"sequence" validate:"min=1,max=3"`
	OverallStep int    `json:"overallStep" validate:"min=0,max=5"`
}

// EnrichmentResult 一条线索的全部文案
type EnrichmentResult struct {
	LeadID   string            `json:"leadId" validate:"required"`
	Messages []EnrichedMessage `json:"messages" validate:"required,min=1,dive"`
}

type EnrichmentOutcome struct {
	LeadID  string `json:"lead_id"`
	Created int64  `json:"created"`
	Skipped int64  `json:"skipped"`
}

type EnrichmentService struct {
	repo   repository.Repository
	logger *zap.Logger
}

func NewEnrichmentService(repo repository.Repository) *EnrichmentService {
	return &EnrichmentService{repo: repo, logger: logger.Named("enrichment")}
}

// Apply 写入 PENDING 消息并把线索推进到 ENRICHED；已存在的 (渠道, 序号) 跳过
func (s *EnrichmentService) Apply(ctx context.Context, res EnrichmentResult) (*EnrichmentOutcome, error) {
	if err := validate.Struct(res); err != nil {
		return nil, errors.Wrap(errors.EnrichmentInvalid, "%v", err)
	}

	publicID, err := strconv.ParseInt(strings.TrimSpace(res.LeadID), 10, 64)
	if err != nil {
		return nil, errors.Wrap(errors.LeadNotFound, "invalid lead id %q", res.LeadID)
	}
	lead, err := s.repo.GetLeadByPublicID(ctx, publicID)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.Wrap(errors.LeadNotFound, "lead %d", publicID)
		}
		return nil, fmt.Errorf("failed to load lead: %w", err)
	}

	msgs := make([]*model.OutboundMessage, 0, len(res.Messages))
	for _, m := range res.Messages {
		channel := model.Channel(m.Channel)
		if !lead.CadenceType.Includes(channel) {
			return nil, errors.Wrap(errors.EnrichmentInvalid, "channel %s is not part of %s cadence", channel, lead.CadenceType)
		}
		if channel == model.ChannelEmail && strings.TrimSpace(m.Subject) == "" {
			return nil, errors.Wrap(errors.EnrichmentInvalid, "email sequence %d has no subject", m.Sequence)
		}
		if lead.CadenceType == model.CadenceHybrid && m.OverallStep == 0 {
			return nil, errors.Wrap(errors.EnrichmentInvalid, "hybrid message %s/%d has no overall step", channel, m.Sequence)
		}

		id, err := snowflake.NextID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate message id: %w", err)
		}
		msgs = append(msgs, &model.OutboundMessage{
			PublicID:    id,
			LeadID:      lead.ID,
			UserID:      lead.UserID,
			Channel:     channel,
			Sequence:    m.Sequence,
			OverallStep: m.OverallStep,
			Subject:     strings.TrimSpace(m.Subject),
			Body:        m.Body,
			Status:      model.MessageStatusPending,
		})
	}

	created, err := s.repo.CreateMessages(ctx, lead.ID, msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to create messages: %w", err)
	}

	s.logger.Info("Lead enriched",
		zap.Int64("lead_id", publicID),
		zap.Int64("created", created),
		zap.Int("received", len(msgs)),
	)
	return &EnrichmentOutcome{LeadID: res.LeadID, Created: created, Skipped: int64(len(msgs)) - created}, nil
}

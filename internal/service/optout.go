package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"LeadFlow/internal/events"
	"LeadFlow/internal/repository"
	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/metrics"
	"LeadFlow/pkg/token"
)

type OptOutResult struct {
	Channel         string `json:"channel"`
	AlreadyOptedOut bool   `json:"already_opted_out"`
}

type OptOutService struct {
	repo    repository.Repository
	signer  *token.OptOutSigner
	emitter *events.Emitter
	now     func() time.Time
	logger  *zap.Logger
}

func NewOptOutService(repo repository.Repository, signer *token.OptOutSigner, emitter *events.Emitter) *OptOutService {
	return &OptOutService{
		repo:    repo,
		signer:  signer,
		emitter: emitter,
		now:     time.Now,
		logger:  logger.Named("optout"),
	}
}

// Unsubscribe 校验 token 后标记退订；重复点击返回成功
func (s *OptOutService) Unsubscribe(ctx context.Context, tokenString string) (*OptOutResult, error) {
	claims, err := s.signer.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	lead, err := s.repo.GetLeadByPublicID(ctx, claims.LeadPublic)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.Wrap(errors.OptOutTokenInvalid, "lead not found")
		}
		return nil, fmt.Errorf("failed to load lead: %w", err)
	}
	// nonce 不一致说明链接已被作废
	if lead.OptOutToken == "" || lead.OptOutToken != claims.Nonce {
		return nil, errors.Wrap(errors.OptOutTokenInvalid, "token revoked")
	}

	changed, err := s.repo.OptOutLead(ctx, lead.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to opt out lead: %w", err)
	}
	if !changed {
		return &OptOutResult{Channel: claims.Channel, AlreadyOptedOut: true}, nil
	}

	s.logger.Info("Lead opted out",
		zap.Int64("lead_id", lead.PublicID),
		zap.String("channel", claims.Channel),
	)
	metrics.RecordOptOut(ctx, claims.Channel)
	s.emitter.Emit(ctx, events.LeadOptedOut, "lead:"+strconv.FormatInt(lead.PublicID, 10), lead.UserID, map[string]interface{}{
		"lead_id": lead.PublicID,
		"channel": claims.Channel,
	})
	return &OptOutResult{Channel: claims.Channel}, nil
}

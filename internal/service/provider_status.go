package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"LeadFlow/internal/events"
	"LeadFlow/internal/model"
	"LeadFlow/internal/repository"
	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/metrics"
)

// ProviderStatusUpdate 服务商回执，At 为空时使用收到的时间
type ProviderStatusUpdate struct {
	At                *time.Time `json:"at"`
	ProviderMessageID string     `json:"providerMessageId" validate:"required"`
	Status            string     `json:"status" validate:"required"`
}

// 各家回执状态名到内部状态
var providerStatusAliases = map[string]model.MessageStatus{
	"delivered":   model.MessageStatusDelivered,
	"read":        model.MessageStatusRead,
	"open":        model.MessageStatusRead,
	"opened":      model.MessageStatusRead,
	"replied":     model.MessageStatusReplied,
	"reply":       model.MessageStatusReplied,
	"received":    model.MessageStatusReplied,
	"bounce":      model.MessageStatusBounced,
	"bounced":     model.MessageStatusBounced,
	"dropped":     model.MessageStatusBounced,
	"undelivered": model.MessageStatusBounced,
	"failed":      model.MessageStatusBounced,
}

// ParseProviderStatus 不认识的状态返回 false
func ParseProviderStatus(raw string) (model.MessageStatus, bool) {
	st, ok := providerStatusAliases[strings.ToLower(strings.TrimSpace(raw))]
	return st, ok
}

type ProviderStatusResult struct {
	MessageID int64               `json:"message_id"`
	Status    model.MessageStatus `json:"status"`
	Applied   bool                `json:"applied"`
}

type ProviderStatusService struct {
	repo    repository.Repository
	emitter *events.Emitter
	now     func() time.Time
	logger  *zap.Logger
}

func NewProviderStatusService(repo repository.Repository, emitter *events.Emitter) *ProviderStatusService {
	return &ProviderStatusService{
		repo:    repo,
		emitter: emitter,
		now:     time.Now,
		logger:  logger.Named("provider_status"),
	}
}

// Apply 状态只前进不后退；回复与退信同步到线索
func (s *ProviderStatusService) Apply(ctx context.Context, u ProviderStatusUpdate) (*ProviderStatusResult, error) {
	if err := validate.Struct(u); err != nil {
		return nil, errors.Wrap(errors.StatusUpdateInvalid, "%v", err)
	}
	status, ok := ParseProviderStatus(u.Status)
	if !ok {
		return nil, errors.Wrap(errors.StatusUpdateInvalid, "unknown status %q", u.Status)
	}
	at := s.now()
	if u.At != nil {
		at = *u.At
	}

	msg, applied, err := s.repo.ApplyProviderStatus(ctx, repository.StatusUpdate{
		At:                at,
		ProviderMessageID: u.ProviderMessageID,
		Status:            status,
	})
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.Wrap(errors.MessageNotFound, "provider message %s", u.ProviderMessageID)
		}
		return nil, fmt.Errorf("failed to apply provider status: %w", err)
	}

	metrics.RecordProviderEvent(ctx, string(status), applied)
	if !applied {
		s.logger.Debug("Stale provider status ignored",
			zap.String("provider_message_id", u.ProviderMessageID),
			zap.String("current", string(msg.Status)),
			zap.String("received", string(status)),
		)
		return &ProviderStatusResult{MessageID: msg.PublicID, Status: msg.Status}, nil
	}

	key := "lead:" + strconv.FormatInt(msg.LeadID, 10)
	payload := map[string]interface{}{
		"message_id": msg.PublicID,
		"channel":    msg.Channel,
		"sequence":   msg.Sequence,
	}
	switch status {
	case model.MessageStatusReplied:
		s.emitter.Emit(ctx, events.LeadReplied, key, msg.UserID, payload)
	case model.MessageStatusBounced:
		s.emitter.Emit(ctx, events.LeadBounced, key, msg.UserID, payload)
	}

	return &ProviderStatusResult{MessageID: msg.PublicID, Status: msg.Status, Applied: true}, nil
}

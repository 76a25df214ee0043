package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"LeadFlow/internal/events"
	"LeadFlow/internal/model"
	"LeadFlow/internal/notify"
	"LeadFlow/internal/repository"
	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/metrics"
	"LeadFlow/pkg/pricing"
	"LeadFlow/pkg/resilience"
	"LeadFlow/pkg/snowflake"
)

// ExtractionEvent 抓取完成的回调内容
type ExtractionEvent struct {
	CampaignID string          `json:"campaignId"`
	Leads      json.RawMessage `json:"leads"`
}

// ReconcileResult 对账结果，重复投递时 AlreadyReconciled 为 true 且不做任何修改
type ReconcileResult struct {
	CampaignID        string               `json:"campaign_id"`
	Status            model.CampaignStatus `json:"status"`
	BatchSize         int                  `json:"batch_size"`
	LeadsCreated      int                  `json:"leads_created"`
	LeadsDuplicated   int                  `json:"leads_duplicated"`
	LeadsInvalid      int                  `json:"leads_invalid"`
	Insufficient      int                  `json:"insufficient"`
	CreditsRefunded   int                  `json:"credits_refunded"`
	AlreadyReconciled bool                 `json:"already_reconciled,omitempty"`
}

type ReconcileOptions struct {
	Locker      resilience.Locker
	Notifier    notify.Notifier
	Emitter     *events.Emitter
	Now         func() time.Time
	Pricing     pricing.Table
	PhoneRegion string
	LeaseTTL    time.Duration
}

type ReconcileService struct {
	repo        repository.Repository
	locker      resilience.Locker
	notifier    notify.Notifier
	emitter     *events.Emitter
	now         func() time.Time
	pricing     pricing.Table
	phoneRegion string
	leaseTTL    time.Duration
	logger      *zap.Logger
}

func NewReconcileService(repo repository.Repository, opts ReconcileOptions) *ReconcileService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2 * time.Minute
	}
	return &ReconcileService{
		repo:        repo,
		locker:      opts.Locker,
		notifier:    opts.Notifier,
		emitter:     opts.Emitter,
		now:         opts.Now,
		pricing:     opts.Pricing,
		phoneRegion: opts.PhoneRegion,
		leaseTTL:    opts.LeaseTTL,
		logger:      logger.Named("reconcile"),
	}
}

// Reconcile 把一批抓取结果落库，并在同一事务内更新活动统计与用户积分
func (s *ReconcileService) Reconcile(ctx context.Context, ev ExtractionEvent) (*ReconcileResult, error) {
	publicID, err := parseCampaignID(ev.CampaignID)
	if err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, publicID)
	if err != nil {
		return nil, err
	}
	defer release()

	// 1. 活动
	campaign, err := s.repo.GetCampaignByPublicID(ctx, publicID)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return nil, errors.Wrap(errors.CampaignNotFound, "campaign %d", publicID)
		}
		return nil, fmt.Errorf("failed to load campaign: %w", err)
	}
	if !campaign.IsProcessing() {
		s.logger.Info("Campaign already reconciled, ignoring delivery",
			zap.Int64("campaign_id", publicID),
			zap.String("status", string(campaign.Status)),
		)
		return alreadyReconciled(campaign), nil
	}

	unit, err := s.pricing.UnitCost(campaign.Tier)
	if err != nil {
		return nil, err
	}

	// 2. 规范化
	batch, err := NormalizeLeadBatch(ev.Leads)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(batch))
	lookup := make([]string, 0, len(batch))
	for i, rec := range batch {
		keys[i] = LeadKey(publicID, rec, i)
		if keys[i] != "" {
			lookup = append(lookup, keys[i])
		}
	}

	// 3. 去重；本活动已有的键是上一次未提交的投递留下的，按已创建计
	owners, err := s.repo.FindLeadOwners(ctx, lookup)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing leads: %w", err)
	}

	result := &ReconcileResult{CampaignID: ev.CampaignID, BatchSize: len(batch)}
	seen := make(map[string]bool, len(batch))
	alreadyStored := 0
	var fresh []int
	for i, key := range keys {
		if key == "" {
			fresh = append(fresh, i)
			continue
		}
		if seen[key] {
			result.LeadsDuplicated++
			continue
		}
		seen[key] = true

		owner, exists := owners[key]
		switch {
		case !exists:
			fresh = append(fresh, i)
		case owner == campaign.ID:
			alreadyStored++
		default:
			result.LeadsDuplicated++
		}
	}

	// 4. 数量不足
	if campaign.RequestedCount > len(batch) {
		result.Insufficient = campaign.RequestedCount - len(batch)
	}

	// 6. 一条新线索都没有
	if len(fresh) == 0 && alreadyStored == 0 {
		return s.failNoNewLeads(ctx, campaign, result)
	}

	// 7. 校验与映射
	leads := make([]*model.Lead, 0, len(fresh))
	for _, i := range fresh {
		if keys[i] == "" {
			result.LeadsInvalid++
			s.logger.Warn("Dropping lead without identifying fields",
				zap.Int64("campaign_id", publicID),
				zap.Int("index", i),
			)
			continue
		}
		lead, err := s.buildLead(campaign, batch[i], keys[i])
		if err != nil {
			return nil, err
		}
		leads = append(leads, lead)
	}

	// 8. 批量插入，冲突跳过
	var inserted int64
	if len(leads) > 0 {
		inserted, err = s.repo.InsertLeads(ctx, leads)
		if err != nil {
			return nil, fmt.Errorf("failed to insert leads: %w", err)
		}
	}
	// 被并发写入抢先的行同样算重复
	result.LeadsDuplicated += len(leads) - int(inserted)
	result.LeadsCreated = int(inserted) + alreadyStored

	if result.LeadsCreated == 0 && result.LeadsInvalid == 0 {
		return s.failNoNewLeads(ctx, campaign, result)
	}

	// 5. 退款
	refund := (result.LeadsDuplicated + result.Insufficient) * unit
	if limit := campaign.RefundableCredits(); refund > limit {
		refund = limit
	}
	result.CreditsRefunded = refund
	result.Status = model.CampaignStatusCompleted
	if campaign.Tier == pricing.TierFull {
		result.Status = model.CampaignStatusExtractionCompleted
	}

	// 9. 原子提交
	if err := s.commit(ctx, campaign, result, model.CreditReasonPartialRefund); err != nil {
		if stderrors.Is(err, repository.ErrCampaignNotProcessing) {
			return s.reloadAlreadyReconciled(ctx, publicID)
		}
		return nil, err
	}

	s.logger.Info("Campaign reconciled",
		zap.Int64("campaign_id", publicID),
		zap.String("status", string(result.Status)),
		zap.Int("batch_size", result.BatchSize),
		zap.Int("leads_created", result.LeadsCreated),
		zap.Int("leads_duplicated", result.LeadsDuplicated),
		zap.Int("leads_invalid", result.LeadsInvalid),
		zap.Int("insufficient", result.Insufficient),
		zap.Int("credits_refunded", refund),
	)
	metrics.RecordReconciliation(ctx, "completed", refund)

	s.afterCommit(ctx, campaign, result)
	return result, nil
}

// ExpireCampaign 抓取超时：按失败处理并退回剩余全部积分
func (s *ReconcileService) ExpireCampaign(ctx context.Context, campaign *model.Campaign) (bool, error) {
	release, err := s.acquire(ctx, campaign.PublicID)
	if err != nil {
		if stderrors.Is(err, errors.ReconcileInProgress) {
			return false, nil
		}
		return false, err
	}
	defer release()

	current, err := s.repo.GetCampaignByPublicID(ctx, campaign.PublicID)
	if err != nil {
		return false, fmt.Errorf("failed to load campaign: %w", err)
	}
	if !current.IsProcessing() {
		return false, nil
	}

	result := &ReconcileResult{
		CampaignID:      strconv.FormatInt(current.PublicID, 10),
		Status:          model.CampaignStatusFailed,
		CreditsRefunded: current.RefundableCredits(),
	}
	if err := s.commit(ctx, current, result, model.CreditReasonCampaignTimeout); err != nil {
		if stderrors.Is(err, repository.ErrCampaignNotProcessing) {
			return false, nil
		}
		return false, err
	}

	s.logger.Warn("Campaign timed out",
		zap.Int64("campaign_id", current.PublicID),
		zap.Int("credits_refunded", result.CreditsRefunded),
	)
	metrics.RecordReconciliation(ctx, "timeout", result.CreditsRefunded)
	s.afterCommit(ctx, current, result)
	return true, nil
}

func (s *ReconcileService) failNoNewLeads(ctx context.Context, campaign *model.Campaign, result *ReconcileResult) (*ReconcileResult, error) {
	result.Status = model.CampaignStatusFailed
	result.LeadsCreated = 0
	result.CreditsRefunded = campaign.RefundableCredits()

	if err := s.commit(ctx, campaign, result, model.CreditReasonNoNewLeads); err != nil {
		if stderrors.Is(err, repository.ErrCampaignNotProcessing) {
			return s.reloadAlreadyReconciled(ctx, campaign.PublicID)
		}
		return nil, err
	}

	s.logger.Warn("Campaign produced no new leads",
		zap.Int64("campaign_id", campaign.PublicID),
		zap.Int("batch_size", result.BatchSize),
		zap.Int("leads_duplicated", result.LeadsDuplicated),
		zap.Int("insufficient", result.Insufficient),
		zap.Int("credits_refunded", result.CreditsRefunded),
	)
	metrics.RecordReconciliation(ctx, "no_new_leads", result.CreditsRefunded)

	s.afterCommit(ctx, campaign, result)
	return result, nil
}

func (s *ReconcileService) commit(ctx context.Context, campaign *model.Campaign, result *ReconcileResult, reason model.CreditReason) error {
	err := s.repo.CommitReconciliation(ctx, repository.Reconciliation{
		CompletedAt:     s.now(),
		Status:          result.Status,
		Reason:          reason,
		CampaignID:      campaign.ID,
		UserID:          campaign.UserID,
		LeadsCreated:    result.LeadsCreated,
		LeadsDuplicated: result.LeadsDuplicated,
		LeadsInvalid:    result.LeadsInvalid,
		Refund:          result.CreditsRefunded,
	})
	if err != nil && !stderrors.Is(err, repository.ErrCampaignNotProcessing) {
		return fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	return err
}

// afterCommit 事件与富化通知都在提交之后，失败不回滚
func (s *ReconcileService) afterCommit(ctx context.Context, campaign *model.Campaign, result *ReconcileResult) {
	key := "campaign:" + result.CampaignID
	payload := map[string]interface{}{
		"campaign_id":      result.CampaignID,
		"status":           result.Status,
		"leads_created":    result.LeadsCreated,
		"leads_duplicated": result.LeadsDuplicated,
		"leads_invalid":    result.LeadsInvalid,
		"credits_refunded": result.CreditsRefunded,
	}

	if result.Status == model.CampaignStatusFailed {
		s.emitter.Emit(ctx, events.CampaignFailed, key, campaign.UserID, payload)
	} else {
		s.emitter.Emit(ctx, events.CampaignCompleted, key, campaign.UserID, payload)
	}
	if result.CreditsRefunded > 0 {
		s.emitter.Emit(ctx, events.CreditsRefunded, key, campaign.UserID, map[string]interface{}{
			"campaign_id": result.CampaignID,
			"amount":      result.CreditsRefunded,
		})
	}

	if campaign.Tier != pricing.TierFull || result.Status != model.CampaignStatusExtractionCompleted {
		return
	}
	// 全部无效时没有可富化的线索
	if result.LeadsCreated == 0 {
		s.logger.Info("No leads to enrich, skipping enrichment notification",
			zap.String("campaign_id", result.CampaignID),
		)
		return
	}
	if s.notifier == nil {
		s.logger.Error("Enrichment notifier missing, FULL campaign will not be enriched",
			zap.String("campaign_id", result.CampaignID),
		)
		return
	}
	err := s.notifier.NotifyEnrichment(ctx, notify.EnrichmentRequest{
		CampaignID:   result.CampaignID,
		UserID:       strconv.FormatInt(campaign.UserID, 10),
		Tier:         string(campaign.Tier),
		LeadsCreated: result.LeadsCreated,
	})
	if err != nil {
		s.logger.Error("Enrichment notification failed after commit",
			zap.String("campaign_id", result.CampaignID),
			zap.Error(err),
		)
	}
}

func (s *ReconcileService) buildLead(campaign *model.Campaign, rec RawLead, key string) (*model.Lead, error) {
	id, err := snowflake.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate lead id: %w", err)
	}

	lead := MapLead(rec, s.phoneRegion)
	lead.PublicID = id
	lead.CampaignID = campaign.ID
	lead.UserID = campaign.UserID
	lead.ExternalID = truncate(key, 255)
	lead.CadenceType = campaign.CadenceType
	lead.Status = model.LeadStatusExtracted
	lead.OptOutToken = strings.ReplaceAll(uuid.NewString(), "-", "")
	return &lead, nil
}

func (s *ReconcileService) acquire(ctx context.Context, publicID int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	lease, err := s.locker.Acquire(ctx, ReconcileLeaseKey(publicID), s.leaseTTL)
	if err != nil {
		if stderrors.Is(err, resilience.ErrLeaseHeld) {
			return nil, errors.Wrap(errors.ReconcileInProgress, "campaign %d", publicID)
		}
		return nil, err
	}
	return func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("Failed to release reconcile lease", zap.Error(err))
		}
	}, nil
}

func (s *ReconcileService) reloadAlreadyReconciled(ctx context.Context, publicID int64) (*ReconcileResult, error) {
	campaign, err := s.repo.GetCampaignByPublicID(ctx, publicID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload campaign: %w", err)
	}
	return alreadyReconciled(campaign), nil
}

func alreadyReconciled(c *model.Campaign) *ReconcileResult {
	return &ReconcileResult{
		CampaignID:        strconv.FormatInt(c.PublicID, 10),
		Status:            c.Status,
		LeadsCreated:      c.LeadsCreated,
		LeadsDuplicated:   c.LeadsDuplicated,
		LeadsInvalid:      c.LeadsInvalid,
		CreditsRefunded:   c.CreditsRefunded,
		AlreadyReconciled: true,
	}
}

// ReconcileLeaseKey 对账与超时清理共用
func ReconcileLeaseKey(campaignPublicID int64) string {
	return "reconcile:" + strconv.FormatInt(campaignPublicID, 10)
}

func parseCampaignID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Wrap(errors.CampaignNotFound, "invalid campaign id %q", raw)
	}
	return id, nil
}

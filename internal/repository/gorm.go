package repository

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"LeadFlow/internal/model"
)

const insertBatchSize = 200

// GormRepository postgres 实现（测试里用 sqlite）
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func notFound(err error) error {
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (r *GormRepository) ListTenantIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&model.CadenceConfig{}).
		Where("enabled = ?", true).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &ids).Error
	return ids, err
}

func (r *GormRepository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	var user model.User
	if err := r.db.WithContext(ctx).First(&user, userID).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (r *GormRepository) GetCadenceConfig(ctx context.Context, userID int64, channel model.Channel) (*model.CadenceConfig, error) {
	var cfg model.CadenceConfig
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND channel = ?", userID, channel).
		Take(&cfg).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &cfg, nil
}

func (r *GormRepository) GetCheckpoint(ctx context.Context, userID int64, channel model.Channel) (*model.SendCheckpoint, error) {
	var cp model.SendCheckpoint
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND channel = ?", userID, channel).
		Take(&cp).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &cp, nil
}

func (r *GormRepository) CountSentBetween(ctx context.Context, userID int64, channel model.Channel, from, to time.Time) (map[int]int, error) {
	var rows []struct {
		Sequence int
		Total    int
	}
	err := r.db.WithContext(ctx).
		Model(&model.OutboundMessage{}).
		Select("sequence, COUNT(*) AS total").
		Where("user_id = ? AND channel = ?", userID, channel).
		Where("sent_at IS NOT NULL AND sent_at >= ? AND sent_at < ?", from.UTC(), to.UTC()).
		Group("sequence").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[int]int, len(rows))
	for _, row := range rows {
		counts[row.Sequence] = row.Total
	}
	return counts, nil
}

// pendingScope 结构过滤条件，与 cadence.Evaluate 的前置检查一致
func pendingScope(q PendingQuery) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		contact := "leads.email"
		if q.Channel == model.ChannelWhatsApp {
			contact = "leads.phone"
		}

		db = db.Model(&model.OutboundMessage{}).
			Joins("JOIN leads ON leads.id = outbound_messages.lead_id AND leads.deleted_at IS NULL").
			Where("outbound_messages.user_id = ? AND outbound_messages.channel = ?", q.UserID, q.Channel).
			Where("outbound_messages.sequence = ? AND outbound_messages.status = ?", q.Sequence, model.MessageStatusPending).
			Where("leads.opted_out_at IS NULL").
			Where("leads.status NOT IN ?", model.TerminalLeadStatuses).
			Where("leads.cadence_type IN ?", model.CadenceTypesFor(q.Channel)).
			Where(contact + " IS NOT NULL AND " + contact + " <> ''")

		// 混合节奏且不是第一步的行：日偏移从总步数上的前一步算起
		hybridStep := "(leads.cadence_type = ? AND outbound_messages.overall_step > 1)"

		if q.Sequence <= 1 {
			db = db.Where("leads.status <> ?", model.LeadStatusExtracted)
		} else {
			prev := "SELECT 1 FROM outbound_messages prev WHERE prev.lead_id = outbound_messages.lead_id" +
				" AND prev.channel = outbound_messages.channel AND prev.sequence = ?" +
				" AND prev.status IN ? AND prev.sent_at IS NOT NULL AND prev.deleted_at IS NULL"
			db = db.Where("EXISTS ("+prev+")", q.Sequence-1, model.SentOrLaterStatuses)
			if q.PrevSentBefore != nil {
				db = db.Where("("+hybridStep+" OR EXISTS ("+prev+" AND prev.sent_at < ?))",
					model.CadenceHybrid, q.Sequence-1, model.SentOrLaterStatuses, q.PrevSentBefore.UTC())
			}
		}

		// 混合节奏：总步数上的前一步（任意渠道）必须已发送
		step := "SELECT 1 FROM outbound_messages ps WHERE ps.lead_id = outbound_messages.lead_id" +
			" AND ps.overall_step = outbound_messages.overall_step - 1" +
			" AND ps.status IN ? AND ps.sent_at IS NOT NULL AND ps.deleted_at IS NULL"
		args := []interface{}{model.CadenceHybrid, model.SentOrLaterStatuses}
		if q.PrevSentBefore != nil {
			step += " AND ps.sent_at < ?"
			args = append(args, q.PrevSentBefore.UTC())
		}
		return db.Where("(NOT "+hybridStep+" OR EXISTS ("+step+"))", args...)
	}
}

func (r *GormRepository) CountPending(ctx context.Context, q PendingQuery) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Scopes(pendingScope(q)).Count(&n).Error
	return n, err
}

func (r *GormRepository) NextPending(ctx context.Context, q PendingQuery) (*model.OutboundMessage, error) {
	var msgs []model.OutboundMessage
	err := r.db.WithContext(ctx).
		Scopes(pendingScope(q)).
		Select("outbound_messages.*").
		Order("outbound_messages.created_at ASC, outbound_messages.id ASC").
		Limit(1).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, ErrNotFound
	}
	return &msgs[0], nil
}

func (r *GormRepository) GetLead(ctx context.Context, leadID int64) (*model.Lead, error) {
	var lead model.Lead
	if err := r.db.WithContext(ctx).First(&lead, leadID).Error; err != nil {
		return nil, notFound(err)
	}
	return &lead, nil
}

func (r *GormRepository) GetLeadByPublicID(ctx context.Context, publicID int64) (*model.Lead, error) {
	var lead model.Lead
	if err := r.db.WithContext(ctx).Where("public_id = ?", publicID).Take(&lead).Error; err != nil {
		return nil, notFound(err)
	}
	return &lead, nil
}

func (r *GormRepository) ListLeadMessages(ctx context.Context, leadID int64) ([]model.OutboundMessage, error) {
	var msgs []model.OutboundMessage
	err := r.db.WithContext(ctx).
		Where("lead_id = ?", leadID).
		Order("channel ASC, sequence ASC").
		Find(&msgs).Error
	return msgs, err
}

// MarkMessageSent 消息、线索状态、节流检查点在同一事务里更新
func (r *GormRepository) MarkMessageSent(ctx context.Context, u SentUpdate) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var providerID interface{}
		if u.ProviderMessageID != "" {
			providerID = u.ProviderMessageID
		}

		res := tx.Model(&model.OutboundMessage{}).
			Where("id = ? AND status = ?", u.MessageID, model.MessageStatusPending).
			Updates(map[string]interface{}{
				"status":              model.MessageStatusSent,
				"sent_at":             u.SentAt.UTC(),
				"provider_message_id": providerID,
				"error_message":       "",
			})
		if res.Error != nil {
			return fmt.Errorf("update message: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrMessageNotPending
		}

		if err := tx.Model(&model.Lead{}).
			Where("id = ? AND status NOT IN ?", u.LeadID, model.TerminalLeadStatuses).
			Update("status", u.LeadStatus).Error; err != nil {
			return fmt.Errorf("update lead status: %w", err)
		}

		sentAt := u.SentAt.UTC()
		checkpoint := model.SendCheckpoint{
			UserID:        u.UserID,
			Channel:       u.Channel,
			NextAllowedAt: u.NextAllowedAt.UTC(),
			LastSentAt:    &sentAt,
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "channel"}},
			DoUpdates: clause.AssignmentColumns([]string{"next_allowed_at", "last_sent_at", "updated_at"}),
		}).Create(&checkpoint).Error
		if err != nil {
			return fmt.Errorf("upsert checkpoint: %w", err)
		}
		return nil
	})
}

func (r *GormRepository) MarkMessageFailed(ctx context.Context, messageID int64, reason string) error {
	res := r.db.WithContext(ctx).
		Model(&model.OutboundMessage{}).
		Where("id = ? AND status = ?", messageID, model.MessageStatusPending).
		Updates(map[string]interface{}{
			"status":        model.MessageStatusFailed,
			"error_message": reason,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotPending
	}
	return nil
}

// CreateMessages 同一 (lead, channel, sequence) 重复提交时跳过；线索从 EXTRACTED 推进到 ENRICHED
func (r *GormRepository) CreateMessages(ctx context.Context, leadID int64, msgs []*model.OutboundMessage) (int64, error) {
	var inserted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(msgs) > 0 {
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "lead_id"}, {Name: "channel"}, {Name: "sequence"}},
				DoNothing: true,
			}).Create(msgs)
			if res.Error != nil {
				return fmt.Errorf("insert messages: %w", res.Error)
			}
			inserted = res.RowsAffected
		}

		return tx.Model(&model.Lead{}).
			Where("id = ? AND status = ?", leadID, model.LeadStatusExtracted).
			Update("status", model.LeadStatusEnriched).Error
	})
	return inserted, err
}

func (r *GormRepository) ApplyProviderStatus(ctx context.Context, u StatusUpdate) (*model.OutboundMessage, bool, error) {
	var msg model.OutboundMessage
	applied := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("provider_message_id = ?", u.ProviderMessageID).Take(&msg).Error; err != nil {
			return notFound(err)
		}
		// 乱序或重复的回执不回退状态
		if !msg.Status.Advances(u.Status) {
			return nil
		}

		at := u.At.UTC()
		updates := map[string]interface{}{"status": u.Status}
		switch u.Status {
		case model.MessageStatusDelivered:
			updates["delivered_at"] = at
			msg.DeliveredAt = &at
		case model.MessageStatusRead:
			updates["read_at"] = at
			msg.ReadAt = &at
		case model.MessageStatusReplied:
			updates["replied_at"] = at
			msg.RepliedAt = &at
		}
		if err := tx.Model(&model.OutboundMessage{}).Where("id = ?", msg.ID).Updates(updates).Error; err != nil {
			return err
		}
		msg.Status = u.Status
		applied = true

		switch u.Status {
		case model.MessageStatusReplied:
			return tx.Model(&model.Lead{}).Where("id = ?", msg.LeadID).
				Updates(map[string]interface{}{"status": model.LeadStatusReplied, "replied_at": at}).Error
		case model.MessageStatusBounced:
			return tx.Model(&model.Lead{}).
				Where("id = ? AND status NOT IN ?", msg.LeadID, []model.LeadStatus{model.LeadStatusReplied, model.LeadStatusOptedOut}).
				Update("status", model.LeadStatusBounced).Error
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &msg, applied, nil
}

func (r *GormRepository) OptOutLead(ctx context.Context, leadID int64, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&model.Lead{}).
		Where("id = ? AND opted_out_at IS NULL", leadID).
		Updates(map[string]interface{}{
			"opted_out_at": at.UTC(),
			"status":       model.LeadStatusOptedOut,
		})
	return res.RowsAffected > 0, res.Error
}

func (r *GormRepository) GetCampaignByPublicID(ctx context.Context, publicID int64) (*model.Campaign, error) {
	var campaign model.Campaign
	if err := r.db.WithContext(ctx).Where("public_id = ?", publicID).Take(&campaign).Error; err != nil {
		return nil, notFound(err)
	}
	return &campaign, nil
}

func (r *GormRepository) ListTimedOutCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error) {
	var campaigns []model.Campaign
	err := r.db.WithContext(ctx).
		Where("status = ? AND timeout_at IS NOT NULL AND timeout_at < ?", model.CampaignStatusProcessing, now.UTC()).
		Order("timeout_at ASC, id ASC").
		Limit(limit).
		Find(&campaigns).Error
	return campaigns, err
}

func (r *GormRepository) FindLeadOwners(ctx context.Context, externalIDs []string) (map[string]int64, error) {
	owners := make(map[string]int64, len(externalIDs))
	if len(externalIDs) == 0 {
		return owners, nil
	}

	var rows []struct {
		ExternalID string
		CampaignID int64
	}
	// 软删除的线索也占用 external id
	err := r.db.WithContext(ctx).
		Unscoped().
		Model(&model.Lead{}).
		Select("external_id, campaign_id").
		Where("external_id IN ?", externalIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		owners[row.ExternalID] = row.CampaignID
	}
	return owners, nil
}

func (r *GormRepository) InsertLeads(ctx context.Context, leads []*model.Lead) (int64, error) {
	if len(leads) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "external_id"}}, DoNothing: true}).
		CreateInBatches(leads, insertBatchSize)
	return res.RowsAffected, res.Error
}

// CommitReconciliation 活动统计、用户余额与积分流水要么全部提交，要么全部不提交
func (r *GormRepository) CommitReconciliation(ctx context.Context, rc Reconciliation) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Campaign{}).
			Where("id = ? AND status = ?", rc.CampaignID, model.CampaignStatusProcessing).
			Updates(map[string]interface{}{
				"status":           rc.Status,
				"leads_created":    rc.LeadsCreated,
				"leads_duplicated": rc.LeadsDuplicated,
				"leads_invalid":    rc.LeadsInvalid,
				"credits_refunded": gorm.Expr("credits_refunded + ?", rc.Refund),
				"completed_at":     rc.CompletedAt.UTC(),
			})
		if res.Error != nil {
			return fmt.Errorf("update campaign: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrCampaignNotProcessing
		}

		if rc.Refund <= 0 {
			return nil
		}

		res = tx.Model(&model.User{}).
			Where("id = ?", rc.UserID).
			Update("credit_balance", gorm.Expr("credit_balance + ?", rc.Refund))
		if res.Error != nil {
			return fmt.Errorf("refund credits: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("refund credits: user %d: %w", rc.UserID, ErrNotFound)
		}

		var user model.User
		if err := tx.Select("id", "credit_balance").First(&user, rc.UserID).Error; err != nil {
			return fmt.Errorf("read balance: %w", err)
		}

		return tx.Create(&model.CreditTransaction{
			UserID:          rc.UserID,
			CampaignID:      rc.CampaignID,
			TransactionType: model.TransactionTypeRefund,
			Reason:          rc.Reason,
			Amount:          rc.Refund,
			BalanceAfter:    user.CreditBalance,
		}).Error
	})
}

// Package memrepo 内存版 repository.Repository，供调度、对账与 handler 测试使用
package memrepo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"LeadFlow/internal/model"
	"LeadFlow/internal/repository"
)

// Repository 所有操作在一把锁内完成，语义与 GormRepository 保持一致
type Repository struct {
	mu sync.Mutex

	nextID       int64
	users        map[int64]*model.User
	campaigns    map[int64]*model.Campaign
	leads        map[int64]*model.Lead
	messages     map[int64]*model.OutboundMessage
	configs      map[string]*model.CadenceConfig
	checkpoints  map[string]*model.SendCheckpoint
	transactions []model.CreditTransaction

	// FailCommit 非空时 CommitReconciliation 直接返回该错误，用于模拟提交失败
	FailCommit error
}

func New() *Repository {
	return &Repository{
		users:       make(map[int64]*model.User),
		campaigns:   make(map[int64]*model.Campaign),
		leads:       make(map[int64]*model.Lead),
		messages:    make(map[int64]*model.OutboundMessage),
		configs:     make(map[string]*model.CadenceConfig),
		checkpoints: make(map[string]*model.SendCheckpoint),
	}
}

func channelKey(userID int64, channel model.Channel) string {
	return fmt.Sprintf("%d|%s", userID, channel)
}

func (r *Repository) id() int64 {
	r.nextID++
	return r.nextID
}

// ---- 测试数据准备 ----

func (r *Repository) AddUser(u *model.User) *model.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == 0 {
		u.ID = r.id()
	}
	cp := *u
	r.users[u.ID] = &cp
	return u
}

func (r *Repository) AddCampaign(c *model.Campaign) *model.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == 0 {
		c.ID = r.id()
	}
	cp := *c
	r.campaigns[c.ID] = &cp
	return c
}

func (r *Repository) AddLead(l *model.Lead) *model.Lead {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.ID == 0 {
		l.ID = r.id()
	}
	cp := *l
	r.leads[l.ID] = &cp
	return l
}

func (r *Repository) AddMessage(m *model.OutboundMessage) *model.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.ID == 0 {
		m.ID = r.id()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Unix(m.ID, 0).UTC()
	}
	cp := *m
	r.messages[m.ID] = &cp
	return m
}

func (r *Repository) SetCadenceConfig(c *model.CadenceConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	if cp.ID == 0 {
		cp.ID = r.id()
	}
	r.configs[channelKey(c.UserID, c.Channel)] = &cp
}

func (r *Repository) SetCheckpoint(c *model.SendCheckpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.checkpoints[channelKey(c.UserID, c.Channel)] = &cp
}

// ---- 测试断言用的快照 ----

func (r *Repository) Campaign(id int64) model.Campaign {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.campaigns[id]
}

func (r *Repository) User(id int64) model.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.users[id]
}

func (r *Repository) Lead(id int64) model.Lead {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.leads[id]
}

func (r *Repository) Message(id int64) model.OutboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.messages[id]
}

func (r *Repository) Checkpoint(userID int64, channel model.Channel) (model.SendCheckpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp, ok := r.checkpoints[channelKey(userID, channel)]
	if !ok {
		return model.SendCheckpoint{}, false
	}
	return *cp, true
}

// CampaignLeads 活动下的所有线索
func (r *Repository) CampaignLeads(campaignID int64) []model.Lead {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Lead
	for _, l := range r.leads {
		if l.CampaignID == campaignID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Repository) Transactions() []model.CreditTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.CreditTransaction(nil), r.transactions...)
}

// ---- repository.Repository ----

func (r *Repository) ListTenantIDs(ctx context.Context) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[int64]bool)
	var ids []int64
	for _, c := range r.configs {
		if c.Enabled && !seen[c.UserID] {
			seen[c.UserID] = true
			ids = append(ids, c.UserID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r *Repository) GetUser(ctx context.Context, userID int64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *Repository) GetCadenceConfig(ctx context.Context, userID int64, channel model.Channel) (*model.CadenceConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.configs[channelKey(userID, channel)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *Repository) GetCheckpoint(ctx context.Context, userID int64, channel model.Channel) (*model.SendCheckpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.checkpoints[channelKey(userID, channel)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *Repository) CountSentBetween(ctx context.Context, userID int64, channel model.Channel, from, to time.Time) (map[int]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[int]int)
	for _, m := range r.messages {
		if m.UserID != userID || m.Channel != channel || m.SentAt == nil {
			continue
		}
		if !m.SentAt.Before(from) && m.SentAt.Before(to) {
			counts[m.Sequence]++
		}
	}
	return counts, nil
}

func containsStatus(list []model.MessageStatus, s model.MessageStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *Repository) matchesPending(m *model.OutboundMessage, q repository.PendingQuery) bool {
	if m.UserID != q.UserID || m.Channel != q.Channel || m.Sequence != q.Sequence || m.Status != model.MessageStatusPending {
		return false
	}
	lead, ok := r.leads[m.LeadID]
	if !ok || lead.OptedOutAt != nil || lead.Status.IsTerminal() {
		return false
	}
	if !lead.CadenceType.Includes(q.Channel) || lead.Contact(q.Channel) == "" {
		return false
	}
	hybridStep := lead.CadenceType == model.CadenceHybrid && m.OverallStep > 1

	if q.Sequence <= 1 {
		if lead.Status == model.LeadStatusExtracted {
			return false
		}
	} else {
		prev := r.findLeadMessage(m.LeadID, func(p *model.OutboundMessage) bool {
			return p.Channel == m.Channel && p.Sequence == q.Sequence-1
		})
		if !sentBefore(prev, nil) {
			return false
		}
		if !hybridStep && !sentBefore(prev, q.PrevSentBefore) {
			return false
		}
	}

	if hybridStep {
		prevStep := r.findLeadMessage(m.LeadID, func(p *model.OutboundMessage) bool {
			return p.OverallStep == m.OverallStep-1
		})
		return sentBefore(prevStep, q.PrevSentBefore)
	}
	return true
}

func (r *Repository) findLeadMessage(leadID int64, match func(*model.OutboundMessage) bool) *model.OutboundMessage {
	for _, m := range r.messages {
		if m.LeadID == leadID && match(m) {
			return m
		}
	}
	return nil
}

// sentBefore 已发送，且 cutoff 非空时 sent_at 早于 cutoff
func sentBefore(m *model.OutboundMessage, cutoff *time.Time) bool {
	if m == nil || m.SentAt == nil || !containsStatus(model.SentOrLaterStatuses, m.Status) {
		return false
	}
	return cutoff == nil || m.SentAt.Before(*cutoff)
}

func (r *Repository) pending(q repository.PendingQuery) []*model.OutboundMessage {
	var out []*model.OutboundMessage
	for _, m := range r.messages {
		if r.matchesPending(m, q) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *Repository) CountPending(ctx context.Context, q repository.PendingQuery) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.pending(q))), nil
}

func (r *Repository) NextPending(ctx context.Context, q repository.PendingQuery) (*model.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msgs := r.pending(q)
	if len(msgs) == 0 {
		return nil, repository.ErrNotFound
	}
	cp := *msgs[0]
	return &cp, nil
}

func (r *Repository) GetLead(ctx context.Context, leadID int64) (*model.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.leads[leadID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *Repository) GetLeadByPublicID(ctx context.Context, publicID int64) (*model.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.leads {
		if l.PublicID == publicID {
			cp := *l
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Repository) ListLeadMessages(ctx context.Context, leadID int64) ([]model.OutboundMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.OutboundMessage
	for _, m := range r.messages {
		if m.LeadID == leadID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Sequence < out[j].Sequence
	})
	return out, nil
}

func (r *Repository) MarkMessageSent(ctx context.Context, u repository.SentUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[u.MessageID]
	if !ok || m.Status != model.MessageStatusPending {
		return repository.ErrMessageNotPending
	}
	sentAt := u.SentAt
	m.Status = model.MessageStatusSent
	m.SentAt = &sentAt
	m.ErrorMessage = ""
	if u.ProviderMessageID != "" {
		pid := u.ProviderMessageID
		m.ProviderMessageID = &pid
	}

	if lead, ok := r.leads[u.LeadID]; ok && !lead.Status.IsTerminal() {
		lead.Status = u.LeadStatus
	}

	r.checkpoints[channelKey(u.UserID, u.Channel)] = &model.SendCheckpoint{
		UserID:        u.UserID,
		Channel:       u.Channel,
		NextAllowedAt: u.NextAllowedAt,
		LastSentAt:    &sentAt,
	}
	return nil
}

func (r *Repository) MarkMessageFailed(ctx context.Context, messageID int64, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[messageID]
	if !ok || m.Status != model.MessageStatusPending {
		return repository.ErrMessageNotPending
	}
	m.Status = model.MessageStatusFailed
	m.ErrorMessage = reason
	return nil
}

func (r *Repository) CreateMessages(ctx context.Context, leadID int64, msgs []*model.OutboundMessage) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var inserted int64
	for _, m := range msgs {
		dup := false
		for _, existing := range r.messages {
			if existing.LeadID == leadID && existing.Channel == m.Channel && existing.Sequence == m.Sequence {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		m.ID = r.id()
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Unix(m.ID, 0).UTC()
		}
		cp := *m
		r.messages[m.ID] = &cp
		inserted++
	}

	if lead, ok := r.leads[leadID]; ok && lead.Status == model.LeadStatusExtracted {
		lead.Status = model.LeadStatusEnriched
	}
	return inserted, nil
}

func (r *Repository) ApplyProviderStatus(ctx context.Context, u repository.StatusUpdate) (*model.OutboundMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var msg *model.OutboundMessage
	for _, m := range r.messages {
		if m.ProviderMessageID != nil && *m.ProviderMessageID == u.ProviderMessageID {
			msg = m
			break
		}
	}
	if msg == nil {
		return nil, false, repository.ErrNotFound
	}
	if !msg.Status.Advances(u.Status) {
		cp := *msg
		return &cp, false, nil
	}

	at := u.At
	msg.Status = u.Status
	switch u.Status {
	case model.MessageStatusDelivered:
		msg.DeliveredAt = &at
	case model.MessageStatusRead:
		msg.ReadAt = &at
	case model.MessageStatusReplied:
		msg.RepliedAt = &at
	}

	if lead, ok := r.leads[msg.LeadID]; ok {
		switch u.Status {
		case model.MessageStatusReplied:
			lead.Status = model.LeadStatusReplied
			lead.RepliedAt = &at
		case model.MessageStatusBounced:
			if lead.Status != model.LeadStatusReplied && lead.Status != model.LeadStatusOptedOut {
				lead.Status = model.LeadStatusBounced
			}
		}
	}

	cp := *msg
	return &cp, true, nil
}

func (r *Repository) OptOutLead(ctx context.Context, leadID int64, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lead, ok := r.leads[leadID]
	if !ok || lead.OptedOutAt != nil {
		return false, nil
	}
	lead.OptedOutAt = &at
	lead.Status = model.LeadStatusOptedOut
	return true, nil
}

func (r *Repository) GetCampaignByPublicID(ctx context.Context, publicID int64) (*model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.campaigns {
		if c.PublicID == publicID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *Repository) ListTimedOutCampaigns(ctx context.Context, now time.Time, limit int) ([]model.Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Campaign
	for _, c := range r.campaigns {
		if c.Status == model.CampaignStatusProcessing && c.TimeoutAt != nil && c.TimeoutAt.Before(now) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Repository) FindLeadOwners(ctx context.Context, externalIDs []string) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	wanted := make(map[string]bool, len(externalIDs))
	for _, id := range externalIDs {
		wanted[id] = true
	}
	owners := make(map[string]int64)
	for _, l := range r.leads {
		if wanted[l.ExternalID] {
			owners[l.ExternalID] = l.CampaignID
		}
	}
	return owners, nil
}

func (r *Repository) InsertLeads(ctx context.Context, leads []*model.Lead) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := make(map[string]bool, len(r.leads))
	for _, l := range r.leads {
		existing[l.ExternalID] = true
	}

	var inserted int64
	for _, l := range leads {
		if existing[l.ExternalID] {
			continue
		}
		l.ID = r.id()
		cp := *l
		r.leads[l.ID] = &cp
		existing[l.ExternalID] = true
		inserted++
	}
	return inserted, nil
}

func (r *Repository) CommitReconciliation(ctx context.Context, rc repository.Reconciliation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailCommit != nil {
		return r.FailCommit
	}

	c, ok := r.campaigns[rc.CampaignID]
	if !ok || c.Status != model.CampaignStatusProcessing {
		return repository.ErrCampaignNotProcessing
	}
	var user *model.User
	if rc.Refund > 0 {
		if user, ok = r.users[rc.UserID]; !ok {
			return repository.ErrNotFound
		}
	}

	completedAt := rc.CompletedAt
	c.Status = rc.Status
	c.LeadsCreated = rc.LeadsCreated
	c.LeadsDuplicated = rc.LeadsDuplicated
	c.LeadsInvalid = rc.LeadsInvalid
	c.CreditsRefunded += rc.Refund
	c.CompletedAt = &completedAt

	if user != nil {
		user.CreditBalance += rc.Refund
		r.transactions = append(r.transactions, model.CreditTransaction{
			UserID:          rc.UserID,
			CampaignID:      rc.CampaignID,
			TransactionType: model.TransactionTypeRefund,
			Reason:          rc.Reason,
			Amount:          rc.Refund,
			BalanceAfter:    user.CreditBalance,
		})
	}
	return nil
}

var _ repository.Repository = (*Repository)(nil)

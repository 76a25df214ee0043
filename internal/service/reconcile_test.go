package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeadFlow/internal/events"
	"LeadFlow/internal/model"
	"LeadFlow/internal/notify"
	"LeadFlow/internal/repository/memrepo"
	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/pricing"
	"LeadFlow/pkg/resilience"
)

type fakeNotifier struct {
	requests []notify.EnrichmentRequest
	err      error
}

func (f *fakeNotifier) NotifyEnrichment(ctx context.Context, req notify.EnrichmentRequest) error {
	f.requests = append(f.requests, req)
	return f.err
}

type reconcileFixture struct {
	repo     *memrepo.Repository
	recorder *events.Recorder
	notifier *fakeNotifier
	locker   *resilience.RedisLocker
	svc      *ReconcileService
	user     *model.User
	now      time.Time
}

func newReconcileFixture(t *testing.T) *reconcileFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &reconcileFixture{
		repo:     memrepo.New(),
		recorder: &events.Recorder{},
		notifier: &fakeNotifier{},
		locker:   resilience.NewRedisLocker(client, "lf"),
		now:      time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC),
	}
	f.user = f.repo.AddUser(&model.User{PublicID: 77, CreditBalance: 100})
	f.svc = NewReconcileService(f.repo, ReconcileOptions{
		Locker:      f.locker,
		Notifier:    f.notifier,
		Emitter:     events.NewEmitter(f.recorder),
		Now:         func() time.Time { return f.now },
		Pricing:     pricing.Table{Basic: 1, Full: 3},
		PhoneRegion: "BR",
	})
	return f
}

func (f *reconcileFixture) campaign(publicID int64, tier pricing.Tier, requested int) *model.Campaign {
	unit := 1
	if tier == pricing.TierFull {
		unit = 3
	}
	timeout := f.now.Add(time.Hour)
	return f.repo.AddCampaign(&model.Campaign{
		PublicID:       publicID,
		UserID:         f.user.ID,
		RequestedCount: requested,
		Tier:           tier,
		CadenceType:    model.CadenceEmailOnly,
		Status:         model.CampaignStatusProcessing,
		CreditsCharged: requested * unit,
		TimeoutAt:      &timeout,
	})
}

// existing 预先放入其他活动拥有的线索
func (f *reconcileFixture) existing(campaignID int64, externalIDs ...string) {
	for i, id := range externalIDs {
		f.repo.AddLead(&model.Lead{
			PublicID:   int64(90000 + i),
			CampaignID: campaignID,
			UserID:     f.user.ID,
			ExternalID: id,
			Status:     model.LeadStatusExtracted,
		})
	}
}

func batch(n int) json.RawMessage {
	leads := make([]map[string]interface{}, 0, n)
	for i := 0; i < n; i++ {
		leads = append(leads, map[string]interface{}{
			"externalId": fmt.Sprintf("ext-%d", i),
			"name":       fmt.Sprintf("Empresa %d", i),
			"email":      fmt.Sprintf("contato%d@empresa.com.br", i),
		})
	}
	b, _ := json.Marshal(map[string]interface{}{"leads": leads})
	return b
}

func TestReconcilePartialRefund(t *testing.T) {
	f := newReconcileFixture(t)
	c := f.campaign(501, pricing.TierBasic, 20)
	f.existing(999, "ext-0", "ext-1", "ext-2")

	res, err := f.svc.Reconcile(context.Background(), ExtractionEvent{CampaignID: "501", Leads: batch(18)})
	require.NoError(t, err)

	assert.Equal(t, model.CampaignStatusCompleted, res.Status)
	assert.Equal(t, 18, res.BatchSize)
	assert.Equal(t, 15, res.LeadsCreated)
	assert.Equal(t, 3, res.LeadsDuplicated)
	assert.Equal(t, 2, res.Insufficient)
	assert.Equal(t, 5, res.CreditsRefunded)

	stored := f.repo.Campaign(c.ID)
	assert.Equal(t, model.CampaignStatusCompleted, stored.Status)
	assert.Equal(t, 15, stored.LeadsCreated)
	assert.Equal(t, 3, stored.LeadsDuplicated)
	assert.Equal(t, 5, stored.CreditsRefunded)
	assert.LessOrEqual(t, stored.CreditsRefunded, stored.CreditsCharged)
	assert.Equal(t, 105, f.repo.User(f.user.ID).CreditBalance)

	txs := f.repo.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, model.CreditReasonPartialRefund, txs[0].Reason)
	assert.Equal(t, 5, txs[0].Amount)
	assert.Equal(t, 105, txs[0].BalanceAfter)

	leads := f.repo.CampaignLeads(c.ID)
	require.Len(t, leads, 15)
	for _, l := range leads {
		assert.Equal(t, model.LeadStatusExtracted, l.Status)
		assert.NotEmpty(t, l.OptOutToken)
		assert.NotZero(t, l.PublicID)
		require.NotNil(t, l.Email)
	}

	assert.Equal(t, []string{events.CampaignCompleted, events.CreditsRefunded}, f.recorder.Types())
	assert.Empty(t, f.notifier.requests)
}

func TestReconcileAllDuplicatesFailsWithFullRefund(t *testing.T) {
	f := newReconcileFixture(t)
	c := f.campaign(502, pricing.TierBasic, 10)
	f.existing(999, "ext-0", "ext-1", "ext-2", "ext-3")

	res, err := f.svc.Reconcile(context.Background(), ExtractionEvent{CampaignID: "502", Leads: batch(4)})
	require.NoError(t, err)

	assert.Equal(t, model.CampaignStatusFailed, res.Status)
	assert.Zero(t, res.LeadsCreated)
	assert.Equal(t, 4, res.LeadsDuplicated)
	assert.Equal(t, 10, res.CreditsRefunded)

	stored := f.repo.Campaign(c.ID)
	assert.Equal(t, model.CampaignStatusFailed, stored.Status)
	assert.Equal(t, stored.CreditsCharged, stored.CreditsRefunded)
	assert.Equal(t, 110, f.repo.User(f.user.ID).CreditBalance)
	assert.Empty(t, f.repo.CampaignLeads(c.ID))

	txs := f.repo.Transactions()
	require.Len(t, txs, 1)
	assert.Equal(t, model.CreditReasonNoNewLeads, txs[0].Reason)
	assert.Equal(t, []string{events.CampaignFailed, events.CreditsRefunded}, f.recorder.Types())
}

func TestReconcileEmptyBatchFails(t *testing.T) {
	f := newReconcileFixture(t)
	f.campaign(503, pricing.TierBasic, 5)

	res, err := f.svc.Reconcile(context.Background(), ExtractionEvent{CampaignID: "503", Leads: json.RawMessage(`[]`)})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusFailed, res.Status)
	assert.Equal(t, 5, res.Insufficient)
	assert.Equal(t, 5, res.CreditsRefunded)
}

func TestReconcileRedeliveryIsIdempotent(t *testing.T) {
	f := newReconcileFixture(t)
	c := f.campaign(504, pricing.TierBasic, 20)
	f.existing(999, "ext-0", "ext-1", "ext-2")
	ev := ExtractionEvent{CampaignID: "504", Leads: batch(18)}

	first, err := f.svc.Reconcile(context.Background(), ev)
	require.NoError(t, err)
	require.False(t, first.AlreadyReconciled)

	second, err := f.svc.Reconcile(context.Background(), ev)
	require.NoError(t, err)
	assert.True(t, second.AlreadyReconciled)
	assert.Equal(t, first.LeadsCreated, second.LeadsCreated)
	assert.Equal(t, first.CreditsRefunded, second.CreditsRefunded)

	assert.Equal(t, 105, f.repo.User(f.user.ID).CreditBalance)
	assert.Len(t, f.repo.Transactions(), 1)
	assert.Len(t, f.repo.CampaignLeads(c.ID), 15)
}

func TestReconcileRedeliveryAfterFailedCommitConverges(t *testing.T) {
	f := newReconcileFixture(t)
	c := f.campaign(505, pricing.TierBasic, 20)
	f.existing(999, "ext-0", "ext-1", "ext-2")
	ev := ExtractionEvent{CampaignID: "505", Leads: batch(18)}

	f.repo.FailCommit = stderrors.New("connection reset")
	_, err := f.svc.Reconcile(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, model.CampaignStatusProcessing, f.repo.Campaign(c.ID).Status)
	assert.Equal(t, 100, f.repo.User(f.user.ID).CreditBalance)

	// 线索已写入但活动未提交，再次投递时算作本活动已创建
	f.repo.FailCommit = nil
	res, err := f.svc.Reconcile(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, 15, res.LeadsCreated)
	assert.Equal(t, 3, res.LeadsDuplicated)
	assert.Equal(t, 5, res.CreditsRefunded)
	assert.Len(t, f.repo.CampaignLeads(c.ID), 15)
}

func TestReconcileFullTierNotifiesEnrichment(t *testing.T) {
	f := newReconcileFixture(t)
	c := f.campaign(506, pricing.TierFull, 5)
	f.notifier.err = stderrors.New("enrichment down")

	res, err := f.svc.Reconcile(context.Background(), ExtractionEvent{CampaignID: "506", Leads: batch(4)})
	require.NoError(t, err)

	assert.Equal(t, model.CampaignStatusExtractionCompleted, res.Status)
	assert.Equal(t, 4, res.LeadsCreated)
	assert.Equal(t, 3, res.CreditsRefunded)
	assert.Equal(t, model.CampaignStatusExtractionCompleted, f.repo.Campaign(c.ID).Status)

	require.Len(t, f.notifier.requests, 1)
	assert.Equal(t, notify.EnrichmentRequest{
		CampaignID:   "506",
		UserID:       strconv.FormatInt(f.user.ID, 10),
		Tier:         "FULL",
		LeadsCreated: 4,
	}, f.notifier.requests[0])
}

func TestReconcileFullTierWithOnlyInvalidRecordsSkipsEnrichment(t *testing.T) {
	f := newReconcileFixture(t)
	c := f.campaign(519, pricing.TierFull, 2)
	payload := json.RawMessage(`[{"city":"Campinas"},{"city":"Santos"}]`)

	res, err := f.svc.Reconcile(context.Background(), ExtractionEvent{CampaignID: "519", Leads: payload})
	require.NoError(t, err)
	assert.Equal(t, model.CampaignStatusExtractionCompleted, res.Status)
	assert.Zero(t, res.LeadsCreated)
	assert.Equal(t, 2, res.LeadsInvalid)
	assert.Equal(t, model.CampaignStatusExtractionCompleted, f.repo.Campaign(c.ID).Status)
	assert.Empty(t, f.notifier.requests)
}

func TestReconcileInvalidRecordsAreNotRefunded(t *testing.T) {
	f := newReconcileFixture(t)
	c := f.campaign(507, pricing.TierBasic, 4)
	payload := json.RawMessage(`[
		{"externalId":"a","name":"A","email":"broken"},
		{"placeId":"p-1","title":"B"},
		{"city":"Campinas"},
		"garbage"
	]`)

	res, err := f.svc.Reconcile(context.Background(), ExtractionEvent{CampaignID: "507", Leads: payload})
	require.NoError(t, err)
	assert.Equal(t, 2, res.LeadsCreated)
	assert.Equal(t, 2, res.LeadsInvalid)
	assert.Zero(t, res.CreditsRefunded)

	leads := f.repo.CampaignLeads(c.ID)
	require.Len(t, leads, 2)
	for _, l := range leads {
		assert.Nil(t, l.Email)
	}
	assert.Equal(t, 2, f.repo.Campaign(c.ID).LeadsInvalid)
}

func TestReconcileDuplicateKeysInsideBatch(t *testing.T) {
	f := newReconcileFixture(t)
	f.campaign(508, pricing.TierBasic, 3)
	payload := json.RawMessage(`[{"id":"x","name":"X"},{"id":"x","name":"X again"},{"id":"y","name":"Y"}]`)

	res, err := f.svc.Reconcile(context.Background(), ExtractionEvent{CampaignID: "508", Leads: payload})
	require.NoError(t, err)
	assert.Equal(t, 2, res.LeadsCreated)
	assert.Equal(t, 1, res.LeadsDuplicated)
	assert.Equal(t, 1, res.CreditsRefunded)
}

func TestReconcileRefundIsCapped(t *testing.T) {
	f := newReconcileFixture(t)
	c := f.repo.AddCampaign(&model.Campaign{
		PublicID:        509,
		UserID:          f.user.ID,
		RequestedCount:  10,
		Tier:            pricing.TierBasic,
		Status:          model.CampaignStatusProcessing,
		CreditsCharged:  10,
		CreditsRefunded: 8,
	})

	res, err := f.svc.Reconcile(context.Background(), ExtractionEvent{CampaignID: "509", Leads: batch(5)})
	require.NoError(t, err)
	assert.Equal(t, 2, res.CreditsRefunded)
	assert.Equal(t, 10, f.repo.Campaign(c.ID).CreditsRefunded)
}

func TestReconcileErrors(t *testing.T) {
	f := newReconcileFixture(t)
	ctx := context.Background()

	_, err := f.svc.Reconcile(ctx, ExtractionEvent{CampaignID: "404", Leads: batch(1)})
	assert.ErrorIs(t, err, errors.CampaignNotFound)

	_, err = f.svc.Reconcile(ctx, ExtractionEvent{CampaignID: "abc", Leads: batch(1)})
	assert.ErrorIs(t, err, errors.CampaignNotFound)

	f.campaign(510, pricing.TierBasic, 1)
	_, err = f.svc.Reconcile(ctx, ExtractionEvent{CampaignID: "510", Leads: json.RawMessage(`{"count":1}`)})
	assert.ErrorIs(t, err, errors.LeadBatchNotFound)

	lease, err := f.locker.Acquire(ctx, ReconcileLeaseKey(510), time.Minute)
	require.NoError(t, err)
	defer lease.Release(ctx)
	_, err = f.svc.Reconcile(ctx, ExtractionEvent{CampaignID: "510", Leads: batch(1)})
	assert.ErrorIs(t, err, errors.ReconcileInProgress)
}

func TestExpireCampaign(t *testing.T) {
	f := newReconcileFixture(t)
	c := f.campaign(511, pricing.TierFull, 10)

	changed, err := f.svc.ExpireCampaign(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, changed)

	stored := f.repo.Campaign(c.ID)
	assert.Equal(t, model.CampaignStatusFailed, stored.Status)
	assert.Equal(t, 30, stored.CreditsRefunded)
	assert.Equal(t, 130, f.repo.User(f.user.ID).CreditBalance)
	assert.Equal(t, model.CreditReasonCampaignTimeout, f.repo.Transactions()[0].Reason)
	assert.Empty(t, f.notifier.requests)

	changed, err = f.svc.ExpireCampaign(context.Background(), c)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, f.repo.Transactions(), 1)
}

package service

import (
	"context"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeadFlow/internal/dispatch"
	"LeadFlow/internal/events"
	"LeadFlow/internal/model"
	"LeadFlow/internal/repository/memrepo"
	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/token"
)

func strPtr(s string) *string { return &s }

func addLead(repo *memrepo.Repository, publicID int64, cadence model.CadenceType, status model.LeadStatus) *model.Lead {
	return repo.AddLead(&model.Lead{
		PublicID:    publicID,
		UserID:      1,
		CampaignID:  1,
		ExternalID:  "ext-" + strconv.FormatInt(publicID, 10),
		Email:       strPtr("dono@loja.com.br"),
		Phone:       strPtr("+5511987654321"),
		CadenceType: cadence,
		Status:      status,
		OptOutToken: "nonce-" + strconv.FormatInt(publicID, 10),
	})
}

func TestEnrichmentApplyCreatesPendingMessages(t *testing.T) {
	repo := memrepo.New()
	lead := addLead(repo, 301, model.CadenceHybrid, model.LeadStatusExtracted)
	svc := NewEnrichmentService(repo)

	res := EnrichmentResult{LeadID: "301", Messages: []EnrichedMessage{
		{Channel: "email", Sequence: 1, OverallStep: 1, Subject: "Olá", Body: "Primeiro contato"},
		{Channel: "whatsapp", Sequence: 1, OverallStep: 2, Body: "Oi!"},
		{Channel: "email", Sequence: 2, OverallStep: 3, Subject: "Re: Olá", Body: "Seguimento"},
	}}

	out, err := svc.Apply(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out.Created)
	assert.Zero(t, out.Skipped)
	assert.Equal(t, model.LeadStatusEnriched, repo.Lead(lead.ID).Status)

	history, err := repo.ListLeadMessages(context.Background(), lead.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for _, m := range history {
		assert.Equal(t, model.MessageStatusPending, m.Status)
		assert.NotZero(t, m.PublicID)
		assert.Equal(t, lead.UserID, m.UserID)
	}

	// 重复回调不会产生第二份
	out, err = svc.Apply(context.Background(), res)
	require.NoError(t, err)
	assert.Zero(t, out.Created)
	assert.Equal(t, int64(3), out.Skipped)
}

func TestEnrichmentApplyRejectsInvalidResults(t *testing.T) {
	repo := memrepo.New()
	addLead(repo, 302, model.CadenceEmailOnly, model.LeadStatusExtracted)
	svc := NewEnrichmentService(repo)
	ctx := context.Background()

	tests := []struct {
		name string
		res  EnrichmentResult
		want errors.Definition
	}{
		{"no messages", EnrichmentResult{LeadID: "302"}, errors.EnrichmentInvalid},
		{"bad channel", EnrichmentResult{LeadID: "302", Messages: []EnrichedMessage{{Channel: "sms", Sequence: 1, Body: "x"}}}, errors.EnrichmentInvalid},
		{"sequence out of range", EnrichmentResult{LeadID: "302", Messages: []EnrichedMessage{{Channel: "email", Sequence: 4, Subject: "s", Body: "x"}}}, errors.EnrichmentInvalid},
		{"channel outside cadence", EnrichmentResult{LeadID: "302", Messages: []EnrichedMessage{{Channel: "whatsapp", Sequence: 1, Body: "x"}}}, errors.EnrichmentInvalid},
		{"email without subject", EnrichmentResult{LeadID: "302", Messages: []EnrichedMessage{{Channel: "email", Sequence: 1, Body: "x"}}}, errors.EnrichmentInvalid},
		{"unknown lead", EnrichmentResult{LeadID: "999", Messages: []EnrichedMessage{{Channel: "email", Sequence: 1, Subject: "s", Body: "x"}}}, errors.LeadNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Apply(ctx, tt.res)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOptOutUnsubscribe(t *testing.T) {
	repo := memrepo.New()
	lead := addLead(repo, 303, model.CadenceEmailOnly, model.LeadStatus("EMAIL_1_SENT"))
	signer := token.NewOptOutSigner("0123456789abcdef0123456789abcdef", time.Hour)
	recorder := &events.Recorder{}
	svc := NewOptOutService(repo, signer, events.NewEmitter(recorder))

	// 与外发消息里的退订链接使用同一个 token
	link, err := dispatch.NewRenderer(signer, "https://app.leadflow.local").UnsubscribeURL(lead, model.ChannelEmail)
	require.NoError(t, err)
	u, err := url.Parse(link)
	require.NoError(t, err)
	tok := u.Query().Get("token")

	res, err := svc.Unsubscribe(context.Background(), tok)
	require.NoError(t, err)
	assert.Equal(t, "email", res.Channel)
	assert.False(t, res.AlreadyOptedOut)

	stored := repo.Lead(lead.ID)
	assert.Equal(t, model.LeadStatusOptedOut, stored.Status)
	assert.NotNil(t, stored.OptedOutAt)
	assert.Equal(t, []string{events.LeadOptedOut}, recorder.Types())

	res, err = svc.Unsubscribe(context.Background(), tok)
	require.NoError(t, err)
	assert.True(t, res.AlreadyOptedOut)
	assert.Len(t, recorder.Types(), 1)
}

func TestOptOutRejectsRevokedOrForgedTokens(t *testing.T) {
	repo := memrepo.New()
	lead := addLead(repo, 304, model.CadenceEmailOnly, model.LeadStatusEnriched)
	signer := token.NewOptOutSigner("0123456789abcdef0123456789abcdef", time.Hour)
	svc := NewOptOutService(repo, signer, nil)

	stale, err := signer.Sign(lead.PublicID, "email", "old-nonce")
	require.NoError(t, err)
	_, err = svc.Unsubscribe(context.Background(), stale)
	assert.ErrorIs(t, err, errors.OptOutTokenInvalid)

	forged, err := token.NewOptOutSigner("ffffffffffffffffffffffffffffffff", time.Hour).Sign(lead.PublicID, "email", lead.OptOutToken)
	require.NoError(t, err)
	_, err = svc.Unsubscribe(context.Background(), forged)
	assert.ErrorIs(t, err, errors.OptOutTokenInvalid)

	_, err = svc.Unsubscribe(context.Background(), "")
	assert.ErrorIs(t, err, errors.OptOutTokenInvalid)
	assert.Equal(t, model.LeadStatusEnriched, repo.Lead(lead.ID).Status)
}

func TestProviderStatusApply(t *testing.T) {
	repo := memrepo.New()
	lead := addLead(repo, 305, model.CadenceEmailOnly, model.LeadStatus("EMAIL_1_SENT"))
	sentAt := time.Date(2025, 3, 5, 12, 0, 0, 0, time.UTC)
	msg := repo.AddMessage(&model.OutboundMessage{
		PublicID:          4001,
		LeadID:            lead.ID,
		UserID:            lead.UserID,
		Channel:           model.ChannelEmail,
		Sequence:          1,
		Status:            model.MessageStatusSent,
		SentAt:            &sentAt,
		ProviderMessageID: strPtr("sg-abc"),
	})
	recorder := &events.Recorder{}
	svc := NewProviderStatusService(repo, events.NewEmitter(recorder))
	ctx := context.Background()

	res, err := svc.Apply(ctx, ProviderStatusUpdate{ProviderMessageID: "sg-abc", Status: "delivered"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.MessageStatusDelivered, res.Status)

	// 乱序的 delivered 不回退 read
	_, err = svc.Apply(ctx, ProviderStatusUpdate{ProviderMessageID: "sg-abc", Status: "open"})
	require.NoError(t, err)
	res, err = svc.Apply(ctx, ProviderStatusUpdate{ProviderMessageID: "sg-abc", Status: "delivered"})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, model.MessageStatusRead, res.Status)

	res, err = svc.Apply(ctx, ProviderStatusUpdate{ProviderMessageID: "sg-abc", Status: "REPLIED"})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, model.LeadStatusReplied, repo.Lead(lead.ID).Status)
	assert.Equal(t, model.MessageStatusReplied, repo.Message(msg.ID).Status)

	res, err = svc.Apply(ctx, ProviderStatusUpdate{ProviderMessageID: "sg-abc", Status: "replied"})
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, []string{events.LeadReplied}, recorder.Types())
}

func TestProviderStatusErrors(t *testing.T) {
	svc := NewProviderStatusService(memrepo.New(), nil)
	ctx := context.Background()

	_, err := svc.Apply(ctx, ProviderStatusUpdate{Status: "delivered"})
	assert.ErrorIs(t, err, errors.StatusUpdateInvalid)

	_, err = svc.Apply(ctx, ProviderStatusUpdate{ProviderMessageID: "x", Status: "teleported"})
	assert.ErrorIs(t, err, errors.StatusUpdateInvalid)

	_, err = svc.Apply(ctx, ProviderStatusUpdate{ProviderMessageID: "missing", Status: "read"})
	assert.ErrorIs(t, err, errors.MessageNotFound)
}

package cadence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LeadFlow/internal/model"
)

// 2025-03-05 是周三
func at(day, hour, minute int) time.Time {
	return time.Date(2025, 3, day, hour, minute, 0, 0, time.UTC)
}

func ptr[T any](v T) *T { return &v }

func dayOffsetConfig() *model.CadenceConfig {
	return &model.CadenceConfig{
		Channel:           model.ChannelEmail,
		Shape:             model.ShapeDayOffset,
		Timezone:          "UTC",
		DailyLimit:        10,
		BusinessHourStart: 9,
		BusinessHourEnd:   18,
		BusinessHoursOnly: true,
		Steps: model.CadenceSteps{
			{Sequence: 1},
			{Sequence: 2, OffsetDays: 2},
			{Sequence: 3, OffsetDays: 4},
		},
	}
}

func weekdayConfig() *model.CadenceConfig {
	return &model.CadenceConfig{
		Channel:    model.ChannelWhatsApp,
		Shape:      model.ShapeWeekdayWindow,
		Timezone:   "UTC",
		DailyLimit: 10,
		Steps: model.CadenceSteps{
			{Sequence: 1, Weekday: "monday", Window: "09:00-11:00"},
			{Sequence: 2, Weekday: "wed", Window: "14:00-16:30"},
			{Sequence: 3, Weekday: "5", Window: "10:00-12:00"},
		},
	}
}

func TestIsWithinBusinessHours(t *testing.T) {
	assert.True(t, IsWithinBusinessHours(9, 18, at(5, 9, 0)))
	assert.True(t, IsWithinBusinessHours(9, 18, at(5, 17, 59)))
	assert.False(t, IsWithinBusinessHours(9, 18, at(5, 18, 0)))
	assert.False(t, IsWithinBusinessHours(9, 18, at(5, 8, 59)))
	// 周六
	assert.False(t, IsWithinBusinessHours(9, 18, at(8, 10, 0)))
}

func TestIsEligibleByShape_WeekdayWindow(t *testing.T) {
	cfg := weekdayConfig()
	step2, _ := cfg.Step(2)

	assert.True(t, IsEligibleByShape(cfg, step2, nil, at(5, 14, 0), time.UTC))
	assert.True(t, IsEligibleByShape(cfg, step2, nil, at(5, 16, 29), time.UTC))
	assert.False(t, IsEligibleByShape(cfg, step2, nil, at(5, 16, 30), time.UTC), "window end is exclusive")
	assert.False(t, IsEligibleByShape(cfg, step2, nil, at(4, 15, 0), time.UTC), "wrong weekday")

	step3, _ := cfg.Step(3)
	assert.True(t, IsEligibleByShape(cfg, step3, nil, at(7, 10, 30), time.UTC))
}

func TestIsEligibleByShape_WeekdayWindowUsesTenantLocation(t *testing.T) {
	cfg := weekdayConfig()
	step1, _ := cfg.Step(1)
	saoPaulo, err := time.LoadLocation("America/Sao_Paulo") // UTC-3
	require.NoError(t, err)

	// 周一 12:30 UTC = 09:30 圣保罗
	assert.True(t, IsEligibleByShape(cfg, step1, nil, time.Date(2025, 3, 3, 12, 30, 0, 0, time.UTC), saoPaulo))
	assert.False(t, IsEligibleByShape(cfg, step1, nil, time.Date(2025, 3, 3, 9, 30, 0, 0, time.UTC), saoPaulo))
}

func TestEvaluateUsesInputLocation(t *testing.T) {
	cfg := dayOffsetConfig()
	cfg.Timezone = ""
	saoPaulo, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	// 周三 19:30 UTC = 16:30 圣保罗，工作时间内
	now := at(5, 19, 30)
	in := Input{Now: now, Config: cfg, Lead: baseLead(), Message: pending(model.ChannelEmail, 1)}
	assert.False(t, Evaluate(in).Eligible)

	in.Location = saoPaulo
	assert.True(t, Evaluate(in).Eligible)
}

func TestIsEligibleByShape_DayOffset(t *testing.T) {
	cfg := dayOffsetConfig()
	step2, _ := cfg.Step(2)

	// 周一晚上发出，周三才满两个自然日
	prev := at(3, 23, 30)
	assert.False(t, IsEligibleByShape(cfg, step2, &prev, at(4, 10, 0), time.UTC))
	assert.True(t, IsEligibleByShape(cfg, step2, &prev, at(5, 9, 0), time.UTC))
	assert.False(t, IsEligibleByShape(cfg, step2, &prev, at(5, 19, 0), time.UTC), "outside business hours")

	cfg.BusinessHoursOnly = false
	assert.True(t, IsEligibleByShape(cfg, step2, &prev, at(5, 19, 0), time.UTC))

	step1, _ := cfg.Step(1)
	assert.True(t, IsEligibleByShape(cfg, step1, nil, at(5, 10, 0), time.UTC), "first step has no offset")
}

func TestOffsetCutoffMatchesShapeCheck(t *testing.T) {
	cfg := dayOffsetConfig()
	cfg.BusinessHoursOnly = false
	now := at(5, 10, 0)

	for _, seq := range []int{2, 3} {
		step, _ := cfg.Step(seq)
		cutoff := OffsetCutoff(cfg, step, now, time.UTC)
		require.NotNil(t, cutoff)

		for h := 0; h < 24*7; h++ {
			prev := now.Add(-time.Duration(h) * time.Hour)
			want := IsEligibleByShape(cfg, step, &prev, now, time.UTC)
			assert.Equal(t, want, prev.Before(*cutoff), "sequence %d prev %s", seq, prev)
		}
	}

	step1, _ := cfg.Step(1)
	assert.Nil(t, OffsetCutoff(cfg, step1, now, time.UTC))
	assert.Nil(t, OffsetCutoff(weekdayConfig(), model.CadenceStep{Sequence: 2}, now, time.UTC))
	assert.NotNil(t, OffsetCutoff(cfg, model.CadenceStep{Sequence: 1, OffsetDays: 1}, now, time.UTC), "hybrid first step may carry an offset")
}

func TestNextSequenceToSend(t *testing.T) {
	tests := []struct {
		sentToday  map[int]int
		available  map[int]bool
		name       string
		dailyLimit int
		want       int
	}{
		{
			name:       "fewest sent wins",
			sentToday:  map[int]int{1: 3, 2: 1},
			available:  map[int]bool{1: true, 2: true},
			dailyLimit: 10,
			want:       2,
		},
		{
			name:       "tie goes to lowest sequence",
			sentToday:  map[int]int{1: 2, 2: 2, 3: 2},
			available:  map[int]bool{3: true, 2: true},
			dailyLimit: 10,
			want:       2,
		},
		{
			name:       "unavailable steps are ignored",
			sentToday:  map[int]int{},
			available:  map[int]bool{1: false, 3: true},
			dailyLimit: 10,
			want:       3,
		},
		{
			name:       "limit reached",
			sentToday:  map[int]int{1: 5, 2: 5},
			available:  map[int]bool{1: true},
			dailyLimit: 10,
			want:       0,
		},
		{
			name:       "nothing available",
			sentToday:  map[int]int{},
			available:  map[int]bool{},
			dailyLimit: 10,
			want:       0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextSequenceToSend(tt.sentToday, tt.available, tt.dailyLimit))
		})
	}
}

func baseLead() *model.Lead {
	return &model.Lead{
		CadenceType: model.CadenceEmailOnly,
		Status:      model.LeadStatusEnriched,
		Email:       ptr("owner@acme.test"),
	}
}

func pending(channel model.Channel, seq int) *model.OutboundMessage {
	return &model.OutboundMessage{Channel: channel, Sequence: seq, Status: model.MessageStatusPending}
}

func TestEvaluate_LeadGuards(t *testing.T) {
	cfg := dayOffsetConfig()
	now := at(5, 10, 0)

	tests := []struct {
		mutate func(*model.Lead)
		name   string
		reason string
	}{
		{name: "opted out", mutate: func(l *model.Lead) { l.OptedOutAt = ptr(now) }, reason: ReasonLeadOptedOut},
		{name: "replied", mutate: func(l *model.Lead) { l.Status = model.LeadStatusReplied }, reason: ReasonLeadTerminal},
		{name: "bounced", mutate: func(l *model.Lead) { l.Status = model.LeadStatusBounced }, reason: ReasonLeadTerminal},
		{name: "no email", mutate: func(l *model.Lead) { l.Email = nil }, reason: ReasonMissingContact},
		{name: "blank email", mutate: func(l *model.Lead) { l.Email = ptr("  ") }, reason: ReasonMissingContact},
		{name: "whatsapp only lead", mutate: func(l *model.Lead) { l.CadenceType = model.CadenceWhatsAppOnly }, reason: ReasonChannelNotInCadence},
		{name: "not enriched", mutate: func(l *model.Lead) { l.Status = model.LeadStatusExtracted }, reason: ReasonContentNotReady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lead := baseLead()
			tt.mutate(lead)
			d := Evaluate(Input{Now: now, Config: cfg, Lead: lead, Message: pending(model.ChannelEmail, 1)})
			assert.False(t, d.Eligible)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}

	d := Evaluate(Input{Now: now, Config: cfg, Lead: baseLead(), Message: pending(model.ChannelEmail, 1)})
	assert.True(t, d.Eligible)
}

func TestEvaluate_PredecessorOrdering(t *testing.T) {
	cfg := dayOffsetConfig()
	now := at(5, 10, 0)
	lead := baseLead()
	lead.Status = model.SentLeadStatus(model.ChannelEmail, 1)
	msg := pending(model.ChannelEmail, 2)

	first := model.OutboundMessage{Channel: model.ChannelEmail, Sequence: 1, Status: model.MessageStatusPending}
	d := Evaluate(Input{Now: now, Config: cfg, Lead: lead, Message: msg, History: []model.OutboundMessage{first}})
	assert.Equal(t, ReasonPredecessorNotSent, d.Reason)

	first.Status = model.MessageStatusFailed
	d = Evaluate(Input{Now: now, Config: cfg, Lead: lead, Message: msg, History: []model.OutboundMessage{first}})
	assert.Equal(t, ReasonPredecessorNotSent, d.Reason, "a failed step blocks its successors")

	first.Status = model.MessageStatusSent
	d = Evaluate(Input{Now: now, Config: cfg, Lead: lead, Message: msg, History: []model.OutboundMessage{first}})
	assert.Equal(t, ReasonPredecessorNotSent, d.Reason, "sent without timestamp is not sent")

	first.SentAt = ptr(at(4, 10, 0))
	d = Evaluate(Input{Now: now, Config: cfg, Lead: lead, Message: msg, History: []model.OutboundMessage{first}})
	assert.Equal(t, ReasonOutsideCadenceWindow, d.Reason, "offset of two days not yet met")

	first.SentAt = ptr(at(3, 10, 0))
	first.Status = model.MessageStatusRead
	d = Evaluate(Input{Now: now, Config: cfg, Lead: lead, Message: msg, History: []model.OutboundMessage{first}})
	assert.True(t, d.Eligible)
}

func TestEvaluate_HybridOverallOrdering(t *testing.T) {
	cfg := dayOffsetConfig()
	cfg.Channel = model.ChannelWhatsApp
	now := at(5, 10, 0)

	lead := baseLead()
	lead.CadenceType = model.CadenceHybrid
	lead.Phone = ptr("+5511999990000")

	// 总步数：1 邮件#1，2 WhatsApp#1，3 邮件#2
	email1 := model.OutboundMessage{Channel: model.ChannelEmail, Sequence: 1, OverallStep: 1, Status: model.MessageStatusPending}
	wa1 := pending(model.ChannelWhatsApp, 1)
	wa1.OverallStep = 2

	d := Evaluate(Input{Now: now, Config: cfg, Lead: lead, Message: wa1, History: []model.OutboundMessage{email1, *wa1}})
	assert.Equal(t, ReasonPreviousStepNotSent, d.Reason)

	email1.Status = model.MessageStatusSent
	email1.SentAt = ptr(at(4, 9, 0))
	d = Evaluate(Input{Now: now, Config: cfg, Lead: lead, Message: wa1, History: []model.OutboundMessage{email1, *wa1}})
	assert.True(t, d.Eligible)
}

func TestParseWeekdayAndWindow(t *testing.T) {
	d, err := ParseWeekday("Thursday")
	require.NoError(t, err)
	assert.Equal(t, time.Thursday, d)

	_, err = ParseWeekday("someday")
	assert.Error(t, err)

	w, err := ParseWindow("08:15-24:00")
	require.NoError(t, err)
	assert.Equal(t, 8*60+15, w.StartMinute)
	assert.Equal(t, 24*60, w.EndMinute)

	_, err = ParseWindow("12:00-09:00")
	assert.Error(t, err)
}

// Package dispatch 单渠道的一次 tick：最多发送一条消息
package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"LeadFlow/internal/cadence"
	"LeadFlow/internal/events"
	"LeadFlow/internal/model"
	"LeadFlow/internal/repository"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/metrics"
	"LeadFlow/pkg/transport"
)

// Status 一次渠道 tick 的结果
type Status string

const (
	StatusLimitReached Status = "limit_reached"
	StatusWaiting      Status = "waiting"
	StatusNoPending    Status = "no_pending"
	StatusNotReady     Status = "not_ready"
	StatusSent         Status = "sent"
	StatusFailed       Status = "failed"
	StatusLocked       Status = "locked"
	StatusError        Status = "error"
)

const (
	ReasonCadenceDisabled = "cadence_disabled"
	ReasonNoTransport     = "no_transport"
)

// ChannelReport 对外可见的 tick 结果
type ChannelReport struct {
	NextAllowedAt     *time.Time    `json:"next_allowed_at,omitempty"`
	SentToday         map[int]int   `json:"sent_today,omitempty"`
	Channel           model.Channel `json:"channel"`
	Status            Status        `json:"status"`
	Reason            string        `json:"reason,omitempty"`
	ProviderMessageID string        `json:"provider_message_id,omitempty"`
	Sequence          int           `json:"sequence,omitempty"`
	MessageID         int64         `json:"message_id,omitempty"`
	LeadID            int64         `json:"lead_id,omitempty"`
}

// Options 可注入的时钟与随机源
type Options struct {
	Now        func() time.Time
	Random     func() float64
	Location   *time.Location
	MinSpacing time.Duration
}

// Dispatcher 无状态，所有持久化都通过 repository
type Dispatcher struct {
	repo       repository.Repository
	transports map[model.Channel]transport.Transport
	renderer   *Renderer
	emitter    *events.Emitter
	now        func() time.Time
	random     func() float64
	location   *time.Location
	minSpacing time.Duration
	log        *zap.Logger
}

func New(repo repository.Repository, transports map[model.Channel]transport.Transport, renderer *Renderer, emitter *events.Emitter, opts Options) *Dispatcher {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Random == nil {
		var mu sync.Mutex
		src := rand.New(rand.NewSource(time.Now().UnixNano()))
		opts.Random = func() float64 {
			mu.Lock()
			defer mu.Unlock()
			return src.Float64()
		}
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}

	return &Dispatcher{
		repo:       repo,
		transports: transports,
		renderer:   renderer,
		emitter:    emitter,
		now:        opts.Now,
		random:     opts.Random,
		location:   opts.Location,
		minSpacing: opts.MinSpacing,
		log:        logger.Named("dispatch"),
	}
}

// RunChannelTick 处理 (user, channel) 的至多一条消息
func (d *Dispatcher) RunChannelTick(ctx context.Context, userID int64, channel model.Channel) (ChannelReport, error) {
	report, err := d.runChannelTick(ctx, userID, channel)
	report.Channel = channel
	if err != nil {
		report.Status = StatusError
		if report.Reason == "" {
			report.Reason = err.Error()
		}
	}
	metrics.RecordTick(ctx, string(channel), string(report.Status))
	return report, err
}

func (d *Dispatcher) runChannelTick(ctx context.Context, userID int64, channel model.Channel) (ChannelReport, error) {
	now := d.now()

	cfg, err := d.repo.GetCadenceConfig(ctx, userID, channel)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return ChannelReport{Status: StatusNoPending, Reason: ReasonCadenceDisabled}, nil
		}
		return ChannelReport{}, fmt.Errorf("load cadence config: %w", err)
	}
	if !cfg.Enabled {
		return ChannelReport{Status: StatusNoPending, Reason: ReasonCadenceDisabled}, nil
	}
	loc := d.tenantLocation(ctx, cfg, userID)

	// 1. 今日已发送
	dayStart, dayEnd := cadence.DayBounds(now.In(loc))
	sentToday, err := d.repo.CountSentBetween(ctx, userID, channel, dayStart, dayEnd)
	if err != nil {
		return ChannelReport{}, fmt.Errorf("count sent today: %w", err)
	}
	if total(sentToday) >= cfg.DailyLimit {
		return ChannelReport{Status: StatusLimitReached, SentToday: sentToday}, nil
	}

	// 2. 节流检查点
	checkpoint, err := d.repo.GetCheckpoint(ctx, userID, channel)
	if err != nil && !stderrors.Is(err, repository.ErrNotFound) {
		return ChannelReport{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if checkpoint != nil && now.Before(checkpoint.NextAllowedAt) {
		next := checkpoint.NextAllowedAt
		return ChannelReport{Status: StatusWaiting, SentToday: sentToday, NextAllowedAt: &next}, nil
	}

	// 3. 选序号
	available, err := d.availableSequences(ctx, cfg, userID, channel, now, loc)
	if err != nil {
		return ChannelReport{}, err
	}
	seq := cadence.NextSequenceToSend(sentToday, available, cfg.DailyLimit)
	if seq == 0 {
		return ChannelReport{Status: StatusNoPending, SentToday: sentToday}, nil
	}

	// 4. 最早的一条
	step, _ := cfg.Step(seq)
	msg, err := d.repo.NextPending(ctx, repository.PendingQuery{
		PrevSentBefore: cadence.OffsetCutoff(cfg, step, now, loc),
		Channel:        channel,
		UserID:         userID,
		Sequence:       seq,
	})
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return ChannelReport{Status: StatusNoPending, SentToday: sentToday, Sequence: seq}, nil
		}
		return ChannelReport{}, fmt.Errorf("load pending message: %w", err)
	}

	report := ChannelReport{SentToday: sentToday, Sequence: seq, MessageID: msg.ID, LeadID: msg.LeadID}

	// 5. 二次校验
	lead, err := d.repo.GetLead(ctx, msg.LeadID)
	if err != nil {
		return report, fmt.Errorf("load lead: %w", err)
	}
	history, err := d.repo.ListLeadMessages(ctx, lead.ID)
	if err != nil {
		return report, fmt.Errorf("load lead history: %w", err)
	}
	decision := cadence.Evaluate(cadence.Input{
		Now:      now,
		Location: loc,
		Config:   cfg,
		Lead:     lead,
		Message:  msg,
		History:  history,
	})
	if !decision.Eligible {
		report.Status = StatusNotReady
		report.Reason = decision.Reason
		return report, nil
	}

	// 6. 渲染并发送
	tr, ok := d.transports[channel]
	if !ok {
		report.Status = StatusError
		report.Reason = ReasonNoTransport
		return report, nil
	}
	env, err := d.renderer.Render(lead, msg)
	if err != nil {
		return report, err
	}

	started := time.Now()
	result, sendErr := tr.Send(ctx, env)
	if sendErr != nil {
		return d.handleSendError(ctx, report, msg, sendErr)
	}
	metrics.RecordMessageSent(ctx, string(channel), result.Provider, time.Since(started).Seconds())

	// 7. 同一事务内：消息、线索状态、检查点
	sentAt := d.now()
	nextAllowed := sentAt.Add(Spacing(cfg, d.minSpacing, d.random(), d.random()))
	err = d.repo.MarkMessageSent(ctx, repository.SentUpdate{
		SentAt:            sentAt,
		NextAllowedAt:     nextAllowed,
		Channel:           channel,
		ProviderMessageID: result.ProviderMessageID,
		LeadStatus:        model.SentLeadStatus(channel, msg.Sequence),
		MessageID:         msg.ID,
		LeadID:            lead.ID,
		UserID:            userID,
	})
	if err != nil {
		// 已经交给服务商但没能落库，需要人工核对
		d.log.Error("Message sent but state not persisted",
			zap.Int64("message_id", msg.ID),
			zap.String("provider_message_id", result.ProviderMessageID),
			zap.Error(err),
		)
		return report, fmt.Errorf("persist sent message: %w", err)
	}

	report.Status = StatusSent
	report.ProviderMessageID = result.ProviderMessageID
	report.NextAllowedAt = &nextAllowed
	report.SentToday = increment(sentToday, msg.Sequence)

	d.log.Info("Message sent",
		zap.Int64("user_id", userID),
		zap.String("channel", string(channel)),
		zap.Int64("message_id", msg.ID),
		zap.Int("sequence", msg.Sequence),
		zap.Time("next_allowed_at", nextAllowed),
	)
	d.emitter.Emit(ctx, events.MessageSent, messageKey(msg.ID), userID, map[string]interface{}{
		"message_id":          msg.PublicID,
		"lead_id":             lead.PublicID,
		"channel":             channel,
		"sequence":            msg.Sequence,
		"provider_message_id": result.ProviderMessageID,
	})

	return report, nil
}

// handleSendError 没有到达服务商的（熔断、限流）保持 PENDING
func (d *Dispatcher) handleSendError(ctx context.Context, report ChannelReport, msg *model.OutboundMessage, sendErr error) (ChannelReport, error) {
	if transport.IsDeferred(sendErr) || ctx.Err() != nil {
		report.Status = StatusWaiting
		report.Reason = sendErr.Error()
		d.log.Warn("Send deferred",
			zap.Int64("message_id", msg.ID),
			zap.String("channel", string(msg.Channel)),
			zap.Error(sendErr),
		)
		return report, nil
	}

	if err := d.repo.MarkMessageFailed(ctx, msg.ID, truncate(sendErr.Error(), 1000)); err != nil {
		return report, fmt.Errorf("mark message failed: %w", err)
	}
	metrics.RecordMessageFailed(ctx, string(msg.Channel), "transport")

	report.Status = StatusFailed
	report.Reason = sendErr.Error()
	d.log.Warn("Message failed",
		zap.Int64("message_id", msg.ID),
		zap.String("channel", string(msg.Channel)),
		zap.Error(sendErr),
	)
	d.emitter.Emit(ctx, events.MessageFailed, messageKey(msg.ID), msg.UserID, map[string]interface{}{
		"message_id": msg.PublicID,
		"channel":    msg.Channel,
		"sequence":   msg.Sequence,
		"error":      sendErr.Error(),
	})
	return report, nil
}

// availableSequences 节奏形态此刻开放、并且有结构上可发送的待发消息的序号
func (d *Dispatcher) availableSequences(ctx context.Context, cfg *model.CadenceConfig, userID int64, channel model.Channel, now time.Time, loc *time.Location) (map[int]bool, error) {
	steps := append([]model.CadenceStep(nil), cfg.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Sequence < steps[j].Sequence })

	available := make(map[int]bool, len(steps))
	for _, step := range steps {
		if step.Sequence < 1 || !cadence.IsEligibleByShape(cfg, step, nil, now, loc) {
			continue
		}
		n, err := d.repo.CountPending(ctx, repository.PendingQuery{
			PrevSentBefore: cadence.OffsetCutoff(cfg, step, now, loc),
			Channel:        channel,
			UserID:         userID,
			Sequence:       step.Sequence,
		})
		if err != nil {
			return nil, fmt.Errorf("count pending for sequence %d: %w", step.Sequence, err)
		}
		if n > 0 {
			available[step.Sequence] = true
		}
	}
	return available, nil
}

// tenantLocation 依次取节奏配置、租户、部署默认的时区
func (d *Dispatcher) tenantLocation(ctx context.Context, cfg *model.CadenceConfig, userID int64) *time.Location {
	if cfg.Timezone != "" {
		return cfg.Location(d.location)
	}
	user, err := d.repo.GetUser(ctx, userID)
	if err != nil {
		if !stderrors.Is(err, repository.ErrNotFound) {
			d.log.Warn("Failed to load tenant timezone, using default",
				zap.Int64("user_id", userID),
				zap.Error(err),
			)
		}
		return d.location
	}
	if user.Timezone != "" {
		if loc, err := time.LoadLocation(user.Timezone); err == nil {
			return loc
		}
	}
	return d.location
}

func total(counts map[int]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}

func increment(counts map[int]int, seq int) map[int]int {
	out := make(map[int]int, len(counts)+1)
	for k, v := range counts {
		out[k] = v
	}
	out[seq]++
	return out
}

func messageKey(id int64) string {
	return "message:" + strconv.FormatInt(id, 10)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

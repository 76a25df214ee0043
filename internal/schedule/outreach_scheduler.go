package schedule

// 外联调度器：对每个租户依次跑邮件、WhatsApp 两个渠道的 tick，并清理超时的活动

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"LeadFlow/internal/dispatch"
	"LeadFlow/internal/model"
	"LeadFlow/internal/repository"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/resilience"
)

const (
	defaultTickLeaseTTL = 4 * time.Minute
	sweepBatchSize      = 100
)

// ChannelRunner 单渠道 tick，由 dispatch.Dispatcher 实现
type ChannelRunner interface {
	RunChannelTick(ctx context.Context, userID int64, channel model.Channel) (dispatch.ChannelReport, error)
}

// CampaignExpirer 把超时的活动按全额退款处理，返回是否真的发生了变更
type CampaignExpirer interface {
	ExpireCampaign(ctx context.Context, campaign *model.Campaign) (bool, error)
}

// TickReport 一个租户一次 tick 的结果
type TickReport struct {
	UserID   int64                  `json:"user_id"`
	Email    dispatch.ChannelReport `json:"email"`
	WhatsApp dispatch.ChannelReport `json:"whatsapp"`
}

// RunReport RunAll 的汇总
type RunReport struct {
	StartedAt time.Time    `json:"started_at"`
	Tenants   []TickReport `json:"tenants"`
	Skipped   bool         `json:"skipped,omitempty"`
	// RunningSince 跳过时，正在进行的那次 tick 的开始时间
	RunningSince *time.Time `json:"running_since,omitempty"`
}

type Options struct {
	Locker   resilience.Locker
	Expirer  CampaignExpirer
	Now      func() time.Time
	LeaseTTL time.Duration
}

type OutreachScheduler struct {
	repo     repository.Repository
	runner   ChannelRunner
	expirer  CampaignExpirer
	locker   resilience.Locker
	now      func() time.Time
	logger   *zap.Logger
	leaseTTL time.Duration

	tickJobRunning  bool
	tickJobMu       sync.Mutex
	lastTickJobTime time.Time

	sweepJobRunning bool
	sweepJobMu      sync.Mutex
}

func NewOutreachScheduler(repo repository.Repository, runner ChannelRunner, opts Options) *OutreachScheduler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = defaultTickLeaseTTL
	}
	return &OutreachScheduler{
		repo:     repo,
		runner:   runner,
		expirer:  opts.Expirer,
		locker:   opts.Locker,
		now:      opts.Now,
		leaseTTL: opts.LeaseTTL,
		logger:   logger.Named("scheduler"),
	}
}

// RunAll 依次处理所有租户；同一进程内上一次还没跑完时直接跳过
func (s *OutreachScheduler) RunAll(ctx context.Context) (*RunReport, error) {
	startTime := s.now()

	s.tickJobMu.Lock()
	if s.tickJobRunning {
		runningSince := s.lastTickJobTime
		s.tickJobMu.Unlock()
		s.logger.Info("Tick job already running, skipping",
			zap.Time("running_since", runningSince),
		)
		return &RunReport{StartedAt: startTime, Skipped: true, RunningSince: &runningSince}, nil
	}
	s.tickJobRunning = true
	s.lastTickJobTime = startTime
	s.tickJobMu.Unlock()

	defer func() {
		s.tickJobMu.Lock()
		s.tickJobRunning = false
		s.tickJobMu.Unlock()
	}()

	tenants, err := s.repo.ListTenantIDs(ctx)
	if err != nil {
		s.logger.Error("Failed to list tenants", zap.Error(err))
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}

	report := &RunReport{StartedAt: startTime, Tenants: make([]TickReport, 0, len(tenants))}
	for _, userID := range tenants {
		if err := ctx.Err(); err != nil {
			s.logger.Warn("Tick job interrupted",
				zap.Int("processed", len(report.Tenants)),
				zap.Int("tenant_count", len(tenants)),
				zap.Error(err),
			)
			return report, err
		}
		report.Tenants = append(report.Tenants, s.RunTick(ctx, userID))
	}

	s.logger.Info("Tick job completed",
		zap.Int("tenant_count", len(tenants)),
		zap.Duration("duration", time.Since(startTime)),
	)
	return report, nil
}

// RunTick 邮件完整跑完后才开始 WhatsApp；一个渠道出错不影响另一个
func (s *OutreachScheduler) RunTick(ctx context.Context, userID int64) TickReport {
	report := TickReport{UserID: userID}
	for _, channel := range model.Channels {
		r := s.runChannel(ctx, userID, channel)
		switch channel {
		case model.ChannelEmail:
			report.Email = r
		case model.ChannelWhatsApp:
			report.WhatsApp = r
		}
	}
	return report
}

func (s *OutreachScheduler) runChannel(ctx context.Context, userID int64, channel model.Channel) dispatch.ChannelReport {
	if s.locker != nil {
		lease, err := s.locker.Acquire(ctx, tickLeaseKey(userID, channel), s.leaseTTL)
		if err != nil {
			if stderrors.Is(err, resilience.ErrLeaseHeld) {
				s.logger.Info("Channel tick already in progress",
					zap.Int64("user_id", userID),
					zap.String("channel", string(channel)),
				)
				return dispatch.ChannelReport{Channel: channel, Status: dispatch.StatusLocked}
			}
			s.logger.Error("Failed to acquire tick lease",
				zap.Int64("user_id", userID),
				zap.String("channel", string(channel)),
				zap.Error(err),
			)
			return dispatch.ChannelReport{Channel: channel, Status: dispatch.StatusError, Reason: err.Error()}
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("Failed to release tick lease", zap.Error(err))
			}
		}()
	}

	report, err := s.runner.RunChannelTick(ctx, userID, channel)
	if err != nil {
		s.logger.Error("Channel tick failed",
			zap.Int64("user_id", userID),
			zap.String("channel", string(channel)),
			zap.Error(err),
		)
	}
	return report
}

// SweepTimedOutCampaigns 抓取一直没有回调的活动按失败处理并全额退款
func (s *OutreachScheduler) SweepTimedOutCampaigns(ctx context.Context) (int, error) {
	if s.expirer == nil {
		return 0, nil
	}

	s.sweepJobMu.Lock()
	if s.sweepJobRunning {
		s.sweepJobMu.Unlock()
		s.logger.Info("Timeout sweep already running, skipping")
		return 0, nil
	}
	s.sweepJobRunning = true
	s.sweepJobMu.Unlock()

	defer func() {
		s.sweepJobMu.Lock()
		s.sweepJobRunning = false
		s.sweepJobMu.Unlock()
	}()

	campaigns, err := s.repo.ListTimedOutCampaigns(ctx, s.now(), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list timed out campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		return 0, nil
	}

	expired := 0
	var errs []error
	for i := range campaigns {
		c := &campaigns[i]
		changed, err := s.expirer.ExpireCampaign(ctx, c)
		if err != nil {
			s.logger.Error("Failed to expire campaign",
				zap.Int64("campaign_id", c.PublicID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		if changed {
			expired++
		}
	}

	s.logger.Info("Timeout sweep completed",
		zap.Int("candidates", len(campaigns)),
		zap.Int("expired", expired),
	)
	return expired, stderrors.Join(errs...)
}

func tickLeaseKey(userID int64, channel model.Channel) string {
	return "tick:" + strconv.FormatInt(userID, 10) + ":" + string(channel)
}

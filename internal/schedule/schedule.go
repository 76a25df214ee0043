package schedule

import (
	"fmt"
	"sync"
	"time"

	"LeadFlow/config"
	"LeadFlow/internal/dispatch"
	"LeadFlow/internal/model"
	"LeadFlow/internal/service"
	"LeadFlow/pkg/resilience"
	"LeadFlow/pkg/transport"
	"LeadFlow/storage/redis"
)

var (
	outreachScheduler *OutreachScheduler
	outreachOnce      sync.Once
	outreachErr       error
)

// GetOutreachScheduler 依赖 storage 已经 Init
func GetOutreachScheduler() (*OutreachScheduler, error) {
	outreachOnce.Do(func() {
		cfg := config.Cfg

		tenantLimiter := resilience.NewRateLimiter(redis.Client(), redis.Prefix(), cfg.TransportRatePerMinute, time.Minute)
		byName, err := transport.FromConfig(tenantLimiter)
		if err != nil {
			outreachErr = fmt.Errorf("failed to build transports: %w", err)
			return
		}

		transports := make(map[model.Channel]transport.Transport, len(byName))
		for _, ch := range model.Channels {
			if t, ok := byName[string(ch)]; ok {
				transports[ch] = t
			}
		}

		dispatcher := dispatch.New(
			service.Repository(),
			transports,
			dispatch.NewRenderer(service.OptOutSigner(), cfg.PublicBaseURL),
			service.Emitter(),
			dispatch.Options{
				Location:   cfg.Location(),
				MinSpacing: cfg.MinSendSpacing,
			},
		)

		outreachScheduler = NewOutreachScheduler(service.Repository(), dispatcher, Options{
			Locker:   service.Locker(),
			Expirer:  service.Reconcile(),
			LeaseTTL: cfg.TickLeaseTTL,
		})
	})

	return outreachScheduler, outreachErr
}

package service

import (
	"sync"

	"go.uber.org/zap"

	"LeadFlow/config"
	"LeadFlow/internal/events"
	"LeadFlow/internal/notify"
	"LeadFlow/internal/repository"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/pricing"
	"LeadFlow/pkg/resilience"
	"LeadFlow/pkg/token"
	"LeadFlow/storage/database"
	"LeadFlow/storage/redis"
)

// 全局单例依赖 storage 已经 Init

var (
	repoOnce sync.Once
	repoInst repository.Repository

	lockerOnce sync.Once
	lockerInst resilience.Locker

	emitterOnce sync.Once
	emitterInst *events.Emitter

	signerOnce sync.Once
	signerInst *token.OptOutSigner

	reconcileOnce sync.Once
	reconcileSvc  *ReconcileService

	enrichmentOnce sync.Once
	enrichmentSvc  *EnrichmentService

	optOutOnce sync.Once
	optOutSvc  *OptOutService

	providerStatusOnce sync.Once
	providerStatusSvc  *ProviderStatusService
)

func Repository() repository.Repository {
	repoOnce.Do(func() {
		repoInst = repository.NewGormRepository(database.DB())
	})
	return repoInst
}

func Locker() resilience.Locker {
	lockerOnce.Do(func() {
		lockerInst = resilience.NewRedisLocker(redis.Client(), redis.Prefix())
	})
	return lockerInst
}

func Emitter() *events.Emitter {
	emitterOnce.Do(func() {
		emitterInst = events.NewEmitter(events.MQPublisher{})
	})
	return emitterInst
}

func OptOutSigner() *token.OptOutSigner {
	signerOnce.Do(func() {
		signerInst = token.NewOptOutSigner(config.Cfg.TokenSecret, config.Cfg.OptOutTokenTTL)
	})
	return signerInst
}

func Reconcile() *ReconcileService {
	reconcileOnce.Do(func() {
		opts := ReconcileOptions{
			Locker:      Locker(),
			Emitter:     Emitter(),
			Pricing:     pricing.FromConfig(),
			PhoneRegion: config.Cfg.DefaultPhoneRegion,
			LeaseTTL:    config.Cfg.ReconcileLockTTL,
		}
		notifier, err := notify.FromConfig()
		if err != nil {
			logger.Logger.Error("Failed to create enrichment notifier", zap.Error(err))
		} else {
			opts.Notifier = notifier
		}
		reconcileSvc = NewReconcileService(Repository(), opts)
	})
	return reconcileSvc
}

func Enrichment() *EnrichmentService {
	enrichmentOnce.Do(func() {
		enrichmentSvc = NewEnrichmentService(Repository())
	})
	return enrichmentSvc
}

func OptOut() *OptOutService {
	optOutOnce.Do(func() {
		optOutSvc = NewOptOutService(Repository(), OptOutSigner(), Emitter())
	})
	return optOutSvc
}

func ProviderStatus() *ProviderStatusService {
	providerStatusOnce.Do(func() {
		providerStatusSvc = NewProviderStatusService(Repository(), Emitter())
	})
	return providerStatusSvc
}

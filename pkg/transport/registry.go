package transport

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"LeadFlow/config"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/resilience"
)

// FromConfig 按配置选择邮件与 WhatsApp 的实现，并套上保护
func FromConfig(tenantLimiter *resilience.RateLimiter) (map[string]Transport, error) {
	cfg := config.Cfg

	var email Transport
	switch strings.ToLower(cfg.EmailProvider) {
	case "sendgrid":
		email = NewSendGridTransport(cfg.SendGridAPIKey, "", cfg.EmailFrom, cfg.EmailFromName)
	case "log", "":
		email = NewLogTransport("email")
	default:
		return nil, fmt.Errorf("unsupported email provider: %s", cfg.EmailProvider)
	}

	var whatsapp Transport
	switch strings.ToLower(cfg.WhatsAppProvider) {
	case "twilio":
		whatsapp = NewTwilioWhatsAppTransport(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioWhatsAppFrom)
	case "log", "":
		whatsapp = NewLogTransport("whatsapp")
	default:
		return nil, fmt.Errorf("unsupported whatsapp provider: %s", cfg.WhatsAppProvider)
	}

	opts := ResilientOptions{
		TenantLimiter: tenantLimiter,
		Policy: resilience.RetryPolicy{
			MaxAttempts:  cfg.TransportMaxAttempts,
			InitialDelay: resilience.DefaultRetryPolicy.InitialDelay,
			Multiplier:   resilience.DefaultRetryPolicy.Multiplier,
			MaxDelay:     resilience.DefaultRetryPolicy.MaxDelay,
		},
		RatePerMinute:   cfg.TransportRatePerMinute,
		BreakerFailures: cfg.TransportBreakerFails,
		BreakerReset:    cfg.TransportBreakerReset,
	}

	transports := map[string]Transport{
		"email":    NewResilientTransport("email", email, opts),
		"whatsapp": NewResilientTransport("whatsapp", whatsapp, opts),
	}

	logger.Logger.Info("Transports initialized",
		zap.String("email_provider", email.Provider()),
		zap.String("whatsapp_provider", whatsapp.Provider()),
	)
	return transports, nil
}

package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OutreachMetrics 外联相关指标集合
type OutreachMetrics struct {
	MessagesSentTotal    metric.Int64Counter
	MessagesFailedTotal  metric.Int64Counter
	SendDuration         metric.Float64Histogram
	SendRetryTotal       metric.Int64Counter
	TicksTotal           metric.Int64Counter
	ReconciliationsTotal metric.Int64Counter
	CreditsRefundedTotal metric.Int64Counter
	ProviderEventsTotal  metric.Int64Counter
	OptOutsTotal         metric.Int64Counter
}

var (
	metrics   *OutreachMetrics
	initOnce  sync.Once
	initError error
)

// InitMetrics 在 otel provider 设置之后调用；未调用时所有记录函数都是空操作
func InitMetrics() error {
	initOnce.Do(func() {
		meter := otel.Meter("leadflow")
		m := &OutreachMetrics{}

		counters := []struct {
			target      *metric.Int64Counter
			name        string
			description string
			unit        string
		}{
			{&m.MessagesSentTotal, "outreach_messages_sent_total", "Total number of outreach messages sent", "{message}"},
			{&m.MessagesFailedTotal, "outreach_messages_failed_total", "Total number of outreach messages that failed permanently", "{message}"},
			{&m.SendRetryTotal, "outreach_send_retry_total", "Total number of transport retry attempts", "{retry}"},
			{&m.TicksTotal, "outreach_ticks_total", "Total number of channel ticks by status", "{tick}"},
			{&m.ReconciliationsTotal, "campaign_reconciliations_total", "Total number of campaign reconciliations by outcome", "{campaign}"},
			{&m.CreditsRefundedTotal, "credits_refunded_total", "Total credits refunded to tenants", "{credit}"},
			{&m.ProviderEventsTotal, "provider_status_events_total", "Total number of provider status callbacks", "{event}"},
			{&m.OptOutsTotal, "lead_opt_outs_total", "Total number of lead opt-outs", "{lead}"},
		}

		for _, c := range counters {
			counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit(c.unit))
			if err != nil {
				initError = err
				return
			}
			*c.target = counter
		}

		m.SendDuration, initError = meter.Float64Histogram(
			"outreach_send_duration_seconds",
			metric.WithDescription("Time spent handing a message to the provider"),
			metric.WithUnit("s"),
		)
		if initError != nil {
			return
		}

		metrics = m
	})

	return initError
}

// GetMetrics 获取全局指标实例
func GetMetrics() *OutreachMetrics {
	return metrics
}

// RecordMessageSent 记录发送成功
func RecordMessageSent(ctx context.Context, channel, provider string, duration float64) {
	m := GetMetrics()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("channel", channel),
		attribute.String("provider", provider),
	)
	m.MessagesSentTotal.Add(ctx, 1, attrs)
	m.SendDuration.Record(ctx, duration, attrs)
}

// RecordMessageFailed 记录永久失败
func RecordMessageFailed(ctx context.Context, channel, reason string) {
	if m := GetMetrics(); m != nil {
		m.MessagesFailedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("reason", reason),
		))
	}
}

// RecordSendRetry 记录传输层重试
func RecordSendRetry(ctx context.Context, channel string) {
	if m := GetMetrics(); m != nil {
		m.SendRetryTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	}
}

// RecordTick 记录一次渠道 tick 的结果
func RecordTick(ctx context.Context, channel, status string) {
	if m := GetMetrics(); m != nil {
		m.TicksTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("status", status),
		))
	}
}

// RecordReconciliation 记录对账结果与退款
func RecordReconciliation(ctx context.Context, outcome string, refunded int) {
	m := GetMetrics()
	if m == nil {
		return
	}
	m.ReconciliationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if refunded > 0 {
		m.CreditsRefundedTotal.Add(ctx, int64(refunded), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// RecordProviderEvent 记录服务商回执
func RecordProviderEvent(ctx context.Context, status string, applied bool) {
	if m := GetMetrics(); m != nil {
		m.ProviderEventsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", status),
			attribute.Bool("applied", applied),
		))
	}
}

// RecordOptOut 记录退订
func RecordOptOut(ctx context.Context, channel string) {
	if m := GetMetrics(); m != nil {
		m.OptOutsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
	}
}

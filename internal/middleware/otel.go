package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/config"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

var (
	httpServerRequestTotal metric.Int64Counter
	httpServerDuration     metric.Float64Histogram
	httpMetricsOnce        sync.Once
	httpMetricsErr         error
)

// toValidUTF8 用户可控字符串先清洗，非法 UTF-8 会让指标序列化失败
func toValidUTF8(val string) string {
	return strings.ToValidUTF8(val, "")
}

func initHTTPMetrics() error {
	httpMetricsOnce.Do(func() {
		meter := otel.Meter("leadflow.http")

		httpServerRequestTotal, httpMetricsErr = meter.Int64Counter(
			"http.server.requests.total",
			metric.WithDescription("Total number of HTTP requests"),
			metric.WithUnit("{request}"),
		)
		if httpMetricsErr != nil {
			return
		}

		httpServerDuration, httpMetricsErr = meter.Float64Histogram(
			"http.server.duration",
			metric.WithDescription("HTTP request duration"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
		)
	})
	return httpMetricsErr
}

// HTTPMetricsMiddleware 按路由记录请求数与耗时；span 由 hertz tracing 中间件负责
func HTTPMetricsMiddleware() app.HandlerFunc {
	if err := initHTTPMetrics(); err != nil {
		return func(ctx context.Context, c *app.RequestContext) { c.Next(ctx) }
	}

	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := metric.WithAttributes(
			semconv.HTTPMethod(toValidUTF8(string(c.Method()))),
			semconv.HTTPRoute(toValidUTF8(route)),
			semconv.HTTPStatusCode(c.Response.StatusCode()),
			attribute.String("service.component", "api"),
		)
		httpServerRequestTotal.Add(ctx, 1, attrs)
		httpServerDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
}

// NewServerTracerConfig 返回 hertz server 的追踪 option 和中间件
func NewServerTracerConfig(opts ...hertztracing.Option) (config.Option, app.HandlerFunc) {
	tracer, cfg := hertztracing.NewServerTracer(opts...)
	return tracer, hertztracing.ServerMiddleware(cfg)
}

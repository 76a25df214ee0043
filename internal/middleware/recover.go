package middleware

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"LeadFlow/config"
	"LeadFlow/pkg/errors"
	"LeadFlow/pkg/logger"
	"LeadFlow/pkg/response"
)

// RecoverConfig recover 中间件配置
type RecoverConfig struct {
	// 生产环境不返回 panic 内容
	IsProduction bool
	// 是否记录请求头（webhook 密钥会被打码）
	LogRequestHeaders bool
	// 严重错误回调，可用于告警
	OnSevereError func(ctx context.Context, c *app.RequestContext, err interface{}, stack string)
}

func NewRecoverConfig() RecoverConfig {
	return RecoverConfig{
		IsProduction:      config.Cfg.IsProduction(),
		LogRequestHeaders: !config.Cfg.IsProduction(),
	}
}

// RecoverMiddleware 创建 recover 中间件
func RecoverMiddleware() app.HandlerFunc {
	return RecoverMiddlewareWithConfig(NewRecoverConfig())
}

func RecoverMiddlewareWithConfig(cfg RecoverConfig) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		defer func() {
			if err := recover(); err != nil {
				handlePanic(ctx, c, err, cfg)
			}
		}()

		c.Next(ctx)
	}
}

func handlePanic(ctx context.Context, c *app.RequestContext, err interface{}, cfg RecoverConfig) {
	stack := callerStack(4)

	fields := []zap.Field{
		zap.String("panic", fmt.Sprintf("%v", err)),
		zap.String("path", string(c.Path())),
		zap.String("method", string(c.Method())),
		zap.String("client_ip", c.ClientIP()),
		zap.String("request_id", string(c.GetHeader("X-Request-ID"))),
		zap.String("stack", stack),
	}
	if cfg.LogRequestHeaders {
		headers := make(map[string]string)
		c.Request.Header.VisitAll(func(key, value []byte) {
			headers[string(key)] = redactHeader(string(key), string(value))
		})
		fields = append(fields, zap.Any("headers", headers))
	}
	logger.Logger.Error("[PANIC RECOVERED]", fields...)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.RecordError(fmt.Errorf("panic: %v", err))
		span.SetStatus(codes.Error, "panic recovered")
	}

	if isSeverePanic(err) && cfg.OnSevereError != nil {
		cfg.OnSevereError(ctx, c, err, stack)
	}

	def := errors.Definition{Code: "INTERNAL_SERVER_ERROR", Message: "Internal server error"}
	if cfg.IsProduction {
		response.AbortWithError(ctx, c, def)
		return
	}
	response.ErrorWithDetails(ctx, c, def, map[string]interface{}{
		"panic": fmt.Sprintf("%v", err),
	})
	c.Abort()
}

// callerStack 当前 goroutine 的调用栈，去掉 runtime 帧
func callerStack(skip int) string {
	var sb strings.Builder
	for i := skip; ; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/runtime/") {
			continue
		}
		name := "unknown"
		if fn := runtime.FuncForPC(pc); fn != nil {
			name = fn.Name()
		}
		sb.WriteString(fmt.Sprintf("%s:%d %s\n", file, line, name))
	}
	return sb.String()
}

func redactHeader(key, value string) string {
	lower := strings.ToLower(key)
	if strings.Contains(lower, "secret") || strings.Contains(lower, "authorization") {
		return "***"
	}
	return value
}

// isSeverePanic 运行时级别的错误
func isSeverePanic(err interface{}) bool {
	errStr := fmt.Sprintf("%v", err)
	for _, pattern := range []string{
		"runtime: out of memory",
		"fatal error:",
		"concurrent map writes",
		"concurrent map read and map write",
		"index out of range",
		"nil pointer dereference",
	} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

package database

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

const (
	spanKey  = "otel:span"
	startKey = "otel:start_time"
)

var secretPattern = regexp.MustCompile(`(?i)(password|token|secret)\s*=\s*'[^']*'`)

// PluginConfig 插件配置
type PluginConfig struct {
	ServiceName  string
	MaxSQLLength int
}

// OTELPlugin 给每条 SQL 生成 span，并记录次数与耗时
type OTELPlugin struct {
	tracer   trace.Tracer
	queries  metric.Int64Counter
	duration metric.Float64Histogram
	config   PluginConfig
}

// NewOTELPlugin 使用全局 provider；未初始化 otel 时是 no-op
func NewOTELPlugin(config PluginConfig) (*OTELPlugin, error) {
	if config.ServiceName == "" {
		config.ServiceName = "leadflow"
	}
	if config.MaxSQLLength <= 0 {
		config.MaxSQLLength = 500
	}

	meter := otel.Meter(config.ServiceName + ".gorm")
	queries, err := meter.Int64Counter("db.queries.total",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("db.query.duration",
		metric.WithDescription("Database query duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	)
	if err != nil {
		return nil, err
	}

	return &OTELPlugin{
		tracer:   otel.Tracer(config.ServiceName + ".gorm"),
		queries:  queries,
		duration: duration,
		config:   config,
	}, nil
}

// Name 实现 gorm.Plugin 接口
func (p *OTELPlugin) Name() string {
	return "otel_plugin"
}

// Initialize 注册回调
func (p *OTELPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	hooks := []struct {
		register func(name string, before bool) error
		name     string
	}{
		{name: "query", register: func(n string, before bool) error {
			if before {
				return cb.Query().Before("gorm:query").Register(n, p.before)
			}
			return cb.Query().After("gorm:query").Register(n, p.after)
		}},
		{name: "create", register: func(n string, before bool) error {
			if before {
				return cb.Create().Before("gorm:create").Register(n, p.before)
			}
			return cb.Create().After("gorm:create").Register(n, p.after)
		}},
		{name: "update", register: func(n string, before bool) error {
			if before {
				return cb.Update().Before("gorm:update").Register(n, p.before)
			}
			return cb.Update().After("gorm:update").Register(n, p.after)
		}},
		{name: "delete", register: func(n string, before bool) error {
			if before {
				return cb.Delete().Before("gorm:delete").Register(n, p.before)
			}
			return cb.Delete().After("gorm:delete").Register(n, p.after)
		}},
		{name: "row", register: func(n string, before bool) error {
			if before {
				return cb.Row().Before("gorm:row").Register(n, p.before)
			}
			return cb.Row().After("gorm:row").Register(n, p.after)
		}},
		{name: "raw", register: func(n string, before bool) error {
			if before {
				return cb.Raw().Before("gorm:raw").Register(n, p.before)
			}
			return cb.Raw().After("gorm:raw").Register(n, p.after)
		}},
	}

	for _, h := range hooks {
		if err := h.register("otel:before_"+h.name, true); err != nil {
			return err
		}
		if err := h.register("otel:after_"+h.name, false); err != nil {
			return err
		}
	}
	return nil
}

func (p *OTELPlugin) before(db *gorm.DB) {
	ctx, span := p.tracer.Start(db.Statement.Context, "db."+tableOf(db),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(semconv.DBSystemPostgreSQL, attribute.String("db.table", tableOf(db))),
	)
	db.InstanceSet(startKey, time.Now())
	db.InstanceSet(spanKey, span)
	db.Statement.Context = ctx
}

func (p *OTELPlugin) after(db *gorm.DB) {
	rawSpan, ok := db.InstanceGet(spanKey)
	if !ok {
		return
	}
	span, ok := rawSpan.(trace.Span)
	if !ok {
		return
	}
	defer span.End()

	operation := operationOf(db)
	span.SetName(operation)
	span.SetAttributes(
		semconv.DBStatement(p.sanitize(db.Statement.SQL.String())),
		attribute.Int64("db.rows_affected", db.Statement.RowsAffected),
	)

	status := "success"
	switch {
	case db.Error == nil, db.Error == gorm.ErrRecordNotFound:
		span.SetStatus(codes.Ok, "")
	default:
		status = "error"
		span.SetStatus(codes.Error, db.Error.Error())
		span.RecordError(db.Error)
	}

	attrs := metric.WithAttributes(
		attribute.String("db.operation", operation),
		attribute.String("db.status", status),
	)
	p.queries.Add(contextOf(db), 1, attrs)
	if start, ok := db.InstanceGet(startKey); ok {
		if t, ok := start.(time.Time); ok {
			p.duration.Record(contextOf(db), time.Since(t).Seconds(), attrs)
		}
	}
}

func (p *OTELPlugin) sanitize(sql string) string {
	if len(sql) > p.config.MaxSQLLength {
		sql = sql[:p.config.MaxSQLLength] + "..."
	}
	return secretPattern.ReplaceAllString(sql, "$1='***'")
}

func contextOf(db *gorm.DB) context.Context {
	if db.Statement.Context != nil {
		return db.Statement.Context
	}
	return context.Background()
}

func tableOf(db *gorm.DB) string {
	if db.Statement.Table != "" {
		return db.Statement.Table
	}
	return "unknown"
}

// operationOf 从 SQL 前缀判断操作类型
func operationOf(db *gorm.DB) string {
	sql := strings.ToUpper(strings.TrimSpace(db.Statement.SQL.String()))
	for _, op := range []string{"SELECT", "INSERT", "UPDATE", "DELETE"} {
		if strings.HasPrefix(sql, op) {
			return "db." + strings.ToLower(op)
		}
	}
	if sql == "" {
		return "db.unknown"
	}
	return "db.query"
}

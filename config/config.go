package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

var Cfg Config

type Config struct {
	// 服务配置
	ServerPort  string `env:"SERVER_PORT" envDefault:"8888"`
	ServerHost  string `env:"SERVER_HOST" envDefault:"0.0.0.0"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"` // development, staging, production
	ServiceName string `env:"SERVICE_NAME" envDefault:"leadflow"`
	// 退订链接等对外地址
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8888"`

	// PostgreSQL 配置
	PostgreSQLHost     string `env:"POSTGRESQL_HOST" envDefault:"localhost"`
	PostgreSQLPort     string `env:"POSTGRESQL_PORT" envDefault:"5432"`
	PostgreSQLUser     string `env:"POSTGRESQL_USER" envDefault:"postgres"`
	PostgreSQLPassword string `env:"POSTGRESQL_PASSWORD" envDefault:"postgres"`
	PostgreSQLDatabase string `env:"POSTGRESQL_DATABASE" envDefault:"leadflow"`
	PostgreSQLSchema   string `env:"POSTGRESQL_SCHEMA" envDefault:"public"`
	PostgreSQLSSLMode  string `env:"POSTGRESQL_SSLMODE" envDefault:"disable"`
	PostgreSQLMaxIdle  int    `env:"POSTGRESQL_MAX_IDLE" envDefault:"30"`
	PostgreSQLMaxOpen  int    `env:"POSTGRESQL_MAX_OPEN" envDefault:"200"`
	// 只读副本，逗号分隔的 DSN
	PostgreSQLReplicaDSNs []string `env:"POSTGRESQL_REPLICA_DSNS" envSeparator:","`

	// Redis 配置
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string `env:"REDIS_PREFIX" envDefault:"lf"`

	// RabbitMQ 配置
	RabbitMQAddr     string `env:"RABBITMQ_ADDR" envDefault:"localhost"`
	RabbitMQPort     string `env:"RABBITMQ_PORT" envDefault:"5672"`
	RabbitMQUsername string `env:"RABBITMQ_USERNAME" envDefault:"guest"`
	RabbitMQPassword string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	RabbitMQVhost    string `env:"RABBITMQ_VHOST" envDefault:"/"`

	// webhook 与内部接口的共享密钥
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	TickSecret    string `env:"TICK_SECRET"`
	// 退订 token 签名密钥
	TokenSecret      string        `env:"TOKEN_SECRET"`
	OptOutTokenTTL   time.Duration `env:"OPT_OUT_TOKEN_TTL" envDefault:"8760h"`
	ExtractionAsync  bool          `env:"EXTRACTION_ASYNC" envDefault:"false"` // true 时 webhook 只入队，由 worker 对账
	ReconcileLockTTL time.Duration `env:"RECONCILE_LOCK_TTL" envDefault:"2m"`

	// 外联节奏
	DefaultTimezone    string        `env:"DEFAULT_TIMEZONE" envDefault:"America/Sao_Paulo"`
	DefaultPhoneRegion string        `env:"DEFAULT_PHONE_REGION" envDefault:"BR"`
	MinSendSpacing     time.Duration `env:"MIN_SEND_SPACING" envDefault:"2m"`
	TickLeaseTTL       time.Duration `env:"TICK_LEASE_TTL" envDefault:"4m"`
	TickCron           string        `env:"TICK_CRON" envDefault:"@every 5m"`
	TimeoutSweepCron   string        `env:"TIMEOUT_SWEEP_CRON" envDefault:"@every 10m"`
	TickTimeout        time.Duration `env:"TICK_TIMEOUT" envDefault:"4m"`

	// 计费（每条线索的积分）
	PriceBasicPerLead int `env:"PRICE_BASIC_PER_LEAD" envDefault:"1"`
	PriceFullPerLead  int `env:"PRICE_FULL_PER_LEAD" envDefault:"2"`

	// 邮件通道
	EmailProvider  string `env:"EMAIL_PROVIDER" envDefault:"log"` // sendgrid, log
	SendGridAPIKey string `env:"SENDGRID_API_KEY"`
	EmailFrom      string `env:"EMAIL_FROM" envDefault:"outreach@leadflow.local"`
	EmailFromName  string `env:"EMAIL_FROM_NAME" envDefault:"LeadFlow"`

	// WhatsApp 通道（Twilio）
	WhatsAppProvider   string `env:"WHATSAPP_PROVIDER" envDefault:"log"` // twilio, log
	TwilioAccountSID   string `env:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken    string `env:"TWILIO_AUTH_TOKEN"`
	TwilioWhatsAppFrom string `env:"TWILIO_WHATSAPP_FROM"`

	// 出站发送保护
	TransportRatePerMinute int           `env:"TRANSPORT_RATE_PER_MINUTE" envDefault:"30"`
	TransportMaxAttempts   int           `env:"TRANSPORT_MAX_ATTEMPTS" envDefault:"3"`
	TransportBreakerFails  int           `env:"TRANSPORT_BREAKER_FAILURES" envDefault:"5"`
	TransportBreakerReset  time.Duration `env:"TRANSPORT_BREAKER_RESET" envDefault:"60s"`

	// 富化服务回调
	EnrichmentWebhookURL    string        `env:"ENRICHMENT_WEBHOOK_URL"`
	EnrichmentWebhookSecret string        `env:"ENRICHMENT_WEBHOOK_SECRET"`
	EnrichmentTimeout       time.Duration `env:"ENRICHMENT_TIMEOUT" envDefault:"10s"`

	// Snowflake ID 生成器配置
	SnowflakeMachineID  int64 `env:"SNOWFLAKE_MACHINE_ID" envDefault:"1"`
	SnowflakeDataCenter int64 `env:"SNOWFLAKE_DATACENTER_ID" envDefault:"1"`

	// 日志配置
	LoggerLevel      string `env:"LOGGER_LEVEL" envDefault:"INFO"`
	LoggerFormat     string `env:"LOGGER_FORMAT" envDefault:"text"` // json, text
	LoggerOutputPath string `env:"LOGGER_OUTPUT_PATH" envDefault:"stdout"`

	// 链路追踪
	OTLPEndpoint string  `env:"OTLP_ENDPOINT" envDefault:"localhost:4317"`
	OTELEnabled  bool    `env:"OTEL_ENABLED" envDefault:"false"`
	OTELSampler  float64 `env:"OTEL_SAMPLER" envDefault:"0.1"`

	// 速率限制配置, 配置在中间件内
	RateLimitEnabled bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitMax     int           `env:"RATE_LIMIT_MAX" envDefault:"120"`
	RateLimitWindow  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

func init() {
	if err := godotenv.Load(); err != nil {
		log.Printf("WARN: Cannot load .env file: %v, using environment variables", err)
	}

	Cfg = Config{}
	if err := env.Parse(&Cfg); err != nil {
		log.Fatalf("Failed to parse environment variables: %v", err)
	}
}

// Validate 由各个二进制在启动时调用，缺少密钥直接拒绝启动
func (c *Config) Validate() error {
	var errs []error

	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("WEBHOOK_SECRET is required"))
	}
	if c.TickSecret == "" {
		errs = append(errs, errors.New("TICK_SECRET is required"))
	}
	if len(c.TokenSecret) < 32 {
		errs = append(errs, errors.New("TOKEN_SECRET must be at least 32 bytes"))
	}
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_TIMEZONE is invalid: %w", err))
	}
	if c.PriceBasicPerLead <= 0 || c.PriceFullPerLead <= 0 {
		errs = append(errs, errors.New("PRICE_BASIC_PER_LEAD and PRICE_FULL_PER_LEAD must be positive"))
	}

	if strings.EqualFold(c.EmailProvider, "sendgrid") && c.SendGridAPIKey == "" {
		errs = append(errs, errors.New("SENDGRID_API_KEY is required when EMAIL_PROVIDER=sendgrid"))
	}
	if strings.EqualFold(c.WhatsAppProvider, "twilio") &&
		(c.TwilioAccountSID == "" || c.TwilioAuthToken == "" || c.TwilioWhatsAppFrom == "") {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_WHATSAPP_FROM are required when WHATSAPP_PROVIDER=twilio"))
	}

	if c.EnrichmentWebhookURL == "" || c.EnrichmentWebhookSecret == "" {
		log.Printf("WARN: ENRICHMENT_WEBHOOK_URL or ENRICHMENT_WEBHOOK_SECRET is not set, FULL campaigns will not be handed to enrichment")
	}

	return errors.Join(errs...)
}

func (c *Config) GetDSN() string {
	return "host=" + c.PostgreSQLHost +
		" port=" + c.PostgreSQLPort +
		" user=" + c.PostgreSQLUser +
		" password=" + c.PostgreSQLPassword +
		" dbname=" + c.PostgreSQLDatabase +
		" sslmode=" + c.PostgreSQLSSLMode +
		" search_path=" + c.PostgreSQLSchema
}

func (c *Config) GetRabbitMQURL() string {
	return "amqp://" + c.RabbitMQUsername + ":" + c.RabbitMQPassword + "@" + c.RabbitMQAddr + ":" + c.RabbitMQPort + c.RabbitMQVhost
}

// Location 返回默认时区，解析失败时退回 UTC
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

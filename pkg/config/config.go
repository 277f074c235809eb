// Package config предоставляет загрузку конфигурации из переменных окружения.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config содержит полную конфигурацию приложения.
type Config struct {
	App        AppConfig
	HTTP       HTTPConfig
	MySQL      MySQLConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	JWT        JWTConfig
	Jaeger     JaegerConfig
	Metrics    MetricsConfig
	Stripe     StripeConfig
	PayPal     PayPalConfig
	Webhook    WebhookConfig
	Dispatcher DispatcherConfig
	Reconciler ReconcilerConfig
	Monitor    MonitorConfig
	RateLimit  RateLimitConfig
	CORS       CORSConfig
}

// AppConfig содержит общие настройки приложения.
type AppConfig struct {
	Name      string `env:"APP_NAME" envDefault:"bouquet-shop"`
	Env       string `env:"APP_ENV" envDefault:"development"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

// HTTPConfig содержит настройки HTTP сервера витрины и вебхуков.
type HTTPConfig struct {
	Host            string        `env:"HTTP_HOST" envDefault:"0.0.0.0"`
	Port            int           `env:"HTTP_PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Addr возвращает адрес HTTP сервера.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MySQLConfig содержит настройки подключения к MySQL.
type MySQLConfig struct {
	Host            string        `env:"MYSQL_HOST" envDefault:"localhost"`
	Port            int           `env:"MYSQL_PORT" envDefault:"3306"`
	User            string        `env:"MYSQL_USER" envDefault:"root"`
	Password        string        `env:"MYSQL_PASSWORD" envDefault:"root"`
	Database        string        `env:"MYSQL_DATABASE" envDefault:"bouquet_shop"`
	MaxOpenConns    int           `env:"MYSQL_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns    int           `env:"MYSQL_MAX_IDLE_CONNS" envDefault:"10"`
	ConnMaxLifetime time.Duration `env:"MYSQL_CONN_MAX_LIFETIME" envDefault:"5m"`
	AutoMigrate     bool          `env:"MYSQL_AUTO_MIGRATE" envDefault:"true"`
}

// DSN возвращает строку подключения к MySQL.
func (c MySQLConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		c.User, c.Password, c.Host, c.Port, c.Database)
}

// RedisConfig содержит настройки подключения к Redis.
type RedisConfig struct {
	Host     string `env:"REDIS_HOST" envDefault:"localhost"`
	Port     int    `env:"REDIS_PORT" envDefault:"6379"`
	Password string `env:"REDIS_PASSWORD" envDefault:""`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// Addr возвращает адрес Redis сервера.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// KafkaConfig содержит настройки подключения к Kafka.
// Kafka используется только как транспорт запросов на отправку писем.
type KafkaConfig struct {
	Brokers    []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	EmailTopic string   `env:"KAFKA_EMAIL_TOPIC" envDefault:"mail.confirmations"`
}

// JWTConfig содержит настройки проверки JWT токенов персонала (RS256).
// Токены выпускает внешний сервис, здесь нужен только публичный ключ.
type JWTConfig struct {
	PublicKeyPath string `env:"JWT_PUBLIC_KEY_PATH"`
	Issuer        string `env:"JWT_ISSUER" envDefault:"bouquet-shop"`
}

// JaegerConfig содержит настройки трассировки Jaeger.
type JaegerConfig struct {
	Enabled  bool   `env:"JAEGER_ENABLED" envDefault:"false"`
	Host     string `env:"JAEGER_HOST" envDefault:"localhost"`
	OTLPPort int    `env:"JAEGER_OTLP_PORT" envDefault:"4317"` // OTLP gRPC порт

	// SampleRatio — доля записываемых трейсов, 1 — все.
	SampleRatio float64 `env:"JAEGER_SAMPLE_RATIO" envDefault:"1"`
}

// OTLPEndpoint возвращает OTLP gRPC endpoint для Jaeger.
func (c JaegerConfig) OTLPEndpoint() string {
	return fmt.Sprintf("%s:%d", c.Host, c.OTLPPort)
}

// MetricsConfig содержит настройки Prometheus метрик.
type MetricsConfig struct {
	Enabled bool `env:"METRICS_ENABLED" envDefault:"true"`
	Port    int  `env:"METRICS_PORT" envDefault:"9090"`
}

// Addr возвращает адрес для Metrics HTTP сервера.
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// StripeConfig содержит ключи Stripe.
type StripeConfig struct {
	SecretKey          string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret      string        `env:"STRIPE_WEBHOOK_SECRET"`
	SignatureTolerance time.Duration `env:"STRIPE_SIGNATURE_TOLERANCE" envDefault:"5m"`
	SuccessURL         string        `env:"STRIPE_SUCCESS_URL" envDefault:"http://localhost:3000/checkout/success"`
	CancelURL          string        `env:"STRIPE_CANCEL_URL" envDefault:"http://localhost:3000/checkout/cancel"`
}

// PayPalConfig содержит настройки REST API PayPal.
type PayPalConfig struct {
	BaseURL         string        `env:"PAYPAL_BASE_URL" envDefault:"https://api-m.sandbox.paypal.com"`
	ClientID        string        `env:"PAYPAL_CLIENT_ID"`
	ClientSecret    string        `env:"PAYPAL_CLIENT_SECRET"`
	Timeout         time.Duration `env:"PAYPAL_TIMEOUT" envDefault:"15s"`
	RetryCount      int           `env:"PAYPAL_RETRY_COUNT" envDefault:"2"`
	RetryWait       time.Duration `env:"PAYPAL_RETRY_WAIT" envDefault:"300ms"`
	BreakerFailures float64       `env:"PAYPAL_BREAKER_FAILURE_RATIO" envDefault:"0.6"`
}

// TokenURL возвращает endpoint выдачи OAuth2 токена.
func (c PayPalConfig) TokenURL() string {
	return c.BaseURL + "/v1/oauth2/token"
}

// WebhookConfig содержит настройки приёма вебхуков.
type WebhookConfig struct {
	// SelfTestBypass разрешает подтверждать тестовые события (evt_test_*)
	// без проверки подписи. В production всегда выключен.
	SelfTestBypass bool  `env:"WEBHOOK_SELFTEST_BYPASS" envDefault:"true"`
	MaxBodyBytes   int64 `env:"WEBHOOK_MAX_BODY_BYTES" envDefault:"65536"`
}

// DispatcherConfig содержит настройки исполнителя побочных эффектов.
type DispatcherConfig struct {
	PollInterval time.Duration `env:"DISPATCHER_POLL_INTERVAL" envDefault:"1s"`
	BatchSize    int           `env:"DISPATCHER_BATCH_SIZE" envDefault:"50"`
	MaxAttempts  int           `env:"DISPATCHER_MAX_ATTEMPTS" envDefault:"8"`
	BaseBackoff  time.Duration `env:"DISPATCHER_BASE_BACKOFF" envDefault:"2s"`
	MaxBackoff   time.Duration `env:"DISPATCHER_MAX_BACKOFF" envDefault:"10m"`
	Retention    time.Duration `env:"DISPATCHER_RETENTION" envDefault:"168h"`
	Workers      int           `env:"DISPATCHER_WORKERS" envDefault:"1"`
}

// ReconcilerConfig содержит настройки обработки платёжных событий.
type ReconcilerConfig struct {
	LockTTL         time.Duration `env:"RECONCILER_LOCK_TTL" envDefault:"30s"`
	LockWait        time.Duration `env:"RECONCILER_LOCK_WAIT" envDefault:"5s"`
	ClaimLease      time.Duration `env:"RECONCILER_CLAIM_LEASE" envDefault:"2m"`
	DistributedLock bool          `env:"RECONCILER_DISTRIBUTED_LOCK" envDefault:"true"`
}

// MonitorConfig содержит настройки поиска зависших заказов.
type MonitorConfig struct {
	Interval          time.Duration `env:"MONITOR_INTERVAL" envDefault:"1m"`
	StalePendingAfter time.Duration `env:"STALE_PENDING_AFTER" envDefault:"30m"`
	BatchSize         int           `env:"MONITOR_BATCH_SIZE" envDefault:"100"`
}

// RateLimitConfig содержит настройки rate limiting публичного API.
type RateLimitConfig struct {
	Enabled bool          `env:"RATE_LIMIT_ENABLED" envDefault:"true"`
	Limit   int           `env:"RATE_LIMIT_REQUESTS" envDefault:"60"`
	Window  time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// CORSConfig содержит разрешённые источники для витрины.
type CORSConfig struct {
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`
}

// Load загружает конфигурацию из переменных окружения.
// Опционально загружает .env файл, если он существует.
func Load() (*Config, error) {
	// Пытаемся загрузить .env файл (игнорируем ошибку, если файл не найден)
	_ = godotenv.Load()

	return parse()
}

// LoadFromFile загружает конфигурацию из указанного .env файла.
func LoadFromFile(path string) (*Config, error) {
	if err := godotenv.Load(path); err != nil {
		return nil, fmt.Errorf("ошибка загрузки .env файла %s: %w", path, err)
	}

	return parse()
}

func parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("ошибка парсинга конфигурации: %w", err)
	}

	// Тестовые события без подписи допустимы только вне production.
	if cfg.IsProduction() {
		cfg.Webhook.SelfTestBypass = false
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет обязательные в production секреты.
func (c *Config) Validate() error {
	if !c.IsProduction() {
		return nil
	}

	var errs []error
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET не задан"))
	}
	if c.Stripe.SecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY не задан"))
	}
	if c.PayPal.ClientID == "" || c.PayPal.ClientSecret == "" {
		errs = append(errs, errors.New("PAYPAL_CLIENT_ID/PAYPAL_CLIENT_SECRET не заданы"))
	}
	if c.JWT.PublicKeyPath == "" {
		errs = append(errs, errors.New("JWT_PUBLIC_KEY_PATH не задан"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("некорректная конфигурация: %w", errors.Join(errs...))
	}
	return nil
}

// IsDevelopment возвращает true, если приложение запущено в development режиме.
func (c *Config) IsDevelopment() bool {
	return c.App.Env == "development"
}

// IsProduction возвращает true, если приложение запущено в production режиме.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type config struct {
	ListenAddr string `env:"CALLGATE_LISTEN_ADDR" envDefault:":8080"`
	LogLevel   string `env:"CALLGATE_LOG_LEVEL" envDefault:"info"`
	// LogFormat: "json", "text" ou vazio (json fora de terminal).
	LogFormat string `env:"CALLGATE_LOG_FORMAT"`
	DataDir   string `env:"CALLGATE_DATA_DIR" envDefault:"./data"`

	RedisAddr     string        `env:"CALLGATE_REDIS_ADDR"`
	RedisPassword string        `env:"CALLGATE_REDIS_PASSWORD"`
	RedisDB       int           `env:"CALLGATE_REDIS_DB" envDefault:"0"`
	LeaseKey      string        `env:"CALLGATE_OWNER_LEASE_KEY" envDefault:"callgate:owner"`
	LeaseTTL      time.Duration `env:"CALLGATE_OWNER_LEASE_TTL" envDefault:"15s"`

	SessionTTL        time.Duration `env:"CALLGATE_SESSION_TTL" envDefault:"2m"`
	AdmissionTimeout  time.Duration `env:"CALLGATE_ADMISSION_TIMEOUT" envDefault:"2s"`
	ProviderTimeout   time.Duration `env:"CALLGATE_PROVIDER_TIMEOUT" envDefault:"5s"`
	DefaultHandleTime time.Duration `env:"CALLGATE_DEFAULT_HANDLE_TIME" envDefault:"3m"`
	SweepInterval     time.Duration `env:"CALLGATE_SWEEP_INTERVAL" envDefault:"5s"`
	QueueMaxWait      time.Duration `env:"CALLGATE_QUEUE_MAX_WAIT" envDefault:"5m"`
	EndedRetention    time.Duration `env:"CALLGATE_ENDED_RETENTION" envDefault:"10m"`
	LaneIdleTTL       time.Duration `env:"CALLGATE_LANE_IDLE_TTL" envDefault:"15m"`
	MonitorTimeout    time.Duration `env:"CALLGATE_MONITOR_STORE_TIMEOUT" envDefault:"500ms"`

	PlansFile      string        `env:"CALLGATE_PLANS_FILE"`
	BillingURL     string        `env:"CALLGATE_BILLING_URL"`
	BillingToken   string        `env:"CALLGATE_BILLING_TOKEN"`
	BillingTimeout time.Duration `env:"CALLGATE_BILLING_TIMEOUT" envDefault:"200ms"`
	PlanCacheTTL   time.Duration `env:"CALLGATE_PLAN_CACHE_TTL" envDefault:"30s"`
	PlanCacheSize  int           `env:"CALLGATE_PLAN_CACHE_SIZE" envDefault:"10000"`
	FallbackPlan   string        `env:"CALLGATE_FALLBACK_PLAN" envDefault:"fallback"`
	FallbackMax    int           `env:"CALLGATE_FALLBACK_MAX_CONCURRENT" envDefault:"1"`
	FallbackQueue  int           `env:"CALLGATE_FALLBACK_MAX_QUEUE" envDefault:"0"`

	TelephonyURL   string `env:"CALLGATE_TELEPHONY_URL"`
	TelephonyToken string `env:"CALLGATE_TELEPHONY_TOKEN"`

	WebhookToken   string `env:"CALLGATE_WEBHOOK_TOKEN"`
	OperatorSecret string `env:"CALLGATE_OPERATOR_SECRET"`

	RateEnabled bool    `env:"CALLGATE_RATE_ENABLED" envDefault:"true"`
	RateRPS     float64 `env:"CALLGATE_RATE_RPS" envDefault:"50"`
	// RateBurst 0 = calculado a partir de RateRPS.
	RateBurst          int           `env:"CALLGATE_RATE_BURST"`
	RateKeyHeader      string        `env:"CALLGATE_RATE_KEY_HEADER" envDefault:"X-Provider-Account"`
	TrustXFF           bool          `env:"CALLGATE_TRUST_XFF" envDefault:"false"`
	RetryAfter         time.Duration `env:"CALLGATE_RETRY_AFTER" envDefault:"1s"`
	AddHeaders         bool          `env:"CALLGATE_ADD_RATELIMIT_HEADERS" envDefault:"false"`
	ConcurrencyMax     int           `env:"CALLGATE_CONCURRENCY_MAX" envDefault:"200"`
	ConcurrencyTimeout time.Duration `env:"CALLGATE_CONCURRENCY_TIMEOUT" envDefault:"0s"`

	StatsRedis       bool          `env:"CALLGATE_STATS_REDIS" envDefault:"false"`
	StatsPrefix      string        `env:"CALLGATE_STATS_PREFIX" envDefault:"callgate:stats"`
	StatsTTL         time.Duration `env:"CALLGATE_STATS_TTL" envDefault:"24h"`
	StatsBucket      string        `env:"CALLGATE_STATS_BUCKET" envDefault:"minute"`
	StatsTrackStores bool          `env:"CALLGATE_STATS_TRACK_STORES" envDefault:"false"`

	RecordsEnabled      bool          `env:"CALLGATE_RECORDS_ENABLED" envDefault:"true"`
	RecordBuffer        int           `env:"CALLGATE_RECORD_BUFFER" envDefault:"1024"`
	RecordRetention     time.Duration `env:"CALLGATE_RECORD_RETENTION" envDefault:"720h"`
	RecordPruneSchedule string        `env:"CALLGATE_RECORD_PRUNE_SCHEDULE" envDefault:"@hourly"`

	OtelEnabled    bool    `env:"CALLGATE_OTEL_ENABLED" envDefault:"false"`
	OtelEndpoint   string  `env:"CALLGATE_OTEL_ENDPOINT" envDefault:"localhost:4318"`
	OtelSampleRate float64 `env:"CALLGATE_OTEL_SAMPLE_RATE" envDefault:"1"`
	ServiceName    string  `env:"CALLGATE_SERVICE_NAME" envDefault:"callgate"`

	// algum CALLGATE_FALLBACK_* veio do ambiente
	fallbackSet bool
}

func readConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("parse env: %w", err)
	}

	// IMPORTANTE: o "burst" permite uma rajada inicial de webhooks.
	// Com RPS muito baixo (ex: 0.02), um burst grande dá a impressão de que
	// o limiter não está funcionando.
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 20
		if isSet("CALLGATE_RATE_RPS") && cfg.RateRPS > 0 && cfg.RateRPS < 1 {
			cfg.RateBurst = 1
		}
	}

	cfg.fallbackSet = isSet("CALLGATE_FALLBACK_PLAN") ||
		isSet("CALLGATE_FALLBACK_MAX_CONCURRENT") ||
		isSet("CALLGATE_FALLBACK_MAX_QUEUE")

	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c config) validate() error {
	if strings.TrimSpace(c.PlansFile) == "" && strings.TrimSpace(c.BillingURL) == "" {
		return errors.New("CALLGATE_PLANS_FILE or CALLGATE_BILLING_URL is required")
	}
	if c.PlansFile != "" && c.BillingURL != "" {
		return errors.New("set only one of CALLGATE_PLANS_FILE and CALLGATE_BILLING_URL")
	}
	if strings.TrimSpace(c.OperatorSecret) == "" {
		return errors.New("CALLGATE_OPERATOR_SECRET is required")
	}
	if c.StatsRedis && strings.TrimSpace(c.RedisAddr) == "" {
		return errors.New("CALLGATE_REDIS_ADDR is required when CALLGATE_STATS_REDIS=true")
	}
	if c.FallbackMax < 0 || c.FallbackQueue < 0 {
		return errors.New("fallback plan limits must be >= 0")
	}
	if c.RateRPS <= 0 {
		return errors.New("CALLGATE_RATE_RPS must be > 0")
	}
	if c.RateBurst <= 0 {
		return errors.New("CALLGATE_RATE_BURST must be > 0")
	}
	if c.ConcurrencyMax < 0 {
		return errors.New("CALLGATE_CONCURRENCY_MAX must be >= 0")
	}
	if c.SessionTTL <= 0 {
		return errors.New("CALLGATE_SESSION_TTL must be > 0")
	}
	if c.SweepInterval <= 0 {
		return errors.New("CALLGATE_SWEEP_INTERVAL must be > 0")
	}
	if c.LeaseTTL < 3*time.Second {
		return errors.New("CALLGATE_OWNER_LEASE_TTL must be >= 3s")
	}
	if c.OtelSampleRate < 0 || c.OtelSampleRate > 1 {
		return errors.New("CALLGATE_OTEL_SAMPLE_RATE must be within [0, 1]")
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("CALLGATE_LOG_FORMAT %q is not json or text", c.LogFormat)
	}
	return nil
}

func isSet(k string) bool {
	v, ok := os.LookupEnv(k)
	return ok && v != ""
}

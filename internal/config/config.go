// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as marketplace credentials, scheduler intervals, rate-limit margins,
// database paths, logging, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// MarketConfig holds credentials and endpoints for the marketplace API.
type MarketConfig struct {
	BaseURL   string        // MARKET_BASE_URL
	SellerID  int           // MARKET_SELLER_ID
	APIKey    string        // MARKET_API_KEY
	AuthTTL   time.Duration // MARKET_AUTH_TTL: cached token validity window
	Timeout   time.Duration // MARKET_TIMEOUT: per-call HTTP timeout
	SalesPage int           // MARKET_SALES_PAGE: page size for recent-sales polls
}

// MessengerConfig holds endpoints and identifiers for the messaging platform.
type MessengerConfig struct {
	BaseURL    string        // MESSENGER_BASE_URL
	BotToken   string        // MESSENGER_BOT_TOKEN
	GroupID    int64         // MESSENGER_GROUP_ID: the group hosting threads
	Timeout    time.Duration // MESSENGER_TIMEOUT
	NameMaxLen int           // MESSENGER_NAME_MAX_LEN: thread display-name cap
}

// SchedulerConfig tunes the reconciliation loop. The defaults were chosen
// empirically against the live platforms and are deliberately overridable.
type SchedulerConfig struct {
	TickInterval    time.Duration // TICK_INTERVAL: baseline tick (2s)
	ItemDelay       time.Duration // ITEM_DELAY: pacing between queued thread creations (3s)
	SendDelay       time.Duration // SEND_DELAY: pacing between queued sends (1s)
	RetryGrace      time.Duration // RETRY_GRACE: min age before a queued item is replayed (30s)
	FailureCooldown time.Duration // FAILURE_COOLDOWN: per-invoice retry backoff (5m)
	CooldownMargin  time.Duration // COOLDOWN_MARGIN: safety margin on backpressure waits (5s)
	HotSetSize      int           // HOT_SET_SIZE: threads checked every tick (25)
	ColdEvery       int           // COLD_EVERY: ticks between cold-set sweeps (30)
	VerifyEvery     int           // VERIFY_EVERY: ticks between thread-existence sweeps
	ReviewEvery     int           // REVIEW_EVERY: ticks between review polls (3)
	FullSyncEvery   int           // FULL_SYNC_EVERY: ticks between full reconciliations (43200)
	Concurrency     int           // CHECK_CONCURRENCY: in-flight message checks (10)
	ShutdownGrace   time.Duration // SHUTDOWN_GRACE: wait for in-flight checks on stop
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-sales-bridge")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Config holds all configuration values for the application.
type Config struct {
	// Ops server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Storage
	DBPath      string // SQLite path
	QueuePath   string // pending-work queue file (JSON)
	RulesPath   string // autoresponder rule file (YAML)
	ReviewsPath string // processed-reviews tracker file (JSON)

	Market    MarketConfig
	Messenger MessengerConfig
	Scheduler SchedulerConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Ops server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Storage
		DBPath:      getenv("DB_PATH", "bridge.db"),
		QueuePath:   getenv("QUEUE_PATH", "pending.json"),
		RulesPath:   getenv("RULES_PATH", "rules.yaml"),
		ReviewsPath: getenv("REVIEWS_PATH", "reviews.json"),

		Market: MarketConfig{
			BaseURL:   getenv("MARKET_BASE_URL", "https://api.market.example/api"),
			SellerID:  getint("MARKET_SELLER_ID", 0),
			APIKey:    getenv("MARKET_API_KEY", ""),
			AuthTTL:   getdur("MARKET_AUTH_TTL", 15*time.Minute),
			Timeout:   getdur("MARKET_TIMEOUT", 30*time.Second),
			SalesPage: getint("MARKET_SALES_PAGE", 10),
		},

		Messenger: MessengerConfig{
			BaseURL:    getenv("MESSENGER_BASE_URL", "https://api.telegram.org"),
			BotToken:   getenv("MESSENGER_BOT_TOKEN", ""),
			GroupID:    getint64("MESSENGER_GROUP_ID", 0),
			Timeout:    getdur("MESSENGER_TIMEOUT", 30*time.Second),
			NameMaxLen: getint("MESSENGER_NAME_MAX_LEN", 128),
		},

		Scheduler: SchedulerConfig{
			TickInterval:    getdur("TICK_INTERVAL", 2*time.Second),
			ItemDelay:       getdur("ITEM_DELAY", 3*time.Second),
			SendDelay:       getdur("SEND_DELAY", time.Second),
			RetryGrace:      getdur("RETRY_GRACE", 30*time.Second),
			FailureCooldown: getdur("FAILURE_COOLDOWN", 5*time.Minute),
			CooldownMargin:  getdur("COOLDOWN_MARGIN", 5*time.Second),
			HotSetSize:      getint("HOT_SET_SIZE", 25),
			ColdEvery:       getint("COLD_EVERY", 30),
			VerifyEvery:     getint("VERIFY_EVERY", 1800),
			ReviewEvery:     getint("REVIEW_EVERY", 3),
			FullSyncEvery:   getint("FULL_SYNC_EVERY", 43200),
			Concurrency:     getint("CHECK_CONCURRENCY", 10),
			ShutdownGrace:   getdur("SHUTDOWN_GRACE", 10*time.Second),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-sales-bridge"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.QueuePath) == "" {
		return cfg, errors.New("QUEUE_PATH must not be empty")
	}
	if cfg.Market.AuthTTL <= 0 || cfg.Market.Timeout <= 0 {
		return cfg, errors.New("MARKET_AUTH_TTL and MARKET_TIMEOUT must be positive")
	}
	if cfg.Market.SalesPage < 1 {
		return cfg, errors.New("MARKET_SALES_PAGE must be >= 1")
	}
	if cfg.Messenger.Timeout <= 0 {
		return cfg, errors.New("MESSENGER_TIMEOUT must be positive")
	}
	if cfg.Messenger.NameMaxLen < 1 {
		return cfg, errors.New("MESSENGER_NAME_MAX_LEN must be >= 1")
	}
	s := cfg.Scheduler
	if s.TickInterval <= 0 {
		return cfg, errors.New("TICK_INTERVAL must be positive")
	}
	if s.ItemDelay < 0 || s.SendDelay < 0 || s.RetryGrace < 0 || s.FailureCooldown < 0 || s.CooldownMargin < 0 {
		return cfg, errors.New("scheduler delays and cooldowns must be >= 0")
	}
	if s.HotSetSize < 1 {
		return cfg, errors.New("HOT_SET_SIZE must be >= 1")
	}
	if s.ColdEvery < 1 || s.VerifyEvery < 1 || s.ReviewEvery < 1 || s.FullSyncEvery < 1 {
		return cfg, errors.New("sub-tick divisors must be >= 1")
	}
	if s.Concurrency < 1 {
		return cfg, errors.New("CHECK_CONCURRENCY must be >= 1")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getint64(k string, def int64) int64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

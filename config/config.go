package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const minSecretLen = 32

// Broker modes.
const (
	BrokerPaper    = "paper"
	BrokerSmartAPI = "smartapi"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	LogLevel string

	// Data Store
	DatabaseURL string
	SQLitePath  string // order journal

	// Websocket auth
	JWTSecret string

	// Job cadence
	SignalInterval     time.Duration
	MonitorInterval    time.Duration
	RiskInterval       time.Duration
	ResetCheckInterval time.Duration
	HeartbeatInterval  time.Duration
	ShutdownGrace      time.Duration
	CallTimeout        time.Duration
	WorkerLimit        int
	ViolationRetention time.Duration

	// Market calendar, "2026-01-26,2026-03-14"
	Holidays string

	// Broker
	BrokerMode             string
	BrokerRootURL          string
	BrokerRateLimit        float64
	BrokerRateBurst        int
	BrokerBreakerFailures  int
	BrokerBreakerReset     time.Duration
	PaperSlippageBps       int64
	PaperQuotes            string // "SBIN-EQ:812.5,INFY-EQ:1500"
	ExecuteMarketHoursOnly bool   // refuse manual execution outside the session

	// Infrastructure
	RedisAddr     string // empty runs the gateway single-instance
	RedisPassword string
	RedisDB       int
	HTTPAddr      string
	MetricsAddr   string

	// Operator alerts
	AlertWebhookURL  string
	TelegramBotToken string
	TelegramChatID   string
}

// Load reads a .env file if present, then the environment, and validates
// the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var errs []string
	fail := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	cfg := &Config{
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getEnv("SQLITE_PATH", "data/orders.db"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		Holidays: getEnv("MARKET_HOLIDAYS", ""),

		BrokerMode:    strings.ToLower(getEnv("BROKER_MODE", BrokerPaper)),
		BrokerRootURL: getEnv("BROKER_ROOT_URL", ""),
		PaperQuotes:   getEnv("PAPER_QUOTES", "SBIN-EQ:812.5,INFY-EQ:1500,RELIANCE-EQ:2900,TCS-EQ:3900"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
	}

	durations := []struct {
		dst      *time.Duration
		key      string
		fallback time.Duration
	}{
		{&cfg.SignalInterval, "SIGNAL_INTERVAL", time.Minute},
		{&cfg.MonitorInterval, "MONITOR_INTERVAL", 30 * time.Second},
		{&cfg.RiskInterval, "RISK_INTERVAL", time.Minute},
		{&cfg.ResetCheckInterval, "RESET_CHECK_INTERVAL", 30 * time.Second},
		{&cfg.HeartbeatInterval, "HEARTBEAT_INTERVAL", 30 * time.Second},
		{&cfg.ShutdownGrace, "SHUTDOWN_GRACE", 10 * time.Second},
		{&cfg.CallTimeout, "CALL_TIMEOUT", 5 * time.Second},
		{&cfg.ViolationRetention, "VIOLATION_RETENTION", 30 * 24 * time.Hour},
		{&cfg.BrokerBreakerReset, "BROKER_BREAKER_RESET", 10 * time.Second},
	}
	for _, d := range durations {
		v, err := getEnvDuration(d.key, d.fallback)
		if err != nil {
			fail("%v", err)
			continue
		}
		if v <= 0 {
			fail("%s must be positive", d.key)
			continue
		}
		*d.dst = v
	}

	ints := []struct {
		dst      *int
		key      string
		fallback int
		min      int
	}{
		{&cfg.WorkerLimit, "WORKER_LIMIT", 8, 1},
		{&cfg.BrokerRateBurst, "BROKER_RATE_BURST", 10, 1},
		{&cfg.BrokerBreakerFailures, "BROKER_BREAKER_FAILURES", 5, 1},
		{&cfg.RedisDB, "REDIS_DB", 0, 0},
	}
	for _, n := range ints {
		v, err := getEnvInt(n.key, n.fallback)
		if err != nil {
			fail("%v", err)
			continue
		}
		if v < n.min {
			fail("%s must be at least %d", n.key, n.min)
			continue
		}
		*n.dst = v
	}

	var err error
	if cfg.ExecuteMarketHoursOnly, err = getEnvBool("EXECUTE_MARKET_HOURS_ONLY", true); err != nil {
		fail("%v", err)
	}
	if cfg.BrokerRateLimit, err = getEnvFloat("BROKER_RATE_LIMIT", 10); err != nil {
		fail("%v", err)
	} else if cfg.BrokerRateLimit <= 0 {
		fail("BROKER_RATE_LIMIT must be positive")
	}
	slippage, err := getEnvInt("PAPER_SLIPPAGE_BPS", 5)
	switch {
	case err != nil:
		fail("%v", err)
	case slippage < 0:
		fail("PAPER_SLIPPAGE_BPS cannot be negative")
	default:
		cfg.PaperSlippageBps = int64(slippage)
	}

	if cfg.DatabaseURL == "" {
		fail("DATABASE_URL is required")
	}
	if len(cfg.JWTSecret) < minSecretLen {
		fail("JWT_SECRET must be at least %d characters", minSecretLen)
	}
	if cfg.BrokerMode != BrokerPaper && cfg.BrokerMode != BrokerSmartAPI {
		fail("BROKER_MODE must be %q or %q, got %q", BrokerPaper, BrokerSmartAPI, cfg.BrokerMode)
	}
	if (cfg.TelegramBotToken == "") != (cfg.TelegramChatID == "") {
		fail("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// RedisEnabled reports whether a Redis relay is configured.
func (c *Config) RedisEnabled() bool { return c.RedisAddr != "" }

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, v)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, v)
	}
	return b, nil
}

// getEnvDuration accepts Go durations ("90s", "1m30s") or bare seconds.
func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		log.Printf("[config] %s=%s read as seconds", key, v)
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

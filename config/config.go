package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"optionwatch/internal/detector"
	"optionwatch/internal/monitor"
	"optionwatch/internal/store/journal"
)

// Candle sources.
const (
	SourceNone  = "none"
	SourceAngel = "angel"
	SourceRedis = "redis"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	LogLevel    string
	LogFormat   string

	// Engine sizing
	Partitions  int
	QueueSize   int
	EventBuffer int

	Support              detector.SupportConfig
	Breakout             detector.BreakoutConfig
	Momentum             detector.MomentumConfig
	FailureConfirmWindow int

	// Storage
	StoreDriver   string
	SQLitePath    string
	DatabaseURL   string
	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string

	// Notification
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string
	AlertRatePerSec  float64

	// Candle sources
	CandleSource    string
	PollInterval    time.Duration
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string
	CandleStreamTF  int

	WatchlistFile string
}

// Load reads configuration from the environment, after merging a .env file
// if one is present. Malformed values are reported together.
func Load() (*Config, error) {
	_ = godotenv.Load()

	p := &parser{}
	sup := detector.DefaultSupportConfig()
	brk := detector.DefaultBreakoutConfig()
	mom := detector.DefaultMomentumConfig()

	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "console"),

		Partitions:  p.int("PARTITIONS", 4),
		QueueSize:   p.int("QUEUE_SIZE", 1024),
		EventBuffer: p.int("EVENT_BUFFER", 1024),

		Support: detector.SupportConfig{
			HistorySize:     p.int("SUPPORT_HISTORY", sup.HistorySize),
			ConfirmRatio:    p.float("SUPPORT_CONFIRM_RATIO", sup.ConfirmRatio),
			EventHistoryCap: sup.EventHistoryCap,
			Cooldown:        p.duration("SUPPORT_COOLDOWN", sup.Cooldown),
			AutoDisable:     p.bool("SUPPORT_AUTO_DISABLE", sup.AutoDisable),
		},
		Breakout: detector.BreakoutConfig{
			HistorySize:      p.int("BREAKOUT_HISTORY", brk.HistorySize),
			RangeLookback:    p.int("RANGE_LOOKBACK", brk.RangeLookback),
			MinRangeCandles:  p.int("RANGE_MIN_CANDLES", brk.MinRangeCandles),
			MaxRangeWidthPct: p.float("RANGE_MAX_WIDTH_PCT", brk.MaxRangeWidthPct),
			TouchBandPct:     brk.TouchBandPct,
			SwingLookback:    p.int("SWING_LOOKBACK", brk.SwingLookback),
			SwingEvery:       p.int("SWING_EVERY", brk.SwingEvery),
			EventHistoryCap:  brk.EventHistoryCap,
		},
		Momentum: detector.MomentumConfig{
			Lookback: p.duration("MOMENTUM_LOOKBACK", mom.Lookback),
			MinGreen: p.int("MOMENTUM_MIN_GREEN", mom.MinGreen),
		},
		FailureConfirmWindow: p.int("FAILURE_CONFIRM_WINDOW", 5),

		StoreDriver:   getEnv("STORE_DRIVER", journal.DriverSQLite),
		SQLitePath:    getEnv("SQLITE_PATH", "data/optionwatch.db"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisEnabled:  p.bool("REDIS_ENABLED", false),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		WebhookURL:       os.Getenv("WEBHOOK_URL"),
		AlertRatePerSec:  p.float("ALERT_RATE_PER_SEC", 1),

		CandleSource:    strings.ToLower(getEnv("CANDLE_SOURCE", SourceNone)),
		PollInterval:    p.duration("POLL_INTERVAL", time.Minute),
		AngelAPIKey:     os.Getenv("ANGEL_API_KEY"),
		AngelClientCode: os.Getenv("ANGEL_CLIENT_CODE"),
		AngelPassword:   os.Getenv("ANGEL_PASSWORD"),
		AngelTOTPSecret: os.Getenv("ANGEL_TOTP_SECRET"),
		CandleStreamTF:  p.int("CANDLE_STREAM_TF", 60),

		WatchlistFile: os.Getenv("WATCHLIST_FILE"),
	}
	p.errs = append(p.errs, cfg.validate()...)
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() []error {
	var errs []error
	switch c.StoreDriver {
	case journal.DriverSQLite:
	case journal.DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.CandleSource {
	case SourceNone:
	case SourceAngel:
		for key, v := range map[string]string{
			"ANGEL_API_KEY":     c.AngelAPIKey,
			"ANGEL_CLIENT_CODE": c.AngelClientCode,
			"ANGEL_PASSWORD":    c.AngelPassword,
			"ANGEL_TOTP_SECRET": c.AngelTOTPSecret,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("config: %s is required for the angel source", key))
			}
		}
	case SourceRedis:
		if !c.RedisEnabled {
			errs = append(errs, errors.New("config: the redis candle source needs REDIS_ENABLED=true"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown CANDLE_SOURCE %q", c.CandleSource))
	}
	if c.CandleSource != SourceNone && c.WatchlistFile == "" {
		errs = append(errs, errors.New("config: WATCHLIST_FILE is required when a candle source is set"))
	}
	if c.Support.ConfirmRatio <= 0 || c.Support.ConfirmRatio > 1 {
		errs = append(errs, fmt.Errorf("config: SUPPORT_CONFIRM_RATIO %v outside (0,1]", c.Support.ConfirmRatio))
	}
	return errs
}

// Engine returns the monitor engine configuration.
func (c *Config) Engine() monitor.Config {
	return monitor.Config{
		Partitions:           c.Partitions,
		QueueSize:            c.QueueSize,
		FailureConfirmWindow: c.FailureConfirmWindow,
		Support:              c.Support,
		Breakout:             c.Breakout,
		Momentum:             c.Momentum,
	}
}

// JournalDSN returns the data source for the configured store driver.
func (c *Config) JournalDSN() string {
	if c.StoreDriver == journal.DriverPostgres {
		return c.DatabaseURL
	}
	return c.SQLitePath
}

// parser collects conversion errors so every bad key is reported at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return f
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("config: %s: %w", key, err))
		return fallback
	}
	return d
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

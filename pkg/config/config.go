package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds environment-driven settings for the position engine.
type Config struct {
	Port     string
	AppEnv   string // "development" or "production"
	LogLevel string

	// Market data
	BinanceTestnet bool
	BinanceSymbols []string
	UseMockFeed    bool

	// Database
	DBPath string

	// Virtual matching
	SlippagePct       decimal.Decimal // percent, 0.05 = 0.05%
	SpotMakerFee      decimal.Decimal // fraction, 0.001 = 10 bps
	SpotTakerFee      decimal.Decimal
	FuturesMakerFee   decimal.Decimal
	FuturesTakerFee   decimal.Decimal
	FeeOverrideMaker  decimal.NullDecimal // replaces every maker rate when set
	FeeOverrideTaker  decimal.NullDecimal
	FeeSchedulePath   string // optional YAML with per-exchange tables
	MaintenanceMargin decimal.Decimal
	FundingInterval   time.Duration

	// Scheduling
	MonitorInterval      time.Duration
	SyncInterval         time.Duration
	FundingCheckInterval time.Duration
	MonitorWorkers       int
	SyncWorkers          int

	// Price oracle
	PriceTimeout time.Duration
	PriceMaxAge  time.Duration

	// Monitor thresholds
	LiquidationWarnPct      decimal.Decimal
	LiquidationWarnLeverage int

	// Trailing stop defaults applied when a request asks for trailing without details
	TrailingDefaultType       string
	TrailingDefaultDistance   decimal.Decimal
	TrailingDefaultActivation decimal.Decimal

	// Redis (optional): shared price cache and task lock
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	EnableLeaderLock bool

	// Notifications
	TelegramBotToken string
	TelegramChatID   string

	// HTTP surface
	APIRateLimit float64
	APIBurst     int

	// Seed a demo virtual account on an empty database
	SeedVirtualBalance decimal.Decimal

	// Localization
	Language string // "en" or "zh"
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Database path: prefer DB_PATH, then DATABASE_PATH for backward compatibility.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/positions.db")
	}

	return &Config{
		Port:                      getEnv("PORT", "8080"),
		AppEnv:                    getEnv("APP_ENV", "development"),
		LogLevel:                  getEnv("LOG_LEVEL", "info"),
		BinanceTestnet:            getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceSymbols:            splitAndTrim(getEnv("BINANCE_SYMBOLS", "BTCUSDT,ETHUSDT")),
		UseMockFeed:               getEnv("USE_MOCK_FEED", "true") == "true",
		DBPath:                    dbPath,
		SlippagePct:               getEnvDecimal("SLIPPAGE_PCT", "0.05"),
		SpotMakerFee:              getEnvDecimal("SPOT_MAKER_FEE", "0.001"),
		SpotTakerFee:              getEnvDecimal("SPOT_TAKER_FEE", "0.001"),
		FuturesMakerFee:           getEnvDecimal("FUTURES_MAKER_FEE", "0.0002"),
		FuturesTakerFee:           getEnvDecimal("FUTURES_TAKER_FEE", "0.0004"),
		FeeOverrideMaker:          getEnvNullDecimal("FEE_OVERRIDE_MAKER"),
		FeeOverrideTaker:          getEnvNullDecimal("FEE_OVERRIDE_TAKER"),
		FeeSchedulePath:           getEnv("FEE_SCHEDULE_PATH", ""),
		MaintenanceMargin:         getEnvDecimal("MAINTENANCE_MARGIN", "0.005"),
		FundingInterval:           getEnvDuration("FUNDING_INTERVAL", 8*time.Hour),
		MonitorInterval:           getEnvDuration("MONITOR_INTERVAL", 5*time.Second),
		SyncInterval:              getEnvDuration("SYNC_INTERVAL", 30*time.Second),
		FundingCheckInterval:      getEnvDuration("FUNDING_CHECK_INTERVAL", time.Minute),
		MonitorWorkers:            getEnvInt("MONITOR_WORKERS", 8),
		SyncWorkers:               getEnvInt("SYNC_WORKERS", 4),
		PriceTimeout:              getEnvDuration("PRICE_TIMEOUT", 3*time.Second),
		PriceMaxAge:               getEnvDuration("PRICE_MAX_AGE", 30*time.Second),
		LiquidationWarnPct:        getEnvDecimal("LIQUIDATION_WARN_PCT", "5"),
		LiquidationWarnLeverage:   getEnvInt("LIQUIDATION_WARN_LEVERAGE", 10),
		TrailingDefaultType:       strings.ToUpper(getEnv("TRAILING_DEFAULT_TYPE", "PERCENT")),
		TrailingDefaultDistance:   getEnvDecimal("TRAILING_DEFAULT_DISTANCE", "1"),
		TrailingDefaultActivation: getEnvDecimal("TRAILING_DEFAULT_ACTIVATION", "0"),
		RedisAddr:                 getEnv("REDIS_ADDR", ""),
		RedisPassword:             os.Getenv("REDIS_PASSWORD"),
		RedisDB:                   getEnvInt("REDIS_DB", 0),
		EnableLeaderLock:          getEnv("ENABLE_LEADER_LOCK", "false") == "true",
		TelegramBotToken:          os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:            os.Getenv("TELEGRAM_CHAT_ID"),
		APIRateLimit:              getEnvFloat("API_RATE_LIMIT", 20),
		APIBurst:                  getEnvInt("API_BURST", 40),
		SeedVirtualBalance:        getEnvDecimal("SEED_VIRTUAL_BALANCE", "10000"),
		Language:                  getEnv("LANGUAGE", "en"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// getEnvDecimal parses money values exactly; def must be a valid literal.
func getEnvDecimal(key, def string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(def)
}

func getEnvNullDecimal(key string) decimal.NullDecimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return decimal.NewNullDecimal(d)
		}
	}
	return decimal.NullDecimal{}
}

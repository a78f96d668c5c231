package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string
	RedisURL    string
	JWTSecret   string
	ServerPort  string

	LogLevel  string
	LogFormat string

	// Location is the zone used for daily/monthly quota windows and usage dates.
	Location *time.Location

	DefaultDailyLimit   int
	DefaultMonthlyLimit int

	AnalyzerURL     string
	AnalyzerAPIKey  string
	AnalyzerModel   string
	AnalyzerTimeout time.Duration
	// AnalyzerMaxRetries applies to overloaded or failing upstream answers.
	AnalyzerMaxRetries    int
	AnalyzerRetryInterval time.Duration

	GenerateRatePerMinute int

	ResetDailyCron   string
	ResetMonthlyCron string
	ResetLockTTL     time.Duration
}

func Load() (*Config, error) {
	godotenv.Load()

	tz := getEnv("TIMEZONE", "UTC")
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE %q: %w", tz, err)
	}

	cfg := &Config{
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		JWTSecret:   getEnv("JWT_SECRET", "secret"),
		ServerPort:  getEnv("SERVER_PORT", "8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		Location: loc,

		AnalyzerURL:    getEnv("ANALYZER_URL", "http://localhost:5000/v1/chat/completions"),
		AnalyzerAPIKey: getEnv("ANALYZER_API_KEY", ""),
		AnalyzerModel:  getEnv("ANALYZER_MODEL", "gpt-4o-mini"),

		ResetDailyCron:   getEnv("RESET_DAILY_CRON", "0 0 * * *"),
		ResetMonthlyCron: getEnv("RESET_MONTHLY_CRON", "0 0 1 * *"),
	}

	if cfg.DefaultDailyLimit, err = getEnvInt("QUOTA_DAILY_LIMIT", 100); err != nil {
		return nil, err
	}
	if cfg.DefaultMonthlyLimit, err = getEnvInt("QUOTA_MONTHLY_LIMIT", 3000); err != nil {
		return nil, err
	}
	if cfg.GenerateRatePerMinute, err = getEnvInt("GENERATE_RATE_PER_MINUTE", 10); err != nil {
		return nil, err
	}
	if cfg.AnalyzerTimeout, err = getEnvDuration("ANALYZER_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.AnalyzerMaxRetries, err = getEnvInt("ANALYZER_MAX_RETRIES", 2); err != nil {
		return nil, err
	}
	if cfg.AnalyzerRetryInterval, err = getEnvDuration("ANALYZER_RETRY_INTERVAL", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.ResetLockTTL, err = getEnvDuration("RESET_LOCK_TTL", 5*time.Minute); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DefaultDailyLimit <= 0 || c.DefaultMonthlyLimit <= 0 {
		return fmt.Errorf("quota limits must be positive (daily=%d, monthly=%d)", c.DefaultDailyLimit, c.DefaultMonthlyLimit)
	}
	if c.AnalyzerTimeout <= 0 {
		return fmt.Errorf("ANALYZER_TIMEOUT must be positive")
	}
	if c.AnalyzerMaxRetries < 0 {
		return fmt.Errorf("ANALYZER_MAX_RETRIES must not be negative")
	}
	if c.GenerateRatePerMinute < 0 {
		return fmt.Errorf("GENERATE_RATE_PER_MINUTE must not be negative")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}

// Package config loads and validates the application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration.
type Config struct {
	// Database
	DatabaseURL string

	// OliveYoung site
	BaseURL     string
	AWSWafToken string
	PageSize    int

	// Target categories ("all" when empty)
	CategoryIDs []string

	// Collection
	WorkerCount     int
	RequestDelay    time.Duration
	GlobalDelay     time.Duration
	MaxDelay        time.Duration
	ResetAfter      int
	TransientRetry  int
	AttemptCeiling  int
	IdentityCount   int
	CooldownBase    time.Duration
	CooldownMax     time.Duration
	TokenTTL        time.Duration
	JitterFraction  float64
	RequestTimeout  time.Duration
	DiscoveryRootID string

	// HTTP client
	HTTPClientConfig HTTPClientConfig

	// Telegram run reports (optional)
	TelegramBotToken string
	TelegramChatID   int64

	// Scheduler
	ScheduleSpec string

	// Logging
	LogLevel string
}

// HTTPClientConfig represents the HTTP client configuration.
type HTTPClientConfig struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	DisableKeepAlives     bool
}

// Load loads the configuration from environment variables.
func Load() (*Config, error) {
	// A missing .env file is fine, the environment may already be populated.
	_ = godotenv.Load()

	config := &Config{
		DatabaseURL:     getEnv("DB_DSN", ""),
		BaseURL:         getEnv("OLIVEYOUNG_BASE_URL", "https://www.oliveyoung.co.kr/store"),
		AWSWafToken:     getEnv("AWS_WAF_TOKEN", ""),
		PageSize:        getEnvInt("PAGE_SIZE", 48),
		CategoryIDs:     splitList(getEnv("CATEGORY_IDS", "")),
		WorkerCount:     getEnvInt("WORKER_COUNT", 4),
		RequestDelay:    getEnvDuration("REQUEST_DELAY", 2*time.Second),
		GlobalDelay:     getEnvDuration("GLOBAL_DELAY", 500*time.Millisecond),
		MaxDelay:        getEnvDuration("MAX_DELAY", 2*time.Minute),
		ResetAfter:      getEnvInt("RESET_AFTER_SUCCESSES", 5),
		TransientRetry:  getEnvInt("TRANSIENT_RETRIES", 2),
		AttemptCeiling:  getEnvInt("ATTEMPT_CEILING", 5),
		IdentityCount:   getEnvInt("IDENTITY_COUNT", 4),
		CooldownBase:    getEnvDuration("COOLDOWN_BASE", 30*time.Second),
		CooldownMax:     getEnvDuration("COOLDOWN_MAX", 10*time.Minute),
		TokenTTL:        getEnvDuration("TOKEN_TTL", 30*time.Minute),
		JitterFraction:  getEnvFloat("JITTER_FRACTION", 0.3),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		DiscoveryRootID: getEnv("DISCOVERY_ROOT_ID", "100000100000000"),
		HTTPClientConfig: HTTPClientConfig{
			MaxIdleConns:          getEnvInt("HTTP_MAX_IDLE_CONNS", 100),
			MaxIdleConnsPerHost:   getEnvInt("HTTP_MAX_IDLE_CONNS_PER_HOST", 10),
			IdleConnTimeout:       getEnvDuration("HTTP_IDLE_CONN_TIMEOUT", 90*time.Second),
			TLSHandshakeTimeout:   getEnvDuration("HTTP_TLS_HANDSHAKE_TIMEOUT", 10*time.Second),
			ResponseHeaderTimeout: getEnvDuration("HTTP_RESPONSE_HEADER_TIMEOUT", 30*time.Second),
			DisableKeepAlives:     getEnvBool("HTTP_DISABLE_KEEP_ALIVES", false),
		},
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnvInt64("TELEGRAM_CHAT_ID", 0),
		ScheduleSpec:     getEnv("SCHEDULE_SPEC", "0 3 * * *"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DB_DSN is required")
	}

	if c.AWSWafToken == "" {
		return fmt.Errorf("AWS_WAF_TOKEN is required")
	}

	if c.WorkerCount <= 0 {
		return fmt.Errorf("WORKER_COUNT must be positive")
	}

	if c.IdentityCount <= 0 {
		return fmt.Errorf("IDENTITY_COUNT must be positive")
	}

	if c.AttemptCeiling <= 0 {
		return fmt.Errorf("ATTEMPT_CEILING must be positive")
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive")
	}

	if c.TelegramBotToken != "" && c.TelegramChatID == 0 {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}

	return nil
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(value string) []string {
	if value == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv gets an environment variable with a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as int.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvInt64 gets an environment variable as int64.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets an environment variable as time.Duration.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvBool gets an environment variable as bool.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvFloat gets an environment variable as float64.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

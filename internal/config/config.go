package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Backend  BackendConfig
	Tracking TrackingConfig
	Server   ServerConfig
	Redis    RedisConfig
	Logging  LoggingConfig
}

type BackendConfig struct {
	URL         string
	PushURL     string
	AccessToken string
	// UserID selects the user-scoped push channel. Derived from the token when empty.
	UserID string
}

type TrackingConfig struct {
	EmergencyID            string
	PollInterval           time.Duration
	EscalationThreshold    int
	SilenceThreshold       time.Duration
	CompletionFetchTimeout time.Duration
	CommandTimeout         time.Duration
}

type ServerConfig struct {
	Addr      string
	JWTSecret string
}

type RedisConfig struct {
	// Addr enables the view mirror when set
	Addr string
}

type LoggingConfig struct {
	Level string
}

// Load reads the configuration from the environment. Values in a .env file
// in the working directory fill in variables that are not already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return fromEnv()
}

func fromEnv() (*Config, error) {
	cfg := &Config{
		Backend: BackendConfig{
			URL:         getEnv("BACKEND_URL", "http://localhost:3000/api"),
			PushURL:     getEnv("PUSH_URL", "ws://localhost:3000/ws"),
			AccessToken: getEnv("ACCESS_TOKEN", ""),
			UserID:      getEnv("USER_ID", ""),
		},
		Tracking: TrackingConfig{
			EmergencyID:            getEnv("EMERGENCY_ID", ""),
			PollInterval:           getEnvDuration("POLL_INTERVAL", 10*time.Second),
			EscalationThreshold:    getEnvInt("ESCALATION_THRESHOLD", 2),
			SilenceThreshold:       getEnvDuration("SILENCE_THRESHOLD", 45*time.Second),
			CompletionFetchTimeout: getEnvDuration("COMPLETION_FETCH_TIMEOUT", 10*time.Second),
			CommandTimeout:         getEnvDuration("COMMAND_TIMEOUT", 15*time.Second),
		},
		Server: ServerConfig{
			Addr:      getEnv("ADDR", ":8080"),
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Redis: RedisConfig{
			Addr: getEnv("REDIS_ADDR", ""),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Tracking.EmergencyID == "" {
		return fmt.Errorf("EMERGENCY_ID is required")
	}
	if c.Backend.AccessToken == "" {
		return fmt.Errorf("ACCESS_TOKEN is required")
	}
	if err := validURL(c.Backend.URL, "http", "https"); err != nil {
		return fmt.Errorf("invalid BACKEND_URL: %w", err)
	}
	if err := validURL(c.Backend.PushURL, "ws", "wss"); err != nil {
		return fmt.Errorf("invalid PUSH_URL: %w", err)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Tracking.PollInterval < time.Second {
		return fmt.Errorf("poll interval must be at least 1 second")
	}
	if c.Tracking.EscalationThreshold < 1 {
		return fmt.Errorf("escalation threshold must be at least 1")
	}
	if c.Tracking.SilenceThreshold <= c.Tracking.PollInterval {
		return fmt.Errorf("silence threshold must exceed the poll interval")
	}
	if c.Tracking.CompletionFetchTimeout <= 0 || c.Tracking.CommandTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	return nil
}

func validURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%q must be an absolute %v URL", raw, schemes)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return fallback
}

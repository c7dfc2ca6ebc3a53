package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	Port    string
	DBPath  string
	Workers int

	RedisAddr    string
	RedisChannel string

	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	StalledThreshold time.Duration
	InvokeTimeout    time.Duration
	ShutdownGrace    time.Duration
	PollInterval     time.Duration

	RecoveryInterval   time.Duration
	AutoRecover        bool
	CompletedRetention time.Duration

	ProcessEndpoint string
	InternalToken   string

	LogLevel  string
	LogFormat string
}

func Load() Config {
	return Config{
		Port:    getEnv("PORT", "8080"),
		DBPath:  getEnv("DB_PATH", "callpipe.db"),
		Workers: getEnvInt("WORKERS", 5),

		RedisAddr:    getEnv("REDIS_ADDR", ""),
		RedisChannel: getEnv("REDIS_CHANNEL", "callpipe:jobs"),

		MaxAttempts:      getEnvInt("MAX_ATTEMPTS", 3),
		BackoffBase:      getEnvDuration("BACKOFF_BASE", 5*time.Second),
		BackoffMax:       getEnvDuration("BACKOFF_MAX", 10*time.Minute),
		StalledThreshold: getEnvDuration("STALLED_THRESHOLD", 10*time.Minute),
		InvokeTimeout:    getEnvDuration("INVOKE_TIMEOUT", 2*time.Minute),
		ShutdownGrace:    getEnvDuration("SHUTDOWN_GRACE", 30*time.Second),
		PollInterval:     getEnvDuration("POLL_INTERVAL", 5*time.Second),

		RecoveryInterval:   getEnvDuration("RECOVERY_INTERVAL", time.Minute),
		AutoRecover:        getEnvBool("AUTO_RECOVER", true),
		CompletedRetention: getEnvDuration("COMPLETED_RETENTION", time.Hour),

		ProcessEndpoint: getEnv("PROCESS_ENDPOINT", "http://localhost:3000/api/process-call"),
		InternalToken:   getEnv("INTERNAL_TOKEN", ""),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate rejects settings under which recovery could resubmit an attempt
// that is still running, letting two workers process the same job.
func (c Config) Validate() error {
	if c.StalledThreshold <= c.InvokeTimeout+c.ShutdownGrace {
		return fmt.Errorf("STALLED_THRESHOLD (%s) must exceed INVOKE_TIMEOUT + SHUTDOWN_GRACE (%s)",
			c.StalledThreshold, c.InvokeTimeout+c.ShutdownGrace)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return fallback
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// getEnvDuration accepts Go duration strings ("90s", "5m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

func getEnvBool(key string, fallback bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/DeviceAgent/internal/env"
)

// Environment variable names understood by DeviceAgent.
const (
	EnvDBPath            = "DEVICEAGENT_DB_PATH"
	EnvPollInterval      = "DEVICEAGENT_POLL_INTERVAL"
	EnvMaxTasksPerPoll   = "DEVICEAGENT_MAX_TASKS_PER_POLL"
	EnvDefaultMaxRetries = "DEVICEAGENT_DEFAULT_MAX_RETRIES"
	EnvConnectTimeout    = "DEVICEAGENT_CONNECT_TIMEOUT"
	EnvConnectAttempts   = "DEVICEAGENT_CONNECT_ATTEMPTS"
	EnvBridgePort        = "DEVICEAGENT_BRIDGE_PORT"
	EnvRulesPath         = "DEVICEAGENT_RULES_PATH"
	EnvTwoFactorURL      = "DEVICEAGENT_TWOFACTOR_URL"
	EnvDeviceRefresh     = "DEVICEAGENT_DEVICE_REFRESH"
	EnvLogLevel          = "DEVICEAGENT_LOG_LEVEL"
)

var ensureOnce sync.Once

func ensureEnvLoaded() {
	ensureOnce.Do(func() {
		_ = env.Ensure()
	})
}

// Config is the resolved process configuration.
type Config struct {
	DBPath            string
	PollInterval      time.Duration
	MaxTasksPerPoll   int
	DefaultMaxRetries int
	ConnectTimeout    time.Duration
	ConnectAttempts   int
	BridgePort        int
	RulesPath         string
	TwoFactorURL      string
	DeviceRefresh     time.Duration
	LogLevel          string
}

// Load resolves Config from the environment (and .env) with defaults.
func Load() Config {
	return Config{
		DBPath:            String(EnvDBPath, defaultDBPath()),
		PollInterval:      Duration(EnvPollInterval, 10*time.Second),
		MaxTasksPerPoll:   Int(EnvMaxTasksPerPoll, 20),
		DefaultMaxRetries: Int(EnvDefaultMaxRetries, 3),
		ConnectTimeout:    Duration(EnvConnectTimeout, 45*time.Second),
		ConnectAttempts:   Int(EnvConnectAttempts, 2),
		BridgePort:        Int(EnvBridgePort, 9008),
		RulesPath:         String(EnvRulesPath, ""),
		TwoFactorURL:      String(EnvTwoFactorURL, ""),
		DeviceRefresh:     Duration(EnvDeviceRefresh, time.Minute),
		LogLevel:          String(EnvLogLevel, "info"),
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".deviceagent", "deviceagent.sqlite")
	}
	return filepath.Join(home, ".deviceagent", "deviceagent.sqlite")
}

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// Duration parses a time duration from environment or returns fallback.
func Duration(key string, fallback time.Duration) time.Duration {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Int returns an integer environment variable or fallback when invalid.
func Int(key string, fallback int) int {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Bool parses a boolean environment variable.
func Bool(key string, fallback bool) bool {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		switch strings.ToLower(val) {
		case "1", "true", "yes":
			return true
		case "0", "false", "no":
			return false
		}
	}
	return fallback
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"secure-comm/go-backend/internal/backup"
)

const envPrefix = "SECURECOMM_"

func ApplyEnvOverrides(cfg *Config) {
	setString(&cfg.Username, "USERNAME")
	setString(&cfg.DeviceName, "DEVICE_NAME")
	setString(&cfg.DeviceType, "DEVICE_TYPE")
	setString(&cfg.Storage.Backend, "STORAGE_BACKEND")
	setString(&cfg.Storage.Path, "STORAGE_PATH")
	setString(&cfg.Storage.Secret, "STORAGE_SECRET")
	setString(&cfg.RPC.Addr, "RPC_ADDR")
	setString(&cfg.RPC.URL, "RPC_URL")
	setString(&cfg.RPC.Token, "RPC_TOKEN")
	cfg.RPC.RequireToken = envBoolWithFallback("RPC_REQUIRE_TOKEN", cfg.RPC.RequireToken)
	cfg.RPC.RPS = envFloatWithFallback("RPC_RPS", cfg.RPC.RPS)
	cfg.RPC.Burst = envIntWithFallback("RPC_BURST", cfg.RPC.Burst)
	cfg.Pairing.TTL = envDurationWithFallback("PAIRING_TTL", cfg.Pairing.TTL)
	cfg.Pairing.PollInterval = envDurationWithFallback("PAIRING_POLL_INTERVAL", cfg.Pairing.PollInterval)
	cfg.Pairing.InitLimit = envIntWithFallback("PAIRING_INIT_LIMIT", cfg.Pairing.InitLimit)
	cfg.Backup.Iterations = envBoundedIntWithFallback("BACKUP_ITERATIONS", cfg.Backup.Iterations, backup.MinIterations, backup.MaxIterations)
	setString(&cfg.Log.Level, "LOG_LEVEL")
	setString(&cfg.Log.Format, "LOG_FORMAT")
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func setString(dst *string, key string) {
	if v := envString(key); v != "" {
		*dst = v
	}
}

func envBoolWithFallback(key string, fallback bool) bool {
	switch strings.ToLower(envString(key)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func envIntWithFallback(key string, fallback int) int {
	parsed, err := strconv.Atoi(envString(key))
	if err != nil {
		return fallback
	}
	return parsed
}

func envBoundedIntWithFallback(key string, fallback, min, max int) int {
	raw := envString(key)
	if raw == "" {
		return fallback
	}
	value := envIntWithFallback(key, fallback)
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

func envFloatWithFallback(key string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(envString(key), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDurationWithFallback(key string, fallback time.Duration) time.Duration {
	parsed, err := time.ParseDuration(envString(key))
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

package config

import (
	"os"
	"strconv"
	"time"
)

type WalletConfig struct {
	SystemCurrency  string
	PlatformAccount string
	SweepInterval   time.Duration
	SweepBatchSize  int
	IdempotencyTTL  time.Duration
	RequestTimeout  time.Duration
}

func LoadWalletConfig() *WalletConfig {
	return &WalletConfig{
		SystemCurrency:  getEnv("SYSTEM_CURRENCY", "YER"),
		PlatformAccount: getEnv("PLATFORM_ACCOUNT", "0000000001"),
		SweepInterval:   getEnvAsDuration("HOLD_SWEEP_INTERVAL", 10*time.Minute),
		SweepBatchSize:  getEnvAsInt("HOLD_SWEEP_BATCH_SIZE", 100),
		IdempotencyTTL:  getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		RequestTimeout:  getEnvAsDuration("REQUEST_TIMEOUT", 60*time.Second),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if duration, err := time.ParseDuration(val); err == nil {
			return duration
		}
	}
	return defaultVal
}

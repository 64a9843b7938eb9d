// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// AppConfig holds every recognized tunable. Values come from the environment
// with the defaults below; a local .env file is honored by main.
type AppConfig struct {
	Port    string `validate:"required,numeric"`
	GinMode string `validate:"oneof=debug release test"`

	DatabaseURL string `validate:"required"`
	RedisAddr   string `validate:"required,hostname_port"`
	RedisDB     int    `validate:"gte=0,lte=15"`

	TokenSigningKey string
	AccessTokenTTL  time.Duration `validate:"gt=0"`
	RefreshTokenTTL time.Duration `validate:"gt=0,gtefield=AccessTokenTTL"`
	TempTokenTTL    time.Duration `validate:"gt=0"`
	BcryptCost      int           `validate:"gte=4,lte=31"`

	MFACodeStep time.Duration `validate:"gt=0"`
	MFACodeSkew int           `validate:"gte=0,lte=2"`

	RoomOutboundBuffer  int           `validate:"gt=0"`
	HubAuthTimeout      time.Duration `validate:"gt=0"`
	CRDTHistoryCapacity int           `validate:"gt=0"`
	CRDTPersistInterval time.Duration `validate:"gt=0"`

	PresenceTickInterval   time.Duration `validate:"gt=0"`
	PresenceIdleThreshold  time.Duration `validate:"gt=0"`
	PresenceAwayThreshold  time.Duration `validate:"gtfield=PresenceIdleThreshold"`
	PresenceEvictThreshold time.Duration `validate:"gtfield=PresenceAwayThreshold"`

	JobMaxRetries     int           `validate:"gte=0"`
	JobBackoffBase    time.Duration `validate:"gt=0"`
	JobBackoffCap     time.Duration `validate:"gtefield=JobBackoffBase"`
	CancelGracePeriod time.Duration `validate:"gt=0"`

	WorkerCoresTotal    int           `validate:"gt=0"`
	WorkerMemoryTotal   int64         `validate:"gt=0"`
	WorkerCount         int           `validate:"gte=0"`
	HeartbeatInterval   time.Duration `validate:"gt=0"`
	StarvationThreshold time.Duration `validate:"gte=0"`

	MaxJobCores  int   `validate:"gt=0"`
	MaxJobMemory int64 `validate:"gt=0"`

	LoginBurst         int     `validate:"gt=0"`
	LoginRefillPerSec  float64 `validate:"gt=0"`
	CursorEventsPerSec int     `validate:"gt=0"`

	RBACCacheTTL time.Duration `validate:"gt=0"`
}

// Load reads configuration from environment variables.
func Load() *AppConfig {
	return &AppConfig{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost:5432/omics?sslmode=disable"),
		RedisAddr:   getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisDB:     getEnvInt("REDIS_DB", 0),

		TokenSigningKey: getEnvOrDefault("TOKEN_SIGNING_KEY", ""),
		AccessTokenTTL:  getEnvDuration("ACCESS_TOKEN_TTL", 30*time.Minute),
		RefreshTokenTTL: getEnvDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour),
		TempTokenTTL:    getEnvDuration("TEMP_TOKEN_TTL", 5*time.Minute),
		BcryptCost:      getEnvInt("BCRYPT_COST", 12),

		MFACodeStep: getEnvDuration("MFA_CODE_STEP", 30*time.Second),
		MFACodeSkew: getEnvInt("MFA_CODE_SKEW", 1),

		RoomOutboundBuffer:  getEnvInt("ROOM_OUTBOUND_BUFFER", 256),
		HubAuthTimeout:      getEnvDuration("HUB_AUTH_TIMEOUT", 10*time.Second),
		CRDTHistoryCapacity: getEnvInt("CRDT_HISTORY_CAPACITY", 500),
		CRDTPersistInterval: getEnvDuration("CRDT_PERSIST_INTERVAL", 5*time.Second),

		PresenceTickInterval:   getEnvDuration("PRESENCE_TICK_INTERVAL", 10*time.Second),
		PresenceIdleThreshold:  getEnvDuration("PRESENCE_IDLE_THRESHOLD", time.Minute),
		PresenceAwayThreshold:  getEnvDuration("PRESENCE_AWAY_THRESHOLD", 5*time.Minute),
		PresenceEvictThreshold: getEnvDuration("PRESENCE_EVICT_THRESHOLD", 30*time.Minute),

		JobMaxRetries:     getEnvInt("JOB_MAX_RETRIES", 3),
		JobBackoffBase:    getEnvDuration("JOB_BACKOFF_BASE", 5*time.Second),
		JobBackoffCap:     getEnvDuration("JOB_BACKOFF_CAP", 5*time.Minute),
		CancelGracePeriod: getEnvDuration("CANCEL_GRACE_PERIOD", 30*time.Second),

		WorkerCoresTotal:    getEnvInt("WORKER_CORES_TOTAL", 32),
		WorkerMemoryTotal:   getEnvInt64("WORKER_MEMORY_TOTAL", 64<<30),
		WorkerCount:         getEnvInt("WORKER_COUNT", 4),
		HeartbeatInterval:   getEnvDuration("HEARTBEAT_INTERVAL", 5*time.Second),
		StarvationThreshold: getEnvDuration("STARVATION_THRESHOLD", 5*time.Minute),

		MaxJobCores:  getEnvInt("MAX_JOB_CORES", 16),
		MaxJobMemory: getEnvInt64("MAX_JOB_MEMORY", 32<<30),

		LoginBurst:         getEnvInt("LOGIN_BURST", 10),
		LoginRefillPerSec:  getEnvFloat("LOGIN_REFILL_PER_SEC", 10.0/60.0),
		CursorEventsPerSec: getEnvInt("CURSOR_EVENTS_PER_SEC", 30),

		RBACCacheTTL: getEnvDuration("RBAC_CACHE_TTL", 60*time.Second),
	}
}

// Validate checks the loaded values against each field's constraints so a
// bad environment fails at boot instead of at first use.
func (c *AppConfig) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			f := invalid[0]
			return fmt.Errorf("config field %s fails constraint %q (value %v)", f.Field(), f.Tag(), f.Value())
		}
		return err
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// Package config loads gateway and client settings from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	Service   ServiceConfig
	Platform  PlatformConfig
	Chain     ChainConfig
	Retry     RetryConfig
	Store     StoreConfig
	Client    ClientConfig
	Telemetry TelemetryConfig
}

type ServiceConfig struct {
	HTTPPort          int `validate:"min=0,max=65535"`
	HMACSecret        string
	HMACClockSkew     time.Duration `validate:"gt=0"`
	IdempotencyWindow time.Duration `validate:"gt=0"`
	DLQPath           string        `validate:"required"`
	// AllowDebugOutcomes enables the debug field on /complete that
	// short-circuits to a simulated cancel or error.
	AllowDebugOutcomes bool
}

type PlatformConfig struct {
	BaseURL string `validate:"required,url"`
	// APIKey empty selects the in-memory fake platform.
	APIKey  string
	Timeout time.Duration `validate:"gt=0"`
}

type ChainConfig struct {
	RPCURL         string
	ReceiptTimeout time.Duration `validate:"gt=0"`
}

type RetryConfig struct {
	MaxAttempts       int           `validate:"min=1"`
	InitialBackoff    time.Duration `validate:"gte=0"`
	MaxBackoff        time.Duration `validate:"gtefield=InitialBackoff"`
	BackoffMultiplier float64       `validate:"gte=1"`
}

type StoreConfig struct {
	IdempotencyStorePath string
	PostgresDSN          string
}

type ClientConfig struct {
	GatewayURL     string `validate:"required,url"`
	SessionPath    string `validate:"required"`
	SDKVersion     string `validate:"required"`
	Sandbox        bool
	RequestTimeout time.Duration `validate:"gt=0"`
}

type TelemetryConfig struct {
	ServiceName string
	LogLevel    string `validate:"omitempty,oneof=debug info warn warning error"`
	Disabled    bool
}

// Load reads the optional env files, then the process environment, and
// validates the result. Variables already set in the environment win over
// values from the files.
func Load(envFiles ...string) (*AppConfig, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	stateDir := envOr("PIPAY_STATE_DIR", filepath.Join(os.TempDir(), "pipay"))

	cfg := &AppConfig{
		Service: ServiceConfig{
			HTTPPort:           envOrInt("PORT", 8000),
			HMACSecret:         envOr("GATEWAY_HMAC_SECRET", ""),
			HMACClockSkew:      envOrDuration("HMAC_CLOCK_SKEW", time.Minute),
			IdempotencyWindow:  envOrDuration("IDEMPOTENCY_WINDOW", 24*time.Hour),
			DLQPath:            envOr("DLQ_PATH", filepath.Join(stateDir, "dlq")),
			AllowDebugOutcomes: envOrBool("ALLOW_DEBUG_OUTCOMES", false),
		},
		Platform: PlatformConfig{
			BaseURL: envOr("PI_API_BASE_URL", "https://api.minepi.com/v2"),
			APIKey:  envOr("PI_API_KEY", ""),
			Timeout: envOrDuration("PI_API_TIMEOUT", 10*time.Second),
		},
		Chain: ChainConfig{
			RPCURL:         envOr("CHAIN_RPC_URL", ""),
			ReceiptTimeout: envOrDuration("CHAIN_RECEIPT_TIMEOUT", 30*time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts:       envOrInt("RETRY_MAX_ATTEMPTS", 3),
			InitialBackoff:    envOrDuration("RETRY_INITIAL_BACKOFF", 200*time.Millisecond),
			MaxBackoff:        envOrDuration("RETRY_MAX_BACKOFF", 2*time.Second),
			BackoffMultiplier: envOrFloat("RETRY_BACKOFF_MULTIPLIER", 2),
		},
		Store: StoreConfig{
			IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(stateDir, "replays.json")),
			PostgresDSN:          envOr("POSTGRES_DSN", ""),
		},
		Client: ClientConfig{
			GatewayURL:     envOr("GATEWAY_URL", "http://localhost:8000"),
			SessionPath:    envOr("SESSION_PATH", filepath.Join(stateDir, "session.json")),
			SDKVersion:     envOr("PI_SDK_VERSION", "2.0"),
			Sandbox:        envOrBool("PI_SANDBOX", true),
			RequestTimeout: envOrDuration("GATEWAY_TIMEOUT", 15*time.Second),
		},
		Telemetry: TelemetryConfig{
			ServiceName: envOr("OTEL_SERVICE_NAME", ""),
			LogLevel:    envOr("LOG_LEVEL", "info"),
			Disabled:    envOrBool("OTEL_SDK_DISABLED", false),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrFloat(key string, fallback float64) float64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseFloat(val, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrDuration accepts Go durations ("750ms") or a bare number of seconds.
func envOrDuration(key string, fallback time.Duration) time.Duration {
	val, ok := os.LookupEnv(key)
	if !ok || val == "" {
		return fallback
	}
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Package config loads service settings from the environment and the routing
// policy from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/dispatch/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/dispatch/pkg/observability"
)

// DatabaseMemory keeps every store in process memory.
const DatabaseMemory = "memory"

// Config holds server configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	// DatabaseURL selects the stores: postgres://, sqlite://path, or
	// "memory". Empty means lite mode, SQLite under DataDir.
	DatabaseURL string
	DataDir     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LLMServiceURL string
	LLMAPIKey     string
	LLMModel      string

	TokenTTL          time.Duration
	JWTSecret         string
	AllowRegistration bool
	AdminUsername     string
	AdminPassword     string

	ExecutionTimeout  time.Duration
	MaxRetries        int
	RoutingPolicyFile string
	IdempotencyTTL    time.Duration
	AuditTimeout      time.Duration

	RateLimitRPM     int
	RateLimitBurst   int
	AuthRateLimitRPM int

	CORSOrigins []string
	WSOrigins   []string

	Artifacts artifacts.Config

	OTELEnabled    bool
	OTELEndpoint   string
	OTELInsecure   bool
	OTELSampleRate float64
	Environment    string

	ShutdownTimeout time.Duration
}

// Load loads configuration from environment variables. Malformed values are
// logged and replaced by their defaults.
func Load() *Config {
	return &Config{
		Port:      env("PORT", "8080"),
		LogLevel:  env("LOG_LEVEL", "INFO"),
		LogFormat: env("LOG_FORMAT", "text"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		DataDir:     env("DATA_DIR", "data"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		LLMServiceURL: env("LLM_SERVICE_URL", "http://localhost:1234/v1"),
		LLMAPIKey:     os.Getenv("LLM_API_KEY"),
		LLMModel:      env("LLM_MODEL", "gpt-4o-mini"),

		TokenTTL:          envDuration("TOKEN_TTL", 30*time.Minute),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		AllowRegistration: envBool("ALLOW_REGISTRATION", true),
		AdminUsername:     os.Getenv("ADMIN_USERNAME"),
		AdminPassword:     os.Getenv("ADMIN_PASSWORD"),

		ExecutionTimeout:  envDuration("EXECUTION_TIMEOUT", 120*time.Second),
		MaxRetries:        envInt("MAX_RETRIES", 2),
		RoutingPolicyFile: os.Getenv("ROUTING_POLICY_FILE"),
		IdempotencyTTL:    envDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		AuditTimeout:      envDuration("AUDIT_TIMEOUT", 2*time.Second),

		RateLimitRPM:     envInt("RATE_LIMIT_RPM", 60),
		RateLimitBurst:   envInt("RATE_LIMIT_BURST", 10),
		AuthRateLimitRPM: envInt("AUTH_RATE_LIMIT_RPM", 30),

		CORSOrigins: envList("CORS_ALLOWED_ORIGINS"),
		WSOrigins:   envList("WS_ALLOWED_ORIGINS"),

		Artifacts: artifacts.Config{
			Type:       artifacts.StoreType(env("ARTIFACT_STORAGE_TYPE", string(artifacts.StoreTypeFS))),
			DataDir:    env("DATA_DIR", "data"),
			S3Bucket:   os.Getenv("ARTIFACT_S3_BUCKET"),
			S3Region:   os.Getenv("ARTIFACT_S3_REGION"),
			S3Endpoint: os.Getenv("ARTIFACT_S3_ENDPOINT"),
			S3Prefix:   os.Getenv("ARTIFACT_S3_PREFIX"),
			GCSBucket:  os.Getenv("ARTIFACT_GCS_BUCKET"),
			GCSPrefix:  os.Getenv("ARTIFACT_GCS_PREFIX"),
		},

		OTELEnabled:    envBool("OTEL_ENABLED", false),
		OTELEndpoint:   env("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELInsecure:   envBool("OTEL_INSECURE", false),
		OTELSampleRate: envFloat("OTEL_SAMPLE_RATE", 1.0),
		Environment:    env("HELM_ENV", "development"),

		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
	}
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("EXECUTION_TIMEOUT must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive")
	}
	if (c.AdminUsername == "") != (c.AdminPassword == "") {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD must be set together")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	return nil
}

// LiteMode reports whether the stores run on the local SQLite file.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// TelemetryConfig maps the OTEL_* settings.
func (c *Config) TelemetryConfig(version string) *observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Environment = c.Environment
	oc.Enabled = c.OTELEnabled
	oc.OTLPEndpoint = c.OTELEndpoint
	oc.Insecure = c.OTELInsecure
	oc.SampleRate = c.OTELSampleRate
	return oc
}

// SlogLevel maps LOG_LEVEL; unknown levels mean INFO.
func (c *Config) SlogLevel() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer setting, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}

func envFloat(key string, def float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid number setting, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean setting, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration setting, using default", "key", key, "value", raw, "default", def)
		return def
	}
	return v
}

func envList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

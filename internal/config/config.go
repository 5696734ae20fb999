package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains runtime configuration values.
type Config struct {
	Environment string
	HTTPPort    string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ToolURL is the public base URL of this tool; redirect URIs and the
	// JWKS location are derived from it.
	ToolURL string

	// Platform* describe an optional platform registered at startup.
	PlatformIssuer     string
	PlatformName       string
	PlatformClientID   string
	PlatformAuthURL    string
	PlatformTokenURL   string
	PlatformServiceURL string
	PlatformKeySetURL  string

	SessionTTL   time.Duration
	NonceTTL     time.Duration
	KeyBatchSize int

	ServiceName          string
	RateLimitRPM         int
	TelemetryEndpoint    string
	TelemetryInsecure    bool
	CORSAllowedOrigins   []string
	CORSAllowedMethods   []string
	CORSAllowedHeaders   []string
	CORSAllowCredentials bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		ToolURL: strings.TrimSuffix(getEnv("TOOL_URL", "http://localhost:8080"), "/"),

		PlatformIssuer:     strings.TrimSpace(os.Getenv("PLATFORM_ISSUER")),
		PlatformName:       strings.TrimSpace(os.Getenv("PLATFORM_NAME")),
		PlatformClientID:   strings.TrimSpace(os.Getenv("PLATFORM_CLIENT_ID")),
		PlatformAuthURL:    strings.TrimSpace(os.Getenv("PLATFORM_AUTH_URL")),
		PlatformTokenURL:   strings.TrimSpace(os.Getenv("PLATFORM_TOKEN_URL")),
		PlatformServiceURL: strings.TrimSpace(os.Getenv("PLATFORM_SERVICE_URL")),
		PlatformKeySetURL:  strings.TrimSpace(os.Getenv("PLATFORM_KEYSET_URL")),

		SessionTTL:   getDuration("SESSION_TTL", time.Hour),
		NonceTTL:     getDuration("NONCE_TTL", time.Hour),
		KeyBatchSize: getInt("KEY_BATCH_SIZE", 4),

		ServiceName:          getEnv("SERVICE_NAME", "lti-tool-provider"),
		RateLimitRPM:         getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure:    getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		CORSAllowedOrigins:   getList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		CORSAllowedMethods:   getList("CORS_ALLOWED_METHODS", []string{"GET", "POST", "OPTIONS"}),
		CORSAllowedHeaders:   getList("CORS_ALLOWED_HEADERS", []string{"Authorization", "Content-Type"}),
		CORSAllowCredentials: getBool("CORS_ALLOW_CREDENTIALS", false),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.KeyBatchSize < 1 {
		cfg.KeyBatchSize = 1
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}

func getList(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok {
		parts := strings.Split(v, ",")
		var cleaned []string
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
		if len(cleaned) > 0 {
			return cleaned
		}
	}
	return def
}

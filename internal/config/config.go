package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Attribution policies for the silent gap after a missed heartbeat
const (
	AttributionDeadline = "deadline"
	AttributionLastPing = "last_ping"
)

// Config holds application configuration
type Config struct {
	Port        int
	Environment string
	PublicURL   string
	JWTSecret   string
	CORSOrigins []string
	StoreType   string // memory or postgres
	Database    DatabaseConfig
	Monitor     MonitorConfig
	Retention   RetentionConfig
	Ping        PingConfig
	Graph       GraphConfig
	WebhookURL  string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Type         string // postgres
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
}

// MonitorConfig tunes the heartbeat engine
type MonitorConfig struct {
	StoreTimeout       time.Duration
	SweepInterval      time.Duration
	SweepConcurrency   int
	GracePeriod        time.Duration
	Attribution        string
	CountPendingUptime bool
}

// RetentionConfig bounds sample growth
type RetentionConfig struct {
	MaxAge        time.Duration
	MaxPerTask    int
	PruneInterval time.Duration
}

// PingConfig limits heartbeat submissions per token and client
type PingConfig struct {
	RateLimit float64
	Burst     int
}

// GraphConfig holds chart defaults
type GraphConfig struct {
	MaxPoints int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	env := getEnv("ENVIRONMENT", "production")
	jwtSecret, err := loadJWTSecret(env)
	if err != nil {
		return nil, err
	}

	port := getEnvInt("PORT", 8080)
	storeType := getEnv("STORE_TYPE", "memory")

	cfg := &Config{
		Port:        port,
		Environment: env,
		PublicURL:   strings.TrimRight(getEnv("PUBLIC_URL", fmt.Sprintf("http://localhost:%d", port)), "/"),
		JWTSecret:   jwtSecret,
		CORSOrigins: loadCORSOrigins(env),
		StoreType:   storeType,
		Database: DatabaseConfig{
			Type:         "postgres",
			DSN:          getEnv("DATABASE_DSN", buildPostgresDSN()),
			MaxOpenConns: getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvInt("DB_MAX_IDLE_CONNS", 5),
		},
		Monitor: MonitorConfig{
			StoreTimeout:       getEnvDuration("STORE_TIMEOUT", 5*time.Second),
			SweepInterval:      getEnvDuration("SWEEP_INTERVAL", 5*time.Second),
			SweepConcurrency:   getEnvInt("SWEEP_CONCURRENCY", 8),
			GracePeriod:        getEnvDuration("GRACE_PERIOD", 0),
			Attribution:        getEnv("ATTRIBUTION", AttributionDeadline),
			CountPendingUptime: getEnvBool("COUNT_PENDING_UPTIME", false),
		},
		Retention: RetentionConfig{
			MaxAge:        getEnvDuration("SAMPLE_RETENTION", 720*time.Hour),
			MaxPerTask:    getEnvInt("SAMPLE_MAX_PER_TASK", 1000),
			PruneInterval: getEnvDuration("PRUNE_INTERVAL", 10*time.Minute),
		},
		Ping: PingConfig{
			RateLimit: getEnvFloat("PING_RATE_LIMIT", 5),
			Burst:     getEnvInt("PING_RATE_BURST", 10),
		},
		Graph: GraphConfig{
			MaxPoints: getEnvInt("GRAPH_MAX_POINTS", 200),
		},
		WebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogFormat:  getEnv("LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func buildPostgresDSN() string {
	host := getEnv("POSTGRES_HOST", "localhost")
	port := getEnv("POSTGRES_PORT", "5432")
	user := getEnv("POSTGRES_USER", "serverlord")
	password := getEnv("POSTGRES_PASSWORD", "secret")
	dbName := getEnv("POSTGRES_DB", "serverlord")
	sslMode := getEnv("POSTGRES_SSLMODE", "disable")

	u := url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(user, password),
		Host:   fmt.Sprintf("%s:%s", host, port),
		Path:   dbName,
	}

	query := u.Query()
	query.Set("sslmode", sslMode)
	u.RawQuery = query.Encode()

	return u.String()
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Environment == "production" {
		if len(c.JWTSecret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}

		insecureSecrets := []string{
			"change-this-secret-in-production",
			"change-me-in-production",
			"secret",
			"password",
			"changeme",
		}
		for _, insecure := range insecureSecrets {
			if c.JWTSecret == insecure {
				return fmt.Errorf("JWT_SECRET is set to an insecure default value. Please set a strong random secret")
			}
		}
	}

	if len(c.CORSOrigins) == 0 {
		return fmt.Errorf("at least one CORS origin must be configured")
	}

	switch c.StoreType {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("DATABASE_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unsupported store type: %s", c.StoreType)
	}

	if c.Monitor.StoreTimeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive")
	}
	// cron schedules have whole-second resolution
	if c.Monitor.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s")
	}
	if c.Monitor.SweepConcurrency < 1 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be at least 1")
	}
	if c.Monitor.GracePeriod < 0 {
		return fmt.Errorf("GRACE_PERIOD must not be negative")
	}
	if c.Monitor.Attribution != AttributionDeadline && c.Monitor.Attribution != AttributionLastPing {
		return fmt.Errorf("ATTRIBUTION must be %q or %q", AttributionDeadline, AttributionLastPing)
	}

	if c.Retention.MaxAge < 0 || c.Retention.MaxPerTask < 0 {
		return fmt.Errorf("sample retention must not be negative")
	}
	if c.Retention.PruneInterval < time.Second {
		return fmt.Errorf("PRUNE_INTERVAL must be at least 1s")
	}

	// PING_RATE_LIMIT <= 0 disables the ping limiter
	if c.Ping.RateLimit > 0 && c.Ping.Burst < 1 {
		return fmt.Errorf("PING_RATE_BURST must be at least 1 when PING_RATE_LIMIT is set")
	}
	if c.Graph.MaxPoints < 1 {
		return fmt.Errorf("GRAPH_MAX_POINTS must be at least 1")
	}

	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL must be an absolute http(s) URL")
		}
	}

	return nil
}

func loadJWTSecret(env string) (string, error) {
	secret := os.Getenv("JWT_SECRET")

	// If JWT_SECRET is not set, generate a random one for development
	if secret == "" {
		if env == "production" {
			return "", fmt.Errorf("JWT_SECRET environment variable is required in production")
		}

		slog.Warn("JWT_SECRET not set, generating a random secret for development; it will change on restart")
		return generateRandomSecret()
	}

	if len(secret) < 16 {
		return "", fmt.Errorf("JWT_SECRET must be at least 16 characters long")
	}

	return secret, nil
}

func loadCORSOrigins(env string) []string {
	if appURL := getAppURL(); appURL != "" {
		return []string{appURL}
	}

	if env != "development" {
		slog.Warn("APP_URL not set, using default localhost origins")
	}
	return []string{"http://localhost:3000", "http://localhost:8080"}
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func generateRandomSecret() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(bytes), nil
}

func getAppURL() string {
	appURL := os.Getenv("APP_URL")
	if appURL == "" {
		return ""
	}
	return strings.TrimRight(appURL, "/")
}

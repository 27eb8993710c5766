package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openauthhq/openauth/pkg/observability"
)

// Config holds all application configuration. It is loaded once at startup
// and passed explicitly into components; nothing reads the environment after
// LoadConfig returns.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Token         TokenConfig
	SSO           SSOConfig
	Email         EmailConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// TokenConfig holds JWT signing configuration. PreviousSecret, when set,
// is also accepted during verification so outstanding tokens survive a key
// rotation until they expire naturally.
type TokenConfig struct {
	Secret         string
	PreviousSecret string
	Issuer         string
	Audience       string
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
}

// SSOConfig holds SSO federation configuration
type SSOConfig struct {
	// BaseURL is the externally reachable URL of this service, used to
	// build callback and SAML metadata URLs.
	BaseURL  string
	StateTTL time.Duration
}

// EmailConfig holds outbound notification configuration
type EmailConfig struct {
	SMTPAddr     string
	SMTPUsername string
	SMTPPassword string
	From         string
	Enabled      bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("OPENAUTH_HOST", "0.0.0.0"),
			Port:            getEnv("OPENAUTH_PORT", "8080"),
			ReadTimeout:     getEnvDuration("OPENAUTH_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("OPENAUTH_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("OPENAUTH_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("OPENAUTH_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			URL:         getEnv("OPENAUTH_POSTGRES_URL", ""),
			MaxConns:    getEnvInt("OPENAUTH_POSTGRES_MAX_CONNS", 25),
			MinConns:    getEnvInt("OPENAUTH_POSTGRES_MIN_CONNS", 5),
			Timeout:     getEnvDuration("OPENAUTH_POSTGRES_TIMEOUT", 5*time.Second),
			MaxLifetime: getEnvDuration("OPENAUTH_POSTGRES_MAX_LIFETIME", 30*time.Minute),
			MaxIdleTime: getEnvDuration("OPENAUTH_POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:        getEnv("OPENAUTH_REDIS_URL", "redis://localhost:6379"),
			Password:   getEnv("OPENAUTH_REDIS_PASSWORD", ""),
			DB:         getEnvInt("OPENAUTH_REDIS_DB", 0),
			MaxRetries: getEnvInt("OPENAUTH_REDIS_MAX_RETRIES", 3),
			PoolSize:   getEnvInt("OPENAUTH_REDIS_POOL_SIZE", 10),
		},
		Token: TokenConfig{
			Secret:         getEnv("OPENAUTH_JWT_SECRET", ""),
			PreviousSecret: getEnv("OPENAUTH_JWT_PREVIOUS_SECRET", ""),
			Issuer:         getEnv("OPENAUTH_JWT_ISSUER", "openauth-enterprise"),
			Audience:       getEnv("OPENAUTH_JWT_AUDIENCE", "openauth-apps"),
			AccessTTL:      getEnvDuration("OPENAUTH_ACCESS_TOKEN_TTL", 15*time.Minute),
			RefreshTTL:     getEnvDuration("OPENAUTH_REFRESH_TOKEN_TTL", 7*24*time.Hour),
		},
		SSO: SSOConfig{
			BaseURL:  getEnv("OPENAUTH_BASE_URL", "http://localhost:8080"),
			StateTTL: getEnvDuration("OPENAUTH_SSO_STATE_TTL", 10*time.Minute),
		},
		Email: EmailConfig{
			SMTPAddr:     getEnv("OPENAUTH_SMTP_ADDR", ""),
			SMTPUsername: getEnv("OPENAUTH_SMTP_USERNAME", ""),
			SMTPPassword: getEnv("OPENAUTH_SMTP_PASSWORD", ""),
			From:         getEnv("OPENAUTH_EMAIL_FROM", "no-reply@openauth.local"),
			Enabled:      getEnvBool("OPENAUTH_EMAIL_ENABLED", false),
		},
		Observability: ObservabilityConfig{
			LogLevel:       parseLogLevel(getEnv("OPENAUTH_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("OPENAUTH_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.Token.Secret == "" {
		return fmt.Errorf("JWT signing secret is required")
	}
	if len(c.Token.Secret) < 32 {
		return fmt.Errorf("JWT signing secret must be at least 32 bytes")
	}
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}
	if c.Token.RefreshTTL <= c.Token.AccessTTL {
		return fmt.Errorf("refresh token TTL must exceed access token TTL")
	}
	if c.SSO.StateTTL <= 0 || c.SSO.StateTTL > 10*time.Minute {
		return fmt.Errorf("SSO state TTL must be positive and at most 10 minutes")
	}
	if c.SSO.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}
	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

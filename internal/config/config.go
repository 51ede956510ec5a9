package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrConfiguration marks a configuration that must stop the process at startup.
var ErrConfiguration = errors.New("configuration error")

// Secrets that ship in sample env files and must never sign tokens in production.
var knownDefaultSecrets = []string{
	"secret",
	"changeme",
	"change-me",
	"your-secret-key",
	"your_jwt_secret",
	"jwt-secret",
	"dev-secret",
	"supersecret",
}

type Config struct {
	Env string

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// JWT
	JWTSecret        string
	JWTIssuer        string
	JWTAccessExpiry  time.Duration
	JWTRefreshExpiry time.Duration

	// Refresh token lifecycle
	RefreshRotationEnabled bool
	RefreshRetention       time.Duration
	CleanupInterval        time.Duration
	LogRetention           time.Duration

	// Password reset
	ResetTokenExpiry time.Duration
	ResetURLBase     string
	ResetMaxRequests int
	ResetWindow      time.Duration

	BcryptCost int

	// Redis (optional, reset throttling)
	RedisURL string

	// SMTP (optional, reset mail delivery)
	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string

	// Server
	Port        string
	CORSOrigins string
	LogLevel    string
	SentryDSN   string
}

func Load() *Config {
	return &Config{
		Env: getEnv("APP_ENV", "development"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "bms_db"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		JWTSecret:        getEnv("JWT_SECRET", ""),
		JWTIssuer:        getEnv("JWT_ISSUER", "bms-backend"),
		JWTAccessExpiry:  parseDuration(getEnv("JWT_ACCESS_EXPIRY", "1h"), time.Hour),
		JWTRefreshExpiry: parseDuration(getEnv("JWT_REFRESH_EXPIRY", "168h"), 7*24*time.Hour),

		RefreshRotationEnabled: parseBool(getEnv("REFRESH_ROTATION_ENABLED", "true"), true),
		RefreshRetention:       parseDuration(getEnv("REFRESH_RETENTION", "168h"), 7*24*time.Hour),
		CleanupInterval:        parseDuration(getEnv("CLEANUP_INTERVAL", "1h"), time.Hour),
		LogRetention:           parseDuration(getEnv("LOG_RETENTION", "720h"), 30*24*time.Hour),

		ResetTokenExpiry: parseDuration(getEnv("RESET_TOKEN_EXPIRY", "24h"), 24*time.Hour),
		ResetURLBase:     getEnv("RESET_URL_BASE", "http://localhost:3000/reset-password"),
		ResetMaxRequests: parseInt(getEnv("RESET_MAX_REQUESTS", "5"), 5),
		ResetWindow:      parseDuration(getEnv("RESET_WINDOW", "1h"), time.Hour),

		BcryptCost: parseInt(getEnv("BCRYPT_COST", "10"), 10),

		RedisURL: getEnv("REDIS_URL", ""),

		SMTPHost:     getEnv("SMTP_HOST", ""),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUser:     getEnv("SMTP_USER", ""),
		SMTPPassword: getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:     getEnv("SMTP_FROM", "no-reply@localhost"),

		Port:        getEnv("PORT", "8080"),
		CORSOrigins: getEnv("CORS_ORIGINS", "*"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		SentryDSN:   getEnv("SENTRY_DSN", ""),
	}
}

// IsProduction reports whether APP_ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Env))
	return env == "production" || env == "prod"
}

// Validate checks the settings the token subsystem cannot run without.
// Every returned error wraps ErrConfiguration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("%w: JWT_SECRET is required", ErrConfiguration)
	}
	if c.IsProduction() && IsDefaultSecret(c.JWTSecret) {
		return fmt.Errorf("%w: JWT_SECRET uses a well-known default value", ErrConfiguration)
	}
	if strings.TrimSpace(c.JWTIssuer) == "" {
		return fmt.Errorf("%w: JWT_ISSUER is required", ErrConfiguration)
	}
	if c.JWTAccessExpiry <= 0 || c.JWTRefreshExpiry <= 0 {
		return fmt.Errorf("%w: token lifetimes must be positive", ErrConfiguration)
	}
	if c.ResetTokenExpiry <= 0 {
		return fmt.Errorf("%w: RESET_TOKEN_EXPIRY must be positive", ErrConfiguration)
	}
	if c.IsProduction() && c.DBPassword == "" {
		return fmt.Errorf("%w: DB_PASSWORD is required", ErrConfiguration)
	}
	return nil
}

// IsDefaultSecret reports whether secret matches one of the sample values.
func IsDefaultSecret(secret string) bool {
	s := strings.ToLower(strings.TrimSpace(secret))
	for _, d := range knownDefaultSecrets {
		if s == d {
			return true
		}
	}
	return false
}

func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" port=" + c.DBPort +
		" sslmode=" + c.DBSSLMode +
		" TimeZone=UTC"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return fallback
	}
	return b
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

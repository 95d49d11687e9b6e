package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config holds the full server configuration. Every knob has an environment
// variable; a local .env file is read first, real environment wins.
type Config struct {
	ServerHost string `env:"SERVER_HOST" envDefault:"127.0.0.1"`
	ServerPort int    `env:"SERVER_PORT" envDefault:"8787"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`

	MaxConcurrentRequests    int           `env:"MAX_CONCURRENT_REQUESTS" envDefault:"32"`
	AdmissionQueueTimeout    time.Duration `env:"ADMISSION_QUEUE_TIMEOUT" envDefault:"2s"`
	RequestTimeout           time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	OutlookConnectionTimeout time.Duration `env:"OUTLOOK_CONNECTION_TIMEOUT" envDefault:"15s"`
	ShutdownGrace            time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
	StrictStartup            bool          `env:"STRICT_STARTUP" envDefault:"false"`

	Pool      PoolConfig
	RateLimit RateLimitConfig
	Cache     CacheConfig
	Security  SecurityConfig
	Mail      MailConfig
}

// PoolConfig sizes the adapter connection pool.
type PoolConfig struct {
	MinConnections int           `env:"POOL_MIN_CONNECTIONS" envDefault:"1"`
	MaxConnections int           `env:"POOL_MAX_CONNECTIONS" envDefault:"4"`
	MaxIdle        time.Duration `env:"POOL_MAX_IDLE" envDefault:"5m"`
	MaxAge         time.Duration `env:"POOL_MAX_AGE" envDefault:"30m"`
	ProbeInterval  time.Duration `env:"POOL_PROBE_INTERVAL" envDefault:"30s"`
}

// RateLimitConfig parameterizes the token bucket and window quotas.
type RateLimitConfig struct {
	RPS       float64 `env:"RATE_LIMIT_RPS" envDefault:"10"`
	Burst     int     `env:"RATE_LIMIT_BURST" envDefault:"20"`
	PerMinute int     `env:"RATE_LIMIT_PER_MINUTE" envDefault:"300"`
	PerHour   int     `env:"RATE_LIMIT_PER_HOUR" envDefault:"1000"`
	PerCaller bool    `env:"RATE_LIMIT_PER_CALLER" envDefault:"false"`
}

// CacheConfig bounds the in-memory caches.
type CacheConfig struct {
	MaxBytes        int64         `env:"CACHE_MAX_BYTES" envDefault:"67108864"`
	EmailTTL        time.Duration `env:"CACHE_EMAIL_TTL" envDefault:"5m"`
	FolderTTL       time.Duration `env:"CACHE_FOLDER_TTL" envDefault:"10m"`
	CleanupInterval time.Duration `env:"CACHE_CLEANUP_INTERVAL" envDefault:"1m"`
	Prefetch        bool          `env:"CACHE_PREFETCH" envDefault:"false"`
	PrefetchTopN    int           `env:"CACHE_PREFETCH_TOP_N" envDefault:"5"`
}

// SecurityConfig restricts folder access and response sizes.
type SecurityConfig struct {
	AllowedFolders    []string `env:"SECURITY_ALLOWED_FOLDERS" envSeparator:","`
	BlockedFolders    []string `env:"SECURITY_BLOCKED_FOLDERS" envSeparator:","`
	MaxEmailSizeBytes int64    `env:"SECURITY_MAX_EMAIL_SIZE_BYTES" envDefault:"10485760"`
	SanitizeHTML      bool     `env:"SECURITY_SANITIZE_HTML" envDefault:"false"`
}

// MailConfig configures the reference IMAP/SMTP adapter.
type MailConfig struct {
	IMAPHost     string `env:"IMAP_HOST"`
	IMAPPort     int    `env:"IMAP_PORT" envDefault:"993"`
	IMAPUsername string `env:"IMAP_USERNAME"`
	IMAPPassword string `env:"IMAP_PASSWORD"`

	SMTPHost     string `env:"SMTP_HOST"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	// Best effort; absence of a .env file is normal.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535")
	}
	if c.MaxConcurrentRequests < 1 {
		return fmt.Errorf("MAX_CONCURRENT_REQUESTS must be at least 1")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("SHUTDOWN_GRACE cannot be negative")
	}

	if c.Pool.MinConnections < 0 {
		return fmt.Errorf("POOL_MIN_CONNECTIONS cannot be negative")
	}
	if c.Pool.MaxConnections < 1 {
		return fmt.Errorf("POOL_MAX_CONNECTIONS must be at least 1")
	}
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		return fmt.Errorf("POOL_MIN_CONNECTIONS cannot exceed POOL_MAX_CONNECTIONS")
	}
	if c.Pool.ProbeInterval <= 0 {
		return fmt.Errorf("POOL_PROBE_INTERVAL must be positive")
	}

	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive")
	}
	if c.RateLimit.Burst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1")
	}
	if c.RateLimit.PerMinute < 1 || c.RateLimit.PerHour < 1 {
		return fmt.Errorf("rate limit windows must be at least 1")
	}

	if c.Cache.MaxBytes < 1 {
		return fmt.Errorf("CACHE_MAX_BYTES must be positive")
	}
	if c.Cache.EmailTTL <= 0 || c.Cache.FolderTTL <= 0 {
		return fmt.Errorf("cache TTLs must be positive")
	}
	if c.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("CACHE_CLEANUP_INTERVAL must be positive")
	}

	if c.Security.MaxEmailSizeBytes < 0 {
		return fmt.Errorf("SECURITY_MAX_EMAIL_SIZE_BYTES cannot be negative")
	}

	return nil
}

// HasMailAccount reports whether the reference adapter is configured.
func (c *Config) HasMailAccount() bool {
	return c.Mail.IMAPHost != "" && c.Mail.IMAPUsername != ""
}

// ValidateMail checks the adapter account settings. An account is required:
// without IMAP_HOST and IMAP_USERNAME it returns an error.
func (c *Config) ValidateMail() error {
	if !c.HasMailAccount() {
		return fmt.Errorf("IMAP_HOST and IMAP_USERNAME are required")
	}
	if c.Mail.IMAPPort < 1 || c.Mail.IMAPPort > 65535 {
		return fmt.Errorf("invalid IMAP_PORT")
	}
	if c.Mail.SMTPHost != "" && (c.Mail.SMTPPort < 1 || c.Mail.SMTPPort > 65535) {
		return fmt.Errorf("invalid SMTP_PORT")
	}
	return nil
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.ServerHost)
	assert.Equal(t, 8787, cfg.ServerPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 32, cfg.MaxConcurrentRequests)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 1, cfg.Pool.MinConnections)
	assert.Equal(t, 4, cfg.Pool.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Pool.ProbeInterval)
	assert.Equal(t, 10.0, cfg.RateLimit.RPS)
	assert.Equal(t, 20, cfg.RateLimit.Burst)
	assert.Equal(t, int64(64<<20), cfg.Cache.MaxBytes)
	assert.Equal(t, 5*time.Minute, cfg.Cache.EmailTTL)
	assert.Equal(t, 10*time.Minute, cfg.Cache.FolderTTL)
	assert.False(t, cfg.StrictStartup)

	require.NoError(t, cfg.Validate())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("REQUEST_TIMEOUT", "7s")
	t.Setenv("POOL_MAX_CONNECTIONS", "8")
	t.Setenv("RATE_LIMIT_RPS", "2.5")
	t.Setenv("CACHE_EMAIL_TTL", "90s")
	t.Setenv("SECURITY_BLOCKED_FOLDERS", "Junk,Deleted Items")
	t.Setenv("STRICT_STARTUP", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.ServerPort)
	assert.Equal(t, 7*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 8, cfg.Pool.MaxConnections)
	assert.Equal(t, 2.5, cfg.RateLimit.RPS)
	assert.Equal(t, 90*time.Second, cfg.Cache.EmailTTL)
	assert.Equal(t, []string{"Junk", "Deleted Items"}, cfg.Security.BlockedFolders)
	assert.True(t, cfg.StrictStartup)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.ServerPort = 0 },
		func(c *Config) { c.MaxConcurrentRequests = 0 },
		func(c *Config) { c.RequestTimeout = 0 },
		func(c *Config) { c.Pool.MaxConnections = 0 },
		func(c *Config) { c.Pool.MinConnections = 10 }, // exceeds max
		func(c *Config) { c.Pool.ProbeInterval = 0 },
		func(c *Config) { c.RateLimit.RPS = 0 },
		func(c *Config) { c.RateLimit.Burst = 0 },
		func(c *Config) { c.Cache.MaxBytes = 0 },
		func(c *Config) { c.Cache.EmailTTL = 0 },
		func(c *Config) { c.Cache.CleanupInterval = 0 },
	}

	for i, mutate := range cases {
		cfg, err := LoadConfig()
		require.NoError(t, err)
		mutate(cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestValidateMail(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Error(t, cfg.ValidateMail(), "no account configured")

	t.Setenv("IMAP_HOST", "imap.example.com")
	t.Setenv("IMAP_USERNAME", "user@example.com")
	cfg, err = LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.HasMailAccount())
	assert.NoError(t, cfg.ValidateMail())
	assert.Equal(t, 993, cfg.Mail.IMAPPort)
}

package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STORE", "memory")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, StoreMemory, cfg.Store)
	assert.Equal(t, 15*time.Minute, cfg.ClosureLockTTL)
	assert.Equal(t, 72*time.Hour, cfg.IdempotencyRetention)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STORE=memory\nAPP_ENV=production\nRATE_LIMIT_PER_MINUTE=5\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("STORE")
		os.Unsetenv("APP_ENV")
		os.Unsetenv("RATE_LIMIT_PER_MINUTE")
	})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 5, cfg.RateLimitPerMinute)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	base := Config{Store: StorePostgres, PGDSN: "postgres://x", RateLimitPerMinute: 1, WorkerConcurrency: 1, IdempotencyRetention: time.Hour}
	require.NoError(t, base.Validate())

	cases := map[string]func(*Config){
		"unknown store":   func(c *Config) { c.Store = "sqlite" },
		"missing dsn":     func(c *Config) { c.PGDSN = "" },
		"zero rate limit": func(c *Config) { c.RateLimitPerMinute = 0 },
		"zero workers":    func(c *Config) { c.WorkerConcurrency = 0 },
		"short retention": func(c *Config) { c.IdempotencyRetention = time.Minute },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestAsynqRedisOpt(t *testing.T) {
	opt, err := AsynqRedisOpt("redis://:pw@queue:6379/3")
	require.NoError(t, err)
	assert.Equal(t, "queue:6379", opt.Addr)
	assert.Equal(t, "pw", opt.Password)
	assert.Equal(t, 3, opt.DB)
}

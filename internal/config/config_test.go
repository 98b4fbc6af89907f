package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8180, cfg.Server.Port)
	assert.Equal(t, "file", cfg.Storage.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.SaveDelay())
	assert.Equal(t, 10*time.Second, cfg.LockTimeout())
	assert.Equal(t, 30*time.Second, cfg.ReloadInterval())
	assert.Equal(t, 8*time.Hour, cfg.RefreshInterval())
	assert.Equal(t, 10*time.Second, cfg.UpstreamTimeout())
	assert.Equal(t, 25, cfg.Upstream.UsageMaxConcurrent)
	assert.True(t, cfg.SchedulerEnabled())
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: 9999
storage:
  backend: redis
  redis:
    addr: localhost:6379
token:
  save_delay_ms: 50
scheduler:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Storage.Backend)
	assert.Equal(t, 50*time.Millisecond, cfg.SaveDelay())
	assert.False(t, cfg.SchedulerEnabled())
	// untouched values keep defaults
	assert.Equal(t, 30*time.Second, cfg.ReloadInterval())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8180, cfg.Server.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GROK2API_PORT", "7070")
	t.Setenv("GROK2API_STORAGE_BACKEND", "postgres")
	t.Setenv("GROK2API_POSTGRES_DSN", "postgres://localhost/grok")
	t.Setenv("GROK2API_SAVE_DELAY_MS", "100")
	t.Setenv("GROK2API_SCHEDULER_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, 100*time.Millisecond, cfg.SaveDelay())
	assert.False(t, cfg.SchedulerEnabled())
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("GROK2API_PORT", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8180, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(c *Config) {}, false},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, true},
		{"redis without addr", func(c *Config) { c.Storage.Backend = "redis" }, true},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = "postgres" }, true},
		{"mongodb without uri", func(c *Config) { c.Storage.Backend = "mongodb" }, true},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "etcd" }, true},
		{"negative save delay", func(c *Config) { c.Token.SaveDelayMs = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckAdminKey(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := Default()
	cfg.Security.AdminKey = "plain-key"
	cfg.Security.AdminKeyHash = string(hash)

	assert.True(t, CheckAdminKey(cfg, "plain-key"))
	assert.True(t, CheckAdminKey(cfg, "s3cret"))
	assert.False(t, CheckAdminKey(cfg, "wrong"))
	assert.False(t, CheckAdminKey(cfg, ""))
	assert.False(t, CheckAdminKey(nil, "plain-key"))

	// no credentials configured: surface stays closed
	empty := Default()
	assert.False(t, CheckAdminKey(empty, "anything"))
}

package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.Service.Port)
	assert.Equal(t, 30, cfg.Service.RequestTimeoutSeconds)
	assert.Equal(t, 5, cfg.Service.BackendTimeoutSeconds)
	assert.Equal(t, 1024, cfg.Embedding.CacheSize)
	assert.Equal(t, 30.0, cfg.Forgetting.TTLDays)
	assert.Equal(t, 0.5, cfg.Forgetting.Alpha)
	assert.Equal(t, 0.3, cfg.Forgetting.Beta)
	assert.Equal(t, 0.2, cfg.Forgetting.Gamma)
	assert.Equal(t, 0.0, cfg.Forgetting.Threshold)
	assert.Equal(t, 0.0, cfg.RateLimit.RPS)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LTM_TTL_DAYS", "7")
	t.Setenv("LTM_FORGET_ALPHA", "0.9")
	t.Setenv("LTM_FORGET_THRESHOLD", "-1.5")
	t.Setenv("EMBED_CACHE_SIZE", "64")
	t.Setenv("LTM_REQUEST_TIMEOUT_SECONDS", "10")
	t.Setenv("NEO4J_URI", "http://graph:7474")
	t.Setenv("QDRANT_URL", "http://vectors:6333")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7.0, cfg.Forgetting.TTLDays)
	assert.Equal(t, 0.9, cfg.Forgetting.Alpha)
	assert.Equal(t, -1.5, cfg.Forgetting.Threshold)
	assert.Equal(t, 64, cfg.Embedding.CacheSize)
	assert.Equal(t, 10, cfg.Service.RequestTimeoutSeconds)
	assert.Equal(t, "http://graph:7474", cfg.Graph.URI)
	assert.Equal(t, "http://vectors:6333", cfg.Vector.URL)
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ltm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  port: 9090
forgetting:
  ttl_days: 14
  alpha: 0.6
`), 0o644))
	t.Setenv("LTM_CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Service.Port)
	assert.Equal(t, 14.0, cfg.Forgetting.TTLDays)
	assert.Equal(t, 0.6, cfg.Forgetting.Alpha)
	// Untouched sections keep defaults.
	assert.Equal(t, 0.3, cfg.Forgetting.Beta)
}

func TestLoadEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ltm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("forgetting:\n  ttl_days: 14\n"), 0o644))
	t.Setenv("LTM_CONFIG_PATH", path)
	t.Setenv("LTM_TTL_DAYS", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3.0, cfg.Forgetting.TTLDays)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"zero cache", func(c *Config) { c.Embedding.CacheSize = 0 }},
		{"negative ttl", func(c *Config) { c.Forgetting.TTLDays = -1 }},
		{"negative alpha", func(c *Config) { c.Forgetting.Alpha = -0.1 }},
		{"zero timeout", func(c *Config) { c.Service.RequestTimeoutSeconds = 0 }},
		{"bad port", func(c *Config) { c.Service.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestManagerReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ltm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("forgetting:\n  ttl_days: 30\n  alpha: 0.5\n  beta: 0.3\n  gamma: 0.2\n  interval_hours: 24\n"), 0o644))

	defaults := Defaults()
	initial := defaults.Tunables()
	m, err := NewManager(path, initial, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Stop()

	var mu sync.Mutex
	var seen []Tunables
	m.OnReload(func(tn Tunables) {
		mu.Lock()
		seen = append(seen, tn)
		mu.Unlock()
	})

	require.NoError(t, os.WriteFile(path, []byte("forgetting:\n  ttl_days: 7\n  alpha: 0.8\n  beta: 0.3\n  gamma: 0.2\n  interval_hours: 24\n"), 0o644))

	require.Eventually(t, func() bool {
		return m.Tunables().Forgetting.TTLDays == 7
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 0.8, m.Tunables().Forgetting.Alpha)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, 7.0, seen[len(seen)-1].Forgetting.TTLDays)
}

func TestManagerRejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ltm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("forgetting:\n  ttl_days: 30\n  alpha: 0.5\n  beta: 0.3\n  gamma: 0.2\n  interval_hours: 24\n"), 0o644))

	defaults := Defaults()
	m, err := NewManager(path, defaults.Tunables(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	defer m.Stop()

	// Negative TTL must be ignored; the running snapshot stays intact.
	require.NoError(t, os.WriteFile(path, []byte("forgetting:\n  ttl_days: -5\n  alpha: 0.5\n  beta: 0.3\n  gamma: 0.2\n  interval_hours: 24\n"), 0o644))

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 30.0, m.Tunables().Forgetting.TTLDays)
}

func TestManagerWithoutFile(t *testing.T) {
	defaults := Defaults()
	m, err := NewManager("", defaults.Tunables(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, m.Start())
	m.Stop()
	assert.Equal(t, 30.0, m.Tunables().Forgetting.TTLDays)
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/systemshift/contentrepo/internal/auth"
	"github.com/systemshift/contentrepo/internal/content/store"
	"github.com/systemshift/contentrepo/internal/content/store/sqlite"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Backend.Type)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "default", cfg.Repository.DefaultWorkspace)
	assert.True(t, cfg.Auth.Anonymous)
}

func TestLoadFile(t *testing.T) {
	enc, err := auth.HashPassword("pw")
	require.NoError(t, err)
	path := writeConfig(t, `
backend:
  type: sqlite
  path: /tmp/content.db
server:
  addr: ":9000"
  readTimeout: 5s
log:
  level: debug
  development: true
auth:
  anonymous: false
  users:
    alice: "`+enc+`"
repository:
  defaultWorkspace: main
  workspaces: [staging]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Backend.Type)
	assert.Equal(t, "/tmp/content.db", cfg.Backend.Path)
	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.IdleTimeout, "unset fields keep their defaults")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.False(t, cfg.Auth.Anonymous)
	assert.Equal(t, "main", cfg.Repository.DefaultWorkspace)
	assert.Equal(t, []string{"staging"}, cfg.Repository.Workspaces)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CR_BACKEND", "badger")
	t.Setenv("CR_DATA_PATH", "/var/lib/contentrepo")
	t.Setenv("PORT", "7070")
	t.Setenv("CR_LOG_LEVEL", "warn")
	t.Setenv("NEO4J_PASSWORD", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, BackendBadger, cfg.Backend.Type)
	assert.Equal(t, "/var/lib/contentrepo", cfg.Backend.Path)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "secret", cfg.Backend.Neo4j.Password)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend.Type = "cassandra" }},
		{"sqlite without path", func(c *Config) { c.Backend.Type = BackendSQLite }},
		{"badger without path", func(c *Config) { c.Backend.Type = BackendBadger }},
		{"neo4j without uri", func(c *Config) { c.Backend.Type = BackendNeo4j; c.Backend.Neo4j.URI = "" }},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"no default workspace", func(c *Config) { c.Repository.DefaultWorkspace = "" }},
		{"empty server addr", func(c *Config) { c.Server.Addr = "" }},
		{"plain password", func(c *Config) { c.Auth.Users = map[string]string{"alice": "pw"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLoadRejectsBadYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "backend: [oops"))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Repository.Workspaces = []string{"a", "b"}
	require.NoError(t, Save(path, cfg))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop().Sugar()

	cfg := Default()
	b, err := cfg.OpenBackend(ctx, log)
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryBackend{}, b)
	require.NoError(t, b.Close())

	cfg.Backend.Type = BackendSQLite
	cfg.Backend.Path = filepath.Join(t.TempDir(), "data", "content.db")
	b, err = cfg.OpenBackend(ctx, log)
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Backend{}, b)
	require.NoError(t, b.Close())

	cfg.Backend.Type = "unknown"
	_, err = cfg.OpenBackend(ctx, log)
	assert.Error(t, err)
}

func TestRepositoryOptions(t *testing.T) {
	cfg := Default()
	cfg.Repository.Workspaces = []string{"staging"}
	opts, err := cfg.RepositoryOptions(context.Background(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer opts.Backend.Close()
	assert.Equal(t, "default", opts.DefaultWorkspace)
	assert.Equal(t, []string{"staging"}, opts.Workspaces)
	require.NotNil(t, opts.Authenticator)
}

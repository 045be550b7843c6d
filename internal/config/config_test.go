package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, 200, cfg.Discovery.PageLimit)
	assert.Equal(t, 30*time.Second, cfg.Discovery.CacheTTL)
	assert.Equal(t, 20, cfg.Search.HistoryLimit)
	assert.Equal(t, ":8081", cfg.Server.Addr)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
app:
  name: plateify-test
  log_level: debug
store:
  driver: postgres
database:
  host: db
  port: 5433
  name: plateify
  user: app
  password: secret
  conn_max_lifetime: 30m
nats:
  reconnect_wait: 5s
discovery:
  page_limit: 50
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "plateify-test", cfg.App.Name)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 30*time.Minute, cfg.Database.ConnMaxLifetime)
	assert.Equal(t, 5*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, 50, cfg.Discovery.PageLimit)
	assert.Equal(t, "postgres://app:secret@db:5433/plateify?sslmode=disable", cfg.Database.DSN())
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: memory\n")
	t.Setenv("PLATEIFY_STORE_DRIVER", "mongo")
	t.Setenv("PLATEIFY_REDIS_PORT", "6380")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "mongo", cfg.Store.Driver)
	assert.Equal(t, "localhost:6380", cfg.Redis.Addr())
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	path := writeConfig(t, "store:\n  driver: sqlite\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

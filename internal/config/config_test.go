package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromPathMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, uint64(131072), cfg.Optimizer.SideChannelThreshold)
	assert.Equal(t, 100, cfg.Lifecycle.MaxBatchSize)
}

func TestLoadFromPathYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relayd.yaml")
	body := `
server:
  address: ":9090"
optimizer:
  side_channel_threshold: 65536
retention:
  confirmed_after: 72h
auth:
  admins: ["ops-admin"]
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("RELAY_HTTP_ADDR", ":7070")
	t.Setenv("RELAY_RELAYER_IDS", "relayer-a;relayer-b")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Address, "environment overrides file")
	assert.Equal(t, uint64(65536), cfg.Optimizer.SideChannelThreshold)
	assert.Equal(t, 72*time.Hour, cfg.Retention.ConfirmedAfter)
	assert.Equal(t, []string{"ops-admin"}, cfg.Auth.Admins)
	assert.Equal(t, []string{"relayer-a", "relayer-b"}, cfg.Auth.Relayers)
	assert.Equal(t, 20, cfg.Database.MaxOpenConns, "unset values keep defaults")
}

func TestValidateRejectsPostgresWithoutDSN(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "postgres"
	assert.Error(t, cfg.Validate())

	cfg.Database.DSN = "postgres://localhost/relay"
	assert.NoError(t, cfg.Validate())

	cfg.Database.Driver = "sqlite"
	assert.Error(t, cfg.Validate())
}

func TestLoadFromPathRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o600))
	_, err := LoadFromPath(path)
	assert.Error(t, err)
}

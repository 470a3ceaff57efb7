package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultListenAddr, c.ListenAddr)
	assert.Equal(t, time.Hour, c.AccessTokenTTL())
	assert.Equal(t, 30*24*time.Hour, c.RefreshTokenTTL())
	assert.Equal(t, 60*time.Second, c.ApprovalTimeout())
	assert.Equal(t, 5*time.Second, c.ClaimInterval())
	assert.Equal(t, 50, c.Retry.BatchSize)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	raw := `
listen_addr: "127.0.0.1:7001"
access_token_ttl_seconds: 120
refresh_token_ttl_days: 7
retry:
  claim_interval_seconds: 1
  batch_size: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(raw), 0o600))

	c, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:7001", c.ListenAddr)
	assert.Equal(t, 2*time.Minute, c.AccessTokenTTL())
	assert.Equal(t, 7*24*time.Hour, c.RefreshTokenTTL())
	assert.Equal(t, time.Second, c.ClaimInterval())
	assert.Equal(t, 5, c.Retry.BatchSize)
	// unset fields still default
	assert.Equal(t, 60*time.Second, c.ApprovalTimeout())
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(`listen_addr: "127.0.0.1:7001"`), 0o600))
	t.Setenv(envListenAddr, "127.0.0.1:7002")

	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7002", c.ListenAddr)
}

func TestDataDirEnv(t *testing.T) {
	t.Setenv(envHome, "/tmp/nexus-test-home")
	dir, err := DataDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/nexus-test-home", dir)
}

func TestDataPath(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "permissions.json"), c.DataPath("permissions.json"))
}

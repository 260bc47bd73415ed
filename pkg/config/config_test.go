package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "burrow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/burrow-test
lock_timeout: 2s
log:
  level: debug
  json: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/burrow-test", cfg.DataDir)
	assert.Equal(t, 2*time.Second, cfg.LockTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	// Untouched fields keep their defaults.
	assert.Equal(t, "bolt", cfg.SelfPlugin)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroTimeouts(t *testing.T) {
	cfg := Default()
	cfg.LockTimeout = 0
	assert.Error(t, cfg.Validate())
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/castore/castore/pkg/bytesize"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":5000", cfg.Listen)
	assert.Equal(t, "/var/lib/castore", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Minute, cfg.LockLeaseDuration())
	assert.Equal(t, 5*time.Minute, cfg.SweepIntervalDuration())
	assert.Equal(t, filepath.Join("/var/lib/castore", "blocks"), cfg.BlocksDir())
	assert.Equal(t, filepath.Join("/var/lib/castore", "meta.db"), cfg.MetaPath())

	key, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen: ":8080"
metrics_listen: ":9090"
data_dir: /tmp/castore-test
log_level: debug
lock_lease: 30s
sweep_interval: 1m
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, ":9090", cfg.MetricsListen)
	assert.Equal(t, "/tmp/castore-test", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.LockLeaseDuration())
	assert.Equal(t, time.Minute, cfg.SweepIntervalDuration())
}

func TestMaxPartSize(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 100*bytesize.MB, cfg.MaxPartSize.Bytes())

	cfg, err := Load(writeConfig(t, "max_part_size: 16MB\n"))
	require.NoError(t, err)
	assert.Equal(t, 16*bytesize.MB, cfg.MaxPartSize.Bytes())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestDBPathOverride(t *testing.T) {
	cfg := Default()
	cfg.DBPath = "/elsewhere/meta.db"
	assert.Equal(t, "/elsewhere/meta.db", cfg.MetaPath())
}

func TestMasterKey(t *testing.T) {
	cfg := Default()
	cfg.EncryptionKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

	key, err := cfg.MasterKey()
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, byte(0x1f), key[31])
}

func TestMasterKeyInvalid(t *testing.T) {
	cfg := Default()

	cfg.EncryptionKey = "not-hex"
	_, err := cfg.MasterKey()
	assert.Error(t, err)

	cfg.EncryptionKey = "abcd" // too short
	_, err = cfg.MasterKey()
	assert.Error(t, err)
}

func TestValidateRejectsBadDurations(t *testing.T) {
	path := writeConfig(t, "lock_lease: forever\n")
	_, err := Load(path)
	assert.Error(t, err)

	path = writeConfig(t, "sweep_interval: sometimes\n")
	_, err = Load(path)
	assert.Error(t, err)
}

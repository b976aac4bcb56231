package pisaconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitize_FillsInvalidBlockCacheMaxDepth(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockCache.MaxDepth = 0
	cfg = cfg.sanitize()
	assert.Equal(t, DefaultConfig().BlockCache.MaxDepth, cfg.BlockCache.MaxDepth)
}

func TestSanitize_FillsInvalidGasBumpFactor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GasBump.Factor = 0.5
	cfg = cfg.sanitize()
	assert.Equal(t, DefaultConfig().GasBump.Factor, cfg.GasBump.Factor)
}

func TestSanitize_FillsInvalidHealthPollInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HealthPollInterval = time.Millisecond
	cfg = cfg.sanitize()
	assert.Equal(t, DefaultConfig().HealthPollInterval, cfg.HealthPollInterval)
}

func TestLoad_RoundTripsThroughDump(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pisa.toml")

	cfg := DefaultConfig()
	cfg.RPCEndpoint = "ws://localhost:8546"
	cfg.DataDir = "/var/lib/pisa"

	out, err := Dump(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, out, 0644))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.RPCEndpoint, loaded.RPCEndpoint)
	assert.Equal(t, cfg.DataDir, loaded.DataDir)
	assert.Equal(t, cfg.BlockCache.MaxDepth, loaded.BlockCache.MaxDepth)
}

func TestLoad_UnknownFieldIsAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pisa.toml")
	require.NoError(t, os.WriteFile(path, []byte("NotARealField = true\n"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ntuple.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	// Keys absent from the file keep their defaults.
	cfg, err = Load(writeConfig(t, "log:\n  level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, Default().Store, cfg.Store)
	assert.Equal(t, 5*time.Second, cfg.Flight.Timeout)
}

func TestLoad(t *testing.T) {
	t.Setenv("NTUPLE_CODEC", "zstd")
	t.Setenv("NTUPLE_EMPTY", "")
	path := writeConfig(t, `
store:
  batch_size: 256
  cache_batches: 2
  compression: ${NTUPLE_CODEC}
log:
  level: ${NTUPLE_EMPTY:-warn}
  development: true
flight:
  addr: ${NTUPLE_UNSET_ADDR:-0.0.0.0:9000}
  timeout: 250ms
readspeed:
  threads: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Store.BatchSize)
	assert.Equal(t, "zstd", cfg.Store.Compression)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Log.Development)
	assert.Equal(t, "0.0.0.0:9000", cfg.Flight.Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Flight.Timeout)
	assert.Equal(t, 4, cfg.ReadSpeed.Threads)

	sc, err := cfg.StoreConfig()
	require.NoError(t, err)
	assert.Equal(t, 256, sc.BatchSize)
	assert.Equal(t, 2, sc.CacheBatches)
	assert.Equal(t, compress.Codecs.Zstd, sc.Compression)

	logger, err := cfg.Logger()
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(-1), "debug is below warn")
	assert.True(t, logger.Core().Enabled(1))
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "store: [1, 2"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "store:\n  compression: brotli\n"))
	assert.ErrorContains(t, err, "brotli")

	_, err = Load(writeConfig(t, "log:\n  level: loud\n"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "readspeed:\n  threads: -1\n"))
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.ReadSpeed.Threads = 8
	require.NoError(t, Save(path, cfg))
	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("A", "x")
	assert.Equal(t, "x-x-", substituteEnvVars("${A}-${A}-${NTUPLE_NOPE}"))
	assert.Equal(t, "d", substituteEnvVars("${NTUPLE_NOPE:-d}"))
	assert.Equal(t, "${open", substituteEnvVars("${open"))
}

package main

import (
	"bytes"
	"testing"

	"github.com/devrev/pairdb/tsbucket/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestBenchThenReplay(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TSBUCKET_STORAGE_DATA_DIR", dir)
	t.Setenv("TSBUCKET_LOGGING_LEVEL", "error")

	out := execute(t, "bench", "--workers", "2", "--requests", "5", "--docs", "3", "--series", "4", "--data-dir", dir)
	assert.Contains(t, out, "inserted 30 measurements")
	assert.Contains(t, out, "numMeasurementsCommitted")

	out = execute(t, "replay")
	assert.Contains(t, out, "corrupted 0")
	assert.Contains(t, out, "bench.measurements: buckets 4,")
	assert.Contains(t, out, "measurements 30")
}

func TestInitLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := initLogger(configLogging("verbose"))
	assert.Error(t, err)

	logger, err := initLogger(configLogging("debug"))
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func configLogging(level string) config.LoggingConfig {
	return config.LoggingConfig{Level: level, Format: "console"}
}

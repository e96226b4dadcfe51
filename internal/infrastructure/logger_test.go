package infrastructure

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fundholdings/internal/config"
)

func TestInitializeLogger_FileOutput(t *testing.T) {
	ResetLoggerForTesting()
	t.Cleanup(ResetLoggerForTesting)

	dir := t.TempDir()
	cfg := config.LoggingConfig{
		Level:    "debug",
		Format:   "json",
		Output:   "file",
		FilePath: filepath.Join(dir, "logs", "pipeline.log"),
	}

	logger, err := InitializeLogger(cfg)
	require.NoError(t, err)
	require.NotNil(t, logger)

	logger.Info("pipeline_started", "cik", "1100663")
	require.NoError(t, CloseLogFile())

	assert.FileExists(t, cfg.FilePath)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLogLevel(tt.in).String(), "level %q", tt.in)
	}
}

func TestRunIDContext(t *testing.T) {
	ctx := WithRunID(context.Background(), "run-123")
	assert.Equal(t, "run-123", GetRunID(ctx))
	assert.Equal(t, "", GetRunID(context.Background()))
}

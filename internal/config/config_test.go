package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 100*time.Millisecond, cfg.SEC.MinInterval)
	assert.Equal(t, 280*time.Millisecond, cfg.OpenFIGI.MinInterval)
	assert.Equal(t, 60*24*time.Hour, cfg.OpenFIGI.NegativeCacheTTL)
	assert.True(t, cfg.Pipeline.Discover)
	assert.True(t, cfg.Pipeline.Enrich)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFrom_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	content := `
logging:
  level: debug
  format: text
pipeline:
  discover: true
  max_filings_per_series: 1
sec:
  user_agent: "Example Corp admin@example.com"
`
	require.NoError(t, os.WriteFile(configFile, []byte(content), 0644))

	cfg, err := LoadFrom(configFile)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 1, cfg.Pipeline.MaxFilingsPerSeries)
	assert.Equal(t, "Example Corp admin@example.com", cfg.SEC.UserAgent)
	// Defaults still fill unspecified sections.
	assert.Equal(t, "https://www.sec.gov", cfg.SEC.BaseURL)
}

func TestLoadFrom_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("logging:\n  level: debug\n"), 0644))

	t.Setenv("FH_LOGGING_LEVEL", "warn")

	cfg, err := LoadFrom(configFile)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate_RejectsAllStagesDisabled(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Discover = false
	cfg.Pipeline.Download = false
	cfg.Pipeline.Extract = false
	cfg.Pipeline.Enrich = false

	err := cfg.Validate()
	assert.ErrorContains(t, err, "at least one pipeline stage")
}

func TestValidate_RejectsBadLogFormat(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	assert.ErrorContains(t, err, "invalid logging format")
}

func TestPaths_Layout(t *testing.T) {
	dir := t.TempDir()
	paths := NewPaths(filepath.Join(dir, "data"))

	require.NoError(t, paths.EnsureDirectories())

	for _, d := range []string{paths.DocumentsDir, paths.RawDir, paths.EnrichedDir, paths.StructuredDir} {
		info, err := os.Stat(d)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	doc := paths.DocumentPath("1100663", "S000004310", "0001752724-25-119791")
	assert.Equal(t, filepath.Join(paths.DocumentsDir, "nport_1100663_S000004310_0001752724_25_119791.xml"), doc)

	raw := paths.RawHoldingsPath("S000004310", "0001752724-25-119791")
	assert.Contains(t, raw, "holdings_raw_S000004310_0001752724_25_119791.csv")
}

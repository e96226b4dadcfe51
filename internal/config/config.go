package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Paths    PathsConfig    `yaml:"paths" envconfig:"PATHS"`
	Database DatabaseConfig `yaml:"database" envconfig:"DATABASE"`
	SEC      SECConfig      `yaml:"sec" envconfig:"SEC"`
	OpenFIGI OpenFIGIConfig `yaml:"openfigi" envconfig:"OPENFIGI"`
	Pipeline PipelineConfig `yaml:"pipeline" envconfig:"PIPELINE"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format   string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output   string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/pipeline.log"`
}

// PathsConfig points at the root of the on-disk data layout.
type PathsConfig struct {
	DataDir string `yaml:"data_dir" envconfig:"DATA_DIR" default:"data"`
}

// DatabaseConfig contains the persistence layer configuration
type DatabaseConfig struct {
	Path string `yaml:"path" envconfig:"PATH" default:"data/fundholdings.db"`
}

// SECConfig contains EDGAR client configuration.
// SEC compliance requires a descriptive User-Agent and no more than
// 10 requests per second.
type SECConfig struct {
	BaseURL     string        `yaml:"base_url" envconfig:"BASE_URL" default:"https://www.sec.gov" validate:"url"`
	DataBaseURL string        `yaml:"data_base_url" envconfig:"DATA_BASE_URL" default:"https://data.sec.gov" validate:"url"`
	UserAgent   string        `yaml:"user_agent" envconfig:"USER_AGENT" default:"GetFundHoldings.com admin@getfundholdings.com" validate:"required"`
	MinInterval time.Duration `yaml:"min_interval" envconfig:"MIN_INTERVAL" default:"100ms"`
	MaxRetries  int           `yaml:"max_retries" envconfig:"MAX_RETRIES" default:"3" validate:"min=0,max=10"`
	Timeout     time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"30s"`
}

// OpenFIGIConfig contains identifier resolution client configuration.
// The public tier allows 25 mapping requests per 7-second window.
type OpenFIGIConfig struct {
	BaseURL          string        `yaml:"base_url" envconfig:"BASE_URL" default:"https://api.openfigi.com" validate:"url"`
	APIKey           string        `yaml:"api_key" envconfig:"API_KEY"`
	MinInterval      time.Duration `yaml:"min_interval" envconfig:"MIN_INTERVAL" default:"280ms"`
	MaxRetries       int           `yaml:"max_retries" envconfig:"MAX_RETRIES" default:"3" validate:"min=0,max=10"`
	Timeout          time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"30s"`
	NegativeCacheTTL time.Duration `yaml:"negative_cache_ttl" envconfig:"NEGATIVE_CACHE_TTL" default:"1440h"`
}

// PipelineConfig enumerates each stage as an independent toggle plus the
// work-narrowing filters. Validated once at startup.
type PipelineConfig struct {
	Discover bool `yaml:"discover" envconfig:"DISCOVER" default:"true"`
	Download bool `yaml:"download" envconfig:"DOWNLOAD" default:"true"`
	Extract  bool `yaml:"extract" envconfig:"EXTRACT" default:"true"`
	Enrich   bool `yaml:"enrich" envconfig:"ENRICH" default:"true"`

	// CIKs identifies the fund issuers to process.
	CIKs []string `yaml:"ciks" envconfig:"CIKS"`

	// TickerFilter narrows the run to series whose class ticker matches.
	TickerFilter string `yaml:"ticker_filter" envconfig:"TICKER_FILTER"`

	// MaxFilingsPerSeries caps filings per series, most recent first.
	// Zero means no limit.
	MaxFilingsPerSeries int `yaml:"max_filings_per_series" envconfig:"MAX_FILINGS_PER_SERIES" default:"0" validate:"min=0"`

	// Concurrency bounds the number of series processed in parallel.
	Concurrency int `yaml:"concurrency" envconfig:"CONCURRENCY" default:"1" validate:"min=1,max=16"`

	// RetryFailedAfter is the staleness threshold before a failed filing
	// is retried by a later run.
	RetryFailedAfter time.Duration `yaml:"retry_failed_after" envconfig:"RETRY_FAILED_AFTER" default:"1h"`
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom loads configuration from the given YAML file (may be empty)
// with environment variables taking precedence.
func LoadFrom(configFile string) (*Config, error) {
	var cfg Config

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Environment variables override file values.
	if err := envconfig.Process("FH", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills fields that envconfig leaves zero when the file
// provided a partial section.
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "console"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/pipeline.log"
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = "data"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/fundholdings.db"
	}
	if c.SEC.BaseURL == "" {
		c.SEC.BaseURL = "https://www.sec.gov"
	}
	if c.SEC.DataBaseURL == "" {
		c.SEC.DataBaseURL = "https://data.sec.gov"
	}
	if c.SEC.UserAgent == "" {
		c.SEC.UserAgent = "GetFundHoldings.com admin@getfundholdings.com"
	}
	if c.SEC.MinInterval == 0 {
		c.SEC.MinInterval = 100 * time.Millisecond
	}
	if c.SEC.Timeout == 0 {
		c.SEC.Timeout = 30 * time.Second
	}
	if c.OpenFIGI.BaseURL == "" {
		c.OpenFIGI.BaseURL = "https://api.openfigi.com"
	}
	if c.OpenFIGI.MinInterval == 0 {
		c.OpenFIGI.MinInterval = 280 * time.Millisecond
	}
	if c.OpenFIGI.Timeout == 0 {
		c.OpenFIGI.Timeout = 30 * time.Second
	}
	if c.OpenFIGI.NegativeCacheTTL == 0 {
		c.OpenFIGI.NegativeCacheTTL = 60 * 24 * time.Hour
	}
	if c.Pipeline.Concurrency == 0 {
		c.Pipeline.Concurrency = 1
	}
	if c.Pipeline.RetryFailedAfter == 0 {
		c.Pipeline.RetryFailedAfter = time.Hour
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.SEC.MinInterval <= 0 {
		return fmt.Errorf("sec min interval must be positive")
	}
	if c.OpenFIGI.MinInterval <= 0 {
		return fmt.Errorf("openfigi min interval must be positive")
	}
	if !c.Pipeline.Discover && !c.Pipeline.Download && !c.Pipeline.Extract && !c.Pipeline.Enrich {
		return fmt.Errorf("at least one pipeline stage must be enabled")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid logging format: %s", c.Logging.Format)
	}

	return nil
}

// DataPaths builds the on-disk layout rooted at the configured data dir.
func (c *Config) DataPaths() *Paths {
	return NewPaths(c.Paths.DataDir)
}

// findConfigFile returns the path to the config file
func findConfigFile() string {
	locations := []string{
		"config.yaml",
		"configs/config.yaml",
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	cfg := &Config{
		Pipeline: PipelineConfig{
			Discover: true,
			Download: true,
			Extract:  true,
			Enrich:   true,
		},
		SEC: SECConfig{
			MaxRetries: 3,
		},
		OpenFIGI: OpenFIGIConfig{
			MaxRetries: 3,
		},
	}
	cfg.applyDefaults()
	return cfg
}

package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/netlab/vimport/pkg/monitor"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Import server
	APIURL         string        `mapstructure:"api-url"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`

	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Upload
	ChunkSize         int64    `mapstructure:"chunk-size"`
	MinChunkSize      int64    `mapstructure:"min-chunk-size"`
	MaxChunkSize      int64    `mapstructure:"max-chunk-size"`
	MaxArtifactSize   int64    `mapstructure:"max-artifact-size"`
	AllowedExtensions []string `mapstructure:"allowed-extensions"`
	UploadRateLimit   int64    `mapstructure:"upload-rate-limit"`

	// Import polling
	PollInterval      time.Duration `mapstructure:"poll-interval"`
	PollRetryInterval time.Duration `mapstructure:"poll-retry-interval"`
	PollMaxInterval   time.Duration `mapstructure:"poll-max-interval"`
	PollTimeout       time.Duration `mapstructure:"poll-timeout"`

	// S3 sources
	S3Region    string `mapstructure:"s3-region"`
	S3Endpoint  string `mapstructure:"s3-endpoint"`
	S3Anonymous bool   `mapstructure:"s3-anonymous"`

	// FSM configuration
	FSMMaxRetries int `mapstructure:"fsm-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("api-url", "http://localhost:8000/api")
	viper.SetDefault("request-timeout", 5*time.Minute)
	viper.SetDefault("sqlite-path", ".artifacts/vimport.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm.db")
	viper.SetDefault("chunk-size", 10*1024*1024)
	viper.SetDefault("min-chunk-size", 1024*1024)
	viper.SetDefault("max-chunk-size", 100*1024*1024)
	viper.SetDefault("max-artifact-size", 50*1024*1024*1024)
	viper.SetDefault("allowed-extensions", []string{".iso"})
	viper.SetDefault("upload-rate-limit", 0)
	viper.SetDefault("poll-interval", time.Second)
	viper.SetDefault("poll-retry-interval", 2*time.Second)
	viper.SetDefault("poll-max-interval", 30*time.Second)
	viper.SetDefault("poll-timeout", 30*time.Minute)
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("s3-endpoint", "")
	viper.SetDefault("s3-anonymous", false)
	viper.SetDefault("fsm-max-retries", 5)

	// Environment variables (will be VIMPORT_API_URL, etc.)
	viper.SetEnvPrefix("VIMPORT")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.vimport")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api-url cannot be empty")
	}
	if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api-url must be an absolute URL: %q", c.APIURL)
	}
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if c.MinChunkSize <= 0 || c.MaxChunkSize < c.MinChunkSize {
		return fmt.Errorf("chunk size bounds must satisfy 0 < min-chunk-size <= max-chunk-size")
	}
	if c.ChunkSize < c.MinChunkSize || c.ChunkSize > c.MaxChunkSize {
		return fmt.Errorf("chunk-size must be between %d and %d", c.MinChunkSize, c.MaxChunkSize)
	}
	if c.MaxArtifactSize <= 0 {
		return fmt.Errorf("max-artifact-size must be positive")
	}
	if c.UploadRateLimit < 0 {
		return fmt.Errorf("upload-rate-limit must be non-negative")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll-interval must be positive")
	}
	if c.PollMaxInterval < c.PollRetryInterval {
		return fmt.Errorf("poll-max-interval must not be less than poll-retry-interval")
	}
	if c.PollTimeout < 0 {
		return fmt.Errorf("poll-timeout must be non-negative")
	}
	if c.FSMMaxRetries < 0 {
		return fmt.Errorf("fsm-max-retries must be non-negative")
	}
	return nil
}

// Monitor returns the polling settings of the import monitor.
func (c *Config) Monitor() monitor.Config {
	return monitor.Config{
		PollInterval:       c.PollInterval,
		RetryInterval:      c.PollRetryInterval,
		MaxRetryInterval:   c.PollMaxInterval,
		ObservationTimeout: c.PollTimeout,
	}
}

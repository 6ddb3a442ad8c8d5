// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/citywatch/formrunner/internal/batch"
)

// Config holds the entire application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Runner  RunnerConfig  `mapstructure:"runner" yaml:"runner"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`

	// Settings is the submission snapshot sourced from the config file.
	// When present it is synced into the durable settings record at batch
	// start.
	Settings batch.Settings `mapstructure:"settings" yaml:"settings"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`

	// File output (rotated by lumberjack). Empty disables file logging.
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig controls the Chrome instance driven over CDP.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// RunnerConfig holds the batch pacing and page-flow parameters.
type RunnerConfig struct {
	// TargetURL is the entry page opened for every queue item.
	TargetURL string `mapstructure:"target_url" yaml:"target_url"`
	// SiteHost gates surface-load events and scopes session clearing.
	SiteHost string `mapstructure:"site_host" yaml:"site_host"`

	// Randomized pause before opening a fresh surface, [MinDelay, MaxDelay).
	MinOpenDelay time.Duration `mapstructure:"min_open_delay" yaml:"min_open_delay"`
	MaxOpenDelay time.Duration `mapstructure:"max_open_delay" yaml:"max_open_delay"`
	// SettleDelay runs between a surface load event and the fill dispatch.
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`

	// Picker selects how secondary-attachment candidates are chosen:
	// "prompt" (interactive), "first", or "skip".
	Picker string `mapstructure:"picker" yaml:"picker"`
}

// StoreConfig locates the durable state database.
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// Load reads configuration from the given file (or ./config.yaml), applies
// environment overrides, and unmarshals into a Config with defaults filled.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("FORMRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file is fine; defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "formrunner")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.navigation_timeout", 60*time.Second)

	v.SetDefault("runner.target_url", "https://portal.311.nyc.gov/article/?kanumber=KA-01957")
	v.SetDefault("runner.site_host", "portal.311.nyc.gov")
	v.SetDefault("runner.min_open_delay", 2*time.Second)
	v.SetDefault("runner.max_open_delay", 5*time.Second)
	v.SetDefault("runner.settle_delay", 1*time.Second)
	v.SetDefault("runner.picker", "prompt")

	v.SetDefault("store.data_dir", "")
}

// normalize resolves derived values and validates cross-field constraints.
func (c *Config) normalize() error {
	if c.Store.DataDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return fmt.Errorf("could not resolve home directory for data dir: %w", err)
		}
		c.Store.DataDir = filepath.Join(home, ".formrunner")
	}

	if c.Runner.MaxOpenDelay <= c.Runner.MinOpenDelay {
		return fmt.Errorf("runner.max_open_delay (%s) must exceed runner.min_open_delay (%s)",
			c.Runner.MaxOpenDelay, c.Runner.MinOpenDelay)
	}

	switch c.Runner.Picker {
	case "prompt", "first", "skip":
	default:
		return fmt.Errorf("runner.picker must be one of prompt, first, skip (got %q)", c.Runner.Picker)
	}
	return nil
}

// Package config loads benchmark settings from defaults, an optional YAML
// file, FIELDBENCH_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key, e.g. FIELDBENCH_POINTS or
// FIELDBENCH_LOGGING_LEVEL.
const EnvPrefix = "FIELDBENCH"

// Config is the full run configuration.
type Config struct {
	Shader      string        `mapstructure:"shader"`
	Backend     string        `mapstructure:"backend"`
	Points      int           `mapstructure:"points"`
	Iters       int           `mapstructure:"iters"`
	Threads     int           `mapstructure:"threads"`
	Device      int           `mapstructure:"device"`
	Validation  bool          `mapstructure:"validation"`
	Format      string        `mapstructure:"format"`
	MetricsFile string        `mapstructure:"metrics_file"`
	ReportSize  int           `mapstructure:"report_size"`
	BudgetMB    int           `mapstructure:"budget_mb"`
	Logging     LoggingConfig `mapstructure:"logging"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
}

// Formats accepted for run and device output.
var Formats = []string{"text", "json", "yaml"}

var levels = []string{"trace", "debug", "info", "warn", "error"}

// DefaultConfig returns the built-in defaults: the reference workload on the
// preferred Vulkan device.
func DefaultConfig() *Config {
	return &Config{
		Shader:     "shader.spv",
		Backend:    "vulkan",
		Points:     500 * 1024,
		Iters:      160,
		Threads:    0,
		Device:     -1,
		Format:     "text",
		ReportSize: 64 * 1024,
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Load resolves the configuration. cfgFile may be empty, in which case
// $HOME/.fieldbench/config.yaml and ./config.yaml are tried and a missing
// file is not an error. flags, when non-nil, are bound by their long names
// with dashes mapped to underscores.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fieldbench"))
		}
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.MetricsFile = expandPath(cfg.MetricsFile)
	cfg.Shader = expandPath(cfg.Shader)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

// Validate rejects values that the harness would not clamp on its own.
// Points and iters are left to the harness, which clamps any value.
func (c *Config) Validate() error {
	if c.Backend == "" {
		return errors.New("backend must not be empty")
	}
	if c.Threads < 0 {
		return errors.New("threads must not be negative")
	}
	if c.BudgetMB < 0 {
		return errors.New("budget_mb must not be negative")
	}
	if c.ReportSize < 1 {
		return errors.New("report_size must be positive")
	}
	if !contains(Formats, strings.ToLower(c.Format)) {
		return fmt.Errorf("format must be one of: %v", Formats)
	}
	if !contains(levels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("logging.level must be one of: %v", levels)
	}
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if key == "config" || key == "verbose" {
			return
		}
		if key == "log_level" {
			key = "logging.level"
		}
		err = v.BindPFlag(key, f)
	})
	return errors.Wrap(err, "binding flags")
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("shader", cfg.Shader)
	v.SetDefault("backend", cfg.Backend)
	v.SetDefault("points", cfg.Points)
	v.SetDefault("iters", cfg.Iters)
	v.SetDefault("threads", cfg.Threads)
	v.SetDefault("device", cfg.Device)
	v.SetDefault("validation", cfg.Validation)
	v.SetDefault("format", cfg.Format)
	v.SetDefault("metrics_file", cfg.MetricsFile)
	v.SetDefault("report_size", cfg.ReportSize)
	v.SetDefault("budget_mb", cfg.BudgetMB)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
}

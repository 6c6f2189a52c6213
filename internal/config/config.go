// Package config loads daemon configuration from file, environment, and
// defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"opqueue/internal/errors"
)

// Config holds every tunable of the opqueue daemon.
type Config struct {
	DataDir string `mapstructure:"data_dir"`

	Remote struct {
		BaseURL        string        `mapstructure:"base_url"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
		ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	} `mapstructure:"remote"`

	Sync struct {
		DrainInterval time.Duration `mapstructure:"drain_interval"`
		ProbeInterval time.Duration `mapstructure:"probe_interval"`
		RunTimeout    time.Duration `mapstructure:"run_timeout"`
		MaxRetries    int           `mapstructure:"max_retries"`
		InitialDelay  time.Duration `mapstructure:"initial_delay"`
		MaxDelay      time.Duration `mapstructure:"max_delay"`
		Uniqueness    string        `mapstructure:"trigger_uniqueness"`
	} `mapstructure:"sync"`

	Events struct {
		Enabled    bool   `mapstructure:"enabled"`
		ListenAddr string `mapstructure:"listen_addr"`
	} `mapstructure:"events"`

	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`
}

// Load reads configuration in precedence order: defaults, then the
// config file, then OPQUEUE_* environment variables. cfgFile may be
// empty; the default search paths are the working directory and
// $HOME/.config/opqueue.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OPQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("opqueue")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "opqueue"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file from the search paths is fine; an explicit or
		// unreadable file is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return nil, errors.Wrap(errors.ErrInvalid, "failed to read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to parse config", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())

	v.SetDefault("remote.base_url", "http://localhost:8080")
	v.SetDefault("remote.request_timeout", 30*time.Second)
	v.SetDefault("remote.probe_timeout", 3*time.Second)

	v.SetDefault("sync.drain_interval", time.Minute)
	v.SetDefault("sync.probe_interval", 10*time.Second)
	v.SetDefault("sync.run_timeout", 5*time.Minute)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.initial_delay", time.Second)
	v.SetDefault("sync.max_delay", 5*time.Minute)
	v.SetDefault("sync.trigger_uniqueness", "keepExisting")

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.listen_addr", "localhost:8090")

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.file", "")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "opqueue")
}

package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the opbmon daemon configuration, loaded from a YAML file with
// OPB_-prefixed environment overrides.
type Config struct {
	Port         string        `mapstructure:"port"`
	BaudRate     int           `mapstructure:"baud_rate"`
	Timeout      time.Duration `mapstructure:"timeout"`
	CommandGap   time.Duration `mapstructure:"command_gap"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Profile      string        `mapstructure:"profile"`
	Development  bool          `mapstructure:"development"`
}

func loadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("baud_rate", 115200)
	v.SetDefault("timeout", "3s")
	v.SetDefault("command_gap", "100ms")
	v.SetDefault("poll_interval", "5s")

	v.AutomaticEnv()
	v.SetEnvPrefix("OPB")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Port == "" {
		return nil, fmt.Errorf("port is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll_interval must be positive")
	}

	return &cfg, nil
}

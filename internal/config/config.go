package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config carries settings for both binaries; the hub ignores the client
// section and vice versa.
type Config struct {
	Mode string `mapstructure:"mode"`

	// Client side.
	HubURL       string        `mapstructure:"hub_url"`
	APIURL       string        `mapstructure:"api_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BindingWait  time.Duration `mapstructure:"binding_wait"`

	// Hub side.
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	JoinLimit  int           `mapstructure:"join_limit"`
	JoinWindow time.Duration `mapstructure:"join_window"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("hub_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("api_url", "http://localhost:8080")
	v.SetDefault("poll_interval", "5s")
	v.SetDefault("binding_wait", "2s")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("join_limit", 5)
	v.SetDefault("join_window", "10s")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

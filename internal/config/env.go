package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Env holds the settings the commands read from the environment.
type Env struct {
	// NTPPort is the server port used when a configured address has none.
	NTPPort  string `env:"NTP_PORT" envDefault:"123"`
	Socket   string `env:"NETCLOCK_SOCKET" envDefault:"/var/run/netclock.sock"`
	Info     bool   `env:"INFO"`
	Debug    bool   `env:"DEBUG"`
	SitePort string `env:"SITE_PORT" envDefault:"8080"`
	SiteHost string `env:"SITE_HOST" envDefault:""`
	Region   string `env:"FLY_REGION" envDefault:""`
}

func ParseEnv() (*Env, error) {
	var cfg Env
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}

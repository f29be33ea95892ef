// Package config loads the service's environment-variable configuration,
// grounded on the envconfig-tagged struct + Process(prefix, &c) pattern
// used in weberc2's cmd/auth/config.go, but without that repo's YAML file
// layer: this service's whole configuration surface is env vars.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every environment-variable knob this service reads.
type Config struct {
	Port                  int    `envconfig:"PORT" default:"8080"`
	Host                  string `envconfig:"HOST" default:"0.0.0.0"`
	FileDestination       string `envconfig:"FILE_DESTINATION" default:"/data"`
	IRCServer             string `envconfig:"IRC_SERVER"`
	IRCNick               string `envconfig:"IRC_NICK"`
	IRCChannel            string `envconfig:"IRC_CHANNEL"`
	ProgressInterval      int    `envconfig:"PROGRESS_INTERVAL" default:"1"`
	ProgressUpdatePercent int    `envconfig:"PROGRESS_UPDATE_PERCENT" default:"5"`
	LogFile               string `envconfig:"LOG_FILE"`
	Debug                 bool   `envconfig:"DEBUG" default:"false"`
	DisableProgressANSI   bool   `envconfig:"DISABLE_PROGRESS_ANSI" default:"true"`
}

// Load reads Config from the process environment, applying the defaults
// declared above to any variable that isn't set.
func Load() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	return &c, nil
}

// Validate reports the minimum configuration this service needs to start:
// an IRC server, nick, and channel to join. Everything else has a usable
// default.
func (c *Config) Validate() error {
	if c.IRCServer == "" {
		return fmt.Errorf("config: IRC_SERVER is required")
	}
	if c.IRCNick == "" {
		return fmt.Errorf("config: IRC_NICK is required")
	}
	if c.IRCChannel == "" {
		return fmt.Errorf("config: IRC_CHANNEL is required")
	}
	return nil
}

// Package config is used to load the configuration file
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

const (
	defaultMaxSlots = 4096
	maxMaxSlots     = 1 << 16
)

type proxy struct {
	MaxSlots int `mapstructure:"max-slots"`
}

type output struct {
	Hexdump bool `mapstructure:"hexdump"`
}

// Config is the configuration struct
type Config struct {
	Proxy  proxy  `mapstructure:"proxy"`
	Output output `mapstructure:"output"`
}

func (c *Config) verify() error {
	switch {
	case c.Proxy.MaxSlots == 0:
		c.Proxy.MaxSlots = defaultMaxSlots
	case c.Proxy.MaxSlots < 0:
		return fmt.Errorf("config: proxy.max-slots must be positive (got %d)", c.Proxy.MaxSlots)
	case c.Proxy.MaxSlots > maxMaxSlots:
		return fmt.Errorf("config: proxy.max-slots must not exceed %d (got %d)", maxMaxSlots, c.Proxy.MaxSlots)
	}
	return nil
}

// LoadConfig loads the configuration file
func LoadConfig() (*Config, error) {
	var c Config

	if err := viper.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal: %v", err)
	}

	if err := c.verify(); err != nil {
		return nil, fmt.Errorf("config: failed to verify: %v", err)
	}

	return &c, nil
}

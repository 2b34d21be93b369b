package gateway

import (
	"github.com/wudi/authgate/config"
	iconfig "github.com/wudi/authgate/internal/config"
)

// Config is the top-level authgate configuration.
type Config = config.Config

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// LoadConfig loads and validates a configuration from a YAML file.
func LoadConfig(path string) (*Config, error) {
	return iconfig.NewLoader().Load(path)
}

// ParseConfig parses and validates a configuration from YAML bytes.
func ParseConfig(data []byte) (*Config, error) {
	return iconfig.NewLoader().Parse(data)
}

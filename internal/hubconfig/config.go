// Package hubconfig loads the YAML file that boots the hub process:
// storage DSNs, the listen address, and the set of integration
// instances to register. Grounded on the teacher's Load*Config style
// in internal/application/config.go (os.ReadFile + yaml.Unmarshal).
package hubconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level shape of config/hub.yaml.
type Config struct {
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	RateLimit struct {
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limit"`

	Overseerr struct {
		// PrivilegedUserIDs may see every request, not just their own,
		// in the overseerr topic's filtered broadcast (§4.4).
		PrivilegedUserIDs []string `yaml:"privileged_user_ids"`
	} `yaml:"overseerr"`

	Instances []InstanceConfig `yaml:"instances"`
}

// InstanceConfig is one configured integration instance.
type InstanceConfig struct {
	ID          string         `yaml:"id"`
	Type        string         `yaml:"type"`
	DisplayName string         `yaml:"display_name"`
	Enabled     bool           `yaml:"enabled"`
	BaseURL     string         `yaml:"base_url"`
	APIKey      string         `yaml:"api_key"`
	Extra       map[string]any `yaml:"extra"`
}

// Load reads and parses the hub config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hubconfig: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("hubconfig: parse %s: %w", path, err)
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
	return &c, nil
}

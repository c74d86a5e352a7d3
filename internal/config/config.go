// Package config loads waitr's TOML configuration file into an immutable
// snapshot shared by the master and every worker.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultProxyConcurrency is applied when a config file omits or zeroes
// server.proxy_concurrency. The affinity TTL, affinity capacity and idle
// timeout have no config field; their values here match the fixed
// affinity.TTL, affinity.Capacity and worker.IdleTimeout constants.
const (
	DefaultAffinityTTL      = 30 * time.Second
	DefaultAffinityCapacity = 100
	DefaultIdleTimeout      = 60 * time.Second
	DefaultProxyConcurrency = 8
)

// ServerConfig is the `[server]` table.
type ServerConfig struct {
	Host             string `toml:"host"`
	Port             int    `toml:"port"`
	Workers          int    `toml:"workers"`
	ProxyConcurrency int    `toml:"proxy_concurrency"`
}

// StaticConfig is the `[static]` table.
type StaticConfig struct {
	Root  string `toml:"root"`
	Index string `toml:"index"`
}

// ProxyRoute is one entry of the `[[proxy]]` array of tables.
type ProxyRoute struct {
	Prefix   string `toml:"prefix"`
	Upstream string `toml:"upstream"`
}

// LoggingConfig is the `[logging]` table.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the full, read-once configuration document.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Static  StaticConfig  `toml:"static"`
	Proxy   []ProxyRoute  `toml:"proxy"`
	Logging LoggingConfig `toml:"logging"`
}

// Load reads and parses the TOML file at path, filling in defaults for
// anything the file omits. An unreadable or malformed file is a fatal
// init error, per the error handling design.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			Workers:          2,
			ProxyConcurrency: DefaultProxyConcurrency,
		},
		Static: StaticConfig{
			Root:  "./www",
			Index: "index.html",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}

	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be positive, got %d", c.Server.Workers)
	}
	if c.Server.ProxyConcurrency <= 0 {
		c.Server.ProxyConcurrency = DefaultProxyConcurrency
	}
	if c.Static.Root == "" {
		return fmt.Errorf("static.root must not be empty")
	}
	if c.Static.Index == "" {
		c.Static.Index = "index.html"
	}
	return nil
}

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/imdario/mergo"
	"gopkg.in/yaml.v3"

	"github.com/agsys/irrigation-node/internal/engine"
	"github.com/agsys/irrigation-node/internal/hal"
	"github.com/agsys/irrigation-node/internal/storage"
)

// Config represents the configuration file structure
type Config struct {
	Node struct {
		Name string `yaml:"name"`
	} `yaml:"node"`

	Storage struct {
		Backend string              `yaml:"backend"` // sqlite or redis
		Path    string              `yaml:"path"`
		Redis   storage.RedisConfig `yaml:"redis"`
	} `yaml:"storage"`

	Hardware struct {
		Driver string     `yaml:"driver"` // bridge or sim
		Bridge hal.Config `yaml:"bridge"`
	} `yaml:"hardware"`

	Network struct {
		// ProbeAddr is dialed to decide whether the link is up; empty means
		// the link is managed by the host and always reported up
		ProbeAddr string `yaml:"probe_addr"`
	} `yaml:"network"`

	Engine engine.Config `yaml:"engine"`

	Metrics struct {
		Addr string `yaml:"addr"`
	} `yaml:"metrics"`

	Health struct {
		Addr string `yaml:"addr"`
	} `yaml:"health"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Node.Name = "irrigation-node"
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.Path = "/var/lib/agsys/nvs.db"
	cfg.Storage.Redis.Addr = "127.0.0.1:6379"
	cfg.Storage.Redis.Prefix = "nvs"
	cfg.Storage.Redis.Timeout = 5 * time.Second
	cfg.Hardware.Driver = "bridge"
	cfg.Hardware.Bridge = hal.DefaultConfig()
	cfg.Engine = engine.DefaultConfig()
	cfg.Metrics.Addr = ":9108"
	cfg.Health.Addr = ":50051"
	return cfg
}

// loadConfig reads path and fills every unset field from the defaults
func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := mergo.Merge(&cfg, defaultConfig()); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("storage.backend must be sqlite or redis, got %q", c.Storage.Backend)
	}
	switch c.Hardware.Driver {
	case "bridge", "sim":
	default:
		return fmt.Errorf("hardware.driver must be bridge or sim, got %q", c.Hardware.Driver)
	}
	if c.Engine.ValveInterval <= 0 || c.Engine.ScheduleInterval <= 0 ||
		c.Engine.TelemetryInterval <= 0 || c.Engine.FlowInterval <= 0 {
		return fmt.Errorf("engine intervals must be positive")
	}
	return nil
}

// openStore opens the configured region engine
func openStore(c *Config) (*storage.Store, error) {
	switch c.Storage.Backend {
	case "redis":
		return storage.NewStore(storage.DialRedis(c.Storage.Redis)), nil
	default:
		db, err := storage.Open(c.Storage.Path)
		if err != nil {
			return nil, err
		}
		return storage.NewStore(db), nil
	}
}

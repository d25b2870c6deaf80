package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"can-telemetry-core/signal"
	"can-telemetry-core/sim"
)

type Config struct {
	Log        LogConfig        `yaml:"log"`
	CAN        CANConfig        `yaml:"can"`
	Simulation SimulationConfig `yaml:"simulation"`
	Redis      RedisConfig      `yaml:"redis"`
	Monitor    MonitorConfig    `yaml:"monitor"`
}

type LogConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	FilePath string `yaml:"file_path"`
	Stdout   bool   `yaml:"stdout"`
}

type CANConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Interface string `yaml:"interface"`
}

type SimulationConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	Family       string        `yaml:"family"`
	SignalMap    string        `yaml:"signal_map"` // CSV; overrides Family when set
	Scenario     string        `yaml:"scenario"`
	Seed         int64         `yaml:"seed"` // 0 seeds from the clock
	Decoded      []string      `yaml:"decoded"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
}

type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
}

// Load reads path over the defaults, so a file only needs the keys it
// changes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Stdout: true,
		},
		CAN: CANConfig{
			Interface: "vcan0",
		},
		Simulation: SimulationConfig{
			TickInterval: sim.DefaultInterval,
			Family:       signal.FamilyGeneric,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			Prefix:   "cansim",
		},
		Monitor: MonitorConfig{
			MetricsPort: 9090,
		},
	}
}

func (c *Config) Validate() error {
	var errs []error
	if err := sim.CheckInterval(c.Simulation.TickInterval); err != nil {
		errs = append(errs, fmt.Errorf("simulation.tick_interval: %w", err))
	}
	if c.Simulation.SignalMap == "" {
		if _, err := signal.DefaultSignals(c.Simulation.Family); err != nil {
			errs = append(errs, fmt.Errorf("simulation.family: %w", err))
		}
	}
	if c.CAN.Enabled && c.CAN.Interface == "" {
		errs = append(errs, errors.New("can.interface: required when can is enabled"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr: required when redis is enabled"))
	}
	if c.Monitor.Enabled && (c.Monitor.MetricsPort <= 0 || c.Monitor.MetricsPort > 65535) {
		errs = append(errs, fmt.Errorf("monitor.metrics_port: invalid port %d", c.Monitor.MetricsPort))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

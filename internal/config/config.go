// Package config loads markovnet settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"markovnet/internal/codec"
	"markovnet/internal/device"
	"markovnet/internal/markov"
	"markovnet/internal/storage"
)

// DeviceHost runs networks without a mirror.
const DeviceHost = "host"

var ErrInvalidConfig = errors.New("invalid config")

// Config is the root configuration structure.
type Config struct {
	Codec  codec.Options `yaml:"codec"`
	Genome GenomeConfig  `yaml:"genome"`
	Device DeviceConfig  `yaml:"device"`
	Store  StoreConfig   `yaml:"store"`
	Run    RunConfig     `yaml:"run"`
	Server ServerConfig  `yaml:"server"`
}

// GenomeConfig shapes randomly generated genomes.
type GenomeConfig struct {
	Layout markov.Layout `yaml:"layout"`
	Gates  int           `yaml:"gates"`
}

type DeviceConfig struct {
	Kind string `yaml:"kind"`
	// Capacity bounds soft device memory in bytes; 0 is unbounded.
	Capacity int `yaml:"capacity"`
}

type StoreConfig struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

type RunConfig struct {
	Seed  int64 `yaml:"seed"`
	Ticks int   `yaml:"ticks"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// MaxTicks caps ticks per websocket session; 0 is unlimited.
	MaxTicks int `yaml:"max_ticks"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Codec: codec.DefaultOptions(),
		Genome: GenomeConfig{
			Layout: markov.Layout{Inputs: 4, Outputs: 2, Hidden: 4},
			Gates:  16,
		},
		Device: DeviceConfig{Kind: DeviceHost},
		Store:  StoreConfig{Kind: storage.DefaultStoreKind, Path: "markovnet.db"},
		Run:    RunConfig{Seed: 1, Ticks: 100},
		Server: ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns default if not found.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}

	return Load(path)
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	if err := c.Codec.Validate(); err != nil {
		return err
	}
	if c.Genome.Gates < 0 {
		return fmt.Errorf("%w: genome.gates=%d", ErrInvalidConfig, c.Genome.Gates)
	}
	if c.Device.Kind != DeviceHost && c.Device.Kind != "" && !slices.Contains(device.Kinds(), c.Device.Kind) {
		return fmt.Errorf("%w: device.kind=%q", ErrInvalidConfig, c.Device.Kind)
	}
	if c.Device.Capacity < 0 {
		return fmt.Errorf("%w: device.capacity=%d", ErrInvalidConfig, c.Device.Capacity)
	}
	switch c.Store.Kind {
	case "", storage.KindMemory:
	case storage.KindSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for sqlite", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: store.kind=%q", ErrInvalidConfig, c.Store.Kind)
	}
	if c.Run.Ticks < 0 || c.Server.MaxTicks < 0 {
		return fmt.Errorf("%w: tick counts must be non-negative", ErrInvalidConfig)
	}
	return nil
}

// Open returns the configured device, or nil for host execution.
func (d DeviceConfig) Open() (device.Device, error) {
	switch d.Kind {
	case "", DeviceHost:
		return nil, nil
	case device.KindSoft:
		return device.NewSoftDevice(d.Capacity), nil
	default:
		return device.New(d.Kind)
	}
}

// InitConfig creates a default config file if it doesn't exist.
func InitConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return Default().Save(path)
}

package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server  ServerConfig  `toml:"server"`
	Network NetworkConfig `toml:"network"`
	Tick    TickConfig    `toml:"tick"`
	Store   StoreConfig   `toml:"store"`
	Plugins PluginsConfig `toml:"plugins"`
	Data    DataConfig    `toml:"data"`
	Logging LoggingConfig `toml:"logging"`
}

type ServerConfig struct {
	Name string `toml:"name"`
	ID   int    `toml:"id"`
}

type NetworkConfig struct {
	BindAddress  string        `toml:"bind_address"`
	InQueueSize  int           `toml:"in_queue_size"`
	OutQueueSize int           `toml:"out_queue_size"`
	WriteTimeout time.Duration `toml:"write_timeout"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
}

type TickConfig struct {
	Rate               time.Duration `toml:"rate"`
	Workers            int           `toml:"workers"`
	MaxCommandsPerTick int           `toml:"max_commands_per_tick"`
	SoftDeadline       time.Duration `toml:"soft_deadline"`
}

type StoreConfig struct {
	Path          string `toml:"path"`
	CompactKeepN  int    `toml:"compact_keep_every_n"`
	SyncEveryTick bool   `toml:"sync_every_tick"`
}

type PluginsConfig struct {
	Dir     string `toml:"dir"`
	Enabled bool   `toml:"enabled"`
}

type DataConfig struct {
	BlockTable string `toml:"block_table"`
	MobTable   string `toml:"mob_table"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a config with every field at its default. Used by tests
// and by the binary when no config file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "rgbmc"
	}
	if c.Network.BindAddress == "" {
		c.Network.BindAddress = "0.0.0.0:25565"
	}
	if c.Network.InQueueSize == 0 {
		c.Network.InQueueSize = 256
	}
	if c.Network.OutQueueSize == 0 {
		c.Network.OutQueueSize = 256
	}
	if c.Network.WriteTimeout == 0 {
		c.Network.WriteTimeout = 10 * time.Second
	}
	if c.Network.ReadTimeout == 0 {
		c.Network.ReadTimeout = 60 * time.Second
	}
	if c.Tick.Rate == 0 {
		c.Tick.Rate = 50 * time.Millisecond
	}
	if c.Tick.Workers == 0 {
		c.Tick.Workers = runtime.NumCPU()
	}
	if c.Tick.MaxCommandsPerTick == 0 {
		c.Tick.MaxCommandsPerTick = 1024
	}
	if c.Tick.SoftDeadline == 0 {
		c.Tick.SoftDeadline = c.Tick.Rate
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/world.rgb"
	}
	if c.Store.CompactKeepN == 0 {
		c.Store.CompactKeepN = 100
	}
	if c.Plugins.Dir == "" {
		c.Plugins.Dir = "plugins"
	}
	if c.Data.BlockTable == "" {
		c.Data.BlockTable = "data/yaml/block_list.yaml"
	}
	if c.Data.MobTable == "" {
		c.Data.MobTable = "data/yaml/mob_list.yaml"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

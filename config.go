package banstore

import (
	"io/ioutil"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Config contains all configurable bits and pieces of the store.
// The zero value is usable; DataDir and GCInterval get defaults in
// Open. SyncWrites is enabled by DefaultConfig and by LoadConfig when
// the file doesn't say otherwise; a hand-built zero Config leaves it
// off
type Config struct {
	DataDir     string
	InMemory    bool
	SyncWrites  bool
	GCInterval  time.Duration
	BanCacheTTL time.Duration
}

// DefaultConfig returns the configuration Open uses when it is given
// nothing else
func DefaultConfig() *Config {
	return &Config{
		DataDir:     "./banstore",
		SyncWrites:  true,
		GCInterval:  10 * time.Minute,
		BanCacheTTL: 30 * time.Second,
	}
}

// fileConfig is the TOML shape of Config. Durations are strings in
// time.ParseDuration notation ("10m", "45s"). SyncWrites is a pointer
// so an absent key keeps the durability default instead of silently
// turning synchronous writes off
type fileConfig struct {
	DataDir     string
	InMemory    bool
	SyncWrites  *bool
	GCInterval  string
	BanCacheTTL string
}

// LoadConfig reads a configuration from a TOML file
func LoadConfig(path string) (*Config, error) {
	configBytes, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}

	var fc fileConfig
	if err := toml.Unmarshal(configBytes, &fc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config %s", path)
	}

	config := DefaultConfig()
	config.DataDir = fc.DataDir
	config.InMemory = fc.InMemory
	if fc.SyncWrites != nil {
		config.SyncWrites = *fc.SyncWrites
	}

	if fc.GCInterval != "" {
		config.GCInterval, err = time.ParseDuration(fc.GCInterval)
		if err != nil {
			return nil, errors.Wrapf(err, "bad GCInterval in %s", path)
		}
	}
	if fc.BanCacheTTL != "" {
		config.BanCacheTTL, err = time.ParseDuration(fc.BanCacheTTL)
		if err != nil {
			return nil, errors.Wrapf(err, "bad BanCacheTTL in %s", path)
		}
	}

	config.setDefaults()

	return config, nil
}

func (c *Config) setDefaults() {
	def := DefaultConfig()

	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.GCInterval <= 0 {
		c.GCInterval = def.GCInterval
	}
}

// Package config loads the YAML configuration of the ntuple tools.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/TFMV/ntuple/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the root of the configuration file.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Flight    FlightConfig    `yaml:"flight"`
	ReadSpeed ReadSpeedConfig `yaml:"readspeed"`
}

// StoreConfig mirrors store.Config with a textual codec.
type StoreConfig struct {
	BatchSize    int    `yaml:"batch_size"`
	CacheBatches int    `yaml:"cache_batches"`
	Compression  string `yaml:"compression"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type FlightConfig struct {
	Addr string `yaml:"addr"`
	// Timeout is how long the client's breaker stays open before probing
	// the service again.
	Timeout time.Duration `yaml:"timeout"`
	// Root confines served paths; empty serves the whole filesystem.
	Root string `yaml:"root"`
}

type ReadSpeedConfig struct {
	Threads      int   `yaml:"threads"`
	ChunkEntries int64 `yaml:"chunk_entries"`
}

// Default returns the configuration used for absent keys.
func Default() Config {
	sc := store.DefaultConfig()
	return Config{
		Store: StoreConfig{
			BatchSize:    sc.BatchSize,
			CacheBatches: sc.CacheBatches,
			Compression:  "none",
		},
		Log: LogConfig{Level: "info"},
		Flight: FlightConfig{
			Addr:    "localhost:8815",
			Timeout: 5 * time.Second,
		},
		ReadSpeed: ReadSpeedConfig{
			ChunkEntries: 4096,
		},
	}
}

// Load reads a configuration file. ${VAR} and ${VAR:-default} are
// replaced from the environment before parsing. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(substituteEnvVars(string(data))), &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, cfg.Validate()
}

// Save writes cfg as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate rejects values no component accepts.
func (c Config) Validate() error {
	if c.Store.BatchSize < 0 || c.Store.CacheBatches < 0 {
		return fmt.Errorf("store: batch_size and cache_batches must not be negative")
	}
	if _, err := store.ParseCompression(c.Store.Compression); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.ReadSpeed.Threads < 0 {
		return fmt.Errorf("readspeed: threads must not be negative")
	}
	return nil
}

// StoreConfig converts the store section.
func (c Config) StoreConfig() (store.Config, error) {
	codec, err := store.ParseCompression(c.Store.Compression)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		BatchSize:    c.Store.BatchSize,
		CacheBatches: c.Store.CacheBatches,
		Compression:  codec,
	}, nil
}

// Logger builds a zap logger: production JSON by default, the
// development console encoder on request.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// substituteEnvVars replaces ${VAR} and ${VAR:-default}.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		name, def, hasDef := strings.Cut(content[start+2:end], ":-")
		value, ok := os.LookupEnv(name)
		if (!ok || value == "") && hasDef {
			value = def
		}
		b.WriteString(content[:start])
		b.WriteString(value)
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}

// Package config loads sealkit configuration: defaults, then an optional
// YAML file, then SEALKIT_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/roach88/sealkit/internal/digest"
)

// EnvPrefix prefixes every environment variable the config reads.
const EnvPrefix = "SEALKIT_"

// DefaultAlgorithm is the RNG algorithm name audit records must carry when
// none is configured.
const DefaultAlgorithm = "philox2x64-10"

// Config holds all sealkit settings.
type Config struct {
	// DataRoot anchors every relative path: sealed inputs, partitions,
	// bundles and the ledger.
	DataRoot string `yaml:"data_root" env:"DATA_ROOT"`

	// LedgerPath is the SQLite evidence ledger. Empty disables recording.
	LedgerPath string `yaml:"ledger_path" env:"LEDGER_PATH"`

	LogLevel       string `yaml:"log_level" env:"LOG_LEVEL"`
	HashChunkBytes int    `yaml:"hash_chunk_bytes" env:"HASH_CHUNK_BYTES"`

	RNG RNGConfig `yaml:"rng" envPrefix:"RNG_"`

	// Gates maps a segment to the upstream segments that must PASS before
	// any of its states may start.
	Gates map[string][]string `yaml:"gates"`
}

// RNGConfig configures RNG accounting.
type RNGConfig struct {
	Algorithm string                  `yaml:"algorithm" env:"ALGORITHM"`
	Modules   map[string]ModuleConfig `yaml:"modules"`
}

// ModuleConfig configures one RNG-emitting module.
type ModuleConfig struct {
	// KeyFields is the exact, ordered logical key of the module's events.
	KeyFields []string `yaml:"key_fields"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataRoot:       ".",
		LogLevel:       "info",
		HashChunkBytes: digest.DefaultChunkBytes,
		RNG: RNGConfig{
			Algorithm: DefaultAlgorithm,
			Modules:   map[string]ModuleConfig{},
		},
		Gates: map[string][]string{},
	}
}

// Load reads path (a missing file yields defaults) and applies the process
// environment.
func Load(path string) (*Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load with an explicit environment. A nil environ uses the
// process environment.
func LoadWithEnv(path string, environ map[string]string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := decodeYAML(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}

	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if cfg.RNG.Modules == nil {
		cfg.RNG.Modules = map[string]ModuleConfig{}
	}
	if cfg.Gates == nil {
		cfg.Gates = map[string][]string{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeYAML rejects unknown keys so a typo cannot silently fall back to a
// default. An empty document leaves cfg unchanged.
func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.HashChunkBytes <= 0 {
		return fmt.Errorf("hash_chunk_bytes must be positive, got %d", c.HashChunkBytes)
	}
	for module, m := range c.RNG.Modules {
		if len(m.KeyFields) == 0 {
			return fmt.Errorf("rng.modules.%s.key_fields must not be empty", module)
		}
		seen := make(map[string]bool, len(m.KeyFields))
		for _, f := range m.KeyFields {
			if f == "" || seen[f] {
				return fmt.Errorf("rng.modules.%s.key_fields: invalid or duplicate field %q", module, f)
			}
			seen[f] = true
		}
	}
	for segment, upstream := range c.Gates {
		for _, u := range upstream {
			if u == segment {
				return fmt.Errorf("gates.%s lists itself", segment)
			}
		}
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return lvl, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// KeyFields returns module -> ordered key fields for the RNG validator.
func (c *Config) KeyFields() map[string][]string {
	out := make(map[string][]string, len(c.RNG.Modules))
	for module, m := range c.RNG.Modules {
		out[module] = append([]string(nil), m.KeyFields...)
	}
	return out
}

// RequiredUpstream returns the sorted upstream segments segment depends on.
func (c *Config) RequiredUpstream(segment string) []string {
	out := append([]string{}, c.Gates[segment]...)
	sort.Strings(out)
	return out
}

// Resolve anchors a relative path at DataRoot. Absolute paths and the
// empty string are returned unchanged.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataRoot, filepath.FromSlash(p))
}

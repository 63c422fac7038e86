// Package config loads permafrost.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"permafrost/internal/trace"
)

// FileName is the configuration file looked up by Find.
const FileName = "permafrost.toml"

// Config is the decoded configuration with defaults applied.
type Config struct {
	Path   string       `toml:"-"`
	Trace  TraceConfig  `toml:"trace"`
	Freeze FreezeConfig `toml:"freeze"`
	Stress StressConfig `toml:"stress"`
}

// TraceConfig mirrors the --trace* flags.
type TraceConfig struct {
	Level    string `toml:"level"`
	Mode     string `toml:"mode"`
	Output   string `toml:"output"`
	RingSize int    `toml:"ring_size"`
}

// FreezeConfig tunes freeze attempts.
type FreezeConfig struct {
	Hooks            bool `toml:"hooks"`
	WorklistCapacity int  `toml:"worklist_capacity"`
}

// StressConfig shapes the random heaps of the stress command.
type StressConfig struct {
	Workers     int     `toml:"workers"`
	Objects     int     `toml:"objects"`
	Edges       int     `toml:"edges"`
	PinnedRatio float64 `toml:"pinned_ratio"`
	Rounds      int     `toml:"rounds"`
	Seed        int64   `toml:"seed"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Trace: TraceConfig{
			Level:    "off",
			Mode:     "stream",
			RingSize: 4096,
		},
		Freeze: FreezeConfig{
			Hooks:            true,
			WorklistCapacity: 64,
		},
		Stress: StressConfig{
			Workers:     8,
			Objects:     2000,
			Edges:       3,
			PinnedRatio: 0.01,
			Rounds:      200,
			Seed:        1,
		},
	}
}

// Find walks up from startDir looking for FileName.
func Find(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// Load decodes path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.Path = path
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault loads the file found from startDir, or returns Default.
func LoadOrDefault(startDir string) (Config, error) {
	path, ok, err := Find(startDir)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks value ranges.
func (c Config) Validate() error {
	if _, err := trace.ParseLevel(c.Trace.Level); err != nil {
		return fmt.Errorf("[trace].level: %w", err)
	}
	if _, err := trace.ParseMode(c.Trace.Mode); err != nil {
		return fmt.Errorf("[trace].mode: %w", err)
	}
	if c.Trace.RingSize <= 0 {
		return fmt.Errorf("[trace].ring_size must be positive, got %d", c.Trace.RingSize)
	}
	if c.Freeze.WorklistCapacity < 0 {
		return fmt.Errorf("[freeze].worklist_capacity must not be negative, got %d", c.Freeze.WorklistCapacity)
	}
	s := c.Stress
	if s.Workers <= 0 || s.Objects <= 0 || s.Rounds <= 0 {
		return fmt.Errorf("[stress] workers, objects and rounds must be positive")
	}
	if s.Edges < 0 {
		return fmt.Errorf("[stress].edges must not be negative, got %d", s.Edges)
	}
	if s.PinnedRatio < 0 || s.PinnedRatio > 1 {
		return fmt.Errorf("[stress].pinned_ratio must be within [0, 1], got %g", s.PinnedRatio)
	}
	return nil
}

// TracerConfig converts the [trace] section for trace.New.
func (c Config) TracerConfig() (trace.Config, error) {
	level, err := trace.ParseLevel(c.Trace.Level)
	if err != nil {
		return trace.Config{}, err
	}
	mode, err := trace.ParseMode(c.Trace.Mode)
	if err != nil {
		return trace.Config{}, err
	}
	return trace.Config{
		Level:      level,
		Mode:       mode,
		OutputPath: c.Trace.Output,
		RingSize:   c.Trace.RingSize,
	}, nil
}

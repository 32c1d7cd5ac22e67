// Package config loads the optional TOML configuration file and turns it
// into options for the engine components.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"

	"github.com/hailam/nnchess/internal/engine"
	"github.com/hailam/nnchess/internal/gpu"
	"github.com/hailam/nnchess/internal/nnue"
	"github.com/hailam/nnchess/internal/storage"
)

// FileName is the configuration file looked up in the data directory.
const FileName = "nnchess.toml"

// DefaultCacheDir as [syzygy] cache_dir keeps the probe cache in the data
// directory.
const DefaultCacheDir = "default"

var (
	// ErrInvalidHashSize is engine.ErrInvalidHashSize, so either name
	// matches with errors.Is.
	ErrInvalidHashSize = engine.ErrInvalidHashSize
	// ErrInvalidValue reports any other out-of-range setting.
	ErrInvalidValue = errors.New("invalid config value")
)

// Config mirrors the configuration file.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Evaluator EvaluatorConfig `toml:"evaluator"`
	Backend   BackendConfig   `toml:"backend"`
	Syzygy    SyzygyConfig    `toml:"syzygy"`
	Log       LogConfig       `toml:"log"`
}

type EngineConfig struct {
	HashMB         int `toml:"hash_mb"`
	Threads        int `toml:"threads"`
	MoveOverheadMS int `toml:"move_overhead_ms"`
}

type EvaluatorConfig struct {
	// Weights is the network file. Empty selects the material network.
	Weights string `toml:"weights"`
}

type BackendConfig struct {
	Name           string `toml:"name"`
	Platform       int    `toml:"platform"`
	Device         int    `toml:"device"`
	Strict         bool   `toml:"strict"`
	MaxBatch       int    `toml:"max_batch"`
	BatchTimeoutUS int    `toml:"batch_timeout_us"`
}

type SyzygyConfig struct {
	Path   string `toml:"path"`
	Online bool   `toml:"online"`
	// CacheDir holds the persistent probe cache. Empty disables it and
	// DefaultCacheDir selects the data directory.
	CacheDir string `toml:"cache_dir"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	eng := engine.DefaultOptions()
	batch := nnue.DefaultConfig()
	return Config{
		Engine: EngineConfig{
			HashMB:         eng.HashMB,
			Threads:        eng.Threads,
			MoveOverheadMS: int(eng.MoveOverhead / time.Millisecond),
		},
		Backend: BackendConfig{
			Name:           gpu.CPUName,
			MaxBatch:       batch.MaxBatch,
			BatchTimeoutUS: int(batch.BatchTimeout / time.Microsecond),
		},
		Log: LogConfig{Level: "info"},
	}
}

// DefaultPath returns the configuration file in the data directory.
func DefaultPath() (string, error) {
	dir, err := storage.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f).DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		var missing *toml.StrictMissingError
		if errors.As(err, &missing) {
			return cfg, fmt.Errorf("config %s: %s", path, missing.String())
		}
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads the file at DefaultPath when it exists and returns the
// defaults otherwise.
func LoadDefault() (Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return Default(), nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks every setting.
func (c Config) Validate() error {
	if c.Engine.HashMB < 1 || c.Engine.HashMB > engine.MaxHashMB {
		return fmt.Errorf("%w: %d MB (want 1..%d)", ErrInvalidHashSize, c.Engine.HashMB, engine.MaxHashMB)
	}
	if c.Engine.Threads < 1 || c.Engine.Threads > engine.MaxThreads {
		return fmt.Errorf("%w: threads = %d (want 1..%d)", ErrInvalidValue, c.Engine.Threads, engine.MaxThreads)
	}
	if c.Engine.MoveOverheadMS < 0 {
		return fmt.Errorf("%w: move_overhead_ms = %d", ErrInvalidValue, c.Engine.MoveOverheadMS)
	}
	if c.Backend.MaxBatch < 1 {
		return fmt.Errorf("%w: max_batch = %d", ErrInvalidValue, c.Backend.MaxBatch)
	}
	if c.Backend.BatchTimeoutUS < 0 {
		return fmt.Errorf("%w: batch_timeout_us = %d", ErrInvalidValue, c.Backend.BatchTimeoutUS)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses the configured level.
func (c Config) LogLevel() (zerolog.Level, error) {
	if c.Log.Level == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("%w: log level %q", ErrInvalidValue, c.Log.Level)
	}
	return lvl, nil
}

// EngineOptions returns the engine settings. The prober is left to the
// caller.
func (c Config) EngineOptions(log zerolog.Logger) engine.Options {
	opts := engine.DefaultOptions()
	opts.HashMB = c.Engine.HashMB
	opts.Threads = c.Engine.Threads
	opts.MoveOverhead = time.Duration(c.Engine.MoveOverheadMS) * time.Millisecond
	opts.Log = log
	return opts
}

// GPUOptions returns the device selection.
func (c Config) GPUOptions() gpu.Options {
	return gpu.Options{Platform: c.Backend.Platform, Device: c.Backend.Device}
}

// BatchConfig returns the evaluator batching settings.
func (c Config) BatchConfig() nnue.Config {
	return nnue.Config{
		MaxBatch:     c.Backend.MaxBatch,
		BatchTimeout: time.Duration(c.Backend.BatchTimeoutUS) * time.Microsecond,
	}
}

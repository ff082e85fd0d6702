// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config loads the service configuration of motionsim.
//
// Values are layered, later layers overriding earlier ones:
//
//  1. Defaults (see Default).
//  2. A YAML file: the given path, or the first of DefaultPaths found. The path can also be set with
//     the environment variable MOTIONSIM_CONFIG.
//  3. Environment variables prefixed with MOTIONSIM_, e.g. MOTIONSIM_MODELS_DIR, MOTIONSIM_INFERENCE_WORKERS
//     or MOTIONSIM_HYPERPARAMETERS_TRAIN_EPOCHS.
//
// Model and training hyperparameters are listed under "hyperparameters" and applied to a GoMLX context
// with ApplyHyperparameters.
package config

import (
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/pkg/errors"
)

// EnvPrefix of the environment variables read.
const EnvPrefix = "MOTIONSIM_"

// PathEnvVar is the environment variable with the path of the configuration file.
const PathEnvVar = EnvPrefix + "CONFIG"

// DefaultPaths are searched, in order, for a configuration file if none is given.
var DefaultPaths = []string{
	"motionsim.yaml",
	"motionsim.yml",
	"/etc/motionsim/config.yaml",
}

// Config of the motionsim service.
type Config struct {
	// DataDir holds the motion clips, one sub-directory per exercise.
	DataDir string `koanf:"data_dir"`

	// ModelsDir is where trained model artifacts are saved.
	ModelsDir string `koanf:"models_dir"`

	// Backend is the GoMLX backend configuration ("<name>:<config>"). If empty, GOMLX_BACKEND or the
	// default backend is used.
	Backend string `koanf:"backend"`

	// ModelCacheSize is the number of loaded models kept in memory for inference.
	ModelCacheSize int `koanf:"model_cache_size"`

	// MetricsAddr is the address to serve Prometheus metrics on. Disabled if empty.
	MetricsAddr string `koanf:"metrics_addr"`

	Inference InferenceConfig `koanf:"inference"`

	// Hyperparameters are GoMLX context parameters, e.g. "train_epochs" or "stgcn_base_channels".
	Hyperparameters map[string]any `koanf:"hyperparameters"`
}

// InferenceConfig configures the sliding-window inference.
type InferenceConfig struct {
	// Workers is the number of micro-batches encoded in parallel.
	Workers int `koanf:"workers"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir:        "data",
		ModelsDir:      "trained_models",
		ModelCacheSize: 4,
		Inference: InferenceConfig{
			Workers: 1,
		},
		Hyperparameters: map[string]any{},
	}
}

// Load reads the configuration from the defaults, the YAML file at path (or the first of DefaultPaths
// found, if path is empty) and the environment, and validates it.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load configuration defaults")
	}
	if path == "" {
		path = findFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "failed to load configuration file %q", path)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envToKey), nil); err != nil {
		return nil, errors.Wrap(err, "failed to load configuration from environment")
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findFile() string {
	if path := os.Getenv(PathEnvVar); path != "" {
		return path
	}
	for _, path := range DefaultPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envToKey maps MOTIONSIM_INFERENCE_WORKERS to inference.workers and MOTIONSIM_HYPERPARAMETERS_<NAME> to
// hyperparameters.<name>. An empty key makes koanf skip the variable.
func envToKey(name string) string {
	key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	for _, section := range []string{"inference", "hyperparameters"} {
		if rest, found := strings.CutPrefix(key, section+"_"); found {
			return section + "." + rest
		}
	}
	if key == "config" {
		return ""
	}
	return key
}

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if c.ModelsDir == "" {
		return errors.New("config: models_dir must be set")
	}
	if c.ModelCacheSize <= 0 {
		return errors.Errorf("config: model_cache_size must be positive, got %d", c.ModelCacheSize)
	}
	if c.Inference.Workers <= 0 {
		return errors.Errorf("config: inference.workers must be positive, got %d", c.Inference.Workers)
	}
	return nil
}

// ApplyHyperparameters sets the configured hyperparameters as parameters of ctx.
// String values (as they come from the environment) are converted to bool, int or float64 when they parse as such.
func (c *Config) ApplyHyperparameters(ctx *context.Context) {
	keys := make([]string, 0, len(c.Hyperparameters))
	for key := range c.Hyperparameters {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		ctx.SetParam(key, parseValue(c.Hyperparameters[key]))
	}
}

func parseValue(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

// NewBackend creates the configured GoMLX backend.
func (c *Config) NewBackend() (backends.Backend, error) {
	if c.Backend == "" {
		return backends.New()
	}
	return backends.NewWithConfig(c.Backend)
}

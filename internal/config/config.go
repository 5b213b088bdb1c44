// Package config loads the Kestrel configuration.
//
// Sources are layered, later ones overriding earlier ones:
//
//  1. Built-in defaults for the selected tier (KESTREL_TIER=pro selects Pro)
//  2. An optional YAML file
//  3. Environment variables prefixed KESTREL_
//
// A .env file in the working directory is read into the environment first.
// Nested keys use a double underscore: KESTREL_QUEUE__TYPE=redis sets
// queue.type, KESTREL_RULES__GRAPH_RING_SCORE=40 sets rules.graph_ring_score.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	// EnvPrefix is stripped from environment variable names.
	EnvPrefix = "KESTREL_"

	// PathEnvVar names the config file when no path is passed to Load.
	PathEnvVar = "KESTREL_CONFIG"

	// TierEnvVar selects the defaults layer.
	TierEnvVar = "KESTREL_TIER"
)

// sliceKeys are split on commas when they arrive as a single env string.
var sliceKeys = []string{
	"rules.disabled",
	"rules.round_amount_units",
}

// Load builds the configuration from defaults, the YAML file at path (or
// $KESTREL_CONFIG) and the environment, then validates it.
// A missing .env file is not an error; a missing config file named
// explicitly is.
func Load(path string) (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	k := koanf.New(".")

	defaults := domain.DefaultConfig()
	if strings.EqualFold(os.Getenv(TierEnvVar), string(domain.TierPro)) {
		defaults = domain.ProConfig()
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = os.Getenv(PathEnvVar)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		slog.Debug("config file loaded", "path", path)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitSlices(k); err != nil {
		return nil, err
	}

	cfg := &domain.Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps KESTREL_QUEUE__INPUT_TOPIC to queue.input_topic.
// Bare names without a section (KESTREL_TIER) map to top-level keys.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func splitSlices(k *koanf.Koanf) error {
	for _, key := range sliceKeys {
		raw, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

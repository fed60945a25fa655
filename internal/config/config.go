// Package config holds runtime configuration for conjure.
//
// All settings are read at call time by the loader, so updating a Config
// provider takes effect on the next resolution rather than at process start.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all conjure configuration.
type Config struct {
	// Generation backend
	Generator GeneratorConfig `yaml:"generator"`

	// Cache persistence
	Cache CacheConfig `yaml:"cache"`

	// Safety gating
	Safety SafetyConfig `yaml:"safety"`

	// Context extraction
	Context ContextConfig `yaml:"context"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// GeneratorConfig configures the synthesis backend.
type GeneratorConfig struct {
	Backend         string  `yaml:"backend"` // gemini, offline
	Model           string  `yaml:"model"`
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	Timeout         string  `yaml:"timeout"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature"`
}

// CacheConfig configures the on-disk artifact store.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// SafetyConfig configures the static validator and the review gate.
type SafetyConfig struct {
	// AllowUnsafe disables the static denylist entirely. Opting in is an
	// explicit, auditable choice; nothing flips this silently.
	AllowUnsafe bool `yaml:"allow_unsafe"`
	// Review inserts an interactive approval step before execution.
	Review bool `yaml:"review"`
}

// ContextConfig configures caller-context extraction.
type ContextConfig struct {
	// Radius is the line window scanned around the triggering call site.
	Radius int `yaml:"radius"`
}

// LoggingConfig configures the logging subsystem.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Debug bool   `yaml:"debug"`
}

// DefaultTimeout bounds a single generation attempt when no timeout is set.
const DefaultTimeout = 2 * time.Minute

// DefaultRadius is the default context-extraction line radius.
const DefaultRadius = 3

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Generator: GeneratorConfig{
			Backend:         "gemini",
			Model:           "gemini-2.5-flash",
			Timeout:         "2m",
			MaxOutputTokens: 8192,
			Temperature:     1.0,
		},
		Cache: CacheConfig{
			Dir: ".conjure",
		},
		Context: ContextConfig{
			Radius: DefaultRadius,
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// Load reads a YAML config file and applies environment overrides on top.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// ApplyEnvOverrides overlays CONJURE_* environment variables onto the config.
// GEMINI_API_KEY is honored as an API key fallback.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CONJURE_BACKEND"); v != "" {
		c.Generator.Backend = v
	}
	if v := os.Getenv("CONJURE_MODEL"); v != "" {
		c.Generator.Model = v
	}
	if v := os.Getenv("CONJURE_API_KEY"); v != "" {
		c.Generator.APIKey = v
	} else if v := os.Getenv("GEMINI_API_KEY"); v != "" && c.Generator.APIKey == "" {
		c.Generator.APIKey = v
	}
	if v := os.Getenv("CONJURE_BASE_URL"); v != "" {
		c.Generator.BaseURL = v
	}
	if v := os.Getenv("CONJURE_TIMEOUT"); v != "" {
		c.Generator.Timeout = v
	}
	if v := os.Getenv("CONJURE_CACHE_DIR"); v != "" {
		c.Cache.Dir = v
	}
	if v := os.Getenv("CONJURE_UNSAFE"); v != "" {
		c.Safety.AllowUnsafe = isTruthy(v)
	}
	if v := os.Getenv("CONJURE_REVIEW"); v != "" {
		c.Safety.Review = isTruthy(v)
	}
	if v := os.Getenv("CONJURE_CONTEXT_RADIUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Context.Radius = n
		}
	}
	if v := os.Getenv("CONJURE_DEBUG"); v != "" {
		c.Logging.Debug = isTruthy(v)
	}
}

// TimeoutOrDefault parses the generator timeout, falling back to the default
// on empty or malformed values.
func (g GeneratorConfig) TimeoutOrDefault() time.Duration {
	if g.Timeout == "" {
		return DefaultTimeout
	}
	d, err := time.ParseDuration(g.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// RadiusOrDefault returns the configured radius, guarding against zero values
// from partially populated configs.
func (c ContextConfig) RadiusOrDefault() int {
	if c.Radius <= 0 {
		return DefaultRadius
	}
	return c.Radius
}

func isTruthy(v string) bool {
	switch v {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}

// Package config provides configuration for the timeline core.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds engine and CLI configuration.
type Config struct {
	// Author is recorded on created checkpoints.
	Author string `yaml:"author"`
	// CompressionLevel is the zstd level for stored blobs (0 = default).
	CompressionLevel int `yaml:"compression_level"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// FromEnv creates a Config from environment variables.
func FromEnv() *Config {
	return &Config{
		Author:           getEnv("TIMELINE_AUTHOR", "Anon"),
		CompressionLevel: getEnvInt("TIMELINE_COMPRESSION_LEVEL", 0),
		Debug:            getEnvBool("TIMELINE_DEBUG", false),
	}
}

// Load reads an optional YAML config file over the env defaults. A missing
// file is not an error.
func Load(path string) (*Config, error) {
	cfg := FromEnv()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

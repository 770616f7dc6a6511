package main

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the attestcheck configuration file.
type Config struct {
	Anchors AnchorsConfig `yaml:"anchors"`

	// CI relaxes the declaration range policy for test declarations.
	CI bool `yaml:"ci"`

	// LogLevel is a logrus level name (default: warning).
	LogLevel string `yaml:"log_level"`

	// Format is the verdict output format: text, json or cbor (default: text).
	Format string `yaml:"format"`
}

// AnchorsConfig selects where declaration signing keys are loaded from.
type AnchorsConfig struct {
	Dir string    `yaml:"dir"`
	GCS GCSConfig `yaml:"gcs"`
}

// GCSConfig locates trust anchors in a Cloud Storage bucket.
type GCSConfig struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	CredentialsFile string `yaml:"credentials_file"`
	Endpoint        string `yaml:"endpoint"`
}

func defaultConfig() *Config {
	return &Config{
		LogLevel: "warning",
		Format:   "text",
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Format {
	case "text", "json", "cbor":
	default:
		return fmt.Errorf("unknown format %q", c.Format)
	}
	if c.Anchors.Dir != "" && c.Anchors.GCS.Bucket != "" {
		return errors.New("anchors.dir and anchors.gcs are mutually exclusive")
	}
	return nil
}

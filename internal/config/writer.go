package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// SaveConfig writes a Config to a YAML file.
// It performs an atomic write by writing to a temporary file first,
// then renaming it to the target path.
func SaveConfig(cfg *Config, path string) error {
	// Validate config before saving
	if err := validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Atomic write: temp file, then rename. Secrets may live in the file, so 0600.
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// AddJob appends a declarative job to the config file, creating the file
// with defaults if needed.
func AddJob(configPath string, job Job) error {
	// Load existing config or start from defaults
	var cfg *Config
	if _, statErr := os.Stat(configPath); statErr == nil {
		loaded, err := LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load existing config: %w", err)
		}
		cfg = loaded
	} else {
		cfg = NewDefaultConfig()
	}

	// Check for duplicate job name
	for _, existing := range cfg.Jobs {
		if existing.Name == job.Name {
			return fmt.Errorf("job %q already exists in %s", job.Name, configPath)
		}
	}
	if job.Severity == "" {
		job.Severity = "medium"
	}
	cfg.Jobs = append(cfg.Jobs, job)

	// Save config
	if err := SaveConfig(cfg, configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// NewDefaultConfig creates a new Config with sensible defaults.
func NewDefaultConfig() *Config {
	cfg := &Config{
		Evaluator: Evaluator{LeaderLock: true},
		Jobs:      []Job{},
	}
	applyDefaults(cfg)
	return cfg
}

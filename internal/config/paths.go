package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// UserConfigDir returns ~/.threadline.
func UserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".threadline"), nil
}

// DefaultPath returns the config file used when --config is not given:
// THREADLINE_CONFIG if set, else ~/.threadline/config.yaml.
func DefaultPath() string {
	if p := os.Getenv("THREADLINE_CONFIG"); p != "" {
		return p
	}
	dir, err := UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "config.yaml")
}

// Save writes cfg to path, creating the parent directory.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

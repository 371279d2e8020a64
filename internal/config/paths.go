package config

import (
	"os"
	"path/filepath"
)

func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".gatelink"), nil
}

// DefaultPath is ~/.gatelink/config.yaml.
func DefaultPath() (string, error) {
	dir, err := GetUserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// EnsureDirs creates the directories the configuration points at.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{filepath.Dir(c.Database.Path), c.Staging.Dir} {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"io/fs"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Existing variables win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays CASTBOT_* environment variables onto cfg. Only
// variables that are set replace file values.
func ApplyEnv(cfg *Config) error {
	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	return nil
}

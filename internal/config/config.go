// Package config loads the daemon configuration and the per-project
// analyzer settings.
package config

import (
	"fmt"
	"os"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/launchanalyzer/internal/model"
)

// Load reads the daemon config file and applies defaults. A missing file
// yields the defaults.
func Load(path string) (model.Config, error) {
	var cfg model.Config
	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yamlv3.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// Validate rejects values that are wrong rather than merely unset.
func Validate(cfg model.Config) error {
	if cfg.Status.MaxEntries < 0 {
		return fmt.Errorf("%w: status.max_entries must not be negative", model.ErrValidation)
	}
	if cfg.Pattern.BatchSize < 0 {
		return fmt.Errorf("%w: pattern.batch_size must not be negative", model.ErrValidation)
	}
	if cfg.Worker.PoolSize < 0 {
		return fmt.Errorf("%w: worker.pool_size must not be negative", model.ErrValidation)
	}
	return nil
}

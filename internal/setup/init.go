// Package setup lays out a new analyzerd working directory.
package setup

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/launchanalyzer/internal/config"
	"github.com/msageha/launchanalyzer/internal/model"
	"github.com/msageha/launchanalyzer/templates"
)

const (
	ConfigFile   = "config.yaml"
	ProjectsFile = "projects.yaml"
)

// Options override template values.
type Options struct {
	NATSURL  string
	HTTPAddr string
	// Force overwrites an existing config.yaml.
	Force bool
}

// Run writes config.yaml and projects.yaml into baseDir and creates the
// directories they point at.
func Run(baseDir string, opts Options) error {
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return fmt.Errorf("resolve base dir: %w", err)
	}
	cfgPath := filepath.Join(absDir, ConfigFile)
	if _, err := os.Stat(cfgPath); err == nil && !opts.Force {
		return fmt.Errorf("%s already exists", cfgPath)
	}

	cfg, err := generateConfig(opts)
	if err != nil {
		return fmt.Errorf("generate config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	dirs := []string{"logs"}
	for _, p := range []string{cfg.Store.Path, cfg.Daemon.LockPath, cfg.Events.AuditLogPath} {
		if p != "" && !filepath.IsAbs(p) {
			dirs = append(dirs, filepath.Dir(p))
		}
	}
	for _, d := range dirs {
		dir := filepath.Join(absDir, d)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	if err := config.WriteYAML(cfgPath, cfg); err != nil {
		return fmt.Errorf("write %s: %w", ConfigFile, err)
	}

	projectsPath := filepath.Join(absDir, cfg.Projects.SettingsPath)
	if _, err := os.Stat(projectsPath); os.IsNotExist(err) {
		if err := copyTemplateFile(ProjectsFile, projectsPath); err != nil {
			return err
		}
	}
	return nil
}

func copyTemplateFile(name, dst string) error {
	data, err := fs.ReadFile(templates.FS, name)
	if err != nil {
		return fmt.Errorf("read template %s: %w", name, err)
	}
	if err := config.WriteFileAtomic(dst, data); err != nil {
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

func generateConfig(opts Options) (model.Config, error) {
	var cfg model.Config
	data, err := fs.ReadFile(templates.FS, ConfigFile)
	if err != nil {
		return cfg, fmt.Errorf("read config template: %w", err)
	}
	if err := yamlv3.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config template: %w", err)
	}

	if opts.NATSURL != "" {
		cfg.NATS.URL = opts.NATSURL
	}
	if opts.HTTPAddr != "" {
		cfg.HTTP.Addr = opts.HTTPAddr
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

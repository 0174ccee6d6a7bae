package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/launchanalyzer/internal/logging"
	"github.com/msageha/launchanalyzer/internal/model"
)

// projectsFile is the on-disk layout of the project settings file.
//
//	defaults:
//	  analyzer.isAutoAnalyzerEnabled: true
//	projects:
//	  12:
//	    analyzer.minDocFreq: 7
type projectsFile struct {
	Defaults map[string]any           `yaml:"defaults"`
	Projects map[int64]map[string]any `yaml:"projects"`
}

// ProjectSettings serves per-project settings from a YAML file and can
// reload it when it changes.
type ProjectSettings struct {
	path   string
	logger *logging.Logger

	mu       sync.RWMutex
	defaults model.ProjectSettings
	projects map[int64]model.ProjectSettings
}

// LoadProjectSettings reads path. A missing file is not an error.
func LoadProjectSettings(path string, logger *logging.Logger) (*ProjectSettings, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	p := &ProjectSettings{path: path, logger: logger.WithComponent("projects")}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the file. On error the previous settings stay in effect.
func (p *ProjectSettings) Reload() error {
	data, err := os.ReadFile(p.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", p.path, err)
	}

	var pf projectsFile
	if len(data) > 0 {
		if err := yamlv3.Unmarshal(data, &pf); err != nil {
			return fmt.Errorf("parse %s: %w", p.path, err)
		}
	}

	projects := make(map[int64]model.ProjectSettings, len(pf.Projects))
	for id, raw := range pf.Projects {
		projects[id] = stringify(raw)
	}

	p.mu.Lock()
	p.defaults = stringify(pf.Defaults)
	p.projects = projects
	p.mu.Unlock()

	p.logger.Infof("project settings loaded path=%s projects=%d", p.path, len(projects))
	return nil
}

// Settings returns the merged settings of one project; project values
// override the defaults section.
func (p *ProjectSettings) Settings(projectID int64) model.ProjectSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(model.ProjectSettings, len(p.defaults)+len(p.projects[projectID]))
	for k, v := range p.defaults {
		out[k] = v
	}
	for k, v := range p.projects[projectID] {
		out[k] = v
	}
	return out
}

// AnalyzerSettings is Settings converted to the analyzer view.
func (p *ProjectSettings) AnalyzerSettings(projectID int64) model.AnalyzerSettings {
	return model.AnalyzerSettingsFrom(p.Settings(projectID))
}

// Watch reloads the file whenever it is written, created or renamed into
// place, until ctx is done. The parent directory is watched so editors that
// replace the file are picked up.
func (p *ProjectSettings) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return fmt.Errorf("ensure dir %s: %w", dir, err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(p.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					p.logger.Debugf("fsnotify event=%s file=%s", event.Op, event.Name)
					if err := p.Reload(); err != nil {
						p.logger.Errorf("reload project settings err=%v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Errorf("fsnotify error=%v", err)
			}
		}
	}()
	return nil
}

func stringify(raw map[string]any) model.ProjectSettings {
	out := make(model.ProjectSettings, len(raw))
	for k, v := range raw {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// Set stores one setting for a project (projectID 0 targets the defaults
// section), rewrites the file atomically and reloads it.
func (p *ProjectSettings) Set(projectID int64, key, value string) error {
	var pf projectsFile
	data, err := os.ReadFile(p.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", p.path, err)
	}
	if len(data) > 0 {
		if err := yamlv3.Unmarshal(data, &pf); err != nil {
			return fmt.Errorf("parse %s: %w", p.path, err)
		}
	}

	if projectID == 0 {
		if pf.Defaults == nil {
			pf.Defaults = make(map[string]any)
		}
		pf.Defaults[key] = value
	} else {
		if pf.Projects == nil {
			pf.Projects = make(map[int64]map[string]any)
		}
		if pf.Projects[projectID] == nil {
			pf.Projects[projectID] = make(map[string]any)
		}
		pf.Projects[projectID][key] = value
	}

	if err := WriteYAML(p.path, pf); err != nil {
		return err
	}
	return p.Reload()
}

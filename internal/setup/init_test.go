package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/launchanalyzer/internal/config"
)

func TestRun_WritesLayout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir, Options{NATSURL: "nats://broker:4222", HTTPAddr: "0.0.0.0:9000"}))

	cfg, err := config.Load(filepath.Join(dir, ConfigFile))
	require.NoError(t, err)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, "0.0.0.0:9000", cfg.HTTP.Addr)
	assert.Equal(t, "launch.finished", cfg.NATS.LaunchFinishedSubject)
	assert.Equal(t, "events/audit.jsonl", cfg.Events.AuditLogPath)

	for _, sub := range []string{"data", "events", "logs"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err, sub)
		assert.True(t, info.IsDir())
	}

	ps, err := config.LoadProjectSettings(filepath.Join(dir, ProjectsFile), nil)
	require.NoError(t, err)
	s := ps.AnalyzerSettings(1)
	assert.True(t, s.IsAutoAnalyzerEnabled)
	assert.Equal(t, 95, s.MinShouldMatch)
	assert.Equal(t, -1, s.NumberOfLogLines)
}

func TestRun_RefusesExistingConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir, Options{}))
	assert.Error(t, Run(dir, Options{}))
}

func TestRun_ForceKeepsProjects(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir, Options{}))

	projects := filepath.Join(dir, ProjectsFile)
	require.NoError(t, os.WriteFile(projects, []byte("projects:\n  4:\n    analyzer.minDocFreq: 8\n"), 0644))

	require.NoError(t, Run(dir, Options{Force: true, HTTPAddr: "127.0.0.1:9999"}))

	cfg, err := config.Load(filepath.Join(dir, ConfigFile))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTP.Addr)

	ps, err := config.LoadProjectSettings(projects, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, ps.AnalyzerSettings(4).MinDocFreq)
}

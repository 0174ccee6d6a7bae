// Package model defines the configuration, domain entities and wire types of
// the launch analysis engine.
package model

import "time"

type Config struct {
	NATS     NATSConfig     `yaml:"nats"`
	Analyzer AnalyzerConfig `yaml:"analyzer"`
	Status   StatusConfig   `yaml:"status"`
	Pattern  PatternConfig  `yaml:"pattern"`
	Worker   WorkerConfig   `yaml:"worker"`
	Store    StoreConfig    `yaml:"store"`
	HTTP     HTTPConfig     `yaml:"http"`
	Events   EventsConfig   `yaml:"events"`
	Projects ProjectsConfig `yaml:"projects"`
	Daemon   DaemonConfig   `yaml:"daemon"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type NATSConfig struct {
	URL              string `yaml:"url"`
	MaxReconnects    int    `yaml:"max_reconnects"`
	ReconnectWaitSec int    `yaml:"reconnect_wait_sec"`
	TimeoutSec       int    `yaml:"timeout_sec"`
	// LaunchFinishedSubject is where inbound LaunchFinishedEvent messages arrive.
	LaunchFinishedSubject string `yaml:"launch_finished_subject"`
}

type AnalyzerConfig struct {
	SubjectPrefix     string `yaml:"subject_prefix"`
	DiscoveryWindowMs int    `yaml:"discovery_window_ms"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
	IndexTimeoutSec   int    `yaml:"index_timeout_sec"`
	AnalyzeTimeoutSec int    `yaml:"analyze_timeout_sec"`
}

type StatusConfig struct {
	TTLMin        int `yaml:"ttl_min"`
	MaxEntries    int `yaml:"max_entries"`
	SweepInterval int `yaml:"sweep_interval_sec"`
}

type PatternConfig struct {
	BatchSize int `yaml:"batch_size"`
}

type WorkerConfig struct {
	PoolSize int `yaml:"pool_size"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type EventsConfig struct {
	BufferSize     int    `yaml:"buffer_size"`
	AuditLogPath   string `yaml:"audit_log_path"`
	AuditMaxBytes  int64  `yaml:"audit_max_bytes"`
	ForwardSubject string `yaml:"forward_subject"`
}

type ProjectsConfig struct {
	SettingsPath string `yaml:"settings_path"`
}

type DaemonConfig struct {
	ShutdownTimeoutSec int    `yaml:"shutdown_timeout_sec"`
	LockPath           string `yaml:"lock_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ApplyDefaults fills zero values with the documented defaults.
func (c *Config) ApplyDefaults() {
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectWaitSec <= 0 {
		c.NATS.ReconnectWaitSec = 2
	}
	if c.NATS.TimeoutSec <= 0 {
		c.NATS.TimeoutSec = 5
	}
	if c.NATS.LaunchFinishedSubject == "" {
		c.NATS.LaunchFinishedSubject = "launch.finished"
	}
	if c.Analyzer.SubjectPrefix == "" {
		c.Analyzer.SubjectPrefix = "analyzer"
	}
	if c.Analyzer.DiscoveryWindowMs <= 0 {
		c.Analyzer.DiscoveryWindowMs = 500
	}
	if c.Analyzer.RequestTimeoutSec <= 0 {
		c.Analyzer.RequestTimeoutSec = 30
	}
	if c.Analyzer.IndexTimeoutSec <= 0 {
		c.Analyzer.IndexTimeoutSec = 120
	}
	if c.Analyzer.AnalyzeTimeoutSec <= 0 {
		c.Analyzer.AnalyzeTimeoutSec = 300
	}
	if c.Status.TTLMin <= 0 {
		c.Status.TTLMin = 60
	}
	if c.Status.MaxEntries <= 0 {
		c.Status.MaxEntries = 10000
	}
	if c.Status.SweepInterval <= 0 {
		c.Status.SweepInterval = 60
	}
	if c.Pattern.BatchSize <= 0 {
		c.Pattern.BatchSize = 100
	}
	if c.Worker.PoolSize <= 0 {
		c.Worker.PoolSize = 8
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/analyzer.db"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8585"
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 256
	}
	if c.Events.ForwardSubject == "" {
		c.Events.ForwardSubject = "events"
	}
	if c.Projects.SettingsPath == "" {
		c.Projects.SettingsPath = "projects.yaml"
	}
	if c.Daemon.ShutdownTimeoutSec <= 0 {
		c.Daemon.ShutdownTimeoutSec = 30
	}
	if c.Daemon.LockPath == "" {
		c.Daemon.LockPath = "data/analyzerd.lock"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c AnalyzerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

func (c AnalyzerConfig) DiscoveryWindow() time.Duration {
	return time.Duration(c.DiscoveryWindowMs) * time.Millisecond
}

// RouteTimeout returns the per-call timeout for a route. Index and analyze
// calls can legitimately run for minutes.
func (c AnalyzerConfig) RouteTimeout(route Route) time.Duration {
	switch route {
	case RouteIndex:
		return time.Duration(c.IndexTimeoutSec) * time.Second
	case RouteAnalyze:
		return time.Duration(c.AnalyzeTimeoutSec) * time.Second
	default:
		return c.RequestTimeout()
	}
}

func (c StatusConfig) TTL() time.Duration {
	return time.Duration(c.TTLMin) * time.Minute
}

// Package daemon wires the analysis engine together and runs it as a
// long-lived process: broker connection, store, analyzers, dispatcher and
// the ops HTTP server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/msageha/launchanalyzer/internal/analyzer"
	"github.com/msageha/launchanalyzer/internal/autoanalysis"
	"github.com/msageha/launchanalyzer/internal/config"
	"github.com/msageha/launchanalyzer/internal/events"
	"github.com/msageha/launchanalyzer/internal/indexer"
	"github.com/msageha/launchanalyzer/internal/launch"
	"github.com/msageha/launchanalyzer/internal/lock"
	"github.com/msageha/launchanalyzer/internal/logging"
	"github.com/msageha/launchanalyzer/internal/metrics"
	"github.com/msageha/launchanalyzer/internal/model"
	"github.com/msageha/launchanalyzer/internal/pattern"
	"github.com/msageha/launchanalyzer/internal/status"
	"github.com/msageha/launchanalyzer/internal/store"
	"github.com/msageha/launchanalyzer/internal/worker"
)

// Daemon is the analyzerd process.
type Daemon struct {
	baseDir string
	config  model.Config
	logger  *logging.Logger
	logFile io.Closer

	fileLock *lock.FileLock
	nc       *nats.Conn
	ownsConn bool
	ticker   *time.Ticker

	store      *store.Store
	cache      *status.Cache
	pool       *worker.Pool
	bus        *events.Bus
	audit      *events.AuditLogger
	metrics    *metrics.Collector
	projects   *config.ProjectSettings
	directory  *analyzer.Directory
	client     *analyzer.Client
	indexer    *indexer.Indexer
	auto       *autoanalysis.Analyzer
	patterns   *pattern.Analyzer
	templates  *pattern.TemplateService
	dispatcher *launch.Dispatcher

	launchSub  *nats.Subscription
	detachers  []func()
	httpServer *http.Server
	listener   net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown sync.Once
}

// New creates a daemon that logs to <baseDir>/logs/analyzerd.log.
func New(baseDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(baseDir, "logs", "analyzerd.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(baseDir, cfg, io.MultiWriter(logFile, os.Stderr), logFile), nil
}

func newDaemon(baseDir string, cfg model.Config, w io.Writer, closer io.Closer) *Daemon {
	cfg.ApplyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		baseDir:  baseDir,
		config:   cfg,
		logger:   logging.New(w, logging.ParseLevel(cfg.Logging.Level)).WithComponent("daemon"),
		logFile:  closer,
		fileLock: lock.NewFileLock(resolve(baseDir, cfg.Daemon.LockPath)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetConn injects an established broker connection. The daemon does not
// close injected connections.
func (d *Daemon) SetConn(nc *nats.Conn) {
	d.nc = nc
}

// Run starts the daemon and blocks until a signal triggers shutdown.
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}
	d.waitSignals()
	return nil
}

// Start brings every component up and returns once the daemon is serving.
func (d *Daemon) Start() error {
	// Step 1: single instance
	if err := os.MkdirAll(filepath.Dir(d.fileLock.Path()), 0755); err != nil {
		return fmt.Errorf("ensure lock dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Infof("daemon starting pid=%d", os.Getpid())

	// Step 2: broker and store
	if err := d.connect(); err != nil {
		d.cleanup()
		return err
	}
	st, err := store.Open(resolve(d.baseDir, d.config.Store.Path))
	if err != nil {
		d.cleanup()
		return fmt.Errorf("open store: %w", err)
	}
	d.store = st

	// Step 3: components
	if err := d.wire(); err != nil {
		d.cleanup()
		return err
	}

	// Step 4: inbound triggers
	sub, err := d.dispatcher.Listen(d.ctx, d.nc, d.config.NATS.LaunchFinishedSubject)
	if err != nil {
		d.cleanup()
		return err
	}
	d.launchSub = sub

	if err := d.projects.Watch(d.ctx); err != nil {
		d.logger.Warnf("project settings hot reload disabled err=%v", err)
	}

	// Step 5: ops HTTP
	if err := d.serveHTTP(); err != nil {
		d.cleanup()
		return err
	}

	// Step 6: background loops
	d.ticker = time.NewTicker(time.Duration(d.config.Status.SweepInterval) * time.Second)
	d.wg.Add(1)
	go d.sweepLoop()

	d.logger.Infof("daemon ready http=%s subject=%s", d.HTTPAddr(), d.config.NATS.LaunchFinishedSubject)
	return nil
}

func (d *Daemon) connect() error {
	if d.nc != nil {
		return nil
	}
	nc, err := nats.Connect(d.config.NATS.URL,
		nats.Name("analyzerd"),
		nats.Timeout(time.Duration(d.config.NATS.TimeoutSec)*time.Second),
		nats.MaxReconnects(d.config.NATS.MaxReconnects),
		nats.ReconnectWait(time.Duration(d.config.NATS.ReconnectWaitSec)*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			d.logger.Warnf("broker disconnected err=%v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			d.logger.Infof("broker reconnected url=%s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("connect %s: %w", d.config.NATS.URL, err)
	}
	d.nc = nc
	d.ownsConn = true
	return nil
}

// wire constructs the engine components and connects their observers.
func (d *Daemon) wire() error {
	cfg := d.config
	base := d.logger

	projects, err := config.LoadProjectSettings(resolve(d.baseDir, cfg.Projects.SettingsPath), base)
	if err != nil {
		return fmt.Errorf("load project settings: %w", err)
	}
	d.projects = projects

	d.metrics = metrics.New()
	d.cache = status.New(cfg.Status.MaxEntries, cfg.Status.TTL())
	d.pool = worker.NewPool(cfg.Worker.PoolSize, base)

	d.bus = events.NewBus(cfg.Events.BufferSize)
	d.bus.SetPanicHandler(func(t events.EventType, r interface{}) {
		d.logger.Errorf("event subscriber panicked type=%s panic=%v", t, r)
	})
	if cfg.Events.AuditLogPath != "" {
		audit, err := events.NewAuditLogger(resolve(d.baseDir, cfg.Events.AuditLogPath), cfg.Events.AuditMaxBytes)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		d.audit = audit
		d.detachers = append(d.detachers, d.bus.SubscribeAll(func(e events.Event) {
			if err := audit.Record(e); err != nil {
				d.logger.Warnf("audit record id=%s err=%v", e.ID, err)
			}
		}))
	}
	d.detachers = append(d.detachers, events.NewForwarder(d.nc, cfg.Events.ForwardSubject, base).Attach(d.bus))

	d.directory = analyzer.NewDirectory(d.nc, cfg.Analyzer.DiscoveryWindow(), base)
	d.client = analyzer.NewClient(d.nc, d.directory, cfg.Analyzer, base)
	d.client.SetObserver(d.metrics)

	d.indexer = indexer.New(d.client, d.store, base)
	d.indexer.SetCounter(d.metrics)

	d.auto = autoanalysis.New(d.client, d.cache, d.indexer, d.store, d.pool, base)
	d.auto.SetEventBus(d.bus)
	d.auto.SetRecorder(d.metrics)

	d.patterns = pattern.New(d.store, d.cache, d.pool, cfg.Pattern.BatchSize, base)
	d.patterns.SetEventBus(d.bus)
	d.patterns.SetRecorder(d.metrics)
	d.templates = pattern.NewTemplateService(d.store)

	d.dispatcher = launch.NewDispatcher(d.store, d.projects, base)
	d.dispatcher.Register(launch.AutoAnalysisSubscriber{Analyzer: d.auto})
	d.dispatcher.Register(launch.PatternSubscriber{Analyzer: d.patterns})

	d.metrics.Gauge("status_entries", "Analyses currently marked in progress.", func() float64 {
		return float64(d.cache.Len())
	})
	d.metrics.Gauge("events_dropped", "Event deliveries dropped on full subscriber buffers.", func() float64 {
		return float64(d.bus.Dropped())
	})
	return nil
}

func (d *Daemon) serveHTTP() error {
	ln, err := net.Listen("tcp", d.config.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.config.HTTP.Addr, err)
	}
	d.listener = ln
	d.httpServer = &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Errorf("http server err=%v", err)
		}
	}()
	return nil
}

// HTTPAddr is the bound ops HTTP address, empty before Start.
func (d *Daemon) HTTPAddr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// sweepLoop purges expired status entries.
func (d *Daemon) sweepLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			if n := d.cache.Sweep(); n > 0 {
				d.logger.Warnf("swept expired status entries count=%d", n)
			}
		}
	}
}

// waitSignals blocks until a shutdown signal is received.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		d.logger.Infof("received signal=%s, initiating graceful shutdown", sig)
	case <-d.ctx.Done():
		return
	}

	// Second signal → force exit
	go func() {
		<-sigCh
		d.logger.Warnf("received second signal, forcing exit")
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown (idempotent via sync.Once).
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Infof("shutdown started")
		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second

		// 1. Stop producers
		if d.launchSub != nil {
			d.launchSub.Unsubscribe()
		}
		if d.ticker != nil {
			d.ticker.Stop()
		}
		if d.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := d.httpServer.Shutdown(ctx); err != nil {
				d.logger.Warnf("http shutdown err=%v", err)
			}
			cancel()
		}

		// 2. Let in-flight analyses finish, then cancel
		if d.pool != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := d.pool.Drain(ctx); err != nil {
				d.logger.Warnf("shutdown timeout after %s, cancelling running analyses", timeout)
			}
			cancel()
		}
		d.cancel()
		if d.pool != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			d.pool.Shutdown(ctx)
			cancel()
		}

		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.logger.Infof("all goroutines drained")
		case <-time.After(timeout):
			d.logger.Warnf("shutdown timeout after %s, some operations may be incomplete", timeout)
		}

		d.cleanup()
		d.logger.Infof("daemon stopped")
	})
}

// cleanup releases resources.
func (d *Daemon) cleanup() {
	for _, detach := range d.detachers {
		detach()
	}
	d.detachers = nil
	if d.bus != nil {
		d.bus.Close()
	}
	if d.audit != nil {
		d.audit.Close()
	}
	if d.store != nil {
		d.store.Close()
	}
	if d.nc != nil && d.ownsConn {
		d.nc.Drain()
	}
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

// resolve anchors relative config paths at the daemon's base directory.
func resolve(baseDir, path string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) || baseDir == "" {
		return path
	}
	return filepath.Join(baseDir, path)
}

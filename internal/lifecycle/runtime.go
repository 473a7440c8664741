// Package lifecycle builds the runtime object that owns every long-lived
// component and orchestrates startup and shutdown across them.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/plughost/internal/config"
	"github.com/mattjoyce/plughost/internal/events"
	"github.com/mattjoyce/plughost/internal/host"
	"github.com/mattjoyce/plughost/internal/journal"
	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/queue"
	"github.com/mattjoyce/plughost/internal/runs"
	"github.com/mattjoyce/plughost/internal/status"
	"github.com/mattjoyce/plughost/internal/storage"
)

const (
	EventQueueName   = "events"
	MessageQueueName = "messages"

	hubCapacity = 256
)

var errAlreadyStarted = errors.New("runtime already started")

type Options struct {
	// Spawner overrides process creation, mainly for tests.
	Spawner host.Spawner
	// DisableJournal skips opening state.path.
	DisableJournal bool
	Logger         *slog.Logger
}

// Runtime is the explicit context passed to every component. It is built
// once by New and holds no package-level state.
type Runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	spawner host.Spawner

	Hub      *events.Hub
	Statuses *status.Manager
	Registry *plugin.Registry
	Tracker  *runs.Tracker
	Journal  *journal.Journal

	// Created by Startup.
	Events   *queue.Bounded
	Messages *queue.Bounded

	db      *sql.DB
	watcher *plugin.Watcher

	mu       sync.Mutex
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	stopErr  error
	stopDone chan struct{}
}

// New wires the components together. It opens the run journal but starts
// no goroutines and spawns no plugins.
func New(cfg *config.Config, opts Options) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("lifecycle")
	}

	rt := &Runtime{
		cfg:      cfg,
		logger:   opts.Logger,
		spawner:  opts.Spawner,
		Hub:      events.NewHub(hubCapacity),
		stopDone: make(chan struct{}),
	}
	rt.Statuses = status.NewManager(rt.Hub)
	rt.Registry = plugin.NewRegistry(plugin.Options{
		Roots:           cfg.Plugins.Roots,
		Factory:         rt.startHost,
		Statuses:        rt.Statuses,
		ShutdownTimeout: cfg.Hosts.ShutdownTimeout,
		Logger:          log.WithComponent("registry"),
	})

	var recorder runs.Recorder
	if !opts.DisableJournal {
		db, err := storage.OpenSQLite(context.Background(), cfg.State.Path)
		if err != nil {
			return nil, fmt.Errorf("open run journal %s: %w", cfg.State.Path, err)
		}
		rt.db = db
		rt.Journal = journal.New(db)
		recorder = rt.Journal
	}

	rt.Tracker = runs.NewTracker(runs.Options{
		Resolver: runs.ResolverFunc(func(ctx context.Context, pluginID string) (runs.Host, error) {
			h, err := rt.Registry.GetOrCreateHost(ctx, pluginID)
			if err != nil {
				return nil, err
			}
			return h, nil
		}),
		DefaultTimeout: cfg.Runs.DefaultTimeout,
		Retention:      cfg.Runs.Retention,
		Recorder:       recorder,
		Publisher:      rt.Hub,
		Logger:         log.WithComponent("runs"),
	})
	return rt, nil
}

// Config returns the configuration the runtime was built with.
func (rt *Runtime) Config() *config.Config {
	return rt.cfg
}

// Startup initializes both queues, loads the registry, and best-effort
// starts every auto_connect plugin. A plugin that fails to start is marked
// as errored and never aborts startup.
func (rt *Runtime) Startup(ctx context.Context) error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return errAlreadyStarted
	}
	rt.started = true
	bg, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.mu.Unlock()

	rt.Events = queue.New(EventQueueName, rt.cfg.Queues.EventCapacity)
	rt.Messages = queue.New(MessageQueueName, rt.cfg.Queues.MessageCapacity)

	rt.goLoop(func() { rt.Statuses.Run(bg) })

	if err := rt.Registry.Load(); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}
	rt.logger.Info("plugin discovery complete", "count", len(rt.Registry.Descriptors()))

	rt.autoConnect(ctx)

	rt.goLoop(func() { rt.Tracker.RunJanitor(bg, rt.cfg.Runs.SweepInterval) })
	rt.goLoop(func() { rt.pumpEvents(bg) })
	if rt.Journal != nil && rt.cfg.State.Retention > 0 {
		rt.goLoop(func() { rt.pruneJournal(bg) })
	}
	if rt.cfg.Plugins.Watch {
		rt.startWatcher(bg)
	}

	rt.Hub.Publish("service.started", map[string]any{"plugins": len(rt.Registry.Descriptors())})
	return nil
}

func (rt *Runtime) autoConnect(ctx context.Context) {
	var g errgroup.Group
	for _, d := range rt.Registry.Descriptors() {
		if !d.AutoConnect {
			continue
		}
		g.Go(func() error {
			if _, err := rt.Registry.Connect(ctx, d.ID); err != nil {
				rt.logger.Warn("auto_connect failed", "plugin", d.ID, "error", err)
				rt.Statuses.Report(status.Event{
					PluginID: d.ID,
					State:    string(status.Error),
					Detail:   err.Error(),
				})
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (rt *Runtime) startWatcher(ctx context.Context) {
	w, err := plugin.NewWatcher(rt.Registry, rt.cfg.Plugins.WatchDebounce)
	if err != nil {
		rt.logger.Warn("plugin watcher unavailable", "error", err)
		return
	}
	if err := w.Start(ctx); err != nil {
		rt.logger.Warn("plugin watcher unavailable", "error", err)
		_ = w.Stop()
		return
	}
	rt.watcher = w
	rt.goLoop(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case report := <-w.Reloads():
				rt.logger.Info("plugins reloaded",
					"added", len(report.Added), "removed", len(report.Removed), "changed", len(report.Changed))
				rt.Hub.Publish("plugins.reloaded", report)
			}
		}
	})
}

// Shutdown stops every live host concurrently within the configured
// deadline, waits for in-flight runs, closes both queues and the journal.
// Later calls wait for the first and return its result.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.mu.Lock()
	if rt.stopped {
		rt.mu.Unlock()
		select {
		case <-rt.stopDone:
		case <-ctx.Done():
			return ctx.Err()
		}
		return rt.stopErr
	}
	rt.stopped = true
	cancel := rt.cancel
	rt.mu.Unlock()

	var errs []error
	if rt.watcher != nil {
		if err := rt.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop watcher: %w", err))
		}
	}

	deadline, done := context.WithTimeout(ctx, rt.cfg.Hosts.ShutdownDeadline)
	defer done()

	start := time.Now()
	results := rt.Registry.ShutdownAll(deadline, rt.cfg.Hosts.ShutdownTimeout)
	forced := 0
	for id, clean := range results {
		if !clean {
			forced++
			rt.logger.Warn("plugin did not stop cleanly", "plugin", id)
		}
	}
	rt.logger.Info("plugin hosts stopped", "count", len(results), "forced", forced, "elapsed", time.Since(start))

	if err := rt.Tracker.Close(deadline); err != nil {
		errs = append(errs, fmt.Errorf("wait for runs: %w", err))
	}

	if cancel != nil {
		cancel()
	}
	rt.loops.Wait()
	if rt.Events != nil {
		rt.flushEvents()
		rt.Events.Close()
	}
	if rt.Messages != nil {
		rt.Messages.Close()
	}
	rt.Hub.Close()

	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}

	rt.stopErr = errors.Join(errs...)
	close(rt.stopDone)
	return rt.stopErr
}

func (rt *Runtime) goLoop(fn func()) {
	rt.loops.Add(1)
	go func() {
		defer rt.loops.Done()
		fn()
	}()
}

func (rt *Runtime) startHost(d *plugin.Descriptor) (plugin.Host, error) {
	h, err := host.Start(d.HostSpec(), host.Options{
		Spawner:     rt.spawner,
		Sink:        sink{rt: rt},
		Logger:      log.WithPlugin(d.ID),
		GracePeriod: rt.cfg.Hosts.GracePeriod,
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

func (rt *Runtime) pruneJournal(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.Runs.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			n, err := rt.Journal.Prune(pctx, time.Now().Add(-rt.cfg.State.Retention))
			cancel()
			if err != nil {
				rt.logger.Error("journal prune failed", "error", err)
			} else if n > 0 {
				rt.logger.Debug("pruned journal", "count", n)
			}
		}
	}
}

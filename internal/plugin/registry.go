package plugin

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mattjoyce/plughost/internal/host"
	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/metrics"
	"github.com/mattjoyce/plughost/internal/protocol"
	"github.com/mattjoyce/plughost/internal/status"
)

var errRegistryClosed = errors.New("registry is shutting down")

// Host is the subset of *host.Host the registry and its callers rely on.
type Host interface {
	PluginID() string
	State() host.State
	Alive() bool
	Trigger(ctx context.Context, entryID string, args map[string]any, timeout time.Duration) (*protocol.Envelope, error)
	Shutdown(ctx context.Context, timeout time.Duration) bool
	Stats(ctx context.Context) (host.Stats, error)
}

// HostFactory creates and starts a host for d. A returned error means the
// plugin could not be started.
type HostFactory func(d *Descriptor) (Host, error)

// StatusReader exposes live plugin status without side effects.
type StatusReader interface {
	Get(pluginID string) status.Record
}

// ReloadReport summarises a descriptor table replacement.
type ReloadReport struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	Changed []string `json:"changed"`
	Total   int      `json:"total"`
}

// Info is one row of List: a descriptor merged with live state.
type Info struct {
	*Descriptor
	Status    status.Record `json:"status"`
	HostState host.State    `json:"host_state,omitempty"`
	Stats     *host.Stats   `json:"stats,omitempty"`
	Removed   bool          `json:"removed,omitempty"`
}

type table struct {
	byID  map[string]*Descriptor
	order []string
}

// Registry is the plugin catalog and the single-flight factory for hosts.
type Registry struct {
	roots           []string
	factory         HostFactory
	statuses        StatusReader
	shutdownTimeout time.Duration
	logger          *slog.Logger

	table    atomic.Pointer[table]
	reloadMu sync.Mutex
	creating singleflight.Group

	mu      sync.Mutex
	hosts   map[string]Host
	removed map[string]struct{}
	closed  bool
}

type Options struct {
	Roots           []string
	Factory         HostFactory
	Statuses        StatusReader
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
}

func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("registry")
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = host.DefaultShutdownTimeout
	}
	r := &Registry{
		roots:           opts.Roots,
		factory:         opts.Factory,
		statuses:        opts.Statuses,
		shutdownTimeout: opts.ShutdownTimeout,
		logger:          opts.Logger,
		hosts:           make(map[string]Host),
		removed:         make(map[string]struct{}),
	}
	r.table.Store(&table{byID: map[string]*Descriptor{}})
	return r
}

// Load discovers plugins and installs the descriptor table.
func (r *Registry) Load() error {
	_, err := r.Reload(context.Background())
	return err
}

// Reload rediscovers plugins and atomically replaces the descriptor table.
// Live hosts whose plugin disappeared or whose manifest changed are shut
// down; the next trigger starts a fresh host from the new descriptor.
func (r *Registry) Reload(ctx context.Context) (ReloadReport, error) {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	found, err := Discover(r.roots, r.logger)
	if err != nil {
		return ReloadReport{}, err
	}
	return r.install(ctx, found), nil
}

// Replace installs descriptors directly, bypassing discovery.
func (r *Registry) Replace(ctx context.Context, descriptors []*Descriptor) ReloadReport {
	r.reloadMu.Lock()
	defer r.reloadMu.Unlock()

	found := make(map[string]*Descriptor, len(descriptors))
	for _, d := range descriptors {
		found[d.ID] = d
	}
	return r.install(ctx, found)
}

func (r *Registry) install(ctx context.Context, found map[string]*Descriptor) ReloadReport {
	prev := r.table.Load()
	next := &table{byID: found, order: sortedIDs(found)}

	report := ReloadReport{Total: len(next.order)}
	for _, id := range next.order {
		old, ok := prev.byID[id]
		switch {
		case !ok:
			report.Added = append(report.Added, id)
		case old.Digest != found[id].Digest:
			report.Changed = append(report.Changed, id)
		}
	}
	for _, id := range prev.order {
		if _, ok := found[id]; !ok {
			report.Removed = append(report.Removed, id)
		}
	}

	r.table.Store(next)

	r.mu.Lock()
	r.removed = make(map[string]struct{})
	r.mu.Unlock()

	stale := append(append([]string(nil), report.Removed...), report.Changed...)
	for _, id := range stale {
		if _, err := r.Disconnect(ctx, id); err != nil && !errors.Is(err, host.ErrPluginNotFound) {
			r.logger.Warn("failed to stop host after reload", "plugin", id, "error", err)
		}
	}

	r.logger.Info("plugin table replaced",
		"total", report.Total,
		"added", len(report.Added),
		"removed", len(report.Removed),
		"changed", len(report.Changed),
	)
	return report
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (*Descriptor, error) {
	d, ok := r.table.Load().byID[id]
	if !ok {
		return nil, host.NotFoundError(id)
	}
	r.mu.Lock()
	_, removed := r.removed[id]
	r.mu.Unlock()
	if removed {
		return nil, host.NotFoundError(id)
	}
	return d, nil
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Descriptors returns the current table in id order.
func (r *Registry) Descriptors() []*Descriptor {
	t := r.table.Load()
	out := make([]*Descriptor, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// GetOrCreateHost returns the running host for id or starts one.
// Concurrent callers for the same plugin share a single creation. A host
// found stopped or crashed is discarded and replaced by a new instance.
func (r *Registry) GetOrCreateHost(ctx context.Context, id string) (Host, error) {
	d, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if h := r.liveHost(id); h != nil {
		return h, nil
	}

	v, err, _ := r.creating.Do(id, func() (any, error) {
		if h := r.liveHost(id); h != nil {
			return h, nil
		}
		if r.isClosed() {
			return nil, host.StartError(id, errRegistryClosed)
		}
		r.logger.Info("starting plugin host", "plugin", id)
		h, err := r.factory(d)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			h.Shutdown(ctx, r.shutdownTimeout)
			return nil, host.StartError(id, errRegistryClosed)
		}
		r.hosts[id] = h
		n := len(r.hosts)
		r.mu.Unlock()
		metrics.LiveHosts(n)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Host), nil
}

// Connect starts the plugin's host if it is not already running.
func (r *Registry) Connect(ctx context.Context, id string) (Host, error) {
	return r.GetOrCreateHost(ctx, id)
}

// liveHost returns the tracked host if it is still usable, evicting it
// otherwise.
func (r *Registry) liveHost(id string) Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.hosts[id]
	if !ok {
		return nil
	}
	if h.Alive() {
		return h
	}
	r.logger.Info("evicting dead host", "plugin", id, "state", h.State())
	delete(r.hosts, id)
	metrics.LiveHosts(len(r.hosts))
	return nil
}

// Disconnect shuts down and evicts the plugin's host, keeping its
// descriptor. It reports whether the shutdown was clean; a plugin with no
// live host is trivially clean.
func (r *Registry) Disconnect(ctx context.Context, id string) (bool, error) {
	if _, ok := r.table.Load().byID[id]; !ok {
		r.mu.Lock()
		_, tracked := r.hosts[id]
		r.mu.Unlock()
		if !tracked {
			return false, host.NotFoundError(id)
		}
	}

	r.mu.Lock()
	h, ok := r.hosts[id]
	delete(r.hosts, id)
	n := len(r.hosts)
	r.mu.Unlock()
	metrics.LiveHosts(n)

	if !ok {
		return true, nil
	}
	clean := h.Shutdown(ctx, r.shutdownTimeout)
	r.logger.Info("plugin disconnected", "plugin", id, "clean", clean)
	return clean, nil
}

// Remove disconnects the plugin and hides its descriptor until the next reload.
func (r *Registry) Remove(ctx context.Context, id string) error {
	if _, err := r.Get(id); err != nil {
		return err
	}
	r.mu.Lock()
	r.removed[id] = struct{}{}
	r.mu.Unlock()

	_, err := r.Disconnect(ctx, id)
	return err
}

// List merges descriptors with live status. It never starts a host.
func (r *Registry) List(ctx context.Context) []Info {
	r.mu.Lock()
	hosts := make(map[string]Host, len(r.hosts))
	for id, h := range r.hosts {
		hosts[id] = h
	}
	removed := make(map[string]struct{}, len(r.removed))
	for id := range r.removed {
		removed[id] = struct{}{}
	}
	r.mu.Unlock()

	descs := r.Descriptors()
	out := make([]Info, 0, len(descs))
	for _, d := range descs {
		info := Info{Descriptor: d}
		if _, ok := removed[d.ID]; ok {
			info.Removed = true
		}
		if r.statuses != nil {
			info.Status = r.statuses.Get(d.ID)
		} else {
			info.Status = status.Record{PluginID: d.ID, State: status.Unknown}
		}
		if h, ok := hosts[d.ID]; ok {
			info.HostState = h.State()
			if h.Alive() {
				if st, err := h.Stats(ctx); err == nil {
					info.Stats = &st
				}
			}
		}
		out = append(out, info)
	}
	return out
}

// Hosts returns a snapshot of the tracked hosts.
func (r *Registry) Hosts() []Host {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	return out
}

// ShutdownAll stops every tracked host concurrently and waits for all of
// them, bounded by ctx. It returns each plugin's clean/forced result. No
// host can be created afterwards.
func (r *Registry) ShutdownAll(ctx context.Context, timeout time.Duration) map[string]bool {
	if timeout <= 0 {
		timeout = r.shutdownTimeout
	}

	r.mu.Lock()
	r.closed = true
	hosts := r.hosts
	r.hosts = make(map[string]Host)
	r.mu.Unlock()
	metrics.LiveHosts(0)

	var (
		mu      sync.Mutex
		results = make(map[string]bool, len(hosts))
		g       errgroup.Group
	)
	for id, h := range hosts {
		g.Go(func() error {
			clean := h.Shutdown(ctx, timeout)
			mu.Lock()
			results[id] = clean
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

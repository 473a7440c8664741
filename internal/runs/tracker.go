// Package runs correlates asynchronous plugin triggers with pollable Run
// records. Every run is executed by an independent background task whose
// completion callback is the only writer of its terminal state.
package runs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/mattjoyce/plughost/internal/host"
	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/metrics"
	"github.com/mattjoyce/plughost/internal/protocol"
)

const (
	DefaultRetention     = time.Hour
	DefaultSweepInterval = time.Minute
)

type Options struct {
	Resolver       HostResolver
	DefaultTimeout time.Duration
	Retention      time.Duration
	Recorder       Recorder
	Publisher      Publisher
	Logger         *slog.Logger
	Now            func() time.Time
}

type Tracker struct {
	resolver       HostResolver
	defaultTimeout time.Duration
	retention      time.Duration
	recorder       Recorder
	publisher      Publisher
	logger         *slog.Logger
	now            func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup

	mu     sync.RWMutex
	runs   map[string]*Run
	order  []string
	closed bool
}

func NewTracker(opts Options) *Tracker {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = host.DefaultTriggerTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("runs")
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		resolver:       opts.Resolver,
		defaultTimeout: opts.DefaultTimeout,
		retention:      opts.Retention,
		recorder:       opts.Recorder,
		publisher:      opts.Publisher,
		logger:         opts.Logger,
		now:            opts.Now,
		baseCtx:        ctx,
		cancel:         cancel,
		runs:           make(map[string]*Run),
	}
}

// CreateRun records a pending run and schedules its trigger in the
// background. It returns immediately; failures surface on the run.
func (t *Tracker) CreateRun(req Request) (string, error) {
	run := &Run{
		ID:        uuid.NewString(),
		PluginID:  req.PluginID,
		EntryID:   req.EntryID,
		Args:      req.Args,
		Status:    StatusPending,
		CreatedAt: t.now(),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return "", ErrClosed
	}
	t.runs[run.ID] = run
	t.order = append(t.order, run.ID)
	snapshot := run.clone()
	t.tasks.Add(1)
	t.mu.Unlock()

	metrics.RunCreated()
	t.record(func(ctx context.Context) error { return t.recorder.RecordCreated(ctx, snapshot) })
	t.publish("run.created", snapshot)
	t.logger.Debug("run created", "run_id", run.ID, "plugin", run.PluginID, "entry_id", run.EntryID)

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.defaultTimeout
	}
	go t.execute(snapshot, timeout)
	return run.ID, nil
}

// execute is the run's completion task. It is the one place where any
// failure, including a panic, is caught and turned into run state.
func (t *Tracker) execute(run Run, timeout time.Duration) {
	defer t.tasks.Done()

	var (
		resp *protocol.Envelope
		err  error
	)
	defer func() {
		if r := recover(); r != nil {
			resp = nil
			err = oops.Code(host.CodeInternal).
				With("run_id", run.ID).
				With("plugin_id", run.PluginID).
				Errorf("run task panicked: %v", r)
		}
		t.complete(run.ID, resp, err)
	}()

	t.advance(run.ID, StatusRunning, func(r *Run) {
		started := t.now()
		r.StartedAt = &started
	})

	h, err := t.resolver.GetOrCreateHost(t.baseCtx, run.PluginID)
	if err != nil {
		return
	}
	resp, err = h.Trigger(t.baseCtx, run.EntryID, run.Args, timeout)
}

// complete writes the terminal state exactly once.
func (t *Tracker) complete(id string, resp *protocol.Envelope, err error) {
	result, status := outcome(resp, err)

	t.mu.Lock()
	run, ok := t.runs[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Warn("completion for unknown run", "run_id", id)
		return
	}
	if run.Status == StatusPending {
		// The task failed before it could mark itself running.
		run.Status = StatusRunning
	}
	if !canAdvance(run.Status, status) {
		t.mu.Unlock()
		t.logger.Error("run already terminal, dropping completion", "run_id", id, "status", run.Status)
		return
	}
	completed := t.now()
	run.Status = status
	run.Result = &result
	run.Error = result.Error
	run.CompletedAt = &completed
	snapshot := run.clone()
	t.mu.Unlock()

	code := ""
	if result.Error != nil {
		code = result.Error.Code
	}
	metrics.RunCompleted(string(status), code)

	logger := t.logger.With("run_id", id, "plugin", snapshot.PluginID, "entry_id", snapshot.EntryID)
	if status == StatusFailed {
		logger.Info("run failed", "code", code, "error", result.Error.Message)
	} else {
		logger.Debug("run succeeded")
	}

	t.record(func(ctx context.Context) error { return t.recorder.RecordCompleted(ctx, snapshot) })
	t.publish("run.completed", snapshot)
}

// outcome normalizes a trigger result into a plugin response and status.
func outcome(resp *protocol.Envelope, err error) (protocol.PluginResponse, Status) {
	if err != nil {
		return protocol.PluginResponse{
			Success: false,
			Error:   &protocol.ErrorInfo{Code: host.CodeOf(err), Message: err.Error()},
		}, StatusFailed
	}
	if resp == nil {
		return protocol.PluginResponse{
			Error: &protocol.ErrorInfo{Code: host.CodeInternal, Message: "trigger returned no response"},
		}, StatusFailed
	}
	pr := protocol.Normalize(resp)
	if pr.Success {
		return pr, StatusSucceeded
	}
	return pr, StatusFailed
}

func (t *Tracker) advance(id string, to Status, mutate func(*Run)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[id]
	if !ok || !canAdvance(run.Status, to) {
		return false
	}
	run.Status = to
	if mutate != nil {
		mutate(run)
	}
	return true
}

// GetRun returns a copy of the run.
func (t *Tracker) GetRun(id string) (Run, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run.clone(), nil
}

// Export returns the normalized result. A run that has not completed yet
// exports an empty item list rather than an error.
func (t *Tracker) Export(id string) (Export, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[id]
	if !ok {
		return Export{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	out := Export{Items: []ExportItem{}}
	if !run.Status.Terminal() || run.Result == nil {
		return out, nil
	}
	pr := *run.Result
	pr.Data = append([]byte(nil), pr.Data...)
	if len(pr.Data) == 0 {
		pr.Data = nil
	}
	out.Items = append(out.Items, ExportItem{Type: "json", JSON: ExportPayload{PluginResponse: pr}})
	return out, nil
}

// List returns up to limit runs, newest first. limit <= 0 means all.
func (t *Tracker) List(limit int) []Run {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.order)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Run, 0, n)
	for i := len(t.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, t.runs[t.order[i]].clone())
	}
	return out
}

// Sweep evicts runs whose retention has elapsed since completion, walking
// in creation order. It returns how many runs were evicted.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.order[:0]
	evicted := 0
	for _, id := range t.order {
		run := t.runs[id]
		if run.CompletedAt != nil && !now.Before(run.CompletedAt.Add(t.retention)) {
			delete(t.runs, id)
			evicted++
			continue
		}
		kept = append(kept, id)
	}
	for i := len(kept); i < len(t.order); i++ {
		t.order[i] = ""
	}
	t.order = kept
	if evicted > 0 {
		t.logger.Debug("evicted expired runs", "count", evicted)
	}
	return evicted
}

// RunJanitor sweeps on interval until ctx is done.
func (t *Tracker) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(t.now())
		}
	}
}

// Len returns the number of retained runs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.runs)
}

// Close stops accepting runs and waits for in-flight tasks, bounded by ctx.
// Tasks still running when ctx expires are abandoned.
func (t *Tracker) Close(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		t.cancel()
		return nil
	case <-ctx.Done():
		t.cancel()
		return ctx.Err()
	}
}

func (t *Tracker) record(fn func(ctx context.Context) error) {
	if t.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		t.logger.Error("failed to journal run", "error", err)
	}
}

func (t *Tracker) publish(eventType string, run Run) {
	if t.publisher != nil {
		t.publisher.Publish(eventType, run)
	}
}

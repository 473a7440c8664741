// Package host owns the lifecycle of a single plugin process: spawning it,
// dispatching correlated triggers over its channel, and shutting it down
// with escalation. Spawn, dispatch and shutdown live in separate files and
// are each exercised against a fake Spawner in tests.
package host

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/mattjoyce/plughost/internal/channel"
	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/metrics"
	"github.com/mattjoyce/plughost/internal/protocol"
)

const (
	DefaultTriggerTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultGracePeriod     = 2 * time.Second

	// exitDrain is how long the reader may keep draining stdout after the
	// process has exited before the channel is forced shut.
	exitDrain = 250 * time.Millisecond
)

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateCrashed
}

// Spec describes how to run one plugin.
type Spec struct {
	PluginID   string
	Executable string
	Args       []string
	Env        map[string]string
	Dir        string
	// Entries lists the valid entry ids. Empty means any entry is passed
	// through to the plugin.
	Entries []string
}

// Sink receives everything a host observes besides responses.
type Sink interface {
	// Envelope is called for unsolicited status, event and message envelopes.
	Envelope(pluginID string, env *protocol.Envelope)
	// Transition is called after every host state change.
	Transition(pluginID string, state State, detail string)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Envelope(string, *protocol.Envelope) {}
func (NopSink) Transition(string, State, string)    {}

type Options struct {
	Spawner     Spawner
	Sink        Sink
	Logger      *slog.Logger
	GracePeriod time.Duration
}

// Host is one plugin process and its channel. A Host never restarts: once
// stopped or crashed, recovery means constructing a new one.
type Host struct {
	spec    Spec
	spawner Spawner
	sink    Sink
	logger  *slog.Logger
	grace   time.Duration

	mu        sync.Mutex
	state     State
	lastErr   error
	proc      Process
	ch        channel.Channel
	startedAt time.Time

	exited   chan struct{}
	exitErr  error
	pumpDone chan struct{}

	shutdownDone  chan struct{}
	shutdownClean bool
}

// New returns a host in the starting state without spawning anything.
func New(spec Spec, opts Options) *Host {
	if opts.Spawner == nil {
		opts.Spawner = ExecSpawner{Logger: log.WithPlugin(spec.PluginID)}
	}
	if opts.Sink == nil {
		opts.Sink = NopSink{}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithPlugin(spec.PluginID)
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Host{
		spec:     spec,
		spawner:  opts.Spawner,
		sink:     opts.Sink,
		logger:   opts.Logger.With("component", "host"),
		grace:    opts.GracePeriod,
		state:    StateStarting,
		exited:   make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
}

// Start creates a host and spawns its process.
func Start(spec Spec, opts Options) (*Host, error) {
	h := New(spec, opts)
	if err := h.Start(); err != nil {
		return h, err
	}
	return h, nil
}

// Start spawns the process and begins reading from it. A spawn failure
// leaves the host crashed; there is no retry.
func (h *Host) Start() error {
	h.mu.Lock()
	if h.state != StateStarting || h.proc != nil {
		h.mu.Unlock()
		return oops.Code(CodeInternal).With("plugin_id", h.spec.PluginID).Errorf("host already started")
	}
	h.mu.Unlock()

	h.sink.Transition(h.spec.PluginID, StateStarting, "")
	metrics.HostTransition(h.spec.PluginID, string(StateStarting))

	sp, err := h.spawner.Spawn(h.spec)
	if err != nil {
		startErr := StartError(h.spec.PluginID, err)
		h.logger.Error("failed to spawn plugin", "error", err)
		close(h.exited)
		close(h.pumpDone)
		h.transitionFrom(startErr, StateCrashed, StateStarting)
		return startErr
	}

	ch := channel.New(sp.Stdout, sp.Stdin, h.logger)

	h.mu.Lock()
	h.proc = sp.Process
	h.ch = ch
	h.startedAt = time.Now()
	h.mu.Unlock()

	go h.wait(sp.Process)
	go h.pump(ch)
	go h.monitor(ch)

	h.logger.Info("plugin started", "pid", sp.Process.Pid())
	h.transitionFrom(nil, StateRunning, StateStarting)
	return nil
}

func (h *Host) wait(p Process) {
	err := p.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.exited)
}

func (h *Host) pump(ch channel.Channel) {
	defer close(h.pumpDone)
	for env := range ch.Inbound() {
		h.sink.Envelope(h.spec.PluginID, env)
	}
}

// monitor turns an unexpected channel closure or process exit into a crash.
func (h *Host) monitor(ch channel.Channel) {
	select {
	case <-ch.Done():
	case <-h.exited:
		select {
		case <-ch.Done():
		case <-time.After(exitDrain):
			_ = ch.Close()
		}
	}

	cause := ch.Err()
	select {
	case <-h.exited:
		h.mu.Lock()
		if h.exitErr != nil {
			cause = h.exitErr
		} else {
			cause = errors.New("plugin exited")
		}
		h.mu.Unlock()
	default:
	}
	h.crash(cause)
}

// crash moves a live host to crashed and makes sure the process is gone.
func (h *Host) crash(cause error) {
	if !h.transitionFrom(CrashedError(h.spec.PluginID, cause), StateCrashed, StateStarting, StateRunning) {
		return
	}
	h.logger.Warn("plugin crashed", "error", cause)

	h.mu.Lock()
	proc, ch := h.proc, h.ch
	h.mu.Unlock()
	if proc != nil {
		select {
		case <-h.exited:
		default:
			_ = proc.Kill()
		}
	}
	if ch != nil {
		_ = ch.Close()
	}
}

// transitionFrom moves to the target state if the current state is one of
// from (any state when from is empty) and reports whether it did.
func (h *Host) transitionFrom(cause error, to State, from ...State) bool {
	h.mu.Lock()
	if len(from) > 0 && !containsState(from, h.state) {
		h.mu.Unlock()
		return false
	}
	h.state = to
	if cause != nil {
		h.lastErr = cause
	}
	h.mu.Unlock()

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	metrics.HostTransition(h.spec.PluginID, string(to))
	h.sink.Transition(h.spec.PluginID, to, detail)
	return true
}

func containsState(states []State, s State) bool {
	for _, st := range states {
		if st == s {
			return true
		}
	}
	return false
}

// Trigger invokes entryID and waits up to timeout for the matching
// response. A timed-out call is abandoned, not cancelled: the plugin keeps
// running and any late response is discarded.
func (h *Host) Trigger(ctx context.Context, entryID string, args map[string]any, timeout time.Duration) (*protocol.Envelope, error) {
	h.mu.Lock()
	state, ch, lastErr := h.state, h.ch, h.lastErr
	h.mu.Unlock()

	if state != StateRunning || ch == nil {
		if lastErr != nil && errors.Is(lastErr, ErrPluginCrashed) {
			return nil, lastErr
		}
		return nil, CrashedError(h.spec.PluginID, errors.New("host is "+string(state)))
	}
	if !h.hasEntry(entryID) {
		return nil, EntryNotFoundError(h.spec.PluginID, entryID)
	}
	if timeout <= 0 {
		timeout = DefaultTriggerTimeout
	}

	correlationID := uuid.NewString()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	resp, err := ch.Call(callCtx, protocol.NewTrigger(correlationID, entryID, args))
	metrics.TriggerObserved(h.spec.PluginID, time.Since(started))

	switch {
	case err == nil:
		return resp, nil
	case errors.Is(err, channel.ErrClosed):
		crashErr := CrashedError(h.spec.PluginID, err)
		h.crash(err)
		return nil, crashErr
	case errors.Is(err, channel.ErrMalformedResponse):
		h.logger.Warn("undecodable response", "entry_id", entryID, "correlation_id", correlationID, "error", err)
		return nil, ProtocolError(h.spec.PluginID, entryID, correlationID, err)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		h.logger.Warn("trigger timed out", "entry_id", entryID, "correlation_id", correlationID, "timeout", timeout)
		return nil, TimeoutError(h.spec.PluginID, entryID, correlationID, timeout)
	default:
		return nil, oops.Code(CodeInternal).
			With("plugin_id", h.spec.PluginID).
			With("entry_id", entryID).
			Wrap(err)
	}
}

func (h *Host) hasEntry(entryID string) bool {
	if len(h.spec.Entries) == 0 {
		return true
	}
	for _, e := range h.spec.Entries {
		if e == entryID {
			return true
		}
	}
	return false
}

func (h *Host) PluginID() string { return h.spec.PluginID }

func (h *Host) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastError is the error behind the most recent failure transition.
func (h *Host) LastError() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Alive reports whether the host can accept triggers.
func (h *Host) Alive() bool {
	return h.State() == StateRunning
}

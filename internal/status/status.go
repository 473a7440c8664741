// Package status tracks the latest observed liveness state of each plugin.
// It is fed by status envelopes and host transitions and never starts or
// stops anything itself.
package status

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/plughost/internal/log"
)

type State string

const (
	Unknown      State = "unknown"
	Starting     State = "starting"
	Connected    State = "connected"
	Disconnected State = "disconnected"
	Error        State = "error"
)

// ParseState reports whether s names a known state.
func ParseState(s string) (State, bool) {
	switch st := State(s); st {
	case Unknown, Starting, Connected, Disconnected, Error:
		return st, true
	default:
		return "", false
	}
}

// Record is the latest known state of one plugin.
type Record struct {
	PluginID  string    `json:"plugin_id"`
	State     State     `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is a transient status observation waiting to be applied.
type Event struct {
	PluginID  string
	State     string
	Detail    string
	Timestamp time.Time
}

// Publisher receives applied status changes, e.g. the SSE hub.
type Publisher interface {
	Publish(eventType string, data any)
}

const feedBuffer = 256

type entry struct {
	mu  sync.Mutex
	rec Record
}

// Manager holds one record per plugin behind a per-plugin lock. The table
// lock only guards membership and is never held while a record is updated.
type Manager struct {
	logger    *slog.Logger
	publisher Publisher
	feed      chan Event

	mu      sync.RWMutex
	entries map[string]*entry
}

func NewManager(publisher Publisher) *Manager {
	return &Manager{
		logger:    log.WithComponent("status"),
		publisher: publisher,
		feed:      make(chan Event, feedBuffer),
		entries:   make(map[string]*entry),
	}
}

// Report hands an observation to the background consumer. When the feed is
// saturated the observation is applied inline so it is never lost.
func (m *Manager) Report(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case m.feed <- ev:
	default:
		m.apply(ev)
	}
}

// Run consumes reported observations until ctx is done, then applies
// whatever is still buffered.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case ev := <-m.feed:
			m.apply(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-m.feed:
					m.apply(ev)
				default:
					return
				}
			}
		}
	}
}

// Update applies a state directly. Unknown states are logged and ignored.
func (m *Manager) Update(pluginID, state string) bool {
	return m.apply(Event{PluginID: pluginID, State: state, Timestamp: time.Now().UTC()})
}

func (m *Manager) apply(ev Event) bool {
	st, ok := ParseState(ev.State)
	if !ok {
		m.logger.Warn("ignoring unknown plugin state", "plugin", ev.PluginID, "state", ev.State)
		return false
	}

	e := m.entryFor(ev.PluginID)
	e.mu.Lock()
	if ev.Timestamp.Before(e.rec.UpdatedAt) {
		e.mu.Unlock()
		m.logger.Debug("dropping stale status", "plugin", ev.PluginID, "state", st)
		return false
	}
	changed := e.rec.State != st || e.rec.Detail != ev.Detail
	e.rec.State = st
	e.rec.Detail = ev.Detail
	e.rec.UpdatedAt = ev.Timestamp
	rec := e.rec
	e.mu.Unlock()

	if changed {
		m.logger.Info("plugin status changed", "plugin", ev.PluginID, "state", st)
		if m.publisher != nil {
			m.publisher.Publish("plugin.status", rec)
		}
	}
	return true
}

func (m *Manager) entryFor(pluginID string) *entry {
	m.mu.RLock()
	e, ok := m.entries[pluginID]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[pluginID]; ok {
		return e
	}
	e = &entry{rec: Record{PluginID: pluginID, State: Unknown}}
	m.entries[pluginID] = e
	return e
}

// Get returns a snapshot of one plugin's record, Unknown if never observed.
func (m *Manager) Get(pluginID string) Record {
	m.mu.RLock()
	e, ok := m.entries[pluginID]
	m.mu.RUnlock()
	if !ok {
		return Record{PluginID: pluginID, State: Unknown}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec
}

// Snapshot returns every record ordered by plugin id.
func (m *Manager) Snapshot() []Record {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Record, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.rec)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

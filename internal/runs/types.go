package runs

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/plughost/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_runs.go -package=mocks github.com/mattjoyce/plughost/internal/runs Host,HostResolver,Recorder

// ErrRunNotFound is returned for unknown or expired run ids.
var ErrRunNotFound = errors.New("run not found")

// ErrClosed is returned by CreateRun after the tracker has been closed.
var ErrClosed = errors.New("run tracker closed")

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// canAdvance encodes pending -> running -> {succeeded|failed}.
func canAdvance(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}

// Run is one asynchronous plugin invocation.
type Run struct {
	ID          string                   `json:"run_id"`
	PluginID    string                   `json:"plugin_id"`
	EntryID     string                   `json:"entry_id"`
	Args        map[string]any           `json:"args,omitempty"`
	Status      Status                   `json:"status"`
	Result      *protocol.PluginResponse `json:"result,omitempty"`
	Error       *protocol.ErrorInfo      `json:"error,omitempty"`
	CreatedAt   time.Time                `json:"created_at"`
	StartedAt   *time.Time               `json:"started_at,omitempty"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

func (r *Run) clone() Run {
	out := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		out.StartedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// Request describes a run to create.
type Request struct {
	PluginID string         `json:"plugin_id"`
	EntryID  string         `json:"entry_id"`
	Args     map[string]any `json:"args,omitempty"`
	// Timeout overrides the tracker default when positive.
	Timeout time.Duration `json:"-"`
}

// ExportPayload wraps the normalized plugin response.
type ExportPayload struct {
	PluginResponse protocol.PluginResponse `json:"plugin_response"`
}

type ExportItem struct {
	Type string        `json:"type"`
	JSON ExportPayload `json:"json"`
}

// Export is the stable result shape. Items is empty until the run completes.
type Export struct {
	Items []ExportItem `json:"items"`
}

// Host is what the tracker needs from a plugin process host.
type Host interface {
	Trigger(ctx context.Context, entryID string, args map[string]any, timeout time.Duration) (*protocol.Envelope, error)
}

// HostResolver finds or starts the host for a plugin.
type HostResolver interface {
	GetOrCreateHost(ctx context.Context, pluginID string) (Host, error)
}

// ResolverFunc adapts a function to HostResolver.
type ResolverFunc func(ctx context.Context, pluginID string) (Host, error)

func (f ResolverFunc) GetOrCreateHost(ctx context.Context, pluginID string) (Host, error) {
	return f(ctx, pluginID)
}

// Recorder persists run lifecycle records.
type Recorder interface {
	RecordCreated(ctx context.Context, run Run) error
	RecordCompleted(ctx context.Context, run Run) error
}

// Publisher receives run notifications, e.g. the SSE hub.
type Publisher interface {
	Publish(eventType string, data any)
}

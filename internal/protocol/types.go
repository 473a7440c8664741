package protocol

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of envelope on the wire.
type Type string

const (
	// Host to plugin.
	TypeTrigger  Type = "trigger"
	TypeShutdown Type = "shutdown"

	// Plugin to host.
	TypeResponse Type = "response"
	TypeStatus   Type = "status"
	TypeEvent    Type = "event"
	TypeMessage  Type = "message"
)

// Envelope is a single JSON line exchanged with a plugin process.
// Only the fields relevant to Type are populated.
type Envelope struct {
	Type          Type           `json:"type"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	EntryID       string         `json:"entry_id,omitempty"`
	Args          map[string]any `json:"args,omitempty"`

	// Structured response fields.
	Success *bool           `json:"success,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"` // string or {code,message}

	// Result carries the legacy encoded-text response used by older plugins
	// in place of success/data/error.
	Result *string `json:"result,omitempty"`

	State     string          `json:"state,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitzero"`
}

// NewTrigger builds a trigger command for entryID.
func NewTrigger(correlationID, entryID string, args map[string]any) *Envelope {
	return &Envelope{
		Type:          TypeTrigger,
		CorrelationID: correlationID,
		EntryID:       entryID,
		Args:          args,
	}
}

// NewShutdown builds the graceful-stop command.
func NewShutdown() *Envelope {
	return &Envelope{Type: TypeShutdown}
}

// ErrorInfo is the normalized error shape carried by runs and exports.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return e.Code + ": " + e.Message
}

// PluginResponse is the normalized result of a single trigger.
type PluginResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
}

package lifecycle

import (
	"encoding/json"
	"time"

	"github.com/mattjoyce/plughost/internal/host"
	"github.com/mattjoyce/plughost/internal/protocol"
	"github.com/mattjoyce/plughost/internal/queue"
	"github.com/mattjoyce/plughost/internal/status"
)

// PluginEvent is the queued payload of an event envelope.
type PluginEvent struct {
	PluginID  string          `json:"plugin_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PluginMessage is the queued payload of a message envelope.
type PluginMessage struct {
	PluginID string          `json:"plugin_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// sink routes what hosts observe: transitions and status envelopes to the
// status manager, events to the event queue, messages to the message queue.
type sink struct {
	rt *Runtime
}

var _ host.Sink = sink{}

func (s sink) Transition(pluginID string, state host.State, detail string) {
	st, ok := statusForHost(state)
	if !ok {
		return
	}
	s.rt.Statuses.Report(status.Event{PluginID: pluginID, State: string(st), Detail: detail})
}

func (s sink) Envelope(pluginID string, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeStatus:
		// Stamped on receipt. A plugin clock running ahead would otherwise
		// mark host-observed transitions that follow as stale.
		s.rt.Statuses.Report(status.Event{PluginID: pluginID, State: env.State, Timestamp: time.Now().UTC()})
	case protocol.TypeEvent:
		s.enqueue(s.rt.Events, env.EventType, env.Timestamp, PluginEvent{
			PluginID:  pluginID,
			EventType: env.EventType,
			Payload:   env.Payload,
		})
	case protocol.TypeMessage:
		s.enqueue(s.rt.Messages, string(protocol.TypeMessage), env.Timestamp, PluginMessage{
			PluginID: pluginID,
			Payload:  env.Payload,
		})
	default:
		s.rt.logger.Warn("unexpected envelope from plugin", "plugin", pluginID, "type", env.Type)
	}
}

func (s sink) enqueue(q *queue.Bounded, itemType string, at time.Time, payload any) {
	if q == nil {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		s.rt.logger.Error("failed to encode plugin payload", "type", itemType, "error", err)
		return
	}
	// Enqueue only fails after shutdown closed the queue; the queue logs it.
	_ = q.Enqueue(queue.Item{Type: itemType, Payload: b, Timestamp: at})
}

func statusForHost(state host.State) (status.State, bool) {
	switch state {
	case host.StateStarting:
		return status.Starting, true
	case host.StateRunning:
		return status.Connected, true
	case host.StateStopped:
		return status.Disconnected, true
	case host.StateCrashed:
		return status.Error, true
	default:
		return "", false
	}
}

package lifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/mattjoyce/plughost/internal/queue"
)

const pluginEventType = "plugin.event"

// pumpEvents drains the event queue into the SSE hub on an interval.
func (rt *Runtime) pumpEvents(ctx context.Context) {
	ticker := time.NewTicker(rt.cfg.Queues.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.drainEvents(); err != nil {
				return
			}
		}
	}
}

// drainEvents publishes up to one batch and reports queue closure.
func (rt *Runtime) drainEvents() error {
	items, err := rt.Events.DequeueBatch(rt.cfg.Queues.DrainBatch)
	if err != nil {
		return err
	}
	for _, item := range items {
		rt.Hub.PublishRaw(pluginEventType, item.Payload, item.Timestamp)
	}
	return nil
}

// flushEvents publishes everything still queued before the queue closes.
func (rt *Runtime) flushEvents() {
	for rt.Events.Len() > 0 {
		if err := rt.drainEvents(); err != nil {
			if !errors.Is(err, queue.ErrClosed) {
				rt.logger.Error("event flush failed", "error", err)
			}
			return
		}
	}
}

// DrainMessages removes up to max messages, oldest first. max <= 0 drains
// one configured batch.
func (rt *Runtime) DrainMessages(max int) ([]queue.Item, error) {
	if rt.Messages == nil {
		return nil, queue.ErrClosed
	}
	if max <= 0 {
		max = rt.cfg.Queues.DrainBatch
	}
	return rt.Messages.DequeueBatch(max)
}

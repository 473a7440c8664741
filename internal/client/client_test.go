package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plughost/internal/api"
	"github.com/mattjoyce/plughost/internal/events"
	"github.com/mattjoyce/plughost/internal/host"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/protocol"
	"github.com/mattjoyce/plughost/internal/queue"
	"github.com/mattjoyce/plughost/internal/runs"
)

// fakeTracker finishes a run after a fixed number of polls.
type fakeTracker struct {
	mu         sync.Mutex
	req        runs.Request
	pollsUntil int32
	polls      atomic.Int32
}

func (f *fakeTracker) CreateRun(req runs.Request) (string, error) {
	f.mu.Lock()
	f.req = req
	f.mu.Unlock()
	return "run-1", nil
}

func (f *fakeTracker) GetRun(id string) (runs.Run, error) {
	if id != "run-1" {
		return runs.Run{}, runs.ErrRunNotFound
	}
	run := runs.Run{ID: id, PluginID: "echo", EntryID: "ping", Status: runs.StatusRunning}
	if f.polls.Add(1) >= f.pollsUntil {
		run.Status = runs.StatusSucceeded
	}
	return run, nil
}

func (f *fakeTracker) Export(id string) (runs.Export, error) {
	if id != "run-1" {
		return runs.Export{}, runs.ErrRunNotFound
	}
	return runs.Export{Items: []runs.ExportItem{{Type: "json", JSON: runs.ExportPayload{
		PluginResponse: protocol.PluginResponse{Success: true},
	}}}}, nil
}

func (f *fakeTracker) List(limit int) []runs.Run {
	return []runs.Run{{ID: "run-1", Status: runs.StatusSucceeded}}
}

type fakeRegistry struct{}

func (fakeRegistry) Descriptors() []*plugin.Descriptor {
	return []*plugin.Descriptor{{ID: "echo", Entries: []plugin.Entry{{ID: "ping"}}}}
}

func (fakeRegistry) List(ctx context.Context) []plugin.Info {
	return []plugin.Info{{Descriptor: &plugin.Descriptor{ID: "echo", Entries: []plugin.Entry{{ID: "ping"}}}}}
}

func (fakeRegistry) Connect(ctx context.Context, id string) (plugin.Host, error) {
	return nil, host.NotFoundError(id)
}

func (fakeRegistry) Disconnect(ctx context.Context, id string) (bool, error) {
	return true, nil
}

func (fakeRegistry) Remove(ctx context.Context, id string) error { return nil }

func (fakeRegistry) Reload(ctx context.Context) (plugin.ReloadReport, error) {
	return plugin.ReloadReport{Removed: []string{"old"}, Total: 1}, nil
}

type fakeDrainer struct{}

func (fakeDrainer) DrainMessages(max int) ([]queue.Item, error) {
	return []queue.Item{{Type: "message"}}, nil
}

func newTestClient(t *testing.T, tracker *fakeTracker, hub *events.Hub, opts ...Option) *Client {
	t.Helper()
	if hub == nil {
		hub = events.NewHub(16)
		t.Cleanup(hub.Close)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := api.New(api.Config{}, tracker, fakeRegistry{}, fakeDrainer{}, hub, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL, opts...)
}

func TestCreateAndWaitRun(t *testing.T) {
	tracker := &fakeTracker{pollsUntil: 3}
	c := newTestClient(t, tracker, nil, WithPolling(time.Millisecond, 10))
	ctx := context.Background()

	id, err := c.CreateRun(ctx, api.CreateRunRequest{PluginID: "echo", EntryID: "ping", Args: map[string]any{"k": "v"}})
	require.NoError(t, err)
	assert.Equal(t, "run-1", id)
	assert.Equal(t, "echo", tracker.req.PluginID)

	run, err := c.WaitRun(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSucceeded, run.Status)
	assert.Equal(t, int32(3), tracker.polls.Load())

	export, err := c.Export(ctx, id)
	require.NoError(t, err)
	require.Len(t, export.Items, 1)
	assert.True(t, export.Items[0].JSON.PluginResponse.Success)
}

func TestWaitRunGivesUp(t *testing.T) {
	tracker := &fakeTracker{pollsUntil: 1000}
	c := newTestClient(t, tracker, nil, WithPolling(time.Millisecond, 2))

	run, err := c.WaitRun(context.Background(), "run-1")
	require.ErrorIs(t, err, ErrStillRunning)
	assert.Equal(t, runs.StatusRunning, run.Status)
	assert.Equal(t, int32(3), tracker.polls.Load())
}

func TestWaitRunUnknown(t *testing.T) {
	c := newTestClient(t, &fakeTracker{pollsUntil: 1}, nil, WithPolling(time.Millisecond, 5))

	_, err := c.WaitRun(context.Background(), "nope")
	assert.ErrorIs(t, err, runs.ErrRunNotFound)
}

func TestPluginCalls(t *testing.T) {
	c := newTestClient(t, &fakeTracker{pollsUntil: 1}, nil)
	ctx := context.Background()

	infos, err := c.ListPlugins(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "echo", infos[0].ID)

	_, err = c.Connect(ctx, "ghost")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 404, apiErr.StatusCode)
	assert.Equal(t, host.CodeNotFound, apiErr.Code)

	resp, err := c.Disconnect(ctx, "echo")
	require.NoError(t, err)
	assert.True(t, resp.Clean)

	require.NoError(t, c.Remove(ctx, "echo"))

	report, err := c.Reload(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, report.Removed)

	msgs, err := c.Messages(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 1, health.PluginsLoaded)
}

func TestStreamEventsResumesAfterLastID(t *testing.T) {
	hub := events.NewHub(16)
	defer hub.Close()
	hub.Publish("run.created", map[string]string{"run_id": "a"})
	hub.Publish("run.completed", map[string]string{"run_id": "a"})

	c := newTestClient(t, &fakeTracker{pollsUntil: 1}, hub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan events.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.StreamEvents(ctx, 1, func(ev events.Event) { got <- ev })
	}()

	select {
	case ev := <-got:
		assert.Equal(t, int64(2), ev.ID)
		assert.Equal(t, "run.completed", ev.Type)
		assert.JSONEq(t, `{"run_id":"a"}`, string(ev.Data))
	case <-time.After(5 * time.Second):
		t.Fatal("no replayed event")
	}

	hub.Publish("plugin.status", map[string]string{"plugin_id": "echo"})
	select {
	case ev := <-got:
		assert.Equal(t, int64(3), ev.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no live event")
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop on cancel")
	}
}

func TestNewAddsScheme(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8080", New("127.0.0.1:8080/").BaseURL())
	assert.Equal(t, "https://example.test", New("https://example.test").BaseURL())
}

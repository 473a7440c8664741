package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plughost/internal/api"
	"github.com/mattjoyce/plughost/internal/events"
	"github.com/mattjoyce/plughost/internal/host"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/protocol"
	"github.com/mattjoyce/plughost/internal/runs"
	"github.com/mattjoyce/plughost/internal/status"
)

type fakeSource struct {
	connected    []string
	disconnected []string
	reloads      int
	connectErr   error
}

func (f *fakeSource) Health(context.Context) (api.HealthzResponse, error) {
	return api.HealthzResponse{Status: "ok", UptimeSeconds: 90, PluginsLoaded: 2}, nil
}

func (f *fakeSource) ListPlugins(context.Context) ([]plugin.Info, error) {
	return testPlugins(), nil
}

func (f *fakeSource) StreamEvents(ctx context.Context, lastID int64, fn func(events.Event)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeSource) Connect(_ context.Context, id string) (api.ConnectResponse, error) {
	if f.connectErr != nil {
		return api.ConnectResponse{}, f.connectErr
	}
	f.connected = append(f.connected, id)
	return api.ConnectResponse{PluginID: id, State: host.StateRunning}, nil
}

func (f *fakeSource) Disconnect(_ context.Context, id string) (api.DisconnectResponse, error) {
	f.disconnected = append(f.disconnected, id)
	return api.DisconnectResponse{PluginID: id, Clean: false}, nil
}

func (f *fakeSource) Reload(context.Context) (plugin.ReloadReport, error) {
	f.reloads++
	return plugin.ReloadReport{Added: []string{"x"}, Removed: []string{"y", "z"}}, nil
}

func testPlugins() []plugin.Info {
	return []plugin.Info{
		{
			Descriptor: &plugin.Descriptor{ID: "echo", Version: "1.0.0", Entries: []plugin.Entry{{ID: "ping"}, {ID: "die"}}},
			Status:     status.Record{PluginID: "echo", State: status.Connected},
			Stats:      &host.Stats{PID: 4242, RSSBytes: 3 * 1024 * 1024},
		},
		{
			Descriptor: &plugin.Descriptor{ID: "lazy", Version: "0.1.0"},
			Status:     status.Record{PluginID: "lazy", State: status.Unknown},
		},
	}
}

func hubEvent(t *testing.T, id int64, typ string, data any) eventMsg {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return eventMsg(events.Event{ID: id, Type: typ, At: time.Now(), Data: raw})
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out, cmd
}

func loadedModel(t *testing.T, src *fakeSource) Model {
	t.Helper()
	m := NewMonitor(src)
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 140, Height: 40})
	m, _ = update(t, m, pluginsMsg(testPlugins()))
	return m
}

func TestPluginsPopulateTable(t *testing.T) {
	m := loadedModel(t, &fakeSource{})

	rows := m.table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "echo", rows[0][1])
	assert.Equal(t, "connected", rows[0][3])
	assert.Equal(t, "4242", rows[0][4])
	assert.Equal(t, "3.0MiB", rows[0][5])
	assert.Equal(t, "ping,die", rows[0][6])
	assert.Equal(t, "-", rows[1][4])
	assert.Equal(t, "echo", m.selectedPlugin())
}

func TestStatusEventUpdatesRow(t *testing.T) {
	m := loadedModel(t, &fakeSource{})

	m, _ = update(t, m, hubEvent(t, 7, "plugin.status", status.Record{PluginID: "lazy", State: status.Error, Detail: "boom"}))
	assert.Equal(t, "error", m.table.Rows()[1][3])
	assert.Equal(t, int64(7), m.lastID)
	assert.True(t, m.connected)
	require.Len(t, m.eventLog, 1)
}

func TestRunEventsFeedBoard(t *testing.T) {
	m := loadedModel(t, &fakeSource{})
	created := time.Now().Add(-time.Second)
	done := time.Now()

	m, _ = update(t, m, hubEvent(t, 1, "run.created", runs.Run{ID: "r1", PluginID: "echo", EntryID: "ping", Status: runs.StatusPending, CreatedAt: created}))
	m, _ = update(t, m, hubEvent(t, 2, "run.created", runs.Run{ID: "r2", PluginID: "echo", EntryID: "die", Status: runs.StatusPending, CreatedAt: created}))
	m, _ = update(t, m, hubEvent(t, 3, "run.completed", runs.Run{
		ID: "r2", PluginID: "echo", EntryID: "die", Status: runs.StatusFailed,
		Error: &protocol.ErrorInfo{Code: "crashed"}, CreatedAt: created, CompletedAt: &done,
	}))

	active, ok, failed := m.runs.Counts()
	assert.Equal(t, 1, active)
	assert.Equal(t, 0, ok)
	assert.Equal(t, 1, failed)

	view := m.View()
	assert.Contains(t, view, "PLUGHOST MONITOR")
	assert.Contains(t, view, "failed (crashed)")
	assert.Contains(t, view, "1 active / 0 ok / 1 failed")
}

func TestReloadedEventRefetchesPlugins(t *testing.T) {
	m := loadedModel(t, &fakeSource{})
	_, cmd := update(t, m, hubEvent(t, 1, "plugins.reloaded", plugin.ReloadReport{}))
	require.NotNil(t, cmd)
}

func TestConnectKey(t *testing.T) {
	src := &fakeSource{}
	m := loadedModel(t, src)

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, []string{"echo"}, src.connected)
	assert.Equal(t, noticeMsg("echo connected (running)"), msg)

	m, next := update(t, m, msg)
	assert.Equal(t, "echo connected (running)", m.notice)
	require.NotNil(t, next)
	assert.IsType(t, pluginsMsg{}, next())
}

func TestConnectErrorShown(t *testing.T) {
	src := &fakeSource{connectErr: errors.New("api: 502 start failed")}
	m := loadedModel(t, src)

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("c")})
	m, _ = update(t, m, cmd())
	assert.Contains(t, m.lastError, "connect echo")
	assert.Contains(t, m.View(), "502 start failed")
}

func TestDisconnectAndReloadKeys(t *testing.T) {
	src := &fakeSource{}
	m := loadedModel(t, src)

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "lazy", m.selectedPlugin())

	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("d")})
	assert.Equal(t, noticeMsg("lazy disconnected (forced)"), cmd())
	assert.Equal(t, []string{"lazy"}, src.disconnected)

	_, cmd = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	assert.Equal(t, noticeMsg("reloaded: 1 added, 2 removed, 0 changed"), cmd())
	assert.Equal(t, 1, src.reloads)
}

func TestQuitKey(t *testing.T) {
	m := loadedModel(t, &fakeSource{})
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestHealthAndDisconnect(t *testing.T) {
	m := loadedModel(t, &fakeSource{})
	m, _ = update(t, m, m.fetchHealth())
	assert.True(t, m.connected)
	assert.Contains(t, m.View(), "Uptime: 1m 30s")

	m, cmd := update(t, m, sseDisconnectedMsg{})
	assert.False(t, m.connected)
	assert.Contains(t, m.lastError, "reconnecting")
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "CONNECTING")
}

func TestRunBoardKeepsNewestAndNeverRegresses(t *testing.T) {
	b := NewRunBoard()
	for i := range maxRuns + 5 {
		b.Apply(runs.Run{ID: fmt.Sprintf("r%02d", i), Status: runs.StatusPending})
	}
	rows := b.Rows()
	require.Len(t, rows, maxRuns)
	assert.Equal(t, fmt.Sprintf("r%02d", maxRuns+4), rows[0].ID)

	b.Apply(runs.Run{ID: "late", Status: runs.StatusSucceeded})
	b.Apply(runs.Run{ID: "late", Status: runs.StatusPending})
	assert.Equal(t, runs.StatusSucceeded, b.Rows()[0].Status)
}

func TestDescribeEvent(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"plugin_id": "echo", "event_type": "booted"})
	assert.Equal(t, "echo booted", describeEvent(events.Event{Data: raw}))

	raw, _ = json.Marshal(runs.Run{ID: "0123456789", PluginID: "echo", EntryID: "ping", Status: runs.StatusFailed, Error: &protocol.ErrorInfo{Code: "timeout"}})
	assert.Equal(t, "[01234567] echo ping failed timeout", describeEvent(events.Event{Data: raw}))

	long := `"` + strings.Repeat("x", 100) + `"`
	assert.Len(t, describeEvent(events.Event{Data: json.RawMessage(long)}), 60)
}

func TestSpinnerDecay(t *testing.T) {
	var s Spinner
	now := time.Now()
	s.OnEvent(now)
	s.Decay(now.Add(3 * time.Second))
	assert.Equal(t, 4, s.dots)
	s.Decay(now.Add(11 * time.Second))
	assert.Equal(t, 0, s.dots)
}

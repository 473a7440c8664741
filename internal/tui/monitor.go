package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/plughost/internal/api"
	"github.com/mattjoyce/plughost/internal/events"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/runs"
	"github.com/mattjoyce/plughost/internal/status"
)

const (
	healthInterval    = 5 * time.Second
	reconnectInterval = 3 * time.Second
	requestTimeout    = 5 * time.Second
)

// Source is the API surface the monitor reads from and acts on.
type Source interface {
	Health(ctx context.Context) (api.HealthzResponse, error)
	ListPlugins(ctx context.Context) ([]plugin.Info, error)
	StreamEvents(ctx context.Context, lastID int64, fn func(events.Event)) error
	Connect(ctx context.Context, id string) (api.ConnectResponse, error)
	Disconnect(ctx context.Context, id string) (api.DisconnectResponse, error)
	Reload(ctx context.Context) (plugin.ReloadReport, error)
}

// --- Message types ---

type eventMsg events.Event

type healthMsg api.HealthzResponse

type pluginsMsg []plugin.Info

type tickMsg time.Time

type errMsg struct{ err error }

type noticeMsg string

type sseDisconnectedMsg struct{}

type reconnectMsg struct{}

// Model is the BubbleTea model for the monitor.
type Model struct {
	src Source

	width  int
	height int

	health    api.HealthzResponse
	connected bool
	plugins   []plugin.Info
	runs      *RunBoard
	eventLog  []events.Event
	lastID    int64

	table    table.Model
	viewport viewport.Model
	spinner  Spinner
	theme    Theme

	hubEvents chan events.Event

	notice    string
	lastError string
}

// NewMonitor builds a monitor over src.
func NewMonitor(src Source) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Plugin", Width: 20},
			{Title: "Version", Width: 9},
			{Title: "Status", Width: 12},
			{Title: "PID", Width: 7},
			{Title: "RSS", Width: 9},
			{Title: "Entries", Width: 24},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		src:       src,
		runs:      NewRunBoard(),
		hubEvents: make(chan events.Event, 100),
		table:     t,
		viewport:  viewport.New(80, 8),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribe(),
		m.receiveNextEvent(),
		m.fetchHealth,
		m.fetchPlugins,
		tick(),
	)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			if id := m.selectedPlugin(); id != "" {
				return m, m.connect(id)
			}
			return m, nil
		case "d":
			if id := m.selectedPlugin(); id != "" {
				return m, m.disconnect(id)
			}
			return m, nil
		case "r":
			return m, m.reload
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.table.SetWidth(max(m.width-6, 20))
		m.viewport.Width = max(m.width-6, 20)
		m.viewport.Height = max(m.height/3, 3)
		m.viewport.SetContent(m.renderEvents())
		return m, nil

	case tickMsg:
		m.spinner.Decay(time.Time(msg))
		return m, tick()

	case eventMsg:
		m = m.handleEvent(events.Event(msg))
		cmds := []tea.Cmd{m.receiveNextEvent()}
		if msg.Type == "plugins.reloaded" {
			cmds = append(cmds, m.fetchPlugins)
		}
		return m, tea.Batch(cmds...)

	case healthMsg:
		m.health = api.HealthzResponse(msg)
		m.connected = true
		m.lastError = ""
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return m.fetchHealth() })

	case pluginsMsg:
		m.plugins = []plugin.Info(msg)
		m.table.SetRows(m.pluginRows())
		return m, nil

	case noticeMsg:
		m.notice = string(msg)
		m.lastError = ""
		return m, m.fetchPlugins

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the shared channel.
		return m, m.subscribe()

	case errMsg:
		m.lastError = msg.err.Error()
		return m, tea.Tick(healthInterval, func(time.Time) tea.Msg { return m.fetchHealth() })
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) handleEvent(e events.Event) Model {
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEvents {
		m.eventLog = m.eventLog[:maxEvents]
	}
	m.spinner.OnEvent(time.Now())
	m.connected = true

	switch e.Type {
	case "run.created", "run.completed":
		var run runs.Run
		if err := json.Unmarshal(e.Data, &run); err == nil && run.ID != "" {
			m.runs.Apply(run)
		}
	case "plugin.status":
		var rec status.Record
		if err := json.Unmarshal(e.Data, &rec); err == nil && applyStatus(m.plugins, rec) {
			m.table.SetRows(m.pluginRows())
		}
	}

	m.viewport.SetContent(m.renderEvents())
	return m
}

func (m Model) selectedPlugin() string {
	row := m.table.SelectedRow()
	if len(row) < 2 {
		return ""
	}
	return row[1]
}

func (m Model) pluginRows() []table.Row {
	rows := make([]table.Row, 0, len(m.plugins))
	for _, info := range m.plugins {
		if info.Descriptor == nil {
			continue
		}
		pid, rss := "-", "-"
		if info.Stats != nil {
			pid = fmt.Sprintf("%d", info.Stats.PID)
			rss = formatBytes(info.Stats.RSSBytes)
		}
		state := string(info.Status.State)
		if info.Removed {
			state = "removed"
		}
		rows = append(rows, table.Row{
			m.statusSymbol(info.Status.State),
			info.ID,
			info.Version,
			state,
			pid,
			rss,
			strings.Join(info.EntryIDs(), ","),
		})
	}
	return rows
}

func (m Model) statusSymbol(s status.State) string {
	switch s {
	case status.Connected:
		return m.theme.StatusOK.Render("●")
	case status.Starting:
		return m.theme.StatusRunning.Render("◉")
	case status.Error:
		return m.theme.StatusFailed.Render("∅")
	default:
		return m.theme.StatusIdle.Render("○")
	}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}
	inner := m.width - 4

	pluginsView := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Plugins"),
			m.table.View(),
		),
	)
	runsView := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Recent Runs"),
			m.renderRuns(8),
		),
	)
	eventsView := m.theme.Border.Width(inner).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("Event Stream"),
			m.viewport.View(),
		),
	)

	parts := []string{m.renderHeader(inner), pluginsView, runsView, eventsView}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	} else if m.notice != "" {
		parts = append(parts, m.theme.Highlight.Render(" "+m.notice))
	}
	parts = append(parts, m.theme.Help.Render(" [q] Quit • [↑/↓] Select • [c] Connect • [d] Disconnect • [r] Reload"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func (m Model) renderHeader(width int) string {
	state := m.theme.StatusOK.Render("CONNECTED")
	if !m.connected {
		state = m.theme.StatusFailed.Render("CONNECTING")
	} else if m.health.Status != "ok" && m.health.Status != "" {
		state = m.theme.StatusFailed.Render("DEGRADED")
	}

	active, succeeded, failed := m.runs.Counts()
	lastEvent := "never"
	if !m.spinner.LastEvent().IsZero() {
		lastEvent = time.Since(m.spinner.LastEvent()).Round(time.Second).String() + " ago"
	}

	stats := fmt.Sprintf(" %s  Uptime: %s  Plugins: %d  Runs: %d active / %d ok / %d failed",
		state,
		formatDuration(time.Duration(m.health.UptimeSeconds)*time.Second),
		m.health.PluginsLoaded,
		active, succeeded, failed,
	)
	activity := fmt.Sprintf(" Last event: %s %s", lastEvent, m.spinner.Render(m.theme))

	return m.theme.Border.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("PLUGHOST MONITOR"),
			stats,
			activity,
		),
	)
}

func (m Model) renderRuns(limit int) string {
	rows := m.runs.Rows()
	if len(rows) == 0 {
		return m.theme.Dim.Render("  No runs yet...")
	}
	var lines []string
	for i, r := range rows {
		if i >= limit {
			break
		}
		style := m.theme.StatusRunning
		switch r.Status {
		case runs.StatusSucceeded:
			style = m.theme.StatusOK
		case runs.StatusFailed:
			style = m.theme.StatusFailed
		}
		st := string(r.Status)
		if r.ErrorCode != "" {
			st += " (" + r.ErrorCode + ")"
		}
		duration := "-"
		if !r.Completed.IsZero() {
			duration = r.Completed.Sub(r.Created).Round(time.Millisecond).String()
		}
		lines = append(lines, fmt.Sprintf("%s  %-20s %-14s %s  %s",
			shortID(r.ID), r.Plugin, r.Entry, style.Render(fmt.Sprintf("%-22s", st)), duration))
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

func (m Model) renderEvents() string {
	if len(m.eventLog) == 0 {
		return m.theme.Dim.Render("  Waiting for events...")
	}
	lines := make([]string, 0, len(m.eventLog))
	for _, e := range m.eventLog {
		ts := m.theme.Dim.Render(e.At.Local().Format("15:04:05"))
		lines = append(lines, fmt.Sprintf("%s %-18s %s", ts, e.Type, describeEvent(e)))
	}
	return strings.Join(lines, "\n")
}

// --- Commands ---

func (m Model) subscribe() tea.Cmd {
	src, ch, last := m.src, m.hubEvents, m.lastID
	return func() tea.Msg {
		_ = src.StreamEvents(context.Background(), last, func(ev events.Event) { ch <- ev })
		return sseDisconnectedMsg{}
	}
}

func (m Model) receiveNextEvent() tea.Cmd {
	ch := m.hubEvents
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func (m Model) fetchHealth() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	h, err := m.src.Health(ctx)
	if err != nil {
		return errMsg{err}
	}
	return healthMsg(h)
}

func (m Model) fetchPlugins() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	infos, err := m.src.ListPlugins(ctx)
	if err != nil {
		return errMsg{err}
	}
	return pluginsMsg(infos)
}

func (m Model) connect(id string) tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp, err := src.Connect(ctx, id)
		if err != nil {
			return errMsg{fmt.Errorf("connect %s: %w", id, err)}
		}
		return noticeMsg(fmt.Sprintf("%s connected (%s)", id, resp.State))
	}
}

func (m Model) disconnect(id string) tea.Cmd {
	src := m.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp, err := src.Disconnect(ctx, id)
		if err != nil {
			return errMsg{fmt.Errorf("disconnect %s: %w", id, err)}
		}
		if !resp.Clean {
			return noticeMsg(id + " disconnected (forced)")
		}
		return noticeMsg(id + " disconnected")
	}
}

func (m Model) reload() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	report, err := m.src.Reload(ctx)
	if err != nil {
		return errMsg{fmt.Errorf("reload: %w", err)}
	}
	return noticeMsg(fmt.Sprintf("reloaded: %d added, %d removed, %d changed",
		len(report.Added), len(report.Removed), len(report.Changed)))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

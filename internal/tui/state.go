package tui

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/plughost/internal/events"
	"github.com/mattjoyce/plughost/internal/plugin"
	"github.com/mattjoyce/plughost/internal/runs"
	"github.com/mattjoyce/plughost/internal/status"
)

const (
	maxRuns   = 50
	maxEvents = 200
)

// RunRow is the monitor's view of one run, built from run.* events.
type RunRow struct {
	ID        string
	Plugin    string
	Entry     string
	Status    runs.Status
	ErrorCode string
	Created   time.Time
	Completed time.Time
}

// RunBoard keeps the most recent runs, newest first.
type RunBoard struct {
	rows  []*RunRow
	byID  map[string]*RunRow
	total int
}

func NewRunBoard() *RunBoard {
	return &RunBoard{byID: make(map[string]*RunRow)}
}

// Apply folds a run.created or run.completed payload into the board.
func (b *RunBoard) Apply(run runs.Run) {
	row, ok := b.byID[run.ID]
	if !ok {
		row = &RunRow{ID: run.ID}
		b.byID[run.ID] = row
		b.rows = append([]*RunRow{row}, b.rows...)
		b.total++
		if len(b.rows) > maxRuns {
			for _, old := range b.rows[maxRuns:] {
				delete(b.byID, old.ID)
			}
			b.rows = b.rows[:maxRuns]
		}
	}
	row.Plugin = run.PluginID
	row.Entry = run.EntryID
	row.Created = run.CreatedAt
	// A late created event must not regress a completed row.
	if !row.Status.Terminal() {
		row.Status = run.Status
	}
	if run.Error != nil {
		row.ErrorCode = run.Error.Code
	}
	if run.CompletedAt != nil {
		row.Completed = *run.CompletedAt
	}
}

func (b *RunBoard) Rows() []*RunRow {
	return b.rows
}

// Counts reports active, succeeded and failed runs among those held.
func (b *RunBoard) Counts() (active, succeeded, failed int) {
	for _, r := range b.rows {
		switch r.Status {
		case runs.StatusSucceeded:
			succeeded++
		case runs.StatusFailed:
			failed++
		default:
			active++
		}
	}
	return active, succeeded, failed
}

// applyStatus updates the matching plugin row in place. It reports whether a
// row was found.
func applyStatus(infos []plugin.Info, rec status.Record) bool {
	for i := range infos {
		if infos[i].Descriptor != nil && infos[i].ID == rec.PluginID {
			infos[i].Status = rec
			return true
		}
	}
	return false
}

// describeEvent extracts a short description from a hub event payload.
func describeEvent(e events.Event) string {
	data := make(map[string]any)
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return truncate(string(e.Data), 60)
	}

	var parts []string
	if id, ok := data["run_id"].(string); ok {
		parts = append(parts, fmt.Sprintf("[%s]", shortID(id)))
	}
	if p, ok := data["plugin_id"].(string); ok {
		parts = append(parts, p)
	}
	if entry, ok := data["entry_id"].(string); ok && entry != "" {
		parts = append(parts, entry)
	}
	if et, ok := data["event_type"].(string); ok {
		parts = append(parts, et)
	}
	for _, key := range []string{"status", "state"} {
		if v, ok := data[key].(string); ok {
			parts = append(parts, v)
		}
	}
	if errObj, ok := data["error"].(map[string]any); ok {
		if code, ok := errObj["code"].(string); ok {
			parts = append(parts, code)
		}
	}

	if len(parts) == 0 {
		return truncate(string(e.Data), 60)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Package inspect renders journaled runs for the CLI.
package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/plughost/internal/journal"
)

// Report is the structured JSON representation of a run report.
type Report struct {
	RunID     string          `json:"run_id"`
	Plugin    string          `json:"plugin"`
	Entry     string          `json:"entry"`
	Status    string          `json:"status"`
	Success   *bool           `json:"success,omitempty"`
	ErrorCode string          `json:"error_code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Created   time.Time       `json:"created_at"`
	Started   *time.Time      `json:"started_at,omitempty"`
	Completed *time.Time      `json:"completed_at,omitempty"`
	Waited    string          `json:"waited,omitempty"`
	Ran       string          `json:"ran,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Reader is the journal subset reports need.
type Reader interface {
	Get(ctx context.Context, runID string) (*journal.Entry, error)
	List(ctx context.Context, f journal.Filter) ([]journal.Entry, error)
}

// BuildReport renders a terminal-friendly report for one run.
func BuildReport(ctx context.Context, j Reader, runID string) (string, error) {
	report, err := gatherReportData(ctx, j, runID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	fmt.Fprintf(&out, "Run Report\n")
	fmt.Fprintf(&out, "Run ID      : %s\n", report.RunID)
	fmt.Fprintf(&out, "Plugin      : %s\n", report.Plugin)
	fmt.Fprintf(&out, "Entry       : %s\n", report.Entry)
	fmt.Fprintf(&out, "Status      : %s\n", report.Status)
	if report.ErrorCode != "" || report.Error != "" {
		fmt.Fprintf(&out, "Error       : [%s] %s\n", renderUnset(report.ErrorCode, "?"), report.Error)
	}
	fmt.Fprintf(&out, "Created     : %s\n", report.Created.Format(time.RFC3339Nano))
	fmt.Fprintf(&out, "Started     : %s\n", renderTime(report.Started))
	fmt.Fprintf(&out, "Completed   : %s\n", renderTime(report.Completed))
	if report.Waited != "" {
		fmt.Fprintf(&out, "Queued for  : %s\n", report.Waited)
	}
	if report.Ran != "" {
		fmt.Fprintf(&out, "Ran for     : %s\n", report.Ran)
	}

	writeBlock(&out, "args", report.Args)
	writeBlock(&out, "data", report.Data)

	return strings.TrimRight(out.String(), "\n") + "\n", nil
}

// BuildJSONReport returns the machine-readable run report.
func BuildJSONReport(ctx context.Context, j Reader, runID string) (string, error) {
	report, err := gatherReportData(ctx, j, runID)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

// BuildList renders one line per journaled run, newest first.
func BuildList(ctx context.Context, j Reader, f journal.Filter) (string, error) {
	entries, err := j.List(ctx, f)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "No runs recorded.\n", nil
	}

	var out strings.Builder
	fmt.Fprintf(&out, "%-36s  %-10s  %-20s  %-16s  %s\n", "RUN ID", "STATUS", "PLUGIN", "ENTRY", "CREATED")
	for _, e := range entries {
		status := string(e.Status)
		if e.ErrorCode != "" {
			status += "(" + e.ErrorCode + ")"
		}
		fmt.Fprintf(&out, "%-36s  %-10s  %-20s  %-16s  %s\n",
			e.RunID, status, e.PluginID, e.EntryID, e.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return out.String(), nil
}

func gatherReportData(ctx context.Context, j Reader, runID string) (*Report, error) {
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	e, err := j.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return nil, fmt.Errorf("run %q not found", runID)
		}
		return nil, fmt.Errorf("query run %q: %w", runID, err)
	}

	report := &Report{
		RunID:     e.RunID,
		Plugin:    e.PluginID,
		Entry:     e.EntryID,
		Status:    string(e.Status),
		Success:   e.Success,
		ErrorCode: e.ErrorCode,
		Error:     e.ErrorMessage,
		Created:   e.CreatedAt,
		Started:   e.StartedAt,
		Completed: e.CompletedAt,
		Args:      e.Args,
		Data:      e.Data,
	}
	if e.StartedAt != nil {
		report.Waited = e.StartedAt.Sub(e.CreatedAt).Round(time.Millisecond).String()
		if e.CompletedAt != nil {
			report.Ran = e.CompletedAt.Sub(*e.StartedAt).Round(time.Millisecond).String()
		}
	}
	return report, nil
}

func writeBlock(out *strings.Builder, label string, raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		return
	}
	fmt.Fprintf(out, "\n%s:\n", label)
	for _, line := range strings.Split(strings.TrimSpace(prettyJSON(raw)), "\n") {
		fmt.Fprintf(out, "  %s\n", line)
	}
}

func prettyJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func renderTime(t *time.Time) string {
	if t == nil {
		return "<pending>"
	}
	return t.Format(time.RFC3339Nano)
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

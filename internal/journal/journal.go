// Package journal persists run lifecycle records to sqlite so completed runs
// can be inspected after they leave the in-memory tracker.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/plughost/internal/runs"
)

// ErrNotFound is returned when a run id has no journal record.
var ErrNotFound = errors.New("run not in journal")

// Fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one journaled run.
type Entry struct {
	RunID        string          `json:"run_id"`
	PluginID     string          `json:"plugin_id"`
	EntryID      string          `json:"entry_id"`
	Args         json.RawMessage `json:"args,omitempty"`
	Status       runs.Status     `json:"status"`
	Success      *bool           `json:"success,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	PluginID string
	Status   runs.Status
	Limit    int
}

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// RecordCreated inserts the pending run. A repeated id is ignored.
func (j *Journal) RecordCreated(ctx context.Context, run runs.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	args, err := marshalArgs(run.Args)
	if err != nil {
		return err
	}
	_, err = j.db.ExecContext(ctx, `
INSERT INTO run_log(run_id, plugin_id, entry_id, args, status, created_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO NOTHING;
`, run.ID, run.PluginID, run.EntryID, args, string(run.Status), run.CreatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("insert run %s: %w", run.ID, err)
	}
	return nil
}

// RecordCompleted upserts the terminal state of a run.
func (j *Journal) RecordCompleted(ctx context.Context, run runs.Run) error {
	if run.ID == "" {
		return fmt.Errorf("run id is empty")
	}
	args, err := marshalArgs(run.Args)
	if err != nil {
		return err
	}

	var (
		success sql.NullBool
		data    sql.NullString
		code    sql.NullString
		message sql.NullString
	)
	if run.Result != nil {
		success = sql.NullBool{Bool: run.Result.Success, Valid: true}
		if len(run.Result.Data) > 0 {
			data = sql.NullString{String: string(run.Result.Data), Valid: true}
		}
	}
	if run.Error != nil {
		code = sql.NullString{String: run.Error.Code, Valid: true}
		message = sql.NullString{String: run.Error.Message, Valid: true}
	}

	_, err = j.db.ExecContext(ctx, `
INSERT INTO run_log(run_id, plugin_id, entry_id, args, status, success, data, error_code, error_message, created_at, started_at, completed_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
  status = excluded.status,
  success = excluded.success,
  data = excluded.data,
  error_code = excluded.error_code,
  error_message = excluded.error_message,
  started_at = excluded.started_at,
  completed_at = excluded.completed_at;
`,
		run.ID, run.PluginID, run.EntryID, args, string(run.Status),
		success, data, code, message,
		run.CreatedAt.UTC().Format(timeLayout), formatTime(run.StartedAt), formatTime(run.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", run.ID, err)
	}
	return nil
}

const selectColumns = `run_id, plugin_id, entry_id, args, status, success, data, error_code, error_message, created_at, started_at, completed_at`

func (j *Journal) Get(ctx context.Context, runID string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM run_log WHERE run_id = ?;`, runID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	return entry, nil
}

// List returns journaled runs newest first.
func (j *Journal) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.PluginID != "" {
		where = append(where, "plugin_id = ?")
		args = append(args, f.PluginID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT ` + selectColumns + ` FROM run_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := j.db.QueryContext(ctx, query+";", args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// Prune deletes completed runs that finished before cutoff.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `
DELETE FROM run_log
WHERE completed_at IS NOT NULL AND completed_at < ?;
`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("prune run_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune run_log: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e         Entry
		args      sql.NullString
		status    string
		success   sql.NullBool
		data      sql.NullString
		code      sql.NullString
		message   sql.NullString
		created   string
		started   sql.NullString
		completed sql.NullString
	)
	if err := s.Scan(&e.RunID, &e.PluginID, &e.EntryID, &args, &status, &success, &data, &code, &message, &created, &started, &completed); err != nil {
		return nil, err
	}
	e.Status = runs.Status(status)
	if args.Valid && args.String != "" {
		e.Args = json.RawMessage(args.String)
	}
	if success.Valid {
		v := success.Bool
		e.Success = &v
	}
	if data.Valid {
		e.Data = json.RawMessage(data.String)
	}
	e.ErrorCode = code.String
	e.ErrorMessage = message.String

	var err error
	if e.CreatedAt, err = time.Parse(timeLayout, created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if e.StartedAt, err = parseNullTime(started); err != nil {
		return nil, fmt.Errorf("parse started_at: %w", err)
	}
	if e.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	return &e, nil
}

func marshalArgs(args map[string]any) (sql.NullString, error) {
	if len(args) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal args: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func formatTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

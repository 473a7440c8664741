package journal

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plughost/internal/protocol"
	"github.com/mattjoyce/plughost/internal/runs"
	"github.com/mattjoyce/plughost/internal/storage"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func pendingRun(id string, created time.Time) runs.Run {
	return runs.Run{
		ID:        id,
		PluginID:  "echo",
		EntryID:   "ping",
		Args:      map[string]any{"n": float64(1)},
		Status:    runs.StatusPending,
		CreatedAt: created,
	}
}

func completed(run runs.Run, at time.Time, resp protocol.PluginResponse) runs.Run {
	started := at.Add(-time.Second)
	run.StartedAt = &started
	run.CompletedAt = &at
	run.Result = &resp
	run.Error = resp.Error
	if resp.Success {
		run.Status = runs.StatusSucceeded
	} else {
		run.Status = runs.StatusFailed
	}
	return run
}

func TestRecordLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openJournal(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := pendingRun("r1", base)
	require.NoError(t, j.RecordCreated(ctx, run))

	got, err := j.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusPending, got.Status)
	assert.Nil(t, got.CompletedAt)
	assert.JSONEq(t, `{"n":1}`, string(got.Args))
	assert.True(t, base.Equal(got.CreatedAt))

	done := completed(run, base.Add(2*time.Second), protocol.PluginResponse{Success: true, Data: json.RawMessage(`{"reply":"pong"}`)})
	require.NoError(t, j.RecordCompleted(ctx, done))

	got, err = j.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSucceeded, got.Status)
	require.NotNil(t, got.Success)
	assert.True(t, *got.Success)
	assert.JSONEq(t, `{"reply":"pong"}`, string(got.Data))
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, base.Add(2*time.Second).Equal(*got.CompletedAt))
	assert.Empty(t, got.ErrorCode)
}

func TestRecordCompletedWithoutCreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openJournal(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := completed(pendingRun("r2", base), base.Add(time.Second), protocol.PluginResponse{
		Error: &protocol.ErrorInfo{Code: "timeout", Message: "no response after 1s"},
	})
	require.NoError(t, j.RecordCompleted(ctx, run))

	got, err := j.Get(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusFailed, got.Status)
	assert.Equal(t, "timeout", got.ErrorCode)
	assert.Equal(t, "no response after 1s", got.ErrorMessage)
	require.NotNil(t, got.Success)
	assert.False(t, *got.Success)
}

func TestDuplicateCreateIsIgnored(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openJournal(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	run := pendingRun("r3", base)
	require.NoError(t, j.RecordCreated(ctx, run))
	require.NoError(t, j.RecordCompleted(ctx, completed(run, base.Add(time.Second), protocol.PluginResponse{Success: true})))
	require.NoError(t, j.RecordCreated(ctx, run))

	got, err := j.Get(ctx, "r3")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusSucceeded, got.Status, "a late create must not regress the record")
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	_, err := openJournal(t).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListFiltersAndOrders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openJournal(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		run := pendingRun(id, base.Add(time.Duration(i)*time.Second))
		if id == "b" {
			run.PluginID = "other"
		}
		require.NoError(t, j.RecordCreated(ctx, run))
	}
	require.NoError(t, j.RecordCompleted(ctx, completed(pendingRun("a", base), base.Add(time.Minute), protocol.PluginResponse{Success: true})))

	all, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, ids(all))

	echo, err := j.List(ctx, Filter{PluginID: "echo"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, ids(echo))

	succeeded, err := j.List(ctx, Filter{Status: runs.StatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(succeeded))

	limited, err := j.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, ids(limited))
}

func TestPruneRemovesOnlyOldCompletedRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	j := openJournal(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	old := pendingRun("old", base)
	require.NoError(t, j.RecordCompleted(ctx, completed(old, base.Add(time.Second), protocol.PluginResponse{Success: true})))
	fresh := pendingRun("fresh", base)
	require.NoError(t, j.RecordCompleted(ctx, completed(fresh, base.Add(2*time.Hour), protocol.PluginResponse{Success: true})))
	require.NoError(t, j.RecordCreated(ctx, pendingRun("open", base)))

	n, err := j.Prune(ctx, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	remaining, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"fresh", "open"}, ids(remaining))
}

func ids(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.RunID)
	}
	return out
}

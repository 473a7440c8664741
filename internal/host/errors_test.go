package host

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "not found", err: NotFoundError("x"), want: CodeNotFound},
		{name: "entry", err: EntryNotFoundError("x", "y"), want: CodeEntryNotFound},
		{name: "start", err: StartError("x", errors.New("enoent")), want: CodeStartFailed},
		{name: "timeout", err: TimeoutError("x", "y", "c", time.Second), want: CodeTimeout},
		{name: "crashed", err: CrashedError("x", nil), want: CodeCrashed},
		{name: "protocol", err: ProtocolError("x", "y", "c", errors.New("bad line")), want: CodeProtocol},
		{name: "wrapped sentinel", err: fmt.Errorf("outer: %w", ErrPluginTimeout), want: CodeTimeout},
		{name: "other oops code", err: oops.Code("custom").Errorf("boom"), want: "custom"},
		{name: "plain", err: context.Canceled, want: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestErrorContext(t *testing.T) {
	err := TimeoutError("echo", "ping", "corr-1", 30*time.Second)
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		t.Fatalf("expected oops error, got %T", err)
	}
	ctx := oopsErr.Context()
	assert.Equal(t, "echo", ctx["plugin_id"])
	assert.Equal(t, "corr-1", ctx["correlation_id"])
	assert.Contains(t, err.Error(), "30s")
}

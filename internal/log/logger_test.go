package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	return out
}

func TestSetupWriter(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	var buf bytes.Buffer
	SetupWriter("warn", &buf)

	Get().Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at WARN, got %s", buf.String())
	}

	Get().Warn("kept")
	out := decodeLine(t, &buf)
	if out["msg"] != "kept" {
		t.Errorf("Expected msg 'kept', got %v", out["msg"])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"Warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextHelpers(t *testing.T) {
	tests := []struct {
		name  string
		build func() *slog.Logger
		key   string
		want  string
	}{
		{name: "component", build: func() *slog.Logger { return WithComponent("test-comp") }, key: "component", want: "test-comp"},
		{name: "plugin", build: func() *slog.Logger { return WithPlugin("my-plugin") }, key: "plugin", want: "my-plugin"},
		{name: "run", build: func() *slog.Logger { return WithRun("run-123") }, key: "run_id", want: "run-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger = slog.New(slog.NewJSONHandler(&buf, nil))

			tt.build().Info("hello")

			out := decodeLine(t, &buf)
			if out[tt.key] != tt.want {
				t.Errorf("Expected %s %q, got %v", tt.key, tt.want, out[tt.key])
			}
		})
	}
}

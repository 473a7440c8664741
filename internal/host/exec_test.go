package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plughost/internal/log"
)

// scriptPrelude parses the envelope type and correlation id out of each line.
const scriptPrelude = `#!/usr/bin/env bash
field() { printf '%s' "$1" | sed -n "s/.*\"$2\":\"\([^\"]*\)\".*/\1/p"; }
`

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plugin.sh")
	if err := os.WriteFile(path, []byte(scriptPrelude+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func startScript(t *testing.T, body string) *Host {
	t.Helper()
	path := writeScript(t, body)
	h, err := Start(Spec{PluginID: "script", Executable: path, Dir: filepath.Dir(path)}, Options{
		Logger:      log.Discard(),
		GracePeriod: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.Shutdown(context.Background(), time.Second) })
	return h
}

const echoBody = `
while IFS= read -r line; do
  case "$(field "$line" type)" in
    trigger)
      printf '{"type":"response","correlation_id":"%s","success":true,"data":"pong"}\n' "$(field "$line" correlation_id)"
      ;;
    shutdown)
      exit 0
      ;;
  esac
done
`

func TestExecEchoReturnsPong(t *testing.T) {
	h := startScript(t, echoBody)

	resp, err := h.Trigger(context.Background(), "echo", map[string]any{"msg": "ping"}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, *resp.Success)
	assert.Equal(t, `"pong"`, string(resp.Data))

	assert.True(t, h.Shutdown(context.Background(), 5*time.Second))
	assert.Equal(t, StateStopped, h.State())
}

func TestExecSilentPluginTimesOut(t *testing.T) {
	h := startScript(t, `
while IFS= read -r line; do
  [ "$(field "$line" type)" = shutdown ] && exit 0
done
`)

	_, err := h.Trigger(context.Background(), "echo", nil, 200*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, CodeTimeout, CodeOf(err))
}

func TestExecPluginExitsBeforeReplying(t *testing.T) {
	h := startScript(t, `
IFS= read -r line
exit 3
`)

	_, err := h.Trigger(context.Background(), "echo", nil, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, CodeCrashed, CodeOf(err))
	require.Eventually(t, func() bool { return h.State() == StateCrashed }, 2*time.Second, 10*time.Millisecond)
}

func TestExecStubbornPluginIsKilled(t *testing.T) {
	h := startScript(t, `
trap '' TERM
while IFS= read -r line; do :; done
while true; do sleep 0.1; done
`)

	start := time.Now()
	assert.False(t, h.Shutdown(context.Background(), 300*time.Millisecond))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateStopped, h.State())
}

func TestExecStatsForLiveProcess(t *testing.T) {
	h := startScript(t, echoBody)

	stats, err := h.Stats(context.Background())
	require.NoError(t, err)
	assert.Greater(t, stats.PID, 0)

	h.Shutdown(context.Background(), time.Second)
	_, err = h.Stats(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestExecMissingExecutable(t *testing.T) {
	_, err := Start(Spec{PluginID: "ghost", Executable: filepath.Join(t.TempDir(), "nope")}, Options{Logger: log.Discard()})
	require.Error(t, err)
	assert.Equal(t, CodeStartFailed, CodeOf(err))
}

func TestExecOversizedStderrLineKeepsPluginAlive(t *testing.T) {
	h := startScript(t, `
head -c 70000 /dev/zero | tr '\0' x >&2
echo >&2
echo "after the long line" >&2
while IFS= read -r line; do
  case "$(field "$line" type)" in
    trigger)
      echo "handling trigger" >&2
      printf '{"type":"response","correlation_id":"%s","success":true,"data":"pong"}\n' "$(field "$line" correlation_id)"
      ;;
    shutdown)
      exit 0
      ;;
  esac
done
`)

	for i := 0; i < 3; i++ {
		resp, err := h.Trigger(context.Background(), "echo", nil, 5*time.Second)
		require.NoError(t, err)
		assert.True(t, *resp.Success)
	}
	assert.Equal(t, StateRunning, h.State())
}

func TestExecUndecodableResponseFailsFast(t *testing.T) {
	h := startScript(t, `
while IFS= read -r line; do
  corr="$(field "$line" correlation_id)"
  case "$(field "$line" type)/$(field "$line" entry_id)" in
    trigger/garbled)
      printf '{"type":"response","correlation_id":"%s","success":"maybe"}\n' "$corr"
      ;;
    trigger/*)
      printf '{"type":"response","correlation_id":"%s","success":true,"data":"pong"}\n' "$corr"
      ;;
    shutdown/*)
      exit 0
      ;;
  esac
done
`)

	start := time.Now()
	_, err := h.Trigger(context.Background(), "garbled", nil, 10*time.Second)
	require.Error(t, err)
	assert.Equal(t, CodeProtocol, CodeOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, StateRunning, h.State())

	resp, err := h.Trigger(context.Background(), "echo", nil, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, *resp.Success)
}

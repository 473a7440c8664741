package host

import (
	"context"
	"syscall"
	"time"

	"github.com/mattjoyce/plughost/internal/channel"
	"github.com/mattjoyce/plughost/internal/protocol"
)

// killWait bounds how long we wait for the process to be reaped after SIGKILL.
const killWait = 5 * time.Second

// Shutdown stops the plugin. It sends a graceful-stop, closes the plugin's
// stdin and waits up to timeout; a process still alive after that gets
// SIGTERM and, after the grace period, SIGKILL. A done ctx skips straight
// to escalation.
//
// It returns true only if the process exited within timeout without
// escalation. Shutdown is idempotent and concurrent callers all observe the
// first call's result. The channel and reader are always released.
func (h *Host) Shutdown(ctx context.Context, timeout time.Duration) bool {
	h.mu.Lock()
	if h.shutdownDone != nil {
		done := h.shutdownDone
		h.mu.Unlock()
		<-done
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.shutdownClean
	}
	done := make(chan struct{})
	h.shutdownDone = done
	proc, ch := h.proc, h.ch
	h.mu.Unlock()

	clean := h.stop(ctx, proc, ch, timeout)

	h.mu.Lock()
	h.shutdownClean = clean
	h.mu.Unlock()
	close(done)
	return clean
}

func (h *Host) stop(ctx context.Context, proc Process, ch channel.Channel, timeout time.Duration) bool {
	if proc == nil {
		// Never spawned, or the spawn failed.
		h.transitionFrom(nil, StateStopped, StateStarting)
		return true
	}

	h.transitionFrom(nil, StateStopping, StateStarting, StateRunning)
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	if err := ch.Send(sendCtx, protocol.NewShutdown()); err != nil {
		h.logger.Debug("graceful stop not delivered", "error", err)
	}
	cancel()
	_ = ch.CloseWrite()

	clean := false
	timer := time.NewTimer(timeout)
	select {
	case <-h.exited:
		clean = true
	case <-timer.C:
		h.logger.Warn("plugin did not exit in time, sending SIGTERM", "timeout", timeout)
	case <-ctx.Done():
		h.logger.Warn("shutdown deadline reached, sending SIGTERM")
	}
	timer.Stop()

	if !clean {
		h.escalate(proc)
	}

	_ = ch.Close()
	select {
	case <-h.pumpDone:
	case <-time.After(killWait):
		h.logger.Error("reader did not stop after shutdown")
	}

	h.transitionFrom(nil, StateStopped, StateStopping)
	h.logger.Info("plugin stopped", "clean", clean)
	return clean
}

func (h *Host) escalate(proc Process) {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		h.logger.Debug("SIGTERM failed", "error", err)
	}

	grace := time.NewTimer(h.grace)
	defer grace.Stop()
	select {
	case <-h.exited:
		return
	case <-grace.C:
	}

	h.logger.Warn("plugin ignored SIGTERM, killing", "grace_period", h.grace)
	if err := proc.Kill(); err != nil {
		h.logger.Error("SIGKILL failed", "error", err)
	}
	select {
	case <-h.exited:
	case <-time.After(killWait):
		h.logger.Error("plugin not reaped after SIGKILL")
	}
}

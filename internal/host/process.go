package host

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"syscall"
)

// Process is the handle a Host holds on its plugin. Nothing outside the
// owning Host signals or inspects it.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process exits. It is called exactly once.
	Wait() error
}

// Spawned is a started process plus the host's ends of its stdio.
type Spawned struct {
	Process Process
	Stdout  io.ReadCloser
	Stdin   io.WriteCloser
}

// Spawner starts plugin processes.
type Spawner interface {
	Spawn(spec Spec) (*Spawned, error)
}

// ExecSpawner runs plugins as OS child processes in their own process
// group, so signals reach any children the plugin started.
type ExecSpawner struct {
	Logger *slog.Logger
}

func (s ExecSpawner) Spawn(spec Spec) (*Spawned, error) {
	if spec.Executable == "" {
		return nil, errors.New("no executable configured")
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), envList(spec.Env)...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, fmt.Errorf("failed to start %s: %w", spec.Executable, err)
	}

	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	go forwardStderr(stderrR, logger)

	return &Spawned{
		Process: &execProcess{cmd: cmd},
		Stdout:  stdoutR,
		Stdin:   stdinW,
	}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int { return p.cmd.Process.Pid }

// Signal delivers sig to the whole process group.
func (p *execProcess) Signal(sig os.Signal) error {
	if s, ok := sig.(syscall.Signal); ok {
		if err := syscall.Kill(-p.cmd.Process.Pid, s); err == nil {
			return nil
		}
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }

// maxStderrLine caps a single forwarded stderr line. Longer lines are
// truncated; the rest of the line is still read so the pipe never backs up
// or closes under the plugin.
const maxStderrLine = 64 * 1024

func forwardStderr(r io.ReadCloser, logger *slog.Logger) {
	defer r.Close()
	br := bufio.NewReaderSize(r, 4096)
	line := make([]byte, 0, 4096)
	truncated := false
	for {
		chunk, err := br.ReadSlice('\n')
		if room := maxStderrLine - len(line); len(chunk) > room {
			line = append(line, chunk[:max(room, 0)]...)
			truncated = true
		} else {
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == nil || len(line) > 0 {
			text := string(bytes.TrimRight(line, "\r\n"))
			if truncated {
				logger.Debug("plugin stderr", "line", text, "truncated", true)
			} else {
				logger.Debug("plugin stderr", "line", text)
			}
		}
		line, truncated = line[:0], false
		if err != nil {
			return
		}
	}
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

package host

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/mattjoyce/plughost/internal/protocol"
)

type fakeProc struct {
	pid        int
	ignoreTerm bool
	onExit     func()

	mu       sync.Mutex
	signals  []os.Signal
	exitOnce sync.Once
	exited   chan struct{}
}

func (p *fakeProc) Pid() int { return p.pid }

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	switch sig {
	case syscall.SIGKILL:
		p.exit()
	case syscall.SIGTERM:
		if !p.ignoreTerm {
			p.exit()
		}
	}
	return nil
}

func (p *fakeProc) Kill() error { return p.Signal(syscall.SIGKILL) }

func (p *fakeProc) Wait() error {
	<-p.exited
	return nil
}

func (p *fakeProc) exit() {
	p.exitOnce.Do(func() {
		if p.onExit != nil {
			p.onExit()
		}
		close(p.exited)
	})
}

func (p *fakeProc) received() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]os.Signal(nil), p.signals...)
}

// fakePlugin is the plugin side of a fake spawn.
type fakePlugin struct {
	proc *fakeProc
	mu   sync.Mutex
	out  *io.PipeWriter
}

func (fp *fakePlugin) send(line string) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	_, _ = io.WriteString(fp.out, line+"\n")
}

func (fp *fakePlugin) reply(env *protocol.Envelope, data string) {
	fp.send(fmt.Sprintf(`{"type":"response","correlation_id":%q,"success":true,"data":%s}`, env.CorrelationID, data))
}

// fakeSpawner wires a host to an in-process plugin driven by handler.
type fakeSpawner struct {
	handler    func(fp *fakePlugin, env *protocol.Envelope)
	err        error
	ignoreTerm bool
	exitOnEOF  bool

	mu   sync.Mutex
	last *fakePlugin
}

func (s *fakeSpawner) Spawn(spec Spec) (*Spawned, error) {
	if s.err != nil {
		return nil, s.err
	}
	hostR, pluginW := io.Pipe()
	pluginR, hostW := io.Pipe()

	proc := &fakeProc{pid: 4242, ignoreTerm: s.ignoreTerm, exited: make(chan struct{})}
	proc.onExit = func() {
		_ = pluginW.Close()
		_ = pluginR.Close()
	}
	fp := &fakePlugin{proc: proc, out: pluginW}

	s.mu.Lock()
	s.last = fp
	s.mu.Unlock()

	go func() {
		dec := protocol.NewDecoder(pluginR)
		for {
			env, err := dec.Decode()
			if err != nil {
				var malformed *protocol.MalformedError
				if errors.As(err, &malformed) {
					continue
				}
				if errors.Is(err, io.EOF) && s.exitOnEOF {
					proc.exit()
				}
				return
			}
			if s.handler != nil {
				s.handler(fp, env)
			}
		}
	}()

	return &Spawned{Process: proc, Stdout: hostR, Stdin: hostW}, nil
}

func (s *fakeSpawner) plugin() *fakePlugin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// echoHandler answers every trigger with its args and exits on shutdown.
func echoHandler(fp *fakePlugin, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTrigger:
		fp.reply(env, `"pong"`)
	case protocol.TypeShutdown:
		fp.proc.exit()
	}
}

type transitionRecord struct {
	State  State
	Detail string
}

type recordingSink struct {
	mu          sync.Mutex
	transitions []transitionRecord
	envelopes   []*protocol.Envelope
}

func (s *recordingSink) Envelope(_ string, env *protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes = append(s.envelopes, env)
}

func (s *recordingSink) Transition(_ string, state State, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions = append(s.transitions, transitionRecord{State: state, Detail: detail})
}

func (s *recordingSink) states() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]State, 0, len(s.transitions))
	for _, tr := range s.transitions {
		out = append(out, tr.State)
	}
	return out
}

func (s *recordingSink) envelopeTypes() []protocol.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Type, 0, len(s.envelopes))
	for _, env := range s.envelopes {
		out = append(out, env.Type)
	}
	return out
}

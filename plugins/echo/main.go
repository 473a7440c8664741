// Command echo is a reference plugin for plughost. Build it next to its
// manifest with:
//
//	go build -o plugins/echo/echo-plugin ./plugins/echo
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/plughost/internal/protocol"
)

const maxSleep = 30 * time.Second

func main() {
	if err := serve(os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "echo: %v\n", err)
		os.Exit(1)
	}
}

// writer serializes envelopes from concurrent triggers onto one stream.
type writer struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *writer) send(env *protocol.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return protocol.Encode(w.w, env)
}

// serve announces readiness then answers triggers until shutdown or EOF.
// Each trigger runs on its own goroutine so slow entries do not block fast
// ones.
func serve(in io.Reader, out io.Writer) error {
	w := &writer{w: out}
	if err := w.send(&protocol.Envelope{Type: protocol.TypeStatus, State: "connected"}); err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	dec := protocol.NewDecoder(in)
	for {
		env, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var malformed *protocol.MalformedError
		if errors.As(err, &malformed) {
			fmt.Fprintf(os.Stderr, "echo: skipping malformed line: %v\n", err)
			continue
		}
		if err != nil {
			return err
		}

		switch env.Type {
		case protocol.TypeShutdown:
			return nil
		case protocol.TypeTrigger:
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, reply := range handle(env) {
					if err := w.send(reply); err != nil {
						fmt.Fprintf(os.Stderr, "echo: write: %v\n", err)
						return
					}
				}
			}()
		}
	}
}

// handle returns the envelopes a trigger produces, response last.
func handle(env *protocol.Envelope) []*protocol.Envelope {
	switch env.EntryID {
	case "echo":
		return []*protocol.Envelope{success(env, env.Args)}
	case "ping":
		return []*protocol.Envelope{success(env, map[string]any{"pong": true, "at": time.Now().UTC().Format(time.RFC3339Nano)})}
	case "sleep":
		d, err := sleepDuration(env.Args)
		if err != nil {
			return []*protocol.Envelope{failure(env, "bad_args", err.Error())}
		}
		time.Sleep(d)
		return []*protocol.Envelope{success(env, map[string]any{"slept_ms": d.Milliseconds()})}
	case "notify":
		id := uuid.NewString()
		payload, _ := json.Marshal(map[string]any{"id": id, "args": env.Args})
		return []*protocol.Envelope{
			{Type: protocol.TypeEvent, EventType: "echo.notified", Payload: payload},
			{Type: protocol.TypeMessage, Payload: payload, Timestamp: time.Now().UTC()},
			success(env, map[string]any{"id": id}),
		}
	case "fail":
		msg := "requested failure"
		if m, ok := env.Args["message"].(string); ok && m != "" {
			msg = m
		}
		return []*protocol.Envelope{failure(env, "requested", msg)}
	default:
		return []*protocol.Envelope{failure(env, "unknown_entry", "no such entry: "+env.EntryID)}
	}
}

func sleepDuration(args map[string]any) (time.Duration, error) {
	ms, ok := args["ms"].(float64)
	if !ok || ms < 0 {
		return 0, errors.New("args.ms must be a non-negative number")
	}
	d := time.Duration(ms) * time.Millisecond
	if d > maxSleep {
		return 0, fmt.Errorf("args.ms exceeds %s", maxSleep)
	}
	return d, nil
}

func success(req *protocol.Envelope, data any) *protocol.Envelope {
	raw, err := json.Marshal(data)
	if err != nil {
		return failure(req, "encode", err.Error())
	}
	ok := true
	return &protocol.Envelope{Type: protocol.TypeResponse, CorrelationID: req.CorrelationID, Success: &ok, Data: raw}
}

func failure(req *protocol.Envelope, code, message string) *protocol.Envelope {
	raw, _ := json.Marshal(protocol.ErrorInfo{Code: code, Message: message})
	ok := false
	return &protocol.Envelope{Type: protocol.TypeResponse, CorrelationID: req.CorrelationID, Success: &ok, Error: raw}
}

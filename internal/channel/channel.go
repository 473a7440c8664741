// Package channel implements the bidirectional, line-delimited transport
// between the host and a single plugin process.
//
// A Stream owns one reader goroutine and one writer goroutine. The reader
// demultiplexes inbound envelopes: responses are delivered to the Call
// waiting on the same correlation id, everything else goes to Inbound.
// Any transport failure closes the stream for good.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/mattjoyce/plughost/internal/log"
	"github.com/mattjoyce/plughost/internal/protocol"
)

// ErrClosed is returned once the stream has been closed or has failed.
var ErrClosed = errors.New("channel closed")

// ErrMalformedResponse is returned by Call when the plugin answered with a
// line that names the call's correlation id but is not a valid envelope.
var ErrMalformedResponse = errors.New("malformed response")

// Channel is the transport a host uses to talk to its plugin.
type Channel interface {
	// Send writes env without waiting for any reply.
	Send(ctx context.Context, env *protocol.Envelope) error
	// Call writes env and waits for the response carrying the same
	// correlation id.
	Call(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error)
	// Inbound yields unsolicited envelopes. It is closed when the reader stops.
	Inbound() <-chan *protocol.Envelope
	// Done is closed once the channel is unusable.
	Done() <-chan struct{}
	// Err reports why the channel closed, nil while it is open.
	Err() error
	// CloseWrite signals end of input to the plugin while responses and
	// events can still be read.
	CloseWrite() error
	Close() error
}

type outgoing struct {
	env  *protocol.Envelope
	errc chan error
}

type reply struct {
	env *protocol.Envelope
	err error
}

const (
	outboxSize  = 16
	inboundSize = 64
)

// Stream is a Channel over a pair of pipes.
type Stream struct {
	logger *slog.Logger
	r      io.ReadCloser
	w      io.WriteCloser

	outbox  chan outgoing
	inbound chan *protocol.Envelope

	mu      sync.Mutex
	pending map[string]chan reply

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

var _ Channel = (*Stream)(nil)

// New starts a stream reading envelopes from r and writing them to w.
func New(r io.ReadCloser, w io.WriteCloser, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = log.WithComponent("channel")
	}
	s := &Stream{
		logger:  logger,
		r:       r,
		w:       w,
		outbox:  make(chan outgoing, outboxSize),
		inbound: make(chan *protocol.Envelope, inboundSize),
		pending: make(map[string]chan reply),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	go s.readLoop()
	return s
}

func (s *Stream) Send(ctx context.Context, env *protocol.Envelope) error {
	if err := protocol.Validate(env); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	o := outgoing{env: env, errc: make(chan error, 1)}
	select {
	case s.outbox <- o:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-o.errc:
		return err
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Stream) Call(ctx context.Context, env *protocol.Envelope) (*protocol.Envelope, error) {
	id := env.CorrelationID
	if id == "" {
		return nil, errors.New("call requires a correlation id")
	}

	respCh := make(chan reply, 1)
	s.mu.Lock()
	if _, exists := s.pending[id]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("correlation id %q already in flight", id)
	}
	s.pending[id] = respCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.Send(ctx, env); err != nil {
		return nil, err
	}

	select {
	case r := <-respCh:
		return r.env, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		// A response may have landed just before the reader hit EOF.
		select {
		case r := <-respCh:
			return r.env, r.err
		default:
			return nil, ErrClosed
		}
	}
}

func (s *Stream) Inbound() <-chan *protocol.Envelope { return s.inbound }

func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// ErrWriteClosed is returned by Send after CloseWrite.
var ErrWriteClosed = errors.New("channel write side closed")

func (s *Stream) CloseWrite() error {
	o := outgoing{errc: make(chan error, 1)}
	select {
	case s.outbox <- o:
	case <-s.done:
		return ErrClosed
	}
	select {
	case err := <-o.errc:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Close shuts both pipes. It is safe to call more than once.
func (s *Stream) Close() error {
	s.fail(ErrClosed)
	return nil
}

func (s *Stream) fail(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
		_ = s.w.Close()
		_ = s.r.Close()
	})
}

func (s *Stream) writeLoop() {
	writeClosed := false
	for {
		select {
		case o := <-s.outbox:
			if writeClosed {
				o.errc <- ErrWriteClosed
				continue
			}
			if o.env == nil {
				writeClosed = true
				o.errc <- s.w.Close()
				continue
			}
			if err := protocol.Encode(s.w, o.env); err != nil {
				o.errc <- fmt.Errorf("%w: %v", ErrClosed, err)
				s.logger.Warn("write to plugin failed", "error", err)
				s.fail(fmt.Errorf("%w: %v", ErrClosed, err))
				return
			}
			o.errc <- nil
		case <-s.done:
			return
		}
	}
}

func (s *Stream) readLoop() {
	defer close(s.inbound)

	dec := protocol.NewDecoder(s.r)
	for {
		env, err := dec.Decode()
		if err != nil {
			var malformed *protocol.MalformedError
			if errors.As(err, &malformed) {
				if id, ok := responseID(malformed.Line); ok {
					s.logger.Warn("malformed response from plugin", "correlation_id", id, "error", malformed.Err, "line", truncate(malformed.Line))
					s.resolve(id, reply{err: fmt.Errorf("%w: %v", ErrMalformedResponse, malformed.Err)})
					continue
				}
				s.logger.Warn("discarding malformed line from plugin", "error", malformed.Err, "line", truncate(malformed.Line))
				continue
			}
			if !errors.Is(err, io.EOF) {
				select {
				case <-s.done:
				default:
					s.logger.Warn("read from plugin failed", "error", err)
				}
				s.fail(fmt.Errorf("%w: %v", ErrClosed, err))
			} else {
				s.fail(ErrClosed)
			}
			return
		}

		if env.Type == protocol.TypeResponse {
			s.resolve(env.CorrelationID, reply{env: env})
			continue
		}

		select {
		case s.inbound <- env:
		case <-s.done:
			return
		}
	}
}

func (s *Stream) resolve(correlationID string, r reply) {
	s.mu.Lock()
	ch, ok := s.pending[correlationID]
	if ok {
		delete(s.pending, correlationID)
	}
	s.mu.Unlock()

	if !ok {
		// Either the caller already gave up or this is a duplicate.
		s.logger.Warn("discarding response with no waiter", "correlation_id", correlationID)
		return
	}
	ch <- r
}

// responseID leniently reads the correlation id of a line that failed strict
// decoding. Lines that declare another envelope type are not responses.
func responseID(line []byte) (string, bool) {
	var head struct {
		Type          string `json:"type"`
		CorrelationID string `json:"correlation_id"`
	}
	if err := json.Unmarshal(line, &head); err != nil || head.CorrelationID == "" {
		return "", false
	}
	if head.Type != "" && head.Type != string(protocol.TypeResponse) {
		return "", false
	}
	return head.CorrelationID, true
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

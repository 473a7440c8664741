package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// maxLineBytes bounds a single envelope line read from a plugin.
const maxLineBytes = 4 << 20

// MalformedError reports a line that could not be decoded as an envelope.
// The stream itself is still usable after one.
type MalformedError struct {
	Line []byte
	Err  error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed envelope: %v", e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Encode writes env as a single JSON line to w.
func Encode(w io.Writer, env *Envelope) error {
	if err := Validate(env); err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited envelopes.
type Decoder struct {
	scanner *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{scanner: s}
}

// Decode returns the next envelope. Blank lines are skipped. A line that is
// not a valid envelope yields a *MalformedError; io.EOF marks a clean end of
// stream and any other error is a transport failure.
func (d *Decoder) Decode() (*Envelope, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		env, err := DecodeLine(line)
		if err != nil {
			return nil, &MalformedError{Line: append([]byte(nil), line...), Err: err}
		}
		return env, nil
	}
	if err := d.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read envelope: %w", err)
	}
	return nil, io.EOF
}

// DecodeLine strictly decodes a single envelope.
func DecodeLine(line []byte) (*Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if err := Validate(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the fields required by env.Type.
func Validate(env *Envelope) error {
	if env == nil {
		return errors.New("nil envelope")
	}
	switch env.Type {
	case TypeTrigger:
		if env.CorrelationID == "" {
			return errors.New("trigger missing required field: correlation_id")
		}
		if env.EntryID == "" {
			return errors.New("trigger missing required field: entry_id")
		}
	case TypeShutdown:
	case TypeResponse:
		if env.CorrelationID == "" {
			return errors.New("response missing required field: correlation_id")
		}
		if env.Success == nil && env.Result == nil {
			return errors.New("response needs either success or result")
		}
	case TypeStatus:
		if env.State == "" {
			return errors.New("status missing required field: state")
		}
	case TypeEvent:
		if env.EventType == "" {
			return errors.New("event missing required field: event_type")
		}
	case TypeMessage:
	case "":
		return errors.New("envelope missing required field: type")
	default:
		return fmt.Errorf("unknown envelope type: %q", env.Type)
	}
	return nil
}

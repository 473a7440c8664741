package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		env     *Envelope
		wantErr bool
		checkFn func(t *testing.T, output string)
	}{
		{
			name: "trigger",
			env:  NewTrigger("c-1", "echo", map[string]any{"msg": "ping"}),
			checkFn: func(t *testing.T, output string) {
				if !strings.Contains(output, `"type":"trigger"`) {
					t.Error("missing type field")
				}
				if !strings.Contains(output, `"correlation_id":"c-1"`) {
					t.Error("missing correlation_id field")
				}
				if !strings.Contains(output, `"args":{"msg":"ping"}`) {
					t.Error("missing args field")
				}
				if !strings.HasSuffix(output, "\n") {
					t.Error("envelope must be newline terminated")
				}
			},
		},
		{
			name: "shutdown",
			env:  NewShutdown(),
			checkFn: func(t *testing.T, output string) {
				if strings.TrimSpace(output) != `{"type":"shutdown"}` {
					t.Errorf("unexpected shutdown encoding: %s", output)
				}
			},
		},
		{
			name:    "trigger without entry",
			env:     NewTrigger("c-1", "", nil),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			err := Encode(&buf, tt.env)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Encode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.checkFn != nil {
				tt.checkFn(t, buf.String())
			}
		})
	}
}

func TestDecodeLine(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		want    Type
	}{
		{name: "structured response", input: `{"type":"response","correlation_id":"a","success":true,"data":"pong"}`, want: TypeResponse},
		{name: "legacy response", input: `{"type":"response","correlation_id":"a","result":"pong"}`, want: TypeResponse},
		{name: "status", input: `{"type":"status","state":"connected"}`, want: TypeStatus},
		{name: "event", input: `{"type":"event","event_type":"tick","payload":{"n":1}}`, want: TypeEvent},
		{name: "message", input: `{"type":"message","payload":"hi"}`, want: TypeMessage},
		{name: "response without correlation", input: `{"type":"response","success":true}`, wantErr: true},
		{name: "response without outcome", input: `{"type":"response","correlation_id":"a"}`, wantErr: true},
		{name: "status without state", input: `{"type":"status"}`, wantErr: true},
		{name: "unknown field", input: `{"type":"status","state":"connected","extra":1}`, wantErr: true},
		{name: "unknown type", input: `{"type":"bogus"}`, wantErr: true},
		{name: "missing type", input: `{}`, wantErr: true},
		{name: "not json", input: `hello`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := DecodeLine([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeLine() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && env.Type != tt.want {
				t.Errorf("Type = %q, want %q", env.Type, tt.want)
			}
		})
	}
}

func TestDecoderStream(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"status","state":"starting"}`,
		``,
		`garbage`,
		`{"type":"response","correlation_id":"x","success":true}`,
	}, "\n")

	dec := NewDecoder(strings.NewReader(input))

	env, err := dec.Decode()
	if err != nil || env.Type != TypeStatus {
		t.Fatalf("first Decode() = %v, %v", env, err)
	}

	_, err = dec.Decode()
	var malformed *MalformedError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedError, got %v", err)
	}
	if string(malformed.Line) != "garbage" {
		t.Errorf("Line = %q", malformed.Line)
	}

	env, err = dec.Decode()
	if err != nil || env.CorrelationID != "x" {
		t.Fatalf("third Decode() = %v, %v", env, err)
	}

	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

// Package results classifies command values into payloads on the daemon side and
// renders payloads into stdout text and exit statuses on the client side.
package results

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/andreasjansson/plwr/internal/protocol"
)

// Empty is the payload of commands that only have an effect.
func Empty() protocol.Payload {
	return protocol.Payload{Kind: protocol.PayloadEmpty}
}

// Text carries a primitive value already rendered as text.
func Text(s string) protocol.Payload {
	raw, _ := json.Marshal(s)
	return protocol.Payload{Kind: protocol.PayloadText, Value: raw}
}

// JSON carries a structured value as produced by its source. The bytes are kept
// verbatim so key order survives the trip to the client.
func JSON(raw []byte) (protocol.Payload, error) {
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return protocol.Payload{}, protocol.Errorf(protocol.KindEngine, "engine returned invalid JSON")
	}
	return protocol.Payload{Kind: protocol.PayloadJSON, Value: json.RawMessage(raw)}, nil
}

// Value marshals a Go value whose field order is fixed by its type.
func Value(v any) (protocol.Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return protocol.Payload{}, fmt.Errorf("encode result: %w", err)
	}
	return protocol.Payload{Kind: protocol.PayloadJSON, Value: raw}, nil
}

// Artifact reports the path of a file written by the command.
func Artifact(path string) protocol.Payload {
	raw, _ := json.Marshal(path)
	return protocol.Payload{Kind: protocol.PayloadArtifact, Value: raw}
}

// Presence reports the answer of an exists check.
func Presence(found bool) protocol.Payload {
	return protocol.Payload{Kind: protocol.PayloadPresence, Value: json.RawMessage(strconv.FormatBool(found))}
}

// Count reports a match count.
func Count(n int) protocol.Payload {
	return protocol.Payload{Kind: protocol.PayloadCount, Value: json.RawMessage(strconv.Itoa(n))}
}

// EvalValue is what the in-page evaluation wrapper returns: the JS type class of
// the result plus either its text form or its JSON serialization.
type EvalValue struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	JSON string `json:"json,omitempty"`
}

// Eval type classes reported by the wrapper.
const (
	EvalUndefined  = "undefined"
	EvalPrimitive  = "primitive"
	EvalStructured = "structured"
)

// FromEval maps an evaluation result onto a payload: primitives become text,
// objects and arrays stay JSON, undefined is empty.
func FromEval(v EvalValue) (protocol.Payload, error) {
	switch v.Type {
	case EvalUndefined:
		return Empty(), nil
	case EvalStructured:
		return JSON([]byte(v.JSON))
	case EvalPrimitive:
		return Text(v.Text), nil
	default:
		return protocol.Payload{}, protocol.Errorf(protocol.KindEngine, "unexpected evaluation result type %q", v.Type)
	}
}

// Render writes p to w and returns the exit status the invocation should end with.
func Render(w io.Writer, p *protocol.Payload) (int, error) {
	if p == nil {
		return protocol.ExitOK, nil
	}
	switch p.Kind {
	case protocol.PayloadEmpty, "":
		return protocol.ExitOK, nil

	case protocol.PayloadText, protocol.PayloadArtifact:
		var s string
		if err := json.Unmarshal(p.Value, &s); err != nil {
			return protocol.ExitTransport, fmt.Errorf("decode %s payload: %w", p.Kind, err)
		}
		_, err := fmt.Fprintln(w, s)
		return protocol.ExitOK, err

	case protocol.PayloadJSON:
		var buf bytes.Buffer
		if err := json.Indent(&buf, p.Value, "", "  "); err != nil {
			return protocol.ExitTransport, fmt.Errorf("decode json payload: %w", err)
		}
		buf.WriteByte('\n')
		_, err := w.Write(buf.Bytes())
		return protocol.ExitOK, err

	case protocol.PayloadPresence:
		var found bool
		if err := json.Unmarshal(p.Value, &found); err != nil {
			return protocol.ExitTransport, fmt.Errorf("decode presence payload: %w", err)
		}
		if !found {
			return protocol.ExitNotFound, nil
		}
		return protocol.ExitOK, nil

	case protocol.PayloadCount:
		var n int
		if err := json.Unmarshal(p.Value, &n); err != nil {
			return protocol.ExitTransport, fmt.Errorf("decode count payload: %w", err)
		}
		_, err := fmt.Fprintln(w, n)
		return protocol.ExitOK, err
	}
	return protocol.ExitTransport, fmt.Errorf("unknown payload kind %q", p.Kind)
}

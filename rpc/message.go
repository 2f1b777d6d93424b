package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// Message types derived from the fields present on a message.
const (
	TypeResponse = "response"
	TypeError    = "error"
	TypeUnknown  = "unknown"
)

// Message is a single JSON object exchanged with a worker. Only the fields used
// for correlation and classification are decoded; Raw keeps the original bytes.
type Message struct {
	Raw    json.RawMessage
	ID     *jsonrpc2.ID
	Method string
	Result *json.RawMessage
	Error  *jsonrpc2.Error

	typ string
}

// ParseMessage decodes one line of worker output. The value must be a JSON
// object; anything else is rejected.
func ParseMessage(data []byte) (*Message, error) {
	data = bytes.TrimSpace(data)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errors.New("message is not a JSON object")
	}
	msg := &Message{Raw: append(json.RawMessage(nil), data...)}

	if raw, ok := fields["id"]; ok && !isNull(raw) {
		var id jsonrpc2.ID
		// Ids that are neither unsigned integers nor strings cannot belong to
		// a call we issued, so the message is treated as uncorrelated.
		if err := json.Unmarshal(raw, &id); err == nil {
			msg.ID = &id
		}
	}
	if raw, ok := fields["result"]; ok {
		r := raw
		msg.Result = &r
	}
	if raw, ok := fields["error"]; ok && !isNull(raw) {
		var rpcErr jsonrpc2.Error
		if err := json.Unmarshal(raw, &rpcErr); err != nil {
			rpcErr = jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: string(raw)}
		}
		msg.Error = &rpcErr
	}

	_, hasMethod := fields["method"]
	_, hasResult := fields["result"]
	_, hasError := fields["error"]
	switch {
	case hasMethod:
		var method string
		if err := json.Unmarshal(fields["method"], &method); err != nil {
			method = string(fields["method"])
		}
		msg.Method = method
		msg.typ = method
	case hasResult:
		msg.typ = TypeResponse
	case hasError:
		msg.typ = TypeError
	default:
		msg.typ = TypeUnknown
	}
	return msg, nil
}

// EncodeRequest marshals a request or notification into a message.
func EncodeRequest(req *jsonrpc2.Request) (*Message, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	if req.Method == "" {
		return nil, errors.New("request method required")
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", req.Method, err)
	}
	return ParseMessage(data)
}

// Type reports the classification label used in the message log.
func (m *Message) Type() string {
	if m == nil {
		return TypeUnknown
	}
	return m.typ
}

// HasID reports whether the message carries a usable id.
func (m *Message) HasID() bool {
	return m != nil && m.ID != nil
}

// Frame returns the newline-terminated wire form of the message.
func (m *Message) Frame() []byte {
	frame := make([]byte, 0, len(m.Raw)+1)
	frame = append(frame, m.Raw...)
	return append(frame, '\n')
}

// MarshalJSON emits the original message bytes.
func (m Message) MarshalJSON() ([]byte, error) {
	if len(m.Raw) == 0 {
		return []byte("null"), nil
	}
	return m.Raw, nil
}

// UnmarshalJSON re-parses the raw message.
func (m *Message) UnmarshalJSON(data []byte) error {
	parsed, err := ParseMessage(data)
	if err != nil {
		return err
	}
	*m = *parsed
	return nil
}

// DecodeResult unmarshals the result payload into v.
func (m *Message) DecodeResult(v any) error {
	if m.Error != nil {
		return m.Error
	}
	if m.Result == nil {
		return errors.New("message has no result")
	}
	return json.Unmarshal(*m.Result, v)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

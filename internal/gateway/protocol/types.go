// Package protocol defines the gateway WebSocket frame protocol as seen by the platform.
// Frames are a closed set of variants; anything else on the wire is malformed.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
)

// ProtocolVersion is the gateway protocol version the platform speaks.
const ProtocolVersion = 3

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
	FrameTypeHelloOk  = "hello-ok"
)

// Event names.
const (
	EventConnectChallenge = "connect.challenge"
)

// Method names used by the platform itself.
const (
	MethodConnect        = "connect"
	MethodConfigGet      = "config.get"
	MethodConfigPatch    = "config.patch"
	MethodAgentsList     = "agents.list"
	MethodAgentsFilesSet = "agents.files.set"
)

// Error codes.
const (
	ErrorCodeUnknown         = "UNKNOWN"
	ErrorCodeInvalidRequest  = "INVALID_REQUEST"
	ErrorCodeNotAuthorized   = "NOT_AUTHORIZED"
	ErrorCodeInternal        = "INTERNAL"
	ErrorCodePlatformBlocked = "PLATFORM_BLOCKED"
)

// ErrMalformedFrame is returned by Parse for anything that is not a well-formed frame.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is one of *RequestFrame, *ResponseFrame, *EventFrame or *HelloFrame.
type Frame interface {
	Type() string
	// Raw returns the bytes the frame was parsed from, or nil for constructed frames.
	Raw() []byte
	frame()
}

// RequestFrame is a client request.
type RequestFrame struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`

	raw []byte
}

// ResponseFrame answers a request with the same id.
type ResponseFrame struct {
	ID      string          `json:"id"`
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *ErrorShape     `json:"error,omitempty"`

	raw []byte
}

// EventFrame is a server-pushed event.
type EventFrame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Seq     int             `json:"seq,omitempty"`

	raw []byte
}

// HelloFrame is the handshake acknowledgement. The body is kept opaque.
type HelloFrame struct {
	raw []byte
}

func (*RequestFrame) Type() string  { return FrameTypeRequest }
func (*ResponseFrame) Type() string { return FrameTypeResponse }
func (*EventFrame) Type() string    { return FrameTypeEvent }
func (*HelloFrame) Type() string    { return FrameTypeHelloOk }

func (f *RequestFrame) Raw() []byte  { return f.raw }
func (f *ResponseFrame) Raw() []byte { return f.raw }
func (f *EventFrame) Raw() []byte    { return f.raw }
func (f *HelloFrame) Raw() []byte    { return f.raw }

func (*RequestFrame) frame()  {}
func (*ResponseFrame) frame() {}
func (*EventFrame) frame()    {}
func (*HelloFrame) frame()    {}

// MarshalJSON writes the frame with its type tag.
func (f *RequestFrame) MarshalJSON() ([]byte, error) {
	type alias RequestFrame
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{FrameTypeRequest, (*alias)(f)})
}

// MarshalJSON writes the frame with its type tag.
func (f *ResponseFrame) MarshalJSON() ([]byte, error) {
	type alias ResponseFrame
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{FrameTypeResponse, (*alias)(f)})
}

// MarshalJSON writes the frame with its type tag.
func (f *EventFrame) MarshalJSON() ([]byte, error) {
	type alias EventFrame
	return json.Marshal(struct {
		Type string `json:"type"`
		*alias
	}{FrameTypeEvent, (*alias)(f)})
}

// MarshalJSON returns the original hello body, or a bare hello-ok frame.
func (f *HelloFrame) MarshalJSON() ([]byte, error) {
	if len(f.raw) > 0 {
		return f.raw, nil
	}
	return []byte(`{"type":"hello-ok"}`), nil
}

// WithParams returns a copy of the request carrying params. The copy is re-encoded on send.
func (f *RequestFrame) WithParams(params map[string]any) *RequestFrame {
	return &RequestFrame{ID: f.ID, Method: f.Method, Params: params}
}

// WithPayload returns a copy of the response carrying payload. The copy is re-encoded on send.
func (f *ResponseFrame) WithPayload(payload json.RawMessage) *ResponseFrame {
	return &ResponseFrame{ID: f.ID, OK: f.OK, Payload: payload, Error: f.Error}
}

// NewHelloFrame wraps a hello-ok body received in some other envelope.
func NewHelloFrame(body []byte) *HelloFrame {
	return &HelloFrame{raw: body}
}

// ErrorShape represents an error returned in a response frame.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
}

func (e *ErrorShape) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// frameKeys are the envelope keys the platform decides on. Each may appear once and only in
// its exact spelling, so the platform and the gateway always read the same values.
var frameKeys = []string{"type", "id", "method", "params", "event", "payload", "ok", "error", "seq"}

// Parse decodes one wire message into a frame variant. Envelope fields are looked up by exact
// key.
func Parse(data []byte) (Frame, error) {
	fields, err := envelope(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var typ string
	if err := field(fields, "type", &typ); err != nil {
		return nil, err
	}

	switch typ {
	case FrameTypeRequest:
		var f RequestFrame
		if err := field(fields, "id", &f.ID); err != nil {
			return nil, err
		}
		if err := field(fields, "method", &f.Method); err != nil {
			return nil, err
		}
		if err := field(fields, "params", &f.Params); err != nil {
			return nil, err
		}
		if f.ID == "" || f.Method == "" {
			return nil, fmt.Errorf("%w: request without id or method", ErrMalformedFrame)
		}
		f.raw = data
		return &f, nil

	case FrameTypeResponse:
		var f ResponseFrame
		if err := field(fields, "id", &f.ID); err != nil {
			return nil, err
		}
		if err := field(fields, "ok", &f.OK); err != nil {
			return nil, err
		}
		if err := field(fields, "payload", &f.Payload); err != nil {
			return nil, err
		}
		if err := field(fields, "error", &f.Error); err != nil {
			return nil, err
		}
		if f.ID == "" {
			return nil, fmt.Errorf("%w: response without id", ErrMalformedFrame)
		}
		f.raw = data
		return &f, nil

	case FrameTypeEvent:
		var f EventFrame
		if err := field(fields, "event", &f.Event); err != nil {
			return nil, err
		}
		if err := field(fields, "payload", &f.Payload); err != nil {
			return nil, err
		}
		if err := field(fields, "seq", &f.Seq); err != nil {
			return nil, err
		}
		if f.Event == "" {
			return nil, fmt.Errorf("%w: event without name", ErrMalformedFrame)
		}
		f.raw = data
		return &f, nil

	case FrameTypeHelloOk:
		return &HelloFrame{raw: data}, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, typ)
	}
}

// envelope splits a frame into its top-level members. A repeated envelope key, or one spelled
// with different case, is an error: decoders disagree on which copy wins.
func envelope(data []byte) (map[string]json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("frame is not an object")
	}

	fields := make(map[string]json.RawMessage)
	seen := make(map[string]string)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key := tok.(string)

		folded := strings.ToLower(key)
		if slices.Contains(frameKeys, folded) {
			if prev, dup := seen[folded]; dup {
				return nil, fmt.Errorf("ambiguous key %q (also %q)", key, prev)
			}
			seen[folded] = key
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		fields[key] = value
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after frame")
	}
	return fields, nil
}

// field decodes the member named exactly key into v. Missing members leave v untouched.
func field(fields map[string]json.RawMessage, key string, v any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedFrame, key, err)
	}
	return nil
}

// Encode returns the wire bytes for a frame: the original bytes when the frame was parsed
// and never rebuilt, a fresh encoding otherwise.
func Encode(f Frame) ([]byte, error) {
	if raw := f.Raw(); raw != nil {
		return raw, nil
	}
	return json.Marshal(f)
}

// BlockResponse builds the synthetic response sent back for a request the platform refuses.
func BlockResponse(requestID, message string) *ResponseFrame {
	return &ResponseFrame{
		ID: requestID,
		OK: false,
		Error: &ErrorShape{
			Code:    ErrorCodePlatformBlocked,
			Message: message,
		},
	}
}

// ConnectParams represents the connect request parameters.
type ConnectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      ClientInfo `json:"client"`
	Role        string     `json:"role,omitempty"`
	Scopes      []string   `json:"scopes,omitempty"`
	Auth        *AuthInfo  `json:"auth,omitempty"`
}

// ClientInfo contains client identification.
type ClientInfo struct {
	ID       string `json:"id"`
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Mode     string `json:"mode"`
}

// AuthInfo contains authentication credentials.
type AuthInfo struct {
	Token string `json:"token,omitempty"`
}

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liteclaw/liteclaw-platform/internal/gateway/protocol"
	"github.com/liteclaw/liteclaw-platform/internal/version"
)

// Client identity presented to the gateway.
const (
	ClientID       = "openclaw-platform"
	ClientPlatform = "server"
	ClientMode     = "api"
	ClientRole     = "operator"
)

// DefaultHandshakeTimeout bounds the wait for hello-ok after dialing.
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrUnavailable is returned when the gateway cannot be dialed.
	ErrUnavailable = errors.New("gateway unavailable")
	// ErrClosed is returned for calls on a closed or disconnected client.
	ErrClosed = errors.New("gateway connection closed")
	// ErrTimeout is returned when a call gets no response in time.
	ErrTimeout = errors.New("gateway request timed out")
	// ErrHandshake is returned when the gateway rejects or never acknowledges connect.
	ErrHandshake = errors.New("gateway handshake failed")
)

// Handshake drives the connect exchange on one backend connection. Feed it every frame
// received before the gateway acknowledges; it answers the challenge and reports the ack.
type Handshake struct {
	token     string
	connectID string
	sent      bool
}

// NewHandshake creates a handshake that authenticates with token. connectID is the request id
// used for the connect request.
func NewHandshake(token, connectID string) *Handshake {
	return &Handshake{token: token, connectID: connectID}
}

// ConnectRequest builds the connect request frame.
func (h *Handshake) ConnectRequest() *protocol.RequestFrame {
	params := protocol.ConnectParams{
		MinProtocol: protocol.ProtocolVersion,
		MaxProtocol: protocol.ProtocolVersion,
		Client: protocol.ClientInfo{
			ID:       ClientID,
			Version:  version.Version,
			Platform: ClientPlatform,
			Mode:     ClientMode,
		},
		Role:   ClientRole,
		Scopes: []string{"operator.admin"},
		Auth:   &protocol.AuthInfo{Token: h.token},
	}

	// ConnectParams always encodes to an object.
	data, _ := json.Marshal(params)
	var m map[string]any
	_ = json.Unmarshal(data, &m)

	return &protocol.RequestFrame{ID: h.connectID, Method: protocol.MethodConnect, Params: m}
}

// Step consumes one pre-handshake frame. It returns the connect request to send when the
// challenge arrives, and the hello frame once the gateway acknowledges. Any other frame
// yields nothing and should be dropped.
func (h *Handshake) Step(f protocol.Frame) (*protocol.RequestFrame, *protocol.HelloFrame, error) {
	switch fr := f.(type) {
	case *protocol.EventFrame:
		if fr.Event == protocol.EventConnectChallenge && !h.sent {
			h.sent = true
			return h.ConnectRequest(), nil, nil
		}

	case *protocol.HelloFrame:
		return nil, fr, nil

	case *protocol.ResponseFrame:
		if !h.sent || fr.ID != h.connectID {
			return nil, nil, nil
		}
		if !fr.OK {
			if fr.Error != nil {
				return nil, nil, fmt.Errorf("%w: %w", ErrHandshake, fr.Error)
			}
			return nil, nil, fmt.Errorf("%w: connect rejected", ErrHandshake)
		}
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(fr.Payload, &head); err == nil && head.Type == protocol.FrameTypeHelloOk {
			return nil, protocol.NewHelloFrame(fr.Payload), nil
		}
	}
	return nil, nil, nil
}

package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/liteclaw/liteclaw-platform/internal/gateway"
	"github.com/liteclaw/liteclaw-platform/internal/gateway/protocol"
)

// Close codes sent to tenant connections.
const (
	CloseUnauthorized    = 4001
	CloseNotProvisioned  = 4003
	CloseGatewayGone     = websocket.CloseInternalServerErr
	CloseProtocolError   = websocket.CloseProtocolError
	closeWriteTimeout    = time.Second
	defaultMaxFrameBytes = 4 << 20
)

// BridgeOptions configures the tenant bridge.
type BridgeOptions struct {
	GatewayURL       string
	GatewayToken     string
	HandshakeTimeout time.Duration
	// MaxFrameBytes caps a single client message. Larger messages close the connection.
	MaxFrameBytes int64
	Dialer        *websocket.Dialer
	Logger        zerolog.Logger
}

// Bridge relays tenant WebSocket connections to the shared gateway, one backend connection
// per tenant connection, with every frame passing through an Interceptor.
type Bridge struct {
	opts   BridgeOptions
	logger zerolog.Logger
	active atomic.Int64

	// closeHook, when set, sees the correlation table size before and after teardown.
	closeHook func(before, after int)
}

// NewBridge creates a bridge.
func NewBridge(opts BridgeOptions) *Bridge {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = gateway.DefaultHandshakeTimeout
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = defaultMaxFrameBytes
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	}
	return &Bridge{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "proxy").Logger(),
	}
}

// Active returns the number of bridged connections currently open.
func (b *Bridge) Active() int64 {
	return b.active.Load()
}

// Reject closes an upgraded connection with code and reason, without touching the gateway.
func Reject(ws *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
	_ = ws.Close()
}

// Serve bridges client for the tenant owning agentID. It returns once both sides are closed.
func (b *Bridge) Serve(ctx context.Context, client *websocket.Conn, tenantID, agentID string) {
	c := &conn{
		client:      client,
		interceptor: NewInterceptor(agentID),
		logger: b.logger.With().
			Str("conn", uuid.NewString()).
			Str("tenant", tenantID).
			Str("agent", agentID).
			Logger(),
	}

	backend, _, err := b.opts.Dialer.DialContext(ctx, b.opts.GatewayURL, nil)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Gateway unreachable")
		Reject(client, CloseGatewayGone, "Gateway unavailable")
		return
	}
	c.backend = backend

	b.active.Add(1)
	defer b.active.Add(-1)
	c.logger.Info().Msg("Tenant connection opened")

	client.SetReadLimit(b.opts.MaxFrameBytes)

	hs := gateway.NewHandshake(b.opts.GatewayToken, "proxy-connect-"+uuid.NewString())
	timer := time.AfterFunc(b.opts.HandshakeTimeout, func() {
		if !c.bridged.Load() {
			c.logger.Warn().Dur("timeout", b.opts.HandshakeTimeout).Msg("Gateway handshake timed out")
			c.closeClient(CloseProtocolError, "Gateway handshake failed")
			_ = c.backend.Close()
		}
	})
	defer timer.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pumpGateway(hs, timer)
	}()

	c.pumpClient()

	c.closing.Store(true)
	_ = backend.Close()
	wg.Wait()
	_ = client.Close()

	pending := c.interceptor.Pending()
	c.interceptor.Reset()
	if b.closeHook != nil {
		b.closeHook(pending, c.interceptor.Pending())
	}
	c.logger.Info().Int("pending", pending).Msg("Tenant connection closed")
}

// conn is the state of one bridged tenant connection.
type conn struct {
	client      *websocket.Conn
	backend     *websocket.Conn
	interceptor *Interceptor
	logger      zerolog.Logger

	bridged atomic.Bool
	closing atomic.Bool

	clientMu  sync.Mutex
	backendMu sync.Mutex
}

// pumpClient reads tenant frames until the client goes away.
func (c *conn) pumpClient() {
	for {
		_, data, err := c.client.ReadMessage()
		if err != nil {
			if !c.closing.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("Client read failed")
			}
			return
		}

		if !c.bridged.Load() {
			continue
		}

		f, err := protocol.Parse(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping malformed client frame")
			continue
		}

		res := c.interceptor.InterceptClient(f)
		switch res.Action {
		case ActionForward:
			err = c.sendBackend(data)
		case ActionRewrite:
			err = c.sendFrame(c.sendBackend, res.Frame)
		case ActionBlock:
			c.logger.Debug().Str("reason", res.Message).Msg("Blocked client request")
			if res.Frame != nil {
				err = c.sendFrame(c.sendClient, res.Frame)
			}
		}
		if err != nil {
			c.logger.Debug().Err(err).Msg("Write failed")
			return
		}
	}
}

// pumpGateway completes the handshake, then relays gateway frames to the client until the
// gateway goes away.
func (c *conn) pumpGateway(hs *gateway.Handshake, timer *time.Timer) {
	for {
		_, data, err := c.backend.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				c.logger.Warn().Err(err).Msg("Gateway connection lost")
				c.closeClient(CloseGatewayGone, "Gateway disconnected")
			}
			return
		}

		f, err := protocol.Parse(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping malformed gateway frame")
			continue
		}

		if !c.bridged.Load() {
			if !c.handshake(hs, timer, f) {
				return
			}
			continue
		}

		res := c.interceptor.InterceptGateway(f)
		switch res.Action {
		case ActionForward:
			err = c.sendClient(data)
		case ActionRewrite:
			err = c.sendFrame(c.sendClient, res.Frame)
		case ActionBlock:
			c.logger.Debug().Str("event", res.Message).Msg("Blocked gateway event")
		}
		if err != nil {
			c.logger.Debug().Err(err).Msg("Client write failed")
			_ = c.backend.Close()
			return
		}
	}
}

// handshake feeds one pre-handshake frame to hs. It returns false when the bridge must stop.
func (c *conn) handshake(hs *gateway.Handshake, timer *time.Timer, f protocol.Frame) bool {
	reply, hello, err := hs.Step(f)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Gateway rejected the platform")
		c.closeClient(CloseProtocolError, "Gateway handshake failed")
		_ = c.backend.Close()
		return false
	}
	if reply != nil {
		if err := c.sendFrame(c.sendBackend, reply); err != nil {
			c.closeClient(CloseGatewayGone, "Gateway disconnected")
			return false
		}
	}
	if hello != nil {
		timer.Stop()
		// Bridged before the client sees hello-ok, so its first request is not dropped.
		c.bridged.Store(true)
		if err := c.sendFrame(c.sendClient, hello); err != nil {
			_ = c.backend.Close()
			return false
		}
		c.logger.Debug().Msg("Bridged")
	}
	return true
}

func (c *conn) sendFrame(send func([]byte) error, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return send(data)
}

func (c *conn) sendClient(data []byte) error {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	return c.client.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) sendBackend(data []byte) error {
	c.backendMu.Lock()
	defer c.backendMu.Unlock()
	return c.backend.WriteMessage(websocket.TextMessage, data)
}

// closeClient sends a close frame to the tenant once and drops the socket.
func (c *conn) closeClient(code int, reason string) {
	if c.closing.Swap(true) {
		return
	}
	Reject(c.client, code, reason)
}

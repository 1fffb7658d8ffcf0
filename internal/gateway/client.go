// Package gateway provides the platform's own connection to the shared gateway: the connect
// handshake and a short-lived RPC client used by provisioning workflows.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/liteclaw/liteclaw-platform/internal/gateway/protocol"
)

// DefaultCallTimeout is the per-call deadline of the RPC client.
const DefaultCallTimeout = 30 * time.Second

// Options configures an RPC client.
type Options struct {
	URL              string
	Token            string
	CallTimeout      time.Duration
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           zerolog.Logger
}

// RPCClient is a one-off connection to the gateway. Calls may be issued right after Dial;
// they are sent once the handshake completes.
type RPCClient struct {
	opts   Options
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.ResponseFrame
	closed  bool
	err     error

	nextID    atomic.Uint64
	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error
	closeCh   chan struct{}
	done      chan struct{}
}

// Dial opens a backend connection and starts the handshake in the background.
func Dial(ctx context.Context, opts Options) (*RPCClient, error) {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout}
	}

	ws, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	c := &RPCClient{
		opts:    opts,
		ws:      ws,
		logger:  opts.Logger.With().Str("component", "rpc").Logger(),
		pending: make(map[string]chan *protocol.ResponseFrame),
		ready:   make(chan struct{}),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
	}

	timer := time.AfterFunc(opts.HandshakeTimeout, func() {
		c.markReady(fmt.Errorf("%w: no hello-ok within %s", ErrHandshake, opts.HandshakeTimeout))
	})
	go c.readLoop(timer)

	return c, nil
}

// Call sends method with params and waits for the matching response payload.
func (c *RPCClient) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	select {
	case <-c.ready:
		if c.readyErr != nil {
			return nil, c.readyErr
		}
	case <-c.closeCh:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, c.ctxErr(ctx, method)
	}

	id := fmt.Sprintf("rpc-%d", c.nextID.Add(1))
	ch := make(chan *protocol.ResponseFrame, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, c.closedErr()
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	frame := &protocol.RequestFrame{ID: id, Method: method}
	if params != nil {
		m, err := toParams(params)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s params: %w", method, err)
		}
		frame.Params = m
	}
	if err := c.write(frame); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			if resp.Error != nil {
				return nil, resp.Error
			}
			return nil, fmt.Errorf("%s failed", method)
		}
		return resp.Payload, nil
	case <-c.closeCh:
		return nil, c.closedErr()
	case <-ctx.Done():
		return nil, c.ctxErr(ctx, method)
	}
}

// Close terminates the backend connection and fails every pending call.
func (c *RPCClient) Close() error {
	c.shutdown(ErrClosed)
	<-c.done
	return nil
}

func (c *RPCClient) readLoop(timer *time.Timer) {
	defer close(c.done)
	defer timer.Stop()

	hs := NewHandshake(c.opts.Token, "connect-"+uuid.NewString())
	handshaking := true

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrClosed, err))
			return
		}

		f, err := protocol.Parse(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("Dropping malformed frame")
			continue
		}

		if handshaking {
			reply, hello, err := hs.Step(f)
			if err != nil {
				c.markReady(err)
				c.shutdown(err)
				return
			}
			if reply != nil {
				if err := c.write(reply); err != nil {
					c.shutdown(fmt.Errorf("%w: %v", ErrHandshake, err))
					return
				}
			}
			if hello != nil {
				handshaking = false
				timer.Stop()
				c.markReady(nil)
			}
			continue
		}

		resp, ok := f.(*protocol.ResponseFrame)
		if !ok {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}

func (c *RPCClient) markReady(err error) {
	c.readyOnce.Do(func() {
		c.readyErr = err
		close(c.ready)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Gateway handshake failed")
			_ = c.ws.Close()
		}
	})
}

func (c *RPCClient) shutdown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.err = err
	c.pending = make(map[string]chan *protocol.ResponseFrame)
	close(c.closeCh)
	c.mu.Unlock()

	c.markReady(err)
	_ = c.ws.Close()
}

func (c *RPCClient) closedErr() error {
	select {
	case <-c.ready:
		if c.readyErr != nil {
			return c.readyErr
		}
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *RPCClient) ctxErr(ctx context.Context, method string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, method)
	}
	return ctx.Err()
}

func (c *RPCClient) write(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func toParams(v any) (map[string]any, error) {
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

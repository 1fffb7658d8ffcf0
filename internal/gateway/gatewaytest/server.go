// Package gatewaytest provides an in-process gateway speaking the frame protocol, for tests.
package gatewaytest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/liteclaw/liteclaw-platform/internal/gateway/protocol"
)

// Token is the gateway token the fake accepts unless Server.Token is changed.
const Token = "test-gateway-token"

// Request is one request frame the gateway received after the handshake.
type Request struct {
	ID     string
	Method string
	Params map[string]any
}

// HandlerFunc answers a request. A non-nil error shape produces a failed response.
type HandlerFunc func(req Request) (any, *protocol.ErrorShape)

// HelloMode selects how the gateway acknowledges connect.
type HelloMode int

const (
	// HelloInResponse answers connect with a res whose payload is hello-ok.
	HelloInResponse HelloMode = iota
	// HelloFrame sends a bare top-level hello-ok frame.
	HelloFrame
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is a fake gateway. It keeps one configuration document with hash-based
// optimistic concurrency and applies config.patch as a JSON merge-patch.
type Server struct {
	srv *httptest.Server

	mu       sync.Mutex
	token    string
	hello    HelloMode
	config   map[string]any
	handlers map[string]HandlerFunc
	requests []Request
	messages [][]byte
	conns    map[*conn]struct{}
	dials    int
}

type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	ready   bool
}

func (c *conn) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.sendRaw(data)
}

func (c *conn) sendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// New starts a fake gateway and stops it when the test ends.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		token:    Token,
		config:   map[string]any{},
		handlers: make(map[string]HandlerFunc),
		conns:    make(map[*conn]struct{}),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serveWS))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address of the gateway.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close drops every connection and stops the server.
func (s *Server) Close() {
	s.DropConnections()
	s.srv.Close()
}

// SetToken changes the token expected in connect.
func (s *Server) SetToken(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}

// SetHelloMode changes how connect is acknowledged.
func (s *Server) SetHelloMode(m HelloMode) {
	s.mu.Lock()
	s.hello = m
	s.mu.Unlock()
}

// SetConfig replaces the configuration document.
func (s *Server) SetConfig(doc map[string]any) {
	s.mu.Lock()
	s.config = doc
	s.mu.Unlock()
}

// Config returns a deep copy of the configuration document.
func (s *Server) Config() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.config)
}

// Hash returns the hash of the current document.
func (s *Server) Hash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return hashOf(s.config)
}

// Handle overrides the answer for method. Handlers run concurrently, so a handler that sleeps
// lets later requests be answered first.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	s.handlers[method] = fn
	s.mu.Unlock()
}

// Requests returns the received requests for method, or all of them when method is empty.
func (s *Server) Requests(method string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, r := range s.requests {
		if method == "" || r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Messages returns every message received, including ones that did not parse.
func (s *Server) Messages() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.messages...)
}

// Dials returns how many connections were accepted.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Emit sends an event to every handshaken connection.
func (s *Server) Emit(event string, payload any) {
	s.Broadcast(map[string]any{"type": "event", "event": event, "payload": payload})
}

// Broadcast sends a JSON value to every handshaken connection.
func (s *Server) Broadcast(v any) {
	data, _ := json.Marshal(v)
	s.BroadcastRaw(data)
}

// BroadcastRaw sends bytes as they are to every handshaken connection.
func (s *Server) BroadcastRaw(data []byte) {
	for _, c := range s.snapshot() {
		_ = c.sendRaw(data)
	}
}

// DropConnections closes every open connection from the gateway side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		if c.ready {
			conns = append(conns, c)
		}
	}
	return conns
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.dials++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	_ = c.send(map[string]any{
		"type":    "event",
		"event":   protocol.EventConnectChallenge,
		"payload": map[string]any{"nonce": uuid.NewString()},
	})

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.messages = append(s.messages, msg)
		s.mu.Unlock()

		f, err := protocol.Parse(msg)
		if err != nil {
			continue
		}
		req, ok := f.(*protocol.RequestFrame)
		if !ok {
			continue
		}

		if req.Method == protocol.MethodConnect {
			if !s.connect(c, req) {
				return
			}
			continue
		}

		s.mu.Lock()
		ready := c.ready
		if ready {
			s.requests = append(s.requests, Request{ID: req.ID, Method: req.Method, Params: req.Params})
		}
		s.mu.Unlock()
		if !ready {
			continue
		}

		wg.Add(1)
		go func(req *protocol.RequestFrame) {
			defer wg.Done()
			payload, errShape := s.dispatch(Request{ID: req.ID, Method: req.Method, Params: req.Params})
			res := map[string]any{"type": "res", "id": req.ID, "ok": errShape == nil}
			if errShape != nil {
				res["error"] = errShape
			} else {
				res["payload"] = payload
			}
			_ = c.send(res)
		}(req)
	}
}

func (s *Server) connect(c *conn, req *protocol.RequestFrame) bool {
	var params protocol.ConnectParams
	data, _ := json.Marshal(req.Params)
	_ = json.Unmarshal(data, &params)

	s.mu.Lock()
	token, mode := s.token, s.hello
	s.mu.Unlock()

	if params.Auth == nil || params.Auth.Token != token {
		_ = c.send(map[string]any{
			"type": "res",
			"id":   req.ID,
			"ok":   false,
			"error": protocol.ErrorShape{
				Code:    protocol.ErrorCodeNotAuthorized,
				Message: "invalid gateway token",
			},
		})
		return false
	}

	// Ready before hello-ok goes out, so events emitted right after the ack reach this connection.
	s.mu.Lock()
	c.ready = true
	s.mu.Unlock()

	hello := map[string]any{
		"type":     protocol.FrameTypeHelloOk,
		"protocol": protocol.ProtocolVersion,
		"server":   map[string]any{"version": "test", "connId": uuid.NewString()},
	}
	var err error
	if mode == HelloFrame {
		err = c.send(hello)
	} else {
		err = c.send(map[string]any{"type": "res", "id": req.ID, "ok": true, "payload": hello})
	}

	return err == nil
}

func (s *Server) dispatch(req Request) (any, *protocol.ErrorShape) {
	s.mu.Lock()
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()
	if ok {
		return h(req)
	}

	switch req.Method {
	case protocol.MethodConfigGet:
		s.mu.Lock()
		defer s.mu.Unlock()
		raw, _ := json.Marshal(s.config)
		return map[string]any{
			"exists": true,
			"valid":  true,
			"raw":    string(raw),
			"hash":   hashOf(s.config),
			"parsed": clone(s.config),
		}, nil

	case protocol.MethodConfigPatch:
		return s.applyPatch(req.Params)

	case protocol.MethodAgentsList:
		s.mu.Lock()
		defer s.mu.Unlock()
		agents := []any{}
		if a, ok := s.config["agents"].(map[string]any); ok {
			if list, ok := a["list"].([]any); ok {
				agents = list
			}
		}
		return map[string]any{"agents": clone(agents)}, nil

	default:
		return map[string]any{"ok": true, "method": req.Method, "params": req.Params}, nil
	}
}

func (s *Server) applyPatch(params map[string]any) (any, *protocol.ErrorShape) {
	raw, _ := params["raw"].(string)
	var patch any
	if err := json.Unmarshal([]byte(raw), &patch); err != nil {
		return nil, &protocol.ErrorShape{Code: protocol.ErrorCodeInvalidRequest, Message: "invalid patch: " + err.Error()}
	}
	if _, ok := patch.(map[string]any); !ok {
		return nil, &protocol.ErrorShape{Code: protocol.ErrorCodeInvalidRequest, Message: "patch must be an object"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	baseHash, _ := params["baseHash"].(string)
	if baseHash != hashOf(s.config) {
		return nil, &protocol.ErrorShape{
			Code:    protocol.ErrorCodeInvalidRequest,
			Message: "config changed since last load; re-run config.get and retry",
		}
	}

	merged, _ := MergePatch(s.config, patch).(map[string]any)
	s.config = merged
	return map[string]any{"ok": true, "hash": hashOf(s.config)}, nil
}

// MergePatch applies an RFC 7386 merge-patch to target and returns the result. Arrays are
// replaced whole and null deletes a key. target is not modified.
func MergePatch(target, patch any) any {
	pm, ok := patch.(map[string]any)
	if !ok {
		return clone(patch)
	}
	out := map[string]any{}
	if tm, ok := target.(map[string]any); ok {
		for k, v := range tm {
			out[k] = clone(v)
		}
	}
	for k, v := range pm {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = MergePatch(out[k], v)
	}
	return out
}

func hashOf(doc map[string]any) string {
	data, _ := json.Marshal(doc)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func clone[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

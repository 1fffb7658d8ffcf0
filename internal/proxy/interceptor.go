package proxy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/liteclaw/liteclaw-platform/internal/gateway/protocol"
)

// Action is the interceptor's verdict for a frame.
type Action int

const (
	// ActionForward sends the original frame on, byte for byte.
	ActionForward Action = iota
	// ActionRewrite sends Result.Frame in place of the original.
	ActionRewrite
	// ActionBlock stops the frame. For client requests Result.Frame holds the synthetic response.
	ActionBlock
)

func (a Action) String() string {
	switch a {
	case ActionForward:
		return "forward"
	case ActionRewrite:
		return "rewrite"
	default:
		return "block"
	}
}

// Result is the outcome of intercepting one frame.
type Result struct {
	Action  Action
	Frame   protocol.Frame
	Message string
}

const configPatchMessage = "Direct config.patch is not allowed. Use the tenant config API instead."

// blockedEventPrefixes are fleet events no tenant should see.
var blockedEventPrefixes = []string{"node.", "device."}

// Interceptor applies the method policy to the frames of a single tenant connection.
// It owns the connection's correlation table of in-flight request ids.
type Interceptor struct {
	agentID string

	mu      sync.Mutex
	pending map[string]string
}

// NewInterceptor creates an interceptor bound to agentID.
func NewInterceptor(agentID string) *Interceptor {
	return &Interceptor{
		agentID: agentID,
		pending: make(map[string]string),
	}
}

// AgentID returns the agent the interceptor scopes to.
func (i *Interceptor) AgentID() string {
	return i.agentID
}

// InterceptClient decides what happens to a frame sent by the tenant.
func (i *Interceptor) InterceptClient(f protocol.Frame) Result {
	req, ok := f.(*protocol.RequestFrame)
	if !ok {
		return Result{Action: ActionForward, Frame: f}
	}

	switch Classify(req.Method) {
	case PolicyAllow, PolicyFilter:
		i.track(req.ID, req.Method)
		return Result{Action: ActionForward, Frame: f}

	case PolicyRewrite:
		scoped := ScopeRequest(req, i.agentID)
		i.track(req.ID, req.Method)
		if scoped == req {
			return Result{Action: ActionForward, Frame: f}
		}
		return Result{Action: ActionRewrite, Frame: scoped}

	case PolicyTransform:
		return block(req.ID, configPatchMessage)

	default:
		return block(req.ID, fmt.Sprintf("%s not available", req.Method))
	}
}

// InterceptGateway decides what happens to a frame sent by the gateway.
func (i *Interceptor) InterceptGateway(f protocol.Frame) Result {
	switch fr := f.(type) {
	case *protocol.EventFrame:
		for _, prefix := range blockedEventPrefixes {
			if strings.HasPrefix(fr.Event, prefix) {
				return Result{Action: ActionBlock, Message: fr.Event}
			}
		}
		return Result{Action: ActionForward, Frame: f}

	case *protocol.ResponseFrame:
		method, ok := i.consume(fr.ID)
		if ok && method == protocol.MethodAgentsList && fr.OK {
			return Result{
				Action: ActionRewrite,
				Frame:  fr.WithPayload(FilterAgentsList(fr.Payload, i.agentID)),
			}
		}
		return Result{Action: ActionForward, Frame: f}

	default:
		return Result{Action: ActionForward, Frame: f}
	}
}

// Pending returns the number of requests awaiting a response.
func (i *Interceptor) Pending() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.pending)
}

// Reset discards the correlation table.
func (i *Interceptor) Reset() {
	i.mu.Lock()
	i.pending = make(map[string]string)
	i.mu.Unlock()
}

func (i *Interceptor) track(id, method string) {
	i.mu.Lock()
	i.pending[id] = method
	i.mu.Unlock()
}

func (i *Interceptor) consume(id string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	method, ok := i.pending[id]
	if ok {
		delete(i.pending, id)
	}
	return method, ok
}

func block(id, message string) Result {
	return Result{
		Action:  ActionBlock,
		Frame:   protocol.BlockResponse(id, message),
		Message: message,
	}
}

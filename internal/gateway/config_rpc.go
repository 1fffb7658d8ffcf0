package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/liteclaw/liteclaw-platform/internal/gateway/protocol"
)

// ConfigSnapshot is the gateway configuration as returned by config.get.
type ConfigSnapshot struct {
	// Hash is the optimistic-concurrency token to pass back as baseHash.
	Hash string
	// Config is the parsed document.
	Config json.RawMessage
}

// ConfigGet reads the current configuration document and its hash.
func (c *RPCClient) ConfigGet(ctx context.Context) (*ConfigSnapshot, error) {
	payload, err := c.Call(ctx, protocol.MethodConfigGet, map[string]any{})
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(payload)
}

func decodeSnapshot(payload json.RawMessage) (*ConfigSnapshot, error) {
	var body struct {
		Raw    *string         `json:"raw"`
		Hash   string          `json:"hash"`
		Parsed json.RawMessage `json:"parsed"`
		Config json.RawMessage `json:"config"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, fmt.Errorf("invalid config.get payload: %w", err)
	}

	snap := &ConfigSnapshot{Hash: body.Hash}
	switch {
	case !isNull(body.Parsed):
		snap.Config = body.Parsed
	case !isNull(body.Config):
		snap.Config = body.Config
	case body.Raw != nil && json.Valid([]byte(*body.Raw)):
		snap.Config = json.RawMessage(*body.Raw)
	default:
		snap.Config = json.RawMessage(`{}`)
	}
	return snap, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// ConfigPatch applies patch as a JSON merge-patch on top of the document identified by baseHash.
func (c *RPCClient) ConfigPatch(ctx context.Context, patch any, baseHash, note string, restartDelay time.Duration) (json.RawMessage, error) {
	raw, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config patch: %w", err)
	}

	params := map[string]any{
		"raw":            string(raw),
		"restartDelayMs": restartDelay.Milliseconds(),
	}
	if baseHash != "" {
		params["baseHash"] = baseHash
	}
	if note != "" {
		params["note"] = note
	}
	return c.Call(ctx, protocol.MethodConfigPatch, params)
}

// AgentFilesSet writes a workspace file of an agent.
func (c *RPCClient) AgentFilesSet(ctx context.Context, agentID, name, content string) error {
	_, err := c.Call(ctx, protocol.MethodAgentsFilesSet, map[string]any{
		"agentId": agentID,
		"name":    name,
		"content": content,
	})
	return err
}

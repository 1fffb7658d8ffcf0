package proxy

import (
	"encoding/json"
	"strings"

	"github.com/liteclaw/liteclaw-platform/internal/gateway/protocol"
)

// WhatsAppAccountID is the channel account the gateway keeps for an agent's WhatsApp login.
func WhatsAppAccountID(agentID string) string {
	return agentID + "-wa"
}

// SessionKeyPrefix is the prefix every session key of agentID carries.
func SessionKeyPrefix(agentID string) string {
	return agentID + "/"
}

// ScopeSessionKey prefixes key with the agent's namespace unless it already has it.
func ScopeSessionKey(key, agentID string) string {
	if ValidateSessionKey(key, agentID) {
		return key
	}
	return SessionKeyPrefix(agentID) + key
}

// ValidateSessionKey reports whether key belongs to agentID.
func ValidateSessionKey(key, agentID string) bool {
	return strings.HasPrefix(key, SessionKeyPrefix(agentID))
}

// ScopeRequest forces the tenant's identity into the params of agent-scoped methods.
// Client supplied identities are overwritten, never trusted. The input frame is not modified.
func ScopeRequest(f *protocol.RequestFrame, agentID string) *protocol.RequestFrame {
	params := make(map[string]any, len(f.Params)+1)
	for k, v := range f.Params {
		params[k] = v
	}

	switch {
	case strings.HasPrefix(f.Method, "agents.files."):
		params["agentId"] = agentID

	case strings.HasPrefix(f.Method, "web.login."):
		params["accountId"] = WhatsAppAccountID(agentID)

	case strings.HasPrefix(f.Method, "sessions."):
		if key, ok := params["key"].(string); ok {
			params["key"] = ScopeSessionKey(key, agentID)
		}
		if _, ok := params["agentId"]; ok {
			params["agentId"] = agentID
		}

	default:
		return f
	}

	return f.WithParams(params)
}

// FilterAgentsList keeps only the tenant's own entry in an agents.list payload.
// Payloads that are not objects, or have no agents array, are returned unchanged.
func FilterAgentsList(payload json.RawMessage, agentID string) json.RawMessage {
	if len(payload) == 0 {
		return payload
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil || obj == nil {
		return payload
	}
	rawAgents, ok := obj["agents"]
	if !ok {
		return payload
	}
	var agents []json.RawMessage
	if err := json.Unmarshal(rawAgents, &agents); err != nil || agents == nil {
		return payload
	}

	kept := make([]json.RawMessage, 0, 1)
	for _, a := range agents {
		var entry struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(a, &entry); err != nil {
			continue
		}
		if entry.ID == agentID {
			kept = append(kept, a)
		}
	}

	filtered, err := json.Marshal(kept)
	if err != nil {
		return payload
	}
	obj["agents"] = filtered

	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}

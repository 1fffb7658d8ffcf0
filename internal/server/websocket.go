package server

import (
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/liteclaw/liteclaw-platform/internal/proxy"
)

// newUpgrader accepts browser origins listed in allowed. An empty list, or a "*" entry,
// accepts any origin. Requests without an Origin header are not from browsers and pass.
func newUpgrader(allowed []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 || slices.Contains(allowed, "*") {
				return true
			}
			return slices.ContainsFunc(allowed, func(o string) bool {
				return strings.EqualFold(strings.TrimRight(o, "/"), origin)
			})
		},
	}
}

// handleWebSocket authenticates the tenant, then hands the upgraded connection to the bridge.
// Failed authentication still upgrades, so the client sees a close code instead of an HTTP error.
func (s *Server) handleWebSocket(c echo.Context) error {
	session, tenant, err := s.resolve(c)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket authentication failed")
	}

	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("origin", c.Request().Header.Get("Origin")).Msg("WebSocket upgrade refused")
		return nil
	}

	switch {
	case session == nil:
		proxy.Reject(ws, proxy.CloseUnauthorized, "Unauthorized")
		return nil
	case tenant == nil || !tenant.AgentProvisioned:
		proxy.Reject(ws, proxy.CloseNotProvisioned, "Tenant not provisioned")
		return nil
	}

	s.bridge.Serve(c.Request().Context(), ws, tenant.ID, tenant.AgentID)
	return nil
}

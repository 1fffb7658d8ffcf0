package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/liteclaw/liteclaw-platform/internal/gateway"
	"github.com/liteclaw/liteclaw-platform/internal/gateway/protocol"
	"github.com/liteclaw/liteclaw-platform/internal/provisioning"
	"github.com/liteclaw/liteclaw-platform/internal/store"
)

// handleError renders every error as {"error": message}. Unexpected errors are logged and
// reported without detail.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, msg := s.classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("method", c.Request().Method).Str("uri", c.Request().RequestURI).Msg("Request failed")
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, map[string]string{"error": msg})
	}
	if err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write error response")
	}
}

func (s *Server) classify(err error) (int, string) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return he.Code, msg
		}
		return he.Code, http.StatusText(he.Code)
	}

	var shape *protocol.ErrorShape
	switch {
	case errors.Is(err, provisioning.ErrInvalidProvider),
		errors.Is(err, provisioning.ErrUnsupportedChannel),
		errors.Is(err, provisioning.ErrBotTokenRequired):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, provisioning.ErrForbiddenPatch):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, provisioning.ErrAgentNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, gateway.ErrTimeout):
		return http.StatusGatewayTimeout, "Gateway timed out"
	case errors.Is(err, gateway.ErrUnavailable), errors.Is(err, gateway.ErrClosed),
		errors.Is(err, gateway.ErrHandshake), errors.As(err, &shape):
		return http.StatusBadGateway, "Gateway request failed"
	}
	return http.StatusInternalServerError, "Internal server error"
}

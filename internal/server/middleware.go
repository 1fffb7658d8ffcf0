package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/liteclaw/liteclaw-platform/internal/auth"
	"github.com/liteclaw/liteclaw-platform/internal/store"
)

const (
	ctxSession = "session"
	ctxTenant  = "tenant"
)

// requireSession rejects requests without a valid session. The caller's tenant, if any, is
// attached as well.
func (s *Server) requireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, tenant, err := s.resolve(c)
		if err != nil {
			return err
		}
		if session == nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
		}
		c.Set(ctxSession, session)
		if tenant != nil {
			c.Set(ctxTenant, tenant)
		}
		return next(c)
	}
}

// requireTenant is requireSession plus an existing tenant.
func (s *Server) requireTenant(next echo.HandlerFunc) echo.HandlerFunc {
	return s.requireSession(func(c echo.Context) error {
		if tenantFrom(c) == nil {
			return echo.NewHTTPError(http.StatusForbidden, "Tenant not found. Complete onboarding first.")
		}
		return next(c)
	})
}

// resolve looks up the session and the tenant of a request.
func (s *Server) resolve(c echo.Context) (*auth.Session, *store.Tenant, error) {
	req := c.Request()
	session, err := s.sessions.GetSession(req.Context(), req.Header)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Session lookup failed")
		return nil, nil, echo.NewHTTPError(http.StatusBadGateway, "Auth service unavailable")
	}
	if session == nil {
		return nil, nil, nil
	}

	tenant, err := s.store.GetTenantByUserID(req.Context(), session.User.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return session, nil, nil
	case err != nil:
		return nil, nil, err
	}
	return session, tenant, nil
}

func sessionFrom(c echo.Context) *auth.Session {
	session, _ := c.Get(ctxSession).(*auth.Session)
	return session
}

func tenantFrom(c echo.Context) *store.Tenant {
	tenant, _ := c.Get(ctxTenant).(*store.Tenant)
	return tenant
}

// rateLimit limits /api requests per client IP. The limiter state belongs to this server.
func (s *Server) rateLimit() echo.MiddlewareFunc {
	rl := s.cfg.Server.RateLimit
	if !rl.Enabled {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return next
		}
	}

	rps := rl.RPS
	if rps <= 0 {
		rps = 2
	}
	burst := rl.Burst
	if burst <= 0 {
		burst = 120
	}

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:  rate.Limit(rps),
				Burst: burst,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "Too many requests"})
		},
	})
}

// Package auth resolves browser sessions against the external auth service.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// SessionPath is the auth service endpoint that returns the current session.
const SessionPath = "/api/auth/get-session"

// User is the authenticated account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Session is a valid login.
type Session struct {
	User User `json:"user"`
}

// Resolver looks up the session carried by request headers. It returns nil, nil when the
// headers carry no valid session.
type Resolver interface {
	GetSession(ctx context.Context, h http.Header) (*Session, error)
}

// HTTPResolver asks the auth service over HTTP, forwarding the caller's cookies and
// authorization header.
type HTTPResolver struct {
	client *resty.Client
}

// NewHTTPResolver creates a resolver for the auth service at baseURL.
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	client := resty.New().
		SetHostURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &HTTPResolver{client: client}
}

func (r *HTTPResolver) GetSession(ctx context.Context, h http.Header) (*Session, error) {
	cookie := h.Get("Cookie")
	authz := h.Get("Authorization")
	if cookie == "" && authz == "" {
		return nil, nil
	}

	req := r.client.R().SetContext(ctx)
	if cookie != "" {
		req.SetHeader("Cookie", cookie)
	}
	if authz != "" {
		req.SetHeader("Authorization", authz)
	}

	var session Session
	resp, err := req.SetResult(&session).Get(SessionPath)
	if err != nil {
		return nil, fmt.Errorf("auth service: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusUnauthorized:
		return nil, nil
	case resp.IsError():
		return nil, fmt.Errorf("auth service: %s", resp.Status())
	}

	if session.User.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// StaticResolver maps a bearer token to a session. It backs tests and local development.
type StaticResolver map[string]*Session

func (r StaticResolver) GetSession(_ context.Context, h http.Header) (*Session, error) {
	token, ok := strings.CutPrefix(h.Get("Authorization"), "Bearer ")
	if !ok {
		return nil, nil
	}
	return r[token], nil
}

package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/liteclaw/liteclaw-platform/internal/provisioning"
)

const maxConfigBody = 128 << 10

func (s *Server) handleHealth(c echo.Context) error {
	resp := map[string]any{
		"ok": true,
		"ts": time.Now().UnixMilli(),
	}
	if s.bridge != nil {
		resp["connections"] = s.bridge.Active()
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetTenant(c echo.Context) error {
	t := tenantFrom(c)
	return c.JSON(http.StatusOK, map[string]any{
		"id":               t.ID,
		"agentId":          t.AgentID,
		"displayName":      t.DisplayName,
		"agentProvisioned": t.AgentProvisioned,
		"createdAt":        t.CreatedAt,
	})
}

type updateTenantRequest struct {
	DisplayName string `json:"displayName" validate:"required,max=100"`
}

func (s *Server) handleUpdateTenant(c echo.Context) error {
	var req updateTenantRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := c.Validate(&req); err != nil {
		return err
	}

	t := tenantFrom(c)
	if err := s.store.UpdateDisplayName(c.Request().Context(), t.UserID, req.DisplayName); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteTenant(c echo.Context) error {
	if err := s.service.Deprovision(c.Request().Context(), tenantFrom(c)); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type provisionRequest struct {
	DisplayName string `json:"displayName" validate:"max=100"`
}

func (s *Server) handleProvision(c echo.Context) error {
	var req provisionRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	session := sessionFrom(c)
	name := strings.TrimSpace(req.DisplayName)
	if name == "" {
		name = session.User.Email
	}

	t, err := s.service.Provision(c.Request().Context(), session.User.ID, name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]string{
		"tenantId": t.ID,
		"agentId":  t.AgentID,
	})
}

// handleTenantConfig applies the tenant-editable subset of its agent configuration. Bodies
// reaching for infrastructure sections are refused outright.
func (s *Server) handleTenantConfig(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxConfigBody+1))
	if err != nil {
		return err
	}
	if len(body) > maxConfigBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "Config body too large")
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Body must be a JSON object")
	}
	t := tenantFrom(c)
	if err := provisioning.ValidatePatch(raw, t.AgentID); err != nil {
		return err
	}

	var input provisioning.TenantConfigInput
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&input); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Unsupported config field: "+err.Error())
	}
	if err := c.Validate(&input); err != nil {
		return err
	}
	if input.Model == "" && input.Identity == nil && input.Soul == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Nothing to update")
	}

	if err := s.service.ApplyTenantConfig(c.Request().Context(), t, input); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleListKeys(c echo.Context) error {
	keys, err := s.service.ListKeys(c.Request().Context(), tenantFrom(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"keys": keys})
}

type setKeyRequest struct {
	Provider string `json:"provider" validate:"required"`
	APIKey   string `json:"apiKey" validate:"required,max=512"`
	Model    string `json:"model" validate:"max=200"`
}

func (s *Server) handleSetKey(c echo.Context) error {
	var req setKeyRequest
	if err := c.Bind(&req); err != nil {
		return err
	}
	req.APIKey = strings.TrimSpace(req.APIKey)
	if err := c.Validate(&req); err != nil {
		return err
	}
	if !provisioning.ValidProvider(req.Provider) {
		return echo.NewHTTPError(http.StatusBadRequest,
			"Invalid provider. Must be one of: "+strings.Join(provisioning.Providers, ", "))
	}

	if err := s.service.SetProviderKey(c.Request().Context(), tenantFrom(c), req.Provider, req.APIKey, req.Model); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteKey(c echo.Context) error {
	provider := c.Param("provider")
	if !provisioning.ValidProvider(provider) {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid provider")
	}
	if err := s.service.DeleteProviderKey(c.Request().Context(), tenantFrom(c), provider); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

type channelRequest struct {
	BotToken string `json:"botToken" validate:"max=256"`
}

func (s *Server) handleProvisionChannel(c echo.Context) error {
	var req channelRequest
	if err := bindOptional(c, &req); err != nil {
		return err
	}
	if err := c.Validate(&req); err != nil {
		return err
	}

	channel := c.Param("channel")
	res, err := s.service.ProvisionChannel(c.Request().Context(), tenantFrom(c), channel, req.BotToken)
	if err != nil {
		return err
	}

	if !res.Created {
		return c.JSON(http.StatusOK, map[string]any{
			"ok":        true,
			"accountId": res.AccountID,
			"message":   "Channel already provisioned",
		})
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"ok":        true,
		"accountId": res.AccountID,
		"message":   channel + " channel provisioned",
	})
}

// bindOptional binds a JSON body that may be missing.
func bindOptional(c echo.Context, v any) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	return c.Bind(v)
}

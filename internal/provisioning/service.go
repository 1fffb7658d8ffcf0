// Package provisioning maps tenants onto the shared gateway configuration. Every workflow that
// reads and patches the configuration runs under the config mutation lock.
package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/liteclaw/liteclaw-platform/internal/gateway"
	"github.com/liteclaw/liteclaw-platform/internal/store"
)

// SoulFile is the agent workspace file holding the tenant's persona.
const SoulFile = "SOUL.md"

// RPC is the part of the gateway client the workflows use.
type RPC interface {
	ConfigGet(ctx context.Context) (*gateway.ConfigSnapshot, error)
	ConfigPatch(ctx context.Context, patch any, baseHash, note string, restartDelay time.Duration) (json.RawMessage, error)
	AgentFilesSet(ctx context.Context, agentID, name, content string) error
	Close() error
}

// Dialer opens a short-lived gateway connection.
type Dialer func(ctx context.Context) (RPC, error)

// GatewayDialer returns a Dialer that connects with opts.
func GatewayDialer(opts gateway.Options) Dialer {
	return func(ctx context.Context) (RPC, error) {
		return gateway.Dial(ctx, opts)
	}
}

// Options tunes the workflows.
type Options struct {
	// SharedAnthropicKey enables DefaultModel for newly provisioned agents.
	SharedAnthropicKey string
	DefaultModel       string
	RestartDelay       time.Duration
	Logger             zerolog.Logger
}

// Service runs the provisioning workflows.
type Service struct {
	store  store.Store
	locker store.Locker
	dial   Dialer
	cipher *Cipher
	opts   Options
	logger zerolog.Logger
}

// NewService creates the service.
func NewService(st store.Store, locker store.Locker, dial Dialer, c *Cipher, opts Options) *Service {
	return &Service{
		store:  st,
		locker: locker,
		dial:   dial,
		cipher: c,
		opts:   opts,
		logger: opts.Logger.With().Str("component", "provisioning").Logger(),
	}
}

// sharedModel is the model new agents start on, if the platform pays for one.
func (s *Service) sharedModel() string {
	if s.opts.SharedAnthropicKey == "" {
		return ""
	}
	return s.opts.DefaultModel
}

// mutate reads the configuration, builds a patch and applies it, all under the lock.
// It reports whether a patch was sent.
func (s *Service) mutate(ctx context.Context, rpc RPC, note string, build func(*ConfigDocument) (*ConfigPatch, error)) (bool, error) {
	return store.WithLock(ctx, s.locker, func(ctx context.Context) (bool, error) {
		snap, err := rpc.ConfigGet(ctx)
		if err != nil {
			return false, fmt.Errorf("config.get: %w", err)
		}
		doc, err := DecodeDocument(snap.Config)
		if err != nil {
			return false, err
		}

		patch, err := build(doc)
		if err != nil {
			return false, err
		}
		if patch.IsEmpty() {
			s.logger.Debug().Str("note", note).Msg("Gateway config already up to date")
			return false, nil
		}

		if _, err := rpc.ConfigPatch(ctx, patch, snap.Hash, note, s.opts.RestartDelay); err != nil {
			return false, fmt.Errorf("config.patch: %w", err)
		}
		s.logger.Info().Str("note", note).Msg("Gateway config patched")
		return true, nil
	})
}

func (s *Service) withRPC(ctx context.Context, fn func(RPC) error) error {
	rpc, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer rpc.Close()
	return fn(rpc)
}

// Provision creates the user's agent on the gateway and records the tenant. Provisioning an
// already provisioned user returns the existing tenant.
func (s *Service) Provision(ctx context.Context, userID, displayName string) (*store.Tenant, error) {
	existing, err := s.store.GetTenantByUserID(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.AgentProvisioned {
		return existing, nil
	}

	agentID := AgentIDForUser(userID)
	var tenant *store.Tenant

	err = s.withRPC(ctx, func(rpc RPC) error {
		_, err := store.WithLock(ctx, s.locker, func(ctx context.Context) (struct{}, error) {
			snap, err := rpc.ConfigGet(ctx)
			if err != nil {
				return struct{}{}, fmt.Errorf("config.get: %w", err)
			}
			doc, err := DecodeDocument(snap.Config)
			if err != nil {
				return struct{}{}, err
			}

			if patch := AgentPatch(doc, agentID, s.sharedModel()); !patch.IsEmpty() {
				note := "Provision agent for " + displayName
				if _, err := rpc.ConfigPatch(ctx, patch, snap.Hash, note, s.opts.RestartDelay); err != nil {
					return struct{}{}, fmt.Errorf("config.patch: %w", err)
				}
			}

			tenant, err = s.store.UpsertTenant(ctx, &store.Tenant{
				UserID:           userID,
				AgentID:          agentID,
				DisplayName:      displayName,
				AgentProvisioned: true,
			})
			return struct{}{}, err
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("tenant", tenant.ID).Str("agent", agentID).Msg("Tenant provisioned")
	return tenant, nil
}

// Deprovision removes the tenant's agent, providers, channel accounts and bindings from the
// gateway, then deletes the tenant and its keys.
func (s *Service) Deprovision(ctx context.Context, t *store.Tenant) error {
	err := s.withRPC(ctx, func(rpc RPC) error {
		_, err := s.mutate(ctx, rpc, "Deprovision agent "+t.AgentID, func(doc *ConfigDocument) (*ConfigPatch, error) {
			return RemoveAgentPatch(doc, t.AgentID), nil
		})
		return err
	})
	if err != nil {
		return err
	}

	if err := s.store.DeleteTenant(ctx, t.ID); err != nil {
		return fmt.Errorf("delete tenant: %w", err)
	}
	s.logger.Info().Str("tenant", t.ID).Str("agent", t.AgentID).Msg("Tenant deprovisioned")
	return nil
}

// ChannelResult describes a provisioned channel account.
type ChannelResult struct {
	AccountID string `json:"accountId"`
	Created   bool   `json:"-"`
}

// ProvisionChannel binds a channel account to the tenant's agent.
func (s *Service) ProvisionChannel(ctx context.Context, t *store.Tenant, channel, botToken string) (*ChannelResult, error) {
	// Validate before dialing the gateway.
	if _, err := ChannelPatch(&ConfigDocument{}, t.AgentID, channel, botToken); err != nil {
		return nil, err
	}

	result := &ChannelResult{AccountID: TenantAccountID(t.AgentID, channel)}
	err := s.withRPC(ctx, func(rpc RPC) error {
		created, err := s.mutate(ctx, rpc, fmt.Sprintf("Provision %s for %s", channel, t.AgentID), func(doc *ConfigDocument) (*ConfigPatch, error) {
			return ChannelPatch(doc, t.AgentID, channel, botToken)
		})
		result.Created = created
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyTenantConfig updates the tenant's model and identity, and writes its soul file.
func (s *Service) ApplyTenantConfig(ctx context.Context, t *store.Tenant, input TenantConfigInput) error {
	if input.Model != "" {
		if err := checkModel(t.AgentID, input.Model); err != nil {
			return err
		}
	}

	return s.withRPC(ctx, func(rpc RPC) error {
		if input.Model != "" || input.Identity != nil {
			_, err := s.mutate(ctx, rpc, "Tenant config for "+t.AgentID, func(doc *ConfigDocument) (*ConfigPatch, error) {
				return ScopedTenantPatch(doc, t.AgentID, input)
			})
			if err != nil {
				return err
			}
		}

		if input.Soul != nil {
			if err := rpc.AgentFilesSet(ctx, t.AgentID, SoulFile, *input.Soul); err != nil {
				return fmt.Errorf("write %s: %w", SoulFile, err)
			}
		}
		return nil
	})
}

// SetProviderKey points the tenant's agent at its own key for provider and stores the key
// encrypted.
func (s *Service) SetProviderKey(ctx context.Context, t *store.Tenant, provider, apiKey, model string) error {
	apiKey = strings.TrimSpace(apiKey)
	if !ValidProvider(provider) {
		return fmt.Errorf("%w: %s", ErrInvalidProvider, provider)
	}

	sealed, err := s.cipher.Encrypt(apiKey)
	if err != nil {
		return err
	}

	err = s.withRPC(ctx, func(rpc RPC) error {
		_, err := s.mutate(ctx, rpc, fmt.Sprintf("Set %s key for %s", provider, t.AgentID), func(doc *ConfigDocument) (*ConfigPatch, error) {
			return ProviderPatch(doc, t.AgentID, provider, apiKey, model)
		})
		return err
	})
	if err != nil {
		return err
	}

	return s.store.PutAPIKey(ctx, &store.APIKey{
		TenantID:     t.ID,
		Provider:     provider,
		EncryptedKey: sealed.Encrypted,
		IV:           sealed.IV,
		Tag:          sealed.Tag,
	})
}

// DeleteProviderKey removes the tenant's key for provider from the gateway and the store.
func (s *Service) DeleteProviderKey(ctx context.Context, t *store.Tenant, provider string) error {
	if !ValidProvider(provider) {
		return fmt.Errorf("%w: %s", ErrInvalidProvider, provider)
	}

	err := s.withRPC(ctx, func(rpc RPC) error {
		_, err := s.mutate(ctx, rpc, fmt.Sprintf("Remove %s key for %s", provider, t.AgentID), func(doc *ConfigDocument) (*ConfigPatch, error) {
			return RemoveProviderPatch(doc, t.AgentID, provider, s.sharedModel())
		})
		return err
	})
	if err != nil {
		return err
	}
	return s.store.DeleteAPIKey(ctx, t.ID, provider)
}

// MaskedKey is a stored key as shown to its owner.
type MaskedKey struct {
	Provider  string    `json:"provider"`
	Masked    string    `json:"masked"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListKeys returns the tenant's keys, masked.
func (s *Service) ListKeys(ctx context.Context, t *store.Tenant) ([]MaskedKey, error) {
	rows, err := s.store.ListAPIKeys(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	keys := make([]MaskedKey, 0, len(rows))
	for _, row := range rows {
		plain, err := s.cipher.Decrypt(Sealed{Encrypted: row.EncryptedKey, IV: row.IV, Tag: row.Tag})
		if err != nil {
			s.logger.Warn().Err(err).Str("tenant", t.ID).Str("provider", row.Provider).Msg("Stored key does not decrypt")
			continue
		}
		keys = append(keys, MaskedKey{
			Provider:  row.Provider,
			Masked:    Mask(plain),
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return keys, nil
}

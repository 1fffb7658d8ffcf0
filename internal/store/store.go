// Package store persists tenants and their encrypted provider credentials.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a tenant or key does not exist.
var ErrNotFound = errors.New("not found")

// Tenant is one customer account, mapped 1:1 to a gateway agent.
type Tenant struct {
	ID               string    `db:"id" json:"id"`
	UserID           string    `db:"user_id" json:"userId"`
	AgentID          string    `db:"agent_id" json:"agentId"`
	DisplayName      string    `db:"display_name" json:"displayName"`
	AgentProvisioned bool      `db:"agent_provisioned" json:"agentProvisioned"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time `db:"updated_at" json:"updatedAt"`
}

// APIKey is a provider credential, AES-GCM encrypted and hex encoded.
type APIKey struct {
	ID           string    `db:"id" json:"id"`
	TenantID     string    `db:"tenant_id" json:"tenantId"`
	Provider     string    `db:"provider" json:"provider"`
	EncryptedKey string    `db:"encrypted_key" json:"-"`
	IV           string    `db:"iv" json:"-"`
	Tag          string    `db:"tag" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt    time.Time `db:"updated_at" json:"updatedAt"`
}

// Store is the tenant repository.
type Store interface {
	// GetTenantByUserID returns ErrNotFound when the user has no tenant.
	GetTenantByUserID(ctx context.Context, userID string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)
	// UpsertTenant inserts t or updates the row with the same user id, and returns the stored row.
	UpsertTenant(ctx context.Context, t *Tenant) (*Tenant, error)
	UpdateDisplayName(ctx context.Context, userID, displayName string) error
	// DeleteTenant removes the tenant and its keys.
	DeleteTenant(ctx context.Context, id string) error

	ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error)
	// PutAPIKey replaces the tenant's key for k.Provider.
	PutAPIKey(ctx context.Context, k *APIKey) error
	DeleteAPIKey(ctx context.Context, tenantID, provider string) error

	Ping(ctx context.Context) error
	Close()
}

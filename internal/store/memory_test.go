package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the same CRUD scenario against any Store.
func exerciseStore(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetTenantByUserID(ctx, "u-alice")
	require.True(t, errors.Is(err, ErrNotFound))

	alice, err := s.UpsertTenant(ctx, &Tenant{UserID: "u-alice", AgentID: "user-u-alice", DisplayName: "Alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, alice.ID)
	assert.False(t, alice.AgentProvisioned)
	assert.False(t, alice.CreatedAt.IsZero())

	again, err := s.UpsertTenant(ctx, &Tenant{UserID: "u-alice", AgentID: "user-u-alice", DisplayName: "Alice A.", AgentProvisioned: true})
	require.NoError(t, err)
	assert.Equal(t, alice.ID, again.ID)
	assert.True(t, again.AgentProvisioned)
	assert.Equal(t, "Alice A.", again.DisplayName)

	require.NoError(t, s.UpdateDisplayName(ctx, "u-alice", "Alice B."))
	got, err := s.GetTenantByUserID(ctx, "u-alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice B.", got.DisplayName)
	assert.True(t, errors.Is(s.UpdateDisplayName(ctx, "nobody", "x"), ErrNotFound))

	bob, err := s.UpsertTenant(ctx, &Tenant{UserID: "u-bob", AgentID: "user-u-bob", DisplayName: "Bob"})
	require.NoError(t, err)

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	require.Len(t, tenants, 2)

	require.NoError(t, s.PutAPIKey(ctx, &APIKey{TenantID: alice.ID, Provider: "openai", EncryptedKey: "aa", IV: "bb", Tag: "cc"}))
	require.NoError(t, s.PutAPIKey(ctx, &APIKey{TenantID: alice.ID, Provider: "anthropic", EncryptedKey: "11", IV: "22", Tag: "33"}))
	require.NoError(t, s.PutAPIKey(ctx, &APIKey{TenantID: alice.ID, Provider: "openai", EncryptedKey: "dd", IV: "ee", Tag: "ff"}))
	require.NoError(t, s.PutAPIKey(ctx, &APIKey{TenantID: bob.ID, Provider: "openai", EncryptedKey: "99", IV: "88", Tag: "77"}))

	keys, err := s.ListAPIKeys(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "anthropic", keys[0].Provider)
	assert.Equal(t, "openai", keys[1].Provider)
	assert.Equal(t, "dd", keys[1].EncryptedKey)

	require.NoError(t, s.DeleteAPIKey(ctx, alice.ID, "anthropic"))
	keys, err = s.ListAPIKeys(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	require.NoError(t, s.DeleteTenant(ctx, alice.ID))
	_, err = s.GetTenantByUserID(ctx, "u-alice")
	assert.True(t, errors.Is(err, ErrNotFound))
	keys, err = s.ListAPIKeys(ctx, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = s.ListAPIKeys(ctx, bob.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, s.Ping(ctx))
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.UpsertTenant(ctx, &Tenant{UserID: "u", AgentID: "user-u", DisplayName: "U"})
	require.NoError(t, err)
	created.DisplayName = "mutated"

	got, err := s.GetTenantByUserID(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, "U", got.DisplayName)
}

func TestMemoryStorePutKeyUnknownTenant(t *testing.T) {
	s := NewMemoryStore()
	err := s.PutAPIKey(context.Background(), &APIKey{TenantID: "missing", Provider: "openai"})
	assert.True(t, errors.Is(err, ErrNotFound))
}

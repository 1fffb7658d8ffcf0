package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps tenants in process memory. Used for single-node runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*Tenant // by id
	keys    map[string]*APIKey // by tenant id + "/" + provider
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*Tenant),
		keys:    make(map[string]*APIKey),
		now:     time.Now,
	}
}

func (s *MemoryStore) GetTenantByUserID(_ context.Context, userID string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.UserID == userID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListTenants(_ context.Context) ([]*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) UpsertTenant(_ context.Context, t *Tenant) (*Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	for _, existing := range s.tenants {
		if existing.UserID == t.UserID {
			existing.AgentID = t.AgentID
			existing.DisplayName = t.DisplayName
			existing.AgentProvisioned = t.AgentProvisioned
			existing.UpdatedAt = now
			cp := *existing
			return &cp, nil
		}
	}

	row := *t
	row.ID = uuid.NewString()
	row.CreatedAt = now
	row.UpdatedAt = now
	s.tenants[row.ID] = &row
	cp := row
	return &cp, nil
}

func (s *MemoryStore) UpdateDisplayName(_ context.Context, userID, displayName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.UserID == userID {
			t.DisplayName = displayName
			t.UpdatedAt = s.now()
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) DeleteTenant(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, id)
	for k, key := range s.keys {
		if key.TenantID == id {
			delete(s.keys, k)
		}
	}
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, tenantID string) ([]*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*APIKey
	for _, k := range s.keys {
		if k.TenantID == tenantID {
			cp := *k
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (s *MemoryStore) PutAPIKey(_ context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[k.TenantID]; !ok {
		return ErrNotFound
	}

	now := s.now()
	row := *k
	row.ID = uuid.NewString()
	row.CreatedAt = now
	row.UpdatedAt = now
	if existing, ok := s.keys[keyID(k.TenantID, k.Provider)]; ok {
		row.ID = existing.ID
		row.CreatedAt = existing.CreatedAt
	}
	s.keys[keyID(k.TenantID, k.Provider)] = &row
	return nil
}

func (s *MemoryStore) DeleteAPIKey(_ context.Context, tenantID, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, keyID(tenantID, provider))
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func keyID(tenantID, provider string) string {
	return tenantID + "/" + provider
}

package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrations embed.FS

var (
	postgresConnectRetries = 10
	postgresRetryDelay     = 2 * time.Second
	postgresPingTimeout    = 2 * time.Second
)

const tenantColumns = `id::text AS id, user_id, agent_id, display_name, agent_provisioned, created_at, updated_at`

const apiKeyColumns = `id::text AS id, tenant_id::text AS tenant_id, provider, encrypted_key, iv, tag, created_at, updated_at`

// PostgresStore is the Store backed by PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresPool connects to dsn, retrying until the database answers a ping.
func NewPostgresPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	var lastErr error
	for i := 0; i < postgresConnectRetries; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
		} else {
			ctxPing, cancel := context.WithTimeout(ctx, postgresPingTimeout)
			err = pool.Ping(ctxPing)
			cancel()
			if err == nil {
				return pool, nil
			}
			lastErr = err
			pool.Close()
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(postgresRetryDelay):
		}
	}
	return nil, fmt.Errorf("db ping retries exhausted: %w", lastErr)
}

// NewPostgresStore wraps an open pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool exposes the pool for lock acquisition.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Migrate applies the embedded schema files that have not run yet, each in its own transaction.
// It returns the names of the files applied.
func (s *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version text PRIMARY KEY,
		applied_at timestamptz NOT NULL DEFAULT now()
	)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	var applied []string
	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")

		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version).Scan(&exists); err != nil {
			return applied, err
		}
		if exists {
			continue
		}

		body, err := migrations.ReadFile(name)
		if err != nil {
			return applied, err
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(body)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version)
			return err
		})
		if err != nil {
			return applied, fmt.Errorf("migration %s: %w", version, err)
		}
		applied = append(applied, version)
	}
	return applied, nil
}

func (s *PostgresStore) GetTenantByUserID(ctx context.Context, userID string) (*Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenant WHERE user_id = $1 LIMIT 1`, userID)
	if err != nil {
		return nil, err
	}
	t, err := pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Tenant])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *PostgresStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+tenantColumns+` FROM tenant ORDER BY created_at, user_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[Tenant])
}

func (s *PostgresStore) UpsertTenant(ctx context.Context, t *Tenant) (*Tenant, error) {
	rows, err := s.pool.Query(ctx, `
		INSERT INTO tenant (user_id, agent_id, display_name, agent_provisioned)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			display_name = EXCLUDED.display_name,
			agent_provisioned = EXCLUDED.agent_provisioned,
			updated_at = now()
		RETURNING `+tenantColumns,
		t.UserID, t.AgentID, t.DisplayName, t.AgentProvisioned)
	if err != nil {
		return nil, err
	}
	return pgx.CollectExactlyOneRow(rows, pgx.RowToAddrOfStructByName[Tenant])
}

func (s *PostgresStore) UpdateDisplayName(ctx context.Context, userID, displayName string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tenant SET display_name = $2, updated_at = now() WHERE user_id = $1`, userID, displayName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteTenant(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tenant WHERE id = $1::uuid`, id)
	return err
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+apiKeyColumns+` FROM tenant_api_key WHERE tenant_id = $1::uuid ORDER BY provider`, tenantID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[APIKey])
}

func (s *PostgresStore) PutAPIKey(ctx context.Context, k *APIKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenant_api_key (tenant_id, provider, encrypted_key, iv, tag)
		VALUES ($1::uuid, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			encrypted_key = EXCLUDED.encrypted_key,
			iv = EXCLUDED.iv,
			tag = EXCLUDED.tag,
			updated_at = now()`,
		k.TenantID, k.Provider, k.EncryptedKey, k.IV, k.Tag)
	return err
}

func (s *PostgresStore) DeleteAPIKey(ctx context.Context, tenantID, provider string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tenant_api_key WHERE tenant_id = $1::uuid AND provider = $2`, tenantID, provider)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

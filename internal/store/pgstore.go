package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore persists tenant state in PostgreSQL. Payloads are encrypted
// with the same process-wide cipher as the file store; the database only
// ever sees ciphertext. Log entries are one row each, so appends are
// plain INSERTs and cannot lose concurrent writes.
type PGStore struct {
	pool   *pgxpool.Pool
	cipher *Cipher
	logger *slog.Logger
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS tenant_configs (
	tenant_id  TEXT PRIMARY KEY,
	payload    BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tenant_logs (
	id         BIGSERIAL PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	payload    BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS tenant_logs_tenant_idx ON tenant_logs (tenant_id, id);
`

// NewPGStore connects to PostgreSQL and ensures the schema exists.
func NewPGStore(ctx context.Context, connString string, cipher *Cipher, logger *slog.Logger) (*PGStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &PGStore{
		pool:   pool,
		cipher: cipher,
		logger: logger.With("component", "pgstore"),
	}, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() {
	s.pool.Close()
}

func (s *PGStore) seal(v any) ([]byte, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	return s.cipher.Seal(plaintext)
}

func (s *PGStore) open(payload []byte, v any) error {
	plaintext, err := s.cipher.Open(payload)
	if err != nil {
		s.logger.Debug("payload failed to decrypt, treating as absent", "error", err)
		return ErrNotFound
	}
	if err := json.Unmarshal(plaintext, v); err != nil {
		return ErrNotFound
	}
	return nil
}

// ListTenantIDs enumerates tenants from both tables, deduplicated.
func (s *PGStore) ListTenantIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tenant_id FROM tenant_configs
		UNION
		SELECT DISTINCT tenant_id FROM tenant_logs
	`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LoadConfig returns a tenant's configuration, or ErrNotFound.
func (s *PGStore) LoadConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM tenant_configs WHERE tenant_id = $1`, tenantID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load config: %w", err)
	}

	var cfg TenantConfig
	if err := s.open(payload, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig upserts a tenant's configuration.
func (s *PGStore) SaveConfig(ctx context.Context, tenantID string, cfg *TenantConfig) error {
	payload, err := s.seal(cfg)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tenant_configs (tenant_id, payload, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (tenant_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`, tenantID, payload)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	s.logger.Info("saved config", "tenant_id", tenantID)
	return nil
}

// LoadLogs returns a tenant's log history in insertion order. Rows that
// fail to decrypt are skipped rather than failing the whole load.
func (s *PGStore) LoadLogs(ctx context.Context, tenantID string) ([]LogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM tenant_logs WHERE tenant_id = $1 ORDER BY id`, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("load logs: %w", err)
	}
	defer rows.Close()

	logs := []LogEntry{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}

		var entry LogEntry
		if err := s.open(payload, &entry); err != nil {
			continue
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// AppendLog inserts one log row for the tenant.
func (s *PGStore) AppendLog(ctx context.Context, tenantID string, entry LogEntry) error {
	payload, err := s.seal(entry)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tenant_logs (tenant_id, payload) VALUES ($1, $2)`,
		tenantID, payload,
	)
	if err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	return nil
}

var _ TenantStore = (*PGStore)(nil)

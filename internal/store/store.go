// Package store provides encrypted-at-rest persistence of tenant
// configuration and log history, keyed by tenant id.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when a tenant's config or logs are absent.
// Payloads that fail to decrypt surface as ErrNotFound too: the store
// deliberately does not distinguish a missing record from an unreadable
// one.
var ErrNotFound = errors.New("store: not found")

// NotificationEntry names a notification plugin and carries its opaque,
// plugin-specific configuration.
type NotificationEntry struct {
	Type   string            `json:"type"`
	Config map[string]string `json:"config"`
}

// TenantConfig is the persisted per-tenant configuration. Setup replaces
// Address, Activities and Notifications wholesale; Email and CreatedAt
// are written once at registration and preserved across setups.
type TenantConfig struct {
	TenantID      string              `json:"tenant_id"`
	Email         string              `json:"email,omitempty"`
	Address       string              `json:"address,omitempty"`
	Activities    []string            `json:"activities,omitempty"`
	Notifications []NotificationEntry `json:"notifications,omitempty"`
	CreatedAt     time.Time           `json:"created_at,omitempty"`
	UpdatedAt     time.Time           `json:"updated_at,omitempty"`
}

// LogEntry is one record produced by an activity plugin for a matching
// event. Entries are append-only and ordered by arrival, not chain order.
type LogEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"type"`
	Direction   string    `json:"direction,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Amount      uint64    `json:"amount,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`

	// AmountRaw is the full-precision decimal amount. Chain balances
	// are uint256-sized and can exceed Amount, which saturates; readers
	// prefer AmountRaw when it is set.
	AmountRaw string `json:"amount_raw,omitempty"`

	// Fields holds plugin-defined data beyond the common columns.
	Fields map[string]any `json:"fields,omitempty"`
}

// TenantStore is the persistence contract the dispatch engine depends on.
type TenantStore interface {
	// ListTenantIDs enumerates every tenant with persisted state.
	ListTenantIDs(ctx context.Context) ([]string, error)

	// LoadConfig returns a tenant's configuration, or ErrNotFound.
	LoadConfig(ctx context.Context, tenantID string) (*TenantConfig, error)

	// SaveConfig persists a tenant's configuration, replacing any
	// previous record.
	SaveConfig(ctx context.Context, tenantID string, cfg *TenantConfig) error

	// LoadLogs returns a tenant's log history in append order. A tenant
	// with no logs yields an empty slice, not ErrNotFound.
	LoadLogs(ctx context.Context, tenantID string) ([]LogEntry, error)

	// AppendLog adds one entry to the tenant's log history.
	AppendLog(ctx context.Context, tenantID string, entry LogEntry) error
}

// TenantID derives the stable tenant identifier from a registered
// identity: the first 16 hex characters of its SHA-256 digest.
func TenantID(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])[:16]
}

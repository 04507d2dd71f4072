package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

const (
	configFile = "config.json"
	logsFile   = "logs.json"
)

// FileStore persists tenant state as encrypted JSON files, one directory
// per tenant under the data root. Appends are load-modify-save; a keyed
// mutex serializes them per tenant within the process, so concurrent
// units in one batch cannot lose each other's entries. Writers in other
// processes are still last-write-wins.
type FileStore struct {
	dir    string
	cipher *Cipher
	logger *slog.Logger

	mu      sync.Mutex
	tenants map[string]*sync.Mutex
}

// NewFileStore creates the data directory if needed.
func NewFileStore(dir string, cipher *Cipher, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{
		dir:     dir,
		cipher:  cipher,
		logger:  logger.With("component", "filestore"),
		tenants: make(map[string]*sync.Mutex),
	}, nil
}

func (s *FileStore) tenantMu(tenantID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	mu, ok := s.tenants[tenantID]
	if !ok {
		mu = &sync.Mutex{}
		s.tenants[tenantID] = mu
	}
	return mu
}

func (s *FileStore) tenantDir(tenantID string) (string, error) {
	dir := filepath.Join(s.dir, tenantID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create tenant dir: %w", err)
	}
	return dir, nil
}

// ListTenantIDs returns every subdirectory of the data root.
func (s *FileStore) ListTenantIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *FileStore) readEncrypted(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	plaintext, err := s.cipher.Open(data)
	if err != nil {
		// Undecryptable payloads are indistinguishable from absent
		// ones at the contract level.
		s.logger.Debug("payload failed to decrypt, treating as absent",
			"path", path, "error", err)
		return ErrNotFound
	}

	if err := json.Unmarshal(plaintext, v); err != nil {
		s.logger.Debug("payload failed to parse, treating as absent",
			"path", path, "error", err)
		return ErrNotFound
	}
	return nil
}

func (s *FileStore) writeEncrypted(path string, v any) error {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	sealed, err := s.cipher.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// LoadConfig returns the tenant's configuration, or ErrNotFound.
func (s *FileStore) LoadConfig(ctx context.Context, tenantID string) (*TenantConfig, error) {
	var cfg TenantConfig
	path := filepath.Join(s.dir, tenantID, configFile)
	if err := s.readEncrypted(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveConfig persists the tenant's configuration.
func (s *FileStore) SaveConfig(ctx context.Context, tenantID string, cfg *TenantConfig) error {
	dir, err := s.tenantDir(tenantID)
	if err != nil {
		return err
	}
	if err := s.writeEncrypted(filepath.Join(dir, configFile), cfg); err != nil {
		return err
	}
	s.logger.Info("saved config", "tenant_id", tenantID)
	return nil
}

// LoadLogs returns the tenant's log history, empty when none exists.
func (s *FileStore) LoadLogs(ctx context.Context, tenantID string) ([]LogEntry, error) {
	var logs []LogEntry
	path := filepath.Join(s.dir, tenantID, logsFile)
	if err := s.readEncrypted(path, &logs); err != nil {
		if errors.Is(err, ErrNotFound) {
			return []LogEntry{}, nil
		}
		return nil, err
	}
	return logs, nil
}

func (s *FileStore) saveLogs(tenantID string, logs []LogEntry) error {
	dir, err := s.tenantDir(tenantID)
	if err != nil {
		return err
	}
	return s.writeEncrypted(filepath.Join(dir, logsFile), logs)
}

// AppendLog adds one entry to the tenant's log file.
func (s *FileStore) AppendLog(ctx context.Context, tenantID string, entry LogEntry) error {
	mu := s.tenantMu(tenantID)
	mu.Lock()
	defer mu.Unlock()

	logs, err := s.LoadLogs(ctx, tenantID)
	if err != nil {
		return err
	}
	logs = append(logs, entry)
	if err := s.saveLogs(tenantID, logs); err != nil {
		return err
	}

	s.logger.Debug("appended log entry",
		"tenant_id", tenantID,
		"type", entry.Type,
		"total", len(logs),
	)
	return nil
}

var _ TenantStore = (*FileStore)(nil)

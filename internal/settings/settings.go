package settings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// Store is the persistent key-value settings boundary: installation root,
// per-service selected version, per-service installed version lists, and
// user preference flags. Reads and writes are synchronous as seen by the
// engine.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Delete(key string) error
	Close() error
}

// Well-known keys. Per-service keys are built with VersionKey and
// InstalledVersionsKey.
const (
	KeyInstallationRoot = "installationRoot"
)

// VersionKey returns the selected-version key for a service.
func VersionKey(id string) string { return "version." + id }

// InstalledVersionsKey returns the installed-version-list key for a service.
func InstalledVersionsKey(id string) string { return "installedVersions." + id }

// EncodeList joins an ordered version list for storage.
func EncodeList(vs []string) string { return strings.Join(vs, ",") }

// DecodeList splits a stored version list, dropping empty entries.
func DecodeList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SQLiteStore persists settings in a single-table SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the settings database at path. An empty
// path yields an in-memory store, used by tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path+"?_journal=WAL&_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open settings database: %w", err)
	}
	// SQLite works best with a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS settings(
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`)
	if err != nil {
		return fmt.Errorf("failed to create settings schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(key string) (string, bool) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	return v, true
}

func (s *SQLiteStore) Set(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO settings(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

func (s *SQLiteStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM settings WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// MemoryStore is an in-process Store for tests and embedding.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{m: make(map[string]string)} }

func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[key]
	return v, ok
}

func (m *MemoryStore) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[key] = value
	return nil
}

func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.m, key)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

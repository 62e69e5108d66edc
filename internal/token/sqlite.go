package token

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite credentials file, the
// Go-side equivalent of the web client's persistent browser storage.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex // serializes writes to avoid SQLITE_BUSY on the shared file
}

// NewSQLite opens (or creates) the credentials store at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create credentials directory: %w", err)
	}

	// WAL mode so a reader (auto-refresh loop) never blocks a writer.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open credentials store: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping credentials store: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize credentials schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS credentials (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	_, err := s.db.Exec(query)
	return err
}

// Token returns the stored bearer token, if any.
func (s *SQLiteStore) Token() (string, bool) {
	v, ok := s.get(keyToken)
	return v, ok && v != ""
}

// SetToken stores the bearer token.
func (s *SQLiteStore) SetToken(tok string) error {
	if tok == "" {
		return fmt.Errorf("refusing to store empty token")
	}
	return s.set(keyToken, tok)
}

// ClearToken removes the stored token.
func (s *SQLiteStore) ClearToken() error {
	return s.delete(keyToken)
}

// DevLogout reports whether the explicit-logout flag is set.
func (s *SQLiteStore) DevLogout() bool {
	v, ok := s.get(keyDevLogout)
	return ok && v == "true"
}

// SetDevLogout records or clears the explicit-logout flag.
func (s *SQLiteStore) SetDevLogout(v bool) error {
	if !v {
		return s.delete(keyDevLogout)
	}
	return s.set(keyDevLogout, "true")
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) get(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM credentials WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return "", false
	}
	return value, true
}

func (s *SQLiteStore) set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withBusyRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO credentials (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, time.Now().Unix())
		return err
	})
}

func (s *SQLiteStore) delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withBusyRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM credentials WHERE key = ?`, key)
		return err
	})
}

// withBusyRetry retries SQLite concurrency errors with short exponential
// backoff. Another process holding the credentials file briefly is normal
// when several Netra tools share one store.
func withBusyRetry(fn func() error) error {
	const maxRetries = 3
	delay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !isSQLiteConflict(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

func isSQLiteConflict(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Storage keys. Each key holds one JSON document; last write wins.
const (
	KeySingleSession = "single_mode_save"
	KeyBatchSession  = "batch_mode_save"
	KeyAPIKey        = "api_key"
)

// KV is a small key-value store over SQLite. Values are serialized to JSON
// text on save and parsed back on load.
type KV struct {
	db *sql.DB
}

func NewKV(dbPath string) (*KV, error) {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = filepath.Join("data", "echoscribe.db")
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &KV{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *KV) init() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create kv table: %w", err)
	}

	return nil
}

func (s *KV) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *KV) DB() *sql.DB {
	return s.db
}

// Save serializes value as JSON and stores it under key, replacing any
// previous value.
func (s *KV) Save(key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for key %s: %w", key, err)
	}

	_, err = s.db.Exec(
		`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key,
		string(payload),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save key %s: %w", key, err)
	}
	return nil
}

// Load parses the value stored under key into dest and reports whether the
// key was present. Load fails soft: a value that no longer parses is deleted
// and reported as absent, so stored corruption never blocks startup.
func (s *KV) Load(key string, dest any) (bool, error) {
	var raw string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		slog.Warn("storage: discarding corrupt value", "key", key, "error", err)
		_ = s.Remove(key)
		return false, nil
	}
	return true, nil
}

func (s *KV) Remove(key string) error {
	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove key %s: %w", key, err)
	}
	return nil
}

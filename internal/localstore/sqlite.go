package localstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"secure-comm/go-backend/internal/securestore"

	_ "modernc.org/sqlite"
)

const sqliteKeyHeaderKey = "kdf_header"

// SQLiteStore keeps one sealed row per key. Rows are bound to their key via
// AEAD associated data, so swapping rows on disk fails authentication.
type SQLiteStore struct {
	db     *sql.DB
	sealer *securestore.Sealer
}

func OpenSQLite(path, secret string) (*SQLiteStore, error) {
	return openSQLite(path, secret, securestore.DefaultParams)
}

func openSQLite(path, secret string, p securestore.Params) (*SQLiteStore, error) {
	path, secret = strings.TrimSpace(path), strings.TrimSpace(secret)
	if path == "" || secret == "" {
		return nil, errors.New("localstore: sqlite store requires path and secret")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	header, err := loadOrCreateKeyHeader(db, p)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	sealer, err := securestore.NewSealer(secret, header)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db, sealer: sealer}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS _metadata (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);`)
	return err
}

// loadOrCreateKeyHeader returns the salt and KDF costs the database was
// created with, so later changes to the defaults do not lock out old stores.
func loadOrCreateKeyHeader(db *sql.DB, p securestore.Params) (securestore.KeyHeader, error) {
	var (
		h   securestore.KeyHeader
		raw []byte
	)
	err := db.QueryRow(`SELECT value FROM _metadata WHERE key = ?`, sqliteKeyHeaderKey).Scan(&raw)
	if err == nil {
		if err := h.UnmarshalBinary(raw); err != nil {
			return h, fmt.Errorf("load key header: %w", err)
		}
		return h, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return h, fmt.Errorf("load key header: %w", err)
	}
	if h, err = securestore.NewKeyHeader(p); err != nil {
		return h, err
	}
	if raw, err = h.MarshalBinary(); err != nil {
		return h, err
	}
	if _, err := db.Exec(`INSERT INTO _metadata (key, value) VALUES (?, ?)`, sqliteKeyHeaderKey, raw); err != nil {
		return h, fmt.Errorf("store key header: %w", err)
	}
	return h, nil
}

func (s *SQLiteStore) Get(key string) ([]byte, bool, error) {
	var sealed []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	plain, err := s.sealer.Open(sealed, []byte(key))
	if err != nil {
		return nil, false, fmt.Errorf("open row %q: %w", key, err)
	}
	return plain, true, nil
}

func (s *SQLiteStore) Set(key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	sealed, err := s.sealer.Seal(value, []byte(key))
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
	INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, sealed, time.Now().Unix())
	return err
}

func (s *SQLiteStore) Delete(key string) error {
	_, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

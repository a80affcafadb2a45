package localstore

import (
	"encoding/json"
	"errors"
	"strings"
)

// Store is the local secure key-value store. Values may hold key material, so
// every persistent backend encrypts at rest.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

var ErrEmptyKey = errors.New("localstore: empty key")

const (
	KeyDeviceID = "device_id"

	prefixDEK             = "dek:"
	prefixKeys            = "keys:"
	prefixLegacySessions  = "legacy_sessions:"
	prefixMigrationStatus = "migration_status:"
)

func DEKKey(username string) string          { return prefixDEK + normalizeUser(username) }
func IdentityKeysKey(username string) string { return prefixKeys + normalizeUser(username) }

func LegacySessionsKey(username string) string {
	return prefixLegacySessions + normalizeUser(username)
}

func MigrationStatusKey(username string) string {
	return prefixMigrationStatus + normalizeUser(username)
}

func normalizeUser(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func GetJSON(s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

func SetJSON(s Store, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(key, raw)
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}

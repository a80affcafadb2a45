package migration

import (
	"errors"
	"fmt"
	"strings"

	"secure-comm/go-backend/internal/localstore"
)

var ErrMalformedKey = errors.New("migration: malformed legacy cache key")

// LegacyCache is the deprecated plaintext session-key cache. New code only
// reads and wipes it.
type LegacyCache struct {
	store    localstore.Store
	username string
}

func NewLegacyCache(store localstore.Store, username string) *LegacyCache {
	return &LegacyCache{store: store, username: username}
}

// Entries returns the cached secrets keyed "me:peer:fingerprint-prefix".
func (c *LegacyCache) Entries() (map[string][]byte, error) {
	out := map[string][]byte{}
	ok, err := localstore.GetJSON(c.store, localstore.LegacySessionsKey(c.username), &out)
	if err != nil {
		return nil, fmt.Errorf("read legacy cache: %w", err)
	}
	if !ok {
		return map[string][]byte{}, nil
	}
	return out, nil
}

func (c *LegacyCache) Wipe() error {
	return c.store.Delete(localstore.LegacySessionsKey(c.username))
}

type legacyKey struct {
	Me, Peer, Prefix string
}

func parseLegacyKey(raw string) (legacyKey, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return legacyKey{}, ErrMalformedKey
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return legacyKey{}, ErrMalformedKey
		}
	}
	return legacyKey{Me: parts[0], Peer: parts[1], Prefix: parts[2]}, nil
}

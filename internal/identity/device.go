package identity

import (
	"strings"

	"secure-comm/go-backend/internal/localstore"

	"github.com/google/uuid"
)

// LoadOrCreateDeviceID returns the persisted device id, generating one on
// first use. The id is stable for the lifetime of the install.
func LoadOrCreateDeviceID(store localstore.Store) (string, error) {
	raw, ok, err := store.Get(localstore.KeyDeviceID)
	if err != nil {
		return "", err
	}
	if ok {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id, nil
		}
	}
	id := uuid.NewString()
	if err := store.Set(localstore.KeyDeviceID, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

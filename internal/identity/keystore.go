package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"secure-comm/go-backend/internal/localstore"
	"secure-comm/go-backend/pkg/models"
)

type storedKeys struct {
	IdentityPublic    []byte    `json:"identity_public"`
	IdentityPrivate   []byte    `json:"identity_private"`
	EncryptionPublic  []byte    `json:"encryption_public"`
	EncryptionPrivate []byte    `json:"encryption_private"`
	CreatedAt         time.Time `json:"created_at"`
}

// KeyStore persists one user's long-term keypairs in the local secure store.
type KeyStore struct {
	store    localstore.Store
	username string
}

func NewKeyStore(store localstore.Store, username string) *KeyStore {
	return &KeyStore{store: store, username: username}
}

func (k *KeyStore) Save(id models.IdentityKeyPair, enc models.EncryptionKeyPair) error {
	if !VerifyIdentityKeys(id) || !VerifyEncryptionKeys(enc) {
		return errors.New("refusing to store inconsistent keypair")
	}
	rec := storedKeys{
		IdentityPublic:    append([]byte(nil), id.Public...),
		IdentityPrivate:   append([]byte(nil), id.Private...),
		EncryptionPublic:  append([]byte(nil), enc.Public[:]...),
		EncryptionPrivate: append([]byte(nil), enc.Private[:]...),
		CreatedAt:         time.Now().UTC(),
	}
	defer zero(rec.IdentityPrivate)
	defer zero(rec.EncryptionPrivate)
	return localstore.SetJSON(k.store, localstore.IdentityKeysKey(k.username), rec)
}

// Load returns ErrKeysUnavailable when keys are absent or fail the
// consistency check.
func (k *KeyStore) Load() (models.IdentityKeyPair, models.EncryptionKeyPair, error) {
	var rec storedKeys
	ok, err := localstore.GetJSON(k.store, localstore.IdentityKeysKey(k.username), &rec)
	if err != nil {
		return models.IdentityKeyPair{}, models.EncryptionKeyPair{}, fmt.Errorf("%w: %v", ErrKeysUnavailable, err)
	}
	if !ok {
		return models.IdentityKeyPair{}, models.EncryptionKeyPair{}, ErrKeysUnavailable
	}
	defer zero(rec.EncryptionPrivate)
	if len(rec.EncryptionPublic) != 32 || len(rec.EncryptionPrivate) != 32 || len(rec.IdentityPrivate) != ed25519.PrivateKeySize {
		return models.IdentityKeyPair{}, models.EncryptionKeyPair{}, fmt.Errorf("%w: corrupt key record", ErrKeysUnavailable)
	}
	id := models.IdentityKeyPair{
		Public:  ed25519.PublicKey(rec.IdentityPublic),
		Private: ed25519.PrivateKey(rec.IdentityPrivate),
	}
	var enc models.EncryptionKeyPair
	copy(enc.Public[:], rec.EncryptionPublic)
	copy(enc.Private[:], rec.EncryptionPrivate)
	if !VerifyIdentityKeys(id) || !VerifyEncryptionKeys(enc) {
		return models.IdentityKeyPair{}, models.EncryptionKeyPair{}, fmt.Errorf("%w: keypair mismatch", ErrKeysUnavailable)
	}
	return id, enc, nil
}

func (k *KeyStore) Clear() error {
	return k.store.Delete(localstore.IdentityKeysKey(k.username))
}

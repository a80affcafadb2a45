package dek

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"secure-comm/go-backend/internal/crypto"
	"secure-comm/go-backend/internal/localstore"
	"secure-comm/go-backend/pkg/models"
)

var (
	ErrUninitialized   = errors.New("dek not initialized")
	ErrVersionMismatch = errors.New("dek version mismatch")
	ErrDecrypt         = errors.New("dek decrypt failed")
	ErrRetireActive    = errors.New("cannot retire the active dek")
)

// SealedBlob is data encrypted under a DEK, tagged with the DEK version.
type SealedBlob struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	DEKVersion int    `json:"dek_version"`
}

type persistedKey struct {
	Version    int       `json:"version"`
	Key        []byte    `json:"key"`
	WrappedDEK []byte    `json:"wrapped_dek,omitempty"`
	WrapNonce  []byte    `json:"wrap_nonce,omitempty"`
	Algorithm  string    `json:"algorithm,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type persistedRing struct {
	Active   persistedKey   `json:"active"`
	Retained []persistedKey `json:"retained,omitempty"`
}

// Manager is the in-process keyring of one user. The active bundle and any
// retained older versions are mirrored to the local secure store.
// Callers serialize mutations through the owning account.
type Manager struct {
	username string
	store    localstore.Store
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	active   *models.DEKBundle
	retained map[int][crypto.KeySize]byte
}

func NewManager(username string, store localstore.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		username: username,
		store:    store,
		logger:   logger.With("component", "dek"),
		now:      time.Now,
		retained: make(map[int][crypto.KeySize]byte),
	}
}

// Load restores the keyring from the local store.
func (m *Manager) Load() error {
	var ring persistedRing
	ok, err := localstore.GetJSON(m.store, localstore.DEKKey(m.username), &ring)
	if err != nil {
		return fmt.Errorf("load dek: %w", err)
	}
	if !ok || len(ring.Active.Key) != crypto.KeySize {
		return ErrUninitialized
	}
	defer zeroRing(&ring)

	m.mu.Lock()
	defer m.mu.Unlock()
	bundle := models.DEKBundle{
		WrappedDEK: ring.Active.WrappedDEK,
		WrapNonce:  ring.Active.WrapNonce,
		Version:    ring.Active.Version,
		Algorithm:  ring.Active.Algorithm,
		CreatedAt:  ring.Active.CreatedAt,
	}
	copy(bundle.DEK[:], ring.Active.Key)
	m.active = &bundle
	m.retained = make(map[int][crypto.KeySize]byte, len(ring.Retained))
	for _, r := range ring.Retained {
		if len(r.Key) != crypto.KeySize || r.Version == bundle.Version {
			continue
		}
		var k [crypto.KeySize]byte
		copy(k[:], r.Key)
		m.retained[r.Version] = k
	}
	return nil
}

// GenerateAndWrap creates a fresh DEK, self-encrypts it under kp and makes it
// active. A previously active version stays retained until Retire.
func (m *Manager) GenerateAndWrap(kp models.EncryptionKeyPair, version int) (models.DEKBundle, error) {
	if version <= 0 {
		return models.DEKBundle{}, fmt.Errorf("invalid dek version %d", version)
	}
	key, err := crypto.RandomKey()
	if err != nil {
		return models.DEKBundle{}, err
	}
	defer crypto.Zero(key[:])
	bundle, err := m.install(key, version, kp)
	if err != nil {
		return models.DEKBundle{}, err
	}
	m.logger.Info("dek generated", "dek_version", version)
	return bundle, nil
}

// UnwrapAndCache opens w (sealed by senderPub for kp) and makes it active.
// It reports false on any authentication failure and leaves state untouched.
func (m *Manager) UnwrapAndCache(w Wrapped, senderPub *[crypto.KeySize]byte, kp models.EncryptionKeyPair) (models.DEKBundle, bool) {
	if senderPub == nil {
		senderPub = &kp.Public
	}
	key, err := Unwrap(w, senderPub, &kp.Private)
	if err != nil {
		m.logger.Warn("dek unwrap failed", "dek_version", w.Version)
		return models.DEKBundle{}, false
	}
	defer crypto.Zero(key[:])
	bundle, err := m.install(key, w.Version, kp)
	if err != nil {
		m.logger.Error("dek cache failed", "dek_version", w.Version, "error", err)
		return models.DEKBundle{}, false
	}
	return bundle, true
}

// Adopt installs raw DEK bytes recovered out of band (backup restore).
func (m *Manager) Adopt(key [crypto.KeySize]byte, version int, kp models.EncryptionKeyPair) (models.DEKBundle, error) {
	defer crypto.Zero(key[:])
	return m.install(key, version, kp)
}

func (m *Manager) install(key [crypto.KeySize]byte, version int, kp models.EncryptionKeyPair) (models.DEKBundle, error) {
	w, err := Wrap(&key, version, &kp.Public, &kp.Private)
	if err != nil {
		return models.DEKBundle{}, err
	}
	bundle := models.DEKBundle{
		DEK:        key,
		WrappedDEK: w.WrappedDEK,
		WrapNonce:  w.Nonce,
		Version:    version,
		Algorithm:  models.DEKAlgorithm,
		CreatedAt:  m.now().UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prevActive := m.active
	prevRetained := cloneRing(m.retained)
	if m.active != nil && m.active.Version != version {
		m.retained[m.active.Version] = m.active.DEK
	}
	delete(m.retained, version)
	m.active = &bundle
	if err := m.persistLocked(); err != nil {
		m.active, m.retained = prevActive, prevRetained
		return models.DEKBundle{}, err
	}
	return cloneBundle(bundle), nil
}

// RewrapForRotation re-encrypts the active DEK from oldKP to newKP. The DEK
// bytes and version do not change.
func (m *Manager) RewrapForRotation(oldKP, newKP models.EncryptionKeyPair) (models.DEKBundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return models.DEKBundle{}, ErrUninitialized
	}
	current := Wrapped{WrappedDEK: m.active.WrappedDEK, Nonce: m.active.WrapNonce, Version: m.active.Version}
	check, err := Unwrap(current, &oldKP.Public, &oldKP.Private)
	if err != nil {
		return models.DEKBundle{}, fmt.Errorf("old keypair does not open the active dek: %w", err)
	}
	crypto.Zero(check[:])

	w, err := Wrap(&m.active.DEK, m.active.Version, &newKP.Public, &newKP.Private)
	if err != nil {
		return models.DEKBundle{}, err
	}
	prev := *m.active
	m.active.WrappedDEK, m.active.WrapNonce = w.WrappedDEK, w.Nonce
	if err := m.persistLocked(); err != nil {
		*m.active = prev
		return models.DEKBundle{}, err
	}
	return cloneBundle(*m.active), nil
}

// WrapForDevice seals the active DEK for another device's public key.
func (m *Manager) WrapForDevice(devicePub *[crypto.KeySize]byte, kp models.EncryptionKeyPair) (Wrapped, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return Wrapped{}, ErrUninitialized
	}
	return Wrap(&m.active.DEK, m.active.Version, devicePub, &kp.Private)
}

func (m *Manager) Active() (models.DEKBundle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return models.DEKBundle{}, ErrUninitialized
	}
	return cloneBundle(*m.active), nil
}

// Key returns the DEK for version, active or retained.
func (m *Manager) Key(version int) ([crypto.KeySize]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active != nil && m.active.Version == version {
		return m.active.DEK, true
	}
	k, ok := m.retained[version]
	return k, ok
}

func (m *Manager) RetainedVersions() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]int, 0, len(m.retained))
	for v := range m.retained {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// Retire forgets a superseded version.
func (m *Manager) Retire(version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.Version == version {
		return ErrRetireActive
	}
	k, ok := m.retained[version]
	if !ok {
		return nil
	}
	delete(m.retained, version)
	if err := m.persistLocked(); err != nil {
		m.retained[version] = k
		return err
	}
	crypto.Zero(k[:])
	m.logger.Info("dek retired", "dek_version", version)
	return nil
}

func (m *Manager) EncryptWithDEK(plaintext []byte) (SealedBlob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active == nil {
		return SealedBlob{}, ErrUninitialized
	}
	sealed, nonce, err := crypto.SealSecret(plaintext, &m.active.DEK)
	if err != nil {
		return SealedBlob{}, err
	}
	return SealedBlob{Ciphertext: sealed, Nonce: nonce, DEKVersion: m.active.Version}, nil
}

// DecryptWithDEK opens blob with the DEK version it is tagged with. A version
// other than the active one is served from the retained ring when possible.
func (m *Manager) DecryptWithDEK(blob SealedBlob) ([]byte, error) {
	m.mu.RLock()
	if m.active == nil {
		m.mu.RUnlock()
		return nil, ErrUninitialized
	}
	activeVersion := m.active.Version
	key, ok := m.active.DEK, blob.DEKVersion == activeVersion
	if !ok {
		key, ok = m.retained[blob.DEKVersion]
	}
	m.mu.RUnlock()
	defer crypto.Zero(key[:])

	if blob.DEKVersion != activeVersion {
		m.logger.Warn("dek version mismatch", "blob_dek_version", blob.DEKVersion, "active_dek_version", activeVersion, "retained", ok)
	}
	if !ok {
		return nil, fmt.Errorf("%w: blob v%d, active v%d", ErrVersionMismatch, blob.DEKVersion, activeVersion)
	}
	plain, err := crypto.OpenSecret(blob.Ciphertext, blob.Nonce, &key)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// Clear wipes the keyring from memory and the local store.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		crypto.Zero(m.active.DEK[:])
	}
	for v, k := range m.retained {
		crypto.Zero(k[:])
		delete(m.retained, v)
	}
	m.active = nil
	return m.store.Delete(localstore.DEKKey(m.username))
}

func (m *Manager) persistLocked() error {
	if m.active == nil {
		return ErrUninitialized
	}
	ring := persistedRing{
		Active: persistedKey{
			Version:    m.active.Version,
			Key:        append([]byte(nil), m.active.DEK[:]...),
			WrappedDEK: m.active.WrappedDEK,
			WrapNonce:  m.active.WrapNonce,
			Algorithm:  m.active.Algorithm,
			CreatedAt:  m.active.CreatedAt,
		},
	}
	for v, k := range m.retained {
		ring.Retained = append(ring.Retained, persistedKey{Version: v, Key: append([]byte(nil), k[:]...)})
	}
	defer zeroRing(&ring)
	return localstore.SetJSON(m.store, localstore.DEKKey(m.username), ring)
}

func zeroRing(r *persistedRing) {
	crypto.Zero(r.Active.Key)
	for _, k := range r.Retained {
		crypto.Zero(k.Key)
	}
}

func cloneRing(in map[int][crypto.KeySize]byte) map[int][crypto.KeySize]byte {
	out := make(map[int][crypto.KeySize]byte, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneBundle(b models.DEKBundle) models.DEKBundle {
	b.WrappedDEK = append([]byte(nil), b.WrappedDEK...)
	b.WrapNonce = append([]byte(nil), b.WrapNonce...)
	return b
}

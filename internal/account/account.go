package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"secure-comm/go-backend/internal/backup"
	"secure-comm/go-backend/internal/crypto"
	"secure-comm/go-backend/internal/dek"
	"secure-comm/go-backend/internal/identity"
	"secure-comm/go-backend/internal/localstore"
	"secure-comm/go-backend/internal/migration"
	"secure-comm/go-backend/internal/pairing"
	"secure-comm/go-backend/internal/platform/metrics"
	"secure-comm/go-backend/internal/revocation"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/internal/vault"
	"secure-comm/go-backend/pkg/models"
)

var (
	ErrNoKeys          = errors.New("account: device keys not created")
	ErrKeysExist       = errors.New("account: device keys already exist")
	ErrInvalidUsername = errors.New("account: invalid username")
)

type Config struct {
	Username         string
	DeviceName       string
	DeviceType       string
	Store            localstore.Store
	Remote           transport.Server
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
	BackupIterations int
}

// Account is safe for concurrent use.
type Account struct {
	username   string
	deviceName string
	deviceType string
	deviceID   string
	store      localstore.Store
	remote     transport.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	iterations int
	keystore   *identity.KeyStore
	ring       *dek.Manager
	vault      *vault.Vault
	migrator   *migration.Migrator

	mu       sync.Mutex
	hasKeys  bool
	signing  models.IdentityKeyPair
	enc      models.EncryptionKeyPair
	revoker  *revocation.Orchestrator
	backups  *backup.Service
	initiate *pairing.Initiator
	joiner   *pairing.Joiner
}

// Open loads whatever local state exists for cfg.Username. A device without
// keys must call CreateKeys or ImportMnemonic next.
func Open(cfg Config) (*Account, error) {
	username := strings.ToLower(strings.TrimSpace(cfg.Username))
	if username == "" || strings.ContainsAny(username, ": \t\n") {
		return nil, ErrInvalidUsername
	}
	if cfg.Store == nil || cfg.Remote == nil {
		return nil, errors.New("account: store and remote are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "device"
	}
	if cfg.DeviceType == "" {
		cfg.DeviceType = "desktop"
	}
	deviceID, err := identity.LoadOrCreateDeviceID(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("device id: %w", err)
	}
	logger := cfg.Logger.With("username", username, "device_id", deviceID)
	ring := dek.NewManager(username, cfg.Store, logger)
	if err := ring.Load(); err != nil && !errors.Is(err, dek.ErrUninitialized) {
		return nil, fmt.Errorf("load dek: %w", err)
	}
	a := &Account{
		username:   username,
		deviceName: cfg.DeviceName,
		deviceType: cfg.DeviceType,
		deviceID:   deviceID,
		store:      cfg.Store,
		remote:     cfg.Remote,
		logger:     logger,
		metrics:    cfg.Metrics,
		iterations: cfg.BackupIterations,
		keystore:   identity.NewKeyStore(cfg.Store, username),
		ring:       ring,
	}
	a.vault = vault.New(ring, cfg.Remote, logger)
	a.migrator = migration.New(username, cfg.Store, a.vault, logger, cfg.Metrics)

	signing, enc, err := a.keystore.Load()
	switch {
	case err == nil:
		a.installKeysLocked(signing, enc)
	case errors.Is(err, identity.ErrKeysUnavailable):
	default:
		return nil, err
	}
	return a, nil
}

func (a *Account) installKeysLocked(signing models.IdentityKeyPair, enc models.EncryptionKeyPair) {
	a.signing, a.enc, a.hasKeys = signing, enc, true
	a.revoker = revocation.New(a.deviceID, enc, a.ring, a.remote, a.logger, a.metrics)
	a.backups = backup.New(a.deviceID, enc, a.ring, a.remote, backup.Options{Iterations: a.iterations, Logger: a.logger, Metrics: a.metrics})
	a.initiate = pairing.NewInitiator(a.deviceID, enc, a.ring, a.remote, a.logger, a.metrics)
	a.joiner = pairing.NewJoiner(a.deviceID, a.deviceName, a.deviceType, enc, a.ring, a.remote, a.logger, a.metrics)
}

func (a *Account) Username() string { return a.username }
func (a *Account) DeviceID() string { return a.deviceID }

// CreateKeys generates a recovery phrase and the device keys derived from it.
func (a *Account) CreateKeys() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hasKeys {
		return "", ErrKeysExist
	}
	mnemonic, err := identity.NewMnemonic()
	if err != nil {
		return "", err
	}
	if err := a.importLocked(mnemonic); err != nil {
		return "", err
	}
	return mnemonic, nil
}

// ImportMnemonic installs the device keys derived from mnemonic. A device
// that already has different keys must use RotateKeys instead, since the
// server's wrapped DEK is sealed to the current key.
func (a *Account) ImportMnemonic(mnemonic string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.hasKeys {
		_, enc, err := identity.FromMnemonic(mnemonic)
		if err != nil {
			return err
		}
		if enc.Public != a.enc.Public {
			return ErrKeysExist
		}
		return nil
	}
	return a.importLocked(mnemonic)
}

// RotateKeys replaces this device's keys with ones from a fresh recovery
// phrase and returns the phrase. The DEK is rewrapped, not regenerated, so
// everything encrypted under it stays readable.
func (a *Account) RotateKeys(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return "", err
	}
	mnemonic, err := identity.NewMnemonic()
	if err != nil {
		return "", err
	}
	signing, enc, err := identity.FromMnemonic(mnemonic)
	if err != nil {
		return "", err
	}
	old := a.enc
	bundle, err := a.ring.RewrapForRotation(old, enc)
	if err != nil {
		return "", fmt.Errorf("rewrap dek: %w", err)
	}
	rec, err := a.remote.RotateDeviceKey(ctx, models.KeyRotation{
		DeviceID:     a.deviceID,
		NewPublicKey: append([]byte(nil), enc.Public[:]...),
		WrappedDEK:   bundle.WrappedDEK,
		Nonce:        bundle.WrapNonce,
		DEKVersion:   bundle.Version,
	})
	if err != nil {
		if _, rerr := a.ring.RewrapForRotation(enc, old); rerr != nil {
			a.logger.Error("restore local dek wrap", "error", rerr)
		}
		return "", fmt.Errorf("rotate device key: %w", err)
	}
	a.installKeysLocked(signing, enc)
	if err := a.keystore.Save(signing, enc); err != nil {
		return mnemonic, fmt.Errorf("device key rotated on the server but not saved locally, import the returned phrase: %w", err)
	}
	a.metrics.DeviceKeyRotated()
	a.logger.Info("device keys rotated",
		"old_fingerprint", identity.Fingerprint(old.Public[:]),
		"new_fingerprint", rec.Fingerprint,
		"dek_version", bundle.Version)
	return mnemonic, nil
}

func (a *Account) importLocked(mnemonic string) error {
	signing, enc, err := identity.FromMnemonic(mnemonic)
	if err != nil {
		return err
	}
	if err := a.keystore.Save(signing, enc); err != nil {
		return fmt.Errorf("save keys: %w", err)
	}
	a.installKeysLocked(signing, enc)
	return nil
}

func (a *Account) keysLocked() error {
	if !a.hasKeys {
		return ErrNoKeys
	}
	return nil
}

// Fingerprint is the human-comparable form of this device's public key.
func (a *Account) Fingerprint() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return "", err
	}
	return identity.Fingerprint(a.enc.Public[:]), nil
}

func (a *Account) IdentityID() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return "", err
	}
	return identity.IdentityID(a.signing.Public)
}

func (a *Account) PublicKey() ([crypto.KeySize]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return [crypto.KeySize]byte{}, err
	}
	return a.enc.Public, nil
}

// Register adds this device to the server. The first device of a user also
// creates DEK version 1.
func (a *Account) Register(ctx context.Context) (models.DeviceRecord, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return models.DeviceRecord{}, err
	}
	rec, err := a.remote.RegisterDevice(ctx, models.NewDevice{
		DeviceID:  a.deviceID,
		Name:      a.deviceName,
		Type:      a.deviceType,
		PublicKey: append([]byte(nil), a.enc.Public[:]...),
	})
	if err != nil {
		return models.DeviceRecord{}, fmt.Errorf("register device: %w", err)
	}
	if !rec.IsPrimary {
		return rec, nil
	}
	if _, err := a.remote.GetWrappedDEK(ctx, a.deviceID); err == nil {
		return rec, a.loginLocked(ctx)
	} else if !errors.Is(err, transport.ErrNotFound) {
		return rec, fmt.Errorf("get wrapped dek: %w", err)
	}
	if _, err := a.ring.Active(); errors.Is(err, dek.ErrUninitialized) {
		if _, err := a.ring.GenerateAndWrap(a.enc, 1); err != nil {
			return rec, err
		}
	}
	bundle, err := a.ring.Active()
	if err != nil {
		return rec, err
	}
	if err := a.remote.StoreWrappedDEK(ctx, models.WrappedDEK{
		DeviceID:   a.deviceID,
		WrappedDEK: bundle.WrappedDEK,
		Nonce:      bundle.WrapNonce,
		Version:    bundle.Version,
	}); err != nil {
		return rec, fmt.Errorf("upload wrapped dek: %w", err)
	}
	a.logger.Info("device registered", "dek_version", bundle.Version)
	return rec, nil
}

// Login fetches this device's wrapped DEK and caches it.
func (a *Account) Login(ctx context.Context) (models.KeyRestore, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return models.KeyRestore{}, err
	}
	restore, err := a.remote.RestoreKeys(ctx, a.deviceID)
	if err != nil {
		return restore, fmt.Errorf("restore keys: %w", err)
	}
	return restore, a.cacheWrappedLocked(restore.WrappedDEK)
}

func (a *Account) loginLocked(ctx context.Context) error {
	restore, err := a.remote.RestoreKeys(ctx, a.deviceID)
	if err != nil {
		return fmt.Errorf("restore keys: %w", err)
	}
	return a.cacheWrappedLocked(restore.WrappedDEK)
}

func (a *Account) cacheWrappedLocked(w models.WrappedDEK) error {
	sender := &a.enc.Public
	if len(w.SenderPublicKey) > 0 {
		pub, err := crypto.KeyFromBytes(w.SenderPublicKey)
		if err != nil {
			return err
		}
		sender = pub
	}
	if active, err := a.ring.Active(); err == nil && active.Version == w.Version {
		return nil
	}
	if _, ok := a.ring.UnwrapAndCache(dek.Wrapped{WrappedDEK: w.WrappedDEK, Nonce: w.Nonce, Version: w.Version}, sender, a.enc); !ok {
		return dek.ErrUnwrap
	}
	return nil
}

// Logout wipes the cached DEK. Device keys stay so Login can run again.
func (a *Account) Logout() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ring.Clear()
}

func (a *Account) ActiveDEKVersion() (int, error) {
	b, err := a.ring.Active()
	if err != nil {
		return 0, err
	}
	return b.Version, nil
}

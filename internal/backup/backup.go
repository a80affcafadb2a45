// Package backup creates password-protected snapshots of a user's key
// material and restores them onto a fresh device.
package backup

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/pbkdf2"

	"secure-comm/go-backend/internal/crypto"
	"secure-comm/go-backend/internal/platform/metrics"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

const (
	DefaultIterations = 600000
	MinIterations     = 100000
	MaxIterations     = 10000000
	SaltSize          = 16
	MinPasswordLength = 8

	recoveryAlgorithm = "xsalsa20-poly1305"
)

var (
	ErrIntegrity     = errors.New("backup: integrity check failed")
	ErrWrongPassword = fmt.Errorf("%w: wrong password or corrupted data", ErrIntegrity)
	ErrWeakPassword  = errors.New("backup: password too short")
	ErrUnsupported   = errors.New("backup: unsupported kdf parameters")
)

type Keyring interface {
	Active() (models.DEKBundle, error)
	Key(version int) ([crypto.KeySize]byte, bool)
	RetainedVersions() []int
	Adopt(key [crypto.KeySize]byte, version int, kp models.EncryptionKeyPair) (models.DEKBundle, error)
}

type Remote interface {
	transport.BackupAPI
	transport.SessionKeyAPI
	transport.DEKAPI
}

type Options struct {
	Iterations int
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type Service struct {
	deviceID   string
	keys       models.EncryptionKeyPair
	ring       Keyring
	remote     Remote
	iterations int
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func New(deviceID string, keys models.EncryptionKeyPair, ring Keyring, remote Remote, opts Options) *Service {
	if opts.Iterations <= 0 {
		opts.Iterations = DefaultIterations
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		deviceID:   deviceID,
		keys:       keys,
		ring:       ring,
		remote:     remote,
		iterations: opts.Iterations,
		logger:     opts.Logger.With("component", "backup"),
		metrics:    opts.Metrics,
		now:        opts.Now,
	}
}

func deriveKey(password string, salt []byte, iterations int) *[crypto.KeySize]byte {
	raw := pbkdf2.Key([]byte(password), salt, iterations, crypto.KeySize, sha256.New)
	var key [crypto.KeySize]byte
	copy(key[:], raw)
	crypto.Zero(raw)
	return &key
}

func checkPassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return ErrWeakPassword
	}
	return nil
}

func checkKDF(algorithm string, iterations int, salt []byte) error {
	if algorithm != models.KDFPBKDF2SHA256 || iterations < MinIterations || iterations > MaxIterations || len(salt) != SaltSize {
		return ErrUnsupported
	}
	return nil
}

func newSalt() ([]byte, error) {
	n, err := crypto.RandomNonce()
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), n[:SaltSize]...), nil
}

// Create snapshots the keyring and every session-key entry and uploads it
// encrypted under a key derived from password.
func (s *Service) Create(ctx context.Context, password string) (out models.BackupPayload, err error) {
	defer func() { s.metrics.Backup("create", err) }()
	if err := checkPassword(password); err != nil {
		return models.BackupPayload{}, err
	}
	active, err := s.ring.Active()
	if err != nil {
		return models.BackupPayload{}, err
	}
	defer crypto.Zero(active.DEK[:])
	entries, err := s.remote.GetAllSessionKeys(ctx)
	if err != nil {
		return models.BackupPayload{}, fmt.Errorf("get all session keys: %w", err)
	}

	snap := snapshot{
		Format:       snapshotFormat,
		DeviceID:     s.deviceID,
		DEKVersion:   active.Version,
		DEKAlgorithm: active.Algorithm,
		CreatedAt:    s.now().Unix(),
	}
	for _, v := range s.ring.RetainedVersions() {
		if k, ok := s.ring.Key(v); ok {
			snap.Retained = append(snap.Retained, retainedKey{Version: v, Key: append([]byte(nil), k[:]...)})
			crypto.Zero(k[:])
		}
	}
	defer func() {
		for _, r := range snap.Retained {
			crypto.Zero(r.Key)
		}
	}()
	for _, e := range entries {
		snap.Entries = append(snap.Entries, toSnapshotEntry(e))
	}
	raw, err := encodeSnapshot(snap)
	if err != nil {
		return models.BackupPayload{}, fmt.Errorf("encode snapshot: %w", err)
	}
	defer crypto.Zero(raw)

	salt, err := newSalt()
	if err != nil {
		return models.BackupPayload{}, err
	}
	key := deriveKey(password, salt, s.iterations)
	defer crypto.Zero(key[:])
	sealed, nonce, err := crypto.SealSecret(raw, key)
	if err != nil {
		return models.BackupPayload{}, err
	}
	wrapped, wrapNonce, err := crypto.SealSecret(active.DEK[:], key)
	if err != nil {
		return models.BackupPayload{}, err
	}

	out, err = s.remote.CreateBackup(ctx, models.BackupPayload{
		EncryptedData: sealed,
		Nonce:         nonce,
		WrappedDEK:    wrapped,
		DEKWrapNonce:  wrapNonce,
		ContentHash:   contentHash(raw),
		KDFSalt:       salt,
		KDFIterations: s.iterations,
		KDFAlgorithm:  models.KDFPBKDF2SHA256,
		DEKVersion:    active.Version,
		DeviceID:      s.deviceID,
	})
	if err != nil {
		return models.BackupPayload{}, fmt.Errorf("upload backup: %w", err)
	}
	s.logger.Info("backup created", "dek_version", active.Version, "entries", len(entries))
	return out, nil
}

func (s *Service) List(ctx context.Context) ([]models.BackupPayload, error) {
	return s.remote.ListBackups(ctx)
}

// RestoreReport summarizes a restore.
type RestoreReport struct {
	BackupID   string
	DEKVersion int
	Restored   int
	Skipped    int
}

// Restore fetches backup id (latest when empty), verifies it completely and
// only then installs its keys and re-uploads its entries.
func (s *Service) Restore(ctx context.Context, id, password string) (rep RestoreReport, err error) {
	defer func() { s.metrics.Backup("restore", err) }()
	payload, err := s.remote.GetBackup(ctx, id)
	if err != nil {
		return RestoreReport{}, fmt.Errorf("get backup: %w", err)
	}
	return s.RestorePayload(ctx, payload, password)
}

func (s *Service) RestorePayload(ctx context.Context, payload models.BackupPayload, password string) (RestoreReport, error) {
	snap, dekKey, err := open(payload, password)
	if err != nil {
		return RestoreReport{}, err
	}
	defer crypto.Zero(dekKey[:])
	defer func() {
		for _, r := range snap.Retained {
			crypto.Zero(r.Key)
		}
	}()

	ring := map[int][crypto.KeySize]byte{snap.DEKVersion: dekKey}
	for _, r := range snap.Retained {
		if len(r.Key) != crypto.KeySize || r.Version >= snap.DEKVersion {
			return RestoreReport{}, fmt.Errorf("%w: retained dek v%d", ErrIntegrity, r.Version)
		}
		var k [crypto.KeySize]byte
		copy(k[:], r.Key)
		ring[r.Version] = k
	}
	entries := make([]models.SessionKeyEntry, 0, len(snap.Entries))
	for _, se := range snap.Entries {
		e := se.model()
		k, ok := ring[e.DEKVersion]
		if !ok {
			return RestoreReport{}, fmt.Errorf("%w: entry %s needs missing dek v%d", ErrIntegrity, e.ID, e.DEKVersion)
		}
		plain, err := crypto.OpenSecret(e.WrappedSessionKey, e.Nonce, &k)
		if err != nil {
			return RestoreReport{}, fmt.Errorf("%w: entry %s", ErrIntegrity, e.ID)
		}
		crypto.Zero(plain)
		entries = append(entries, e)
	}

	// Everything verified; older versions first so the active one ends on top.
	versions := make([]int, 0, len(ring))
	for v := range ring {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	var bundle models.DEKBundle
	for _, v := range versions {
		bundle, err = s.ring.Adopt(ring[v], v, s.keys)
		if err != nil {
			return RestoreReport{}, fmt.Errorf("install dek v%d: %w", v, err)
		}
	}
	err = s.remote.StoreWrappedDEK(ctx, models.WrappedDEK{
		DeviceID:   s.deviceID,
		WrappedDEK: bundle.WrappedDEK,
		Nonce:      bundle.WrapNonce,
		Version:    bundle.Version,
	})
	if err != nil && !errors.Is(err, transport.ErrInvalidState) {
		return RestoreReport{}, fmt.Errorf("upload wrapped dek: %w", err)
	}

	rep := RestoreReport{BackupID: payload.ID, DEKVersion: snap.DEKVersion}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].KeyVersion < entries[j].KeyVersion })
	for _, e := range entries {
		if _, err := s.remote.StoreSessionKey(ctx, e); err != nil {
			if errors.Is(err, transport.ErrInvalidRequest) {
				rep.Skipped++
				continue
			}
			return rep, fmt.Errorf("upload session key: %w", err)
		}
		rep.Restored++
	}
	s.logger.Info("backup restored", "dek_version", snap.DEKVersion, "restored", rep.Restored, "skipped", rep.Skipped)
	return rep, nil
}

// open authenticates and decodes payload without touching any state.
func open(payload models.BackupPayload, password string) (snapshot, [crypto.KeySize]byte, error) {
	var dekKey [crypto.KeySize]byte
	if err := checkKDF(payload.KDFAlgorithm, payload.KDFIterations, payload.KDFSalt); err != nil {
		return snapshot{}, dekKey, err
	}
	key := deriveKey(password, payload.KDFSalt, payload.KDFIterations)
	defer crypto.Zero(key[:])

	raw, err := crypto.OpenSecret(payload.EncryptedData, payload.Nonce, key)
	if err != nil {
		return snapshot{}, dekKey, ErrWrongPassword
	}
	defer crypto.Zero(raw)
	if contentHash(raw) != payload.ContentHash {
		return snapshot{}, dekKey, fmt.Errorf("%w: content hash mismatch", ErrIntegrity)
	}
	dekRaw, err := crypto.OpenSecret(payload.WrappedDEK, payload.DEKWrapNonce, key)
	if err != nil || len(dekRaw) != crypto.KeySize {
		return snapshot{}, dekKey, ErrWrongPassword
	}
	copy(dekKey[:], dekRaw)
	crypto.Zero(dekRaw)

	snap, err := decodeSnapshot(raw)
	if err != nil {
		return snapshot{}, dekKey, fmt.Errorf("%w: decode snapshot: %v", ErrIntegrity, err)
	}
	if snap.Format != snapshotFormat || snap.DEKVersion != payload.DEKVersion || snap.DEKVersion <= 0 {
		return snapshot{}, dekKey, fmt.Errorf("%w: snapshot header", ErrIntegrity)
	}
	return snap, dekKey, nil
}

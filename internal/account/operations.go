package account

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"secure-comm/go-backend/internal/backup"
	"secure-comm/go-backend/internal/crypto"
	"secure-comm/go-backend/internal/dek"
	"secure-comm/go-backend/internal/migration"
	"secure-comm/go-backend/internal/pairing"
	"secure-comm/go-backend/internal/revocation"
	"secure-comm/go-backend/internal/vault"
	"secure-comm/go-backend/pkg/models"
)

// Mutate runs fn under the account lock, so it never interleaves with a
// wrap, rotation, restore or migration. fn must not call back into a.
func (a *Account) Mutate(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return fn()
}

// WrapSessionKey encrypts and uploads a conversation session key. It waits
// for a running rotation and then uses the new DEK.
func (a *Account) WrapSessionKey(ctx context.Context, conversationID string, sessionKey []byte, keyVersion int, firstMessageID *int64) (models.SessionKeyEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.vault.WrapAndStore(ctx, conversationID, sessionKey, keyVersion, firstMessageID)
}

func (a *Account) SessionKeys(ctx context.Context, conversationID string) (vault.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	res, err := a.vault.GetAndUnwrap(ctx, conversationID)
	if err == nil {
		for range res.Failures {
			a.metrics.DecryptFailure("session_key")
		}
	}
	return res, err
}

func (a *Account) Devices(ctx context.Context) ([]models.DeviceRecord, error) {
	return a.remote.ListDevices(ctx)
}

func (a *Account) RevocationHistory(ctx context.Context) ([]models.RevocationLogEntry, error) {
	return a.remote.RevocationHistory(ctx)
}

func (a *Account) Revoke(ctx context.Context, deviceID, reason string, rotate bool) (revocation.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return revocation.Result{}, err
	}
	return a.revoker.Revoke(ctx, deviceID, reason, rotate)
}

// RotateDEK moves every session key to a fresh DEK without revoking anyone.
func (a *Account) RotateDEK(ctx context.Context) (revocation.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return revocation.Result{}, err
	}
	return a.revoker.Rotate(ctx, 0)
}

func (a *Account) CreateBackup(ctx context.Context, password string) (models.BackupPayload, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return models.BackupPayload{}, err
	}
	return a.backups.Create(ctx, password)
}

func (a *Account) RestoreBackup(ctx context.Context, id, password string) (backup.RestoreReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return backup.RestoreReport{}, err
	}
	return a.backups.Restore(ctx, id, password)
}

func (a *Account) ListBackups(ctx context.Context) ([]models.BackupPayload, error) {
	return a.remote.ListBackups(ctx)
}

func (a *Account) DeleteBackup(ctx context.Context, id string) error {
	return a.remote.DeleteBackup(ctx, id)
}

func (a *Account) CreateRecovery(ctx context.Context, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return err
	}
	return a.backups.CreateRecovery(ctx, password)
}

func (a *Account) RestoreRecovery(ctx context.Context, password string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return 0, err
	}
	b, err := a.backups.RestoreRecovery(ctx, password)
	return b.Version, err
}

func (a *Account) RecoveryStatus(ctx context.Context) (models.RecoveryStatus, error) {
	return a.remote.RecoveryStatus(ctx)
}

// DeleteRecovery removes the password recovery backup. Call it when the
// password it was made with is no longer trusted.
func (a *Account) DeleteRecovery(ctx context.Context) (int, error) {
	return a.remote.DeleteRecoveryBackup(ctx)
}

func (a *Account) KeyInfo(ctx context.Context) (models.KeyInfo, error) {
	return a.remote.KeyInfo(ctx, a.deviceID)
}

func (a *Account) KeyRotationHistory(ctx context.Context) ([]models.KeyRotationLogEntry, error) {
	return a.remote.KeyRotationHistory(ctx)
}

func (a *Account) Migrate(ctx context.Context) (migration.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.migrator.Migrate(ctx)
}

func (a *Account) MigrationStatus() (migration.Status, error) {
	return a.migrator.Status()
}

func (a *Account) StartPairing(ctx context.Context) (pairing.QRPayload, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return pairing.QRPayload{}, err
	}
	return a.initiate.Initiate(ctx)
}

func (a *Account) ApprovePairing(ctx context.Context, token string, newDevicePub []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return err
	}
	return a.initiate.Approve(ctx, token, newDevicePub)
}

func (a *Account) RejectPairing(ctx context.Context, token string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return err
	}
	return a.initiate.Reject(ctx, token)
}

func (a *Account) ScanPairing(ctx context.Context, qr pairing.QRPayload) (models.PairingScan, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return models.PairingScan{}, err
	}
	return a.joiner.Scan(ctx, qr)
}

func (a *Account) CompletePairing(ctx context.Context, token string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return 0, err
	}
	bundle, err := a.joiner.Complete(ctx, token)
	if err != nil {
		return 0, err
	}
	return bundle.Version, nil
}

func (a *Account) PairingStatus(ctx context.Context, token string) (models.PairingSession, error) {
	return a.remote.PairingStatus(ctx, token)
}

func (a *Account) PutProfile(ctx context.Context, plaintext []byte) (models.EncryptedProfile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	blob, err := a.ring.EncryptWithDEK(plaintext)
	if err != nil {
		return models.EncryptedProfile{}, err
	}
	sum := sha256.Sum256(blob.Ciphertext)
	return a.remote.StoreProfile(ctx, models.EncryptedProfile{
		Blob:        blob.Ciphertext,
		Nonce:       blob.Nonce,
		DEKVersion:  blob.DEKVersion,
		ContentHash: hex.EncodeToString(sum[:]),
	})
}

func (a *Account) Profile(ctx context.Context) ([]byte, error) {
	p, err := a.remote.GetProfile(ctx)
	if err != nil {
		return nil, err
	}
	return a.openProfile(p)
}

// ProfileVersion decrypts an older profile version.
func (a *Account) ProfileVersion(ctx context.Context, version int) ([]byte, error) {
	p, err := a.remote.GetProfileVersion(ctx, version)
	if err != nil {
		return nil, err
	}
	return a.openProfile(p)
}

func (a *Account) ProfileVersions(ctx context.Context) ([]models.EncryptedProfile, error) {
	return a.remote.ProfileVersions(ctx)
}

// RestoreProfile makes an older version current again. The stored blob is
// checked to open before the server copies it forward.
func (a *Account) RestoreProfile(ctx context.Context, version int) (models.EncryptedProfile, error) {
	if _, err := a.ProfileVersion(ctx, version); err != nil {
		return models.EncryptedProfile{}, err
	}
	return a.remote.RestoreProfileVersion(ctx, version)
}

func (a *Account) openProfile(p models.EncryptedProfile) ([]byte, error) {
	sum := sha256.Sum256(p.Blob)
	if p.ContentHash != "" && p.ContentHash != hex.EncodeToString(sum[:]) {
		return nil, fmt.Errorf("%w: profile content hash", dek.ErrDecrypt)
	}
	return a.ring.DecryptWithDEK(dek.SealedBlob{Ciphertext: p.Blob, Nonce: p.Nonce, DEKVersion: p.DEKVersion})
}

func (a *Account) PutMetadata(ctx context.Context, metaType string, plaintext []byte) (models.EncryptedMetadata, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	blob, err := a.ring.EncryptWithDEK(plaintext)
	if err != nil {
		return models.EncryptedMetadata{}, err
	}
	return a.remote.StoreMetadata(ctx, models.EncryptedMetadata{
		Type:       metaType,
		Blob:       blob.Ciphertext,
		Nonce:      blob.Nonce,
		DEKVersion: blob.DEKVersion,
	})
}

func (a *Account) Metadata(ctx context.Context, metaType string) ([]byte, error) {
	m, err := a.remote.GetMetadata(ctx, metaType)
	if err != nil {
		return nil, err
	}
	return a.ring.DecryptWithDEK(dek.SealedBlob{Ciphertext: m.Blob, Nonce: m.Nonce, DEKVersion: m.DEKVersion})
}

// AllMetadata decrypts the latest blob of every metadata type.
func (a *Account) AllMetadata(ctx context.Context) (map[string][]byte, error) {
	list, err := a.remote.ListMetadata(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(list))
	for _, m := range list {
		plain, err := a.ring.DecryptWithDEK(dek.SealedBlob{Ciphertext: m.Blob, Nonce: m.Nonce, DEKVersion: m.DEKVersion})
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", m.Type, err)
		}
		out[m.Type] = plain
	}
	return out, nil
}

// EncryptMessage seals message for a contact as a v2 envelope.
func (a *Account) EncryptMessage(message string, recipientPub *[crypto.KeySize]byte) (crypto.MessageEnvelope, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.keysLocked(); err != nil {
		return crypto.MessageEnvelope{}, err
	}
	return crypto.Encrypt(message, recipientPub, &a.enc.Private, &a.enc.Public)
}

// EncryptMessageForwardSecret seals message under a one-time sender key, so
// the envelope carries no long-term sender identity.
func (a *Account) EncryptMessageForwardSecret(message string, recipientPub *[crypto.KeySize]byte) (crypto.MessageEnvelope, error) {
	return crypto.EncryptWithForwardSecrecy(message, recipientPub)
}

// DecryptMessageForwardSecret opens an envelope made by
// EncryptMessageForwardSecret.
func (a *Account) DecryptMessageForwardSecret(env crypto.MessageEnvelope) crypto.DecryptResult {
	a.mu.Lock()
	if !a.hasKeys {
		a.mu.Unlock()
		return crypto.DecryptResult{Failure: crypto.FailureAuth}
	}
	priv := a.enc.Private
	a.mu.Unlock()
	res := crypto.DecryptWithForwardSecrecy(env, &priv)
	crypto.Zero(priv[:])
	if !res.OK() {
		a.metrics.DecryptFailure(res.Failure.String())
	}
	return res
}

// DecryptMessage opens env. contactPub is the locally stored key of the
// sender and may be nil.
func (a *Account) DecryptMessage(env crypto.MessageEnvelope, contactPub *[crypto.KeySize]byte) crypto.DecryptResult {
	a.mu.Lock()
	if !a.hasKeys {
		a.mu.Unlock()
		return crypto.DecryptResult{Failure: crypto.FailureAuth}
	}
	priv := a.enc.Private
	a.mu.Unlock()
	res := crypto.Decrypt(env, contactPub, &priv)
	crypto.Zero(priv[:])
	if !res.OK() {
		a.metrics.DecryptFailure(res.Failure.String())
	} else if res.KeyMismatch {
		a.logger.Warn("sender key differs from stored contact key", "envelope_version", env.Version.String())
	}
	return res
}

package backup

import (
	"context"
	"errors"
	"fmt"

	"secure-comm/go-backend/internal/crypto"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

// CreateRecovery stores the active DEK alone, sealed under password.
func (s *Service) CreateRecovery(ctx context.Context, password string) (err error) {
	defer func() { s.metrics.Backup("recovery_create", err) }()
	if err := checkPassword(password); err != nil {
		return err
	}
	active, err := s.ring.Active()
	if err != nil {
		return err
	}
	defer crypto.Zero(active.DEK[:])
	salt, err := newSalt()
	if err != nil {
		return err
	}
	key := deriveKey(password, salt, s.iterations)
	defer crypto.Zero(key[:])
	sealed, nonce, err := crypto.SealSecret(active.DEK[:], key)
	if err != nil {
		return err
	}
	if err := s.remote.StoreRecoveryBackup(ctx, models.RecoveryBackup{
		EncryptedDEK:  sealed,
		Nonce:         nonce,
		Algorithm:     recoveryAlgorithm,
		KDFSalt:       salt,
		KDFAlgorithm:  models.KDFPBKDF2SHA256,
		KDFIterations: s.iterations,
		DEKVersion:    active.Version,
	}); err != nil {
		return fmt.Errorf("store recovery backup: %w", err)
	}
	return nil
}

// RestoreRecovery installs the DEK from the recovery backup and registers
// its self-wrap for this device.
func (s *Service) RestoreRecovery(ctx context.Context, password string) (bundle models.DEKBundle, err error) {
	defer func() { s.metrics.Backup("recovery_restore", err) }()
	rb, err := s.remote.GetRecoveryBackup(ctx)
	if err != nil {
		return models.DEKBundle{}, fmt.Errorf("get recovery backup: %w", err)
	}
	if rb.Algorithm != recoveryAlgorithm {
		return models.DEKBundle{}, ErrUnsupported
	}
	if err := checkKDF(rb.KDFAlgorithm, rb.KDFIterations, rb.KDFSalt); err != nil {
		return models.DEKBundle{}, err
	}
	key := deriveKey(password, rb.KDFSalt, rb.KDFIterations)
	defer crypto.Zero(key[:])
	raw, err := crypto.OpenSecret(rb.EncryptedDEK, rb.Nonce, key)
	if err != nil || len(raw) != crypto.KeySize {
		return models.DEKBundle{}, ErrWrongPassword
	}
	var dekKey [crypto.KeySize]byte
	copy(dekKey[:], raw)
	crypto.Zero(raw)

	bundle, err = s.ring.Adopt(dekKey, rb.DEKVersion, s.keys)
	if err != nil {
		return models.DEKBundle{}, err
	}
	err = s.remote.StoreWrappedDEK(ctx, models.WrappedDEK{
		DeviceID:   s.deviceID,
		WrappedDEK: bundle.WrappedDEK,
		Nonce:      bundle.WrapNonce,
		Version:    bundle.Version,
	})
	if err != nil && !errors.Is(err, transport.ErrInvalidState) {
		return models.DEKBundle{}, fmt.Errorf("upload wrapped dek: %w", err)
	}
	return bundle, nil
}

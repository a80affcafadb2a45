package pairing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"secure-comm/go-backend/internal/crypto"
	"secure-comm/go-backend/internal/dek"
	"secure-comm/go-backend/internal/platform/metrics"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

var ErrDeviceKeyMismatch = errors.New("pairing: new device key does not match the scanned session")

type DEKWrapper interface {
	WrapForDevice(devicePub *[crypto.KeySize]byte, kp models.EncryptionKeyPair) (dek.Wrapped, error)
}

// Initiator runs the existing-device side of pairing.
type Initiator struct {
	deviceID string
	keys     models.EncryptionKeyPair
	dek      DEKWrapper
	remote   transport.PairingAPI
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func NewInitiator(deviceID string, keys models.EncryptionKeyPair, wrapper DEKWrapper, remote transport.PairingAPI, logger *slog.Logger, m *metrics.Metrics) *Initiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Initiator{
		deviceID: deviceID,
		keys:     keys,
		dek:      wrapper,
		remote:   remote,
		logger:   logger.With("component", "pairing", "role", "initiator"),
		metrics:  m,
	}
}

func (i *Initiator) Initiate(ctx context.Context) (QRPayload, error) {
	init, err := i.remote.InitPairing(ctx, i.deviceID)
	if err != nil {
		return QRPayload{}, fmt.Errorf("init pairing: %w", err)
	}
	i.metrics.PairingTransition(string(models.PairingPending))
	return QRPayload{
		Type:               QRType,
		Token:              init.Token,
		Challenge:          init.Challenge,
		ExpiresAt:          init.ExpiresAt,
		InitiatorPublicKey: append([]byte(nil), i.keys.Public[:]...),
	}, nil
}

// Approve wraps the DEK for the scanned device. newDevicePub is the key the
// user confirmed by fingerprint; it must match what the server recorded.
func (i *Initiator) Approve(ctx context.Context, token string, newDevicePub []byte) error {
	sess, err := i.remote.PairingStatus(ctx, token)
	if err != nil {
		return fmt.Errorf("pairing status: %w", err)
	}
	if sess.Status != models.PairingScanned {
		return &TransitionError{From: sess.Status, To: models.PairingApproved}
	}
	if !time.Now().Before(sess.ExpiresAt) {
		return &TransitionError{From: models.PairingExpired, To: models.PairingApproved}
	}
	if !bytes.Equal(sess.NewDevicePublicKey, newDevicePub) {
		return ErrDeviceKeyMismatch
	}
	pub, err := crypto.KeyFromBytes(newDevicePub)
	if err != nil {
		return err
	}
	w, err := i.dek.WrapForDevice(pub, i.keys)
	if err != nil {
		return fmt.Errorf("wrap dek for new device: %w", err)
	}
	if err := i.remote.ApprovePairing(ctx, token, models.PairingApproval{WrappedDEK: w.WrappedDEK, Nonce: w.Nonce, DEKVersion: w.Version}); err != nil {
		return fmt.Errorf("approve pairing: %w", err)
	}
	i.metrics.PairingTransition(string(models.PairingApproved))
	i.logger.Info("pairing approved", "new_device_id", sess.NewDeviceID, "dek_version", w.Version)
	return nil
}

func (i *Initiator) Reject(ctx context.Context, token string) error {
	if err := i.remote.RejectPairing(ctx, token); err != nil {
		return fmt.Errorf("reject pairing: %w", err)
	}
	i.metrics.PairingTransition(string(models.PairingRejected))
	return nil
}

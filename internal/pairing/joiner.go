package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"secure-comm/go-backend/internal/crypto"
	"secure-comm/go-backend/internal/dek"
	"secure-comm/go-backend/internal/identity"
	"secure-comm/go-backend/internal/platform/metrics"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

var (
	ErrChallengeMismatch   = errors.New("pairing: server challenge differs from the qr code")
	ErrFingerprintMismatch = errors.New("pairing: server fingerprint differs from this device")
	ErrNotScanned          = errors.New("pairing: token was not scanned on this device")
	ErrUnwrapFailed        = errors.New("pairing: received dek does not unwrap")
)

// JoinerRemote is the server surface a new device needs to pair.
type JoinerRemote interface {
	transport.PairingAPI
	RestoreKeys(ctx context.Context, deviceID string) (models.KeyRestore, error)
}

type DEKCache interface {
	UnwrapAndCache(w dek.Wrapped, senderPub *[crypto.KeySize]byte, kp models.EncryptionKeyPair) (models.DEKBundle, bool)
}

// Joiner runs the new-device side of pairing.
type Joiner struct {
	device  models.NewDevice
	keys    models.EncryptionKeyPair
	dek     DEKCache
	remote  JoinerRemote
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu        sync.Mutex
	scanned   map[string]QRPayload
	redeemed  map[string]struct{}
	completed map[string]struct{}
}

func NewJoiner(deviceID, name, deviceType string, keys models.EncryptionKeyPair, cache DEKCache, remote JoinerRemote, logger *slog.Logger, m *metrics.Metrics) *Joiner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Joiner{
		device: models.NewDevice{
			DeviceID:  deviceID,
			Name:      name,
			Type:      deviceType,
			PublicKey: append([]byte(nil), keys.Public[:]...),
		},
		keys:      keys,
		dek:       cache,
		remote:    remote,
		logger:    logger.With("component", "pairing", "role", "joiner"),
		metrics:   m,
		now:       time.Now,
		scanned:   make(map[string]QRPayload),
		redeemed:  make(map[string]struct{}),
		completed: make(map[string]struct{}),
	}
}

// Scan submits this device's public key. The returned fingerprint is the
// one to compare on both screens.
func (j *Joiner) Scan(ctx context.Context, qr QRPayload) (models.PairingScan, error) {
	if err := qr.Validate(j.now()); err != nil {
		return models.PairingScan{}, err
	}
	scan, err := j.remote.ScanPairing(ctx, qr.Token, j.device)
	if err != nil {
		return models.PairingScan{}, fmt.Errorf("scan pairing: %w", err)
	}
	if scan.Challenge != qr.Challenge {
		return models.PairingScan{}, ErrChallengeMismatch
	}
	if scan.Fingerprint != identity.Fingerprint(j.device.PublicKey) {
		return models.PairingScan{}, ErrFingerprintMismatch
	}
	j.mu.Lock()
	j.scanned[qr.Token] = qr
	j.mu.Unlock()
	j.metrics.PairingTransition(string(models.PairingScanned))
	return scan, nil
}

// Complete redeems an approved token. A token completes at most once on
// the server; when the handed-over DEK does not unwrap, the device's stored
// wrap is fetched instead and Complete may be called again until it does.
func (j *Joiner) Complete(ctx context.Context, token string) (models.DEKBundle, error) {
	j.mu.Lock()
	if _, done := j.completed[token]; done {
		j.mu.Unlock()
		return models.DEKBundle{}, &TransitionError{From: models.PairingCompleted, To: models.PairingCompleted}
	}
	qr, ok := j.scanned[token]
	_, redeemed := j.redeemed[token]
	j.mu.Unlock()
	if !ok {
		return models.DEKBundle{}, ErrNotScanned
	}

	var (
		bundle    models.DEKBundle
		unwrapped bool
	)
	if !redeemed {
		completion, err := j.remote.CompletePairing(ctx, token)
		if err != nil {
			return models.DEKBundle{}, fmt.Errorf("complete pairing: %w", err)
		}
		j.mu.Lock()
		j.redeemed[token] = struct{}{}
		j.mu.Unlock()
		bundle, unwrapped = j.unwrapCompletion(qr, completion)
	}
	if !unwrapped {
		var err error
		if bundle, err = j.restore(ctx); err != nil {
			return models.DEKBundle{}, err
		}
	}

	j.mu.Lock()
	j.completed[token] = struct{}{}
	delete(j.scanned, token)
	delete(j.redeemed, token)
	j.mu.Unlock()
	j.metrics.PairingTransition(string(models.PairingCompleted))
	j.logger.Info("pairing completed", "device_id", j.device.DeviceID, "dek_version", bundle.Version)
	return bundle, nil
}

func (j *Joiner) unwrapCompletion(qr QRPayload, c models.PairingCompletion) (models.DEKBundle, bool) {
	initiatorPub, err := crypto.KeyFromBytes(qr.InitiatorPublicKey)
	if err != nil {
		return models.DEKBundle{}, false
	}
	return j.dek.UnwrapAndCache(dek.Wrapped{
		WrappedDEK: c.WrappedDEK,
		Nonce:      c.Nonce,
		Version:    c.DEKVersion,
	}, initiatorPub, j.keys)
}

// restore unwraps the DEK the server keeps for this device, sealed by the
// approving device's key.
func (j *Joiner) restore(ctx context.Context) (models.DEKBundle, error) {
	r, err := j.remote.RestoreKeys(ctx, j.device.DeviceID)
	if err != nil {
		return models.DEKBundle{}, fmt.Errorf("%w: restore keys: %v", ErrUnwrapFailed, err)
	}
	sender, err := crypto.KeyFromBytes(r.WrappedDEK.SenderPublicKey)
	if err != nil {
		return models.DEKBundle{}, fmt.Errorf("%w: sender key: %v", ErrUnwrapFailed, err)
	}
	bundle, ok := j.dek.UnwrapAndCache(dek.Wrapped{
		WrappedDEK: r.WrappedDEK.WrappedDEK,
		Nonce:      r.WrappedDEK.Nonce,
		Version:    r.WrappedDEK.Version,
	}, sender, j.keys)
	if !ok {
		return models.DEKBundle{}, ErrUnwrapFailed
	}
	j.logger.Warn("pairing dek recovered from stored wrap", "dek_version", bundle.Version)
	return bundle, nil
}

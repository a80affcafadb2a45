// Package revocation revokes devices and rotates the data encryption key so
// that a revoked device loses access to anything written afterwards.
package revocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"secure-comm/go-backend/internal/crypto"
	"secure-comm/go-backend/internal/dek"
	"secure-comm/go-backend/internal/platform/metrics"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/internal/vault"
	"secure-comm/go-backend/pkg/models"
)

var (
	ErrPrimaryDevice = errors.New("revocation: primary device cannot be revoked while other devices are active")
	ErrLastDevice    = errors.New("revocation: cannot revoke the only active device")
	ErrSelfRevoke    = errors.New("revocation: a device cannot revoke itself")
	ErrUnknownDevice = errors.New("revocation: device is not active")

	errRejected = errors.New("server did not accept rewrapped key")
)

type Keyring interface {
	Active() (models.DEKBundle, error)
	GenerateAndWrap(kp models.EncryptionKeyPair, version int) (models.DEKBundle, error)
	WrapForDevice(devicePub *[crypto.KeySize]byte, kp models.EncryptionKeyPair) (dek.Wrapped, error)
	Retire(version int) error
}

type Remote interface {
	transport.DeviceAPI
	transport.DEKAPI
	transport.SessionKeyAPI
}

// Result describes one revocation or rotation. Failures lists session-key
// entries that stayed on the old DEK; the old DEK is kept while any exist.
type Result struct {
	RevokedDeviceID string
	DEKRotated      bool
	OldVersion      int
	NewVersion      int
	Rewrapped       int
	Failures        []vault.EntryFailure
	// DeviceFailures lists active devices that did not receive the new DEK.
	DeviceFailures []string
	OldRetired     bool
}

type Orchestrator struct {
	deviceID string
	keys     models.EncryptionKeyPair
	ring     Keyring
	remote   Remote
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

func New(deviceID string, keys models.EncryptionKeyPair, ring Keyring, remote Remote, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deviceID: deviceID,
		keys:     keys,
		ring:     ring,
		remote:   remote,
		logger:   logger.With("component", "revocation"),
		metrics:  m,
	}
}

// Revoke deauthorizes deviceID and, when rotate is set, moves every session
// key to a fresh DEK. Callers serialize this against other key mutations.
func (o *Orchestrator) Revoke(ctx context.Context, deviceID, reason string, rotate bool) (Result, error) {
	if deviceID == o.deviceID {
		return Result{}, ErrSelfRevoke
	}
	devices, err := o.remote.ListDevices(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("list devices: %w", err)
	}
	if err := checkRevocable(devices, deviceID); err != nil {
		return Result{}, err
	}

	res, err := o.remote.RevokeDevice(ctx, models.RevokeRequest{
		DeviceID:        deviceID,
		RevokedByDevice: o.deviceID,
		Reason:          reason,
		RotateDEK:       rotate,
	})
	if err != nil {
		return Result{}, fmt.Errorf("revoke device: %w", err)
	}
	o.logger.Info("device revoked", "target_device_id", deviceID, "rotate", rotate)
	if !rotate {
		return Result{RevokedDeviceID: deviceID}, nil
	}
	out, err := o.Rotate(ctx, res.NewVersion)
	out.RevokedDeviceID = deviceID
	return out, err
}

func checkRevocable(devices []models.DeviceRecord, target string) error {
	active := 0
	var found *models.DeviceRecord
	for i := range devices {
		if !devices[i].IsActive {
			continue
		}
		active++
		if devices[i].DeviceID == target {
			found = &devices[i]
		}
	}
	switch {
	case found == nil:
		return ErrUnknownDevice
	case active == 1:
		return ErrLastDevice
	case found.IsPrimary:
		return ErrPrimaryDevice
	}
	return nil
}

// Rotate generates DEK newVersion (or active+1 when newVersion is not ahead),
// rewraps every entry tagged with the old version and redistributes the new
// DEK to the remaining active devices.
func (o *Orchestrator) Rotate(ctx context.Context, newVersion int) (Result, error) {
	old, err := o.ring.Active()
	if err != nil {
		return Result{}, err
	}
	oldKey := old.DEK
	defer crypto.Zero(oldKey[:])
	if newVersion <= old.Version {
		newVersion = old.Version + 1
	}
	res := Result{DEKRotated: true, OldVersion: old.Version, NewVersion: newVersion}

	entries, err := o.remote.GetAllSessionKeys(ctx)
	if err != nil {
		return res, fmt.Errorf("get all session keys: %w", err)
	}
	pending := entries[:0:0]
	for _, e := range entries {
		if e.DEKVersion == old.Version {
			pending = append(pending, e)
		}
	}

	bundle, err := o.ring.GenerateAndWrap(o.keys, newVersion)
	if err != nil {
		return res, fmt.Errorf("generate dek: %w", err)
	}
	newKey := bundle.DEK
	defer crypto.Zero(newKey[:])
	rewrapped, failures := vault.RewrapEntries(pending, &oldKey, &newKey)
	res.Failures = failures

	if err := o.remote.StoreWrappedDEK(ctx, models.WrappedDEK{
		DeviceID:   o.deviceID,
		WrappedDEK: bundle.WrappedDEK,
		Nonce:      bundle.WrapNonce,
		Version:    bundle.Version,
	}); err != nil {
		return res, fmt.Errorf("upload wrapped dek: %w", err)
	}
	if len(rewrapped) > 0 {
		n, err := o.remote.RewrapSessionKeys(ctx, old.Version, newVersion, rewrapped)
		if err != nil {
			return res, fmt.Errorf("upload rewrapped keys: %w", err)
		}
		res.Rewrapped = n
		if n != len(rewrapped) {
			res.Failures = append(res.Failures, o.unaccepted(ctx, rewrapped, old.Version)...)
		}
	}
	res.DeviceFailures = o.distribute(ctx)

	o.metrics.DEKRotated()
	o.metrics.RewrapFailures(len(res.Failures))
	if len(res.Failures) == 0 {
		if err := o.ring.Retire(old.Version); err != nil {
			return res, fmt.Errorf("retire dek v%d: %w", old.Version, err)
		}
		res.OldRetired = true
	} else {
		o.logger.Warn("rotation left entries on old dek", "dek_version", old.Version, "failed", len(res.Failures))
	}
	o.logger.Info("dek rotated", "old_dek_version", old.Version, "new_dek_version", newVersion, "rewrapped", res.Rewrapped)
	return res, nil
}

func (o *Orchestrator) distribute(ctx context.Context) []string {
	devices, err := o.remote.ListDevices(ctx)
	if err != nil {
		o.logger.Warn("list devices for dek distribution failed", "error", err)
		return nil
	}
	var failed []string
	for _, d := range devices {
		if !d.IsActive || d.DeviceID == o.deviceID {
			continue
		}
		pub, err := crypto.KeyFromBytes(d.PublicKey)
		if err == nil {
			var w dek.Wrapped
			w, err = o.ring.WrapForDevice(pub, o.keys)
			if err == nil {
				err = o.remote.StoreWrappedDEK(ctx, models.WrappedDEK{
					DeviceID:        d.DeviceID,
					WrappedDEK:      w.WrappedDEK,
					Nonce:           w.Nonce,
					Version:         w.Version,
					SenderPublicKey: append([]byte(nil), o.keys.Public[:]...),
				})
			}
		}
		if err != nil {
			o.logger.Warn("dek distribution failed", "device_id", d.DeviceID, "error", err)
			failed = append(failed, d.DeviceID)
		}
	}
	return failed
}

// unaccepted finds rewrapped entries the server still holds under version.
func (o *Orchestrator) unaccepted(ctx context.Context, sent []models.RewrappedKey, version int) []vault.EntryFailure {
	entries, err := o.remote.GetAllSessionKeys(ctx)
	ids := make(map[string]struct{}, len(sent))
	for _, k := range sent {
		ids[k.ID] = struct{}{}
	}
	var out []vault.EntryFailure
	if err != nil {
		for id := range ids {
			out = append(out, vault.EntryFailure{EntryID: id, DEKVersion: version, Err: err})
		}
		return out
	}
	for _, e := range entries {
		if _, ok := ids[e.ID]; ok && e.DEKVersion == version {
			out = append(out, vault.EntryFailure{EntryID: e.ID, ConversationID: e.ConversationID, DEKVersion: version, Err: errRejected})
		}
	}
	return out
}

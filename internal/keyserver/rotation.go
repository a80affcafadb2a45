package keyserver

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"secure-comm/go-backend/internal/identity"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

// RotateDeviceKey swaps a device's public key and its wrapped DEK in one step.
// The wrap must be for the current DEK version.
func (u *UserView) RotateDeviceKey(_ context.Context, r models.KeyRotation) (models.DeviceRecord, error) {
	if strings.TrimSpace(r.DeviceID) == "" || len(r.NewPublicKey) != 32 {
		return models.DeviceRecord{}, fmt.Errorf("%w: device id and 32-byte public key required", transport.ErrInvalidRequest)
	}
	if len(r.WrappedDEK) == 0 || len(r.Nonce) != 24 || r.DEKVersion <= 0 {
		return models.DeviceRecord{}, fmt.Errorf("%w: malformed wrapped dek", transport.ErrInvalidRequest)
	}
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	dev, ok := st.activeDevice(r.DeviceID)
	if !ok {
		return models.DeviceRecord{}, fmt.Errorf("%w: device is not authorized", transport.ErrForbidden)
	}
	if r.DEKVersion != st.dekVersion {
		return models.DeviceRecord{}, fmt.Errorf("%w: server has dek v%d, rotation sent v%d", transport.ErrInvalidState, st.dekVersion, r.DEKVersion)
	}
	if bytes.Equal(dev.PublicKey, r.NewPublicKey) {
		return models.DeviceRecord{}, fmt.Errorf("%w: public key unchanged", transport.ErrInvalidRequest)
	}

	now := m.now().UTC()
	oldFingerprint := dev.Fingerprint
	dev.PublicKey = append([]byte(nil), r.NewPublicKey...)
	dev.Fingerprint = identity.Fingerprint(r.NewPublicKey)
	st.wrapped[dev.DeviceID] = models.WrappedDEK{
		DeviceID:   dev.DeviceID,
		WrappedDEK: append([]byte(nil), r.WrappedDEK...),
		Nonce:      append([]byte(nil), r.Nonce...),
		Version:    r.DEKVersion,
		CreatedAt:  now,
	}
	st.rotations = append(st.rotations, models.KeyRotationLogEntry{
		DeviceID:       dev.DeviceID,
		OldFingerprint: oldFingerprint,
		NewFingerprint: dev.Fingerprint,
		DEKVersion:     r.DEKVersion,
		CreatedAt:      now,
	})
	m.logger.Info("device key rotated", "username", u.user, "device_id", dev.DeviceID, "dek_version", r.DEKVersion)
	return cloneDevice(*dev), nil
}

func (u *UserView) KeyRotationHistory(_ context.Context) ([]models.KeyRotationLogEntry, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	return append([]models.KeyRotationLogEntry(nil), st.rotations...), nil
}

func (u *UserView) KeyInfo(_ context.Context, deviceID string) (models.KeyInfo, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	dev, ok := st.devices[deviceID]
	if !ok {
		return models.KeyInfo{}, fmt.Errorf("%w: device %s", transport.ErrNotFound, deviceID)
	}
	info := models.KeyInfo{
		DeviceID:       dev.DeviceID,
		Fingerprint:    dev.Fingerprint,
		DEKVersion:     st.dekVersion,
		ProfileVersion: len(st.profiles),
		TotalRotations: len(st.rotations),
	}
	if n := len(st.rotations); n > 0 {
		info.LastRotationAt = st.rotations[n-1].CreatedAt
	}
	return info, nil
}

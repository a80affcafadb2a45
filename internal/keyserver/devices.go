package keyserver

import (
	"context"
	"fmt"
	"strings"

	"secure-comm/go-backend/internal/identity"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

// UserView implements transport.Server for a single user.
type UserView struct {
	srv  *Memory
	user string
}

var _ transport.Server = (*UserView)(nil)

func (u *UserView) RegisterDevice(_ context.Context, device models.NewDevice) (models.DeviceRecord, error) {
	if err := validateNewDevice(device); err != nil {
		return models.DeviceRecord{}, err
	}
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	rec, err := m.registerLocked(st, device)
	if err != nil {
		return models.DeviceRecord{}, err
	}
	m.logger.Info("device registered", "username", u.user, "device_id", rec.DeviceID, "primary", rec.IsPrimary)
	return cloneDevice(*rec), nil
}

func validateNewDevice(d models.NewDevice) error {
	if strings.TrimSpace(d.DeviceID) == "" {
		return fmt.Errorf("%w: device id required", transport.ErrInvalidRequest)
	}
	if len(d.PublicKey) != 32 {
		return fmt.Errorf("%w: device public key must be 32 bytes", transport.ErrInvalidRequest)
	}
	return nil
}

func (m *Memory) registerLocked(st *userState, device models.NewDevice) (*models.DeviceRecord, error) {
	if existing, ok := st.devices[device.DeviceID]; ok {
		if !existing.IsActive {
			return nil, fmt.Errorf("%w: device was revoked", transport.ErrForbidden)
		}
		if string(existing.PublicKey) != string(device.PublicKey) {
			return nil, fmt.Errorf("%w: device key cannot change", transport.ErrForbidden)
		}
		existing.Name, existing.Type = device.Name, device.Type
		return existing, nil
	}
	rec := &models.DeviceRecord{
		DeviceID:     device.DeviceID,
		Name:         device.Name,
		Type:         device.Type,
		PublicKey:    append([]byte(nil), device.PublicKey...),
		Fingerprint:  identity.Fingerprint(device.PublicKey),
		IsPrimary:    len(st.activeDevices()) == 0,
		IsActive:     true,
		AuthorizedAt: m.now().UTC(),
	}
	st.devices[rec.DeviceID] = rec
	st.deviceOrder = append(st.deviceOrder, rec.DeviceID)
	return rec, nil
}

func (u *UserView) ListDevices(_ context.Context) ([]models.DeviceRecord, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	out := make([]models.DeviceRecord, 0, len(st.deviceOrder))
	for _, id := range st.deviceOrder {
		out = append(out, cloneDevice(*st.devices[id]))
	}
	return out, nil
}

// RevokeDevice refuses to leave the account without an active device or
// without its primary.
func (u *UserView) RevokeDevice(_ context.Context, req models.RevokeRequest) (models.RevokeResult, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)

	if _, ok := st.activeDevice(req.RevokedByDevice); !ok {
		return models.RevokeResult{}, fmt.Errorf("%w: revoking device is not authorized", transport.ErrForbidden)
	}
	target, ok := st.devices[req.DeviceID]
	if !ok {
		return models.RevokeResult{}, fmt.Errorf("%w: device %s", transport.ErrNotFound, req.DeviceID)
	}
	if !target.IsActive {
		return models.RevokeResult{}, fmt.Errorf("%w: device already revoked", transport.ErrInvalidState)
	}
	active := st.activeDevices()
	if len(active) == 1 {
		return models.RevokeResult{}, fmt.Errorf("%w: cannot revoke the only active device", transport.ErrForbidden)
	}
	if target.IsPrimary {
		return models.RevokeResult{}, fmt.Errorf("%w: cannot revoke the primary device while others are active", transport.ErrForbidden)
	}

	now := m.now().UTC()
	target.IsActive = false
	target.RevokedAt = now
	target.RevokeReason = req.Reason
	delete(st.wrapped, target.DeviceID)

	res := models.RevokeResult{DEKRotated: req.RotateDEK}
	entry := models.RevocationLogEntry{
		RevokedDeviceID:   target.DeviceID,
		RevokedDeviceName: target.Name,
		RevokedByDeviceID: req.RevokedByDevice,
		Reason:            req.Reason,
		DEKRotated:        req.RotateDEK,
		CreatedAt:         now,
	}
	if req.RotateDEK {
		res.NewVersion = st.dekVersion + 1
		entry.OldDEKVersion = st.dekVersion
		entry.NewDEKVersion = res.NewVersion
	}
	st.revocations = append(st.revocations, entry)
	m.logger.Info("device revoked", "username", u.user, "target_device_id", target.DeviceID, "rotate", req.RotateDEK)
	return res, nil
}

func (u *UserView) RevocationHistory(_ context.Context) ([]models.RevocationLogEntry, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	return append([]models.RevocationLogEntry(nil), st.revocations...), nil
}

func (u *UserView) StoreWrappedDEK(_ context.Context, w models.WrappedDEK) error {
	if len(w.WrappedDEK) == 0 || len(w.Nonce) != 24 || w.Version <= 0 {
		return fmt.Errorf("%w: malformed wrapped dek", transport.ErrInvalidRequest)
	}
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	if _, ok := st.activeDevice(w.DeviceID); !ok {
		return fmt.Errorf("%w: device is not authorized", transport.ErrForbidden)
	}
	if w.Version < st.dekVersion {
		return fmt.Errorf("%w: dek v%d is older than current v%d", transport.ErrInvalidState, w.Version, st.dekVersion)
	}
	w.CreatedAt = m.now().UTC()
	st.wrapped[w.DeviceID] = w
	st.dekVersion = w.Version
	return nil
}

func (u *UserView) GetWrappedDEK(_ context.Context, deviceID string) (models.WrappedDEK, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	w, ok := st.wrapped[deviceID]
	if !ok {
		return models.WrappedDEK{}, fmt.Errorf("%w: no wrapped dek for device", transport.ErrNotFound)
	}
	return w, nil
}

func (u *UserView) RestoreKeys(_ context.Context, deviceID string) (models.KeyRestore, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	if _, ok := st.activeDevice(deviceID); !ok {
		return models.KeyRestore{DeviceAuthorized: false}, fmt.Errorf("%w: device is not authorized", transport.ErrForbidden)
	}
	w, ok := st.wrapped[deviceID]
	if !ok {
		return models.KeyRestore{DeviceAuthorized: true}, fmt.Errorf("%w: no wrapped dek for device", transport.ErrNotFound)
	}
	return models.KeyRestore{WrappedDEK: w, DeviceAuthorized: true, SessionKeyCount: len(st.sessions)}, nil
}

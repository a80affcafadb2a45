package keyserver

import (
	"context"
	"fmt"
	"time"

	"secure-comm/go-backend/internal/identity"
	"secure-comm/go-backend/internal/pairing"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

func (u *UserView) InitPairing(_ context.Context, initiatorDeviceID string) (models.PairingInit, error) {
	m := u.srv
	if ok, wait := m.limiter.Take(u.user, m.now()); !ok {
		return models.PairingInit{}, fmt.Errorf("%w: too many pairing attempts, retry in %s", transport.ErrRateLimited, wait.Round(time.Second))
	}
	token, err := pairing.NewToken()
	if err != nil {
		return models.PairingInit{}, err
	}
	challenge, err := pairing.NewChallenge()
	if err != nil {
		return models.PairingInit{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	initiator, ok := st.activeDevice(initiatorDeviceID)
	if !ok {
		return models.PairingInit{}, fmt.Errorf("%w: initiating device is not authorized", transport.ErrForbidden)
	}
	now := m.now().UTC()
	sess := &models.PairingSession{
		Token:              token,
		Challenge:          challenge,
		Status:             models.PairingPending,
		ExpiresAt:          now.Add(m.ttl),
		InitiatorDeviceID:  initiator.DeviceID,
		InitiatorPublicKey: append([]byte(nil), initiator.PublicKey...),
		CreatedAt:          now,
	}
	st.pairings[token] = sess
	m.metrics.PairingTransition(string(models.PairingPending))
	return models.PairingInit{Token: token, Challenge: challenge, ExpiresAt: sess.ExpiresAt}, nil
}

func (m *Memory) sessionLocked(st *userState, token string) (*models.PairingSession, error) {
	sess, ok := st.pairings[token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown pairing token", transport.ErrNotFound)
	}
	if pairing.Expire(sess, m.now()) {
		clearSecrets(sess)
	}
	return sess, nil
}

func (m *Memory) transitionLocked(sess *models.PairingSession, to models.PairingStatus) error {
	if err := pairing.Transition(sess, to, m.now()); err != nil {
		if pairing.IsTerminal(sess.Status) {
			clearSecrets(sess)
		}
		return err
	}
	m.metrics.PairingTransition(string(to))
	return nil
}

func clearSecrets(sess *models.PairingSession) {
	sess.WrappedDEKForNewDevice = nil
	sess.DEKWrapNonce = nil
}

func (u *UserView) ScanPairing(_ context.Context, token string, device models.NewDevice) (models.PairingScan, error) {
	if err := validateNewDevice(device); err != nil {
		return models.PairingScan{}, err
	}
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	sess, err := m.sessionLocked(st, token)
	if err != nil {
		return models.PairingScan{}, err
	}
	if _, exists := st.devices[device.DeviceID]; exists {
		return models.PairingScan{}, fmt.Errorf("%w: device already registered", transport.ErrForbidden)
	}
	if err := m.transitionLocked(sess, models.PairingScanned); err != nil {
		return models.PairingScan{}, err
	}
	sess.NewDeviceID = device.DeviceID
	sess.NewDeviceName = device.Name
	sess.NewDeviceType = device.Type
	sess.NewDevicePublicKey = append([]byte(nil), device.PublicKey...)
	sess.NewDeviceFingerprint = identity.Fingerprint(device.PublicKey)
	return models.PairingScan{Challenge: sess.Challenge, Fingerprint: sess.NewDeviceFingerprint}, nil
}

func (u *UserView) ApprovePairing(_ context.Context, token string, approval models.PairingApproval) error {
	if len(approval.WrappedDEK) == 0 || len(approval.Nonce) != 24 || approval.DEKVersion <= 0 {
		return fmt.Errorf("%w: malformed approval", transport.ErrInvalidRequest)
	}
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	sess, err := m.sessionLocked(st, token)
	if err != nil {
		return err
	}
	if _, ok := st.activeDevice(sess.InitiatorDeviceID); !ok {
		return fmt.Errorf("%w: initiating device was revoked", transport.ErrForbidden)
	}
	if err := m.transitionLocked(sess, models.PairingApproved); err != nil {
		return err
	}
	sess.WrappedDEKForNewDevice = append([]byte(nil), approval.WrappedDEK...)
	sess.DEKWrapNonce = append([]byte(nil), approval.Nonce...)
	sess.DEKVersion = approval.DEKVersion
	return nil
}

func (u *UserView) RejectPairing(_ context.Context, token string) error {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	sess, err := m.sessionLocked(st, token)
	if err != nil {
		return err
	}
	if err := m.transitionLocked(sess, models.PairingRejected); err != nil {
		return err
	}
	clearSecrets(sess)
	return nil
}

// CompletePairing registers the new device and hands out its wrapped DEK
// exactly once.
func (u *UserView) CompletePairing(_ context.Context, token string) (models.PairingCompletion, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	sess, err := m.sessionLocked(st, token)
	if err != nil {
		return models.PairingCompletion{}, err
	}
	if _, exists := st.devices[sess.NewDeviceID]; exists && sess.Status == models.PairingApproved {
		return models.PairingCompletion{}, fmt.Errorf("%w: device already registered", transport.ErrForbidden)
	}
	if err := m.transitionLocked(sess, models.PairingCompleted); err != nil {
		return models.PairingCompletion{}, err
	}
	rec, err := m.registerLocked(st, models.NewDevice{
		DeviceID:  sess.NewDeviceID,
		Name:      sess.NewDeviceName,
		Type:      sess.NewDeviceType,
		PublicKey: sess.NewDevicePublicKey,
	})
	if err != nil {
		return models.PairingCompletion{}, err
	}
	out := models.PairingCompletion{
		DeviceID:   rec.DeviceID,
		WrappedDEK: sess.WrappedDEKForNewDevice,
		Nonce:      sess.DEKWrapNonce,
		DEKVersion: sess.DEKVersion,
	}
	st.wrapped[rec.DeviceID] = models.WrappedDEK{
		DeviceID:        rec.DeviceID,
		WrappedDEK:      append([]byte(nil), out.WrappedDEK...),
		Nonce:           append([]byte(nil), out.Nonce...),
		Version:         out.DEKVersion,
		SenderPublicKey: append([]byte(nil), sess.InitiatorPublicKey...),
		CreatedAt:       m.now().UTC(),
	}
	clearSecrets(sess)
	m.logger.Info("pairing completed", "username", u.user, "new_device_id", rec.DeviceID)
	return out, nil
}

func (u *UserView) PairingStatus(_ context.Context, token string) (models.PairingSession, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	sess, err := m.sessionLocked(st, token)
	if err != nil {
		return models.PairingSession{}, err
	}
	out := *sess
	out.InitiatorPublicKey = append([]byte(nil), sess.InitiatorPublicKey...)
	out.NewDevicePublicKey = append([]byte(nil), sess.NewDevicePublicKey...)
	out.WrappedDEKForNewDevice = nil
	out.DEKWrapNonce = nil
	return out, nil
}

package keyserver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"

	"github.com/google/uuid"
)

// StoreProfile appends a new profile version; older versions stay readable.
func (u *UserView) StoreProfile(_ context.Context, p models.EncryptedProfile) (models.EncryptedProfile, error) {
	if len(p.Blob) == 0 || len(p.Nonce) != 24 || p.DEKVersion <= 0 {
		return models.EncryptedProfile{}, fmt.Errorf("%w: malformed profile", transport.ErrInvalidRequest)
	}
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	p.Version = len(st.profiles) + 1
	p.CreatedAt = m.now().UTC()
	st.profiles = append(st.profiles, p)
	return p, nil
}

func (u *UserView) GetProfile(_ context.Context) (models.EncryptedProfile, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	if len(st.profiles) == 0 {
		return models.EncryptedProfile{}, fmt.Errorf("%w: no profile", transport.ErrNotFound)
	}
	return st.profiles[len(st.profiles)-1], nil
}

func (u *UserView) ProfileVersions(_ context.Context) ([]models.EncryptedProfile, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	return append([]models.EncryptedProfile(nil), st.profiles...), nil
}

func (u *UserView) GetProfileVersion(_ context.Context, version int) (models.EncryptedProfile, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	if version <= 0 || version > len(st.profiles) {
		return models.EncryptedProfile{}, fmt.Errorf("%w: profile version %d", transport.ErrNotFound, version)
	}
	return st.profiles[version-1], nil
}

// RestoreProfileVersion appends a copy of an older version as the newest one.
func (u *UserView) RestoreProfileVersion(_ context.Context, version int) (models.EncryptedProfile, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	if version <= 0 || version > len(st.profiles) {
		return models.EncryptedProfile{}, fmt.Errorf("%w: profile version %d", transport.ErrNotFound, version)
	}
	old := st.profiles[version-1]
	restored := models.EncryptedProfile{
		Blob:        append([]byte(nil), old.Blob...),
		Nonce:       append([]byte(nil), old.Nonce...),
		DEKVersion:  old.DEKVersion,
		ContentHash: old.ContentHash,
		Version:     len(st.profiles) + 1,
		CreatedAt:   m.now().UTC(),
	}
	st.profiles = append(st.profiles, restored)
	m.logger.Info("profile restored", "username", u.user, "from_version", version, "version", restored.Version)
	return restored, nil
}

func (u *UserView) StoreMetadata(_ context.Context, meta models.EncryptedMetadata) (models.EncryptedMetadata, error) {
	meta.Type = strings.TrimSpace(meta.Type)
	if meta.Type == "" || len(meta.Blob) == 0 || len(meta.Nonce) != 24 {
		return models.EncryptedMetadata{}, fmt.Errorf("%w: malformed metadata", transport.ErrInvalidRequest)
	}
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	meta.Version = st.metadata[meta.Type].Version + 1
	meta.UpdatedAt = m.now().UTC()
	st.metadata[meta.Type] = meta
	return meta, nil
}

func (u *UserView) GetMetadata(_ context.Context, metaType string) (models.EncryptedMetadata, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	meta, ok := st.metadata[strings.TrimSpace(metaType)]
	if !ok {
		return models.EncryptedMetadata{}, fmt.Errorf("%w: no metadata of type %q", transport.ErrNotFound, metaType)
	}
	return meta, nil
}

// ListMetadata returns the latest version of every metadata type.
func (u *UserView) ListMetadata(_ context.Context) ([]models.EncryptedMetadata, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	out := make([]models.EncryptedMetadata, 0, len(st.metadata))
	for _, meta := range st.metadata {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (u *UserView) CreateBackup(_ context.Context, p models.BackupPayload) (models.BackupPayload, error) {
	if len(p.EncryptedData) == 0 || len(p.KDFSalt) == 0 || p.ContentHash == "" || len(p.WrappedDEK) == 0 {
		return models.BackupPayload{}, fmt.Errorf("%w: malformed backup", transport.ErrInvalidRequest)
	}
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	for _, b := range st.backups {
		if b.ID == p.ID {
			return models.BackupPayload{}, fmt.Errorf("%w: backup id exists", transport.ErrInvalidState)
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now().UTC()
	}
	st.backups = append(st.backups, p)
	return p, nil
}

func (u *UserView) GetBackup(_ context.Context, id string) (models.BackupPayload, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	for i := len(st.backups) - 1; i >= 0; i-- {
		if id == "" || st.backups[i].ID == id {
			return st.backups[i], nil
		}
	}
	return models.BackupPayload{}, fmt.Errorf("%w: backup %q", transport.ErrNotFound, id)
}

func (u *UserView) ListBackups(_ context.Context) ([]models.BackupPayload, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	return append([]models.BackupPayload(nil), st.backups...), nil
}

func (u *UserView) DeleteBackup(_ context.Context, id string) error {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	for i, b := range st.backups {
		if b.ID == id {
			st.backups = append(st.backups[:i], st.backups[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: backup %q", transport.ErrNotFound, id)
}

func (u *UserView) StoreRecoveryBackup(_ context.Context, b models.RecoveryBackup) error {
	if len(b.EncryptedDEK) == 0 || len(b.KDFSalt) == 0 || b.DEKVersion <= 0 {
		return fmt.Errorf("%w: malformed recovery backup", transport.ErrInvalidRequest)
	}
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	b.CreatedAt = m.now().UTC()
	st.recovery = &b
	return nil
}

func (u *UserView) GetRecoveryBackup(_ context.Context) (models.RecoveryBackup, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	if st.recovery == nil {
		return models.RecoveryBackup{}, fmt.Errorf("%w: no recovery backup", transport.ErrNotFound)
	}
	return *st.recovery, nil
}

func (u *UserView) RecoveryStatus(_ context.Context) (models.RecoveryStatus, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	if st.recovery == nil {
		return models.RecoveryStatus{}, nil
	}
	return models.RecoveryStatus{
		HasRecoveryBackup: true,
		DEKVersion:        st.recovery.DEKVersion,
		CreatedAt:         st.recovery.CreatedAt,
	}, nil
}

// DeleteRecoveryBackup drops the recovery backup, typically after a
// password change.
func (u *UserView) DeleteRecoveryBackup(_ context.Context) (int, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	if st.recovery == nil {
		return 0, nil
	}
	st.recovery = nil
	return 1, nil
}

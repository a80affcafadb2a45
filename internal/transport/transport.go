// Package transport is the boundary to the key server. Only wrapped blobs,
// public keys and metadata cross it.
package transport

import (
	"context"
	"errors"

	"secure-comm/go-backend/pkg/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidState   = errors.New("invalid state")
	ErrInvalidRequest = errors.New("invalid request")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnavailable    = errors.New("server unavailable")
)

type DeviceAPI interface {
	RegisterDevice(ctx context.Context, device models.NewDevice) (models.DeviceRecord, error)
	ListDevices(ctx context.Context) ([]models.DeviceRecord, error)
	RevokeDevice(ctx context.Context, req models.RevokeRequest) (models.RevokeResult, error)
	RevocationHistory(ctx context.Context) ([]models.RevocationLogEntry, error)
}

type PairingAPI interface {
	InitPairing(ctx context.Context, initiatorDeviceID string) (models.PairingInit, error)
	ScanPairing(ctx context.Context, token string, device models.NewDevice) (models.PairingScan, error)
	ApprovePairing(ctx context.Context, token string, approval models.PairingApproval) error
	RejectPairing(ctx context.Context, token string) error
	CompletePairing(ctx context.Context, token string) (models.PairingCompletion, error)
	PairingStatus(ctx context.Context, token string) (models.PairingSession, error)
}

type DEKAPI interface {
	StoreWrappedDEK(ctx context.Context, wrapped models.WrappedDEK) error
	GetWrappedDEK(ctx context.Context, deviceID string) (models.WrappedDEK, error)
	RestoreKeys(ctx context.Context, deviceID string) (models.KeyRestore, error)
	RotateDeviceKey(ctx context.Context, rotation models.KeyRotation) (models.DeviceRecord, error)
	KeyRotationHistory(ctx context.Context) ([]models.KeyRotationLogEntry, error)
	KeyInfo(ctx context.Context, deviceID string) (models.KeyInfo, error)
}

type SessionKeyAPI interface {
	StoreSessionKey(ctx context.Context, entry models.SessionKeyEntry) (models.SessionKeyEntry, error)
	GetSessionKeys(ctx context.Context, conversationID string) ([]models.SessionKeyEntry, error)
	GetAllSessionKeys(ctx context.Context) ([]models.SessionKeyEntry, error)
	RewrapSessionKeys(ctx context.Context, oldVersion, newVersion int, keys []models.RewrappedKey) (int, error)
}

type ProfileAPI interface {
	StoreProfile(ctx context.Context, profile models.EncryptedProfile) (models.EncryptedProfile, error)
	GetProfile(ctx context.Context) (models.EncryptedProfile, error)
	ProfileVersions(ctx context.Context) ([]models.EncryptedProfile, error)
	GetProfileVersion(ctx context.Context, version int) (models.EncryptedProfile, error)
	RestoreProfileVersion(ctx context.Context, version int) (models.EncryptedProfile, error)
	StoreMetadata(ctx context.Context, meta models.EncryptedMetadata) (models.EncryptedMetadata, error)
	GetMetadata(ctx context.Context, metaType string) (models.EncryptedMetadata, error)
	ListMetadata(ctx context.Context) ([]models.EncryptedMetadata, error)
}

type BackupAPI interface {
	CreateBackup(ctx context.Context, payload models.BackupPayload) (models.BackupPayload, error)
	GetBackup(ctx context.Context, id string) (models.BackupPayload, error)
	ListBackups(ctx context.Context) ([]models.BackupPayload, error)
	DeleteBackup(ctx context.Context, id string) error
	StoreRecoveryBackup(ctx context.Context, backup models.RecoveryBackup) error
	GetRecoveryBackup(ctx context.Context) (models.RecoveryBackup, error)
	RecoveryStatus(ctx context.Context) (models.RecoveryStatus, error)
	// DeleteRecoveryBackup reports how many recovery backups were removed.
	DeleteRecoveryBackup(ctx context.Context) (int, error)
}

// Server is the full key-server contract for one authenticated user.
type Server interface {
	DeviceAPI
	PairingAPI
	DEKAPI
	SessionKeyAPI
	ProfileAPI
	BackupAPI
}

package models

import (
	"crypto/ed25519"
	"strings"
	"time"
)

const DEKAlgorithm = "x25519-xsalsa20-poly1305"

type IdentityKeyPair struct {
	Public  ed25519.PublicKey  `json:"public"`
	Private ed25519.PrivateKey `json:"private"`
}

type EncryptionKeyPair struct {
	Public  [32]byte `json:"public"`
	Private [32]byte `json:"private"`
}

// DEKBundle is the active data-encryption key of a user. DEK never leaves the
// process except through the local secure store.
type DEKBundle struct {
	DEK        [32]byte  `json:"-"`
	WrappedDEK []byte    `json:"wrapped_dek"`
	WrapNonce  []byte    `json:"wrap_nonce"`
	Version    int       `json:"version"`
	Algorithm  string    `json:"algorithm"`
	CreatedAt  time.Time `json:"created_at"`
}

// WrappedDEK is the per-device wrap of a DEK as held by the server.
// SenderPublicKey is the X25519 key of the device that produced the wrap;
// empty means self-encryption.
type WrappedDEK struct {
	DeviceID        string    `json:"device_id"`
	WrappedDEK      []byte    `json:"wrapped_dek"`
	Nonce           []byte    `json:"nonce"`
	Version         int       `json:"version"`
	SenderPublicKey []byte    `json:"sender_public_key,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

type SessionKeyEntry struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	WrappedSessionKey []byte    `json:"wrapped_session_key"`
	Nonce             []byte    `json:"nonce"`
	DEKVersion        int       `json:"dek_version"`
	KeyVersion        int       `json:"key_version"`
	FirstMessageID    *int64    `json:"first_message_id,omitempty"`
	LastMessageID     *int64    `json:"last_message_id,omitempty"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
}

// Covers reports whether messageID falls inside the entry's inclusive range.
// Open ends are unbounded.
func (e SessionKeyEntry) Covers(messageID int64) bool {
	if e.FirstMessageID != nil && messageID < *e.FirstMessageID {
		return false
	}
	if e.LastMessageID != nil && messageID > *e.LastMessageID {
		return false
	}
	return true
}

type RewrappedKey struct {
	ID                string `json:"id"`
	WrappedSessionKey []byte `json:"wrapped_session_key"`
	Nonce             []byte `json:"nonce"`
}

type NewDevice struct {
	DeviceID  string `json:"device_id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	PublicKey []byte `json:"public_key"`
}

type DeviceRecord struct {
	DeviceID     string    `json:"device_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	PublicKey    []byte    `json:"public_key"`
	Fingerprint  string    `json:"fingerprint"`
	IsPrimary    bool      `json:"is_primary"`
	IsActive     bool      `json:"is_active"`
	AuthorizedAt time.Time `json:"authorized_at"`
	RevokedAt    time.Time `json:"revoked_at,omitempty"`
	RevokeReason string    `json:"revoke_reason,omitempty"`
}

type PairingStatus string

const (
	PairingPending   PairingStatus = "pending"
	PairingScanned   PairingStatus = "scanned"
	PairingApproved  PairingStatus = "approved"
	PairingCompleted PairingStatus = "completed"
	PairingExpired   PairingStatus = "expired"
	PairingRejected  PairingStatus = "rejected"
)

func NormalizePairingStatus(raw string) PairingStatus {
	switch s := PairingStatus(strings.ToLower(strings.TrimSpace(raw))); s {
	case PairingPending, PairingScanned, PairingApproved, PairingCompleted, PairingExpired, PairingRejected:
		return s
	default:
		return ""
	}
}

type PairingSession struct {
	Token                  string        `json:"token"`
	Challenge              string        `json:"challenge"`
	Status                 PairingStatus `json:"status"`
	ExpiresAt              time.Time     `json:"expires_at"`
	InitiatorDeviceID      string        `json:"initiator_device_id"`
	InitiatorPublicKey     []byte        `json:"initiator_public_key,omitempty"`
	NewDeviceID            string        `json:"new_device_id,omitempty"`
	NewDeviceName          string        `json:"new_device_name,omitempty"`
	NewDeviceType          string        `json:"new_device_type,omitempty"`
	NewDevicePublicKey     []byte        `json:"new_device_public_key,omitempty"`
	NewDeviceFingerprint   string        `json:"new_device_fingerprint,omitempty"`
	WrappedDEKForNewDevice []byte        `json:"wrapped_dek_for_new_device,omitempty"`
	DEKWrapNonce           []byte        `json:"dek_wrap_nonce,omitempty"`
	DEKVersion             int           `json:"dek_version,omitempty"`
	CreatedAt              time.Time     `json:"created_at"`
}

type PairingInit struct {
	Token     string    `json:"token"`
	Challenge string    `json:"challenge"`
	ExpiresAt time.Time `json:"expires_at"`
}

type PairingScan struct {
	Challenge   string `json:"challenge"`
	Fingerprint string `json:"fingerprint"`
}

type PairingApproval struct {
	WrappedDEK []byte `json:"wrapped_dek"`
	Nonce      []byte `json:"nonce"`
	DEKVersion int    `json:"dek_version"`
}

type PairingCompletion struct {
	DeviceID   string `json:"device_id"`
	WrappedDEK []byte `json:"wrapped_dek"`
	Nonce      []byte `json:"nonce"`
	DEKVersion int    `json:"dek_version"`
}

type RevokeRequest struct {
	DeviceID        string `json:"device_id"`
	RevokedByDevice string `json:"revoked_by_device"`
	Reason          string `json:"reason,omitempty"`
	RotateDEK       bool   `json:"rotate_dek"`
}

type RevokeResult struct {
	DEKRotated bool `json:"dek_rotated"`
	NewVersion int  `json:"new_version,omitempty"`
}

type RevocationLogEntry struct {
	RevokedDeviceID   string    `json:"revoked_device_id"`
	RevokedDeviceName string    `json:"revoked_device_name"`
	RevokedByDeviceID string    `json:"revoked_by_device_id"`
	Reason            string    `json:"reason,omitempty"`
	DEKRotated        bool      `json:"dek_rotated"`
	OldDEKVersion     int       `json:"old_dek_version,omitempty"`
	NewDEKVersion     int       `json:"new_dek_version,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

type KeyRestore struct {
	WrappedDEK       WrappedDEK `json:"wrapped_dek"`
	DeviceAuthorized bool       `json:"device_authorized"`
	SessionKeyCount  int        `json:"session_key_count"`
}

type EncryptedProfile struct {
	Blob        []byte    `json:"blob"`
	Nonce       []byte    `json:"nonce"`
	DEKVersion  int       `json:"dek_version"`
	ContentHash string    `json:"content_hash"`
	Version     int       `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
}

type EncryptedMetadata struct {
	Type       string    `json:"type"`
	Blob       []byte    `json:"blob"`
	Nonce      []byte    `json:"nonce"`
	DEKVersion int       `json:"dek_version"`
	Version    int       `json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const (
	KDFPBKDF2SHA256 = "pbkdf2-sha256"
)

type BackupPayload struct {
	ID            string    `json:"id"`
	EncryptedData []byte    `json:"encrypted_data"`
	Nonce         []byte    `json:"nonce"`
	WrappedDEK    []byte    `json:"wrapped_dek"`
	DEKWrapNonce  []byte    `json:"dek_wrap_nonce"`
	ContentHash   string    `json:"content_hash"`
	KDFSalt       []byte    `json:"kdf_salt"`
	KDFIterations int       `json:"kdf_iterations"`
	KDFAlgorithm  string    `json:"kdf_algorithm"`
	DEKVersion    int       `json:"dek_version"`
	DeviceID      string    `json:"device_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type RecoveryBackup struct {
	EncryptedDEK  []byte    `json:"encrypted_dek"`
	Nonce         []byte    `json:"nonce"`
	Algorithm     string    `json:"algorithm"`
	KDFSalt       []byte    `json:"kdf_salt"`
	KDFAlgorithm  string    `json:"kdf_algorithm"`
	KDFIterations int       `json:"kdf_iterations"`
	DEKVersion    int       `json:"dek_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// KeyRotation replaces a device's encryption key. The DEK itself does not
// change; WrappedDEK is the same DEK sealed under the new key.
type KeyRotation struct {
	DeviceID     string `json:"device_id"`
	NewPublicKey []byte `json:"new_public_key"`
	WrappedDEK   []byte `json:"wrapped_dek"`
	Nonce        []byte `json:"nonce"`
	DEKVersion   int    `json:"dek_version"`
}

type KeyRotationLogEntry struct {
	DeviceID       string    `json:"device_id"`
	OldFingerprint string    `json:"old_fingerprint"`
	NewFingerprint string    `json:"new_fingerprint"`
	DEKVersion     int       `json:"dek_version"`
	CreatedAt      time.Time `json:"created_at"`
}

// KeyInfo summarizes a device's place in the key hierarchy.
type KeyInfo struct {
	DeviceID       string    `json:"device_id"`
	Fingerprint    string    `json:"fingerprint"`
	DEKVersion     int       `json:"dek_version"`
	ProfileVersion int       `json:"profile_version"`
	TotalRotations int       `json:"total_rotations"`
	LastRotationAt time.Time `json:"last_rotation_at,omitempty"`
}

type RecoveryStatus struct {
	HasRecoveryBackup bool      `json:"has_recovery_backup"`
	DEKVersion        int       `json:"dek_version,omitempty"`
	CreatedAt         time.Time `json:"created_at,omitempty"`
}

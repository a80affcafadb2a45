package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/fxamacker/cbor/v2"

	"secure-comm/go-backend/pkg/models"
)

const snapshotFormat = 1

type snapshot struct {
	Format       int             `cbor:"1,keyasint"`
	DeviceID     string          `cbor:"2,keyasint"`
	DEKVersion   int             `cbor:"3,keyasint"`
	DEKAlgorithm string          `cbor:"4,keyasint"`
	Retained     []retainedKey   `cbor:"5,keyasint,omitempty"`
	Entries      []snapshotEntry `cbor:"6,keyasint"`
	CreatedAt    int64           `cbor:"7,keyasint"`
}

// retainedKey carries a superseded DEK that some entries still use.
type retainedKey struct {
	Version int    `cbor:"1,keyasint"`
	Key     []byte `cbor:"2,keyasint"`
}

type snapshotEntry struct {
	ID             string `cbor:"1,keyasint"`
	ConversationID string `cbor:"2,keyasint"`
	Wrapped        []byte `cbor:"3,keyasint"`
	Nonce          []byte `cbor:"4,keyasint"`
	DEKVersion     int    `cbor:"5,keyasint"`
	KeyVersion     int    `cbor:"6,keyasint"`
	First          *int64 `cbor:"7,keyasint,omitempty"`
	Last           *int64 `cbor:"8,keyasint,omitempty"`
	IsActive       bool   `cbor:"9,keyasint"`
	CreatedAt      int64  `cbor:"10,keyasint"`
}

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func encodeSnapshot(s snapshot) ([]byte, error) {
	return encMode.Marshal(s)
}

func decodeSnapshot(raw []byte) (snapshot, error) {
	var s snapshot
	if err := cbor.Unmarshal(raw, &s); err != nil {
		return snapshot{}, err
	}
	return s, nil
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func toSnapshotEntry(e models.SessionKeyEntry) snapshotEntry {
	return snapshotEntry{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		Wrapped:        e.WrappedSessionKey,
		Nonce:          e.Nonce,
		DEKVersion:     e.DEKVersion,
		KeyVersion:     e.KeyVersion,
		First:          e.FirstMessageID,
		Last:           e.LastMessageID,
		IsActive:       e.IsActive,
		CreatedAt:      e.CreatedAt.Unix(),
	}
}

func (s snapshotEntry) model() models.SessionKeyEntry {
	return models.SessionKeyEntry{
		ID:                s.ID,
		ConversationID:    s.ConversationID,
		WrappedSessionKey: s.Wrapped,
		Nonce:             s.Nonce,
		DEKVersion:        s.DEKVersion,
		KeyVersion:        s.KeyVersion,
		FirstMessageID:    s.First,
		LastMessageID:     s.Last,
		IsActive:          s.IsActive,
		CreatedAt:         time.Unix(s.CreatedAt, 0).UTC(),
	}
}

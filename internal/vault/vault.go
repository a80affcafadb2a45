package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"secure-comm/go-backend/internal/crypto"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"

	"github.com/google/uuid"
)

var (
	ErrInvalidConversation = errors.New("invalid conversation id")
	ErrEmptySessionKey     = errors.New("empty session key")
	ErrNoKeyForMessage     = errors.New("no session key covers message")
)

// Keyring is the subset of the DEK manager the vault needs.
type Keyring interface {
	Active() (models.DEKBundle, error)
	Key(version int) ([crypto.KeySize]byte, bool)
}

type Vault struct {
	keys   Keyring
	remote transport.SessionKeyAPI
	logger *slog.Logger
	now    func() time.Time
}

func New(keys Keyring, remote transport.SessionKeyAPI, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{keys: keys, remote: remote, logger: logger.With("component", "vault"), now: time.Now}
}

// Unwrapped is a decrypted session key with the entry it came from.
type Unwrapped struct {
	Entry models.SessionKeyEntry
	Key   []byte
}

type EntryFailure struct {
	EntryID        string
	ConversationID string
	DEKVersion     int
	Err            error
}

func (f EntryFailure) Error() string {
	return fmt.Sprintf("entry %s (dek v%d): %v", f.EntryID, f.DEKVersion, f.Err)
}

func (f EntryFailure) Unwrap() error { return f.Err }

// Result lists unwrapped eras sorted by key version plus per-entry failures.
type Result struct {
	Keys     []Unwrapped
	Failures []EntryFailure
}

// KeyForMessage picks the era whose inclusive range holds messageID.
func (r Result) KeyForMessage(messageID int64) (Unwrapped, error) {
	for i := len(r.Keys) - 1; i >= 0; i-- {
		if r.Keys[i].Entry.Covers(messageID) {
			return r.Keys[i], nil
		}
	}
	return Unwrapped{}, ErrNoKeyForMessage
}

// Current returns the active era, or the newest one when none is flagged.
func (r Result) Current() (Unwrapped, bool) {
	for i := len(r.Keys) - 1; i >= 0; i-- {
		if r.Keys[i].Entry.IsActive {
			return r.Keys[i], true
		}
	}
	if len(r.Keys) == 0 {
		return Unwrapped{}, false
	}
	return r.Keys[len(r.Keys)-1], true
}

// Wrap encrypts sessionKey under the active DEK without storing it.
func (v *Vault) Wrap(conversationID string, sessionKey []byte, keyVersion int, firstMessageID *int64) (models.SessionKeyEntry, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return models.SessionKeyEntry{}, ErrInvalidConversation
	}
	if len(sessionKey) == 0 {
		return models.SessionKeyEntry{}, ErrEmptySessionKey
	}
	bundle, err := v.keys.Active()
	if err != nil {
		return models.SessionKeyEntry{}, err
	}
	sealed, nonce, err := crypto.SealSecret(sessionKey, &bundle.DEK)
	crypto.Zero(bundle.DEK[:])
	if err != nil {
		return models.SessionKeyEntry{}, err
	}
	entry := models.SessionKeyEntry{
		ID:                uuid.NewString(),
		ConversationID:    conversationID,
		WrappedSessionKey: sealed,
		Nonce:             nonce,
		DEKVersion:        bundle.Version,
		KeyVersion:        keyVersion,
		IsActive:          true,
		CreatedAt:         v.now().UTC(),
	}
	if firstMessageID != nil {
		first := *firstMessageID
		entry.FirstMessageID = &first
	}
	return entry, nil
}

func (v *Vault) WrapAndStore(ctx context.Context, conversationID string, sessionKey []byte, keyVersion int, firstMessageID *int64) (models.SessionKeyEntry, error) {
	entry, err := v.Wrap(conversationID, sessionKey, keyVersion, firstMessageID)
	if err != nil {
		return models.SessionKeyEntry{}, err
	}
	return v.Store(ctx, entry)
}

func (v *Vault) Store(ctx context.Context, entry models.SessionKeyEntry) (models.SessionKeyEntry, error) {
	stored, err := v.remote.StoreSessionKey(ctx, entry)
	if err != nil {
		return models.SessionKeyEntry{}, fmt.Errorf("store session key: %w", err)
	}
	v.logger.Debug("session key stored", "conversation_id", entry.ConversationID, "key_version", entry.KeyVersion, "dek_version", entry.DEKVersion)
	return stored, nil
}

// GetAndUnwrap fetches every era of a conversation. Entries that fail to
// unwrap are reported and skipped.
func (v *Vault) GetAndUnwrap(ctx context.Context, conversationID string) (Result, error) {
	entries, err := v.remote.GetSessionKeys(ctx, strings.TrimSpace(conversationID))
	if err != nil {
		return Result{}, fmt.Errorf("get session keys: %w", err)
	}
	return v.Unwrap(entries), nil
}

func (v *Vault) AllEntries(ctx context.Context) ([]models.SessionKeyEntry, error) {
	entries, err := v.remote.GetAllSessionKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("get all session keys: %w", err)
	}
	return entries, nil
}

func (v *Vault) Unwrap(entries []models.SessionKeyEntry) Result {
	var res Result
	for _, e := range entries {
		key, ok := v.keys.Key(e.DEKVersion)
		if !ok {
			res.Failures = append(res.Failures, EntryFailure{EntryID: e.ID, ConversationID: e.ConversationID, DEKVersion: e.DEKVersion, Err: fmt.Errorf("dek v%d not available", e.DEKVersion)})
			continue
		}
		plain, err := crypto.OpenSecret(e.WrappedSessionKey, e.Nonce, &key)
		crypto.Zero(key[:])
		if err != nil {
			res.Failures = append(res.Failures, EntryFailure{EntryID: e.ID, ConversationID: e.ConversationID, DEKVersion: e.DEKVersion, Err: err})
			continue
		}
		res.Keys = append(res.Keys, Unwrapped{Entry: e, Key: plain})
	}
	sort.SliceStable(res.Keys, func(i, j int) bool {
		return res.Keys[i].Entry.KeyVersion < res.Keys[j].Entry.KeyVersion
	})
	if len(res.Failures) > 0 {
		v.logger.Warn("session key unwrap failures", "failed", len(res.Failures), "ok", len(res.Keys))
	}
	return res
}

// RewrapEntries re-encrypts entries from oldKey to newKey. Entries that do
// not open under oldKey are reported, never dropped silently.
func RewrapEntries(entries []models.SessionKeyEntry, oldKey, newKey *[crypto.KeySize]byte) ([]models.RewrappedKey, []EntryFailure) {
	out := make([]models.RewrappedKey, 0, len(entries))
	var failures []EntryFailure
	for _, e := range entries {
		plain, err := crypto.OpenSecret(e.WrappedSessionKey, e.Nonce, oldKey)
		if err != nil {
			failures = append(failures, EntryFailure{EntryID: e.ID, ConversationID: e.ConversationID, DEKVersion: e.DEKVersion, Err: err})
			continue
		}
		sealed, nonce, err := crypto.SealSecret(plain, newKey)
		crypto.Zero(plain)
		if err != nil {
			failures = append(failures, EntryFailure{EntryID: e.ID, ConversationID: e.ConversationID, DEKVersion: e.DEKVersion, Err: err})
			continue
		}
		out = append(out, models.RewrappedKey{ID: e.ID, WrappedSessionKey: sealed, Nonce: nonce})
	}
	return out, failures
}

// ConversationID is the order-independent id of a two-party conversation.
func ConversationID(a, b string) string {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

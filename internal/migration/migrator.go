// Package migration moves session keys from the legacy plaintext cache into
// the server-side vault.
package migration

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"secure-comm/go-backend/internal/crypto"
	"secure-comm/go-backend/internal/localstore"
	"secure-comm/go-backend/internal/platform/metrics"
	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/internal/vault"
	"secure-comm/go-backend/pkg/models"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusPartial   Status = "partial"
	StatusCompleted Status = "completed"
)

// legacyKeyVersion is the era every migrated key lands in.
const legacyKeyVersion = 1

type SessionVault interface {
	Wrap(conversationID string, sessionKey []byte, keyVersion int, firstMessageID *int64) (models.SessionKeyEntry, error)
	Store(ctx context.Context, entry models.SessionKeyEntry) (models.SessionKeyEntry, error)
	GetAndUnwrap(ctx context.Context, conversationID string) (vault.Result, error)
}

// ErrConflictingKey means the server holds a different key for the
// conversation, so the legacy secret has nowhere durable to go.
var ErrConflictingKey = errors.New("migration: conversation already has a different session key")

type Failure struct {
	Key string
	Err error
}

type Report struct {
	Status   Status
	Total    int
	Migrated int
	// Skipped counts keys the server already holds for their conversation.
	Skipped  int
	Failures []Failure
}

func (r Report) Failed() int { return len(r.Failures) }

type statusRecord struct {
	Status    Status    `json:"status"`
	Migrated  int       `json:"migrated"`
	Failed    int       `json:"failed"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Migrator struct {
	username string
	store    localstore.Store
	cache    *LegacyCache
	vault    SessionVault
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func New(username string, store localstore.Store, v SessionVault, logger *slog.Logger, m *metrics.Metrics) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{
		username: username,
		store:    store,
		cache:    NewLegacyCache(store, username),
		vault:    v,
		logger:   logger.With("component", "migration"),
		metrics:  m,
		now:      time.Now,
	}
}

func (m *Migrator) Status() (Status, error) {
	var rec statusRecord
	ok, err := localstore.GetJSON(m.store, localstore.MigrationStatusKey(m.username), &rec)
	if err != nil {
		return "", err
	}
	if !ok || rec.Status == "" {
		return StatusPending, nil
	}
	return rec.Status, nil
}

func (m *Migrator) setStatus(r Report) error {
	return localstore.SetJSON(m.store, localstore.MigrationStatusKey(m.username), statusRecord{
		Status:    r.Status,
		Migrated:  r.Migrated,
		Failed:    r.Failed(),
		UpdatedAt: m.now().UTC(),
	})
}

// entryID is stable per user and legacy key so a rerun after a partial
// migration is deduplicated by the server.
func (m *Migrator) entryID(key string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("securecomm/legacy/"+m.username+"/"+key)).String()
}

// Migrate wraps and uploads every legacy entry. The cache is wiped only when
// every secret is readable from the server; otherwise the status stays
// partial and a rerun retries.
func (m *Migrator) Migrate(ctx context.Context) (Report, error) {
	status, err := m.Status()
	if err != nil {
		return Report{}, fmt.Errorf("read migration status: %w", err)
	}
	if status == StatusCompleted {
		return Report{Status: StatusCompleted}, nil
	}
	entries, err := m.cache.Entries()
	if err != nil {
		return Report{}, err
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rep := Report{Total: len(keys)}
	seen := map[string]struct{}{}
	for _, key := range keys {
		secret := entries[key]
		err := m.migrateOne(ctx, key, secret, seen)
		crypto.Zero(secret)
		switch {
		case err == nil:
			rep.Migrated++
		case errors.Is(err, errAlreadyStored):
			rep.Skipped++
		default:
			rep.Failures = append(rep.Failures, Failure{Key: key, Err: err})
		}
	}

	rep.Status = StatusCompleted
	if rep.Failed() > 0 {
		rep.Status = StatusPartial
	} else if err := m.cache.Wipe(); err != nil {
		return rep, fmt.Errorf("wipe legacy cache: %w", err)
	}
	if err := m.setStatus(rep); err != nil {
		return rep, fmt.Errorf("write migration status: %w", err)
	}
	m.metrics.Migration(string(rep.Status))
	m.logger.Info("legacy migration finished", "status", rep.Status, "migrated", rep.Migrated, "skipped", rep.Skipped, "failed", rep.Failed())
	return rep, nil
}

var errAlreadyStored = errors.New("session key already stored")

func (m *Migrator) migrateOne(ctx context.Context, key string, secret []byte, seen map[string]struct{}) error {
	lk, err := parseLegacyKey(key)
	if err != nil {
		return err
	}
	conv := vault.ConversationID(lk.Me, lk.Peer)
	if _, dup := seen[conv]; dup {
		return m.verifyStored(ctx, conv, secret)
	}
	entry, err := m.vault.Wrap(conv, secret, legacyKeyVersion, nil)
	if err != nil {
		return err
	}
	entry.ID = m.entryID(key)
	if _, err := m.vault.Store(ctx, entry); err != nil {
		if errors.Is(err, transport.ErrInvalidRequest) {
			seen[conv] = struct{}{}
			return m.verifyStored(ctx, conv, secret)
		}
		return err
	}
	seen[conv] = struct{}{}
	return nil
}

// verifyStored reports errAlreadyStored when some era of conv on the server
// unwraps to secret, and ErrConflictingKey when none does.
func (m *Migrator) verifyStored(ctx context.Context, conv string, secret []byte) error {
	res, err := m.vault.GetAndUnwrap(ctx, conv)
	if err != nil {
		return err
	}
	found := false
	for _, k := range res.Keys {
		if subtle.ConstantTimeCompare(k.Key, secret) == 1 {
			found = true
		}
		crypto.Zero(k.Key)
	}
	if found {
		return errAlreadyStored
	}
	return ErrConflictingKey
}

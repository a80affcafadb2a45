package keyserver

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

// StoreSessionKey is idempotent by entry id. Storing an open era closes the
// conversation's previous open era just below the new first message id.
func (u *UserView) StoreSessionKey(_ context.Context, entry models.SessionKeyEntry) (models.SessionKeyEntry, error) {
	if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.ConversationID) == "" {
		return models.SessionKeyEntry{}, fmt.Errorf("%w: entry id and conversation id required", transport.ErrInvalidRequest)
	}
	if len(entry.WrappedSessionKey) == 0 || len(entry.Nonce) != 24 || entry.DEKVersion <= 0 {
		return models.SessionKeyEntry{}, fmt.Errorf("%w: malformed session key entry", transport.ErrInvalidRequest)
	}
	if entry.FirstMessageID != nil && entry.LastMessageID != nil && *entry.LastMessageID < *entry.FirstMessageID {
		return models.SessionKeyEntry{}, fmt.Errorf("%w: empty message range", transport.ErrInvalidRequest)
	}

	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)

	for _, existing := range st.sessions {
		if existing.ID == entry.ID {
			return cloneEntry(*existing), nil
		}
	}

	incoming := cloneEntry(entry)
	var closing *models.SessionKeyEntry
	var closedLast int64
	for _, existing := range st.sessions {
		if existing.ConversationID != incoming.ConversationID {
			continue
		}
		if existing.LastMessageID == nil && incoming.LastMessageID == nil {
			if incoming.FirstMessageID == nil || lower(existing) >= *incoming.FirstMessageID {
				return models.SessionKeyEntry{}, fmt.Errorf("%w: new era must start after the open era", transport.ErrInvalidRequest)
			}
			closing, closedLast = existing, *incoming.FirstMessageID-1
			continue
		}
		if overlaps(lower(existing), upper(existing), lower(&incoming), upper(&incoming)) {
			return models.SessionKeyEntry{}, fmt.Errorf("%w: message range overlaps an existing era", transport.ErrInvalidRequest)
		}
	}
	if closing != nil {
		closing.LastMessageID = &closedLast
		closing.IsActive = false
	}
	if incoming.LastMessageID != nil {
		incoming.IsActive = false
	}
	if incoming.CreatedAt.IsZero() {
		incoming.CreatedAt = m.now().UTC()
	}
	st.sessions = append(st.sessions, &incoming)
	return cloneEntry(incoming), nil
}

func lower(e *models.SessionKeyEntry) int64 {
	if e.FirstMessageID == nil {
		return math.MinInt64
	}
	return *e.FirstMessageID
}

func upper(e *models.SessionKeyEntry) int64 {
	if e.LastMessageID == nil {
		return math.MaxInt64
	}
	return *e.LastMessageID
}

func overlaps(aLo, aHi, bLo, bHi int64) bool {
	return aLo <= bHi && bLo <= aHi
}

func (u *UserView) GetSessionKeys(_ context.Context, conversationID string) ([]models.SessionKeyEntry, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	var out []models.SessionKeyEntry
	for _, e := range st.sessions {
		if e.ConversationID == conversationID {
			out = append(out, cloneEntry(*e))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].KeyVersion < out[j].KeyVersion })
	return out, nil
}

func (u *UserView) GetAllSessionKeys(_ context.Context) ([]models.SessionKeyEntry, error) {
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	out := make([]models.SessionKeyEntry, 0, len(st.sessions))
	for _, e := range st.sessions {
		out = append(out, cloneEntry(*e))
	}
	return out, nil
}

// RewrapSessionKeys replaces ciphertexts of entries still tagged oldVersion
// and returns how many were updated.
func (u *UserView) RewrapSessionKeys(_ context.Context, oldVersion, newVersion int, keys []models.RewrappedKey) (int, error) {
	if newVersion <= oldVersion {
		return 0, fmt.Errorf("%w: new dek version must be greater", transport.ErrInvalidRequest)
	}
	m := u.srv
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.stateLocked(u.user)
	byID := make(map[string]*models.SessionKeyEntry, len(st.sessions))
	for _, e := range st.sessions {
		byID[e.ID] = e
	}
	updated := 0
	for _, k := range keys {
		e, ok := byID[k.ID]
		if !ok || e.DEKVersion != oldVersion || len(k.Nonce) != 24 || len(k.WrappedSessionKey) == 0 {
			continue
		}
		e.WrappedSessionKey = append([]byte(nil), k.WrappedSessionKey...)
		e.Nonce = append([]byte(nil), k.Nonce...)
		e.DEKVersion = newVersion
		updated++
	}
	return updated, nil
}

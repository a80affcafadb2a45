// Package keyserver is an in-memory implementation of the key-server contract.
// It enforces the server-side rules the clients rely on: pairing state,
// single-use tokens, device authorization and session-key era ranges.
package keyserver

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"secure-comm/go-backend/internal/platform/metrics"
	"secure-comm/go-backend/internal/platform/ratelimiter"
	"secure-comm/go-backend/pkg/models"
)

const (
	DefaultPairingTTL        = 5 * time.Minute
	DefaultPairingInitLimit  = 5
	DefaultPairingInitWindow = time.Hour
)

type Options struct {
	PairingTTL        time.Duration
	PairingInitLimit  int
	PairingInitWindow time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
	Metrics           *metrics.Metrics
}

type Memory struct {
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
	limiter *ratelimiter.Limiter

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	devices     map[string]*models.DeviceRecord
	deviceOrder []string
	wrapped     map[string]models.WrappedDEK
	dekVersion  int
	sessions    []*models.SessionKeyEntry
	profiles    []models.EncryptedProfile
	metadata    map[string]models.EncryptedMetadata
	backups     []models.BackupPayload
	recovery    *models.RecoveryBackup
	revocations []models.RevocationLogEntry
	rotations   []models.KeyRotationLogEntry
	pairings    map[string]*models.PairingSession
}

func New(opts Options) *Memory {
	if opts.PairingTTL <= 0 {
		opts.PairingTTL = DefaultPairingTTL
	}
	if opts.PairingInitLimit <= 0 {
		opts.PairingInitLimit = DefaultPairingInitLimit
	}
	if opts.PairingInitWindow <= 0 {
		opts.PairingInitWindow = DefaultPairingInitWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Memory{
		ttl:     opts.PairingTTL,
		now:     opts.Now,
		logger:  opts.Logger.With("component", "keyserver"),
		metrics: opts.Metrics,
		limiter: ratelimiter.PerWindow(opts.PairingInitLimit, opts.PairingInitWindow),
		users:   make(map[string]*userState),
	}
}

// User returns the contract view for one authenticated user.
func (m *Memory) User(username string) *UserView {
	return &UserView{srv: m, user: strings.ToLower(strings.TrimSpace(username))}
}

func (m *Memory) stateLocked(user string) *userState {
	st, ok := m.users[user]
	if !ok {
		st = &userState{
			devices:  make(map[string]*models.DeviceRecord),
			wrapped:  make(map[string]models.WrappedDEK),
			metadata: make(map[string]models.EncryptedMetadata),
			pairings: make(map[string]*models.PairingSession),
		}
		m.users[user] = st
	}
	return st
}

func (st *userState) activeDevices() []*models.DeviceRecord {
	var out []*models.DeviceRecord
	for _, id := range st.deviceOrder {
		if d := st.devices[id]; d.IsActive {
			out = append(out, d)
		}
	}
	return out
}

func (st *userState) activeDevice(id string) (*models.DeviceRecord, bool) {
	d, ok := st.devices[id]
	if !ok || !d.IsActive {
		return nil, false
	}
	return d, true
}

func cloneDevice(d models.DeviceRecord) models.DeviceRecord {
	d.PublicKey = append([]byte(nil), d.PublicKey...)
	return d
}

func cloneEntry(e models.SessionKeyEntry) models.SessionKeyEntry {
	e.WrappedSessionKey = append([]byte(nil), e.WrappedSessionKey...)
	e.Nonce = append([]byte(nil), e.Nonce...)
	if e.FirstMessageID != nil {
		v := *e.FirstMessageID
		e.FirstMessageID = &v
	}
	if e.LastMessageID != nil {
		v := *e.LastMessageID
		e.LastMessageID = &v
	}
	return e
}

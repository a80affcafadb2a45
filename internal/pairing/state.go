package pairing

import (
	"crypto/rand"
	"fmt"
	"time"

	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"

	"github.com/mr-tron/base58"
)

const (
	tokenBytes     = 32
	challengeBytes = 24
)

// ErrInvalidTransition matches every *TransitionError and the server's
// invalid-state responses.
var ErrInvalidTransition = transport.ErrInvalidState

// TransitionError reports a protocol-state violation. The session it refers
// to is unchanged.
type TransitionError struct {
	From models.PairingStatus
	To   models.PairingStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("pairing: invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

var forward = map[models.PairingStatus]models.PairingStatus{
	models.PairingPending:  models.PairingScanned,
	models.PairingScanned:  models.PairingApproved,
	models.PairingApproved: models.PairingCompleted,
}

func IsTerminal(s models.PairingStatus) bool {
	switch s {
	case models.PairingCompleted, models.PairingExpired, models.PairingRejected:
		return true
	default:
		return false
	}
}

// CanTransition allows one step forward, or expired/rejected from any
// non-terminal state.
func CanTransition(from, to models.PairingStatus) bool {
	if IsTerminal(from) {
		return false
	}
	if to == models.PairingExpired || to == models.PairingRejected {
		return true
	}
	return forward[from] == to
}

// Transition moves s to the target status. A non-terminal session past its
// expiry is moved to expired first, and the requested transition then fails.
func Transition(s *models.PairingSession, to models.PairingStatus, now time.Time) error {
	if Expire(s, now) && to != models.PairingExpired {
		return &TransitionError{From: models.PairingExpired, To: to}
	}
	if !CanTransition(s.Status, to) {
		return &TransitionError{From: s.Status, To: to}
	}
	s.Status = to
	return nil
}

// Expire marks s expired when its deadline passed. It reports whether the
// session is expired after the call.
func Expire(s *models.PairingSession, now time.Time) bool {
	if s.Status == models.PairingExpired {
		return true
	}
	if IsTerminal(s.Status) || s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt) {
		return false
	}
	s.Status = models.PairingExpired
	return true
}

func NewToken() (string, error)     { return randomBase58(tokenBytes) }
func NewChallenge() (string, error) { return randomBase58(challengeBytes) }

func randomBase58(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base58.Encode(buf), nil
}

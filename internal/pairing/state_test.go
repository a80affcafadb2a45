package pairing

import (
	"errors"
	"testing"
	"time"

	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"

	"github.com/mr-tron/base58"
)

func TestCanTransitionTable(t *testing.T) {
	all := []models.PairingStatus{
		models.PairingPending, models.PairingScanned, models.PairingApproved,
		models.PairingCompleted, models.PairingExpired, models.PairingRejected,
	}
	allowed := map[[2]models.PairingStatus]bool{
		{models.PairingPending, models.PairingScanned}:    true,
		{models.PairingScanned, models.PairingApproved}:   true,
		{models.PairingApproved, models.PairingCompleted}: true,
		{models.PairingPending, models.PairingExpired}:    true,
		{models.PairingScanned, models.PairingExpired}:    true,
		{models.PairingApproved, models.PairingExpired}:   true,
		{models.PairingPending, models.PairingRejected}:   true,
		{models.PairingScanned, models.PairingRejected}:   true,
		{models.PairingApproved, models.PairingRejected}:  true,
	}
	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]models.PairingStatus{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTransitionErrorsAreTyped(t *testing.T) {
	s := &models.PairingSession{Status: models.PairingPending, ExpiresAt: time.Now().Add(time.Minute)}
	err := Transition(s, models.PairingApproved, time.Now())
	var te *TransitionError
	if !errors.As(err, &te) || te.From != models.PairingPending || te.To != models.PairingApproved {
		t.Fatalf("expected TransitionError pending->approved, got %v", err)
	}
	if !errors.Is(err, ErrInvalidTransition) || !errors.Is(err, transport.ErrInvalidState) {
		t.Fatalf("transition error must match invalid-state sentinels: %v", err)
	}
	if s.Status != models.PairingPending {
		t.Fatalf("failed transition must not change state, got %s", s.Status)
	}
}

func TestTransitionAfterExpiry(t *testing.T) {
	now := time.Now()
	s := &models.PairingSession{Status: models.PairingScanned, ExpiresAt: now.Add(-time.Second)}
	if err := Transition(s, models.PairingApproved, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected expiry to block approval, got %v", err)
	}
	if s.Status != models.PairingExpired {
		t.Fatalf("expected expired status, got %s", s.Status)
	}
	if err := Transition(s, models.PairingRejected, now); err == nil {
		t.Fatal("expired is terminal")
	}
}

func TestTokensAreRandomBase58(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	b, _ := NewToken()
	if a == b {
		t.Fatal("tokens must not repeat")
	}
	raw, err := base58.Decode(a)
	if err != nil || len(raw) != tokenBytes {
		t.Fatalf("token must decode to %d bytes: %v", tokenBytes, err)
	}
	c, _ := NewChallenge()
	if raw, _ := base58.Decode(c); len(raw) != challengeBytes {
		t.Fatalf("challenge must decode to %d bytes", challengeBytes)
	}
}

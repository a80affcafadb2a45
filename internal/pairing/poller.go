package pairing

import (
	"context"
	"errors"
	"sync"
	"time"

	"secure-comm/go-backend/internal/transport"
	"secure-comm/go-backend/pkg/models"
)

const DefaultPollInterval = 2 * time.Second

type StatusSource interface {
	PairingStatus(ctx context.Context, token string) (models.PairingSession, error)
}

// StartPoller reports each status change of token to onChange until the
// session is terminal, onChange returns false, or stop is called. After stop
// returns no further callback runs. stop must not be called from onChange.
func StartPoller(ctx context.Context, src StatusSource, token string, interval time.Duration, onChange func(models.PairingSession) bool) (stop func()) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	var (
		mu      sync.Mutex
		stopped bool
	)
	deliver := func(sess models.PairingSession) bool {
		mu.Lock()
		defer mu.Unlock()
		if stopped || ctx.Err() != nil {
			return false
		}
		return onChange(sess)
	}

	go func() {
		defer cancel()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last models.PairingStatus
		for {
			sess, err := src.PairingStatus(ctx, token)
			switch {
			case errors.Is(err, transport.ErrNotFound):
				return
			case err == nil && sess.Status != last:
				last = sess.Status
				if !deliver(sess) || IsTerminal(sess.Status) {
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			mu.Lock()
			stopped = true
			mu.Unlock()
		})
	}
}

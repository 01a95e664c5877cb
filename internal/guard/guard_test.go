package guard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"batch-mailer/internal/models"
)

// memClaimStore mirrors the store's conditional-update semantics in memory:
// the decision and the write happen under one lock, like a single UPDATE.
type memClaimStore struct {
	mu      sync.Mutex
	status  string
	holder  string
	expires time.Time
}

func (m *memClaimStore) Claim(_ context.Context, _, holder string, lease time.Duration, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	expired := m.status == models.BatchExecuting && m.expires.Before(now)
	if m.status != models.BatchScheduled && !expired {
		return false, nil
	}
	m.status = models.BatchExecuting
	m.holder = holder
	m.expires = now.Add(lease)
	return true, nil
}

func (m *memClaimStore) RenewLease(_ context.Context, _, holder string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != holder || m.status != models.BatchExecuting {
		return ErrAlreadyClaimed
	}
	m.expires = time.Now().Add(lease)
	return nil
}

func TestTryClaimSingleWinner(t *testing.T) {
	st := &memClaimStore{status: models.BatchScheduled}

	const triggers = 16
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < triggers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := New(st, 5*time.Minute, zerolog.Nop())
			if err := g.TryClaim(context.Background(), "batch-1"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins, "exactly one concurrent trigger may win the claim")
}

func TestTryClaimAlreadyClaimed(t *testing.T) {
	st := &memClaimStore{status: models.BatchScheduled}
	a := New(st, 5*time.Minute, zerolog.Nop())
	b := New(st, 5*time.Minute, zerolog.Nop())

	require.NoError(t, a.TryClaim(context.Background(), "batch-1"))
	require.ErrorIs(t, b.TryClaim(context.Background(), "batch-1"), ErrAlreadyClaimed)
}

func TestTryClaimReclaimsExpiredLease(t *testing.T) {
	// Trigger A claims at T0 with a 300s lease; B races shortly after and
	// loses; C arrives after the lease lapsed (crashed executor) and wins.
	st := &memClaimStore{status: models.BatchScheduled}
	a := New(st, 300*time.Second, zerolog.Nop())
	require.NoError(t, a.TryClaim(context.Background(), "batch-1"))

	b := New(st, 300*time.Second, zerolog.Nop())
	require.ErrorIs(t, b.TryClaim(context.Background(), "batch-1"), ErrAlreadyClaimed)

	st.mu.Lock()
	st.expires = time.Now().Add(-100 * time.Second)
	st.mu.Unlock()

	c := New(st, 300*time.Second, zerolog.Nop())
	require.NoError(t, c.TryClaim(context.Background(), "batch-1"))
	require.Equal(t, c.Holder(), st.holder)
}

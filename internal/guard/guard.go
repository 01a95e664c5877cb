// Package guard is the idempotency layer in front of batch execution. Every
// trigger capable of starting a batch (scheduler tick, operator command,
// startup pass, reconciliation sweep) claims through it, so concurrent
// triggers across processes resolve to exactly one executor per occurrence.
package guard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrAlreadyClaimed signals the batch is owned by another live executor. It is
// an expected outcome of racing triggers, not an operational error.
var ErrAlreadyClaimed = errors.New("batch already claimed")

// ClaimStore is the atomic conditional-write primitive the guard relies on.
// The implementation must perform the claim as a single compare-and-swap
// against the batch row, never a read followed by a write.
type ClaimStore interface {
	Claim(ctx context.Context, batchID, holder string, lease time.Duration, now time.Time) (bool, error)
	RenewLease(ctx context.Context, batchID, holder string, lease time.Duration) error
}

// Guard grants at-most-one active executor per batch occurrence.
type Guard struct {
	store  ClaimStore
	holder string
	lease  time.Duration
	log    zerolog.Logger
}

// New constructs a guard with a process-unique holder identity.
func New(store ClaimStore, lease time.Duration, log zerolog.Logger) *Guard {
	return &Guard{
		store:  store,
		holder: holderID(),
		lease:  lease,
		log:    log.With().Str("component", "guard").Logger(),
	}
}

// Holder returns this process's claim holder identity.
func (g *Guard) Holder() string {
	return g.holder
}

// TryClaim attempts to take the batch for execution. A claim left by a
// crashed executor becomes reclaimable once its lease lapses.
func (g *Guard) TryClaim(ctx context.Context, batchID string) error {
	claimed, err := g.store.Claim(ctx, batchID, g.holder, g.lease, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("try claim %s: %w", batchID, err)
	}
	if !claimed {
		g.log.Debug().Str("batch_id", batchID).Msg("claim lost, another trigger owns the batch")
		return ErrAlreadyClaimed
	}
	g.log.Info().Str("batch_id", batchID).Str("holder", g.holder).Dur("lease", g.lease).Msg("batch claimed")
	return nil
}

// Renew extends the lease mid-execution so long-running batches are not
// reclaimed out from under a healthy executor.
func (g *Guard) Renew(ctx context.Context, batchID string) error {
	return g.store.RenewLease(ctx, batchID, g.holder, g.lease)
}

func holderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "executor"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

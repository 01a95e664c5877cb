// Package scheduler discovers due batches, claims them, and hands them to
// executors. It never sends mail itself.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"batch-mailer/internal/guard"
	"batch-mailer/internal/models"
	"batch-mailer/internal/recurrence"
	"batch-mailer/internal/telemetry"
)

// Trigger names persisted as schedule definitions.
const (
	TriggerDispatch  = "batch-dispatch"
	TriggerReconcile = "status-reconcile"
)

// Store is the discovery and re-arm surface of the batch state store.
type Store interface {
	FindDue(ctx context.Context, now time.Time, limit int) ([]models.Batch, error)
	FindExpiredClaims(ctx context.Context, now time.Time, limit int) ([]models.Batch, error)
	FindRecurringTerminal(ctx context.Context, limit int) ([]models.Batch, error)
	Rearm(ctx context.Context, id, fromStatus string, nextStart time.Time) error
	EnsureTrigger(ctx context.Context, name string, interval time.Duration) error
}

// Claimer grants at-most-once execution rights; every trigger goes through it.
type Claimer interface {
	TryClaim(ctx context.Context, batchID string) error
}

// Executor runs a claimed batch to a terminal outcome.
type Executor interface {
	Execute(ctx context.Context, batchID string) error
}

// Options tune the scheduler cadence.
type Options struct {
	TickInterval      time.Duration
	ReconcileInterval time.Duration
	DueBatchLimit     int
	MaxExecutors      int
}

// Scheduler drives the periodic tick and the reconciliation sweep.
type Scheduler struct {
	store    Store
	claimer  Claimer
	executor Executor
	opts     Options
	sem      chan struct{}
	wg       sync.WaitGroup
	log      zerolog.Logger
}

// New constructs a scheduler.
func New(st Store, claimer Claimer, executor Executor, opts Options, log zerolog.Logger) *Scheduler {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = 30 * time.Second
	}
	if opts.DueBatchLimit <= 0 {
		opts.DueBatchLimit = 100
	}
	if opts.MaxExecutors <= 0 {
		opts.MaxExecutors = 8
	}
	return &Scheduler{
		store:    st,
		claimer:  claimer,
		executor: executor,
		opts:     opts,
		sem:      make(chan struct{}, opts.MaxExecutors),
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// EnsureTriggers persists the schedule definitions. Idempotent: re-running it
// any number of times leaves one enabled trigger per name.
func (s *Scheduler) EnsureTriggers(ctx context.Context) error {
	if err := s.store.EnsureTrigger(ctx, TriggerDispatch, s.opts.TickInterval); err != nil {
		return err
	}
	return s.store.EnsureTrigger(ctx, TriggerReconcile, s.opts.ReconcileInterval)
}

// Run blocks until the context ends, driving the tick and sweep loops. A
// startup enforcement pass runs immediately so batches missed during downtime
// do not wait out a full interval.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.EnsureTriggers(ctx); err != nil {
		return err
	}
	s.Tick(ctx)
	s.Sweep(ctx)

	tick := time.NewTicker(s.opts.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(s.opts.ReconcileInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-tick.C:
			s.Tick(ctx)
		case <-sweep.C:
			s.Sweep(ctx)
		}
	}
}

// Tick is one scheduler pass: discover due batches, claim, hand off, and
// re-arm finished recurring batches. A failure on one batch never halts the
// rest of the pass.
func (s *Scheduler) Tick(ctx context.Context) {
	now := time.Now().UTC()
	due, err := s.store.FindDue(ctx, now, s.opts.DueBatchLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("due batch discovery failed")
	}
	telemetry.DueBatchesGauge.Set(float64(len(due)))

	for _, b := range due {
		s.claimAndDispatch(ctx, b.ID, false)
	}
	s.rearmRecurring(ctx)
}

// Sweep reclaims batches whose executor crashed: still executing, lease
// lapsed. The claim CAS re-takes them and execution resumes with only the
// recipients not yet sent.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	expired, err := s.store.FindExpiredClaims(ctx, now, s.opts.DueBatchLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("expired claim discovery failed")
		return
	}
	for _, b := range expired {
		s.log.Warn().Str("batch_id", b.ID).Msg("reclaiming abandoned batch")
		s.claimAndDispatch(ctx, b.ID, true)
	}
}

func (s *Scheduler) claimAndDispatch(ctx context.Context, batchID string, reclaim bool) {
	err := s.claimer.TryClaim(ctx, batchID)
	if errors.Is(err, guard.ErrAlreadyClaimed) {
		// Expected when triggers race; the winner is already executing.
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("batch_id", batchID).Msg("claim attempt failed")
		return
	}
	telemetry.BatchesClaimed.Inc()
	if reclaim {
		telemetry.BatchesReclaimed.Inc()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sem <- struct{}{}
		defer func() { <-s.sem }()
		if err := s.executor.Execute(ctx, batchID); err != nil {
			s.log.Error().Err(err).Str("batch_id", batchID).Msg("batch execution errored")
		}
	}()
}

// rearmRecurring computes and persists the next occurrence for recurring
// batches whose current occurrence reached a terminal status.
func (s *Scheduler) rearmRecurring(ctx context.Context) {
	batches, err := s.store.FindRecurringTerminal(ctx, s.opts.DueBatchLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("recurring batch discovery failed")
		return
	}
	for _, b := range batches {
		if b.RecurrenceRule == nil {
			continue
		}
		next, err := recurrence.Next(*b.RecurrenceRule, b.UpdatedAt)
		if err != nil {
			s.log.Error().Err(err).Str("batch_id", b.ID).Msg("unusable recurrence rule, leaving batch terminal")
			continue
		}
		if err := s.store.Rearm(ctx, b.ID, b.Status, next); err != nil {
			// ErrConflict here means another instance re-armed it first.
			s.log.Debug().Err(err).Str("batch_id", b.ID).Msg("rearm skipped")
			continue
		}
		s.log.Info().Str("batch_id", b.ID).Time("next_start", next).Msg("recurring batch re-armed")
	}
}

// Package dispatcher executes a claimed batch: rate-limited sub-cycles of
// sends, bounded per-recipient retries, and a single aggregate outcome.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"batch-mailer/internal/credentials"
	"batch-mailer/internal/mailer"
	"batch-mailer/internal/models"
	"batch-mailer/internal/notify"
	"batch-mailer/internal/store"
	"batch-mailer/internal/telemetry"
)

// BatchStore is the persistence surface the dispatcher mutates during one
// execution. Only pending and retrying recipients are ever loaded, which is
// what makes a reclaimed execution resume without duplicate sends.
type BatchStore interface {
	GetBatch(ctx context.Context, id string) (models.Batch, error)
	PendingRecipients(ctx context.Context, batchID string) ([]models.Recipient, error)
	RecipientCounts(ctx context.Context, batchID string) (sent, failed int, err error)
	MarkRecipientSent(ctx context.Context, id string) error
	MarkRecipientRetrying(ctx context.Context, id string, retryCount int, lastErr string) error
	MarkRecipientFailed(ctx context.Context, id string, retryCount int, lastErr string) error
	RecordOutcome(ctx context.Context, id string, sent, failed int, final string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
}

// RateLimiter bounds per-tenant outbound volume.
type RateLimiter interface {
	Allow(ctx context.Context, tenantID string, n int) (bool, time.Duration, error)
	Limit() int
}

// Resolver yields the tenant's sender identity.
type Resolver interface {
	Resolve(ctx context.Context, tenantID string) credentials.Resolution
}

// LeaseRenewer keeps the claim alive between sub-cycles.
type LeaseRenewer interface {
	Renew(ctx context.Context, batchID string) error
}

// Options tune the retry engine.
type Options struct {
	MaxSendAttempts int
	Backoff         time.Duration
	BackoffMax      time.Duration
}

// Dispatcher runs claimed batches to a terminal outcome.
type Dispatcher struct {
	store    BatchStore
	limiter  RateLimiter
	creds    Resolver
	sender   mailer.Sender
	renewer  LeaseRenewer
	notifier *notify.Notifier
	opts     Options
	log      zerolog.Logger
}

// New constructs a dispatcher.
func New(st BatchStore, limiter RateLimiter, creds Resolver, sender mailer.Sender,
	renewer LeaseRenewer, notifier *notify.Notifier, opts Options, log zerolog.Logger) *Dispatcher {
	if opts.MaxSendAttempts <= 0 {
		opts.MaxSendAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Minute
	}
	return &Dispatcher{
		store:    st,
		limiter:  limiter,
		creds:    creds,
		sender:   sender,
		renewer:  renewer,
		notifier: notifier,
		opts:     opts,
		log:      log.With().Str("component", "dispatcher").Logger(),
	}
}

// Execute runs one claimed batch to completion. The caller must already hold
// the claim; Execute releases it through RecordOutcome's terminal transition.
func (d *Dispatcher) Execute(ctx context.Context, batchID string) error {
	batch, err := d.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", batchID, err)
	}
	log := d.log.With().Str("batch_id", batch.ID).Str("tenant_id", batch.TenantID).Logger()
	telemetry.ExecutorsGauge.Inc()
	defer telemetry.ExecutorsGauge.Dec()

	// Batch counters stay zero while executing, so the progress of a crashed
	// predecessor is only visible on the recipient rows.
	sent, failed, err := d.store.RecipientCounts(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("count recipients for %s: %w", batch.ID, err)
	}

	res := d.creds.Resolve(ctx, batch.TenantID)
	switch res.Outcome {
	case credentials.Resolved:
	case credentials.Unavailable:
		log.Error().Msg("no active sender credential, failing batch")
		return d.finish(ctx, batch, sent, failed, finalStatus(batch, sent, failed))
	default:
		log.Error().Err(res.Err).Msg("sender credential unusable, failing batch")
		return d.finish(ctx, batch, sent, failed, finalStatus(batch, sent, failed))
	}

	pending, err := d.store.PendingRecipients(ctx, batch.ID)
	if err != nil {
		return fmt.Errorf("load recipients for %s: %w", batch.ID, err)
	}

	queue := pending
	for len(queue) > 0 {
		// Cancellation is honored between sub-cycles, never mid-send.
		cancelled, err := d.store.CancelRequested(ctx, batch.ID)
		if err != nil {
			log.Warn().Err(err).Msg("cancel flag check failed")
		} else if cancelled {
			log.Info().Int("remaining", len(queue)).Msg("cancel requested, stopping between sub-cycles")
			break
		}
		if err := ctx.Err(); err != nil {
			break
		}
		if d.renewer != nil {
			if err := d.renewer.Renew(ctx, batch.ID); err != nil {
				// Lost the lease: another executor owns the batch now.
				log.Warn().Err(err).Msg("lease renewal failed, abandoning execution")
				return err
			}
		}

		n := len(queue)
		if limit := d.limiter.Limit(); n > limit {
			n = limit
		}
		allowed, retryAfter, err := d.limiter.Allow(ctx, batch.TenantID, n)
		if err != nil {
			log.Warn().Err(err).Msg("rate limiter unavailable, backing off")
			if !sleepCtx(ctx, time.Second) {
				break
			}
			continue
		}
		if !allowed {
			telemetry.RateLimitWaits.Inc()
			if retryAfter <= 0 {
				retryAfter = time.Second
			}
			if !sleepCtx(ctx, retryAfter) {
				break
			}
			continue
		}

		cycle := queue[:n]
		queue = queue[n:]
		var requeue []models.Recipient
		for _, r := range cycle {
			s, f, retry := d.attempt(ctx, log, res.Identity, batch, r)
			sent += s
			failed += f
			if retry != nil {
				requeue = append(requeue, *retry)
			}
		}

		if len(requeue) > 0 {
			if !sleepCtx(ctx, backoffWithJitter(d.opts.Backoff, d.opts.BackoffMax, requeue[0].RetryCount)) {
				break
			}
			queue = append(queue, requeue...)
		}
	}

	final := finalStatus(batch, sent, failed)
	return d.finish(ctx, batch, sent, failed, final)
}

// attempt sends to one recipient and classifies the result. Returns deltas
// and, for transient failures under the cap, the recipient to requeue.
func (d *Dispatcher) attempt(ctx context.Context, log zerolog.Logger, identity models.SenderIdentity,
	batch models.Batch, r models.Recipient) (sent, failed int, requeue *models.Recipient) {
	err := d.sender.Send(identity, r.Address, batch.Subject, batch.Body)
	if err == nil {
		if err := d.store.MarkRecipientSent(ctx, r.ID); err != nil {
			log.Error().Err(err).Str("correlation_id", r.CorrelationID).Msg("mark sent failed")
		}
		telemetry.EmailsSent.Inc()
		return 1, 0, nil
	}

	attempts := r.RetryCount + 1
	if mailer.Classify(err) == mailer.Permanent || attempts >= d.opts.MaxSendAttempts {
		if markErr := d.store.MarkRecipientFailed(ctx, r.ID, attempts, err.Error()); markErr != nil {
			log.Error().Err(markErr).Str("correlation_id", r.CorrelationID).Msg("mark failed failed")
		}
		telemetry.EmailsFailed.Inc()
		log.Debug().Err(err).Str("correlation_id", r.CorrelationID).Int("attempts", attempts).Msg("recipient failed")
		return 0, 1, nil
	}

	if markErr := d.store.MarkRecipientRetrying(ctx, r.ID, attempts, err.Error()); markErr != nil {
		log.Error().Err(markErr).Str("correlation_id", r.CorrelationID).Msg("mark retrying failed")
	}
	telemetry.EmailsRetried.Inc()
	r.RetryCount = attempts
	return 0, 0, &r
}

// finish records the aggregate outcome, releasing the claim, and emits the
// best-effort status notification.
func (d *Dispatcher) finish(ctx context.Context, batch models.Batch, sent, failed int, final string) error {
	err := d.store.RecordOutcome(ctx, batch.ID, sent, failed, final)
	if errors.Is(err, store.ErrConflict) {
		// Someone else finalized the batch (e.g. after our lease lapsed).
		d.log.Warn().Str("batch_id", batch.ID).Msg("outcome already recorded elsewhere")
		return nil
	}
	if err != nil {
		return fmt.Errorf("record outcome for %s: %w", batch.ID, err)
	}

	switch final {
	case models.BatchCompleted:
		telemetry.BatchesCompleted.Inc()
	case models.BatchPartiallyFailed:
		telemetry.BatchesPartial.Inc()
	default:
		telemetry.BatchesFailed.Inc()
	}
	d.log.Info().Str("batch_id", batch.ID).Str("status", final).
		Int("sent", sent).Int("failed", failed).Msg("batch execution finished")

	if d.notifier != nil {
		d.notifier.StatusChange(ctx, batch.TenantID, batch.ID, "dispatcher", models.BatchExecuting, final)
	}
	return nil
}

// finalStatus derives the terminal status from occurrence totals, which cover
// deliveries made by a prior execution that lost its lease.
func finalStatus(batch models.Batch, sent, failed int) string {
	switch {
	case batch.TotalRecipients == 0:
		return models.BatchCompleted
	case sent == 0:
		return models.BatchFailed
	case failed > 0 || sent < batch.TotalRecipients:
		return models.BatchPartiallyFailed
	default:
		return models.BatchCompleted
	}
}

// sleepCtx waits cooperatively; false means the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

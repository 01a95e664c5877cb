package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"batch-mailer/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional status update loses a race.
	ErrConflict = errors.New("status conflict")
	// ErrNoCredential is returned when a tenant has no active default credential.
	ErrNoCredential = errors.New("no active credential")
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const batchColumns = `id, tenant_id, name, status, subject, body, start_time, recurrence_rule,
	total_recipients, emails_sent, emails_failed, claim_holder, claim_expires_at,
	cancel_requested, created_at, updated_at`

// CreateBatchParams collects inputs required to insert a batch with its recipients.
type CreateBatchParams struct {
	TenantID       string
	Name           string
	Subject        string
	Body           string
	StartTime      time.Time
	RecurrenceRule string
	Recipients     []string
	Draft          bool
}

// CreateBatch inserts a batch and its recipient rows in one transaction.
func (s *Store) CreateBatch(ctx context.Context, p CreateBatchParams) (models.Batch, error) {
	status := models.BatchScheduled
	if p.Draft {
		status = models.BatchDraft
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Batch{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO batches (id, tenant_id, name, status, subject, body, start_time, recurrence_rule,
			total_recipients, emails_sent, emails_failed, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, 0, 0, FALSE, $10, $10)
	`, id, p.TenantID, p.Name, status, p.Subject, p.Body, p.StartTime, p.RecurrenceRule, len(p.Recipients), now)
	if err != nil {
		return models.Batch{}, fmt.Errorf("insert batch: %w", err)
	}

	for _, addr := range p.Recipients {
		_, err = tx.Exec(ctx, `
			INSERT INTO batch_recipients (id, batch_id, address, status, retry_count, correlation_id, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6)
		`, uuid.New().String(), id, addr, models.RecipientPending, uuid.New().String(), now)
		if err != nil {
			return models.Batch{}, fmt.Errorf("insert recipient: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Batch{}, fmt.Errorf("commit: %w", err)
	}
	return s.GetBatch(ctx, id)
}

// GetBatch fetches a batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (models.Batch, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	return scanBatch(row)
}

// FindDue returns scheduled batches whose start_time has passed.
func (s *Store) FindDue(ctx context.Context, now time.Time, limit int) ([]models.Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE status = $1 AND start_time <= $2
		ORDER BY start_time
		LIMIT $3
	`, models.BatchScheduled, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

// Claim attempts to take exclusive ownership of a batch for one execution.
// It is a single conditional update: either the batch is still scheduled, or
// it is executing under a lease that has expired. Two concurrent callers can
// never both see a row updated.
func (s *Store) Claim(ctx context.Context, id, holder string, lease time.Duration, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches
		SET status = $2, claim_holder = $3, claim_expires_at = $4, updated_at = $5
		WHERE id = $1
		  AND (status = $6 OR (status = $2 AND claim_expires_at < $5))
	`, id, models.BatchExecuting, holder, now.Add(lease), now, models.BatchScheduled)
	if err != nil {
		return false, fmt.Errorf("claim batch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RenewLease extends the claim of the current holder.
func (s *Store) RenewLease(ctx context.Context, id, holder string, lease time.Duration) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET claim_expires_at = $3, updated_at = $4
		WHERE id = $1 AND claim_holder = $2 AND status = $5
	`, id, holder, now.Add(lease), now, models.BatchExecuting)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// Transition moves a batch between statuses with compare-and-swap semantics.
func (s *Store) Transition(ctx context.Context, id, from, to string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("transition batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// RecordOutcome finalizes one execution: counters, terminal status, and claim
// release happen in a single update so the lease is never held past the end.
// sent and failed are occurrence totals over the recipient rows, so a resumed
// execution records the deliveries its crashed predecessor already made.
func (s *Store) RecordOutcome(ctx context.Context, id string, sent, failed int, final string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches
		SET status = $2,
		    emails_sent = $3,
		    emails_failed = $4,
		    claim_holder = NULL,
		    claim_expires_at = NULL,
		    cancel_requested = FALSE,
		    updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, final, sent, failed, models.BatchExecuting)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// RequestCancel flags a batch for cancellation. Executing batches observe the
// flag between sub-cycles; scheduled batches fail immediately.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	err := s.Transition(ctx, id, models.BatchScheduled, models.BatchFailed)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrConflict) {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET cancel_requested = TRUE, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, models.BatchExecuting)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// CancelRequested reports whether a cancel is pending for the batch.
func (s *Store) CancelRequested(ctx context.Context, id string) (bool, error) {
	var flag bool
	err := s.pool.QueryRow(ctx, `SELECT cancel_requested FROM batches WHERE id = $1`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query cancel flag: %w", err)
	}
	return flag, nil
}

// FindExpiredClaims returns executing batches whose lease has lapsed, meaning
// their executor crashed or stalled and the batch is reclaimable.
func (s *Store) FindExpiredClaims(ctx context.Context, now time.Time, limit int) ([]models.Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE status = $1 AND claim_expires_at IS NOT NULL AND claim_expires_at < $2
		ORDER BY claim_expires_at
		LIMIT $3
	`, models.BatchExecuting, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query expired claims: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

// FindRecurringTerminal returns batches in a terminal status that still carry
// a recurrence rule and so need a next occurrence.
func (s *Store) FindRecurringTerminal(ctx context.Context, limit int) ([]models.Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE status IN ($1, $2, $3) AND recurrence_rule IS NOT NULL
		ORDER BY updated_at
		LIMIT $4
	`, models.BatchCompleted, models.BatchPartiallyFailed, models.BatchFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("query recurring batches: %w", err)
	}
	defer rows.Close()
	return scanBatches(rows)
}

// Rearm schedules the next occurrence of a recurring batch: counters reset,
// recipients back to pending, status back to scheduled. The status CAS keeps
// two sweepers from re-arming the same occurrence twice.
func (s *Store) Rearm(ctx context.Context, id, fromStatus string, nextStart time.Time) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE batches
		SET status = $3, start_time = $4, emails_sent = 0, emails_failed = 0,
		    cancel_requested = FALSE, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, fromStatus, models.BatchScheduled, nextStart)
	if err != nil {
		return fmt.Errorf("rearm batch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	_, err = tx.Exec(ctx, `
		UPDATE batch_recipients
		SET status = $2, retry_count = 0, last_error = NULL, updated_at = NOW()
		WHERE batch_id = $1
	`, id, models.RecipientPending)
	if err != nil {
		return fmt.Errorf("reset recipients: %w", err)
	}

	return tx.Commit(ctx)
}

func scanBatches(rows pgx.Rows) ([]models.Batch, error) {
	var out []models.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (models.Batch, error) {
	var b models.Batch
	var rule, holder pgtype.Text
	var expires pgtype.Timestamptz
	err := row.Scan(&b.ID, &b.TenantID, &b.Name, &b.Status, &b.Subject, &b.Body, &b.StartTime, &rule,
		&b.TotalRecipients, &b.EmailsSent, &b.EmailsFailed, &holder, &expires,
		&b.CancelRequested, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, ErrNotFound
	}
	if err != nil {
		return models.Batch{}, fmt.Errorf("scan batch: %w", err)
	}
	b.RecurrenceRule = textPtr(rule)
	b.ClaimHolder = textPtr(holder)
	if expires.Valid {
		t := expires.Time
		b.ClaimExpiresAt = &t
	}
	return b, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"batch-mailer/internal/models"
)

// PendingRecipients returns recipients still owed a send for the batch:
// pending and retrying rows only. Rows already marked sent are excluded so a
// reclaimed execution never duplicates a delivery.
func (s *Store) PendingRecipients(ctx context.Context, batchID string) ([]models.Recipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, batch_id, address, status, retry_count, correlation_id, last_error, updated_at
		FROM batch_recipients
		WHERE batch_id = $1 AND status IN ($2, $3)
		ORDER BY id
	`, batchID, models.RecipientPending, models.RecipientRetrying)
	if err != nil {
		return nil, fmt.Errorf("query pending recipients: %w", err)
	}
	defer rows.Close()
	return scanRecipients(rows)
}

// RecipientCounts reports how many recipients of the batch are already sent
// or terminally failed. Batch counters are only written at terminal status,
// so a resumed execution derives the crashed run's progress from these rows.
func (s *Store) RecipientCounts(ctx context.Context, batchID string) (sent, failed int, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = $2), COUNT(*) FILTER (WHERE status = $3)
		FROM batch_recipients
		WHERE batch_id = $1
	`, batchID, models.RecipientSent, models.RecipientFailed).Scan(&sent, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count recipients: %w", err)
	}
	return sent, failed, nil
}

// ListRecipients returns all recipients of a batch.
func (s *Store) ListRecipients(ctx context.Context, batchID string) ([]models.Recipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, batch_id, address, status, retry_count, correlation_id, last_error, updated_at
		FROM batch_recipients
		WHERE batch_id = $1
		ORDER BY id
	`, batchID)
	if err != nil {
		return nil, fmt.Errorf("query recipients: %w", err)
	}
	defer rows.Close()
	return scanRecipients(rows)
}

// AddRecipients appends addresses to a batch that has not started executing.
func (s *Store) AddRecipients(ctx context.Context, batchID string, addresses []string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE batches SET total_recipients = total_recipients + $2, updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
	`, batchID, len(addresses), models.BatchDraft, models.BatchScheduled)
	if err != nil {
		return fmt.Errorf("bump recipient total: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}

	now := time.Now().UTC()
	for _, addr := range addresses {
		_, err = tx.Exec(ctx, `
			INSERT INTO batch_recipients (id, batch_id, address, status, retry_count, correlation_id, updated_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6)
		`, uuid.New().String(), batchID, addr, models.RecipientPending, uuid.New().String(), now)
		if err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// MarkRecipientSent records a successful delivery.
func (s *Store) MarkRecipientSent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE batch_recipients SET status = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1
	`, id, models.RecipientSent)
	return err
}

// MarkRecipientRetrying bumps the retry counter after a transient failure.
func (s *Store) MarkRecipientRetrying(ctx context.Context, id string, retryCount int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE batch_recipients SET status = $2, retry_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.RecipientRetrying, retryCount, lastErr)
	return err
}

// MarkRecipientFailed records a terminal delivery failure.
func (s *Store) MarkRecipientFailed(ctx context.Context, id string, retryCount int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE batch_recipients SET status = $2, retry_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1
	`, id, models.RecipientFailed, retryCount, lastErr)
	return err
}

func scanRecipients(rows pgx.Rows) ([]models.Recipient, error) {
	var out []models.Recipient
	for rows.Next() {
		var r models.Recipient
		var lastErr pgtype.Text
		if err := rows.Scan(&r.ID, &r.BatchID, &r.Address, &r.Status, &r.RetryCount,
			&r.CorrelationID, &lastErr, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		r.LastError = textPtr(lastErr)
		out = append(out, r)
	}
	return out, rows.Err()
}

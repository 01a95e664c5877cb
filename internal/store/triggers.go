package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Trigger is a persisted schedule definition for a periodic driver.
type Trigger struct {
	Name            string    `json:"name"`
	IntervalSeconds int       `json:"interval_seconds"`
	Enabled         bool      `json:"enabled"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EnsureTrigger upserts a schedule definition keyed by name. Re-running it any
// number of times leaves exactly one enabled row per name.
func (s *Store) EnsureTrigger(ctx context.Context, name string, interval time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedule_triggers (name, interval_seconds, enabled, updated_at)
		VALUES ($1, $2, TRUE, NOW())
		ON CONFLICT (name) DO UPDATE
		SET interval_seconds = EXCLUDED.interval_seconds, enabled = TRUE, updated_at = NOW()
	`, name, int(interval.Seconds()))
	if err != nil {
		return fmt.Errorf("ensure trigger %s: %w", name, err)
	}
	return nil
}

// GetTrigger fetches a schedule definition by name.
func (s *Store) GetTrigger(ctx context.Context, name string) (Trigger, error) {
	var t Trigger
	err := s.pool.QueryRow(ctx, `
		SELECT name, interval_seconds, enabled, updated_at FROM schedule_triggers WHERE name = $1
	`, name).Scan(&t.Name, &t.IntervalSeconds, &t.Enabled, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Trigger{}, ErrNotFound
	}
	if err != nil {
		return Trigger{}, fmt.Errorf("scan trigger: %w", err)
	}
	return t, nil
}

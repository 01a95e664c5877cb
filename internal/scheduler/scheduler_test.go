package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"batch-mailer/internal/guard"
	"batch-mailer/internal/models"
)

type fakeSchedStore struct {
	mu       sync.Mutex
	due      []models.Batch
	expired  []models.Batch
	terminal []models.Batch
	rearmed  map[string]time.Time
	triggers map[string]time.Duration
}

func (f *fakeSchedStore) FindDue(context.Context, time.Time, int) ([]models.Batch, error) {
	return f.due, nil
}

func (f *fakeSchedStore) FindExpiredClaims(context.Context, time.Time, int) ([]models.Batch, error) {
	return f.expired, nil
}

func (f *fakeSchedStore) FindRecurringTerminal(context.Context, int) ([]models.Batch, error) {
	return f.terminal, nil
}

func (f *fakeSchedStore) Rearm(_ context.Context, id, _ string, next time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rearmed == nil {
		f.rearmed = map[string]time.Time{}
	}
	f.rearmed[id] = next
	return nil
}

func (f *fakeSchedStore) EnsureTrigger(_ context.Context, name string, interval time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triggers == nil {
		f.triggers = map[string]time.Duration{}
	}
	f.triggers[name] = interval
	return nil
}

type fakeClaimer struct {
	mu   sync.Mutex
	deny map[string]bool
	won  []string
}

func (f *fakeClaimer) TryClaim(_ context.Context, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deny[batchID] {
		return guard.ErrAlreadyClaimed
	}
	f.won = append(f.won, batchID)
	return nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	executed []string
	fail     map[string]bool
}

func (f *fakeExecutor) Execute(_ context.Context, batchID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, batchID)
	if f.fail[batchID] {
		return errors.New("boom")
	}
	return nil
}

func newScheduler(st Store, c Claimer, e Executor) *Scheduler {
	return New(st, c, e, Options{
		TickInterval:      time.Minute,
		ReconcileInterval: 30 * time.Second,
		DueBatchLimit:     100,
		MaxExecutors:      4,
	}, zerolog.Nop())
}

func TestTickDispatchesOnlyWonClaims(t *testing.T) {
	st := &fakeSchedStore{due: []models.Batch{
		{ID: "b1", Status: models.BatchScheduled},
		{ID: "b2", Status: models.BatchScheduled},
	}}
	claimer := &fakeClaimer{deny: map[string]bool{"b2": true}}
	exec := &fakeExecutor{}

	s := newScheduler(st, claimer, exec)
	s.Tick(context.Background())
	s.wg.Wait()

	require.Equal(t, []string{"b1"}, claimer.won)
	require.Equal(t, []string{"b1"}, exec.executed)
}

func TestTickSurvivesExecutorFailure(t *testing.T) {
	st := &fakeSchedStore{due: []models.Batch{
		{ID: "b1", Status: models.BatchScheduled},
		{ID: "b2", Status: models.BatchScheduled},
	}}
	claimer := &fakeClaimer{}
	exec := &fakeExecutor{fail: map[string]bool{"b1": true}}

	s := newScheduler(st, claimer, exec)
	s.Tick(context.Background())
	s.wg.Wait()

	require.ElementsMatch(t, []string{"b1", "b2"}, exec.executed)
}

func TestTickRearmsRecurringFromTerminalTime(t *testing.T) {
	rule := "@every 24h"
	finished := time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)
	st := &fakeSchedStore{terminal: []models.Batch{{
		ID:             "b1",
		Status:         models.BatchCompleted,
		RecurrenceRule: &rule,
		UpdatedAt:      finished,
	}}}

	s := newScheduler(st, &fakeClaimer{}, &fakeExecutor{})
	s.Tick(context.Background())
	s.wg.Wait()

	require.Equal(t, finished.Add(24*time.Hour), st.rearmed["b1"])
}

func TestTickSkipsBadRecurrenceRule(t *testing.T) {
	rule := "whenever"
	st := &fakeSchedStore{terminal: []models.Batch{{
		ID: "b1", Status: models.BatchFailed, RecurrenceRule: &rule, UpdatedAt: time.Now(),
	}}}

	s := newScheduler(st, &fakeClaimer{}, &fakeExecutor{})
	s.Tick(context.Background())
	s.wg.Wait()

	require.Empty(t, st.rearmed)
}

func TestSweepReclaimsExpiredLeases(t *testing.T) {
	st := &fakeSchedStore{expired: []models.Batch{{ID: "b1", Status: models.BatchExecuting}}}
	claimer := &fakeClaimer{}
	exec := &fakeExecutor{}

	s := newScheduler(st, claimer, exec)
	s.Sweep(context.Background())
	s.wg.Wait()

	require.Equal(t, []string{"b1"}, exec.executed)
}

func TestEnsureTriggersIdempotent(t *testing.T) {
	st := &fakeSchedStore{}
	s := newScheduler(st, &fakeClaimer{}, &fakeExecutor{})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.EnsureTriggers(context.Background()))
	}

	require.Len(t, st.triggers, 2)
	require.Equal(t, time.Minute, st.triggers[TriggerDispatch])
	require.Equal(t, 30*time.Second, st.triggers[TriggerReconcile])
}

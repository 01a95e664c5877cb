package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"batch-mailer/internal/config"
	"batch-mailer/internal/guard"
	"batch-mailer/internal/models"
	"batch-mailer/internal/store"
)

type fakeAPIStore struct {
	batch models.Batch
}

func (f *fakeAPIStore) CreateBatch(context.Context, store.CreateBatchParams) (models.Batch, error) {
	return f.batch, nil
}

func (f *fakeAPIStore) GetBatch(context.Context, string) (models.Batch, error) {
	return f.batch, nil
}

func (f *fakeAPIStore) ListRecipients(context.Context, string) ([]models.Recipient, error) {
	return nil, nil
}

func (f *fakeAPIStore) AddRecipients(context.Context, string, []string) error { return nil }

func (f *fakeAPIStore) RequestCancel(context.Context, string) error { return nil }

func (f *fakeAPIStore) EnsureTrigger(context.Context, string, time.Duration) error { return nil }

func (f *fakeAPIStore) GetTrigger(context.Context, string) (store.Trigger, error) {
	return store.Trigger{}, store.ErrNotFound
}

type fakeClaimer struct{ err error }

func (f *fakeClaimer) TryClaim(context.Context, string) error { return f.err }

type fakeExecutor struct {
	run func(ctx context.Context) error
}

func (f *fakeExecutor) Execute(ctx context.Context, _ string) error { return f.run(ctx) }

func TestProcessRunsToCompletionAfterClientDisconnect(t *testing.T) {
	// An operator kicking off a batch and closing the connection must not
	// abort the run; the claim is already held and the batch has to reach a
	// terminal status, not wait out its lease.
	st := &fakeAPIStore{batch: models.Batch{ID: "batch-1", Status: models.BatchCompleted}}
	reqCtx, disconnect := context.WithCancel(context.Background())
	exec := &fakeExecutor{run: func(ctx context.Context) error {
		disconnect()
		return ctx.Err()
	}}

	srv := New(config.Config{}, st, &fakeClaimer{}, exec, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/batches/batch-1/process", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProcessConflictWhenAlreadyClaimed(t *testing.T) {
	st := &fakeAPIStore{}
	exec := &fakeExecutor{run: func(context.Context) error {
		t.Fatal("execute must not run without a claim")
		return nil
	}}
	srv := New(config.Config{}, st, &fakeClaimer{err: guard.ErrAlreadyClaimed}, exec, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/batches/batch-1/process", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBatchChangePostsSnapshot(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := New(srv.URL, time.Second, zerolog.Nop())
	n.StatusChange(context.Background(), "acme", "batch-1", "scheduler", "executing", "completed")

	require.Equal(t, "acme", got.TenantID)
	require.Equal(t, "batch-1", got.BatchID)
	require.Len(t, got.Changes, 1)
	require.Equal(t, Change{Field: "status", Before: "executing", After: "completed"}, got.Changes[0])
}

func TestBatchChangeSwallowsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := New(srv.URL, time.Second, zerolog.Nop())
	// Must not panic or propagate anything.
	n.StatusChange(context.Background(), "acme", "batch-1", "scheduler", "executing", "failed")
}

func TestDisabledNotifierIsNoop(t *testing.T) {
	n := New("", time.Second, zerolog.Nop())
	n.StatusChange(context.Background(), "acme", "batch-1", "scheduler", "a", "b")
}

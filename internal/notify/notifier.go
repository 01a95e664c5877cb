// Package notify delivers best-effort change notifications to an external
// collaborator. Failures are logged and never block batch execution.
package notify

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Change is one field mutation with an explicit before/after snapshot, so the
// receiver needs no shared state to compute a diff.
type Change struct {
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

type payload struct {
	TenantID string   `json:"tenant_id"`
	BatchID  string   `json:"batch_id"`
	Actor    string   `json:"actor"`
	Changes  []Change `json:"changes"`
}

// Notifier posts change sets to a configured endpoint.
type Notifier struct {
	client *resty.Client
	url    string
	log    zerolog.Logger
}

// New constructs a notifier. An empty URL disables delivery entirely.
func New(url string, timeout time.Duration, log zerolog.Logger) *Notifier {
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(1)
	return &Notifier{
		client: client,
		url:    url,
		log:    log.With().Str("component", "notify").Logger(),
	}
}

// BatchChange reports a batch mutation. Best effort: any failure is logged
// and swallowed.
func (n *Notifier) BatchChange(ctx context.Context, tenantID, batchID, actor string, changes []Change) {
	if n.url == "" || len(changes) == 0 {
		return
	}
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(payload{TenantID: tenantID, BatchID: batchID, Actor: actor, Changes: changes}).
		Post(n.url)
	if err != nil {
		n.log.Warn().Err(err).Str("batch_id", batchID).Msg("change notification failed")
		return
	}
	if resp.IsError() {
		n.log.Warn().Int("status", resp.StatusCode()).Str("batch_id", batchID).Msg("change notification rejected")
	}
}

// StatusChange is a convenience for the common single-field batch status diff.
func (n *Notifier) StatusChange(ctx context.Context, tenantID, batchID, actor, before, after string) {
	n.BatchChange(ctx, tenantID, batchID, actor, []Change{{Field: "status", Before: before, After: after}})
}

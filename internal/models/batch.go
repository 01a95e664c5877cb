package models

import (
	"time"
)

// Batch lifecycle states persisted in Postgres.
const (
	BatchDraft           = "draft"
	BatchScheduled       = "scheduled"
	BatchExecuting       = "executing"
	BatchCompleted       = "completed"
	BatchPartiallyFailed = "partially_failed"
	BatchFailed          = "failed"
)

// TerminalBatchStatus reports whether a batch status admits no further sends
// for the current occurrence.
func TerminalBatchStatus(status string) bool {
	switch status {
	case BatchCompleted, BatchPartiallyFailed, BatchFailed:
		return true
	}
	return false
}

// Batch is a tenant-owned send job: a recipient set plus a schedule.
type Batch struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	Subject         string     `json:"subject"`
	Body            string     `json:"body"`
	StartTime       time.Time  `json:"start_time"`
	RecurrenceRule  *string    `json:"recurrence_rule,omitempty"`
	TotalRecipients int        `json:"total_recipients"`
	EmailsSent      int        `json:"emails_sent"`
	EmailsFailed    int        `json:"emails_failed"`
	ClaimHolder     *string    `json:"claim_holder,omitempty"`
	ClaimExpiresAt  *time.Time `json:"claim_expires_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Recipient states within a batch.
const (
	RecipientPending  = "pending"
	RecipientRetrying = "retrying"
	RecipientSent     = "sent"
	RecipientFailed   = "failed"
)

// Recipient is one destination address within a batch.
type Recipient struct {
	ID            string    `json:"id"`
	BatchID       string    `json:"batch_id"`
	Address       string    `json:"address"`
	Status        string    `json:"status"`
	RetryCount    int       `json:"retry_count"`
	CorrelationID string    `json:"correlation_id"`
	LastError     *string   `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

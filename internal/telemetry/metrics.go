package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BatchesClaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_batches_claimed_total", Help: "Batches claimed for execution"})
	BatchesCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_batches_completed_total", Help: "Batches finishing with every recipient sent"})
	BatchesPartial   = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_batches_partial_total", Help: "Batches finishing partially failed"})
	BatchesFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_batches_failed_total", Help: "Batches finishing with no recipient sent"})
	BatchesReclaimed = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_batches_reclaimed_total", Help: "Expired claims taken over by the sweep"})
	EmailsSent       = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_emails_sent_total", Help: "Recipient sends that succeeded"})
	EmailsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_emails_failed_total", Help: "Recipient sends that terminally failed"})
	EmailsRetried    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_emails_retried_total", Help: "Transient recipient failures requeued"})
	RateLimitWaits   = prometheus.NewCounter(prometheus.CounterOpts{Name: "mail_rate_limit_waits_total", Help: "Sub-cycles delayed by the per-tenant rate limiter"})
	ExecutorsGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mail_executors_inflight", Help: "Batch executions currently running"})
	DueBatchesGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mail_batches_due", Help: "Scheduled batches past their start time at the last tick"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BatchesClaimed,
			BatchesCompleted,
			BatchesPartial,
			BatchesFailed,
			BatchesReclaimed,
			EmailsSent,
			EmailsFailed,
			EmailsRetried,
			RateLimitWaits,
			ExecutorsGauge,
			DueBatchesGauge,
		)
	})
	return promhttp.Handler()
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the coupon-engine collectors.
	Registry = prometheus.NewRegistry()

	issueResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coupon",
			Subsystem: "issue",
			Name:      "results_total",
			Help:      "Terminal issue results observed by the result consumer, by result code.",
		},
		[]string{"code"},
	)

	allocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coupon",
			Subsystem: "allocator",
			Name:      "critical_section_seconds",
			Help:      "Time spent holding the allocation lock.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"code"},
	)

	lockContention = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coupon",
			Subsystem: "allocator",
			Name:      "lock_contention_total",
			Help:      "Allocation attempts rejected because the lock was not acquired in time.",
		},
	)

	outboxTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coupon",
			Subsystem: "outbox",
			Name:      "transitions_total",
			Help:      "Outbox status transitions, by target status.",
		},
		[]string{"status"},
	)

	outboxStuck = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coupon",
			Subsystem: "outbox",
			Name:      "stuck_entries",
			Help:      "Outbox entries stuck in a non-terminal status past the threshold.",
		},
		[]string{"status"},
	)

	redeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coupon",
			Subsystem: "channel",
			Name:      "redeliveries_total",
			Help:      "Stream entries re-claimed after going unacknowledged.",
		},
		[]string{"stream"},
	)

	deadLetters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coupon",
			Subsystem: "channel",
			Name:      "dead_letters_total",
			Help:      "Entries given up on after exceeding the delivery limit.",
		},
		[]string{"stream"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coupon",
			Subsystem: "notifications",
			Name:      "consumed_total",
			Help:      "Domain notification events consumed, by event type.",
		},
		[]string{"event_type"},
	)

	expired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coupon",
			Subsystem: "sweeper",
			Name:      "expired_total",
			Help:      "Coupons transitioned to EXPIRED by the sweep.",
		},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		issueResults,
		allocationDuration,
		lockContention,
		outboxTransitions,
		outboxStuck,
		redeliveries,
		deadLetters,
		notifications,
		expired,
	)
}

// Handler exposes the registry for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordIssueResult(code string) {
	issueResults.WithLabelValues(code).Inc()
}

func ObserveCriticalSection(code string, d time.Duration) {
	allocationDuration.WithLabelValues(code).Observe(d.Seconds())
}

func RecordLockContention() {
	lockContention.Inc()
}

func RecordOutboxTransition(status string) {
	outboxTransitions.WithLabelValues(status).Inc()
}

func SetOutboxStuck(status string, n int) {
	outboxStuck.WithLabelValues(status).Set(float64(n))
}

func RecordRedelivery(stream string, n int) {
	redeliveries.WithLabelValues(stream).Add(float64(n))
}

func RecordDeadLetter(stream string) {
	deadLetters.WithLabelValues(stream).Inc()
}

func RecordNotification(eventType string) {
	notifications.WithLabelValues(eventType).Inc()
}

func RecordExpired(n int64) {
	expired.Add(float64(n))
}

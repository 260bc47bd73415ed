package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Datastore metrics
	ModulesInstalled = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_modules_installed",
			Help: "Number of installed YANG modules",
		},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_sessions_active",
			Help: "Number of active client sessions",
		},
	)

	SubscriptionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_subscriptions_active",
			Help: "Number of active subscriptions by kind",
		},
		[]string{"kind"},
	)

	ContentID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_schema_content_id",
			Help: "Current module-registry content ID",
		},
	)

	// Commit metrics
	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_commits_total",
			Help: "Change transactions by outcome",
		},
		[]string{"outcome"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_commit_duration_seconds",
			Help:    "Duration of change transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChangesApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_changes_applied_total",
			Help: "Individual change entries applied by successful commits",
		},
	)

	// Lock metrics
	LockWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_lock_wait_seconds",
			Help:    "Time spent waiting for datastore locks",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	LockTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_lock_timeouts_total",
			Help: "Lock acquisitions that timed out",
		},
	)

	// Notification metrics
	NotificationsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_notifications_sent_total",
			Help: "Notifications delivered to subscribers",
		},
	)

	NotificationsReplayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_notifications_replayed_total",
			Help: "Notifications delivered from the replay log",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ModulesInstalled,
		SessionsActive,
		SubscriptionsActive,
		ContentID,
		CommitsTotal,
		CommitDuration,
		ChangesApplied,
		LockWaitDuration,
		LockTimeouts,
		NotificationsSent,
		NotificationsReplayed,
	)
}

// Handler returns the HTTP handler serving /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCommit records one change transaction
func ObserveCommit(outcome string, started time.Time, changes int) {
	CommitsTotal.WithLabelValues(outcome).Inc()
	CommitDuration.Observe(time.Since(started).Seconds())
	if outcome == "applied" {
		ChangesApplied.Add(float64(changes))
	}
}

// ObserveLockWait records time spent acquiring a lock
func ObserveLockWait(started time.Time) {
	LockWaitDuration.Observe(time.Since(started).Seconds())
}

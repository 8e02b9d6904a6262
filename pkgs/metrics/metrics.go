// Package metrics holds the Prometheus collectors of the election client.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Refresh results
const (
	RefreshPublished = "published"
	RefreshFailed    = "failed"
	RefreshJoined    = "joined"
	RefreshDiscarded = "discarded"
)

// Submission results
const (
	SubmissionConfirmed  = "confirmed"
	SubmissionRejected   = "rejected"
	SubmissionIneligible = "ineligible"
	SubmissionBusy       = "in_progress"
)

// Metrics groups the collectors shared by the synchronizer, the submission
// pipeline and the wallet session
type Metrics struct {
	refreshes          *prometheus.CounterVec
	refreshDuration    prometheus.Histogram
	snapshotVersion    prometheus.Gauge
	votedCache         *prometheus.CounterVec
	submissions        *prometheus.CounterVec
	submissionDuration prometheus.Histogram
	sessionChanges     *prometheus.CounterVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voting_refresh_total",
				Help: "Total number of election state refreshes by result",
			},
			[]string{"result"},
		),
		refreshDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voting_refresh_duration_seconds",
				Help:    "Duration of election state refresh cycles",
				Buckets: prometheus.DefBuckets,
			},
		),
		snapshotVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "voting_snapshot_version",
				Help: "Version of the last published election snapshot",
			},
		),
		votedCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voting_voted_cache_total",
				Help: "Voting record cache lookups by result",
			},
			[]string{"result"},
		),
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voting_submissions_total",
				Help: "Total number of vote submissions by result",
			},
			[]string{"result"},
		),
		submissionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "voting_submission_duration_seconds",
				Help:    "Time from signing request to confirmed or rejected vote",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
		),
		sessionChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voting_session_changes_total",
				Help: "Wallet session changes by kind",
			},
			[]string{"kind"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.refreshes,
			m.refreshDuration,
			m.snapshotVersion,
			m.votedCache,
			m.submissions,
			m.submissionDuration,
			m.sessionChanges,
		)
	}
	return m
}

// ObserveRefresh records a finished refresh cycle
func (m *Metrics) ObserveRefresh(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.refreshes.WithLabelValues(result).Inc()
	if result != RefreshJoined {
		m.refreshDuration.Observe(elapsed.Seconds())
	}
}

// SetSnapshotVersion records the version of the published snapshot
func (m *Metrics) SetSnapshotVersion(version uint64) {
	if m == nil {
		return
	}
	m.snapshotVersion.Set(float64(version))
}

// VotedCacheLookup records a voting record cache hit or miss
func (m *Metrics) VotedCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.votedCache.WithLabelValues("hit").Inc()
		return
	}
	m.votedCache.WithLabelValues("miss").Inc()
}

// ObserveSubmission records the outcome of a vote submission
func (m *Metrics) ObserveSubmission(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(result).Inc()
	if result == SubmissionConfirmed || result == SubmissionRejected {
		m.submissionDuration.Observe(elapsed.Seconds())
	}
}

// SessionChanged records a wallet session transition
func (m *Metrics) SessionChanged(kind string) {
	if m == nil {
		return
	}
	m.sessionChanges.WithLabelValues(kind).Inc()
}

// Refreshes exposes the refresh counter for inspection
func (m *Metrics) Refreshes() *prometheus.CounterVec { return m.refreshes }

// Submissions exposes the submission counter for inspection
func (m *Metrics) Submissions() *prometheus.CounterVec { return m.submissions }

// SnapshotVersion exposes the snapshot version gauge
func (m *Metrics) SnapshotVersion() prometheus.Gauge { return m.snapshotVersion }

// SessionChanges exposes the session change counter
func (m *Metrics) SessionChanges() *prometheus.CounterVec { return m.sessionChanges }

// VotedCache exposes the voting record cache counter
func (m *Metrics) VotedCache() *prometheus.CounterVec { return m.votedCache }

// Package metrics exports save-chain and commit measurements to Prometheus.
package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/datakit/internal/storeerr"
)

const namespace = "datakit"

// Recorder implements save.Recorder and store.Metrics.
//
// Thread-safety: All methods are safe for concurrent use.
type Recorder struct {
	saves          *prometheus.CounterVec
	saveDuration   *prometheus.HistogramVec
	savesInFlight  prometheus.Gauge
	steps          *prometheus.CounterVec
	commits        *prometheus.CounterVec
	commitDuration prometheus.Histogram
	records        prometheus.Counter
	permanentIDs   prometheus.Counter
}

// New creates a Recorder and registers its collectors with reg. A nil reg
// leaves the collectors unregistered.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Save chains finished, by target and result.",
		}, []string{"target", "result"}),
		saveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Time from scheduling a save chain to its completion.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"target"}),
		savesInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "saves_in_flight",
			Help:      "Save chains started but not yet finished.",
		}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "save_steps_total",
			Help:      "Save chain steps, by step kind and result.",
		}, []string{"step", "result"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commits_total",
			Help:      "Change sets committed to the backing stores, by result.",
		}, []string{"result"}),
		commitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_duration_seconds",
			Help:      "Time spent applying one change set.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "committed_records_total",
			Help:      "Inserted, updated and deleted records in successful commits.",
		}),
		permanentIDs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permanent_ids_total",
			Help:      "Permanent identities issued.",
		}),
	}
	if reg == nil {
		return r, nil
	}
	for _, c := range r.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}
	return r, nil
}

func (r *Recorder) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		r.saves, r.saveDuration, r.savesInFlight, r.steps,
		r.commits, r.commitDuration, r.records, r.permanentIDs,
	}
}

// SaveStarted counts a chain as in flight.
func (r *Recorder) SaveStarted(string) {
	r.savesInFlight.Inc()
}

// StepDone counts one chain step.
func (r *Recorder) StepDone(step string, err error) {
	r.steps.WithLabelValues(step, result(err)).Inc()
}

// SaveDone records a finished chain.
func (r *Recorder) SaveDone(target string, elapsed time.Duration, err error) {
	r.savesInFlight.Dec()
	r.saves.WithLabelValues(target, result(err)).Inc()
	r.saveDuration.WithLabelValues(target).Observe(elapsed.Seconds())
}

// CommitDone records one coordinator commit.
func (r *Recorder) CommitDone(records int, elapsed time.Duration, err error) {
	r.commits.WithLabelValues(result(err)).Inc()
	r.commitDuration.Observe(elapsed.Seconds())
	if err == nil {
		r.records.Add(float64(records))
	}
}

// PermanentIDsIssued counts issued identities.
func (r *Recorder) PermanentIDsIssued(n int) {
	r.permanentIDs.Add(float64(n))
}

// result is "ok", the lowercased error code, or "error" for unclassified
// failures.
func result(err error) string {
	if err == nil {
		return "ok"
	}
	if code := storeerr.CodeOf(err); code != "" {
		return strings.ToLower(string(code))
	}
	return "error"
}

// Package metrics exports run outcomes as Prometheus metrics.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/caasmo/certpilot"
)

const namespace = "certpilot"

// Recorder forwards outcomes to another certpilot.Recorder and updates the metrics
// on the way.
type Recorder struct {
	next certpilot.Recorder

	runs        *prometheus.CounterVec
	notAfter    *prometheus.GaugeVec
	lastRun     *prometheus.GaugeVec
	lastSuccess *prometheus.GaugeVec
	duration    prometheus.Histogram
}

// NewRecorder registers the metrics with reg.
func NewRecorder(next certpilot.Recorder, reg prometheus.Registerer) *Recorder {
	if next == nil || reg == nil {
		panic("metrics.NewRecorder: received nil recorder or registerer")
	}
	r := &Recorder{
		next: next,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Renewal runs by domain and final status.",
		}, []string{"domain", "status"}),
		notAfter: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "certificate_not_after_seconds",
			Help:      "Expiry of the current certificate as a Unix timestamp.",
		}, []string{"domain"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Time the last run finished.",
		}, []string{"domain"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Time the last run that did not fail finished.",
		}, []string{"domain"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of renewal runs.",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}
	reg.MustRegister(r.runs, r.notAfter, r.lastRun, r.lastSuccess, r.duration)
	return r
}

func (r *Recorder) Record(ctx context.Context, o certpilot.RunOutcome) error {
	r.runs.WithLabelValues(o.Domain, string(o.Status)).Inc()
	if !o.FinishedAt.IsZero() {
		r.lastRun.WithLabelValues(o.Domain).Set(float64(o.FinishedAt.Unix()))
		if o.Status != certpilot.StatusFailed {
			r.lastSuccess.WithLabelValues(o.Domain).Set(float64(o.FinishedAt.Unix()))
		}
		if !o.StartedAt.IsZero() {
			r.duration.Observe(o.FinishedAt.Sub(o.StartedAt).Seconds())
		}
	}
	// A dry run's certificate was discarded.
	if !o.NotAfter.IsZero() && o.Status != certpilot.StatusDryRun {
		r.notAfter.WithLabelValues(o.Domain).Set(float64(o.NotAfter.Unix()))
	}
	return r.next.Record(ctx, o)
}

func (r *Recorder) Last(ctx context.Context, domain string) (*certpilot.RunOutcome, error) {
	return r.next.Last(ctx, domain)
}

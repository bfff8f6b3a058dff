// Package metrics counts what a run did and exports it for the scheduler
// and the notification collaborator: a Prometheus textfile and the
// etl_stats.json summary.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "strata"

// Outcomes of one input file in a run.
const (
	OutcomeConverted = "converted"
	OutcomeSkipped   = "skipped"
	OutcomeFailed    = "failed"
)

// Metrics is the per-run collector set. It owns its registry so that
// tests and repeated runs never collide on global registration.
type Metrics struct {
	reg *prometheus.Registry

	Files     *prometheus.CounterVec
	Records   *prometheus.CounterVec
	Orphans   *prometheus.CounterVec
	BytesRead prometheus.Counter
	Duration  prometheus.Histogram
	RunTime   prometheus.Gauge
	LastRun   prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Input files seen in the run, by entity type and outcome.",
		}, []string{"entity", "outcome"}),
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_written_total",
			Help:      "Records written to output files, by entity type.",
		}, []string{"entity"}),
		Orphans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_removed_total",
			Help:      "Output files reclaimed after their input disappeared.",
		}, []string{"entity"}),
		BytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_bytes_read_total",
			Help:      "Compressed input bytes read by the converter.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "file_conversion_seconds",
			Help:      "Wall time to convert one input file.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		RunTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of the last run.",
		}),
		LastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished.",
		}),
	}
	m.reg.MustRegister(m.Files, m.Records, m.Orphans, m.BytesRead, m.Duration, m.RunTime, m.LastRun)
	return m
}

// File counts one input file outcome.
func (m *Metrics) File(entity, outcome string) {
	m.Files.WithLabelValues(entity, outcome).Inc()
}

// Converted records a successful conversion.
func (m *Metrics) Converted(entity string, records int64, bytes int64, took time.Duration) {
	m.File(entity, OutcomeConverted)
	m.Records.WithLabelValues(entity).Add(float64(records))
	m.BytesRead.Add(float64(bytes))
	m.Duration.Observe(took.Seconds())
}

// Reclaimed counts removed orphan outputs.
func (m *Metrics) Reclaimed(entity string, n int) {
	m.Orphans.WithLabelValues(entity).Add(float64(n))
}

// Finish stamps the run duration and completion time.
func (m *Metrics) Finish(took time.Duration, at time.Time) {
	m.RunTime.Set(took.Seconds())
	m.LastRun.Set(float64(at.Unix()))
}

// WriteTextfile writes the registry in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("write metrics %s: %w", path, err)
	}
	return nil
}

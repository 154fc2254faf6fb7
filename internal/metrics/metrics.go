// Package metrics holds the Prometheus collectors of one App. Collectors are
// registered on a caller-supplied registry so several Apps can live in one
// process. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	gatherer prometheus.Gatherer

	StageAttempts  *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	StagesRunning  prometheus.Gauge
	AdmissionUnits prometheus.Gauge
	Runs           *prometheus.CounterVec
}

// New registers the stagegrid collectors on reg.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,
		StageAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagegrid_stage_attempts_total",
				Help: "Stage attempts by final status.",
			},
			[]string{"stage", "status"},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stagegrid_stage_duration_seconds",
				Help:    "Wall-clock duration of stage attempts.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"stage"},
		),
		StagesRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "stagegrid_stages_running",
			Help: "Stage processes currently running.",
		}),
		AdmissionUnits: f.NewGauge(prometheus.GaugeOpts{
			Name: "stagegrid_admission_units_in_use",
			Help: "Admission units held by running stages.",
		}),
		Runs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stagegrid_runs_total",
				Help: "Finished runs by final state.",
			},
			[]string{"state"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) StageStarted(units int64) {
	if m == nil {
		return
	}
	m.StagesRunning.Inc()
	m.AdmissionUnits.Add(float64(units))
}

// StageFinished records the end of an attempt that StageStarted counted.
func (m *Metrics) StageFinished(stageID, status string, units int64, d time.Duration) {
	if m == nil {
		return
	}
	m.StagesRunning.Dec()
	m.AdmissionUnits.Sub(float64(units))
	m.StageAttempts.WithLabelValues(stageID, status).Inc()
	m.StageDuration.WithLabelValues(stageID).Observe(d.Seconds())
}

// StageSettled counts a ledger outcome that involved no process (skipped,
// reused, aborted).
func (m *Metrics) StageSettled(stageID, status string) {
	if m == nil {
		return
	}
	m.StageAttempts.WithLabelValues(stageID, status).Inc()
}

func (m *Metrics) RunFinished(state string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(state).Inc()
}

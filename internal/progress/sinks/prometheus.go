package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/terrain-export/internal/progress"
)

// PrometheusSink derives export job metrics from lifecycle events.
type PrometheusSink struct {
	jobsStarted   *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	jobRuntime    *prometheus.HistogramVec
	jobCells      *prometheus.HistogramVec
	artifactMB    prometheus.Histogram

	running *runningSet
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terrain_export_jobs_started_total",
			Help: "Export jobs that passed normalization, by output format.",
		}, []string{"format"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "terrain_export_jobs_completed_total",
			Help: "Export jobs that reached a terminal stage, by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "terrain_export_jobs_running",
			Help: "Export jobs currently in flight.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "terrain_export_job_runtime_seconds",
			Help:    "Wall time per finished export job.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"result"}),
		jobCells: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "terrain_export_job_cells",
			Help:    "Estimated cells per export request, by result.",
			Buckets: prometheus.ExponentialBuckets(1e4, 10, 7),
		}, []string{"result"}),
		artifactMB: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "terrain_export_artifact_megabytes",
			Help:    "Size of produced export archives.",
			Buckets: []float64{0.5, 1, 5, 10, 25, 50, 100, 250, 500},
		}),
		running: &runningSet{ids: make(map[[16]byte]struct{})},
	}
	for _, collector := range []prometheus.Collector{
		s.jobsStarted,
		s.jobsCompleted,
		s.jobsRunning,
		s.jobRuntime,
		s.jobCells,
		s.artifactMB,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.observe(evt)
	}
	return nil
}

func (s *PrometheusSink) observe(evt progress.Event) {
	if evt.Stage == progress.StageJobStart {
		format := evt.Format
		if format == "" {
			format = "unknown"
		}
		s.jobsStarted.WithLabelValues(format).Inc()
		if s.running.add(evt.JobID) {
			s.jobsRunning.Inc()
		}
		return
	}

	result := resultLabel(evt.Stage)
	if result == "" {
		return
	}
	s.jobsCompleted.WithLabelValues(result).Inc()
	if evt.Cells > 0 {
		s.jobCells.WithLabelValues(result).Observe(float64(evt.Cells))
	}
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if evt.Stage == progress.StageJobDone && evt.SizeMB > 0 {
		s.artifactMB.Observe(evt.SizeMB)
	}
	if s.running.remove(evt.JobID) {
		s.jobsRunning.Dec()
	}
}

func resultLabel(stage progress.Stage) string {
	switch stage {
	case progress.StageJobDone:
		return "success"
	case progress.StageJobError:
		return "error"
	case progress.StageJobRejected:
		return "rejected"
	case progress.StageJobCanceled:
		return "canceled"
	default:
		return ""
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runningSet struct {
	mu  sync.Mutex
	ids map[[16]byte]struct{}
}

func (r *runningSet) add(id [16]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = struct{}{}
	return true
}

func (r *runningSet) remove(id [16]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; !ok {
		return false
	}
	delete(r.ids, id)
	return true
}

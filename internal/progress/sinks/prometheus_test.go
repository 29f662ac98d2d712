package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/terrain-export/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the job lifecycle.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	done := [16]byte(uuid.New())
	rejected := [16]byte(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{JobID: done, TS: now, Stage: progress.StageJobStart, Format: "STLb", Cells: 18962},
		{JobID: rejected, TS: now, Stage: progress.StageJobStart, Format: "GeoTiff", Cells: 9e9},
		{JobID: rejected, TS: now, Stage: progress.StageJobRejected, Format: "GeoTiff", Cells: 9e9},
		{
			JobID:  done,
			TS:     now.Add(15 * time.Second),
			Stage:  progress.StageJobDone,
			Cells:  18962,
			SizeMB: 3.2,
			Dur:    15 * time.Second,
		},
	}

	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsStarted.WithLabelValues("STLb")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsStarted.WithLabelValues("GeoTiff")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("success")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("rejected")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.jobsRunning), 1e-9)
	require.Equal(t, 1, testutil.CollectAndCount(sink.artifactMB, "terrain_export_artifact_megabytes"))
	require.Equal(t, 2, testutil.CollectAndCount(sink.jobCells, "terrain_export_job_cells"))
}

// TestPrometheusSinkRunningGauge ignores duplicate starts and unmatched completions.
func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)

	id := [16]byte(uuid.New())
	now := time.Now()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: id, TS: now, Stage: progress.StageJobStart},
		{JobID: id, TS: now, Stage: progress.StageJobStart},
	}))
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsRunning), 1e-9)

	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: id, TS: now, Stage: progress.StageJobCanceled},
		{JobID: id, TS: now, Stage: progress.StageJobError},
	}))
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.jobsRunning), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.jobsCompleted.WithLabelValues("canceled")), 1e-9)
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/terrain-export/internal/export"
)

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	job := export.Job{ID: "job-1", Status: export.JobStatusRunning, Created: time.Unix(0, 0)}

	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job))

	finished := time.Unix(60, 0)
	job.Status = export.JobStatusSucceeded
	job.SizeMB = 1.5
	job.Finished = &finished
	require.NoError(t, store.UpdateJob(ctx, job))

	// Mutating the caller's copy must not leak into the store.
	finished = time.Unix(999, 0)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, export.JobStatusSucceeded, got.Status)
	require.InDelta(t, 1.5, got.SizeMB, 1e-9)
	require.Equal(t, time.Unix(60, 0), *got.Finished)
}

func TestStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewStore()
	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, export.ErrJobNotFound)
	require.ErrorIs(t, store.UpdateJob(context.Background(), export.Job{ID: "missing"}), export.ErrJobNotFound)
}

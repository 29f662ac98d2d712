package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/terrain-export/internal/export"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Config{TTL: ttl}), srv
}

func TestStoreLifecycle(t *testing.T) {
	t.Parallel()

	store, srv := newTestStore(t, time.Hour)
	ctx := context.Background()
	job := export.Job{
		ID:        "0192d1a4-7c2e-7c4b-8f0e-1d2c3b4a5968",
		Status:    export.JobStatusRunning,
		Workspace: "/tmp/ws",
		Created:   time.Unix(1700000000, 0).UTC(),
	}

	require.NoError(t, store.CreateJob(ctx, job))
	require.Error(t, store.CreateJob(ctx, job))
	require.True(t, srv.Exists("terrain:job:"+job.ID))
	require.Equal(t, time.Hour, srv.TTL("terrain:job:"+job.ID))

	job.Status = export.JobStatusSucceeded
	job.ArtifactURL = "/download/" + job.ZipName()
	job.SizeMB = 2.5
	require.NoError(t, store.UpdateJob(ctx, job))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, export.JobStatusSucceeded, got.Status)
	require.Equal(t, job.ArtifactURL, got.ArtifactURL)
	require.Equal(t, job.Created, got.Created)
	// Local paths are not shared across instances.
	require.Empty(t, got.Workspace)
}

func TestStoreMissingAndExpired(t *testing.T) {
	t.Parallel()

	store, srv := newTestStore(t, time.Minute)
	ctx := context.Background()

	_, err := store.GetJob(ctx, "nope")
	require.ErrorIs(t, err, export.ErrJobNotFound)
	require.ErrorIs(t, store.UpdateJob(ctx, export.Job{ID: "nope"}), export.ErrJobNotFound)

	require.NoError(t, store.CreateJob(ctx, export.Job{ID: "short"}))
	srv.FastForward(2 * time.Minute)
	_, err = store.GetJob(ctx, "short")
	require.ErrorIs(t, err, export.ErrJobNotFound)
	require.NoError(t, store.Ping(ctx))
}

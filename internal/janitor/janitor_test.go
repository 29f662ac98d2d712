package janitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string, mod time.Time) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte("zip"), 0o600))
	require.NoError(t, os.Chtimes(p, mod, mod))
	return p
}

func TestSweepRemovesExpiredArchives(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now()
	old := touch(t, dir, "old.zip", now.Add(-7*time.Hour))
	fresh := touch(t, dir, "fresh.zip", now.Add(-time.Hour))
	other := touch(t, dir, "notes.txt", now.Add(-48*time.Hour))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.zip"), 0o750))

	s, err := New(Config{Dir: dir, Retention: 6 * time.Hour, Now: func() time.Time { return now }})
	require.NoError(t, err)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoFileExists(t, old)
	require.FileExists(t, fresh)
	require.FileExists(t, other)
	require.DirExists(t, filepath.Join(dir, "nested.zip"))
}

func TestSweepMissingDirectory(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Dir: filepath.Join(t.TempDir(), "absent"), Retention: time.Hour})
	require.NoError(t, err)
	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Retention: time.Hour})
	require.Error(t, err)
	_, err = New(Config{Dir: "x"})
	require.Error(t, err)
	_, err = New(Config{Dir: "x", Retention: time.Hour, Pattern: "["})
	require.Error(t, err)

	s, err := New(Config{Dir: "x", Retention: 6 * time.Hour})
	require.NoError(t, err)
	require.Equal(t, time.Hour, s.cfg.Interval)
}

func TestRunStopsWithContext(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	now := time.Now()
	old := touch(t, dir, "old.zip", now.Add(-2*time.Hour))
	s, err := New(Config{Dir: dir, Retention: time.Hour, Interval: 10 * time.Millisecond})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool {
		_, err := os.Stat(old)
		return os.IsNotExist(err)
	}, time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

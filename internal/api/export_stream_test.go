package api

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/terrain-export/internal/clock/system"
	"github.com/JakeFAU/terrain-export/internal/export"
	"github.com/JakeFAU/terrain-export/internal/tiles/manifest"
)

// gatedGenerator announces each call on started and waits for release
// (or cancellation) before delegating to the manifest generator.
type gatedGenerator struct {
	calls    atomic.Int32
	started  chan struct{}
	release  chan struct{}
	canceled chan struct{}
}

func newGatedGenerator() *gatedGenerator {
	return &gatedGenerator{
		started:  make(chan struct{}, 1),
		release:  make(chan struct{}),
		canceled: make(chan struct{}, 1),
	}
}

func (g *gatedGenerator) Generate(ctx context.Context, req export.TileRequest) (export.TileResult, error) {
	g.calls.Add(1)
	g.started <- struct{}{}
	select {
	case <-g.release:
		return manifest.New(nil).Generate(ctx, req)
	case <-ctx.Done():
		g.canceled <- struct{}{}
		return export.TileResult{}, ctx.Err()
	}
}

func withGenerator(t *testing.T, gen export.TileGenerator) envOption {
	t.Helper()
	return func(o *Options) {
		pipeline, err := export.NewPipeline(
			export.Config{Admission: export.AdmissionPolicy{Ceiling: 500_000_000}, HaltOnReject: true},
			export.Deps{Workspace: o.Workspace, Generator: gen, Jobs: o.Jobs, Clock: system.New()},
		)
		require.NoError(t, err)
		o.Exporter = pipeline
	}
}

func postExportLive(t *testing.T, ctx context.Context, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/export", strings.NewReader(exportForm().Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

// readUntil reads from r until every marker has appeared in the accumulated text.
func readUntil(t *testing.T, r *bufio.Reader, markers ...string) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 512)
	for {
		done := true
		for _, m := range markers {
			if !strings.Contains(sb.String(), m) {
				done = false
				break
			}
		}
		if done {
			return sb.String()
		}
		n, err := r.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			t.Fatalf("stream ended before %q: %v (got %q)", markers, err, sb.String())
		}
	}
}

func TestExportFlushesFragmentsBeforeGeneratorReturns(t *testing.T) {
	t.Parallel()

	gen := newGatedGenerator()
	env := newTestEnv(t, withGenerator(t, gen))
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	resp := postExportLive(t, context.Background(), ts.URL)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))

	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generator was never invoked")
	}

	br := bufio.NewReader(resp.Body)
	early := readUntil(t, br,
		"Processing terrain data into 3D print file(s):",
		"DEM_name = USGS/NED",
		"processing.gif",
	)
	require.NotContains(t, early, "total zipsize")

	close(gen.release)
	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	require.Contains(t, string(rest), "total zipsize")
	require.True(t, strings.HasSuffix(string(rest), pageClose))
	require.Equal(t, int32(1), gen.calls.Load())
}

func TestExportCanceledBeforeGeneratorRuns(t *testing.T) {
	t.Parallel()

	gen := newGatedGenerator()
	close(gen.release)
	env := newTestEnv(t, withGenerator(t, gen))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/export", strings.NewReader(exportForm().Encode())).WithContext(ctx)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Zero(t, gen.calls.Load())
	require.NotContains(t, rec.Body.String(), "total zipsize")
	require.NotRegexp(t, downloadLink, rec.Body.String())
}

func TestExportClientDisconnectCancelsGenerator(t *testing.T) {
	t.Parallel()

	gen := newGatedGenerator()
	env := newTestEnv(t, withGenerator(t, gen))
	ts := httptest.NewServer(env.server.Handler())
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	resp := postExportLive(t, ctx, ts.URL)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case <-gen.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generator was never invoked")
	}
	cancel()
	_ = resp.Body.Close()

	select {
	case <-gen.canceled:
	case <-time.After(5 * time.Second):
		t.Fatal("generator context was not canceled after the client went away")
	}
}

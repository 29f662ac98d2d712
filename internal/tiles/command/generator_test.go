package command

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/terrain-export/internal/export"
)

const helperEnv = "TERRAIN_TILES_HELPER"

// TestHelperProcess is not a real test. It stands in for the external mesher
// when re-executed by the tests below.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv(helperEnv)
	if mode == "" {
		t.Skip("helper process only")
	}
	raw, _ := io.ReadAll(os.Stdin)
	var req export.TileRequest
	_ = json.Unmarshal(raw, &req)

	switch mode {
	case "ok":
		fmt.Println("meshing tile 1/1")
		fmt.Printf(`{"size_mb": 1.5, "path": %q}`+"\n", req.Workspace+"/"+req.ZipName)
	case "sentinel":
		fmt.Println(`{"size_mb": -1, "path": "DEM out of range"}`)
	case "fail":
		fmt.Fprintln(os.Stderr, "boom: no elevation data")
		os.Exit(3)
	case "garbage":
		fmt.Println("done!")
	case "sleep":
		time.Sleep(time.Minute)
	}
	os.Exit(0)
}

func helper(t *testing.T, mode string) *Generator {
	t.Helper()
	g, err := New(Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=^TestHelperProcess$"},
		Env:     []string{helperEnv + "=" + mode},
	})
	require.NoError(t, err)
	return g
}

func request(t *testing.T) export.TileRequest {
	t.Helper()
	return export.TileRequest{JobID: "job-1", Workspace: t.TempDir(), ZipName: "job-1.zip", Dataset: "USGS/NED"}
}

func TestGenerateParsesLastLine(t *testing.T) {
	t.Parallel()

	req := request(t)
	res, err := helper(t, "ok").Generate(context.Background(), req)
	require.NoError(t, err)
	require.InDelta(t, 1.5, res.SizeMB, 1e-9)
	require.Equal(t, req.Workspace+"/job-1.zip", res.Path)
}

func TestGeneratePassesSentinelThrough(t *testing.T) {
	t.Parallel()

	res, err := helper(t, "sentinel").Generate(context.Background(), request(t))
	require.NoError(t, err)
	require.Less(t, res.SizeMB, 0.0)
	require.Equal(t, "DEM out of range", res.Path)
}

func TestGenerateReportsStderrOnExitCode(t *testing.T) {
	t.Parallel()

	_, err := helper(t, "fail").Generate(context.Background(), request(t))
	require.ErrorContains(t, err, "code 3")
	require.ErrorContains(t, err, "boom: no elevation data")
}

func TestGenerateRejectsUnparsableOutput(t *testing.T) {
	t.Parallel()

	_, err := helper(t, "garbage").Generate(context.Background(), request(t))
	require.ErrorContains(t, err, "decode generator result")
}

func TestGenerateStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := helper(t, "sleep").Generate(ctx, request(t))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 30*time.Second)
}

func TestNewRequiresCommand(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
	_, err = New(Config{Command: "definitely-not-a-real-mesher-binary"})
	require.Error(t, err)
}

func TestCappedDiscardsOverflow(t *testing.T) {
	t.Parallel()

	c := &capped{limit: 4}
	n, err := c.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, "abcd", c.String())
}

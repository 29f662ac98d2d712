package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/terrain-export/internal/config"
	"github.com/JakeFAU/terrain-export/internal/export"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

var boxArgs = []string{"--trlat", "44.70", "--trlon", "-107.98", "--bllat", "44.50", "--bllon", "-108.25"}

func TestEstimateText(t *testing.T) {
	t.Parallel()
	out, err := execute(t, append([]string{"estimate"}, boxArgs...)...)
	require.NoError(t, err)
	require.Contains(t, out, "mode:              print")
	require.Contains(t, out, "decision:          accepted")
}

func TestEstimateJSONRejects(t *testing.T) {
	t.Parallel()
	args := []string{"estimate", "--json",
		"--trlat", "10", "--trlon", "10", "--bllat", "0", "--bllon", "0",
		"--printres", "0.01", "--tilewidth", "200", "--ntilesx", "2", "--ntilesy", "2",
	}
	out, err := execute(t, args...)
	require.NoError(t, err)

	var got estimateOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, export.ModePrintResolution, got.Estimate.Mode)
	require.False(t, got.Decision.Accepted)
	require.NotEmpty(t, got.Decision.RejectionMessage)
}

func TestEstimateRequiresBox(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "estimate", "--trlat", "1")
	require.Error(t, err)
}

type stubRunner struct {
	err error
	ran bool
}

func (s *stubRunner) Run(context.Context) error {
	s.ran = true
	return s.err
}

func TestServeRunsApp(t *testing.T) {
	stub := &stubRunner{err: context.Canceled}
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(_ context.Context, cfg *config.Config) (runner, error) {
		require.Equal(t, "/download", cfg.Export.DownloadPrefix)
		return stub, nil
	}

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.True(t, stub.ran)
}

func TestServeReportsBuildFailure(t *testing.T) {
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	newApp = func(context.Context, *config.Config) (runner, error) {
		return nil, errors.New("boom")
	}

	_, err := execute(t, "serve")
	require.ErrorContains(t, err, "boom")
}

func TestServeRejectsMissingConfigFile(t *testing.T) {
	_, err := execute(t, "serve", "--config", "does-not-exist.yaml")
	require.ErrorContains(t, err, "load config")
}

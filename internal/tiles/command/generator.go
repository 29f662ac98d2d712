// Package command delegates tile generation to an external program. The
// request is written to its stdin as JSON and the last non-empty stdout line
// must be a JSON object {"size_mb": ..., "path": ...}.
package command

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/terrain-export/internal/export"
)

const (
	waitDelay   = 5 * time.Second
	stderrLimit = 4 << 10
	stdoutLimit = 1 << 20
)

// Config describes the program to run.
type Config struct {
	Command string
	Args    []string
	// Env is appended to the current process environment.
	Env    []string
	Logger *zap.Logger
}

// Generator runs Config.Command once per export.
type Generator struct {
	path   string
	args   []string
	env    []string
	logger *zap.Logger
}

// New resolves the command on PATH.
func New(cfg Config) (*Generator, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, fmt.Errorf("generator command is required")
	}
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("resolve generator command: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		path:   path,
		args:   append([]string(nil), cfg.Args...),
		env:    append([]string(nil), cfg.Env...),
		logger: logger.Named("tiles.command"),
	}, nil
}

// Generate runs the program. Cancelling ctx kills it. A negative size in its
// reply is passed through untouched.
func (g *Generator) Generate(ctx context.Context, req export.TileRequest) (export.TileResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return export.TileResult{}, fmt.Errorf("encode tile request: %w", err)
	}

	cmd := exec.CommandContext(ctx, g.path, g.args...)
	cmd.Dir = req.Workspace
	cmd.Env = append(os.Environ(), g.env...)
	cmd.Stdin = bytes.NewReader(payload)
	stdout := &capped{limit: stdoutLimit}
	stderr := &capped{limit: stderrLimit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	runErr := cmd.Run()
	g.logger.Debug("generator exited",
		zap.String("job_id", req.JobID),
		zap.Duration("took", time.Since(start)),
		zap.Error(runErr),
	)
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return export.TileResult{}, fmt.Errorf("generator interrupted: %w", ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				return export.TileResult{}, fmt.Errorf("generator exited with code %d: %s", exitErr.ExitCode(), msg)
			}
		}
		return export.TileResult{}, fmt.Errorf("run generator: %w", runErr)
	}
	return parseResult(stdout.Bytes())
}

func parseResult(out []byte) (export.TileResult, error) {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64<<10), stdoutLimit)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			last = line
		}
	}
	if err := sc.Err(); err != nil {
		return export.TileResult{}, fmt.Errorf("read generator output: %w", err)
	}
	if last == "" {
		return export.TileResult{}, fmt.Errorf("generator produced no result")
	}
	var res export.TileResult
	if err := json.Unmarshal([]byte(last), &res); err != nil {
		return export.TileResult{}, fmt.Errorf("decode generator result %q: %w", last, err)
	}
	return res, nil
}

// capped keeps the first limit bytes written to it and discards the rest.
type capped struct {
	bytes.Buffer
	limit int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.limit - c.Len(); room > 0 {
		if len(p) > room {
			c.Buffer.Write(p[:room])
		} else {
			c.Buffer.Write(p)
		}
	}
	return len(p), nil
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("export run not found")

// RunStatus mirrors the export_runs.status column.
type RunStatus string

// Run statuses persisted in export_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunRejected  RunStatus = "rejected"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Run models one row of export_runs.
type Run struct {
	JobID     uuid.UUID
	Dataset   string
	Format    string
	Cells     int64
	Status    RunStatus
	StartedAt time.Time
	// FinishedAt is nil while the run is in flight.
	FinishedAt   *time.Time
	SizeMB       *float64
	ErrorMessage *string
}

// RunRepository persists export run history.
type RunRepository interface {
	// StartRun inserts the run or refreshes its request columns.
	StartRun(ctx context.Context, run Run) error
	// FinishRun records the terminal status of a run.
	FinishRun(
		ctx context.Context,
		jobID uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		sizeMB *float64,
		errMsg *string,
	) error
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, jobID uuid.UUID) (Run, error)
	// ListRuns returns runs newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}

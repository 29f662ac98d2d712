package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/terrain-export/internal/progress"
	"github.com/JakeFAU/terrain-export/internal/store"
)

// StoreSink records lifecycle events as export run rows.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for repo.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies events in order. The first repository error aborts the batch.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		if err := s.apply(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) apply(ctx context.Context, evt progress.Event) error {
	jobID := evt.JobUUID()
	if evt.Stage == progress.StageJobStart {
		run := store.Run{
			JobID:     jobID,
			Dataset:   evt.Dataset,
			Format:    evt.Format,
			Cells:     evt.Cells,
			Status:    store.RunRunning,
			StartedAt: evt.TS,
		}
		if err := s.repo.StartRun(ctx, run); err != nil {
			return fmt.Errorf("start export run: %w", err)
		}
		return nil
	}

	status, ok := terminalStatus(evt.Stage)
	if !ok {
		return nil
	}
	var size *float64
	if evt.Stage == progress.StageJobDone {
		size = &evt.SizeMB
	}
	var note *string
	if evt.Note != "" {
		note = &evt.Note
	}
	if err := s.repo.FinishRun(ctx, jobID, evt.TS, status, size, note); err != nil {
		return fmt.Errorf("finish export run: %w", err)
	}
	return nil
}

func terminalStatus(stage progress.Stage) (store.RunStatus, bool) {
	switch stage {
	case progress.StageJobDone:
		return store.RunSucceeded, true
	case progress.StageJobError:
		return store.RunFailed, true
	case progress.StageJobRejected:
		return store.RunRejected, true
	case progress.StageJobCanceled:
		return store.RunCanceled, true
	default:
		return "", false
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

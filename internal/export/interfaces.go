package export

import (
	"context"
	"io"
	"time"
)

// TileRequest is the full parameter set handed to a TileGenerator.
type TileRequest struct {
	JobID     string         `json:"job_id"`
	Workspace string         `json:"temp_folder"`
	ZipName   string         `json:"zip_file_name"`
	Dataset   string         `json:"DEM_name"`
	Box       BoundingBox    `json:"box"`
	Print     PrintSpec      `json:"print"`
	Aux       map[string]any `json:"extra,omitempty"`
	// Workers is a parallelism hint for the generator.
	Workers int `json:"CPU_cores_to_use"`
	// MaxCellsInMemory is the size above which the generator should spill to disk.
	MaxCellsInMemory int64 `json:"max_cells_for_memory_only"`
}

// TileResult is what a TileGenerator returns. A negative SizeMB is a failure
// sentinel: Path then carries the error text instead of a file path.
type TileResult struct {
	SizeMB float64 `json:"size_mb"`
	Path   string  `json:"path"`
}

// TileGenerator produces the zipped tiles for an admitted job.
type TileGenerator interface {
	Generate(ctx context.Context, req TileRequest) (TileResult, error)
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// JobStore records job status for later lookups.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// BlobStore mirrors produced artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes completion notices to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Stream receives pipeline events in order. A Send error means the caller is
// gone and the pipeline stops at the next stage boundary.
type Stream interface {
	Send(ctx context.Context, evt Event) error
}

// StreamFunc adapts a function to the Stream interface.
type StreamFunc func(ctx context.Context, evt Event) error

// Send calls f.
func (f StreamFunc) Send(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}

package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the lifecycle milestone represented by an Event.
type Stage string

// Supported lifecycle stages.
const (
	StageJobStart    Stage = "JOB_START"
	StageJobRejected Stage = "JOB_REJECTED"
	StageJobDone     Stage = "JOB_DONE"
	StageJobError    Stage = "JOB_ERROR"
	StageJobCanceled Stage = "JOB_CANCELED"
)

// Event captures one export lifecycle transition.
type Event struct {
	// JobID is the 16-byte form of the job UUID.
	JobID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Dataset and Format describe the request when known.
	Dataset string
	Format  string
	// Cells is the admission estimate.
	Cells int64
	// SizeMB is the artifact size for JOB_DONE.
	SizeMB float64
	// Dur is the wall time since JOB_START for terminal stages.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == [16]byte{} {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageJobRejected, StageJobDone, StageJobError, StageJobCanceled:
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Cells < 0 {
		return errors.New("cells must be >= 0")
	}
	return nil
}

// Terminal reports whether the stage ends a job.
func (s Stage) Terminal() bool {
	return s == StageJobDone || s == StageJobError || s == StageJobCanceled
}

// JobUUID converts the binary job ID to uuid.UUID for repositories.
func (e Event) JobUUID() uuid.UUID {
	return uuid.UUID(e.JobID)
}

// JobIDBytes encodes a job identifier. UUID strings are used as-is; any other
// identifier is mapped to a stable name-based UUID.
func JobIDBytes(id string) [16]byte {
	parsed, err := uuid.Parse(id)
	if err != nil {
		parsed = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
	}
	return [16]byte(parsed)
}

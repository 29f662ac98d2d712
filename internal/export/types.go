// Package export implements the terrain export admission-and-orchestration
// pipeline: request normalization, workload estimation, admission control,
// job workspace handling and the ordered progress events that wrap delegation
// to a tile generator.
package export

import (
	"math"
	"time"
)

// Format is a requested output file format.
type Format string

// Supported output formats. GeoTiff is packaged straight from the source
// dataset; the others are meshed per cell.
const (
	FormatGeoTiff Format = "GeoTiff"
	FormatSTLb    Format = "STLb"
	FormatSTLa    Format = "STLa"
	FormatOBJ     Format = "obj"
)

// IsRaw reports whether the format skips per-cell processing.
func (f Format) IsRaw() bool {
	return f == FormatGeoTiff
}

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	switch f {
	case FormatGeoTiff, FormatSTLb, FormatSTLa, FormatOBJ:
		return true
	default:
		return false
	}
}

// Microdegrees is a fixed-point angle, one unit per 1e-6 degree.
type Microdegrees int64

// ToMicrodegrees truncates a degree value toward zero at microdegree precision.
// Values beyond the int64 range saturate; NaN maps to zero.
func ToMicrodegrees(deg float64) Microdegrees {
	v := math.Trunc(deg * 1e6)
	switch {
	case math.IsNaN(v):
		return 0
	case v >= math.MaxInt64:
		return math.MaxInt64
	case v <= math.MinInt64:
		return math.MinInt64
	}
	return Microdegrees(v)
}

// Degrees converts back to floating point degrees.
func (m Microdegrees) Degrees() float64 {
	return float64(m) / 1e6
}

// BoundingBox is the requested region. Corner ordering is not enforced.
type BoundingBox struct {
	BottomLat Microdegrees `json:"bllat"`
	BottomLon Microdegrees `json:"bllon"`
	TopLat    Microdegrees `json:"trlat"`
	TopLon    Microdegrees `json:"trlon"`
}

// PrintSpec holds the 3D print parameters of a request.
type PrintSpec struct {
	// Resolution is the nozzle-scale print resolution in mm; <= 0 means
	// "use the source dataset resolution".
	Resolution    float64 `json:"printres"`
	TileWidth     float64 `json:"tilewidth"`
	TilesX        int     `json:"ntilesx"`
	TilesY        int     `json:"ntilesy"`
	BaseThickness float64 `json:"basethick"`
	ZScale        float64 `json:"zscale"`
	Format        Format  `json:"fileformat"`
}

// TotalTiles returns TilesX*TilesY.
func (p PrintSpec) TotalTiles() int {
	return p.TilesX * p.TilesY
}

// JobRequest is the normalized form of one export request.
type JobRequest struct {
	Dataset string
	Box     BoundingBox
	Print   PrintSpec
	// Fields holds the raw form values after the auxiliary overlay.
	Fields map[string]string
	// Aux holds the decoded auxiliary parameters, nil when absent or invalid.
	Aux map[string]any
}

// OnlySubset reports whether the auxiliary parameters select a subset of tiles.
func (r JobRequest) OnlySubset() bool {
	v, ok := r.Aux[AuxOnlyKey]
	return ok && v != nil
}

// EstimateMode names how a workload estimate was derived.
type EstimateMode string

// Estimation modes.
const (
	ModePrintResolution  EstimateMode = "print"
	ModeSourceResolution EstimateMode = "source"
)

// WorkloadEstimate is the estimated amount of cells implicated by a request.
type WorkloadEstimate struct {
	Cells   int64        `json:"cells"`
	Mode    EstimateMode `json:"mode"`
	Divisor float64      `json:"divisor"`
	// SourceCellArcSec is set in source-resolution mode only.
	SourceCellArcSec float64 `json:"source_cell_arcsec,omitempty"`
	DLon             float64 `json:"dlon"`
	DLat             float64 `json:"dlat"`
	CenterLat        float64 `json:"center_lat"`
	// TileHeight is the derived tile height in mm, print-resolution mode only.
	TileHeight float64 `json:"tile_height,omitempty"`
}

// AdmissionDecision is the outcome of comparing an estimate to the ceiling.
type AdmissionDecision struct {
	Accepted          bool   `json:"accepted"`
	Cells             int64  `json:"cells"`
	EffectiveCeiling  int64  `json:"effective_ceiling"`
	RejectionMessage  string `json:"rejection_message,omitempty"`
	RelaxedForRawData bool   `json:"relaxed_for_raw_data"`
}

// JobStatus is the lifecycle state of an export job.
type JobStatus string

// Job status values.
const (
	JobStatusRunning   JobStatus = "running"
	JobStatusRejected  JobStatus = "rejected"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCanceled  JobStatus = "canceled"
)

// Job is one export invocation. It is owned by the pipeline run that created it.
type Job struct {
	ID           string     `json:"id"`
	Status       JobStatus  `json:"status"`
	Workspace    string     `json:"-"`
	Dataset      string     `json:"dataset"`
	Format       Format     `json:"format"`
	Cells        int64      `json:"cells"`
	ArtifactPath string     `json:"-"`
	ArtifactURL  string     `json:"artifact_url,omitempty"`
	ArtifactURI  string     `json:"artifact_uri,omitempty"`
	SizeMB       float64    `json:"size_mb"`
	ErrorText    string     `json:"error_text,omitempty"`
	Created      time.Time  `json:"created_at"`
	Finished     *time.Time `json:"finished_at,omitempty"`
}

// ZipName is the artifact file name for the job.
func (j Job) ZipName() string {
	return j.ID + ".zip"
}

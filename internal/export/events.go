package export

// EventKind tags each pipeline event.
type EventKind string

// Event kinds in the order they can appear on a stream.
const (
	EventBanner         EventKind = "banner"
	EventParams         EventKind = "params"
	EventAuxWarning     EventKind = "aux_warning"
	EventRejected       EventKind = "rejected"
	EventProcessing     EventKind = "processing"
	EventWorkspaceError EventKind = "workspace_error"
	EventError          EventKind = "error"
	EventArtifactReady  EventKind = "artifact_ready"
	EventCanceled       EventKind = "canceled"
)

// Param is one echoed request parameter.
type Param struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Event is a tagged stage outcome. Rendering is left to the transport.
type Event struct {
	Kind    EventKind `json:"kind"`
	JobID   string    `json:"job_id,omitempty"`
	Message string    `json:"message,omitempty"`
	// Params and Extra are set on EventParams.
	Params []Param `json:"params,omitempty"`
	Extra  []Param `json:"extra,omitempty"`
	// Decision is set on EventRejected.
	Decision *AdmissionDecision `json:"decision,omitempty"`
	// Artifact fields are set on EventArtifactReady.
	SizeMB      float64 `json:"size_mb,omitempty"`
	ArtifactURL string  `json:"artifact_url,omitempty"`
	Err         error   `json:"-"`
}

// Terminal reports whether no further events follow e.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventArtifactReady, EventError, EventCanceled:
		return true
	default:
		return false
	}
}

package export

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the pipeline stages.
var (
	ErrMalformedRequest = errors.New("malformed export request")
	ErrDegenerateBox    = errors.New("bounding box has zero longitude span")
	ErrUnknownDataset   = errors.New("unknown elevation dataset")
	ErrDelegateFailure  = errors.New("tile generation failed")
	// ErrJobNotFound is returned by JobStore implementations for unknown IDs.
	ErrJobNotFound = errors.New("job not found")
)

// MalformedRequestError names the field that failed normalization.
type MalformedRequestError struct {
	Field  string
	Value  string
	Reason string
}

func (e *MalformedRequestError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("field %s=%q: %s", e.Field, e.Value, e.Reason)
}

// Unwrap lets errors.Is match ErrMalformedRequest.
func (e *MalformedRequestError) Unwrap() error {
	return ErrMalformedRequest
}

// AuxiliaryParseError reports an auxiliary blob that could not be decoded. It
// is a warning: the request continues with its base fields.
type AuxiliaryParseError struct {
	Raw string
	Err error
}

func (e *AuxiliaryParseError) Error() string {
	return fmt.Sprintf("decode auxiliary parameters %q: %v", e.Raw, e.Err)
}

func (e *AuxiliaryParseError) Unwrap() error {
	return e.Err
}

// WorkspaceError wraps a failure to prepare the job workspace.
type WorkspaceError struct {
	Path string
	Err  error
}

func (e *WorkspaceError) Error() string {
	return fmt.Sprintf("workspace %s: %v", e.Path, e.Err)
}

func (e *WorkspaceError) Unwrap() error {
	return e.Err
}

// DelegateError carries the text reported by a failed tile generation,
// whether it came back as an error or as the negative-size sentinel.
type DelegateError struct {
	Message string
	Err     error
}

func (e *DelegateError) Error() string {
	return e.Message
}

// Is matches ErrDelegateFailure.
func (e *DelegateError) Is(target error) bool {
	return target == ErrDelegateFailure
}

func (e *DelegateError) Unwrap() error {
	return e.Err
}

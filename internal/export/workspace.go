package export

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Workspace owns the directory where job artifacts are written.
type Workspace struct {
	root  string
	ids   IDGenerator
	clock Clock
}

// NewWorkspace builds a Workspace rooted at dir.
func NewWorkspace(dir string, ids IDGenerator, clock Clock) (*Workspace, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("workspace directory is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace directory: %w", err)
	}
	return &Workspace{root: abs, ids: ids, clock: clock}, nil
}

// Root returns the absolute workspace path.
func (w *Workspace) Root() string {
	return w.root
}

// Ensure creates the workspace directory. It is idempotent; an existing
// directory is not an error.
func (w *Workspace) Ensure() error {
	err := os.MkdirAll(w.root, 0o750)
	if err == nil {
		return nil
	}
	// A concurrent creator may have won the race.
	if errors.Is(err, fs.ErrExist) {
		if info, statErr := os.Stat(w.root); statErr == nil && info.IsDir() {
			return nil
		}
	}
	return &WorkspaceError{Path: w.root, Err: err}
}

// NewJob allocates a job with a fresh identifier.
func (w *Workspace) NewJob() (Job, error) {
	id, err := w.ids.NewID()
	if err != nil {
		return Job{}, fmt.Errorf("allocate job id: %w", err)
	}
	return Job{
		ID:        id,
		Status:    JobStatusRunning,
		Workspace: w.root,
		Created:   w.clock.Now(),
	}, nil
}

// ArtifactPath returns the absolute path of a workspace file, rejecting names
// that would escape the workspace.
func (w *Workspace) ArtifactPath(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return filepath.Join(w.root, name), nil
}

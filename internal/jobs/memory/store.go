// Package memory provides an in-process job registry for development and
// single-instance deployments.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/terrain-export/internal/export"
)

// Store keeps jobs in a map guarded by a RWMutex.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]export.Job
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{jobs: make(map[string]export.Job)}
}

// CreateJob stores a new job; IDs must be unique.
func (s *Store) CreateJob(_ context.Context, job export.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// UpdateJob replaces the stored job.
func (s *Store) UpdateJob(_ context.Context, job export.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return export.ErrJobNotFound
	}
	s.jobs[job.ID] = cloneJob(job)
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (export.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return export.Job{}, export.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func cloneJob(job export.Job) export.Job {
	if job.Finished != nil {
		ts := *job.Finished
		job.Finished = &ts
	}
	return job
}

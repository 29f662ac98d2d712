// Package redis provides a job registry shared across instances through Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/terrain-export/internal/export"
)

// Config controls connection and key layout.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires job records; zero keeps them forever.
	TTL time.Duration
}

// Store keeps each job as a JSON value under KeyPrefix+ID.
type Store struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Join(fmt.Errorf("redis ping failed: %w", err), client.Close())
	}
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient, cfg Config) *Store {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "terrain:job:"
	}
	return &Store{client: client, prefix: prefix, ttl: cfg.TTL}
}

// Close closes the underlying client.
func (s *Store) Close() error {
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// CreateJob stores job only if its ID is unused.
func (s *Store) CreateJob(ctx context.Context, job export.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(job.ID), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if !ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return nil
}

// UpdateJob overwrites an existing job and refreshes its TTL.
func (s *Store) UpdateJob(ctx context.Context, job export.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.key(job.ID), payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if !ok {
		return export.ErrJobNotFound
	}
	return nil
}

// GetJob loads a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (export.Job, error) {
	raw, err := s.client.Get(ctx, s.key(jobID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return export.Job{}, export.ErrJobNotFound
	}
	if err != nil {
		return export.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	var job export.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return export.Job{}, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return job, nil
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// Package jobs tracks the lifecycle of asynchronous ingestion jobs.
//
// Every upload or external import is registered as a job before any work
// starts, so clients can poll its status immediately. Jobs live in memory
// only; a restart forgets them, while the committed batches of an
// interrupted job remain in the store.
package jobs

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitalstore/vitalstore/internal/errors"
	"github.com/vitalstore/vitalstore/internal/logging"
)

var log = logging.Component("jobs")

// State is the lifecycle state of a job.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is a point-in-time snapshot of one tracked job.
//
// Total is unknown while a job runs (the document is streamed, not counted
// up front); completion fixes it at the final progress value. FinishedAt is
// set when the job reaches a terminal state.
type Job struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	State      State      `json:"state"`
	Progress   int64      `json:"progress"`
	Total      *int64     `json:"total,omitempty"`
	Error      string     `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Registry tracks jobs by id. Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[string]*Job),
	}
}

// Create registers a new pending job and returns its id. The id is
// visible to Get before any work on the job has started.
func (r *Registry) Create(kind string) string {
	id := uuid.NewString()
	now := time.Now().UTC()

	r.mu.Lock()
	r.jobs[id] = &Job{
		ID:        id,
		Kind:      kind,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Unlock()

	log.Info("job created", "job_id", id, "kind", kind)
	return id
}

// Get returns a snapshot of the job, or ErrJobNotFound.
func (r *Registry) Get(id string) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return Job{}, errors.NewJobNotFound(id)
	}
	return *job, nil
}

// List returns snapshots of all jobs, newest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Job, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Start moves a pending job to processing.
func (r *Registry) Start(id string) error {
	return r.update(id, func(job *Job) error {
		if job.State != StatePending {
			return fmt.Errorf("job %s is %s: %w", id, job.State, errors.ErrJobTerminal)
		}
		job.State = StateProcessing
		return nil
	})
}

// AddProgress increments a processing job's progress counter. Progress
// only ever grows; negative deltas are rejected.
func (r *Registry) AddProgress(id string, delta int64) error {
	if delta < 0 {
		return fmt.Errorf("negative progress delta %d: %w", delta, errors.ErrInvalidRequest)
	}
	return r.update(id, func(job *Job) error {
		if job.State.Terminal() {
			return fmt.Errorf("job %s is %s: %w", id, job.State, errors.ErrJobTerminal)
		}
		job.Progress += delta
		return nil
	})
}

// Complete moves a job to its completed terminal state. The total, unknown
// while the document streamed, is fixed at the final progress value.
func (r *Registry) Complete(id string) error {
	return r.update(id, func(job *Job) error {
		if job.State.Terminal() {
			return fmt.Errorf("job %s is %s: %w", id, job.State, errors.ErrJobTerminal)
		}
		job.State = StateCompleted
		total := job.Progress
		job.Total = &total
		now := time.Now().UTC()
		job.FinishedAt = &now
		log.Info("job completed", "job_id", id, "total", total)
		return nil
	})
}

// Fail moves a job to its failed terminal state, recording the cause.
// Progress keeps the value reached before the failure so clients can see
// how far ingestion got.
func (r *Registry) Fail(id string, cause error) error {
	return r.update(id, func(job *Job) error {
		if job.State.Terminal() {
			return fmt.Errorf("job %s is %s: %w", id, job.State, errors.ErrJobTerminal)
		}
		job.State = StateFailed
		if cause != nil {
			job.Error = cause.Error()
		}
		now := time.Now().UTC()
		job.FinishedAt = &now
		log.Warn("job failed", "job_id", id, "progress", job.Progress, "error", job.Error)
		return nil
	})
}

func (r *Registry) update(id string, fn func(*Job) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	if !ok {
		return errors.NewJobNotFound(id)
	}
	if err := fn(job); err != nil {
		return err
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

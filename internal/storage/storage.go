package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when no job exists for a queue and id.
	ErrJobNotFound = errors.New("job not found")
	// ErrLeaseLost is returned when a worker updates a job it no longer holds.
	ErrLeaseLost = errors.New("job lease lost")
)

// State of a job record.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateDelayed   State = "delayed"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no worker will pick the job up again.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is a queued unit of work. ID is the idempotency key and is unique per queue.
type Job struct {
	Queue        string          `json:"queue"`
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	State        State           `json:"state"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	BackoffType  string          `json:"backoff_type"`
	BackoffDelay time.Duration   `json:"backoff_delay"`
	Progress     int             `json:"progress"`
	ProgressData json.RawMessage `json:"progress_data,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	RunAt        time.Time       `json:"run_at"`
	LeaseOwner   string          `json:"lease_owner,omitempty"`
	LeaseExpires time.Time       `json:"lease_expires"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	FinishedAt   time.Time       `json:"finished_at"`
}

// Runnable reports whether a worker may claim the job at now.
func (j *Job) Runnable(now time.Time) bool {
	return (j.State == StateWaiting || j.State == StateDelayed) && !j.RunAt.After(now)
}

// ListFilter selects jobs for List. Empty fields match everything.
type ListFilter struct {
	Queue string
	State State
	Limit int
}

// JobStore is a queue backend. Every method is atomic on its own.
type JobStore interface {
	// AddIfAbsent stores job as waiting unless (Queue, ID) already exists. A
	// failed record is re-armed in place. created is false when an existing
	// record was kept untouched.
	AddIfAbsent(ctx context.Context, job *Job) (created bool, err error)
	Get(ctx context.Context, queue, id string) (*Job, error)
	List(ctx context.Context, filter ListFilter) ([]*Job, error)

	// Claim moves the oldest runnable job of queue to active, leased to owner
	// until now+lease, and counts one attempt. It returns nil when nothing is runnable.
	Claim(ctx context.Context, queue, owner string, lease time.Duration, now time.Time) (*Job, error)
	RenewLease(ctx context.Context, queue, id, owner string, until time.Time) error
	UpdateProgress(ctx context.Context, queue, id, owner string, progress int, data json.RawMessage) error
	Complete(ctx context.Context, queue, id, owner string, result json.RawMessage, now time.Time) error
	// Fail records reason. With retryAt the job becomes delayed until then,
	// otherwise it is failed for good.
	Fail(ctx context.Context, queue, id, owner, reason string, retryAt *time.Time, now time.Time) error
	// Release puts an active job back to waiting without consuming its attempt.
	Release(ctx context.Context, queue, id, owner string, now time.Time) error

	Remove(ctx context.Context, queue, id string) error
	// RequeueExpired returns active jobs whose lease ended before now to waiting.
	RequeueExpired(ctx context.Context, now time.Time) (int, error)
	// Prune deletes the jobs of queue in state except the keep most recently finished.
	Prune(ctx context.Context, queue string, state State, keep int) (int, error)
}

// Resource is a file fetched by a transfer registry.
type Resource struct {
	URL          string    `json:"url"`
	Family       string    `json:"family"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// ResourceCatalog records completed downloads.
type ResourceCatalog interface {
	MarkDownloaded(ctx context.Context, res Resource) error
	ListResources(ctx context.Context, family string) ([]Resource, error)
}

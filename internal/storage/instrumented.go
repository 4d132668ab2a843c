package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/italolelis/fetchqueue/internal/telemetry"
)

// InstrumentedJobStore wraps a JobStore with telemetry.
type InstrumentedJobStore struct {
	store     JobStore
	telemetry *telemetry.Telemetry
}

// NewInstrumentedJobStore creates a new instrumented job store.
func NewInstrumentedJobStore(store JobStore, tel *telemetry.Telemetry) *InstrumentedJobStore {
	return &InstrumentedJobStore{store: store, telemetry: tel}
}

func (s *InstrumentedJobStore) AddIfAbsent(ctx context.Context, job *Job) (bool, error) {
	var created bool

	err := s.telemetry.InstrumentDBOperation(ctx, "add_if_absent", func(ctx context.Context) error {
		var err error

		created, err = s.store.AddIfAbsent(ctx, job)

		return err
	})

	return created, err
}

func (s *InstrumentedJobStore) Get(ctx context.Context, queue, id string) (*Job, error) {
	var job *Job

	err := s.telemetry.InstrumentDBOperation(ctx, "get_job", func(ctx context.Context) error {
		var err error

		job, err = s.store.Get(ctx, queue, id)

		return err
	})

	return job, err
}

func (s *InstrumentedJobStore) List(ctx context.Context, filter ListFilter) ([]*Job, error) {
	var jobs []*Job

	err := s.telemetry.InstrumentDBOperation(ctx, "list_jobs", func(ctx context.Context) error {
		var err error

		jobs, err = s.store.List(ctx, filter)

		return err
	})

	return jobs, err
}

func (s *InstrumentedJobStore) Claim(ctx context.Context, queue, owner string, lease time.Duration, now time.Time) (*Job, error) {
	var job *Job

	err := s.telemetry.InstrumentDBOperation(ctx, "claim_job", func(ctx context.Context) error {
		var err error

		job, err = s.store.Claim(ctx, queue, owner, lease, now)

		return err
	})

	return job, err
}

func (s *InstrumentedJobStore) RenewLease(ctx context.Context, queue, id, owner string, until time.Time) error {
	return s.telemetry.InstrumentDBOperation(ctx, "renew_lease", func(ctx context.Context) error {
		return s.store.RenewLease(ctx, queue, id, owner, until)
	})
}

func (s *InstrumentedJobStore) UpdateProgress(ctx context.Context, queue, id, owner string, progress int, data json.RawMessage) error {
	return s.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		return s.store.UpdateProgress(ctx, queue, id, owner, progress, data)
	})
}

func (s *InstrumentedJobStore) Complete(ctx context.Context, queue, id, owner string, result json.RawMessage, now time.Time) error {
	return s.telemetry.InstrumentDBOperation(ctx, "complete_job", func(ctx context.Context) error {
		return s.store.Complete(ctx, queue, id, owner, result, now)
	})
}

func (s *InstrumentedJobStore) Fail(ctx context.Context, queue, id, owner, reason string, retryAt *time.Time, now time.Time) error {
	return s.telemetry.InstrumentDBOperation(ctx, "fail_job", func(ctx context.Context) error {
		return s.store.Fail(ctx, queue, id, owner, reason, retryAt, now)
	})
}

func (s *InstrumentedJobStore) Release(ctx context.Context, queue, id, owner string, now time.Time) error {
	return s.telemetry.InstrumentDBOperation(ctx, "release_job", func(ctx context.Context) error {
		return s.store.Release(ctx, queue, id, owner, now)
	})
}

func (s *InstrumentedJobStore) Remove(ctx context.Context, queue, id string) error {
	return s.telemetry.InstrumentDBOperation(ctx, "remove_job", func(ctx context.Context) error {
		return s.store.Remove(ctx, queue, id)
	})
}

func (s *InstrumentedJobStore) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	var n int

	err := s.telemetry.InstrumentDBOperation(ctx, "requeue_expired", func(ctx context.Context) error {
		var err error

		n, err = s.store.RequeueExpired(ctx, now)

		return err
	})

	return n, err
}

func (s *InstrumentedJobStore) Prune(ctx context.Context, queue string, state State, keep int) (int, error) {
	var n int

	err := s.telemetry.InstrumentDBOperation(ctx, "prune_jobs", func(ctx context.Context) error {
		var err error

		n, err = s.store.Prune(ctx, queue, state, keep)

		return err
	})

	return n, err
}

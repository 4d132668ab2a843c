// Package bolt is a single-file queue backend on bbolt. Jobs are JSON values in
// one nested bucket per queue; every operation runs in one Update or View
// transaction, which bbolt serialises.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/italolelis/fetchqueue/internal/storage"
	"go.etcd.io/bbolt"
)

var (
	jobsBucket      = []byte("jobs")
	resourcesBucket = []byte("resources")
)

// Store implements storage.JobStore and storage.ResourceCatalog.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{jobsBucket, resourcesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) AddIfAbsent(_ context.Context, job *storage.Job) (bool, error) {
	created := false

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := queueBucket(tx, job.Queue, true)
		if err != nil {
			return err
		}

		existing, err := getJob(b, job.ID)
		if err != nil && !errors.Is(err, storage.ErrJobNotFound) {
			return err
		}

		if existing != nil && existing.State != storage.StateFailed {
			return nil
		}

		fresh := *job
		fresh.State = storage.StateWaiting
		fresh.AttemptsMade = 0
		fresh.Progress = 0
		fresh.ProgressData = nil
		fresh.Result = nil
		fresh.FailedReason = ""
		fresh.LeaseOwner = ""
		fresh.LeaseExpires = time.Time{}
		fresh.FinishedAt = time.Time{}
		fresh.UpdatedAt = job.CreatedAt

		if existing != nil {
			fresh.CreatedAt = existing.CreatedAt
		}

		created = true

		return putJob(b, &fresh)
	})
	if err != nil {
		return false, fmt.Errorf("failed to add job: %w", err)
	}

	return created, nil
}

func (s *Store) Get(_ context.Context, queue, id string) (*storage.Job, error) {
	var job *storage.Job

	err := s.db.View(func(tx *bbolt.Tx) error {
		b, err := queueBucket(tx, queue, false)
		if err != nil {
			return err
		}

		job, err = getJob(b, id)

		return err
	})

	return job, err
}

func (s *Store) List(_ context.Context, filter storage.ListFilter) ([]*storage.Job, error) {
	var jobs []*storage.Job

	err := s.db.View(func(tx *bbolt.Tx) error {
		return eachQueue(tx, filter.Queue, func(b *bbolt.Bucket) error {
			return b.ForEach(func(_, v []byte) error {
				var job storage.Job
				if err := json.Unmarshal(v, &job); err != nil {
					return err
				}

				if filter.State == "" || job.State == filter.State {
					jobs = append(jobs, &job)
				}

				return nil
			})
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	slices.SortFunc(jobs, func(a, b *storage.Job) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})

	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}

	return jobs, nil
}

func (s *Store) Claim(_ context.Context, queue, owner string, lease time.Duration, now time.Time) (*storage.Job, error) {
	var claimed *storage.Job

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := queueBucket(tx, queue, false)
		if errors.Is(err, storage.ErrJobNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		var next *storage.Job

		err = b.ForEach(func(_, v []byte) error {
			var job storage.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}

			if !job.Runnable(now) {
				return nil
			}

			if next == nil || job.RunAt.Before(next.RunAt) ||
				(job.RunAt.Equal(next.RunAt) && job.CreatedAt.Before(next.CreatedAt)) {
				next = &job
			}

			return nil
		})
		if err != nil || next == nil {
			return err
		}

		next.State = storage.StateActive
		next.AttemptsMade++
		next.LeaseOwner = owner
		next.LeaseExpires = now.Add(lease)
		next.UpdatedAt = now

		claimed = next

		return putJob(b, next)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return claimed, nil
}

func (s *Store) RenewLease(_ context.Context, queue, id, owner string, until time.Time) error {
	return s.updateLeased(queue, id, owner, func(job *storage.Job) {
		job.LeaseExpires = until
	})
}

func (s *Store) UpdateProgress(_ context.Context, queue, id, owner string, progress int, data json.RawMessage) error {
	return s.updateLeased(queue, id, owner, func(job *storage.Job) {
		job.Progress = progress
		if len(data) > 0 {
			job.ProgressData = data
		}

		job.UpdatedAt = time.Now()
	})
}

func (s *Store) Complete(_ context.Context, queue, id, owner string, result json.RawMessage, now time.Time) error {
	return s.updateLeased(queue, id, owner, func(job *storage.Job) {
		job.State = storage.StateCompleted
		job.Progress = 100
		job.Result = result
		job.FailedReason = ""
		job.UpdatedAt = now
		job.FinishedAt = now
		clearLease(job)
	})
}

func (s *Store) Fail(_ context.Context, queue, id, owner, reason string, retryAt *time.Time, now time.Time) error {
	return s.updateLeased(queue, id, owner, func(job *storage.Job) {
		job.FailedReason = reason
		job.UpdatedAt = now
		clearLease(job)

		if retryAt != nil {
			job.State = storage.StateDelayed
			job.RunAt = *retryAt

			return
		}

		job.State = storage.StateFailed
		job.FinishedAt = now
	})
}

func (s *Store) Release(_ context.Context, queue, id, owner string, now time.Time) error {
	return s.updateLeased(queue, id, owner, func(job *storage.Job) {
		job.State = storage.StateWaiting
		job.AttemptsMade = max(job.AttemptsMade-1, 0)
		job.RunAt = now
		job.UpdatedAt = now
		clearLease(job)
	})
}

func (s *Store) Remove(_ context.Context, queue, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := queueBucket(tx, queue, false)
		if err != nil {
			return err
		}

		if b.Get([]byte(id)) == nil {
			return storage.ErrJobNotFound
		}

		return b.Delete([]byte(id))
	})
}

func (s *Store) RequeueExpired(_ context.Context, now time.Time) (int, error) {
	requeued := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return eachQueue(tx, "", func(b *bbolt.Bucket) error {
			var expired []*storage.Job

			err := b.ForEach(func(_, v []byte) error {
				var job storage.Job
				if err := json.Unmarshal(v, &job); err != nil {
					return err
				}

				if job.State == storage.StateActive && job.LeaseExpires.Before(now) {
					expired = append(expired, &job)
				}

				return nil
			})
			if err != nil {
				return err
			}

			// bbolt forbids mutating a bucket while iterating it.
			for _, job := range expired {
				job.State = storage.StateWaiting
				job.RunAt = now
				job.UpdatedAt = now
				clearLease(job)

				if err := putJob(b, job); err != nil {
					return err
				}

				requeued++
			}

			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired jobs: %w", err)
	}

	return requeued, nil
}

func (s *Store) Prune(_ context.Context, queue string, state storage.State, keep int) (int, error) {
	pruned := 0

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := queueBucket(tx, queue, false)
		if errors.Is(err, storage.ErrJobNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		var matching []*storage.Job

		err = b.ForEach(func(_, v []byte) error {
			var job storage.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}

			if job.State == state {
				matching = append(matching, &job)
			}

			return nil
		})
		if err != nil {
			return err
		}

		if len(matching) <= keep {
			return nil
		}

		slices.SortFunc(matching, func(a, b *storage.Job) int {
			if c := b.FinishedAt.Compare(a.FinishedAt); c != 0 {
				return c
			}

			return b.UpdatedAt.Compare(a.UpdatedAt)
		})

		for _, job := range matching[max(keep, 0):] {
			if err := b.Delete([]byte(job.ID)); err != nil {
				return err
			}

			pruned++
		}

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}

	return pruned, nil
}

func (s *Store) MarkDownloaded(_ context.Context, res storage.Resource) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(resourcesBucket).Put([]byte(res.URL), data)
	})
}

func (s *Store) ListResources(_ context.Context, family string) ([]storage.Resource, error) {
	var resources []storage.Resource

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(resourcesBucket).ForEach(func(_, v []byte) error {
			var res storage.Resource
			if err := json.Unmarshal(v, &res); err != nil {
				return err
			}

			if family == "" || res.Family == family {
				resources = append(resources, res)
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}

	slices.SortFunc(resources, func(a, b storage.Resource) int {
		return b.DownloadedAt.Compare(a.DownloadedAt)
	})

	return resources, nil
}

func (s *Store) updateLeased(queue, id, owner string, mutate func(*storage.Job)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := queueBucket(tx, queue, false)
		if err != nil {
			return storage.ErrLeaseLost
		}

		job, err := getJob(b, id)
		if errors.Is(err, storage.ErrJobNotFound) {
			return storage.ErrLeaseLost
		}

		if err != nil {
			return err
		}

		if job.State != storage.StateActive || job.LeaseOwner != owner {
			return storage.ErrLeaseLost
		}

		mutate(job)

		return putJob(b, job)
	})
}

func queueBucket(tx *bbolt.Tx, queue string, create bool) (*bbolt.Bucket, error) {
	root := tx.Bucket(jobsBucket)

	if create {
		return root.CreateBucketIfNotExists([]byte(queue))
	}

	b := root.Bucket([]byte(queue))
	if b == nil {
		return nil, storage.ErrJobNotFound
	}

	return b, nil
}

// eachQueue calls fn for queue, or for every queue when queue is empty.
func eachQueue(tx *bbolt.Tx, queue string, fn func(*bbolt.Bucket) error) error {
	root := tx.Bucket(jobsBucket)

	if queue != "" {
		b := root.Bucket([]byte(queue))
		if b == nil {
			return nil
		}

		return fn(b)
	}

	var names [][]byte

	err := root.ForEach(func(k, v []byte) error {
		if v == nil {
			names = append(names, append([]byte(nil), k...))
		}

		return nil
	})
	if err != nil {
		return err
	}

	for _, name := range names {
		if err := fn(root.Bucket(name)); err != nil {
			return err
		}
	}

	return nil
}

func getJob(b *bbolt.Bucket, id string) (*storage.Job, error) {
	v := b.Get([]byte(id))
	if v == nil {
		return nil, storage.ErrJobNotFound
	}

	var job storage.Job
	if err := json.Unmarshal(v, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}

	return &job, nil
}

func putJob(b *bbolt.Bucket, job *storage.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	return b.Put([]byte(job.ID), data)
}

func clearLease(job *storage.Job) {
	job.LeaseOwner = ""
	job.LeaseExpires = time.Time{}
}

// Package storagetest holds the behaviour every storage.JobStore must share.
// Backend packages run it from their own tests.
package storagetest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(queue, id string, at time.Time) *storage.Job {
	return &storage.Job{
		Queue:        queue,
		ID:           id,
		Type:         "download-file",
		Payload:      json.RawMessage(`{"url":"http://example.com/` + id + `"}`),
		MaxAttempts:  3,
		BackoffType:  "exponential",
		BackoffDelay: 2 * time.Second,
		RunAt:        at,
		CreatedAt:    at,
	}
}

// RunJobStore runs the conformance suite against stores built by newStore.
func RunJobStore(t *testing.T, newStore func(t *testing.T) storage.JobStore) {
	t.Helper()

	ctx := context.Background()

	t.Run("add if absent", func(t *testing.T) {
		s := newStore(t)

		created, err := s.AddIfAbsent(ctx, newJob("downloads", "a", base))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.AddIfAbsent(ctx, newJob("downloads", "a", base.Add(time.Minute)))
		require.NoError(t, err)
		assert.False(t, created)

		// same key on another queue is a different job
		created, err = s.AddIfAbsent(ctx, newJob("embeddings", "a", base))
		require.NoError(t, err)
		assert.True(t, created)

		job, err := s.Get(ctx, "downloads", "a")
		require.NoError(t, err)
		assert.Equal(t, storage.StateWaiting, job.State)
		assert.Equal(t, "download-file", job.Type)
		assert.Equal(t, 3, job.MaxAttempts)
		assert.Equal(t, 2*time.Second, job.BackoffDelay)
		assert.JSONEq(t, `{"url":"http://example.com/a"}`, string(job.Payload))
		assert.True(t, job.CreatedAt.Equal(base))
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)

		_, err := s.Get(ctx, "downloads", "missing")
		require.ErrorIs(t, err, storage.ErrJobNotFound)
	})

	t.Run("claim order and leases", func(t *testing.T) {
		s := newStore(t)

		for i, id := range []string{"first", "second"} {
			_, err := s.AddIfAbsent(ctx, newJob("downloads", id, base.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}

		_, err := s.AddIfAbsent(ctx, newJob("downloads", "future", base.Add(time.Hour)))
		require.NoError(t, err)

		now := base.Add(time.Minute)

		job, err := s.Claim(ctx, "downloads", "w1", time.Minute, now)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "first", job.ID)
		assert.Equal(t, storage.StateActive, job.State)
		assert.Equal(t, 1, job.AttemptsMade)
		assert.Equal(t, "w1", job.LeaseOwner)
		assert.True(t, job.LeaseExpires.Equal(now.Add(time.Minute)))

		job, err = s.Claim(ctx, "downloads", "w2", time.Minute, now)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "second", job.ID)

		job, err = s.Claim(ctx, "downloads", "w3", time.Minute, now)
		require.NoError(t, err)
		assert.Nil(t, job, "future job must not be claimable yet")

		job, err = s.Claim(ctx, "unknown-queue", "w3", time.Minute, now)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	t.Run("owner checks", func(t *testing.T) {
		s := newStore(t)

		_, err := s.AddIfAbsent(ctx, newJob("downloads", "a", base))
		require.NoError(t, err)

		_, err = s.Claim(ctx, "downloads", "w1", time.Minute, base)
		require.NoError(t, err)

		require.ErrorIs(t, s.RenewLease(ctx, "downloads", "a", "w2", base.Add(time.Hour)), storage.ErrLeaseLost)
		require.ErrorIs(t, s.Complete(ctx, "downloads", "a", "w2", nil, base), storage.ErrLeaseLost)
		require.ErrorIs(t, s.UpdateProgress(ctx, "downloads", "missing", "w1", 10, nil), storage.ErrLeaseLost)

		require.NoError(t, s.RenewLease(ctx, "downloads", "a", "w1", base.Add(time.Hour)))
	})

	t.Run("progress and complete", func(t *testing.T) {
		s := newStore(t)

		_, err := s.AddIfAbsent(ctx, newJob("downloads", "a", base))
		require.NoError(t, err)

		_, err = s.Claim(ctx, "downloads", "w1", time.Minute, base)
		require.NoError(t, err)

		require.NoError(t, s.UpdateProgress(ctx, "downloads", "a", "w1", 42, json.RawMessage(`{"bytes":42}`)))

		job, err := s.Get(ctx, "downloads", "a")
		require.NoError(t, err)
		assert.Equal(t, 42, job.Progress)
		assert.JSONEq(t, `{"bytes":42}`, string(job.ProgressData))

		done := base.Add(time.Minute)
		require.NoError(t, s.Complete(ctx, "downloads", "a", "w1", json.RawMessage(`{"path":"/d/a"}`), done))

		job, err = s.Get(ctx, "downloads", "a")
		require.NoError(t, err)
		assert.Equal(t, storage.StateCompleted, job.State)
		assert.Equal(t, 100, job.Progress)
		assert.JSONEq(t, `{"path":"/d/a"}`, string(job.Result))
		assert.Empty(t, job.LeaseOwner)
		assert.True(t, job.FinishedAt.Equal(done))

		// completed jobs are kept as they are
		created, err := s.AddIfAbsent(ctx, newJob("downloads", "a", done))
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("fail, retry and re-arm", func(t *testing.T) {
		s := newStore(t)

		_, err := s.AddIfAbsent(ctx, newJob("downloads", "a", base))
		require.NoError(t, err)

		_, err = s.Claim(ctx, "downloads", "w1", time.Minute, base)
		require.NoError(t, err)

		retryAt := base.Add(10 * time.Second)
		require.NoError(t, s.Fail(ctx, "downloads", "a", "w1", "connection reset", &retryAt, base))

		job, err := s.Get(ctx, "downloads", "a")
		require.NoError(t, err)
		assert.Equal(t, storage.StateDelayed, job.State)
		assert.Equal(t, "connection reset", job.FailedReason)

		job, err = s.Claim(ctx, "downloads", "w1", time.Minute, base.Add(5*time.Second))
		require.NoError(t, err)
		assert.Nil(t, job)

		job, err = s.Claim(ctx, "downloads", "w1", time.Minute, retryAt)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, 2, job.AttemptsMade)

		require.NoError(t, s.Fail(ctx, "downloads", "a", "w1", "404", nil, retryAt))

		job, err = s.Get(ctx, "downloads", "a")
		require.NoError(t, err)
		assert.Equal(t, storage.StateFailed, job.State)

		created, err := s.AddIfAbsent(ctx, newJob("downloads", "a", retryAt.Add(time.Minute)))
		require.NoError(t, err)
		assert.True(t, created)

		job, err = s.Get(ctx, "downloads", "a")
		require.NoError(t, err)
		assert.Equal(t, storage.StateWaiting, job.State)
		assert.Zero(t, job.AttemptsMade)
		assert.Empty(t, job.FailedReason)
	})

	t.Run("release keeps the attempt", func(t *testing.T) {
		s := newStore(t)

		_, err := s.AddIfAbsent(ctx, newJob("downloads", "a", base))
		require.NoError(t, err)

		_, err = s.Claim(ctx, "downloads", "w1", time.Minute, base)
		require.NoError(t, err)

		require.NoError(t, s.Release(ctx, "downloads", "a", "w1", base))

		job, err := s.Get(ctx, "downloads", "a")
		require.NoError(t, err)
		assert.Equal(t, storage.StateWaiting, job.State)
		assert.Zero(t, job.AttemptsMade)
		assert.Empty(t, job.LeaseOwner)
	})

	t.Run("requeue expired leases", func(t *testing.T) {
		s := newStore(t)

		for i, id := range []string{"a", "b"} {
			_, err := s.AddIfAbsent(ctx, newJob("downloads", id, base.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}

		_, err := s.Claim(ctx, "downloads", "crashed", time.Minute, base.Add(time.Second))
		require.NoError(t, err)

		_, err = s.Claim(ctx, "downloads", "alive", time.Hour, base.Add(time.Second))
		require.NoError(t, err)

		n, err := s.RequeueExpired(ctx, base.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		waiting, err := s.List(ctx, storage.ListFilter{Queue: "downloads", State: storage.StateWaiting})
		require.NoError(t, err)
		require.Len(t, waiting, 1)
		assert.Equal(t, "a", waiting[0].ID)
	})

	t.Run("prune keeps most recent", func(t *testing.T) {
		s := newStore(t)

		for i, id := range []string{"a", "b", "c"} {
			at := base.Add(time.Duration(i) * time.Minute)

			_, err := s.AddIfAbsent(ctx, newJob("embeddings", id, at))
			require.NoError(t, err)

			_, err = s.Claim(ctx, "embeddings", "w1", time.Minute, at)
			require.NoError(t, err)

			require.NoError(t, s.Complete(ctx, "embeddings", id, "w1", nil, at))
		}

		_, err := s.AddIfAbsent(ctx, newJob("embeddings", "pending", base))
		require.NoError(t, err)

		n, err := s.Prune(ctx, "embeddings", storage.StateCompleted, 1)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		_, err = s.Get(ctx, "embeddings", "c")
		require.NoError(t, err)

		_, err = s.Get(ctx, "embeddings", "a")
		require.ErrorIs(t, err, storage.ErrJobNotFound)

		_, err = s.Get(ctx, "embeddings", "pending")
		require.NoError(t, err)

		n, err = s.Prune(ctx, "embeddings", storage.StateCompleted, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("remove", func(t *testing.T) {
		s := newStore(t)

		_, err := s.AddIfAbsent(ctx, newJob("downloads", "a", base))
		require.NoError(t, err)

		require.NoError(t, s.Remove(ctx, "downloads", "a"))
		require.ErrorIs(t, s.Remove(ctx, "downloads", "a"), storage.ErrJobNotFound)

		// a removed job can be dispatched again
		created, err := s.AddIfAbsent(ctx, newJob("downloads", "a", base))
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("list", func(t *testing.T) {
		s := newStore(t)

		for i, id := range []string{"a", "b", "c"} {
			_, err := s.AddIfAbsent(ctx, newJob("downloads", id, base.Add(time.Duration(i)*time.Second)))
			require.NoError(t, err)
		}

		jobs, err := s.List(ctx, storage.ListFilter{Queue: "downloads", Limit: 2})
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "c", jobs[0].ID)
		assert.Equal(t, "b", jobs[1].ID)
	})
}

// RunResourceCatalog runs the catalog behaviour against catalogs built by newCatalog.
func RunResourceCatalog(t *testing.T, newCatalog func(t *testing.T) storage.ResourceCatalog) {
	t.Helper()

	ctx := context.Background()
	c := newCatalog(t)

	require.NoError(t, c.MarkDownloaded(ctx, storage.Resource{URL: "http://x/a.zim", Family: "zim", Path: "/d/a.zim", Size: 1, DownloadedAt: base}))
	require.NoError(t, c.MarkDownloaded(ctx, storage.Resource{URL: "http://x/m.pmtiles", Family: "maps", Path: "/d/m", Size: 2, DownloadedAt: base}))
	require.NoError(t, c.MarkDownloaded(ctx, storage.Resource{URL: "http://x/a.zim", Family: "zim", Path: "/d/a2.zim", Size: 3, DownloadedAt: base.Add(time.Hour)}))

	zim, err := c.ListResources(ctx, "zim")
	require.NoError(t, err)
	require.Len(t, zim, 1)
	assert.Equal(t, "/d/a2.zim", zim[0].Path)
	assert.Equal(t, int64(3), zim[0].Size)
	assert.True(t, zim[0].DownloadedAt.Equal(base.Add(time.Hour)))

	all, err := c.ListResources(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

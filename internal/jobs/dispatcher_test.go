package jobs

import (
	"context"
	"encoding/json"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/fetchqueue/internal/config"
	"github.com/italolelis/fetchqueue/internal/progress"
	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/italolelis/fetchqueue/internal/storage/bolt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *bolt.Store {
	t.Helper()

	s, err := bolt.Open(filepath.Join(t.TempDir(), "jobs.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func fixedClock() progress.Clock {
	return progress.ClockFunc(func() time.Time { return fixedNow })
}

func TestHashKey(t *testing.T) {
	a := HashKey("llama3.2:1b")

	assert.Len(t, a, 40)
	assert.Equal(t, a, HashKey("llama3.2:1b"))
	assert.NotEqual(t, a, HashKey("llama3.2:3b"))
	assert.NotEqual(t, HashKey("ab", "c"), HashKey("a", "bc"))
}

func TestDispatch_SameModelTwiceWhileWaiting(t *testing.T) {
	store := newStore(t)
	d := NewDispatcher(ModelPullFamily(), store, fixedClock(), nil)
	ctx := context.Background()

	first, err := d.Dispatch(ctx, ModelPullParams{ModelName: "llama3.2:1b"})
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, storage.StateWaiting, first.Job.State)
	assert.Equal(t, 40, first.Job.MaxAttempts)
	assert.Equal(t, time.Minute, first.Job.BackoffDelay)

	second, err := d.Dispatch(ctx, ModelPullParams{ModelName: "llama3.2:1b"})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Contains(t, second.Message, "already exists")
	assert.Contains(t, second.Message, "waiting")

	jobs, err := store.List(ctx, storage.ListFilter{Queue: QueueModelDownloads})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestDispatch_ConcurrentCallsCreateOnce(t *testing.T) {
	d := NewDispatcher(DownloadFileFamily(), newStore(t), nil, nil)
	params := DownloadFileParams{URL: "http://example.com/wiki.zim", FilePath: "zim/wiki.zim"}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[string]struct{}{}
	)

	for range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			res, err := d.Dispatch(context.Background(), params)
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			defer mu.Unlock()

			if res.Created {
				created++
			}

			ids[res.Job.ID] = struct{}{}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func TestDispatch_AfterCompletion(t *testing.T) {
	store := newStore(t)
	d := NewDispatcher(DownloadFileFamily(), store, fixedClock(), nil)
	ctx := context.Background()
	params := DownloadFileParams{URL: "http://example.com/a.zim", FilePath: "a.zim"}

	res, err := d.Dispatch(ctx, params)
	require.NoError(t, err)

	job, err := store.Claim(ctx, QueueDownloads, "w1", time.Minute, fixedNow)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, QueueDownloads, job.ID, "w1", json.RawMessage(`{"path":"a.zim"}`), fixedNow))

	t.Run("retained completed job is returned", func(t *testing.T) {
		again, err := d.Dispatch(ctx, params)
		require.NoError(t, err)
		assert.False(t, again.Created)
		assert.Equal(t, res.Job.ID, again.Job.ID)
		assert.Equal(t, storage.StateCompleted, again.Job.State)
	})

	t.Run("pruned completed job is dispatched fresh", func(t *testing.T) {
		_, err := store.Prune(ctx, QueueDownloads, storage.StateCompleted, 0)
		require.NoError(t, err)

		again, err := d.Dispatch(ctx, params)
		require.NoError(t, err)
		assert.True(t, again.Created)
		assert.Equal(t, storage.StateWaiting, again.Job.State)
	})
}

func TestDispatch_RearmsFailedJob(t *testing.T) {
	store := newStore(t)
	d := NewDispatcher(EmbedFileFamily(), store, fixedClock(), nil)
	ctx := context.Background()
	params := EmbedFileParams{FilePath: "/kb/manual.txt"}

	_, err := d.Dispatch(ctx, params)
	require.NoError(t, err)

	job, err := store.Claim(ctx, QueueEmbeddings, "w1", time.Minute, fixedNow)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, QueueEmbeddings, job.ID, "w1", "model not found", nil, fixedNow))

	status, err := d.GetStatus(ctx, params)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, status.State)
	assert.Equal(t, "model not found", status.FailedReason)

	res, err := d.Dispatch(ctx, params)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, storage.StateWaiting, res.Job.State)
	assert.Zero(t, res.Job.AttemptsMade)
}

func TestGetStatus(t *testing.T) {
	store := newStore(t)
	d := NewDispatcher(EmbedFileFamily(), store, fixedClock(), nil)
	ctx := context.Background()

	status, err := d.GetStatus(ctx, EmbedFileParams{FilePath: "/kb/missing.txt"})
	require.NoError(t, err)
	assert.False(t, status.Exists)

	res, err := d.Dispatch(ctx, EmbedFileParams{FilePath: "/kb/a.txt", FileName: "a.txt"})
	require.NoError(t, err)

	// the file name is not part of the identity
	status, err = d.GetStatus(ctx, EmbedFileParams{FilePath: "/kb/./a.txt"})
	require.NoError(t, err)
	assert.True(t, status.Exists)
	assert.Equal(t, res.Job.ID, status.ID)
	assert.Equal(t, storage.StateWaiting, status.State)

	byKey, err := d.GetByKey(ctx, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, status, byKey)
}

func TestDispatchJSON(t *testing.T) {
	d := NewDispatcher(DownloadFileFamily(), newStore(t), fixedClock(), nil)
	ctx := context.Background()

	_, err := d.DispatchJSON(ctx, json.RawMessage(`{"url":"ftp://x/a","filepath":"a"}`))

	var invalid *InvalidPayloadError
	require.ErrorAs(t, err, &invalid)

	_, err = d.DispatchJSON(ctx, json.RawMessage(`not json`))
	require.ErrorAs(t, err, &invalid)

	res, err := d.DispatchJSON(ctx, json.RawMessage(`{"url":"https://x/a.zim","filepath":"a.zim","allowedMimeTypes":["application/x-zim"]}`))
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, TypeDownloadFile, res.Job.Type)

	status, err := d.StatusJSON(ctx, json.RawMessage(`{"url":"https://x/a.zim","filepath":"a.zim"}`))
	require.NoError(t, err)
	assert.True(t, status.Exists)
}

func TestStatusQuery_IgnoresNonIdentityFields(t *testing.T) {
	d := NewDispatcher(DownloadFileFamily(), newStore(t), fixedClock(), nil)
	ctx := context.Background()

	res, err := d.Dispatch(ctx, DownloadFileParams{URL: "https://x/a.zim", FilePath: "a.zim", ForceNew: true})
	require.NoError(t, err)

	tests := []struct {
		name  string
		query url.Values
	}{
		{"identity only", url.Values{"url": {"https://x/a.zim"}, "filepath": {"a.zim"}}},
		{"typed flag", url.Values{"url": {"https://x/a.zim"}, "filepath": {"a.zim"}, "forceNew": {"true"}}},
		{"single mime type", url.Values{"url": {"https://x/a.zim"}, "filepath": {"a.zim"}, "allowedMimeTypes": {"application/x-zim"}}},
		{"unknown and malformed", url.Values{"url": {"https://x/a.zim"}, "filepath": {"a.zim"}, "forceNew": {"yes"}, "page": {"2"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := d.StatusQuery(ctx, tt.query)
			require.NoError(t, err)
			assert.True(t, status.Exists)
			assert.Equal(t, res.Job.ID, status.ID)
		})
	}

	_, err = d.StatusQuery(ctx, url.Values{"forceNew": {"true"}})

	var invalid *InvalidPayloadError
	require.ErrorAs(t, err, &invalid)
}

func TestDecodeQuery(t *testing.T) {
	params, err := decodeQuery[DownloadFileParams](url.Values{
		"url":              {"https://x/a.zim"},
		"filepath":         {"a.zim"},
		"forceNew":         {"true"},
		"allowedMimeTypes": {"application/zip", "application/x-zim"},
	})
	require.NoError(t, err)

	assert.Equal(t, DownloadFileParams{
		URL:              "https://x/a.zim",
		FilePath:         "a.zim",
		AllowedMimeTypes: []string{"application/zip", "application/x-zim"},
		ForceNew:         true,
	}, params)
}

func TestFamilyPolicies(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		queue       string
		attempts    int
		concurrency int
		backoff     Backoff
		retention   Retention
	}{
		{"downloads", DownloadFileFamily().Policy, DownloadFileFamily().Queue, 3, 3,
			Backoff{BackoffExponential, 2 * time.Second}, Retention{0, KeepAll}},
		{"model pulls", ModelPullFamily().Policy, ModelPullFamily().Queue, 40, 2,
			Backoff{BackoffFixed, 60 * time.Second}, Retention{KeepAll, KeepAll}},
		{"embeddings", EmbedFileFamily().Policy, EmbedFileFamily().Queue, 3, 1,
			Backoff{BackoffExponential, 5 * time.Second}, Retention{50, 20}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.attempts, tt.policy.Attempts)
			assert.Equal(t, tt.concurrency, tt.policy.Concurrency)
			assert.Equal(t, tt.backoff, tt.policy.Backoff)
			assert.Equal(t, tt.retention, tt.policy.Retention)
		})
	}
}

func TestWithPolicy(t *testing.T) {
	var override config.QueuePolicy
	override.Attempts = 5
	override.Backoff.Delay = 10 * time.Second

	f := WithPolicy(DownloadFileFamily(), config.Policies{QueueDownloads: override})

	assert.Equal(t, 5, f.Policy.Attempts)
	assert.Equal(t, 10*time.Second, f.Policy.Backoff.Delay)
	assert.Equal(t, BackoffExponential, f.Policy.Backoff.Type)
	assert.Equal(t, 3, f.Policy.Concurrency)

	untouched := WithPolicy(ModelPullFamily(), config.Policies{QueueDownloads: override})
	assert.Equal(t, ModelPullFamily().Policy, untouched.Policy)
}

func TestBackoffNext(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, Delay: 2 * time.Second}
	assert.Equal(t, 2*time.Second, exp.Next(1))
	assert.Equal(t, 4*time.Second, exp.Next(2))
	assert.Equal(t, 8*time.Second, exp.Next(3))
	assert.Equal(t, maxBackoff, exp.Next(100))

	fixed := Backoff{Type: BackoffFixed, Delay: time.Minute}
	assert.Equal(t, time.Minute, fixed.Next(1))
	assert.Equal(t, time.Minute, fixed.Next(39))

	assert.Zero(t, Backoff{Type: BackoffExponential}.Next(3))
}

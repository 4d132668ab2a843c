package sqlite

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/italolelis/fetchqueue/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *JobRepository {
	t.Helper()

	db, err := InitDB(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewJobRepository(db)
}

func TestJobRepository(t *testing.T) {
	storagetest.RunJobStore(t, func(t *testing.T) storage.JobStore {
		return openTestDB(t)
	})
}

func TestInstrumentedJobRepository(t *testing.T) {
	storagetest.RunJobStore(t, func(t *testing.T) storage.JobStore {
		return storage.NewInstrumentedJobStore(openTestDB(t), nil)
	})
}

func TestResourceRepository(t *testing.T) {
	storagetest.RunResourceCatalog(t, func(t *testing.T) storage.ResourceCatalog {
		return NewResourceRepository(openTestDB(t).db)
	})
}

func TestJobRepository_ConcurrentAddCreatesOnce(t *testing.T) {
	repo := openTestDB(t)
	now := time.Now()

	const callers = 20

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)

	for range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()

			ok, err := repo.AddIfAbsent(context.Background(), &storage.Job{
				Queue: "model-downloads", ID: "key", Type: "download-model", MaxAttempts: 40, RunAt: now, CreatedAt: now,
			})
			assert.NoError(t, err)

			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, created)
}

func TestJobRepository_ConcurrentClaimIsExclusive(t *testing.T) {
	repo := openTestDB(t)
	now := time.Now()

	_, err := repo.AddIfAbsent(context.Background(), &storage.Job{Queue: "q", ID: "only", Type: "t", MaxAttempts: 1, RunAt: now, CreatedAt: now})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)

	for i := range 10 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			job, err := repo.Claim(context.Background(), "q", "w"+string(rune('a'+i)), time.Minute, now)
			assert.NoError(t, err)

			if job != nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 1, claimed)
}

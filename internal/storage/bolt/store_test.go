package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/italolelis/fetchqueue/internal/storage/storagetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "queue", "jobs.bolt"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestStore(t *testing.T) {
	storagetest.RunJobStore(t, func(t *testing.T) storage.JobStore {
		return openTestStore(t)
	})
}

func TestStore_ResourceCatalog(t *testing.T) {
	storagetest.RunResourceCatalog(t, func(t *testing.T) storage.ResourceCatalog {
		return openTestStore(t)
	})
}

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.bolt")
	now := time.Now()

	s, err := Open(path)
	require.NoError(t, err)

	created, err := s.AddIfAbsent(context.Background(), &storage.Job{Queue: "downloads", ID: "k", Type: "download-file", MaxAttempts: 3, RunAt: now, CreatedAt: now})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	job, err := s.Get(context.Background(), "downloads", "k")
	require.NoError(t, err)
	assert.Equal(t, storage.StateWaiting, job.State)
}

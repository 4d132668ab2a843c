// Package tasks holds the job handlers of every job family.
package tasks

import (
	"context"
	"time"

	"github.com/italolelis/fetchqueue/internal/jobs"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/progress"
	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/italolelis/fetchqueue/internal/svc/ollama"
	"github.com/italolelis/fetchqueue/internal/transfer"
	"github.com/italolelis/fetchqueue/internal/worker"
)

// Deps are the collaborators the handlers need.
type Deps struct {
	// Fetch downloads one file, normally transfer.Retrier.Fetch.
	Fetch      transfer.FetchFunc
	StorageDir string
	Timeout    time.Duration
	// Catalog records finished file downloads. Optional.
	Catalog storage.ResourceCatalog

	Ollama     *ollama.Client
	EmbedModel string
	Embedding  EmbedOptions

	Clock            progress.Clock
	ProgressInterval time.Duration
}

// Handlers returns the handler of every job type, keyed by type.
func Handlers(d Deps) map[string]worker.Handler {
	if d.Clock == nil {
		d.Clock = progress.SystemClock
	}

	if d.ProgressInterval <= 0 {
		d.ProgressInterval = progress.DefaultInterval
	}

	return map[string]worker.Handler{
		jobs.TypeDownloadFile:  worker.Typed(d.downloadFile),
		jobs.TypeDownloadModel: worker.Typed(d.downloadModel),
		jobs.TypeEmbedFile:     worker.Typed(d.embedFile),
	}
}

// throttle lets progress writes through at most once per interval.
type throttle struct {
	clock    progress.Clock
	interval time.Duration
	last     time.Time
}

func (t *throttle) allow() bool {
	now := t.clock.Now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}

	t.last = now

	return true
}

// report stores progress on the job. A failed write only costs one sample.
func report(ctx context.Context, job *worker.Job, pct int, data any) {
	if err := job.ReportProgress(ctx, pct, data); err != nil {
		logctx.LoggerFromContext(ctx).DebugContext(ctx, "failed to report job progress", "err", err)
	}
}

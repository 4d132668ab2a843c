package tasks

import (
	"context"
	"errors"
	"strings"

	"github.com/italolelis/fetchqueue/internal/jobs"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/svc/ollama"
	"github.com/italolelis/fetchqueue/internal/worker"
)

// ModelResult is the result of a download-model job.
type ModelResult struct {
	Model string `json:"model"`
}

type modelProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Total     int64  `json:"total,omitempty"`
}

func (d Deps) downloadModel(ctx context.Context, job *worker.Job, p jobs.ModelPullParams) (any, error) {
	if err := p.Validate(); err != nil {
		return nil, worker.Permanent(err)
	}

	if d.Ollama == nil {
		return nil, worker.Permanent(errors.New("model server is not configured"))
	}

	model := strings.TrimSpace(p.ModelName)
	logger := logctx.LoggerFromContext(ctx).With("model", model)
	logger.InfoContext(ctx, "pulling model")

	t := &throttle{clock: d.Clock, interval: d.ProgressInterval}
	layers := newPullTracker(job.Progress)
	lastStatus := ""

	err := d.Ollama.Pull(ctx, model, func(pp ollama.PullProgress) {
		changed := pp.Status != lastStatus
		lastStatus = pp.Status

		if !changed && !t.allow() {
			return
		}

		pct := layers.observe(pp)

		report(ctx, job, pct, modelProgress{
			Status:    pp.Status,
			Digest:    pp.Digest,
			Completed: pp.Completed,
			Total:     pp.Total,
		})
	})
	if err != nil {
		var statusErr *ollama.StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return nil, worker.Permanent(err)
		}

		return nil, err
	}

	logger.InfoContext(ctx, "model pulled")

	return ModelResult{Model: model}, nil
}

// pullTracker turns per-layer pull progress into one job percentage. Layers
// are summed by digest, and the result never goes below what was already
// reported, since a new layer grows the total.
type pullTracker struct {
	layers map[string]ollama.PullProgress
	best   int
}

func newPullTracker(reported int) *pullTracker {
	return &pullTracker{layers: make(map[string]ollama.PullProgress), best: reported}
}

func (t *pullTracker) observe(pp ollama.PullProgress) int {
	if pp.Total <= 0 {
		return t.best
	}

	key := pp.Digest
	if key == "" {
		key = pp.Status
	}

	t.layers[key] = pp

	var completed, total int64
	for _, l := range t.layers {
		completed += min(l.Completed, l.Total)
		total += l.Total
	}

	if pct := int(completed * 100 / total); pct > t.best {
		t.best = pct
	}

	return t.best
}

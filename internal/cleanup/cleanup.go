// Package cleanup periodically repairs and trims the job backend: jobs whose
// worker died are put back in line and finished jobs beyond the queue's
// retention are removed.
package cleanup

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/italolelis/fetchqueue/internal/jobs"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/progress"
	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/italolelis/fetchqueue/internal/telemetry"
)

const defaultInterval = time.Minute

// Options configures a Sweeper.
type Options struct {
	Store    storage.JobStore
	Interval time.Duration
	// Retention per queue name.
	Retention map[string]jobs.Retention
	Clock     progress.Clock
	Telemetry *telemetry.Telemetry
}

// Report is what one sweep changed.
type Report struct {
	Requeued int
	Pruned   map[string]int
}

// Sweeper runs Sweep on a ticker.
type Sweeper struct {
	opts Options
}

func NewSweeper(opts Options) *Sweeper {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}

	if opts.Clock == nil {
		opts.Clock = progress.SystemClock
	}

	return &Sweeper{opts: opts}
}

// Sweep requeues jobs with an expired lease and prunes every queue down to its retention.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	logger := logctx.LoggerFromContext(ctx)
	report := Report{Pruned: map[string]int{}}

	n, err := s.opts.Store.RequeueExpired(ctx, s.opts.Clock.Now())
	if err != nil {
		return report, fmt.Errorf("failed to requeue expired jobs: %w", err)
	}

	report.Requeued = n

	if n > 0 {
		logger.WarnContext(ctx, "requeued jobs with expired lease", "count", n)
		s.opts.Telemetry.RecordSweep(ctx, "", "requeued", n)
	}

	queues := make([]string, 0, len(s.opts.Retention))
	for q := range s.opts.Retention {
		queues = append(queues, q)
	}

	slices.Sort(queues)

	for _, queue := range queues {
		retention := s.opts.Retention[queue]

		for state, keep := range map[storage.State]int{
			storage.StateCompleted: retention.KeepCompleted,
			storage.StateFailed:    retention.KeepFailed,
		} {
			if keep == jobs.KeepAll {
				continue
			}

			pruned, err := s.opts.Store.Prune(ctx, queue, state, keep)
			if err != nil {
				return report, fmt.Errorf("failed to prune %s jobs of %s: %w", state, queue, err)
			}

			if pruned > 0 {
				report.Pruned[queue] += pruned
				s.opts.Telemetry.RecordSweep(ctx, queue, "pruned_"+string(state), pruned)
				logger.InfoContext(ctx, "pruned finished jobs", "queue", queue, "state", state, "count", pruned)
			}
		}
	}

	return report, nil
}

// Run sweeps every Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "panic during sweep", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	if _, err := s.Sweep(ctx); err != nil {
		logger.ErrorContext(ctx, "sweep failed", "err", err)
	}
}

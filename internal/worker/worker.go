package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/italolelis/fetchqueue/internal/jobs"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/progress"
	"github.com/italolelis/fetchqueue/internal/storage"
	"github.com/italolelis/fetchqueue/internal/telemetry"
	"golang.org/x/sync/semaphore"
)

const (
	defaultPollInterval    = time.Second
	defaultLeaseDuration   = 5 * time.Minute
	defaultShutdownTimeout = 30 * time.Second
)

// Options configures a Worker.
type Options struct {
	Queue       string
	Concurrency int
	Handlers    map[string]Handler
	Store       storage.JobStore
	// Owner identifies this process in job leases.
	Owner           string
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	ShutdownTimeout time.Duration
	Retention       jobs.Retention
	Clock           progress.Clock
	Telemetry       *telemetry.Telemetry
	// OnFinished is called after a job reached completed or failed.
	OnFinished func(ctx context.Context, job *storage.Job)
}

// Worker consumes one queue with a bounded number of concurrent jobs.
type Worker struct {
	opts Options
	sem  *semaphore.Weighted
	wg   sync.WaitGroup
}

// New creates a Worker.
func New(opts Options) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = defaultLeaseDuration
	}

	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}

	if opts.Clock == nil {
		opts.Clock = progress.SystemClock
	}

	if opts.Owner == "" {
		opts.Owner = storage.GenerateInstanceID()
	}

	return &Worker{
		opts: opts,
		sem:  semaphore.NewWeighted(int64(opts.Concurrency)),
	}
}

// Run claims and executes jobs until ctx is cancelled. In-flight jobs then get
// ShutdownTimeout to finish; the rest are cancelled and released back to waiting.
func (w *Worker) Run(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx).With("queue", w.opts.Queue, "owner", w.opts.Owner)
	logger.InfoContext(ctx, "worker started", "concurrency", w.opts.Concurrency)

	jobsCtx, cancelJobs := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelJobs()

	w.poll(ctx, jobsCtx, logger)

	logger.InfoContext(ctx, "worker stopping, waiting for in-flight jobs", "timeout", w.opts.ShutdownTimeout)

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.opts.ShutdownTimeout):
		logger.WarnContext(ctx, "shutdown timeout reached, cancelling in-flight jobs")
		cancelJobs()
		<-done
	}

	logger.InfoContext(ctx, "worker stopped")

	return nil
}

func (w *Worker) poll(ctx, jobsCtx context.Context, logger *slog.Logger) {
	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}

		job, err := w.claim(ctx)
		if err != nil || job == nil {
			w.sem.Release(1)

			if err != nil && ctx.Err() == nil {
				logger.ErrorContext(ctx, "failed to claim job", "err", err)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opts.PollInterval):
			}

			continue
		}

		w.wg.Add(1)

		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)

			w.execute(jobsCtx, job)
		}()
	}
}

func (w *Worker) claim(ctx context.Context) (job *storage.Job, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while claiming job: %v", r)
		}
	}()

	return w.opts.Store.Claim(ctx, w.opts.Queue, w.opts.Owner, w.opts.LeaseDuration, w.opts.Clock.Now())
}

func (w *Worker) execute(ctx context.Context, job *storage.Job) {
	ctx = logctx.WithAttrs(ctx,
		slog.String("queue", job.Queue),
		slog.String("job_id", job.ID),
		slog.String("job_type", job.Type),
		slog.Int("attempt", job.AttemptsMade),
	)
	logger := logctx.LoggerFromContext(ctx)

	// Finalising must still reach the backend after ctx was cancelled at shutdown.
	storeCtx := context.WithoutCancel(ctx)
	started := w.opts.Clock.Now()

	handlerCtx, cancelHandler := context.WithCancelCause(ctx)
	defer cancelHandler(nil)

	stopHeartbeat := w.heartbeat(handlerCtx, job, cancelHandler)

	var result any

	err := w.opts.Telemetry.InstrumentJob(handlerCtx, job.Queue, job.Type, func(ctx context.Context) error {
		var err error

		result, err = w.invoke(ctx, job)

		return err
	})

	stopHeartbeat()

	now := w.opts.Clock.Now()

	status := "completed"

	switch {
	case err == nil:
		w.complete(storeCtx, job, result, now)
	case ctx.Err() != nil:
		logger.InfoContext(ctx, "job interrupted by shutdown, releasing", "err", err)

		if err := w.opts.Store.Release(storeCtx, job.Queue, job.ID, w.opts.Owner, now); err != nil {
			logger.ErrorContext(ctx, "failed to release job", "err", err)
		}

		w.opts.Telemetry.RecordJob(storeCtx, job.Queue, "released", now.Sub(started))

		return
	case errors.Is(context.Cause(handlerCtx), storage.ErrLeaseLost):
		logger.WarnContext(ctx, "job lease lost, leaving the job to its new owner", "err", err)

		return
	default:
		status = w.fail(storeCtx, job, err, now)
	}

	w.opts.Telemetry.RecordJob(storeCtx, job.Queue, status, now.Sub(started))
}

// invoke runs the handler and turns a panic into a permanent failure.
func (w *Worker) invoke(ctx context.Context, job *storage.Job) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "job handler panicked", "panic", r, "stack", string(debug.Stack()))

			err = Permanent(fmt.Errorf("handler panicked: %v", r))
		}
	}()

	handler, ok := w.opts.Handlers[job.Type]
	if !ok {
		return nil, Permanent(fmt.Errorf("no handler registered for job type %q", job.Type))
	}

	return handler.Handle(ctx, &Job{Job: job, worker: w})
}

func (w *Worker) complete(ctx context.Context, job *storage.Job, result any, now time.Time) {
	logger := logctx.LoggerFromContext(ctx)

	var raw json.RawMessage

	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			_ = w.fail(ctx, job, Permanent(fmt.Errorf("failed to encode result: %w", err)), now)

			return
		}

		raw = data
	}

	if err := w.opts.Store.Complete(ctx, job.Queue, job.ID, w.opts.Owner, raw, now); err != nil {
		logger.ErrorContext(ctx, "failed to complete job", "err", err)

		return
	}

	logger.InfoContext(ctx, "job completed")

	job.State = storage.StateCompleted
	job.Progress = 100
	job.Result = raw
	job.FinishedAt = now

	w.finished(ctx, job, storage.StateCompleted, w.opts.Retention.KeepCompleted)
}

// fail records cause and returns whether the job was retried or failed for good.
func (w *Worker) fail(ctx context.Context, job *storage.Job, cause error, now time.Time) string {
	logger := logctx.LoggerFromContext(ctx)

	var retryAt *time.Time

	if !IsPermanent(cause) && job.AttemptsMade < job.MaxAttempts {
		delay := jobs.Backoff{Type: jobs.BackoffType(job.BackoffType), Delay: job.BackoffDelay}.Next(job.AttemptsMade)
		at := now.Add(delay)
		retryAt = &at
	}

	if err := w.opts.Store.Fail(ctx, job.Queue, job.ID, w.opts.Owner, cause.Error(), retryAt, now); err != nil {
		logger.ErrorContext(ctx, "failed to record job failure", "err", err, "cause", cause)

		return "failed"
	}

	if retryAt != nil {
		logger.WarnContext(ctx, "job failed, retry scheduled",
			"err", cause,
			"attempts", job.AttemptsMade,
			"max_attempts", job.MaxAttempts,
			"retry_at", retryAt.Format(time.RFC3339),
		)

		return "retried"
	}

	logger.ErrorContext(ctx, "job failed", "err", cause, "attempts", job.AttemptsMade)

	job.State = storage.StateFailed
	job.FailedReason = cause.Error()
	job.FinishedAt = now

	w.finished(ctx, job, storage.StateFailed, w.opts.Retention.KeepFailed)

	return "failed"
}

// finished applies retention for state and notifies OnFinished.
func (w *Worker) finished(ctx context.Context, job *storage.Job, state storage.State, keep int) {
	if keep != jobs.KeepAll {
		n, err := w.opts.Store.Prune(ctx, job.Queue, state, keep)
		if err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to apply retention", "err", err)
		} else if n > 0 {
			w.opts.Telemetry.RecordSweep(ctx, job.Queue, "pruned_"+string(state), n)
		}
	}

	if w.opts.OnFinished != nil {
		w.opts.OnFinished(ctx, job)
	}
}

// heartbeat renews the lease of job until the returned func is called. A lost
// lease cancels ctx with storage.ErrLeaseLost.
func (w *Worker) heartbeat(ctx context.Context, job *storage.Job, cancel context.CancelCauseFunc) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(max(w.opts.LeaseDuration/3, 10*time.Millisecond))
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				until := w.opts.Clock.Now().Add(w.opts.LeaseDuration)

				err := w.opts.Store.RenewLease(ctx, job.Queue, job.ID, w.opts.Owner, until)
				if errors.Is(err, storage.ErrLeaseLost) {
					cancel(storage.ErrLeaseLost)

					return
				}

				if err != nil && ctx.Err() == nil {
					logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to renew job lease", "err", err)
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

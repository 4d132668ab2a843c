package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/italolelis/fetchqueue/internal/storage"
)

// Handler executes jobs of one type. The returned value is stored as the job
// result; an error fails the attempt.
type Handler interface {
	Handle(ctx context.Context, job *Job) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *Job) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, job *Job) (any, error) {
	return f(ctx, job)
}

// Typed decodes the job payload into P before calling fn. A payload that does
// not decode fails the job without retries.
func Typed[P any](fn func(ctx context.Context, job *Job, params P) (any, error)) Handler {
	return HandlerFunc(func(ctx context.Context, job *Job) (any, error) {
		var params P
		if err := json.Unmarshal(job.Payload, &params); err != nil {
			return nil, Permanent(fmt.Errorf("failed to decode %s payload: %w", job.Type, err))
		}

		return fn(ctx, job, params)
	})
}

// Job is the job handed to a handler.
type Job struct {
	*storage.Job

	worker *Worker
}

// ReportProgress stores progress (clamped to 0-100) and optional data on the
// job record, where status queries read it.
func (j *Job) ReportProgress(ctx context.Context, progress int, data any) error {
	progress = min(max(progress, 0), 100)

	var raw json.RawMessage

	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode progress data: %w", err)
		}

		raw = b
	}

	w := j.worker

	if err := w.opts.Store.UpdateProgress(ctx, j.Queue, j.ID, w.opts.Owner, progress, raw); err != nil {
		return fmt.Errorf("failed to report progress: %w", err)
	}

	j.Progress = progress

	return nil
}

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the worker fails the job without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *PermanentError

	return errors.As(err, &p)
}

package transfer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/telemetry"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 5 * time.Second
)

// FetchFunc performs one transfer attempt. *Fetcher.Fetch satisfies it.
type FetchFunc func(ctx context.Context, req Request) (string, error)

// RetryOptions configures a Retrier.
type RetryOptions struct {
	// Attempts is the total number of attempts, including the first one.
	Attempts int
	// Delay is the fixed pause between two attempts.
	Delay time.Duration
	// OnAttemptError observes every failed attempt before the retry decision.
	// attempt is 1-based.
	OnAttemptError func(err error, attempt int)
	Telemetry      *telemetry.Telemetry
}

// Retrier retries retryable transfer failures a bounded number of times.
type Retrier struct {
	fetch FetchFunc
	opts  RetryOptions
}

// NewRetrier wraps fetch with the retry policy in opts.
func NewRetrier(fetch FetchFunc, opts RetryOptions) *Retrier {
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultRetryAttempts
	}

	if opts.Delay < 0 {
		opts.Delay = 0
	}

	return &Retrier{fetch: fetch, opts: opts}
}

// Fetch runs req until it succeeds, fails with a non-retryable error or runs
// out of attempts. The last error is returned unchanged.
func (r *Retrier) Fetch(ctx context.Context, req Request) (string, error) {
	logger := logctx.LoggerFromContext(ctx)
	attempt := 0

	operation := func() (string, error) {
		attempt++

		path, err := r.fetch(ctx, req)
		if err == nil {
			return path, nil
		}

		if r.opts.OnAttemptError != nil {
			r.opts.OnAttemptError(err, attempt)
		}

		if Classify(err) != ClassRetryable {
			return "", backoff.Permanent(err)
		}

		if attempt < r.opts.Attempts {
			logger.WarnContext(ctx, "transfer attempt failed, retrying",
				"url", req.URL,
				"attempt", attempt,
				"max_attempts", r.opts.Attempts,
				"retry_in", r.opts.Delay,
				"err", err,
			)

			r.opts.Telemetry.RecordTransferRetry(ctx)
		}

		return "", err
	}

	path, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewConstantBackOff(r.opts.Delay)),
		backoff.WithMaxTries(uint(r.opts.Attempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return path, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}

	// Cancelled while waiting between attempts.
	if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
		return "", cancelled(ctx)
	}

	return "", err
}

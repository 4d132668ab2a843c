package transfer

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedFetch struct {
	calls  int
	errors []error // error per call, nil means success; the last one repeats
}

func (s *scriptedFetch) fetch(_ context.Context, req Request) (string, error) {
	s.calls++

	i := s.calls - 1
	if i >= len(s.errors) {
		i = len(s.errors) - 1
	}

	if err := s.errors[i]; err != nil {
		return "", err
	}

	return req.DestinationPath, nil
}

func transient() error {
	return &NetworkError{Operation: "get", URL: "http://x", Err: io.ErrUnexpectedEOF}
}

func TestRetrier_ExhaustsAttemptsOnTransientError(t *testing.T) {
	script := &scriptedFetch{errors: []error{transient()}}

	var observed []int

	r := NewRetrier(script.fetch, RetryOptions{
		Attempts:       3,
		Delay:          time.Millisecond,
		OnAttemptError: func(_ error, attempt int) { observed = append(observed, attempt) },
	})

	_, err := r.Fetch(context.Background(), Request{URL: "http://x", DestinationPath: "/tmp/x"})

	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, 3, script.calls)
	assert.Equal(t, []int{1, 2, 3}, observed)
}

func TestRetrier_FatalErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"mime type", &MimeTypeRejectedError{URL: "http://x", ContentType: "text/html"}},
		{"http status", &HTTPStatusError{Method: "GET", URL: "http://x", StatusCode: 404}},
		{"cancelled", ErrCancelled},
		{"unknown", errors.New("disk full")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			script := &scriptedFetch{errors: []error{tt.err}}

			r := NewRetrier(script.fetch, RetryOptions{Attempts: 3, Delay: time.Millisecond})

			_, err := r.Fetch(context.Background(), Request{URL: "http://x"})
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, 1, script.calls)
		})
	}
}

func TestRetrier_SucceedsAfterTransientFailure(t *testing.T) {
	script := &scriptedFetch{errors: []error{transient(), nil}}

	r := NewRetrier(script.fetch, RetryOptions{Attempts: 3, Delay: time.Millisecond})

	path, err := r.Fetch(context.Background(), Request{DestinationPath: "/data/file.zim"})
	require.NoError(t, err)
	assert.Equal(t, "/data/file.zim", path)
	assert.Equal(t, 2, script.calls)
}

func TestRetrier_CancelDuringDelay(t *testing.T) {
	script := &scriptedFetch{errors: []error{transient()}}

	ctx, cancel := context.WithCancel(context.Background())

	r := NewRetrier(script.fetch, RetryOptions{
		Attempts:       5,
		Delay:          time.Hour,
		OnAttemptError: func(error, int) { cancel() },
	})

	_, err := r.Fetch(ctx, Request{})
	require.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, script.calls)
}

func TestNewRetrier_Defaults(t *testing.T) {
	r := NewRetrier(nil, RetryOptions{Delay: -time.Second})

	assert.Equal(t, DefaultRetryAttempts, r.opts.Attempts)
	assert.Zero(t, r.opts.Delay)
}

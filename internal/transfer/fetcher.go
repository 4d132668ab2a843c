package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/progress"
	"github.com/italolelis/fetchqueue/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// Request describes one transfer of URL to DestinationPath.
type Request struct {
	URL             string
	DestinationPath string
	// Timeout bounds the HEAD request, the wait for GET response headers and
	// any pause between two body reads. Zero disables it.
	Timeout time.Duration
	// AllowedContentTypes are matched as case-insensitive substrings of the
	// remote Content-Type. Empty allows everything.
	AllowedContentTypes []string
	// ForceRestart ignores any partial file and downloads from byte zero.
	ForceRestart bool
	// OnProgress receives samples at most once per progress interval, plus a final 100% sample.
	OnProgress func(Progress)
	// OnComplete runs after the file is fully written. Its error is logged and
	// does not undo the transfer.
	OnComplete func(ctx context.Context, url, path string) error
}

// Progress is one progress sample of a transfer.
type Progress struct {
	URL             string
	BytesDownloaded int64
	BytesTotal      int64 // 0 when the server did not report a size
	SampledAt       time.Time

	// ResumedFrom is the part of BytesDownloaded that was on disk when the
	// attempt started at StartedAt.
	ResumedFrom int64
	StartedAt   time.Time
}

// Transferred returns the bytes received by the current attempt.
func (p Progress) Transferred() int64 {
	return max(p.BytesDownloaded-p.ResumedFrom, 0)
}

// Percentage returns the completion in [0,100], 0 when the total is unknown.
func (p Progress) Percentage() float64 {
	return progress.Sample{Written: p.BytesDownloaded, Total: p.BytesTotal}.Percentage()
}

// Options configures a Fetcher.
type Options struct {
	// Client defaults to an otelhttp-instrumented client without a global timeout.
	Client           *http.Client
	Clock            progress.Clock
	ProgressInterval time.Duration
	Telemetry        *telemetry.Telemetry
}

// Fetcher performs single resumable transfer attempts.
type Fetcher struct {
	client    *http.Client
	clock     progress.Clock
	interval  time.Duration
	telemetry *telemetry.Telemetry
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts Options) *Fetcher {
	if opts.Client == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		// Compressed bodies would break byte offsets for range requests.
		transport.DisableCompression = true

		opts.Client = &http.Client{Transport: otelhttp.NewTransport(transport)}
	}

	if opts.Clock == nil {
		opts.Clock = progress.SystemClock
	}

	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = progress.DefaultInterval
	}

	return &Fetcher{
		client:    opts.Client,
		clock:     opts.Clock,
		interval:  opts.ProgressInterval,
		telemetry: opts.Telemetry,
	}
}

// remoteInfo is what a HEAD request tells us about the resource.
type remoteInfo struct {
	Size          int64 // 0 when unknown
	ContentType   string
	AcceptsRanges bool
}

// Fetch runs one transfer attempt and returns the destination path. Errors are
// one of ErrCancelled, *MimeTypeRejectedError, *HTTPStatusError, *NetworkError,
// *StreamError, or a local filesystem error.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (string, error) {
	var path string

	err := f.telemetry.InstrumentTransfer(ctx, Outcome, func(ctx context.Context) error {
		var err error

		path, err = f.fetch(ctx, req)

		return err
	})

	return path, err
}

func (f *Fetcher) fetch(ctx context.Context, req Request) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("url", req.URL, "destination", req.DestinationPath)

	if err := validateURL(req.URL); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(req.DestinationPath), dirPerm); err != nil {
		return "", fmt.Errorf("failed to create destination directory: %w", err)
	}

	offset, err := resumeOffset(req)
	if err != nil {
		return "", err
	}

	a := &attempt{startedAt: f.clock.Now(), offset: offset}

	info, err := f.head(ctx, req)
	if err != nil {
		return "", err
	}

	if !contentTypeAllowed(info.ContentType, req.AllowedContentTypes) {
		return "", &MimeTypeRejectedError{URL: req.URL, ContentType: info.ContentType, Allowed: req.AllowedContentTypes}
	}

	if offset > 0 && offset == info.Size {
		logger.InfoContext(ctx, "file already complete, skipping download", "size", humanize.Bytes(uint64(offset)))

		return f.finish(ctx, req, a, offset)
	}

	if offset > 0 && (!info.AcceptsRanges || (info.Size > 0 && offset > info.Size)) {
		logger.InfoContext(ctx, "discarding partial file", "partial_size", offset, "accepts_ranges", info.AcceptsRanges)

		if err := os.Remove(req.DestinationPath); err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to remove partial file: %w", err)
		}

		offset = 0
	}

	a.offset = offset

	written, err := f.get(ctx, req, a, info.Size)
	if err != nil {
		return "", err
	}

	return f.finish(ctx, req, a, written)
}

func (f *Fetcher) head(ctx context.Context, req Request) (remoteInfo, error) {
	headCtx := ctx

	if req.Timeout > 0 {
		var cancel context.CancelFunc

		headCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(headCtx, http.MethodHead, req.URL, nil)
	if err != nil {
		return remoteInfo{}, fmt.Errorf("failed to create head request: %w", err)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return remoteInfo{}, requestError(ctx, "head", req.URL, err)
	}
	resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return remoteInfo{}, &HTTPStatusError{Method: http.MethodHead, URL: req.URL, StatusCode: resp.StatusCode}
	}

	info := remoteInfo{
		ContentType:   resp.Header.Get("Content-Type"),
		AcceptsRanges: strings.EqualFold(strings.TrimSpace(resp.Header.Get("Accept-Ranges")), "bytes"),
	}

	if resp.ContentLength > 0 {
		info.Size = resp.ContentLength
	}

	return info, nil
}

// attempt is the starting point of one Fetch attempt.
type attempt struct {
	startedAt time.Time
	offset    int64
}

// get streams the body to disk starting at a.offset and returns the final file size.
func (f *Fetcher) get(ctx context.Context, req Request, a *attempt, size int64) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)
	offset := a.offset

	getCtx, cancelGet := context.WithCancelCause(ctx)
	defer cancelGet(nil)

	httpReq, err := http.NewRequestWithContext(getCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create get request: %w", err)
	}

	if offset > 0 {
		httpReq.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	watchdog := newWatchdog(req.Timeout, func() { cancelGet(errIdleTimeout) })
	defer watchdog.stop()

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return 0, requestError(ctx, "get", req.URL, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		if offset > 0 {
			logger.WarnContext(ctx, "server ignored range request, restarting from zero", "offset", offset)

			offset = 0
			a.offset = 0
		}
	default:
		return 0, &HTTPStatusError{Method: http.MethodGet, URL: req.URL, StatusCode: resp.StatusCode}
	}

	total := size
	if total == 0 && resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	out, err := os.OpenFile(req.DestinationPath, flags, filePerm)
	if err != nil {
		return 0, fmt.Errorf("failed to open destination file: %w", err)
	}

	logger.InfoContext(ctx, "downloading file",
		"offset", humanize.Bytes(uint64(offset)),
		"size", humanize.Bytes(uint64(total)),
	)

	pr := progress.NewReader(watchdog.wrap(resp.Body), progress.Options{
		Offset:   offset,
		Total:    total,
		Interval: f.interval,
		Clock:    f.clock,
		OnProgress: func(s progress.Sample) {
			f.report(req, a, s)
		},
	})

	_, copyErr := io.Copy(out, pr)
	closeErr := out.Close()

	f.telemetry.AddTransferBytes(ctx, pr.BytesRead())

	written := offset + pr.BytesRead()

	switch {
	case copyErr != nil && ctx.Err() != nil:
		logger.InfoContext(ctx, "transfer cancelled, keeping partial file", "written", written)

		return 0, cancelled(ctx)
	case copyErr != nil:
		if cause := context.Cause(getCtx); errors.Is(cause, errIdleTimeout) {
			copyErr = cause
		}

		return 0, &StreamError{URL: req.URL, Written: written, Err: copyErr}
	case closeErr != nil:
		return 0, &StreamError{URL: req.URL, Written: written, Err: closeErr}
	case total > 0 && written != total:
		return 0, &StreamError{URL: req.URL, Written: written, Err: fmt.Errorf("received %d of %d bytes", written, total)}
	}

	return written, nil
}

// finish emits the final sample, runs the completion callback and returns the path.
func (f *Fetcher) finish(ctx context.Context, req Request, a *attempt, size int64) (string, error) {
	f.report(req, a, progress.Sample{Written: size, Total: size, At: f.clock.Now()})

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "transfer completed",
		"url", req.URL,
		"destination", req.DestinationPath,
		"size", humanize.Bytes(uint64(size)),
	)

	if req.OnComplete != nil {
		if err := req.OnComplete(ctx, req.URL, req.DestinationPath); err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "completion callback failed", "url", req.URL, "err", err)
		}
	}

	return req.DestinationPath, nil
}

func (f *Fetcher) report(req Request, a *attempt, s progress.Sample) {
	if req.OnProgress == nil {
		return
	}

	req.OnProgress(Progress{
		URL:             req.URL,
		BytesDownloaded: s.Written,
		BytesTotal:      s.Total,
		SampledAt:       s.At,
		ResumedFrom:     a.offset,
		StartedAt:       a.startedAt,
	})
}

func resumeOffset(req Request) (int64, error) {
	if req.ForceRestart {
		return 0, nil
	}

	fi, err := os.Stat(req.DestinationPath)
	switch {
	case os.IsNotExist(err):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("failed to stat destination file: %w", err)
	case fi.IsDir():
		return 0, fmt.Errorf("destination %s is a directory", req.DestinationPath)
	}

	return fi.Size(), nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid url %q: unsupported scheme", raw)
	}

	if u.Host == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}

	return nil
}

func contentTypeAllowed(contentType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}

	ct := strings.ToLower(contentType)
	for _, a := range allowed {
		if a != "" && strings.Contains(ct, strings.ToLower(a)) {
			return true
		}
	}

	return false
}

// requestError turns a client.Do failure into ErrCancelled when the caller gave
// up, and into a retryable NetworkError otherwise.
func requestError(ctx context.Context, op, url string, err error) error {
	if ctx.Err() != nil {
		return cancelled(ctx)
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "transfer request failed", "operation", op, "url", url, "err", err)

	return &NetworkError{Operation: op, URL: url, Err: err}
}

// watchdog cancels the GET when neither headers nor body bytes arrive within timeout.
type watchdog struct {
	timer   *time.Timer
	timeout time.Duration
}

func newWatchdog(timeout time.Duration, fire func()) *watchdog {
	if timeout <= 0 {
		return &watchdog{}
	}

	return &watchdog{timer: time.AfterFunc(timeout, fire), timeout: timeout}
}

func (w *watchdog) wrap(r io.Reader) io.Reader {
	if w.timer == nil {
		return r
	}

	return &watchedReader{r: r, w: w}
}

func (w *watchdog) stop() {
	if w.timer != nil {
		w.timer.Stop()
	}
}

type watchedReader struct {
	r io.Reader
	w *watchdog
}

func (wr *watchedReader) Read(p []byte) (int, error) {
	n, err := wr.r.Read(p)
	if n > 0 {
		wr.w.timer.Reset(wr.w.timeout)
	}

	return n, err
}

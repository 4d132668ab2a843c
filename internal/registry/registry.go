// Package registry tracks the transfers in flight for one resource family and
// guarantees at most one transfer per URL. Progress and terminal outcomes are
// published on the family channel; errors never propagate to the caller of
// Begin once the transfer has started.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/fetchqueue/internal/logctx"
	"github.com/italolelis/fetchqueue/internal/progress"
	"github.com/italolelis/fetchqueue/internal/telemetry"
	"github.com/italolelis/fetchqueue/internal/transfer"
)

// ErrResourceBusy is returned by Begin when the URL already has a transfer in flight.
var ErrResourceBusy = errors.New("download already in progress")

// Status of a transfer as seen by subscribers.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Event is published on the family channel.
type Event struct {
	URL      string        `json:"url"`
	Status   Status        `json:"status"`
	Progress EventProgress `json:"progress"`
	Path     string        `json:"path,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Terminal reports whether ev is the last event of its transfer.
func (ev Event) Terminal() bool {
	return ev.Status != StatusDownloading
}

// EventProgress is the progress part of an Event. Speed is human readable, e.g. "12 MB/s".
type EventProgress struct {
	Percentage float64 `json:"percentage"`
	Speed      string  `json:"speed"`
}

// Publisher receives the registry events. *broadcast.Hub[Event] satisfies it.
type Publisher interface {
	Publish(channel string, ev Event)
}

// FetchFunc performs the transfer, usually (*transfer.Retrier).Fetch.
type FetchFunc func(ctx context.Context, req transfer.Request) (string, error)

// Options configures a Registry.
type Options struct {
	// Family names the resource family in logs and metrics, e.g. zim.
	Family string
	// Channel is the broadcast channel, e.g. zim-downloads.
	Channel   string
	Fetch     FetchFunc
	Publisher Publisher
	Clock     progress.Clock
	// OnComplete runs after a successful transfer, after the request's own callback.
	OnComplete func(ctx context.Context, url, path string) error
	Telemetry  *telemetry.Telemetry
}

type entry struct {
	cancel    context.CancelFunc
	stopped   chan struct{} // closed when the transfer goroutine returned
	cancelled bool          // guarded by Registry.mu

	mu   sync.Mutex
	done bool // a terminal event was published
}

// Registry is the single-flight table of one resource family.
type Registry struct {
	opts Options

	mu     sync.Mutex
	active map[string]*entry
	wg     sync.WaitGroup
}

// New creates a Registry.
func New(opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = progress.SystemClock
	}

	if opts.Channel == "" {
		opts.Channel = opts.Family + "-downloads"
	}

	return &Registry{
		opts:   opts,
		active: make(map[string]*entry),
	}
}

// Channel returns the broadcast channel of this registry.
func (r *Registry) Channel() string {
	return r.opts.Channel
}

// Begin registers req.URL and starts the transfer in the background. The
// transfer outlives ctx; only Cancel or CancelAll stop it.
func (r *Registry) Begin(ctx context.Context, req transfer.Request) error {
	r.mu.Lock()

	if _, ok := r.active[req.URL]; ok {
		r.mu.Unlock()

		r.opts.Telemetry.RecordResourceBusy(ctx, r.opts.Family)

		return fmt.Errorf("%w for %s", ErrResourceBusy, req.URL)
	}

	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{cancel: cancel, stopped: make(chan struct{})}

	r.active[req.URL] = e
	r.wg.Add(1)

	r.mu.Unlock()

	r.publish(e, Event{URL: req.URL, Status: StatusDownloading})

	go r.run(tctx, e, req)

	return nil
}

func (r *Registry) run(ctx context.Context, e *entry, req transfer.Request) {
	defer r.wg.Done()
	defer close(e.stopped)
	defer e.cancel()

	logger := logctx.LoggerFromContext(ctx).With("family", r.opts.Family, "url", req.URL)

	started := r.opts.Clock.Now()

	onProgress := req.OnProgress
	req.OnProgress = func(p transfer.Progress) {
		if onProgress != nil {
			onProgress(p)
		}

		r.publish(e, Event{
			URL:    req.URL,
			Status: StatusDownloading,
			Progress: EventProgress{
				Percentage: p.Percentage(),
				Speed:      attemptSpeed(p, started),
			},
		})
	}

	onComplete := req.OnComplete
	req.OnComplete = func(ctx context.Context, url, path string) error {
		var errs []error

		if onComplete != nil {
			errs = append(errs, onComplete(ctx, url, path))
		}

		if r.opts.OnComplete != nil {
			errs = append(errs, r.opts.OnComplete(ctx, url, path))
		}

		return errors.Join(errs...)
	}

	path, err := r.opts.Fetch(ctx, req)

	r.remove(req.URL, e)

	switch {
	case err == nil:
		logger.InfoContext(ctx, "transfer finished", "path", path)

		r.finish(e, Event{URL: req.URL, Status: StatusCompleted, Path: path, Progress: EventProgress{Percentage: 100}})
	case errors.Is(err, transfer.ErrCancelled):
		logger.InfoContext(ctx, "transfer cancelled")

		r.finish(e, Event{URL: req.URL, Status: StatusCancelled})
	default:
		logger.ErrorContext(ctx, "transfer failed", "err", err)

		r.finish(e, Event{URL: req.URL, Status: StatusFailed, Error: err.Error()})
	}
}

// Cancel stops the transfer of url and waits until it has released the
// destination file, so a Begin right after Cancel never races the old stream.
// It returns false, without side effects, when nothing is in flight for url.
func (r *Registry) Cancel(url string) bool {
	r.mu.Lock()

	e, ok := r.active[url]
	if ok && e.cancelled {
		ok = false
	}

	if ok {
		e.cancelled = true
	}

	r.mu.Unlock()

	if !ok {
		return false
	}

	e.cancel()
	<-e.stopped

	r.remove(url, e)
	r.finish(e, Event{URL: url, Status: StatusCancelled})

	return true
}

// CancelAll cancels every transfer in flight and waits for them to return.
func (r *Registry) CancelAll() {
	for _, url := range r.List() {
		r.Cancel(url)
	}

	r.Wait()
}

// List returns the URLs in flight, sorted.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	urls := make([]string, 0, len(r.active))
	for url := range r.active {
		urls = append(urls, url)
	}

	slices.Sort(urls)

	return urls
}

// Wait blocks until every started transfer has returned.
func (r *Registry) Wait() {
	r.wg.Wait()
}

// remove deletes url only if it still maps to e; a Cancel followed by a new
// Begin may already have replaced it.
func (r *Registry) remove(url string, e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active[url] == e {
		delete(r.active, url)
	}
}

func (r *Registry) publish(e *entry, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done || r.opts.Publisher == nil {
		return
	}

	r.opts.Publisher.Publish(r.opts.Channel, ev)
}

// finish publishes the terminal event once.
func (r *Registry) finish(e *entry, ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done {
		return
	}

	e.done = true

	if r.opts.Publisher != nil {
		r.opts.Publisher.Publish(r.opts.Channel, ev)
	}
}

// attemptSpeed counts only the bytes of the current attempt, so a resumed
// transfer does not report the partial file as throughput.
func attemptSpeed(p transfer.Progress, fallback time.Time) string {
	started := p.StartedAt
	if started.IsZero() {
		started = fallback
	}

	return speed(p.Transferred(), p.SampledAt.Sub(started))
}

func speed(bytes int64, elapsed time.Duration) string {
	if bytes <= 0 || elapsed <= 0 {
		return "0 B/s"
	}

	return humanize.Bytes(uint64(float64(bytes)/elapsed.Seconds())) + "/s"
}

package progress

import (
	"io"
	"time"
)

// DefaultInterval is the minimum spacing between two progress samples.
const DefaultInterval = 500 * time.Millisecond

// Clock is the time source used for throttling. Tests inject a fake one.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Sample is one progress observation. Written includes the resume offset.
type Sample struct {
	Written int64
	Total   int64 // 0 when unknown
	At      time.Time
}

// Percentage returns the completion percentage in [0,100], or 0 when the total is unknown.
func (s Sample) Percentage() float64 {
	if s.Total <= 0 {
		return 0
	}

	pct := float64(s.Written) * 100 / float64(s.Total)
	if pct > 100 {
		return 100
	}

	return pct
}

// Options configures a Reader.
type Options struct {
	// Offset is the number of bytes already on disk before this reader starts.
	Offset int64
	// Total is the expected final size, or 0 when unknown.
	Total int64
	// Interval is the minimum time between two samples. Default: DefaultInterval.
	Interval time.Duration
	// Clock defaults to SystemClock.
	Clock Clock
	// OnProgress receives the throttled samples. May be nil.
	OnProgress func(Sample)
}

// Reader wraps an io.Reader, counts the bytes flowing through it and reports
// progress at most once per interval. Samples are byte-monotonic because they
// are taken from a single cumulative counter on the reading goroutine.
type Reader struct {
	reader     io.Reader
	opts       Options
	read       int64
	lastReport time.Time
}

// NewReader wraps r.
func NewReader(r io.Reader, opts Options) *Reader {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	if opts.Clock == nil {
		opts.Clock = SystemClock
	}

	return &Reader{
		reader:     r,
		opts:       opts,
		lastReport: opts.Clock.Now(),
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)

		if now := pr.opts.Clock.Now(); now.Sub(pr.lastReport) >= pr.opts.Interval {
			pr.lastReport = now
			pr.emit(now)
		}
	}

	return n, err
}

// BytesRead returns the bytes read through this reader, excluding the offset.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

// Current returns a sample of the current position without throttling.
func (pr *Reader) Current() Sample {
	return Sample{
		Written: pr.opts.Offset + pr.read,
		Total:   pr.opts.Total,
		At:      pr.opts.Clock.Now(),
	}
}

func (pr *Reader) emit(now time.Time) {
	if pr.opts.OnProgress == nil {
		return
	}

	pr.opts.OnProgress(Sample{
		Written: pr.opts.Offset + pr.read,
		Total:   pr.opts.Total,
		At:      now,
	})
}

package progress

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stepClock advances by step every time it is read.
type stepClock struct {
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.now = c.now.Add(c.step)

	return c.now
}

func TestReader_ThrottlesByInterval(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0), step: 200 * time.Millisecond}

	var samples []Sample

	data := bytes.Repeat([]byte("x"), 10)
	r := NewReader(iotest.OneByteReader(bytes.NewReader(data)), Options{
		Total:      10,
		Interval:   500 * time.Millisecond,
		Clock:      clock,
		OnProgress: func(s Sample) { samples = append(samples, s) },
	})

	n, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, int64(10), r.BytesRead())

	require.NotEmpty(t, samples)

	for i := 1; i < len(samples); i++ {
		assert.GreaterOrEqual(t, samples[i].At.Sub(samples[i-1].At), 500*time.Millisecond)
		assert.Greater(t, samples[i].Written, samples[i-1].Written)
	}

	// one sample every third byte: 200ms per read, 500ms interval
	assert.Len(t, samples, 3)
}

func TestReader_IncludesOffset(t *testing.T) {
	clock := &stepClock{now: time.Unix(0, 0), step: time.Second}

	var last Sample

	r := NewReader(bytes.NewReader([]byte("abcd")), Options{
		Offset:     6,
		Total:      10,
		Clock:      clock,
		OnProgress: func(s Sample) { last = s },
	})

	_, err := io.Copy(io.Discard, r)
	require.NoError(t, err)

	assert.Equal(t, int64(10), last.Written)
	assert.InDelta(t, 100.0, last.Percentage(), 0.001)
	assert.Equal(t, int64(10), r.Current().Written)
}

func TestSample_Percentage(t *testing.T) {
	assert.Zero(t, Sample{Written: 5}.Percentage())
	assert.InDelta(t, 50.0, Sample{Written: 5, Total: 10}.Percentage(), 0.001)
	assert.InDelta(t, 100.0, Sample{Written: 15, Total: 10}.Percentage(), 0.001)
}

func TestReader_Defaults(t *testing.T) {
	r := NewReader(bytes.NewReader(nil), Options{})

	assert.Equal(t, DefaultInterval, r.opts.Interval)
	assert.NotNil(t, r.opts.Clock)
}

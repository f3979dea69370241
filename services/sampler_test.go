package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeReader struct {
	power    atomic.Value // float64
	failing  atomic.Bool
	readings atomic.Int64
}

func newFakeReader(power float64) *fakeReader {
	r := &fakeReader{}
	r.power.Store(power)
	return r
}

func (r *fakeReader) ReadPower(ctx context.Context) (float64, error) {
	r.readings.Add(1)
	if r.failing.Load() {
		return 0, fmt.Errorf("meter offline")
	}
	return r.power.Load().(float64), nil
}

func TestCaptureRespectsSampleBudget(t *testing.T) {
	reader := newFakeReader(8.5)
	sampler := NewSampler(reader, 2*time.Millisecond, 10*time.Millisecond, time.Second)

	samples := sampler.Capture(context.Background(), "s1")

	assert.NotEmpty(t, samples)
	assert.LessOrEqual(t, len(samples), 5, "window/interval caps the sample count")
	for _, s := range samples {
		assert.Equal(t, 8.5, s.PowerKW)
		assert.False(t, s.Timestamp.IsZero())
	}
}

func TestCaptureReturnsPartialOnCancel(t *testing.T) {
	reader := newFakeReader(7.0)
	sampler := NewSampler(reader, 5*time.Millisecond, time.Minute, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	done := make(chan []int)
	go func() {
		samples := sampler.Capture(ctx, "s2")
		done <- []int{len(samples)}
	}()

	select {
	case counts := <-done:
		assert.Greater(t, counts[0], 0, "partial capture is still returned")
		assert.Less(t, counts[0], int(time.Minute/(5*time.Millisecond)))
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not stop on cancellation")
	}
}

func TestCaptureSkipsFailedReadings(t *testing.T) {
	reader := newFakeReader(9.0)
	reader.failing.Store(true)
	sampler := NewSampler(reader, 2*time.Millisecond, 10*time.Millisecond, time.Second)

	samples := sampler.Capture(context.Background(), "s3")

	assert.Empty(t, samples, "every reading failed, nothing to return")
	assert.Greater(t, reader.readings.Load(), int64(1), "failures do not abort the capture loop")
}

func TestCaptureTimeoutBoundsRuntime(t *testing.T) {
	reader := newFakeReader(8.0)
	// Window far longer than the timeout: the timeout must win.
	sampler := NewSampler(reader, 5*time.Millisecond, time.Hour, 25*time.Millisecond)

	start := time.Now()
	samples := sampler.Capture(context.Background(), "s4")

	assert.Less(t, time.Since(start), time.Second)
	assert.NotEmpty(t, samples)
}

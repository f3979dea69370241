package services

import (
	"context"
	"log"
	"time"

	"github.com/kpeters/chargetrack/backend/models"
)

// PowerReader supplies instantaneous power readings for the active session.
// The ChargePoint client implements it against the cloud API; the Modbus
// reader implements it against a local meter.
type PowerReader interface {
	ReadPower(ctx context.Context) (float64, error)
}

// Sampler captures a bounded power curve for an active session: one reading
// every interval for at most window (10s / 5min -> 30 samples by default).
// It always returns whatever it captured, possibly nothing - persistence is
// the caller's job.
type Sampler struct {
	reader   PowerReader
	interval time.Duration
	window   time.Duration
	timeout  time.Duration
}

func NewSampler(reader PowerReader, interval, window, timeout time.Duration) *Sampler {
	return &Sampler{
		reader:   reader,
		interval: interval,
		window:   window,
		timeout:  timeout,
	}
}

// Capture blocks until the window elapses, the sample budget is reached, or
// the context is cancelled (session closed early / timeout). Individual read
// failures are logged and skipped; they do not abort the capture.
func (s *Sampler) Capture(ctx context.Context, sessionID string) []models.PowerSample {
	maxSamples := int(s.window / s.interval)
	if maxSamples < 1 {
		maxSamples = 1
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	samples := make([]models.PowerSample, 0, maxSamples)
	deadline := time.Now().Add(s.window)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First reading immediately, then on the tick.
	if sample, ok := s.readOne(ctx, sessionID); ok {
		samples = append(samples, sample)
	}

	for len(samples) < maxSamples && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			log.Printf("Sampler: [%s] Capture stopped early with %d/%d samples: %v",
				sessionID, len(samples), maxSamples, ctx.Err())
			return samples
		case <-ticker.C:
			if sample, ok := s.readOne(ctx, sessionID); ok {
				samples = append(samples, sample)
			}
		}
	}

	log.Printf("Sampler: [%s] Captured %d samples over %v", sessionID, len(samples), s.window)
	return samples
}

func (s *Sampler) readOne(ctx context.Context, sessionID string) (models.PowerSample, bool) {
	power, err := s.reader.ReadPower(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("WARNING: Sampler: [%s] Power reading failed, skipping sample: %v", sessionID, err)
		}
		return models.PowerSample{}, false
	}
	return models.PowerSample{Timestamp: time.Now().UTC(), PowerKW: power}, true
}

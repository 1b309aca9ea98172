package timesync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"pairarb/internal/application/port"
	"pairarb/internal/domain/model"
	dsvc "pairarb/internal/domain/service"
)

var ErrNoSamples = errors.New("no usable time samples")

const (
	DefaultSamples  = 20
	DefaultInterval = 500 * time.Millisecond
)

type sample struct {
	roundtrip float64 // ms
	offset    float64 // ms
}

// Meter estimates the exchange clock offset and one-way latency from repeated
// server time requests, discarding samples with an outlying roundtrip.
type Meter struct {
	clock    port.Clock
	samples  int
	interval time.Duration

	now func() time.Time
}

func NewMeter(clock port.Clock, samples int, interval time.Duration) *Meter {
	if samples <= 0 {
		samples = DefaultSamples
	}
	if interval < 0 {
		interval = DefaultInterval
	}
	return &Meter{clock: clock, samples: samples, interval: interval, now: time.Now}
}

func (m *Meter) MeasureLatency(ctx context.Context) (model.Drift, error) {
	results := make([]sample, 0, m.samples)
	for i := 0; i < m.samples; i++ {
		if err := sleep(ctx, m.interval); err != nil {
			return model.Drift{}, err
		}
		s, err := m.measure(ctx)
		if err != nil {
			log.Warn().Err(err).Int("sample", i).Msg("server time request failed")
			continue
		}
		results = append(results, s)
	}

	drift, ok := summarize(results)
	if !ok {
		return model.Drift{}, ErrNoSamples
	}
	log.Info().
		Dur("offset", drift.Offset).
		Dur("latency", drift.Latency).
		Int("samples", len(results)).
		Msg("exchange drift measured")
	return drift, nil
}

func (m *Meter) measure(ctx context.Context) (sample, error) {
	start := m.now()
	server, err := m.clock.ServerTime(ctx)
	if err != nil {
		return sample{}, err
	}
	current := m.now()

	rtt := float64(current.Sub(start)) / float64(time.Millisecond)
	offset := float64(server.Sub(current))/float64(time.Millisecond) + rtt/2
	return sample{roundtrip: rtt, offset: offset}, nil
}

// summarize keeps samples whose roundtrip is below median + std and averages them.
func summarize(results []sample) (model.Drift, bool) {
	if len(results) == 0 {
		return model.Drift{}, false
	}
	rtts := make([]float64, len(results))
	for i, r := range results {
		rtts[i] = r.roundtrip
	}
	std := dsvc.StdDev(rtts)
	limit := dsvc.Median(rtts) + std

	var offsets, latencies []float64
	for _, r := range results {
		// a perfectly flat roundtrip series has no outliers
		if r.roundtrip < limit || std == 0 {
			offsets = append(offsets, r.offset)
			latencies = append(latencies, r.roundtrip/2)
		}
	}
	if len(offsets) == 0 {
		return model.Drift{}, false
	}
	return model.Drift{
		Offset:  msToDuration(dsvc.Mean(offsets)),
		Latency: msToDuration(dsvc.Mean(latencies)),
	}, true
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ port.LatencyMeter = (*Meter)(nil)

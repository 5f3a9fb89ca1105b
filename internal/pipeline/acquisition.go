package pipeline

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/autopilot/internal/capture"
	"github.com/banshee-data/autopilot/internal/frames"
	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/timeutil"
)

// Acquisition is the sole writer of the frame slot: it reads the camera at
// its native rate and publishes every frame.
type Acquisition struct {
	source   capture.Source
	slot     *frames.Slot
	clock    timeutil.Clock
	reporter *monitoring.RateReporter

	frames   atomic.Int64
	lastFPS  atomic.Uint64 // float64 bits
	first    atomic.Int64  // unix nanos of the first frame
	latestAt atomic.Int64  // unix nanos of the newest frame
}

// AcquisitionStats summarises the capture rate.
type AcquisitionStats struct {
	Frames int64 `json:"frames"`
	// FPS is the rate implied by the last read.
	FPS float64 `json:"fps"`
	// MeanFPS is the rate over every frame so far.
	MeanFPS float64 `json:"mean_fps"`
}

func NewAcquisition(source capture.Source, slot *frames.Slot, clock timeutil.Clock) *Acquisition {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Acquisition{
		source:   source,
		slot:     slot,
		clock:    clock,
		reporter: monitoring.NewRateReporter("capture", 0),
	}
}

// Run reads and publishes frames until ctx is done (returns nil) or the
// source fails (returns the wrapped source error).
func (a *Acquisition) Run(ctx context.Context) error {
	timer := timeutil.NewIntervalTimer(a.clock)
	for {
		if ctx.Err() != nil {
			return nil
		}
		timer.Reset()
		img, err := a.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("acquisition: %w", err)
		}

		now := a.clock.Now()
		a.slot.Publish(&frames.Frame{Captured: now, Image: img})

		n := a.frames.Add(1)
		if n == 1 {
			a.first.Store(now.UnixNano())
		}
		a.latestAt.Store(now.UnixNano())

		latency := timer.Elapsed()
		rate := 0.0
		if latency > 0 {
			rate = 1 / latency.Seconds()
		}
		a.lastFPS.Store(math.Float64bits(rate))
		a.reporter.Observe(latency, rate)
	}
}

func (a *Acquisition) Stats() AcquisitionStats {
	s := AcquisitionStats{
		Frames: a.frames.Load(),
		FPS:    math.Float64frombits(a.lastFPS.Load()),
	}
	if span := time.Duration(a.latestAt.Load() - a.first.Load()); s.Frames > 1 && span > 0 {
		s.MeanFPS = float64(s.Frames-1) / span.Seconds()
	}
	return s
}

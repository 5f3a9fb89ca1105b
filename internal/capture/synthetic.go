package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"sync/atomic"
	"time"

	"github.com/banshee-data/autopilot/internal/timeutil"
)

var (
	roadColor   = color.RGBA{R: 70, G: 70, B: 74, A: 255}
	skyColor    = color.RGBA{R: 130, G: 170, B: 210, A: 255}
	markerColor = color.RGBA{R: 240, G: 240, B: 240, A: 255}
)

// SyntheticOptions configures a Synthetic source.
type SyntheticOptions struct {
	Width  int
	Height int
	// FPS is the native rate. Zero means unpaced.
	FPS float64
	// Limit ends the stream after this many frames. Zero means unlimited.
	Limit int
	// Period is how long the road takes to sway left and back. Zero keeps
	// the lane centred.
	Period time.Duration
	Clock  timeutil.Clock
}

// Synthetic renders a straight two-lane road whose markings sway slowly
// from side to side. It stands in for a camera on development hosts.
type Synthetic struct {
	opts    SyntheticOptions
	clock   timeutil.Clock
	start   time.Time
	next    time.Time
	emitted atomic.Int64
	closed  atomic.Bool
}

// NewSynthetic returns a synthetic source. Width and height default to
// 320x240.
func NewSynthetic(opts SyntheticOptions) *Synthetic {
	if opts.Width <= 0 {
		opts.Width = 320
	}
	if opts.Height <= 0 {
		opts.Height = 240
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	now := clock.Now()
	return &Synthetic{opts: opts, clock: clock, start: now, next: now}
}

// Size returns the configured frame size.
func (s *Synthetic) Size() (int, int) {
	return s.opts.Width, s.opts.Height
}

// Emitted returns how many frames Read has produced.
func (s *Synthetic) Emitted() int {
	return int(s.emitted.Load())
}

// Read paces to the configured FPS and renders the next frame.
func (s *Synthetic) Read(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: synthetic source closed", ErrSourceUnavailable)
	}
	if s.opts.Limit > 0 && int(s.emitted.Load()) >= s.opts.Limit {
		return nil, fmt.Errorf("%w: %w after %d frames", ErrSourceUnavailable, io.EOF, s.opts.Limit)
	}

	if s.opts.FPS > 0 {
		if wait := s.next.Sub(s.clock.Now()); wait > 0 {
			s.clock.Sleep(wait)
		}
		period := time.Duration(float64(time.Second) / s.opts.FPS)
		s.next = s.next.Add(period)
		// never try to catch up on frames we were too slow to produce
		if now := s.clock.Now(); s.next.Before(now) {
			s.next = now
		}
	}

	img := s.Render(s.Offset(s.clock.Since(s.start)))
	s.emitted.Add(1)
	return img, nil
}

// Offset returns the horizontal lane shift, as a fraction of the width,
// at time t into the stream.
func (s *Synthetic) Offset(t time.Duration) float64 {
	if s.opts.Period <= 0 {
		return 0
	}
	phase := 2 * math.Pi * float64(t) / float64(s.opts.Period)
	return 0.15 * math.Sin(phase)
}

// Render draws one frame with the lane centre shifted by offset (fraction of
// the width, positive right).
func (s *Synthetic) Render(offset float64) *image.RGBA {
	w, h := s.opts.Width, s.opts.Height
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	horizon := h * 2 / 5

	vanishX := float64(w)/2 + offset*float64(w)
	leftBase := float64(w)*0.15 + offset*float64(w)
	rightBase := float64(w)*0.85 + offset*float64(w)
	lineHalf := math.Max(1, float64(w)/160)

	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		if y < horizon {
			fillRow(row, skyColor)
			continue
		}
		fillRow(row, roadColor)

		t := float64(y-horizon) / float64(h-horizon)
		half := lineHalf * (0.3 + t)
		for _, base := range []float64{leftBase, rightBase} {
			x := vanishX + (base-vanishX)*t
			lo := int(math.Max(0, x-half))
			hi := int(math.Min(float64(w-1), x+half))
			for px := lo; px <= hi; px++ {
				i := px * 4
				row[i], row[i+1], row[i+2], row[i+3] = markerColor.R, markerColor.G, markerColor.B, markerColor.A
			}
		}
	}
	return img
}

// Close ends the stream.
func (s *Synthetic) Close() error {
	s.closed.Store(true)
	return nil
}

func fillRow(row []byte, c color.RGBA) {
	for i := 0; i+3 < len(row); i += 4 {
		row[i], row[i+1], row[i+2], row[i+3] = c.R, c.G, c.B, c.A
	}
}

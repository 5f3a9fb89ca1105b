package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/banshee-data/autopilot/internal/display"
	"github.com/banshee-data/autopilot/internal/frames"
	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/timeutil"
)

// DefaultPoll is how long the presentation loop sleeps between snapshots.
const DefaultPoll = time.Millisecond

// Presentation shows the raw camera view. It re-snapshots the slot on every
// poll rather than waiting for new frames.
type Presentation struct {
	slot    *frames.Slot
	sink    display.Sink
	channel string
	poll    time.Duration
	clock   timeutil.Clock

	cursor frames.Cursor
	shown  atomic.Int64
	failed atomic.Int64
}

// PresentationStats counts what the presentation loop has shown.
type PresentationStats struct {
	Channel string             `json:"channel"`
	Shown   int64              `json:"shown"`
	Failed  int64              `json:"failed"`
	Cursor  frames.CursorStats `json:"cursor"`
}

// NewPresentation shows frames on channel (display.DefaultChannel if empty)
// every poll (DefaultPoll if zero).
func NewPresentation(slot *frames.Slot, sink display.Sink, channel string, poll time.Duration, clock timeutil.Clock) *Presentation {
	if channel == "" {
		channel = display.DefaultChannel
	}
	if poll <= 0 {
		poll = DefaultPoll
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Presentation{slot: slot, sink: sink, channel: channel, poll: poll, clock: clock}
}

// Run only returns when ctx is done.
func (p *Presentation) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if f, ok := p.slot.Snapshot(); ok {
			p.cursor.Observe(f)
			if err := p.sink.Show(p.channel, f.Image); err != nil {
				// log the first failure and every thousandth after it
				if p.failed.Add(1)%1000 == 1 {
					monitoring.Logf("[present] show %s failed: %v", p.channel, err)
				}
			} else {
				p.shown.Add(1)
			}
		}
		p.clock.Sleep(p.poll)
	}
	return nil
}

func (p *Presentation) Stats() PresentationStats {
	return PresentationStats{
		Channel: p.channel,
		Shown:   p.shown.Load(),
		Failed:  p.failed.Load(),
		Cursor:  p.cursor.Stats(),
	}
}

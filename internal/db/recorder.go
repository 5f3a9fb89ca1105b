package db

import (
	"context"
	"time"

	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/timeutil"
)

// Recorder periodically flushes stage and link readings into the database.
type Recorder struct {
	DB       *DB
	Interval time.Duration
	Clock    timeutil.Clock
	Stages   func() []StageSample
	Link     func() LinkSample
}

// Run flushes every Interval until ctx is done, then flushes once more so
// the final counters of a run are kept. Write errors are logged, not fatal.
func (r *Recorder) Run(ctx context.Context) error {
	clock := r.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	interval := r.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush(clock.Now())
			return nil
		case <-ticker.C():
			r.Flush(clock.Now())
		}
	}
}

// Flush records one reading from each provider.
func (r *Recorder) Flush(at time.Time) {
	if r.Stages != nil {
		if err := r.DB.RecordStageStats(at, r.Stages()); err != nil {
			monitoring.Logf("[db] failed to record stage stats: %v", err)
		}
	}
	if r.Link != nil {
		if err := r.DB.RecordLinkStats(at, r.Link()); err != nil {
			monitoring.Logf("[db] failed to record link stats: %v", err)
		}
	}
}

package monitoring

import (
	"sync"
	"time"
)

// DefaultReportInterval is how often a RateReporter emits a log line.
const DefaultReportInterval = time.Second

// RateReporter accumulates per-iteration samples from a loop and logs a
// summary at most once per interval. A 30 fps loop would otherwise print
// thirty lines a second.
//
// Observe is called from the owning loop; Snapshot may be called from any
// goroutine.
type RateReporter struct {
	name     string
	interval time.Duration
	now      func() time.Time

	mu         sync.Mutex
	count      int64
	total      int64
	sumLatency time.Duration
	lastRate   float64
	lastLat    time.Duration
	windowAt   time.Time
}

// RateSnapshot is a point-in-time view of a RateReporter.
type RateSnapshot struct {
	Name    string
	Total   int64
	Rate    float64
	Latency time.Duration
}

// NewRateReporter returns a reporter labelled name. A non-positive interval
// selects DefaultReportInterval.
func NewRateReporter(name string, interval time.Duration) *RateReporter {
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	return &RateReporter{name: name, interval: interval, now: time.Now, windowAt: time.Now()}
}

// Observe records one iteration that took latency, where rate is the
// instantaneous rate derived from it. It logs once the window has elapsed.
func (r *RateReporter) Observe(latency time.Duration, rate float64) {
	r.mu.Lock()
	r.count++
	r.total++
	r.sumLatency += latency
	r.lastRate = rate
	r.lastLat = latency

	now := r.now()
	if now.Sub(r.windowAt) < r.interval {
		r.mu.Unlock()
		return
	}
	count := r.count
	mean := r.sumLatency / time.Duration(count)
	windowRate := float64(count) / now.Sub(r.windowAt).Seconds()
	r.count = 0
	r.sumLatency = 0
	r.windowAt = now
	r.mu.Unlock()

	Logf("[%s] %.1f fps latency=%.2fms (last %.1f fps)", r.name, windowRate, float64(mean.Microseconds())/1000, rate)
}

// Snapshot returns the latest observed values.
func (r *RateReporter) Snapshot() RateSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RateSnapshot{Name: r.name, Total: r.total, Rate: r.lastRate, Latency: r.lastLat}
}

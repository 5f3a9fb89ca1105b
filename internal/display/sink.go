// Package display holds the sinks annotated frames are shown on and the
// guard that serialises every loop's access to them.
package display

import (
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultChannel is the channel raw camera frames are shown on.
const DefaultChannel = "frame"

// Sink shows an image under a named channel. Implementations are not
// required to be safe for concurrent use; share them through a Guarded.
type Sink interface {
	Show(channel string, img image.Image) error
}

// Guarded serialises Show calls from every loop onto one sink.
type Guarded struct {
	mu   sync.Mutex
	sink Sink
}

// NewGuarded wraps sink with a single shared lock.
func NewGuarded(sink Sink) *Guarded {
	return &Guarded{sink: sink}
}

// Show forwards to the wrapped sink while holding the guard.
func (g *Guarded) Show(channel string, img image.Image) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sink.Show(channel, img)
}

// Recorder is a Sink that remembers what it was shown. It notices when Show
// is entered concurrently, which an unguarded caller would cause.
type Recorder struct {
	// Delay is slept inside Show to widen any overlap.
	Delay time.Duration

	inFlight   atomic.Int32
	overlapped atomic.Bool

	mu     sync.Mutex
	counts map[string]int
	last   map[string]image.Image
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{counts: make(map[string]int), last: make(map[string]image.Image)}
}

// Show records img under channel.
func (r *Recorder) Show(channel string, img image.Image) error {
	if r.inFlight.Add(1) > 1 {
		r.overlapped.Store(true)
	}
	defer r.inFlight.Add(-1)
	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[channel]++
	r.last[channel] = img
	return nil
}

// Count returns how many images were shown on channel.
func (r *Recorder) Count(channel string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[channel]
}

// Last returns the most recent image shown on channel.
func (r *Recorder) Last(channel string) image.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[channel]
}

// Overlapped reports whether two Show calls ever ran at once.
func (r *Recorder) Overlapped() bool {
	return r.overlapped.Load()
}

package actuator

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/autopilot/internal/timeutil"
)

// TestableBus is a Bus with configurable behaviour for tests. Every Write is
// recorded as sent, including the accepted prefix of short writes.
type TestableBus struct {
	mu sync.Mutex

	// WriteBuffer captures the bytes the bus accepted.
	WriteBuffer *bytes.Buffer

	// Writes records each Write call's full argument.
	Writes [][]byte

	// Clock, if set, timestamps each write into WriteTimes.
	Clock      timeutil.Clock
	WriteTimes []time.Time

	// ShortWrites, when non-empty, caps how many bytes the next writes
	// accept, one entry per write.
	ShortWrites []int

	// WriteError is returned by the next Write call if set.
	WriteError error

	// WriteLatency adds a delay to each Write call.
	WriteLatency time.Duration

	// CloseError is returned by Close if set.
	CloseError error

	// CloseCalls counts calls to Close.
	CloseCalls int

	// Closed indicates whether Close was called.
	Closed bool
}

// NewTestableBus returns an empty bus.
func NewTestableBus() *TestableBus {
	return &TestableBus{WriteBuffer: bytes.NewBuffer(nil)}
}

// Write records p, honouring any queued short write or error.
func (t *TestableBus) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("bus closed")
	}
	t.Writes = append(t.Writes, append([]byte(nil), p...))
	if t.Clock != nil {
		t.WriteTimes = append(t.WriteTimes, t.Clock.Now())
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	n := len(p)
	if len(t.ShortWrites) > 0 {
		n = min(n, t.ShortWrites[0])
		t.ShortWrites = t.ShortWrites[1:]
	}
	return t.WriteBuffer.Write(p[:n])
}

// Close marks the bus closed.
func (t *TestableBus) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.CloseCalls++
	t.Closed = true
	return t.CloseError
}

// WriteCount returns the number of Write calls so far.
func (t *TestableBus) WriteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.Writes)
}

// WriteAt returns a copy of the i-th write's argument.
func (t *TestableBus) WriteAt(i int) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.Writes[i]...)
}

// Times returns a copy of WriteTimes.
func (t *TestableBus) Times() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.WriteTimes...)
}

// Closes returns how many times Close was called.
func (t *TestableBus) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CloseCalls
}

// Opener returns an Opener that hands out this bus.
func (t *TestableBus) Opener() Opener {
	return func() (Bus, error) { return t, nil }
}

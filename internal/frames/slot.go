package frames

import "sync"

// Slot is a mutually exclusive cell holding the most recently published
// frame. It is created once at startup and shared by reference with the
// loops that need it.
//
// The lock covers only the pointer swap; pixels are never copied under it.
// Because published frames are immutable, handing the same pointer to many
// readers is equivalent to giving each of them a copy.
type Slot struct {
	mu        sync.Mutex
	frame     *Frame
	seq       uint64
	published uint64
}

// NewSlot returns an empty slot.
func NewSlot() *Slot {
	return &Slot{}
}

// Publish replaces the held frame with f and stamps its sequence number.
// Ownership of f passes to the slot; the caller must not modify it afterwards.
// The previous frame stays alive for as long as any reader still holds it.
func (s *Slot) Publish(f *Frame) {
	if f == nil {
		return
	}
	s.mu.Lock()
	s.seq++
	f.Seq = s.seq
	s.frame = f
	s.published++
	s.mu.Unlock()
}

// Snapshot returns the current frame, or false if nothing has been published.
func (s *Slot) Snapshot() (*Frame, bool) {
	s.mu.Lock()
	f := s.frame
	s.mu.Unlock()
	return f, f != nil
}

// Published returns the number of frames published so far.
func (s *Slot) Published() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.published
}

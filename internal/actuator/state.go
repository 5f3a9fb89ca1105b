// Package actuator drives the motor and steering controller: the shared
// actuation state perception writes, the 6-byte command frame, the buses it
// travels over, and the link loop that sends it at a fixed cadence.
package actuator

import "sync/atomic"

// CommandState is one reading of the actuation fields.
type CommandState struct {
	Speed  int16 `json:"speed"`
	Steer  int8  `json:"steer"`
	Lights bool  `json:"lights"`
	Stop   bool  `json:"stop"`
}

// State holds the commanded speed, steering and flags. Each field is read
// and written atomically on its own; a Snapshot may mix fields from
// different updates.
type State struct {
	speed  atomic.Int32
	steer  atomic.Int32
	lights atomic.Bool
	stop   atomic.Bool
}

// NewState returns a state with zero speed and neutral steering.
func NewState() *State {
	s := &State{}
	s.SetSteer(SteerNeutral)
	return s
}

func (s *State) SetSpeed(v int16) { s.speed.Store(int32(v)) }
func (s *State) SetSteer(v int8) { s.steer.Store(int32(v)) }
func (s *State) SetLights(on bool) { s.lights.Store(on) }
func (s *State) SetStop(on bool) { s.stop.Store(on) }
func (s *State) Speed() int16 { return int16(s.speed.Load()) }
func (s *State) Steer() int8 { return int8(s.steer.Load()) }
func (s *State) Lights() bool { return s.lights.Load() }
func (s *State) Stop() bool { return s.stop.Load() }

// Snapshot reads every field, one at a time.
func (s *State) Snapshot() CommandState {
	return CommandState{
		Speed:  s.Speed(),
		Steer:  s.Steer(),
		Lights: s.Lights(),
		Stop:   s.Stop(),
	}
}

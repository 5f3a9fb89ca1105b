package actuator

import (
	"fmt"
	"math"
)

// Wire constants of the controller protocol.
const (
	SpeedMarker    byte = 0xA1
	DirMarker      byte = 0xB2
	DefaultAddress byte = 0x04
	FrameSize           = 6
)

// Flag bits of frame byte 5.
const (
	FlagLights byte = 1 << 0
	FlagStop   byte = 1 << 1
)

// Steering range. The controller treats SteerNeutral as straight ahead.
const (
	SteerMin     int8 = 0
	SteerMax     int8 = 100
	SteerNeutral int8 = 50
)

// Frame is one command as sent on the bus:
// speed marker, speed hi, speed lo, direction marker, steer, flags.
type Frame [FrameSize]byte

// PackFlags returns the flag byte for the given lights and stop states.
// Reserved bits are zero.
func PackFlags(lights, stop bool) byte {
	var b byte
	if lights {
		b |= FlagLights
	}
	if stop {
		b |= FlagStop
	}
	return b
}

// BuildFrame encodes s.
func BuildFrame(s CommandState) Frame {
	speed := uint16(s.Speed)
	return Frame{
		SpeedMarker,
		byte(speed >> 8),
		byte(speed),
		DirMarker,
		byte(s.Steer),
		PackFlags(s.Lights, s.Stop),
	}
}

// Speed reassembles the commanded speed from bytes 1 and 2.
func (f Frame) Speed() int16 { return int16(uint16(f[1])<<8 | uint16(f[2])) }

// Steer returns the commanded steering value.
func (f Frame) Steer() int8 { return int8(f[4]) }

// Lights reports flag bit 0.
func (f Frame) Lights() bool { return f[5]&FlagLights != 0 }

// Stop reports flag bit 1.
func (f Frame) Stop() bool { return f[5]&FlagStop != 0 }

// String renders the frame as "a1 | speed | b2 | steer | flags".
func (f Frame) String() string {
	return fmt.Sprintf("%x | %d | %x | %d | %x", f[0], f.Speed(), f[3], f.Steer(), f[5])
}

// ClampSteer limits v to [lo, hi].
func ClampSteer(v, lo, hi int8) int8 {
	if v < lo {
		return lo
	}
	if v >= hi {
		return hi
	}
	return v
}

// SteerFromAngle converts a steering angle in degrees to the controller's
// steering value: floor(angle) + SteerNeutral, clamped to the steering
// range. NaN steers straight.
func SteerFromAngle(angle float64) int8 {
	if math.IsNaN(angle) {
		return SteerNeutral
	}
	v := math.Floor(angle) + float64(SteerNeutral)
	switch {
	case v < float64(SteerMin):
		return SteerMin
	case v > float64(SteerMax):
		return SteerMax
	}
	return ClampSteer(int8(v), SteerMin, SteerMax)
}

// Package frames holds the camera frame type and the single shared cell the
// acquisition loop publishes into and every other loop snapshots from.
//
// There is no queue: the slot holds only the latest frame, and readers that
// fall behind simply never see the intermediate ones.
package frames

import (
	"image"
	"time"
)

// Frame is one captured image.
//
// A Frame is immutable once published: neither the publisher nor any reader
// may write to Image afterwards. Readers that need to draw on a frame work on
// a copy obtained from Clone.
type Frame struct {
	// Seq is assigned by Slot.Publish. It increases by one per publish and is
	// what readers use to detect missed and repeated frames.
	Seq uint64

	// Captured is when the source delivered the frame.
	Captured time.Time

	// Image holds the pixels. Width and height are fixed by the source at startup.
	Image *image.RGBA
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dx()
}

// Height returns the frame height in pixels.
func (f *Frame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Rect.Dy()
}

// Clone returns a deep copy that the caller owns and may modify.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := &Frame{Seq: f.Seq, Captured: f.Captured}
	if f.Image != nil {
		img := &image.RGBA{
			Pix:    make([]uint8, len(f.Image.Pix)),
			Stride: f.Image.Stride,
			Rect:   f.Image.Rect,
		}
		copy(img.Pix, f.Image.Pix)
		c.Image = img
	}
	return c
}

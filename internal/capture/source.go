// Package capture provides the camera frame sources the acquisition loop
// pulls from.
package capture

import (
	"context"
	"errors"
	"image"

	"golang.org/x/image/draw"
)

// ErrSourceUnavailable is returned (wrapped) when a source reaches end of
// stream or fails to read. It is terminal for the source.
var ErrSourceUnavailable = errors.New("frame source unavailable")

// Source yields frames of a fixed size at its own native rate. Read blocks
// until the next frame is available.
type Source interface {
	// Size returns the frame dimensions, fixed when the source was opened.
	Size() (width, height int)

	// Read returns the next frame. The returned image is owned by the caller.
	Read(ctx context.Context) (*image.RGBA, error)

	// Close releases the device.
	Close() error
}

// toRGBA converts any decoded image to an RGBA image with a zero origin.
func toRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst
}

package perception

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Overlay colours.
var (
	Red   = color.RGBA{R: 255, A: 255}
	Green = color.RGBA{G: 255, A: 255}
	Blue  = color.RGBA{B: 255, A: 255}
)

// LineHeight is the vertical spacing used for stacked overlay text.
const LineHeight = 25

// DrawText writes s with its baseline at (x, y).
func DrawText(dst draw.Image, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

// DrawRect outlines r, clipped to dst.
func DrawRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Canon()
	for x := r.Min.X; x <= r.Max.X; x++ {
		setClipped(dst, x, r.Min.Y, c)
		setClipped(dst, x, r.Max.Y, c)
	}
	for y := r.Min.Y; y <= r.Max.Y; y++ {
		setClipped(dst, r.Min.X, y, c)
		setClipped(dst, r.Max.X, y, c)
	}
}

// DrawLine draws a one pixel line from p to q, clipped to dst.
func DrawLine(dst *image.RGBA, p, q image.Point, c color.RGBA) {
	dx, dy := abs(q.X-p.X), -abs(q.Y-p.Y)
	sx, sy := 1, 1
	if p.X > q.X {
		sx = -1
	}
	if p.Y > q.Y {
		sy = -1
	}
	e := dx + dy
	for {
		setClipped(dst, p.X, p.Y, c)
		if p == q {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			p.X += sx
		}
		if e2 <= dx {
			e += dx
			p.Y += sy
		}
	}
}

// DrawDetections boxes each detection and labels it "<name>:<confidence>"
// just above its top-left corner.
func DrawDetections(dst *image.RGBA, dets []Detection, labels []string) {
	for _, d := range dets {
		text := fmt.Sprintf("%s:%.3f", LabelText(labels, d.ClassID), d.Confidence)
		DrawText(dst, d.Box.Min.X, d.Box.Min.Y-5, text, Red)
		DrawRect(dst, d.Box, Red)
	}
}

func setClipped(dst *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{X: x, Y: y}).In(dst.Rect) {
		dst.SetRGBA(x, y, c)
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

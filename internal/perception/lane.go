package perception

import (
	"image"
	"math"

	"gonum.org/v1/gonum/stat"
)

// LaneFit is a lane boundary fitted as x = Alpha + Beta*y.
type LaneFit struct {
	Alpha  float64
	Beta   float64
	Points int
}

// X returns the boundary's column at row y.
func (f LaneFit) X(y float64) float64 {
	return f.Alpha + f.Beta*y
}

// LaneEstimate is one frame's lane geometry.
type LaneEstimate struct {
	Left, Right LaneFit
	// Top and Bottom bound the rows that were searched.
	Top, Bottom int
	// Angle is the steering angle in degrees, positive to the right.
	Angle float64
	// Found is false when either boundary had too few points; Angle then
	// repeats the last good estimate.
	Found bool
}

// LaneEstimator finds bright lane markings in the lower part of the frame
// and derives a steering angle towards the lane centre.
type LaneEstimator struct {
	// Brightness is the minimum mean of R, G and B for a marking pixel.
	Brightness uint8
	// MinPoints is the fewest samples a boundary fit needs.
	MinPoints int
	// RowStep samples every RowStep-th row.
	RowStep int
	// Horizon is the fraction of the height above which rows are ignored.
	Horizon float64

	last float64
}

// NewLaneEstimator returns an estimator with defaults suited to white
// markings on tarmac.
func NewLaneEstimator() *LaneEstimator {
	return &LaneEstimator{Brightness: 200, MinPoints: 4, RowStep: 2, Horizon: 0.5}
}

// Estimate fits both lane boundaries in img. The estimator is stateful and
// single-owner.
func (e *LaneEstimator) Estimate(img *image.RGBA) LaneEstimate {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	step := max(e.RowStep, 1)

	est := LaneEstimate{Top: int(float64(h) * e.Horizon), Bottom: h - 1}
	var ly, lx, ry, rx []float64
	for y := est.Top; y <= est.Bottom; y += step {
		runs := e.brightRuns(img, b.Min.Y+y, w)
		if len(runs) < 2 {
			continue
		}
		ly, lx = append(ly, float64(y)), append(lx, runs[0])
		ry, rx = append(ry, float64(y)), append(rx, runs[len(runs)-1])
	}

	est.Left = fit(ly, lx)
	est.Right = fit(ry, rx)
	if est.Left.Points < e.MinPoints || est.Right.Points < e.MinPoints {
		est.Angle = e.last
		return est
	}

	top := float64(est.Top)
	centre := (est.Left.X(top) + est.Right.X(top)) / 2
	est.Angle = math.Atan2(centre-float64(w)/2, float64(est.Bottom)-top) * 180 / math.Pi
	est.Found = true
	e.last = est.Angle
	return est
}

// Annotate draws the fitted boundaries and the heading onto dst.
func (est LaneEstimate) Annotate(dst *image.RGBA) {
	top, bottom := float64(est.Top), float64(est.Bottom)
	for _, f := range []LaneFit{est.Left, est.Right} {
		if f.Points == 0 {
			continue
		}
		DrawLine(dst,
			image.Pt(int(f.X(top)), est.Top),
			image.Pt(int(f.X(bottom)), est.Bottom), Green)
	}
	if est.Found {
		w := dst.Rect.Dx()
		centre := (est.Left.X(top) + est.Right.X(top)) / 2
		DrawLine(dst, image.Pt(w/2, est.Bottom), image.Pt(int(centre), est.Top), Blue)
	}
}

// brightRuns returns the centre column of each run of marking pixels on row y.
func (e *LaneEstimator) brightRuns(img *image.RGBA, y, w int) []float64 {
	var centres []float64
	start := -1
	row := img.Pix[img.PixOffset(img.Rect.Min.X, y):]
	for x := 0; x <= w; x++ {
		bright := false
		if x < w {
			p := row[x*4 : x*4+3]
			bright = (int(p[0])+int(p[1])+int(p[2]))/3 >= int(e.Brightness)
		}
		switch {
		case bright && start < 0:
			start = x
		case !bright && start >= 0:
			centres = append(centres, float64(start+x-1)/2)
			start = -1
		}
	}
	return centres
}

func fit(ys, xs []float64) LaneFit {
	switch len(ys) {
	case 0:
		return LaneFit{}
	case 1:
		return LaneFit{Alpha: xs[0], Points: 1}
	}
	alpha, beta := stat.LinearRegression(ys, xs, nil, false)
	return LaneFit{Alpha: alpha, Beta: beta, Points: len(ys)}
}

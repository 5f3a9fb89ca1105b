// Package perception holds the per-frame analysis building blocks used by
// the stage loops: SSD detection decoding and filtering, class labels, model
// loading, lane estimation and the overlay drawing helpers.
package perception

import (
	"fmt"
	"image"
)

// SSDObjectSize is the number of fields per SSD proposal row: image id,
// class id, confidence, xmin, ymin, xmax, ymax.
const SSDObjectSize = 7

// Detection is an object found in a frame. Box is in frame pixels.
type Detection struct {
	ClassID    int             `json:"class"`
	Confidence float32         `json:"confidence"`
	Box        image.Rectangle `json:"box"`
}

// Filter returns the detections whose confidence is strictly greater than
// threshold, preserving order.
func Filter(dets []Detection, threshold float32) []Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Confidence > threshold {
			out = append(out, d)
		}
	}
	return out
}

// DecodeSSD turns a flat [1, 1, maxProposals, 7] detection output into
// detections, stopping at the first row whose image id is negative. Box
// coordinates are normalized and scaled by width and height.
func DecodeSSD(raw []float32, maxProposals, width, height int) ([]Detection, error) {
	if maxProposals < 0 {
		return nil, fmt.Errorf("negative proposal count %d", maxProposals)
	}
	if len(raw) < maxProposals*SSDObjectSize {
		return nil, fmt.Errorf("ssd output has %d values, want %d proposals of %d",
			len(raw), maxProposals, SSDObjectSize)
	}

	var dets []Detection
	for i := 0; i < maxProposals; i++ {
		row := raw[i*SSDObjectSize : (i+1)*SSDObjectSize]
		if row[0] < 0 {
			break
		}
		dets = append(dets, Detection{
			ClassID:    int(row[1]),
			Confidence: row[2],
			Box: image.Rect(
				int(row[3]*float32(width)),
				int(row[4]*float32(height)),
				int(row[5]*float32(width)),
				int(row[6]*float32(height)),
			),
		})
	}
	return dets, nil
}

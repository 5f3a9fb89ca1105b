package perception

import (
	"context"
	"fmt"
	"image"
)

// SSDDetector runs an SSD model through an Engine.
type SSDDetector struct {
	Model  *Model
	Engine Engine
}

// Detect returns every proposal the network reports for img, unfiltered.
func (d *SSDDetector) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	blob, err := ToBlob(img, d.Model.InputDims)
	if err != nil {
		return nil, err
	}
	raw, err := d.Engine.Infer(ctx, blob)
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	dets, err := DecodeSSD(raw, d.Model.MaxProposals, b.Dx(), b.Dy())
	if err != nil {
		return nil, fmt.Errorf("decode %s output: %w", d.Model.OutputName, err)
	}
	return dets, nil
}

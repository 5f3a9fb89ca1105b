package perception

import (
	"context"
	"errors"
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// Tensor is a U8 NCHW input blob.
type Tensor struct {
	Dims []int   `cbor:"dims"`
	Data []uint8 `cbor:"data"`
}

// ErrEngineBusy is returned by an Engine that could not answer in time. The
// request may be retried.
var ErrEngineBusy = errors.New("inference server busy")

// Engine runs a loaded network on one input blob and returns its flat FP32
// output.
type Engine interface {
	Infer(ctx context.Context, in Tensor) ([]float32, error)
}

// ToBlob resizes img to the network input size and lays it out as planar
// BGR, batch 1. dims is N, C, H, W with C = 3.
func ToBlob(img image.Image, dims []int) (Tensor, error) {
	if len(dims) != 4 || dims[1] != 3 {
		return Tensor{}, fmt.Errorf("input dims %v are not [N 3 H W]", dims)
	}
	h, w := dims[2], dims[3]

	resized := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(resized, resized.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := w * h
	data := make([]uint8, 3*plane)
	for y := 0; y < h; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			data[i] = row[x*4+2]         // B
			data[plane+i] = row[x*4+1]   // G
			data[2*plane+i] = row[x*4+0] // R
		}
	}
	return Tensor{Dims: []int{1, 3, h, w}, Data: data}, nil
}

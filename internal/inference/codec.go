// Package inference runs detection networks out of process. Requests travel
// over a ZeroMQ REQ socket to an inference server and are CBOR encoded.
package inference

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/banshee-data/autopilot/internal/perception"
)

// Request asks the server to run model on one input blob.
type Request struct {
	Model string  `cbor:"model"`
	Dims  []int   `cbor:"dims"`
	Data  []uint8 `cbor:"data"`
}

// Response carries the flat FP32 output, or an error message.
type Response struct {
	Dims  []int     `cbor:"dims"`
	Data  []float32 `cbor:"data"`
	Error string    `cbor:"error,omitempty"`
}

// EncodeRequest serialises a request for model with input in.
func EncodeRequest(model string, in perception.Tensor) ([]byte, error) {
	b, err := cbor.Marshal(Request{Model: model, Dims: in.Dims, Data: in.Data})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return b, nil
}

// DecodeResponse parses a server reply, turning a reported error into a Go
// error.
func DecodeResponse(b []byte) ([]float32, error) {
	var resp Response
	if err := cbor.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("inference server: %s", resp.Error)
	}
	n := 1
	for _, d := range resp.Dims {
		n *= d
	}
	if len(resp.Dims) > 0 && n != len(resp.Data) {
		return nil, fmt.Errorf("response dims %v hold %d values, got %d", resp.Dims, n, len(resp.Data))
	}
	return resp.Data, nil
}

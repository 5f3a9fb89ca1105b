package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sort"
	"sync"

	"github.com/blackjack/webcam"

	"github.com/banshee-data/autopilot/internal/monitoring"
)

// frameWaitSeconds bounds each WaitForFrame call so Read can notice
// cancellation on a stalled camera.
const frameWaitSeconds = 1

// maxFrameTimeouts is how many consecutive wait timeouts end the stream.
const maxFrameTimeouts = 5

// fourcc builds a V4L2 pixel format from its four letter code.
func fourcc(code string) webcam.PixelFormat {
	if len(code) != 4 {
		panic(fmt.Errorf("four letter code is not four letters (got %d)", len(code)))
	}
	return webcam.PixelFormat(uint32(code[0]) |
		uint32(code[1])<<8 |
		uint32(code[2])<<16 |
		uint32(code[3])<<24)
}

// WebcamOptions selects the capture mode. Zero width or height picks the
// largest frame size the device offers.
type WebcamOptions struct {
	Width  int
	Height int
}

// Webcam is a V4L2 camera streaming MJPEG, decoded to RGBA per frame.
type Webcam struct {
	path   string
	cam    *webcam.Webcam
	width  int
	height int

	closeOnce sync.Once
	closeErr  error
}

// OpenWebcam opens the V4L2 device at path, negotiates an MJPEG format and
// starts streaming.
func OpenWebcam(path string, opts WebcamOptions) (*Webcam, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrSourceUnavailable, path, err)
	}

	formats := cam.GetSupportedFormats()
	var format webcam.PixelFormat
	for _, f := range []webcam.PixelFormat{fourcc("MJPG"), fourcc("JPEG")} {
		if formats[f] != "" {
			format = f
			break
		}
	}
	if format == 0 {
		cam.Close()
		return nil, fmt.Errorf("%w: %s offers no MJPEG format", ErrSourceUnavailable, path)
	}

	w, h := uint32(opts.Width), uint32(opts.Height)
	if w == 0 || h == 0 {
		sizes := cam.GetSupportedFrameSizes(format)
		if len(sizes) == 0 {
			cam.Close()
			return nil, fmt.Errorf("%w: %s reports no frame sizes", ErrSourceUnavailable, path)
		}
		sort.Slice(sizes, func(i, j int) bool {
			return uint64(sizes[i].MaxWidth)*uint64(sizes[i].MaxHeight) >
				uint64(sizes[j].MaxWidth)*uint64(sizes[j].MaxHeight)
		})
		w, h = sizes[0].MaxWidth, sizes[0].MaxHeight
	}

	_, gotW, gotH, err := cam.SetImageFormat(format, w, h)
	if err != nil {
		cam.Close()
		return nil, fmt.Errorf("%w: set format on %s: %v", ErrSourceUnavailable, path, err)
	}
	if err := cam.StartStreaming(); err != nil {
		cam.Close()
		return nil, fmt.Errorf("%w: start streaming %s: %v", ErrSourceUnavailable, path, err)
	}

	monitoring.Logf("[capture] opened %s at %dx%d MJPEG", path, gotW, gotH)
	return &Webcam{path: path, cam: cam, width: int(gotW), height: int(gotH)}, nil
}

// Size returns the negotiated frame size.
func (c *Webcam) Size() (int, int) {
	return c.width, c.height
}

// Read waits for and decodes the next frame.
func (c *Webcam) Read(ctx context.Context) (*image.RGBA, error) {
	timeouts := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		err := c.cam.WaitForFrame(frameWaitSeconds)
		var timeout *webcam.Timeout
		switch {
		case errors.As(err, &timeout):
			timeouts++
			if timeouts >= maxFrameTimeouts {
				return nil, fmt.Errorf("%w: %s delivered no frame in %ds", ErrSourceUnavailable, c.path, timeouts*frameWaitSeconds)
			}
			continue
		case err != nil:
			return nil, fmt.Errorf("%w: wait on %s: %v", ErrSourceUnavailable, c.path, err)
		}

		data, err := c.cam.ReadFrame()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrSourceUnavailable, c.path, err)
		}
		if len(data) == 0 {
			continue
		}

		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			// a torn MJPEG frame is not fatal; wait for the next one
			monitoring.Logf("[capture] dropping undecodable frame from %s: %v", c.path, err)
			continue
		}
		return toRGBA(img), nil
	}
}

// Close stops streaming and closes the device. It is safe to call twice.
func (c *Webcam) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.cam.Close()
	})
	return c.closeErr
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autopilot/internal/actuator"
	"github.com/banshee-data/autopilot/internal/display"
	"github.com/banshee-data/autopilot/internal/frames"
	"github.com/banshee-data/autopilot/internal/perception"
	"github.com/banshee-data/autopilot/internal/timeutil"
)

// funcAnalyzer adapts closures to Analyzer and counts calls.
type funcAnalyzer struct {
	init    func(ctx context.Context) error
	analyze func(ctx context.Context, n int64, f *frames.Frame) (Result, error)
	calls   atomic.Int64
}

func (a *funcAnalyzer) Init(ctx context.Context) error {
	if a.init == nil {
		return nil
	}
	return a.init(ctx)
}

func (a *funcAnalyzer) Analyze(ctx context.Context, f *frames.Frame) (Result, error) {
	n := a.calls.Add(1)
	return a.analyze(ctx, n, f)
}

func grayFrame(w, h int) *frames.Frame {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 90
	}
	return &frames.Frame{Captured: time.Now(), Image: img}
}

type stageHarness struct {
	slot  *frames.Slot
	rec   *display.Recorder
	state *actuator.State
	clock *timeutil.MockClock
}

func newStageHarness(t *testing.T) *stageHarness {
	t.Helper()
	h := &stageHarness{
		slot:  frames.NewSlot(),
		rec:   display.NewRecorder(),
		state: actuator.NewState(),
		clock: timeutil.NewMockClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.slot.Publish(grayFrame(320, 240))
	return h
}

func (h *stageHarness) stage(cfg StageConfig, a Analyzer) *Stage {
	return NewStage(cfg, a, h.slot, display.NewGuarded(h.rec), h.state, h.clock)
}

func TestStage_WritesSteeringAndShows(t *testing.T) {
	h := newStageHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	angle := 12.7
	a := &funcAnalyzer{analyze: func(_ context.Context, n int64, _ *frames.Frame) (Result, error) {
		if n == 3 {
			cancel()
		}
		return Result{Angle: &angle}, nil
	}}
	st := h.stage(StageConfig{Name: "lane", Idle: 30 * time.Millisecond}, a)

	require.NoError(t, st.Run(ctx))

	assert.Equal(t, int8(62), h.state.Steer())
	assert.Equal(t, 3, h.rec.Count("lane"))
	status := st.Status()
	assert.Equal(t, "stopped", status.State)
	assert.Equal(t, int64(3), status.Processed)
	assert.Equal(t, uint64(1), status.Cursor.Seen)
	assert.Equal(t, uint64(2), status.Cursor.Repeated)
	assert.Empty(t, status.Err)

	for _, d := range h.clock.Sleeps() {
		assert.Equal(t, 30*time.Millisecond, d)
	}
}

func TestStage_DoesNotModifyPublishedFrame(t *testing.T) {
	h := newStageHarness(t)
	orig, _ := h.slot.Snapshot()
	before := append([]byte(nil), orig.Image.Pix...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := &funcAnalyzer{analyze: func(context.Context, int64, *frames.Frame) (Result, error) {
		cancel()
		return Result{Detections: []perception.Detection{{Confidence: 0.9, Box: image.Rect(10, 100, 50, 150)}}}, nil
	}}
	require.NoError(t, h.stage(StageConfig{Name: "cars"}, a).Run(ctx))

	assert.Equal(t, before, orig.Image.Pix)
	shown, ok := h.rec.Last("cars").(*image.RGBA)
	require.True(t, ok)
	assert.NotSame(t, orig.Image, shown)
	assert.Equal(t, perception.Red, shown.RGBAAt(10, 125))
}

func TestStage_FiltersByThreshold(t *testing.T) {
	h := newStageHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &funcAnalyzer{analyze: func(context.Context, int64, *frames.Frame) (Result, error) {
		cancel()
		return Result{
			Detections: []perception.Detection{
				{ClassID: 1, Confidence: 0.7, Box: image.Rect(20, 150, 60, 200)},
				{ClassID: 2, Confidence: 0.71, Box: image.Rect(200, 150, 260, 200)},
			},
			Labels: []string{"fake", "stop", "yield"},
		}, nil
	}}
	require.NoError(t, h.stage(StageConfig{Name: "traffic", Threshold: 0.7}, a).Run(ctx))

	img := h.rec.Last("traffic").(*image.RGBA)
	assert.NotEqual(t, perception.Red, img.RGBAAt(20, 175), "confidence equal to the threshold is dropped")
	assert.Equal(t, perception.Red, img.RGBAAt(200, 175))
}

func TestStage_InitFailureEndsStage(t *testing.T) {
	h := newStageHarness(t)
	a := &funcAnalyzer{
		init: func(context.Context) error { return perception.ErrMalformedModel },
		analyze: func(context.Context, int64, *frames.Frame) (Result, error) {
			t.Error("Analyze called after failed Init")
			return Result{}, nil
		},
	}
	st := h.stage(StageConfig{Name: "cars"}, a)

	require.NoError(t, st.Run(context.Background()))
	assert.Equal(t, StageFailed, st.State())
	assert.ErrorIs(t, st.Err(), perception.ErrMalformedModel)
	assert.Zero(t, h.rec.Count("cars"))
}

func TestStage_ErrorsAreContained(t *testing.T) {
	tests := []struct {
		name    string
		analyze func(context.Context, int64, *frames.Frame) (Result, error)
		wantErr error
	}{
		{
			name: "runtime error",
			analyze: func(context.Context, int64, *frames.Frame) (Result, error) {
				return Result{}, errors.New("tensor layout changed")
			},
		},
		{
			name: "panic",
			analyze: func(context.Context, int64, *frames.Frame) (Result, error) {
				var dets []perception.Detection
				_ = dets[3]
				return Result{}, nil
			},
			wantErr: ErrStagePanic,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newStageHarness(t)
			st := h.stage(StageConfig{Name: "signs"}, &funcAnalyzer{analyze: tt.analyze})

			require.NoError(t, st.Run(context.Background()))
			assert.Equal(t, StageFailed, st.State())
			require.Error(t, st.Err())
			if tt.wantErr != nil {
				assert.ErrorIs(t, st.Err(), tt.wantErr)
			}
			assert.Equal(t, "failed", st.Status().State)
		})
	}
}

func TestStage_RetriesBusyWithinIteration(t *testing.T) {
	h := newStageHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &funcAnalyzer{analyze: func(_ context.Context, n int64, _ *frames.Frame) (Result, error) {
		if n <= 2 {
			return Result{}, fmt.Errorf("recv: %w", perception.ErrEngineBusy)
		}
		cancel()
		return Result{}, nil
	}}
	st := h.stage(StageConfig{Name: "cars", BusyRetries: 2}, a)

	require.NoError(t, st.Run(ctx))
	assert.Equal(t, StageStopped, st.State())
	assert.Equal(t, int64(1), st.Status().Processed)
	assert.Equal(t, int64(3), a.calls.Load())
	assert.Empty(t, h.clock.Sleeps(), "retries happen before the idle sleep")
}

func TestStage_BusyRetriesAreBoundedThenFrameSkipped(t *testing.T) {
	h := newStageHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var st *Stage
	var stateOnRecovery StageState
	a := &funcAnalyzer{analyze: func(_ context.Context, n int64, _ *frames.Frame) (Result, error) {
		if n <= 5 {
			return Result{}, perception.ErrEngineBusy
		}
		stateOnRecovery = st.State()
		cancel()
		return Result{}, nil
	}}
	st = h.stage(StageConfig{Name: "cars", BusyRetries: 4}, a)

	require.NoError(t, st.Run(ctx))

	// one attempt plus four retries, then the next iteration succeeds
	assert.Equal(t, int64(6), a.calls.Load())
	assert.Equal(t, StageRunning, stateOnRecovery)
	assert.Equal(t, StageStopped, st.State())
	assert.NoError(t, st.Err())

	status := st.Status()
	assert.Equal(t, int64(1), status.Skipped)
	assert.Equal(t, int64(1), status.Processed)
	assert.Empty(t, status.Err)
	assert.Equal(t, []time.Duration{DefaultIdle}, h.clock.Sleeps())
}

func TestStage_NonBusyErrorAfterBusyFails(t *testing.T) {
	h := newStageHarness(t)
	boom := errors.New("model rejected input")
	a := &funcAnalyzer{analyze: func(_ context.Context, n int64, _ *frames.Frame) (Result, error) {
		if n == 1 {
			return Result{}, perception.ErrEngineBusy
		}
		return Result{}, boom
	}}
	st := h.stage(StageConfig{Name: "cars", BusyRetries: 2}, a)

	require.NoError(t, st.Run(context.Background()))
	assert.Equal(t, StageFailed, st.State())
	assert.ErrorIs(t, st.Err(), boom)
	assert.Equal(t, int64(2), a.calls.Load())
	assert.Zero(t, st.Status().Skipped)
}

func TestStage_Defaults(t *testing.T) {
	st := NewStage(StageConfig{Name: "lane"}, &LaneAnalyzer{}, frames.NewSlot(), display.NewRecorder(), nil, nil)
	assert.Equal(t, "lane", st.cfg.Channel)
	assert.Equal(t, DefaultIdle, st.cfg.Idle)
	assert.Equal(t, DefaultBusyRetries, st.cfg.BusyRetries)
	assert.Equal(t, "starting", st.Status().State)
}

func TestStageState_String(t *testing.T) {
	assert.Equal(t, "running", StageRunning.String())
	assert.Equal(t, "StageState(9)", StageState(9).String())
}

func TestLaneAnalyzer_SteersTowardLane(t *testing.T) {
	h := newStageHarness(t)
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))
	for i := range img.Pix {
		img.Pix[i] = 60
	}
	// two markings leaning right: the lane curves away to the right
	for y := 120; y < 240; y++ {
		shift := (240 - y) / 3
		for _, x := range []int{40 + shift, 280 + shift} {
			for dx := -1; dx <= 1; dx++ {
				if px := x + dx; px >= 0 && px < 320 {
					img.SetRGBA(px, y, color.RGBA{R: 250, G: 250, B: 250, A: 255})
				}
			}
		}
	}
	h.slot.Publish(&frames.Frame{Image: img})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	lane := &LaneAnalyzer{}
	a := &funcAnalyzer{analyze: func(ctx context.Context, _ int64, f *frames.Frame) (Result, error) {
		cancel()
		return lane.Analyze(ctx, f)
	}}
	require.NoError(t, lane.Init(ctx))
	require.NoError(t, h.stage(StageConfig{Name: "lane"}, a).Run(ctx))

	assert.Greater(t, h.state.Steer(), int8(actuator.SteerNeutral))
	assert.Equal(t, 1, h.rec.Count("lane"))
}

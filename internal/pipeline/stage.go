package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/autopilot/internal/actuator"
	"github.com/banshee-data/autopilot/internal/display"
	"github.com/banshee-data/autopilot/internal/frames"
	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/perception"
	"github.com/banshee-data/autopilot/internal/timeutil"
)

const (
	// DefaultIdle is the pause after each stage iteration.
	DefaultIdle = 30 * time.Millisecond
	// DefaultBusyRetries bounds how often one frame is retried while the
	// inference server reports busy.
	DefaultBusyRetries = 3

	skipLogEvery = 100
)

// ErrStagePanic wraps a panic recovered from an analyzer.
var ErrStagePanic = errors.New("stage panicked")

// StageConfig parametrises one perception stage.
type StageConfig struct {
	Name    string
	Channel string // display channel; defaults to Name
	// Threshold drops detections whose confidence is not strictly above it.
	Threshold float64
	Idle      time.Duration
	ModelPath string
	LabelPath string
	// BusyRetries bounds retries of perception.ErrEngineBusy within one
	// iteration. A frame still busy after that is skipped.
	BusyRetries int
}

// Result is what an analyzer derived from one frame.
type Result struct {
	// Angle is the steering angle in degrees; nil if the stage does not steer.
	Angle      *float64
	Detections []perception.Detection
	Labels     []string
	// Annotate draws stage-specific overlays onto the working copy.
	Annotate func(dst *image.RGBA)
}

// Analyzer is the capability a stage runs on each frame. Init is called once
// before the first frame; an Init error ends the stage.
type Analyzer interface {
	Init(ctx context.Context) error
	Analyze(ctx context.Context, frame *frames.Frame) (Result, error)
}

// StageState is the lifecycle of a stage.
type StageState int32

const (
	StageStarting StageState = iota
	StageRunning
	StageFailed
	StageStopped
)

func (s StageState) String() string {
	switch s {
	case StageStarting:
		return "starting"
	case StageRunning:
		return "running"
	case StageFailed:
		return "failed"
	case StageStopped:
		return "stopped"
	}
	return fmt.Sprintf("StageState(%d)", int32(s))
}

// StageStatus is a point-in-time view of a stage.
type StageStatus struct {
	Name      string             `json:"name"`
	Channel   string             `json:"channel"`
	State     string             `json:"state"`
	Err       string             `json:"error,omitempty"`
	Processed int64              `json:"processed"`
	Skipped   int64              `json:"skipped"`
	LatencyMs float64            `json:"latency_ms"`
	FPS       float64            `json:"fps"`
	Cursor    frames.CursorStats `json:"cursor"`
}

// Stage snapshots the frame slot, runs its analyzer, writes steering intent,
// overlays timings and results on a copy and shows it on its own channel.
type Stage struct {
	cfg      StageConfig
	analyzer Analyzer
	slot     *frames.Slot
	sink     display.Sink
	state    *actuator.State
	clock    timeutil.Clock
	reporter *monitoring.RateReporter

	cursor    frames.Cursor
	status    atomic.Int32
	processed atomic.Int64
	skipped   atomic.Int64
	latency   atomic.Int64  // nanoseconds
	fps       atomic.Uint64 // float64 bits

	errMu sync.Mutex
	err   error

	// owned by Run
	lastWall   time.Duration
	lastRender time.Duration
	inferTotal time.Duration
}

// NewStage builds a stage reading slot and showing on sink. state may be nil
// for stages that never steer.
func NewStage(cfg StageConfig, analyzer Analyzer, slot *frames.Slot, sink display.Sink, state *actuator.State, clock timeutil.Clock) *Stage {
	if cfg.Channel == "" {
		cfg.Channel = cfg.Name
	}
	if cfg.Idle <= 0 {
		cfg.Idle = DefaultIdle
	}
	if cfg.BusyRetries <= 0 {
		cfg.BusyRetries = DefaultBusyRetries
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Stage{
		cfg:      cfg,
		analyzer: analyzer,
		slot:     slot,
		sink:     sink,
		state:    state,
		clock:    clock,
		reporter: monitoring.NewRateReporter(cfg.Name, 0),
	}
}

func (s *Stage) Name() string { return s.cfg.Name }

// Run initialises the analyzer and loops until ctx is done or the stage
// fails. Failures are confined to the stage: Run always returns nil.
func (s *Stage) Run(ctx context.Context) error {
	if err := s.init(ctx); err != nil {
		s.fail(fmt.Errorf("init: %w", err))
		return nil
	}
	s.status.Store(int32(StageRunning))
	monitoring.Logf("[stage %s] running on channel %q", s.cfg.Name, s.cfg.Channel)
	defer func() {
		monitoring.Logf("[stage %s] Total inference time: %s", s.cfg.Name, s.inferTotal)
	}()

	wall := timeutil.NewIntervalTimer(s.clock)
	for ctx.Err() == nil {
		wall.Reset()
		if f, ok := s.slot.Snapshot(); ok {
			s.cursor.Observe(f)
			err := s.iterate(ctx, f)
			switch {
			case err == nil:
			case ctx.Err() != nil:
			case errors.Is(err, perception.ErrEngineBusy):
				if n := s.skipped.Add(1); n%skipLogEvery == 1 {
					monitoring.Logf("[stage %s] skipped frame %d (%d skipped): %v", s.cfg.Name, f.Seq, n, err)
				}
			default:
				s.fail(err)
				return nil
			}
		}
		if ctx.Err() != nil {
			break
		}
		s.clock.Sleep(s.cfg.Idle)
		s.lastWall = wall.Elapsed()
	}
	s.status.Store(int32(StageStopped))
	return nil
}

func (s *Stage) init(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStagePanic, r)
		}
	}()
	return s.analyzer.Init(ctx)
}

func (s *Stage) iterate(ctx context.Context, f *frames.Frame) error {
	timer := timeutil.NewIntervalTimer(s.clock)
	res, err := s.analyze(ctx, f)
	if err != nil {
		return err
	}
	detect := timer.Elapsed()
	s.inferTotal += detect

	if res.Angle != nil && s.state != nil {
		s.state.SetSteer(actuator.SteerFromAngle(*res.Angle))
	}

	work := f.Clone()
	dst := work.Image
	perception.DrawText(dst, 0, perception.LineHeight, fmt.Sprintf("Render time: %.2f ms", ms(s.lastRender)), perception.Green)
	perception.DrawText(dst, 0, 2*perception.LineHeight,
		fmt.Sprintf("Wallclock time %.2f ms (%.1f fps)", ms(s.lastWall), perSecond(s.lastWall)), perception.Green)
	perception.DrawText(dst, 0, 3*perception.LineHeight,
		fmt.Sprintf("Detection time  : %.2f ms (%.1f fps)", ms(detect), perSecond(detect)), perception.Green)
	if res.Annotate != nil {
		res.Annotate(dst)
	}
	perception.DrawDetections(dst, perception.Filter(res.Detections, float32(s.cfg.Threshold)), res.Labels)

	timer.Reset()
	if err := s.sink.Show(s.cfg.Channel, dst); err != nil {
		monitoring.Logf("[stage %s] show failed: %v", s.cfg.Name, err)
	}
	s.lastRender = timer.Elapsed()

	s.processed.Add(1)
	s.latency.Store(int64(detect))
	s.fps.Store(math.Float64bits(perSecond(detect)))
	s.reporter.Observe(detect, perSecond(detect))
	return nil
}

// analyze runs the analyzer, retrying while the inference server is busy and
// turning panics into errors.
func (s *Stage) analyze(ctx context.Context, f *frames.Frame) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrStagePanic, r)
		}
	}()
	for attempt := 1; ; attempt++ {
		res, err = s.analyzer.Analyze(ctx, f)
		if err == nil || !errors.Is(err, perception.ErrEngineBusy) || attempt > s.cfg.BusyRetries || ctx.Err() != nil {
			return res, err
		}
	}
}

func (s *Stage) fail(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
	s.status.Store(int32(StageFailed))
	monitoring.Logf("[stage %s] stopped: %v", s.cfg.Name, err)
}

// Err returns the error that stopped the stage, if any.
func (s *Stage) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stage) State() StageState {
	return StageState(s.status.Load())
}

func (s *Stage) Status() StageStatus {
	st := StageStatus{
		Name:      s.cfg.Name,
		Channel:   s.cfg.Channel,
		State:     s.State().String(),
		Processed: s.processed.Load(),
		Skipped:   s.skipped.Load(),
		LatencyMs: ms(time.Duration(s.latency.Load())),
		FPS:       math.Float64frombits(s.fps.Load()),
		Cursor:    s.cursor.Stats(),
	}
	if err := s.Err(); err != nil {
		st.Err = err.Error()
	}
	return st
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func perSecond(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return 1 / d.Seconds()
}

// Package pipeline runs the autopilot loops: frame acquisition, the raw
// presentation view, the perception stages and the actuator link. The loops
// share only the frame slot, the guarded display sink and the actuation
// state; none of them waits on another.
package pipeline

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/tsweb"

	"github.com/banshee-data/autopilot/internal/actuator"
	"github.com/banshee-data/autopilot/internal/capture"
	"github.com/banshee-data/autopilot/internal/display"
	"github.com/banshee-data/autopilot/internal/frames"
	"github.com/banshee-data/autopilot/internal/httputil"
	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/timeutil"
)

// Runtime holds the shared cells and the loops built on them.
type Runtime struct {
	Slot  *frames.Slot
	Sink  *display.Guarded
	State *actuator.State
	Clock timeutil.Clock

	Acquisition  *Acquisition
	Presentation *Presentation
	Stages       []*Stage
	Link         *actuator.Link

	// Services run alongside the loops (HTTP server, stats recorder). A
	// service that fails is logged and dropped; the loops keep running.
	Services []Service
}

// Service is an auxiliary task supervised by the runtime.
type Service struct {
	Name string
	Run  func(ctx context.Context) error
}

// NewRuntime wraps sink in the shared guard and creates an empty slot.
func NewRuntime(sink display.Sink, state *actuator.State, clock timeutil.Clock) *Runtime {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if state == nil {
		state = actuator.NewState()
	}
	return &Runtime{
		Slot:  frames.NewSlot(),
		Sink:  display.NewGuarded(sink),
		State: state,
		Clock: clock,
	}
}

// SetSource installs the acquisition loop for source.
func (r *Runtime) SetSource(source capture.Source) *Acquisition {
	r.Acquisition = NewAcquisition(source, r.Slot, r.Clock)
	return r.Acquisition
}

// EnablePresentation installs the raw view on channel.
func (r *Runtime) EnablePresentation(channel string, poll time.Duration) *Presentation {
	r.Presentation = NewPresentation(r.Slot, r.Sink, channel, poll, r.Clock)
	return r.Presentation
}

// AddStage installs a perception stage.
func (r *Runtime) AddStage(cfg StageConfig, analyzer Analyzer) *Stage {
	st := NewStage(cfg, analyzer, r.Slot, r.Sink, r.State, r.Clock)
	r.Stages = append(r.Stages, st)
	return st
}

// Run starts every installed loop and blocks until ctx is done or a fatal
// loop fails. Only acquisition and link errors are fatal and cancel the
// rest. Stages, presentation and services never are.
func (r *Runtime) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if r.Acquisition != nil {
		g.Go(func() error { return r.Acquisition.Run(ctx) })
	}
	if r.Link != nil {
		g.Go(func() error { return r.Link.Run(ctx) })
	}
	if r.Presentation != nil {
		g.Go(func() error { return r.Presentation.Run(ctx) })
	}
	for _, st := range r.Stages {
		g.Go(func() error { return st.Run(ctx) })
	}

	var services sync.WaitGroup
	for _, svc := range r.Services {
		services.Go(func() {
			if err := svc.Run(ctx); err != nil && ctx.Err() == nil {
				monitoring.Logf("[pipeline] service %s stopped: %v", svc.Name, err)
			}
		})
	}
	monitoring.Logf("[pipeline] started %d stage(s), %d service(s)", len(r.Stages), len(r.Services))

	err := g.Wait()
	services.Wait()
	return err
}

// Status is the JSON view of every loop.
type Status struct {
	Acquisition  *AcquisitionStats     `json:"acquisition,omitempty"`
	Presentation *PresentationStats    `json:"presentation,omitempty"`
	Stages       []StageStatus         `json:"stages"`
	Command      actuator.CommandState `json:"command"`
	Link         *actuator.LinkStats   `json:"link,omitempty"`
}

func (r *Runtime) Status() Status {
	s := Status{Stages: make([]StageStatus, 0, len(r.Stages)), Command: r.State.Snapshot()}
	if r.Acquisition != nil {
		a := r.Acquisition.Stats()
		s.Acquisition = &a
	}
	if r.Presentation != nil {
		p := r.Presentation.Stats()
		s.Presentation = &p
	}
	for _, st := range r.Stages {
		s.Stages = append(s.Stages, st.Status())
	}
	if r.Link != nil {
		l := r.Link.Stats()
		s.Link = &l
	}
	return s
}

// AttachAdminRoutes adds a JSON pipeline status page to the debug mux.
func (r *Runtime) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("pipeline", "Loop and stage status", func(w http.ResponseWriter, _ *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, r.Status())
	})
}

package actuator

import (
	"bytes"
	"context"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/autopilot/internal/httputil"
	"github.com/banshee-data/autopilot/internal/monitoring"
	"github.com/banshee-data/autopilot/internal/timeutil"
)

var (
	// ErrShortWrite marks a send where the bus accepted fewer than
	// FrameSize bytes. The frame is not retried.
	ErrShortWrite = errors.New("short write to actuator bus")

	// ErrLinkClosed is returned when using a link after Close.
	ErrLinkClosed = errors.New("actuator link closed")
)

// Link cadence defaults.
const (
	DefaultInterval = 50 * time.Millisecond
	DefaultPoll     = time.Millisecond

	// failureLogEvery throttles write failure logs to the first and then
	// one per this many failures.
	failureLogEvery = 100
)

//go:embed templates/*
var adminTemplateFS embed.FS

var linkTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/actuator.html.tmpl"))

// LinkState is the link's lifecycle stage.
type LinkState int32

const (
	Disconnected LinkState = iota
	Connected
	Sending
	Closed
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Sending:
		return "sending"
	case Closed:
		return "closed"
	}
	return "LinkState(" + strconv.Itoa(int(s)) + ")"
}

// LinkOptions configures a Link.
type LinkOptions struct {
	// Interval between frames. Defaults to DefaultInterval.
	Interval time.Duration
	// Poll is how often the interval timer is checked. Defaults to DefaultPoll.
	Poll  time.Duration
	Clock timeutil.Clock
	// Debug logs every frame sent.
	Debug bool
}

// LinkStats is a point-in-time view of a link.
type LinkStats struct {
	State  string    `json:"state"`
	Sent   uint64    `json:"sent"`
	Short  uint64    `json:"short"`
	Failed uint64    `json:"failed"`
	Last   string    `json:"last"`
	LastAt time.Time `json:"last_at"`
}

// Link owns the bus and sends the current State as a Frame once per
// interval. It is the only writer to the bus.
type Link struct {
	open  Opener
	state *State
	opts  LinkOptions

	status atomic.Int32

	// busMu orders writes against Close.
	busMu sync.Mutex
	bus   Bus

	closeOnce sync.Once
	closeErr  error

	sent   atomic.Uint64
	short  atomic.Uint64
	failed atomic.Uint64

	lastMu sync.Mutex
	last   Frame
	lastAt time.Time
}

// NewLink returns a disconnected link that will read state and send over
// the bus open returns.
func NewLink(open Opener, state *State, opts LinkOptions) *Link {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	return &Link{open: open, state: state, opts: opts}
}

// State returns the link's lifecycle stage.
func (l *Link) State() LinkState {
	return LinkState(l.status.Load())
}

// Connect opens the bus. A link connects at most once.
func (l *Link) Connect() error {
	l.busMu.Lock()
	defer l.busMu.Unlock()

	switch l.State() {
	case Closed:
		return ErrLinkClosed
	case Connected, Sending:
		return nil
	}
	bus, err := l.open()
	if err != nil {
		return fmt.Errorf("connect actuator bus: %w", err)
	}
	l.bus = bus
	l.status.Store(int32(Connected))
	monitoring.Logf("[link] connected")
	return nil
}

// Run sends a frame every interval until ctx is done or the link is
// closed. The cadence comes from the interval timer alone; bus writes never
// delay the next check by more than their own duration.
func (l *Link) Run(ctx context.Context) error {
	switch l.State() {
	case Disconnected:
		return errors.New("actuator link not connected")
	case Closed:
		return ErrLinkClosed
	}

	timer := timeutil.NewIntervalTimer(l.opts.Clock)
	for {
		if ctx.Err() != nil || l.State() == Closed {
			return nil
		}
		if timer.Elapsed() >= l.opts.Interval {
			timer.Reset()
			// failures are counted and logged by Send; the next cycle
			// sends a fresh frame
			if err := l.Send(); errors.Is(err, ErrLinkClosed) {
				return nil
			}
		}
		l.opts.Clock.Sleep(l.opts.Poll)
	}
}

// Send builds a fresh frame from the current state and writes it once.
func (l *Link) Send() error {
	l.busMu.Lock()
	defer l.busMu.Unlock()

	if l.State() == Closed {
		return ErrLinkClosed
	}
	if l.bus == nil {
		return errors.New("actuator link not connected")
	}
	l.status.Store(int32(Sending))

	f := BuildFrame(l.state.Snapshot())
	if l.opts.Debug {
		monitoring.Logf("[link] sending %s", f)
	}
	n, err := l.bus.Write(f[:])

	l.lastMu.Lock()
	l.last, l.lastAt = f, l.opts.Clock.Now()
	l.lastMu.Unlock()

	switch {
	case err != nil:
		if c := l.failed.Add(1); c%failureLogEvery == 1 {
			monitoring.Logf("[link] write failed (%d so far): %v", c, err)
		}
		return fmt.Errorf("write frame: %w", err)
	case n < FrameSize:
		if c := l.short.Add(1); c%failureLogEvery == 1 {
			monitoring.Logf("[link] short write %d/%d bytes (%d so far)", n, FrameSize, c)
		}
		return fmt.Errorf("%w: %d/%d bytes", ErrShortWrite, n, FrameSize)
	}
	l.sent.Add(1)
	return nil
}

// Close releases the bus. Only the first call closes it; later calls
// return the same result.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.busMu.Lock()
		defer l.busMu.Unlock()
		l.status.Store(int32(Closed))
		if l.bus != nil {
			l.closeErr = l.bus.Close()
			monitoring.Logf("[link] bus closed")
		}
	})
	return l.closeErr
}

// Stats returns counters and the last frame written.
func (l *Link) Stats() LinkStats {
	l.lastMu.Lock()
	last, lastAt := l.last, l.lastAt
	l.lastMu.Unlock()

	st := LinkStats{
		State:  l.State().String(),
		Sent:   l.sent.Load(),
		Short:  l.short.Load(),
		Failed: l.failed.Load(),
		LastAt: lastAt,
	}
	if !lastAt.IsZero() {
		st.Last = hex.EncodeToString(last[:])
	}
	return st
}

// AttachAdminRoutes adds a link status page and a form for setting the
// actuation state to the /debug/ pages.
func (l *Link) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("actuator", "actuator link state and manual control", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		data := struct {
			Stats   LinkStats
			Command CommandState
		}{l.Stats(), l.state.Snapshot()}
		if err := linkTemplate.Execute(buf, data); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("actuator-set", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w, http.MethodPost)
			return
		}
		if err := r.ParseForm(); err != nil {
			httputil.BadRequest(w, "bad form")
			return
		}
		speed, setSpeed, err := httputil.FormInt(r, "speed", 16)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		steer, setSteer, err := httputil.FormInt(r, "steer", 8)
		if err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if setSpeed {
			l.state.SetSpeed(int16(speed))
		}
		if setSteer {
			l.state.SetSteer(ClampSteer(int8(steer), SteerMin, SteerMax))
		}
		l.state.SetLights(httputil.FormBool(r, "lights"))
		l.state.SetStop(httputil.FormBool(r, "stop"))
		httputil.WriteJSON(w, http.StatusOK, l.state.Snapshot())
	})
}

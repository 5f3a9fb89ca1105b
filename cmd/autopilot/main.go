package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/autopilot/internal/actuator"
	"github.com/banshee-data/autopilot/internal/capture"
	"github.com/banshee-data/autopilot/internal/config"
	"github.com/banshee-data/autopilot/internal/db"
	"github.com/banshee-data/autopilot/internal/display"
	"github.com/banshee-data/autopilot/internal/inference"
	"github.com/banshee-data/autopilot/internal/perception"
	"github.com/banshee-data/autopilot/internal/pipeline"
	"github.com/banshee-data/autopilot/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a .json or .yaml config file (built-in defaults if empty)")
	devMode     = flag.Bool("dev", false, "Run with a synthetic camera and a file-backed actuator bus")
	listen      = flag.String("listen", "", "Listen address (overrides display.listen)")
	dbPath      = flag.String("db", "", "Telemetry database path (overrides telemetry.db_path; \"off\" disables)")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	if err := run(); err != nil {
		log.Fatalf("autopilot: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads the config file, if any, and applies the command line
// overrides on top of it.
func loadConfig(path string, dev bool, listenAddr, database string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if dev {
		cfg.Camera.Synthetic = ptr(true)
		cfg.Bus.Kind = ptr(config.BusFile)
		cfg.Bus.Path = nil
	}
	if listenAddr != "" {
		cfg.Display.Listen = ptr(listenAddr)
	}
	switch database {
	case "":
	case "off":
		cfg.Telemetry.Enabled = ptr(false)
	default:
		cfg.Telemetry.DBPath = ptr(database)
	}
	return cfg, cfg.Validate()
}

func ptr[T any](v T) *T { return &v }

func openSource(c config.CameraConfig) (capture.Source, error) {
	if c.GetSynthetic() {
		log.Printf("using synthetic camera at %.0f fps", c.GetFPS())
		return capture.NewSynthetic(capture.SyntheticOptions{
			Width:  c.GetWidth(),
			Height: c.GetHeight(),
			FPS:    c.GetFPS(),
			Period: 8 * time.Second,
		}), nil
	}
	return capture.OpenWebcam(c.GetDevice(), capture.WebcamOptions{Width: c.GetWidth(), Height: c.GetHeight()})
}

func busOpener(c config.BusConfig) actuator.Opener {
	path := c.GetPath()
	switch c.GetKind() {
	case config.BusSerial:
		opts := actuator.PortOptions{
			BaudRate: c.Serial.BaudRate,
			DataBits: c.Serial.DataBits,
			StopBits: c.Serial.StopBits,
			Parity:   c.Serial.Parity,
		}
		return func() (actuator.Bus, error) { return actuator.OpenSerial(path, opts) }
	case config.BusFile:
		return func() (actuator.Bus, error) { return actuator.OpenFileBus(path) }
	}
	addr := c.GetAddress()
	return func() (actuator.Bus, error) { return actuator.OpenI2C(path, addr) }
}

// engines shares one inference connection per endpoint and model.
type engines map[string]*inference.ZMQEngine

func (e engines) factory(sc config.StageConfig) pipeline.EngineFactory {
	return func(m *perception.Model) (perception.Engine, error) {
		key := sc.GetEngine() + "|" + m.Name
		if eng, ok := e[key]; ok {
			return eng, nil
		}
		eng := inference.NewZMQEngine(sc.GetEngine(), m.Name, sc.GetTimeout())
		e[key] = eng
		return eng, nil
	}
}

func (e engines) Close() {
	for key, eng := range e {
		if err := eng.Close(); err != nil {
			log.Printf("closing engine %s: %v", key, err)
		}
	}
}

func newAnalyzer(sc config.StageConfig, eng engines) pipeline.Analyzer {
	if sc.Kind == config.KindLane {
		return &pipeline.LaneAnalyzer{}
	}
	return &pipeline.DetectionAnalyzer{
		ModelPath: sc.ModelPath,
		LabelPath: sc.LabelPath,
		NewEngine: eng.factory(sc),
	}
}

// stageSamples flattens the runtime status for the telemetry recorder.
func stageSamples(st pipeline.Status) []db.StageSample {
	out := make([]db.StageSample, 0, len(st.Stages)+2)
	if a := st.Acquisition; a != nil {
		out = append(out, db.StageSample{Stage: "capture", State: "running", Frames: a.Frames, FPS: a.FPS})
	}
	if p := st.Presentation; p != nil {
		out = append(out, db.StageSample{
			Stage:    p.Channel,
			State:    "running",
			Frames:   int64(p.Cursor.Seen),
			Missed:   int64(p.Cursor.Missed),
			Repeated: int64(p.Cursor.Repeated),
		})
	}
	for _, s := range st.Stages {
		out = append(out, db.StageSample{
			Stage:     s.Name,
			State:     s.State,
			Frames:    s.Processed,
			Missed:    int64(s.Cursor.Missed),
			Repeated:  int64(s.Cursor.Repeated),
			LatencyMs: s.LatencyMs,
			FPS:       s.FPS,
		})
	}
	return out
}

func linkSample(s actuator.LinkStats) db.LinkSample {
	return db.LinkSample{
		State:     s.State,
		Sent:      int64(s.Sent),
		Short:     int64(s.Short),
		Failed:    int64(s.Failed),
		LastFrame: s.Last,
	}
}

// hardware opens the camera and the actuator bus.
type hardware struct {
	openSource func(config.CameraConfig) (capture.Source, error)
	busOpener  func(config.BusConfig) actuator.Opener
}

var devices = hardware{openSource: openSource, busOpener: busOpener}

func run() error {
	cfg, err := loadConfig(*configPath, *devMode, *listen, *dbPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log.Printf("starting %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runAutopilot(ctx, cfg, devices)
}

// runAutopilot wires the loops for cfg and blocks until ctx is done or a
// fatal loop fails. The bus is closed exactly once on every return path.
func runAutopilot(ctx context.Context, cfg *config.Config, hw hardware) error {
	// the camera and the bus have no degraded mode: failing to open either
	// ends the process
	source, err := hw.openSource(cfg.Camera)
	if err != nil {
		return fmt.Errorf("camera: %w", err)
	}
	defer source.Close()

	state := actuator.NewState()
	state.SetSpeed(cfg.Actuation.GetSpeed())
	state.SetLights(cfg.Actuation.GetLights())
	link := actuator.NewLink(hw.busOpener(cfg.Bus), state, actuator.LinkOptions{
		Interval: cfg.Actuation.GetInterval(),
		Debug:    cfg.Actuation.GetDebug(),
	})
	if err := link.Connect(); err != nil {
		return fmt.Errorf("actuator link: %w", err)
	}
	defer link.Close()

	hub := display.NewHub(display.HubOptions{
		Quality:        cfg.Display.GetQuality(),
		StatusInterval: cfg.Display.GetStatusInterval(),
	})
	rt := pipeline.NewRuntime(hub, state, nil)
	rt.SetSource(source)
	rt.Link = link
	if cfg.Presentation.GetEnabled() {
		rt.EnablePresentation(cfg.Presentation.GetChannel(), cfg.Presentation.GetPoll())
	}

	eng := engines{}
	defer eng.Close()
	for _, sc := range cfg.Stages {
		if !sc.GetEnabled() {
			log.Printf("stage %s disabled", sc.Name)
			continue
		}
		rt.AddStage(pipeline.StageConfig{
			Name:      sc.Name,
			Channel:   sc.GetChannel(),
			Threshold: sc.GetThreshold(),
			Idle:      sc.GetIdle(),
			ModelPath: sc.ModelPath,
			LabelPath: sc.LabelPath,
		}, newAnalyzer(sc, eng))
	}

	mux := http.NewServeMux()
	hub.RegisterRoutes(mux)
	hub.AttachAdminRoutes(mux)
	link.AttachAdminRoutes(mux)
	rt.AttachAdminRoutes(mux)
	hub.ExtraStatus = func() map[string]any {
		return map[string]any{"pipeline": rt.Status()}
	}

	// telemetry is optional: a database that cannot be opened only disables it
	if cfg.Telemetry.GetEnabled() {
		if database, err := db.NewDB(cfg.Telemetry.GetDBPath()); err != nil {
			log.Printf("telemetry disabled: %v", err)
		} else {
			defer database.Close()
			cfgJSON, err := json.Marshal(cfg)
			if err != nil {
				log.Printf("run config not recorded: %v", err)
			}
			if _, err := database.StartRun("", version.Version, string(cfgJSON)); err != nil {
				log.Printf("telemetry disabled: %v", err)
			} else {
				defer func() {
					if err := database.EndRun(); err != nil {
						log.Printf("failed to end run: %v", err)
					}
				}()
				if err := database.AttachAdminRoutes(mux); err != nil {
					log.Printf("database admin routes unavailable: %v", err)
				}
				rec := &db.Recorder{
					DB:       database,
					Interval: cfg.Telemetry.GetFlushInterval(),
					Stages:   func() []db.StageSample { return stageSamples(rt.Status()) },
					Link:     func() db.LinkSample { return linkSample(link.Stats()) },
				}
				rt.Services = append(rt.Services, pipeline.Service{Name: "recorder", Run: rec.Run})
			}
		}
	}

	server := &http.Server{
		Addr:              cfg.Display.GetListen(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	rt.Services = append(rt.Services,
		pipeline.Service{Name: "hub", Run: hub.Run},
		pipeline.Service{Name: "http", Run: func(ctx context.Context) error {
			return serveHTTP(ctx, server)
		}},
	)

	log.Printf("serving display on %s", server.Addr)
	err = rt.Run(ctx)
	if errors.Is(err, capture.ErrSourceUnavailable) {
		log.Printf("camera stopped: %v", err)
	}
	return err
}

// serveHTTP runs server until ctx is done, then shuts it down.
func serveHTTP(ctx context.Context, server *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	return <-errc
}

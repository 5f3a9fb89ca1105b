package pipeline

import (
	"context"
	"fmt"
	"image"

	"github.com/banshee-data/autopilot/internal/frames"
	"github.com/banshee-data/autopilot/internal/perception"
)

// LaneAnalyzer estimates lane geometry and reports a steering angle.
type LaneAnalyzer struct {
	Estimator *perception.LaneEstimator
}

func (a *LaneAnalyzer) Init(context.Context) error {
	if a.Estimator == nil {
		a.Estimator = perception.NewLaneEstimator()
	}
	return nil
}

func (a *LaneAnalyzer) Analyze(_ context.Context, f *frames.Frame) (Result, error) {
	est := a.Estimator.Estimate(f.Image)
	angle := est.Angle
	return Result{
		Angle: &angle,
		Annotate: func(dst *image.RGBA) {
			est.Annotate(dst)
			status := "lost"
			if est.Found {
				status = "found"
			}
			perception.DrawText(dst, 0, 4*perception.LineHeight,
				fmt.Sprintf("Lane %s, angle %.1f deg", status, angle), perception.Blue)
		},
	}, nil
}

// EngineFactory connects a loaded model to an inference engine.
type EngineFactory func(m *perception.Model) (perception.Engine, error)

// DetectionAnalyzer runs an SSD detector. The model is loaded in Init, so a
// missing or malformed model ends only this stage.
type DetectionAnalyzer struct {
	ModelPath string
	LabelPath string
	NewEngine EngineFactory

	detector *perception.SSDDetector
}

func (a *DetectionAnalyzer) Init(context.Context) error {
	if a.NewEngine == nil {
		return fmt.Errorf("no inference engine for %s", a.ModelPath)
	}
	model, err := perception.LoadModel(a.ModelPath, a.LabelPath)
	if err != nil {
		return err
	}
	engine, err := a.NewEngine(model)
	if err != nil {
		return fmt.Errorf("connect engine for %s: %w", model.Name, err)
	}
	a.detector = &perception.SSDDetector{Model: model, Engine: engine}
	return nil
}

func (a *DetectionAnalyzer) Analyze(ctx context.Context, f *frames.Frame) (Result, error) {
	dets, err := a.detector.Detect(ctx, f.Image)
	if err != nil {
		return Result{}, err
	}
	return Result{Detections: dets, Labels: a.detector.Model.Labels}, nil
}

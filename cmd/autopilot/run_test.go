package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/autopilot/internal/actuator"
	"github.com/banshee-data/autopilot/internal/capture"
	"github.com/banshee-data/autopilot/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Telemetry.Enabled = ptr(false)
	cfg.Display.Listen = ptr("127.0.0.1:0")
	cfg.Actuation.Interval = ptr("5ms")
	return cfg
}

func testHardware(src capture.Source, bus *actuator.TestableBus) hardware {
	return hardware{
		openSource: func(config.CameraConfig) (capture.Source, error) { return src, nil },
		busOpener:  func(config.BusConfig) actuator.Opener { return bus.Opener() },
	}
}

func TestRunAutopilot_BusClosedOnceOnEndOfStream(t *testing.T) {
	src := capture.NewSynthetic(capture.SyntheticOptions{Width: 64, Height: 48, Limit: 5})
	bus := actuator.NewTestableBus()

	err := runAutopilot(context.Background(), testConfig(), testHardware(src, bus))

	require.Error(t, err)
	assert.ErrorIs(t, err, capture.ErrSourceUnavailable)
	assert.Equal(t, 1, bus.Closes())
}

func TestRunAutopilot_BusClosedOnceOnCancel(t *testing.T) {
	src := capture.NewSynthetic(capture.SyntheticOptions{Width: 64, Height: 48, FPS: 100})
	bus := actuator.NewTestableBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runAutopilot(ctx, testConfig(), testHardware(src, bus)) }()

	assert.Eventually(t, func() bool { return bus.WriteCount() >= 3 }, 5*time.Second, time.Millisecond)
	assert.Zero(t, bus.Closes(), "bus stays open while running")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runAutopilot did not return after cancel")
	}
	assert.Equal(t, 1, bus.Closes())

	_, err := src.Read(context.Background())
	assert.ErrorIs(t, err, capture.ErrSourceUnavailable, "source closed on shutdown")
}

func TestRunAutopilot_OpenFailures(t *testing.T) {
	t.Run("camera", func(t *testing.T) {
		bus := actuator.NewTestableBus()
		hw := testHardware(nil, bus)
		hw.openSource = func(config.CameraConfig) (capture.Source, error) {
			return nil, errors.New("no such device")
		}
		err := runAutopilot(context.Background(), testConfig(), hw)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "camera")
		assert.Zero(t, bus.Closes(), "bus never opened")
	})

	t.Run("bus", func(t *testing.T) {
		src := capture.NewSynthetic(capture.SyntheticOptions{Width: 64, Height: 48})
		hw := hardware{
			openSource: func(config.CameraConfig) (capture.Source, error) { return src, nil },
			busOpener: func(config.BusConfig) actuator.Opener {
				return func() (actuator.Bus, error) { return nil, errors.New("no i2c adapter") }
			},
		}
		err := runAutopilot(context.Background(), testConfig(), hw)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "actuator link")

		_, err = src.Read(context.Background())
		assert.ErrorIs(t, err, capture.ErrSourceUnavailable, "source closed on startup failure")
	})
}

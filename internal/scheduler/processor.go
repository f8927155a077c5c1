// Package scheduler turns frame statistics into release/limit decisions.
package scheduler

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/skobkin/fasd/internal/frame"
	"github.com/skobkin/fasd/internal/metrics"
)

// FrameSensor supplies frame statistics for the monitored process.
type FrameSensor interface {
	Pause() error
	Resume(windowSize uint32, horizon time.Duration) error
	Frametimes(targetFPS uint32) []time.Duration
	FPS() float64
}

// PerformanceController applies decisions to hardware.
type PerformanceController interface {
	PlugIn() error
	PlugOut() error
	// Release relaxes the frequency bound.
	Release()
	// Limit applies the current bound.
	Limit()
}

// Processor drives one control tick at a time.
type Processor struct {
	sensor     FrameSensor
	controller PerformanceController
	recorder   *metrics.Recorder
	logger     *slog.Logger
}

// NewProcessor wires a sensor to a controller.
func NewProcessor(sensor FrameSensor, controller PerformanceController, recorder *metrics.Recorder, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{
		sensor:     sensor,
		controller: controller,
		recorder:   recorder,
		logger:     logger.With("component", "scheduler"),
	}
}

// Activate resumes the sensor over frameWindows frame budgets and plugs in the
// controller. The first failure is returned and earlier steps are not undone.
func (p *Processor) Activate(frameWindows uint32) (time.Duration, error) {
	horizon := time.Duration(frameWindows) * frame.FrameBudget
	if err := p.sensor.Resume(frameWindows, horizon); err != nil {
		return 0, fmt.Errorf("resume sensor: %w", err)
	}
	if err := p.controller.PlugIn(); err != nil {
		return 0, fmt.Errorf("plug in controller: %w", err)
	}
	p.logger.Debug("activated", "frame_windows", frameWindows, "horizon", horizon)
	return horizon, nil
}

// Deactivate pauses the sensor and plugs out the controller.
func (p *Processor) Deactivate() error {
	if err := p.sensor.Pause(); err != nil {
		return fmt.Errorf("pause sensor: %w", err)
	}
	if err := p.controller.PlugOut(); err != nil {
		return fmt.Errorf("plug out controller: %w", err)
	}
	p.logger.Debug("deactivated")
	return nil
}

// Tick issues exactly one release or limit decision.
func (p *Processor) Tick(targetFPS uint32) {
	frametimes := p.sensor.Frametimes(targetFPS)
	fps := p.sensor.FPS()

	if frame.IsJanking(frametimes, fps, targetFPS) {
		p.controller.Limit()
		p.recorder.ObserveDecision("limit")
		return
	}
	p.controller.Release()
	p.recorder.ObserveDecision("release")
}

package scheduler

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/skobkin/fasd/internal/cpufreq"
	"github.com/skobkin/fasd/internal/frame"
)

// ErrNotTargeted is returned when the actuator is plugged in without a target.
var ErrNotTargeted = errors.New("scheduler: no target process")

// FrameStats exposes the frame time the actuator reacts to.
type FrameStats interface {
	LastFrametime() (time.Duration, bool)
}

// FrequencyUpdater moves the requested frequency by a control signal.
type FrequencyUpdater interface {
	Update(pid int, factor float64)
}

// Actuator is the cpufreq-backed PerformanceController. Both decisions are
// proportional to the error of the last frame only: Limit may only raise the
// frequency and Release may only lower it.
type Actuator struct {
	stats   FrameStats
	updater FrequencyUpdater
	logger  *slog.Logger

	pid       int
	targetFPS uint32
	plugged   bool
}

// NewActuator builds an actuator.
func NewActuator(stats FrameStats, updater FrequencyUpdater, logger *slog.Logger) *Actuator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Actuator{
		stats:   stats,
		updater: updater,
		logger:  logger.With("component", "actuator"),
	}
}

// Target selects the process and frame rate subsequent decisions apply to.
func (a *Actuator) Target(pid int, targetFPS uint32) {
	a.pid = pid
	a.targetFPS = targetFPS
}

func (a *Actuator) PlugIn() error {
	if a.pid <= 0 || a.targetFPS == 0 {
		return ErrNotTargeted
	}
	a.plugged = true
	return nil
}

func (a *Actuator) PlugOut() error {
	a.plugged = false
	return nil
}

func (a *Actuator) Release() {
	if factor, ok := a.lastFrameFactor(); ok {
		a.updater.Update(a.pid, min(factor, 0))
	}
}

func (a *Actuator) Limit() {
	if factor, ok := a.lastFrameFactor(); ok {
		a.updater.Update(a.pid, max(factor, 0))
	}
}

// lastFrameFactor is false while unplugged or when no frame is in the window,
// in which case the current bound is held.
func (a *Actuator) lastFrameFactor() (float64, bool) {
	if !a.plugged {
		return 0, false
	}
	last, ok := a.stats.LastFrametime()
	if !ok {
		return 0, false
	}
	return cpufreq.ScaleFactor(a.targetFPS, last, frame.TargetFrametime(a.targetFPS)), true
}

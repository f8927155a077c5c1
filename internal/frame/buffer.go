package frame

import (
	"time"

	"k8s.io/utils/clock"
)

// FrameBudget is the nominal per-frame duration used to size sampling horizons.
const FrameBudget = 40 * time.Millisecond

const (
	// DefaultFrameWindows is the number of frame budgets covered by a fresh buffer.
	DefaultFrameWindows = 10
	defaultMinSamples   = DefaultFrameWindows
)

// BufferState reports whether a buffer holds enough samples to steer on.
type BufferState int

const (
	Unusable BufferState = iota
	Usable
)

func (s BufferState) String() string {
	switch s {
	case Usable:
		return "usable"
	default:
		return "unusable"
	}
}

// BufferOptions tunes a Buffer. Zero values select defaults.
type BufferOptions struct {
	Span       time.Duration
	MinSamples int
	Clock      clock.PassiveClock
}

// Buffer accumulates frame times for the single monitored process.
type Buffer struct {
	PID       int
	Package   string
	TargetFPS uint32

	clock      clock.PassiveClock
	window     *Window
	minSamples int
	pushed     int
	state      BufferState
}

// NewBuffer creates an Unusable buffer for pid/pkg.
func NewBuffer(pid int, pkg string, targetFPS uint32, opts BufferOptions) *Buffer {
	if opts.Span <= 0 {
		opts.Span = DefaultFrameWindows * FrameBudget
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = defaultMinSamples
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Buffer{
		PID:        pid,
		Package:    pkg,
		TargetFPS:  targetFPS,
		clock:      opts.Clock,
		window:     NewWindow(opts.Span),
		minSamples: opts.MinSamples,
		state:      Unusable,
	}
}

// PushFrametime records one frame. Callers drop zero durations beforehand.
// The buffer turns Usable once minSamples frames were pushed, however slowly
// they arrived; frame rates too low to fill the window still get steered.
func (b *Buffer) PushFrametime(frametime time.Duration) {
	b.window.Push(b.clock.Now(), frametime)
	b.pushed++
	if b.state == Unusable && b.pushed >= b.minSamples {
		b.state = Usable
	}
}

// State reports the buffer usability.
func (b *Buffer) State() BufferState {
	return b.state
}

// Frametimes returns the frame times currently inside the window.
func (b *Buffer) Frametimes() []time.Duration {
	return b.window.Frametimes(b.clock.Now())
}

// FPS returns the average frame rate over the window.
func (b *Buffer) FPS() float64 {
	return b.window.FPS(b.clock.Now())
}

// LastFrametime returns the newest frame time in the window.
func (b *Buffer) LastFrametime() (time.Duration, bool) {
	b.window.trim(b.clock.Now())
	return b.window.Last()
}

// SetSpan resizes the window span.
func (b *Buffer) SetSpan(span time.Duration) {
	if span > 0 {
		b.window.SetSpan(span)
	}
}

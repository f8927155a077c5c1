// Package looper supervises frequency steering for the foreground app.
package looper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/skobkin/fasd/internal/extension"
	"github.com/skobkin/fasd/internal/frame"
	"github.com/skobkin/fasd/internal/metrics"
)

// SettleDelay is how long an eligible app must stay foreground before
// steering starts.
const SettleDelay = 3 * time.Second

// Foreground answers whether a pid is in the foreground set.
type Foreground interface {
	IsTopapp(pid int) bool
}

// ProfileLookup returns the target frame rate configured for a package.
type ProfileLookup interface {
	TargetFPS(pkg string) (uint32, bool)
}

// NameResolver maps a pid to its package name.
type NameResolver func(ctx context.Context, pid int) (string, error)

// FrequencyResetter switches every policy to its maximum or default limits.
type FrequencyResetter interface {
	ResetToMax()
	ResetToDefault()
}

// Cleaner overrides and restores interfering system knobs.
type Cleaner interface {
	Cleanup() error
	UndoCleanup() error
}

// Scheduler runs the per-tick release/limit decision.
type Scheduler interface {
	Activate(frameWindows uint32) (time.Duration, error)
	Deactivate() error
	Tick(targetFPS uint32)
}

// Targeter points the actuator at the monitored process.
type Targeter interface {
	Target(pid int, targetFPS uint32)
}

// FrameSink receives the active buffer.
type FrameSink interface {
	Attach(b *frame.Buffer)
	Detach()
}

// Notifier receives lifecycle events.
type Notifier interface {
	Broadcast(ev extension.Event)
}

// Options configures a Looper.
type Options struct {
	Foreground   Foreground
	Profiles     ProfileLookup
	Names        NameResolver
	Frequencies  FrequencyResetter
	Scheduler    Scheduler
	Targeter     Targeter
	Sensor       FrameSink
	Cleaner      Cleaner
	Notifier     Notifier
	FrameWindows uint32
	MinSamples   int
	Clock        clock.WithTicker
	Recorder     *metrics.Recorder
	Logger       *slog.Logger
}

// Status is a point-in-time view of the looper for readers outside the
// control goroutine.
type Status struct {
	State     string    `json:"state"`
	PID       int       `json:"pid,omitempty"`
	Package   string    `json:"package,omitempty"`
	TargetFPS uint32    `json:"target_fps,omitempty"`
	Buffer    string    `json:"buffer,omitempty"`
	FPS       float64   `json:"fps"`
	Steering  bool      `json:"steering"`
	Since     time.Time `json:"since"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Looper owns the monitored buffer and the lifecycle state. All methods
// except Status must be called from one goroutine.
type Looper struct {
	opts   Options
	clock  clock.WithTicker
	logger *slog.Logger

	state       State
	since       time.Time
	activatedAt time.Time
	buffer      *frame.Buffer
	steering    bool
	failedPID   int
	names       map[int]string

	status atomic.Pointer[Status]
}

// New validates options and returns a looper in NotWorking.
func New(opts Options) (*Looper, error) {
	switch {
	case opts.Foreground == nil:
		return nil, errors.New("looper: foreground source is required")
	case opts.Profiles == nil:
		return nil, errors.New("looper: profile lookup is required")
	case opts.Names == nil:
		return nil, errors.New("looper: name resolver is required")
	case opts.Frequencies == nil:
		return nil, errors.New("looper: frequency controller is required")
	}
	if opts.FrameWindows == 0 {
		opts.FrameWindows = frame.DefaultFrameWindows
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	l := &Looper{
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "looper"),
		state:  NotWorking,
		since:  opts.Clock.Now(),
		names:  make(map[int]string),
	}
	l.publish()
	return l, nil
}

// State returns the lifecycle state.
func (l *Looper) State() State {
	return l.state
}

// Buffer returns the active buffer, if any.
func (l *Looper) Buffer() *frame.Buffer {
	return l.buffer
}

// Status returns the last published snapshot. Safe for concurrent use.
func (l *Looper) Status() Status {
	return *l.status.Load()
}

// RetainTopapp drops the buffer when its process left the foreground and then
// enables or disables steering depending on whether a buffer remains.
func (l *Looper) RetainTopapp() {
	for pid := range l.names {
		if !l.opts.Foreground.IsTopapp(pid) {
			delete(l.names, pid)
		}
	}
	if l.failedPID != 0 && !l.opts.Foreground.IsTopapp(l.failedPID) {
		l.failedPID = 0
	}

	if l.buffer != nil && !l.opts.Foreground.IsTopapp(l.buffer.PID) {
		l.unloadBuffer()
	}

	if l.buffer == nil || l.buffer.PID == l.failedPID {
		l.DisableFas()
		return
	}
	l.EnableFas()
}

// DisableFas leaves steering. From Working it restores cleanup knobs and
// default frequencies and announces the stop; from Waiting it is silent.
func (l *Looper) DisableFas() {
	switch l.state {
	case Working:
		l.stopSteering()
		if l.opts.Cleaner != nil {
			if err := l.opts.Cleaner.UndoCleanup(); err != nil {
				l.logger.Warn("undo cleanup failed", "err", err)
			}
		}
		l.opts.Frequencies.ResetToDefault()
		l.notify(extension.Event{Kind: extension.StopFas})
		l.setState(NotWorking)
	case Waiting:
		l.setState(NotWorking)
	case NotWorking:
	}
}

// EnableFas moves towards Working. Entering Waiting announces the start;
// Working is reached on the first call after SettleDelay has elapsed.
func (l *Looper) EnableFas() {
	switch l.state {
	case NotWorking:
		l.activatedAt = l.clock.Now()
		l.setState(Waiting)
		l.notify(extension.Event{Kind: extension.StartFas})
	case Waiting:
		if l.clock.Since(l.activatedAt) <= SettleDelay {
			return
		}
		if l.opts.Cleaner != nil {
			if err := l.opts.Cleaner.Cleanup(); err != nil {
				l.logger.Warn("cleanup failed", "err", err)
			}
		}
		l.opts.Frequencies.ResetToMax()
		l.setState(Working)
	case Working:
	}
}

// BufferUpdate feeds one frame event. The boolean is false when the event was
// not actionable: the process is not foreground, the frame time is zero, or
// the process is not monitored.
func (l *Looper) BufferUpdate(ev frame.Event) (frame.BufferState, bool) {
	if ev.Frametime <= 0 || !l.opts.Foreground.IsTopapp(ev.PID) {
		return frame.Unusable, false
	}

	if l.buffer != nil {
		if l.buffer.PID != ev.PID {
			return frame.Unusable, false
		}
		l.buffer.PushFrametime(ev.Frametime)
		return l.buffer.State(), true
	}

	pkg, ok := l.packageOf(ev.PID)
	if !ok {
		return frame.Unusable, false
	}
	targetFPS, ok := l.opts.Profiles.TargetFPS(pkg)
	if !ok {
		return frame.Unusable, false
	}

	buffer := frame.NewBuffer(ev.PID, pkg, targetFPS, frame.BufferOptions{
		Span:       time.Duration(l.opts.FrameWindows) * frame.FrameBudget,
		MinSamples: l.opts.MinSamples,
		Clock:      l.clock,
	})
	l.notify(extension.Event{Kind: extension.LoadFas, PID: ev.PID, Package: pkg})
	buffer.PushFrametime(ev.Frametime)
	l.buffer = buffer
	if l.opts.Sensor != nil {
		l.opts.Sensor.Attach(buffer)
	}
	l.logger.Info("monitoring process", "pid", ev.PID, "package", pkg, "target_fps", targetFPS)
	return frame.Unusable, true
}

// Tick runs one orchestration step.
func (l *Looper) Tick() {
	l.RetainTopapp()
	defer l.publish()

	if l.state != Working || l.buffer == nil || l.buffer.State() != frame.Usable {
		return
	}
	if l.opts.Scheduler == nil {
		return
	}

	if !l.steering {
		if l.opts.Targeter != nil {
			l.opts.Targeter.Target(l.buffer.PID, l.buffer.TargetFPS)
		}
		if _, err := l.opts.Scheduler.Activate(l.opts.FrameWindows); err != nil {
			l.activationFailed(err)
			return
		}
		l.steering = true
	}
	l.opts.Scheduler.Tick(l.buffer.TargetFPS)
}

// Run drives the looper from frame events and a fixed tick until ctx is
// canceled, then restores default frequencies.
func (l *Looper) Run(ctx context.Context, events <-chan frame.Event, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("looper: tick interval must be > 0")
	}

	ticker := l.clock.NewTicker(interval)
	defer ticker.Stop()

	l.logger.Info("control loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			l.logger.Info("control loop stopped", "reason", ctx.Err())
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			l.BufferUpdate(ev)
		case <-ticker.C():
			l.Tick()
		}
	}
}

func (l *Looper) shutdown() {
	if l.buffer != nil {
		l.unloadBuffer()
	}
	l.DisableFas()
	l.publish()
}

func (l *Looper) activationFailed(err error) {
	l.logger.Error("activation failed", "pid", l.buffer.PID, "package", l.buffer.Package, "err", err)
	l.failedPID = l.buffer.PID
	l.DisableFas()
}

func (l *Looper) stopSteering() {
	if !l.steering {
		return
	}
	l.steering = false
	if l.opts.Scheduler == nil {
		return
	}
	if err := l.opts.Scheduler.Deactivate(); err != nil {
		l.logger.Warn("deactivation failed", "err", err)
	}
}

func (l *Looper) unloadBuffer() {
	buffer := l.buffer
	l.stopSteering()
	if l.opts.Sensor != nil {
		l.opts.Sensor.Detach()
	}
	l.buffer = nil
	l.notify(extension.Event{Kind: extension.UnloadFas, PID: buffer.PID, Package: buffer.Package})
	l.logger.Info("process left foreground", "pid", buffer.PID, "package", buffer.Package)
}

func (l *Looper) packageOf(pid int) (string, bool) {
	if pkg, ok := l.names[pid]; ok {
		return pkg, pkg != ""
	}
	pkg, err := l.opts.Names(context.Background(), pid)
	if err != nil {
		l.logger.Debug("process name unavailable", "pid", pid, "err", err)
	}
	// Cached until the pid leaves the foreground; empty marks a failed lookup.
	l.names[pid] = pkg
	return pkg, pkg != ""
}

func (l *Looper) setState(state State) {
	if state == l.state {
		return
	}
	l.logger.Info("state changed", "from", l.state, "to", state)
	l.state = state
	l.since = l.clock.Now()
	l.opts.Recorder.ObserveState(int(state))
}

func (l *Looper) notify(ev extension.Event) {
	if l.opts.Notifier != nil {
		l.opts.Notifier.Broadcast(ev)
	}
}

func (l *Looper) publish() {
	status := &Status{
		State:     l.state.String(),
		Steering:  l.steering,
		Since:     l.since,
		UpdatedAt: l.clock.Now(),
	}
	if l.buffer != nil {
		status.PID = l.buffer.PID
		status.Package = l.buffer.Package
		status.TargetFPS = l.buffer.TargetFPS
		status.Buffer = l.buffer.State().String()
		status.FPS = l.buffer.FPS()
	}
	l.status.Store(status)
}

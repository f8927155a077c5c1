package looper

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	testingclock "k8s.io/utils/clock/testing"

	"github.com/skobkin/fasd/internal/extension"
	"github.com/skobkin/fasd/internal/frame"
)

type foregroundSet map[int]bool

func (f foregroundSet) IsTopapp(pid int) bool { return f[pid] }

type profiles map[string]uint32

func (p profiles) TargetFPS(pkg string) (uint32, bool) {
	fps, ok := p[pkg]
	return fps, ok
}

type fakeFrequencies struct {
	calls []string
}

func (f *fakeFrequencies) ResetToMax()     { f.calls = append(f.calls, "max") }
func (f *fakeFrequencies) ResetToDefault() { f.calls = append(f.calls, "default") }

type fakeCleaner struct {
	cleanups, undos int
}

func (c *fakeCleaner) Cleanup() error     { c.cleanups++; return nil }
func (c *fakeCleaner) UndoCleanup() error { c.undos++; return nil }

type fakeScheduler struct {
	activateErr error
	activations []uint32
	deactivated int
	ticks       []uint32
}

func (s *fakeScheduler) Activate(frameWindows uint32) (time.Duration, error) {
	s.activations = append(s.activations, frameWindows)
	if s.activateErr != nil {
		return 0, s.activateErr
	}
	return time.Duration(frameWindows) * frame.FrameBudget, nil
}

func (s *fakeScheduler) Deactivate() error {
	s.deactivated++
	return nil
}

func (s *fakeScheduler) Tick(targetFPS uint32) {
	s.ticks = append(s.ticks, targetFPS)
}

type fakeTargeter struct {
	pid int
	fps uint32
}

func (t *fakeTargeter) Target(pid int, fps uint32) {
	t.pid, t.fps = pid, fps
}

type eventLog struct {
	events []extension.Event
}

func (l *eventLog) Broadcast(ev extension.Event) {
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []extension.Kind {
	kinds := make([]extension.Kind, 0, len(l.events))
	for _, ev := range l.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

type harness struct {
	looper     *Looper
	clock      *testingclock.FakeClock
	foreground foregroundSet
	freqs      *fakeFrequencies
	cleaner    *fakeCleaner
	scheduler  *fakeScheduler
	targeter   *fakeTargeter
	events     *eventLog
}

func newHarness(t *testing.T, tune ...func(*Options)) *harness {
	t.Helper()

	h := &harness{
		clock:      testingclock.NewFakeClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
		foreground: foregroundSet{},
		freqs:      &fakeFrequencies{},
		cleaner:    &fakeCleaner{},
		scheduler:  &fakeScheduler{},
		targeter:   &fakeTargeter{},
		events:     &eventLog{},
	}
	names := map[int]string{100: "com.example.game", 200: "com.example.browser"}

	opts := Options{
		Foreground: h.foreground,
		Profiles:   profiles{"com.example.game": 60},
		Names: func(_ context.Context, pid int) (string, error) {
			if name, ok := names[pid]; ok {
				return name, nil
			}
			return "", errors.New("no such process")
		},
		Frequencies:  h.freqs,
		Scheduler:    h.scheduler,
		Targeter:     h.targeter,
		Cleaner:      h.cleaner,
		Notifier:     h.events,
		FrameWindows: 10,
		MinSamples:   3,
		Clock:        h.clock,
	}
	for _, fn := range tune {
		fn(&opts)
	}

	l, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.looper = l
	return h
}

func (h *harness) feed(pid, n int) {
	for i := 0; i < n; i++ {
		h.clock.Step(16 * time.Millisecond)
		h.looper.BufferUpdate(frame.Event{PID: pid, Frametime: 16 * time.Millisecond})
	}
}

func TestEnableFasWaitsForSettleDelay(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.looper.EnableFas()
	if h.looper.State() != Waiting {
		t.Fatalf("state = %s, want waiting", h.looper.State())
	}
	if len(h.freqs.calls) != 0 {
		t.Fatalf("frequencies changed while settling: %v", h.freqs.calls)
	}
	if !slices.Equal(h.events.kinds(), []extension.Kind{extension.StartFas}) {
		t.Fatalf("events = %v", h.events.kinds())
	}

	h.clock.Step(SettleDelay)
	h.looper.EnableFas()
	if h.looper.State() != Waiting || len(h.freqs.calls) != 0 {
		t.Fatalf("left Waiting before the delay was exceeded")
	}

	h.clock.Step(time.Millisecond)
	h.looper.EnableFas()
	if h.looper.State() != Working {
		t.Fatalf("state = %s, want working", h.looper.State())
	}
	if !slices.Equal(h.freqs.calls, []string{"max"}) || h.cleaner.cleanups != 1 {
		t.Fatalf("expected one reset to max and cleanup, got %v / %d", h.freqs.calls, h.cleaner.cleanups)
	}

	h.looper.EnableFas()
	if len(h.freqs.calls) != 1 || len(h.events.events) != 1 {
		t.Fatalf("Working -> Working must be a no-op")
	}
}

func TestDisableFasTransitions(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.looper.DisableFas()
	h.looper.DisableFas()
	if len(h.events.events) != 0 || len(h.freqs.calls) != 0 {
		t.Fatalf("NotWorking -> NotWorking must be silent: %v %v", h.events.kinds(), h.freqs.calls)
	}

	h.looper.EnableFas()
	h.looper.DisableFas()
	if h.looper.State() != NotWorking {
		t.Fatalf("state = %s", h.looper.State())
	}
	if !slices.Equal(h.events.kinds(), []extension.Kind{extension.StartFas}) || len(h.freqs.calls) != 0 {
		t.Fatalf("Waiting -> NotWorking must be silent: %v %v", h.events.kinds(), h.freqs.calls)
	}

	h.looper.EnableFas()
	h.clock.Step(SettleDelay + time.Millisecond)
	h.looper.EnableFas()
	h.looper.DisableFas()

	if h.looper.State() != NotWorking {
		t.Fatalf("state = %s", h.looper.State())
	}
	if !slices.Equal(h.freqs.calls, []string{"max", "default"}) {
		t.Fatalf("frequency calls = %v", h.freqs.calls)
	}
	if h.cleaner.undos != 1 {
		t.Fatalf("cleanup not undone")
	}
	want := []extension.Kind{extension.StartFas, extension.StartFas, extension.StopFas}
	if !slices.Equal(h.events.kinds(), want) {
		t.Fatalf("events = %v, want %v", h.events.kinds(), want)
	}
}

func TestBufferUpdateIgnoresNonForeground(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	if _, ok := h.looper.BufferUpdate(frame.Event{PID: 100, Frametime: 16 * time.Millisecond}); ok {
		t.Fatalf("event for background pid must not be actionable")
	}
	if h.looper.Buffer() != nil {
		t.Fatalf("buffer created for background pid")
	}

	h.foreground[100] = true
	if _, ok := h.looper.BufferUpdate(frame.Event{PID: 100}); ok {
		t.Fatalf("zero frame time must not be actionable")
	}

	h.foreground[200] = true
	if _, ok := h.looper.BufferUpdate(frame.Event{PID: 200, Frametime: 16 * time.Millisecond}); ok {
		t.Fatalf("package without target fps must not be monitored")
	}
	h.foreground[300] = true
	if _, ok := h.looper.BufferUpdate(frame.Event{PID: 300, Frametime: 16 * time.Millisecond}); ok {
		t.Fatalf("unresolvable pid must not be monitored")
	}
	if h.looper.Buffer() != nil || len(h.events.events) != 0 {
		t.Fatalf("unexpected side effects: %v", h.events.kinds())
	}
}

func TestBufferUpdateCreatesSingleBuffer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.foreground[100] = true

	state, ok := h.looper.BufferUpdate(frame.Event{PID: 100, Frametime: 16 * time.Millisecond})
	if !ok || state != frame.Unusable {
		t.Fatalf("first event = %s, %v", state, ok)
	}
	buffer := h.looper.Buffer()
	if buffer == nil || buffer.Package != "com.example.game" || buffer.TargetFPS != 60 {
		t.Fatalf("unexpected buffer %+v", buffer)
	}
	if len(h.events.events) != 1 || h.events.events[0] != (extension.Event{Kind: extension.LoadFas, PID: 100, Package: "com.example.game"}) {
		t.Fatalf("events = %+v", h.events.events)
	}

	h.feed(100, 2)
	if buffer.State() != frame.Usable {
		t.Fatalf("buffer should be usable after min samples")
	}

	h.foreground[101] = true
	if _, ok := h.looper.BufferUpdate(frame.Event{PID: 101, Frametime: 16 * time.Millisecond}); ok {
		t.Fatalf("second process must not get a buffer")
	}
	if h.looper.Buffer() != buffer {
		t.Fatalf("active buffer replaced")
	}
}

func TestRetainTopappUnloadsBuffer(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.foreground[100] = true
	h.feed(100, 1)

	h.looper.RetainTopapp()
	if h.looper.State() != Waiting {
		t.Fatalf("state = %s, want waiting", h.looper.State())
	}

	delete(h.foreground, 100)
	h.looper.RetainTopapp()
	if h.looper.Buffer() != nil {
		t.Fatalf("buffer should be dropped")
	}
	if h.looper.State() != NotWorking {
		t.Fatalf("state = %s, want not_working", h.looper.State())
	}
	want := []extension.Kind{extension.LoadFas, extension.StartFas, extension.UnloadFas}
	if !slices.Equal(h.events.kinds(), want) {
		t.Fatalf("events = %v, want %v", h.events.kinds(), want)
	}
}

func TestTickActivatesSchedulerOnceUsable(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.foreground[100] = true
	h.feed(100, 1)

	h.looper.Tick()
	h.clock.Step(SettleDelay + time.Millisecond)
	h.looper.Tick()
	if h.looper.State() != Working {
		t.Fatalf("state = %s, want working", h.looper.State())
	}
	if len(h.scheduler.activations) != 0 {
		t.Fatalf("scheduler activated on an unusable buffer")
	}

	h.feed(100, 3)
	h.looper.Tick()
	h.looper.Tick()

	if !slices.Equal(h.scheduler.activations, []uint32{10}) {
		t.Fatalf("activations = %v", h.scheduler.activations)
	}
	if h.targeter.pid != 100 || h.targeter.fps != 60 {
		t.Fatalf("targeter = %+v", h.targeter)
	}
	if !slices.Equal(h.scheduler.ticks, []uint32{60, 60}) {
		t.Fatalf("ticks = %v", h.scheduler.ticks)
	}

	status := h.looper.Status()
	if status.State != "working" || !status.Steering || status.PID != 100 || status.Buffer != "usable" {
		t.Fatalf("unexpected status %+v", status)
	}

	delete(h.foreground, 100)
	h.looper.Tick()
	if h.scheduler.deactivated != 1 {
		t.Fatalf("scheduler not deactivated when the process left")
	}
	if h.looper.Status().State != "not_working" {
		t.Fatalf("status not refreshed: %+v", h.looper.Status())
	}
}

func TestTickSteersAtTwentyFPS(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) { o.MinSamples = 0 })
	h.foreground[100] = true

	for i := 0; i < 200; i++ {
		h.clock.Step(50 * time.Millisecond)
		h.looper.BufferUpdate(frame.Event{PID: 100, Frametime: 50 * time.Millisecond})
		h.looper.Tick()
	}

	if h.looper.State() != Working {
		t.Fatalf("state = %s, want working", h.looper.State())
	}
	if h.looper.Buffer().State() != frame.Usable {
		t.Fatalf("buffer stayed unusable at 20 fps")
	}
	if len(h.scheduler.activations) != 1 || len(h.scheduler.ticks) == 0 {
		t.Fatalf("activations = %v, ticks = %d", h.scheduler.activations, len(h.scheduler.ticks))
	}
}

func TestBufferUpdateReportsUnusableOnCreation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(o *Options) { o.MinSamples = 1 })
	h.foreground[100] = true

	state, ok := h.looper.BufferUpdate(frame.Event{PID: 100, Frametime: 16 * time.Millisecond})
	if !ok || state != frame.Unusable {
		t.Fatalf("creating event = %s, %v", state, ok)
	}
	state, ok = h.looper.BufferUpdate(frame.Event{PID: 100, Frametime: 16 * time.Millisecond})
	if !ok || state != frame.Usable {
		t.Fatalf("second event = %s, %v", state, ok)
	}
}

func TestActivationFailureLeavesNotWorking(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.scheduler.activateErr = errors.New("sensor unavailable")
	h.foreground[100] = true
	h.feed(100, 3)

	h.looper.Tick()
	h.clock.Step(SettleDelay + time.Millisecond)
	h.looper.Tick()

	if h.looper.State() != NotWorking {
		t.Fatalf("state = %s, want not_working", h.looper.State())
	}
	if !slices.Equal(h.freqs.calls, []string{"max", "default"}) {
		t.Fatalf("frequency calls = %v", h.freqs.calls)
	}

	h.clock.Step(SettleDelay + time.Millisecond)
	h.looper.Tick()
	h.looper.Tick()
	if h.looper.State() != NotWorking || len(h.scheduler.activations) != 1 {
		t.Fatalf("failed process must not be retried: state %s, activations %v", h.looper.State(), h.scheduler.activations)
	}
}

func TestRunShutdownRestoresDefaults(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.foreground[100] = true

	events := make(chan frame.Event)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.looper.Run(ctx, events, 50*time.Millisecond) }()

	events <- frame.Event{PID: 100, Frametime: 16 * time.Millisecond}
	events <- frame.Event{PID: 100, Frametime: 16 * time.Millisecond}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop")
	}

	if h.looper.Buffer() != nil {
		t.Fatalf("buffer should be released on shutdown")
	}
	want := []extension.Kind{extension.LoadFas, extension.UnloadFas}
	if !slices.Equal(h.events.kinds(), want) {
		t.Fatalf("events = %v, want %v", h.events.kinds(), want)
	}
	if h.looper.Status().State != "not_working" {
		t.Fatalf("status = %+v", h.looper.Status())
	}
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected error for empty options")
	}
}

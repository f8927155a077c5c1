package cpufreq

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/skobkin/fasd/internal/extension"
	"github.com/skobkin/fasd/internal/metrics"
)

// baseStep is the frequency change in kHz for a control signal of 1.0.
const baseStep = 600_000

const writeErrorLogInterval = 5 * time.Second

// Notifier receives lifecycle milestones ahead of hardware writes.
type Notifier interface {
	Broadcast(ev extension.Event)
}

// Options configures a Controller.
type Options struct {
	Policies []Policy
	Writer   FreqWriter
	Weights  *WeightCalculator
	Table    *Table
	Notifier Notifier
	Recorder *metrics.Recorder
	Logger   *slog.Logger
}

// Controller owns the requested frequency and distributes it over policies.
// Every policy keeps its own target; a control step moves each target by the
// step scaled with the policy weight. Mutating methods must be called from
// the control loop only.
type Controller struct {
	policies []Policy
	minFreq  int64
	maxFreq  int64
	writer   FreqWriter
	weights  *WeightCalculator
	table    *Table
	notifier Notifier
	recorder *metrics.Recorder
	logger   *slog.Logger
	limiters map[int]*rate.Limiter
	targets  map[int]int64

	requested atomic.Int64
}

// NewController validates options and derives the global frequency range.
func NewController(opts Options) (*Controller, error) {
	if len(opts.Policies) == 0 {
		return nil, errors.New("cpufreq: no policies")
	}
	if opts.Writer == nil {
		return nil, errors.New("cpufreq: writer is required")
	}
	if opts.Weights == nil {
		opts.Weights = NewWeightCalculator(nil, 0, nil)
	}
	if opts.Table == nil {
		opts.Table = NewTable(opts.Policies)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Controller{
		policies: opts.Policies,
		minFreq:  math.MaxInt64,
		maxFreq:  math.MinInt64,
		writer:   opts.Writer,
		weights:  opts.Weights,
		table:    opts.Table,
		notifier: opts.Notifier,
		recorder: opts.Recorder,
		logger:   opts.Logger,
		limiters: make(map[int]*rate.Limiter, len(opts.Policies)),
		targets:  make(map[int]int64, len(opts.Policies)),
	}
	for _, p := range opts.Policies {
		c.minFreq = min(c.minFreq, p.Min())
		c.maxFreq = max(c.maxFreq, p.Max())
		c.limiters[p.ID] = rate.NewLimiter(rate.Every(writeErrorLogInterval), 1)
		c.targets[p.ID] = p.Max()
	}
	c.requested.Store(c.maxFreq)
	c.recorder.ObserveRequested(c.maxFreq)
	return c, nil
}

// ResetToMax lifts every policy to its maximum.
func (c *Controller) ResetToMax() {
	c.weights.Clear()
	c.requested.Store(c.maxFreq)
	c.recorder.ObserveRequested(c.maxFreq)
	c.notify(extension.Event{Kind: extension.InitCpuFreq})

	for _, p := range c.policies {
		c.targets[p.ID] = p.Max()
		c.writeMax(p, p.Max(), 1)
	}
}

// ResetToDefault restores the limits found at discovery on every policy.
func (c *Controller) ResetToDefault() {
	c.weights.Clear()
	c.requested.Store(c.maxFreq)
	c.recorder.ObserveRequested(c.maxFreq)
	c.notify(extension.Event{Kind: extension.ResetCpuFreq})

	for _, p := range c.policies {
		c.targets[p.ID] = p.Max()
		if err := c.writer.ResetFreq(p); err != nil {
			c.writeFailed(p, err)
			continue
		}
		c.table.record(p.ID, p.DefaultMax, 1)
		c.recorder.ObservePolicy(p.ID, p.DefaultMax, 1)
	}
}

// Update moves the requested frequency by factor base steps. Each policy
// target moves by the same step times its weight, so an idle cluster still
// reaches its maximum under sustained jank, only more slowly.
func (c *Controller) Update(pid int, factor float64) {
	delta := baseStep * factor
	requested := stepFreq(c.requested.Load(), delta, c.minFreq, c.maxFreq)
	c.requested.Store(requested)
	c.recorder.ObserveRequested(requested)

	c.logger.Debug("frequency update", "pid", pid, "factor", factor, "requested_khz", requested)

	weights := c.weights.Update(pid, c.policies)
	for _, p := range c.policies {
		weight := weights.Weight(p.ID)
		target := stepFreq(c.targets[p.ID], delta*weight, p.Min(), p.Max())
		c.targets[p.ID] = target
		c.writeMax(p, target, weight)
	}
}

func stepFreq(current int64, delta float64, lo, hi int64) int64 {
	next := float64(current) + delta
	switch {
	case math.IsNaN(next):
		return current
	case next < float64(lo):
		return lo
	case next > float64(hi):
		return hi
	}
	return int64(next)
}

// Requested returns the current requested frequency in kHz.
func (c *Controller) Requested() int64 {
	return c.requested.Load()
}

// Range returns the global frequency bounds.
func (c *Controller) Range() (minFreq, maxFreq int64) {
	return c.minFreq, c.maxFreq
}

// Table returns the shared per-policy state.
func (c *Controller) Table() *Table {
	return c.table
}

func (c *Controller) writeMax(p Policy, target int64, weight float64) {
	target += c.table.Offset(p.ID)
	khz := p.Snap(max(target, p.Min()))
	if err := c.writer.WriteMaxFreq(p, khz); err != nil {
		c.writeFailed(p, err)
		return
	}
	c.table.record(p.ID, khz, weight)
	c.recorder.ObservePolicy(p.ID, khz, weight)
}

func (c *Controller) writeFailed(p Policy, err error) {
	c.recorder.ObserveWriteError(p.ID)
	if c.limiters[p.ID].Allow() {
		c.logger.Error("cpufreq write failed", "policy", p.Name, "err", err)
	}
}

func (c *Controller) notify(ev extension.Event) {
	if c.notifier != nil {
		c.notifier.Broadcast(ev)
	}
}

// ScaleFactor converts the error between the observed frame time and the
// target frame time into a control signal. Slow frames yield a positive
// factor. The error is scaled by 120/targetFPS so low frame rate targets
// react more strongly to the same relative error.
func ScaleFactor(targetFPS uint32, frame, target time.Duration) float64 {
	if targetFPS == 0 || target <= 0 {
		return 0
	}
	gain := 120 / float64(targetFPS)
	if frame > target {
		return float64(frame-target) / float64(target) * gain
	}
	return -float64(target-frame) / float64(target) * gain
}

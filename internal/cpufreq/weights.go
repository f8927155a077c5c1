package cpufreq

import (
	"io"
	"log/slog"
)

const defaultWeightRefresh = 10

// LoadSource reports CPU time consumed by a process's threads per logical
// CPU since the previous call.
type LoadSource interface {
	CPULoad(pid int) (map[int]uint64, error)
}

// Weights maps policy id to its weight multiplier.
type Weights map[int]float64

// Weight returns the weight for a policy, 1.0 when unknown.
func (w Weights) Weight(policyID int) float64 {
	if value, ok := w[policyID]; ok && value > 0 {
		return value
	}
	return 1
}

// WeightCalculator estimates how much each policy matters to the monitored
// process. Estimates are refreshed every refreshEvery updates.
type WeightCalculator struct {
	source       LoadSource
	refreshEvery int
	logger       *slog.Logger

	pid     int
	ticks   int
	weights Weights
}

// NewWeightCalculator builds a calculator. A nil source yields equal weights.
func NewWeightCalculator(source LoadSource, refreshEvery int, logger *slog.Logger) *WeightCalculator {
	if refreshEvery <= 0 {
		refreshEvery = defaultWeightRefresh
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &WeightCalculator{
		source:       source,
		refreshEvery: refreshEvery,
		logger:       logger,
	}
}

// Update returns the current weights for pid, recomputing them on cadence.
func (c *WeightCalculator) Update(pid int, policies []Policy) Weights {
	if pid != c.pid {
		c.Clear()
		c.pid = pid
	}
	if c.ticks%c.refreshEvery == 0 {
		c.refresh(policies)
	}
	c.ticks++
	return c.weights
}

// Clear drops accumulated state so the next update recomputes from scratch.
func (c *WeightCalculator) Clear() {
	c.pid = 0
	c.ticks = 0
	c.weights = nil
}

func (c *WeightCalculator) refresh(policies []Policy) {
	if c.source == nil || c.pid <= 0 || len(policies) == 0 {
		return
	}

	load, err := c.source.CPULoad(c.pid)
	if err != nil {
		c.logger.Debug("thread load unavailable", "pid", c.pid, "err", err)
		return
	}

	perPolicy := make(map[int]uint64, len(policies))
	var total uint64
	for cpu, ticks := range load {
		for _, p := range policies {
			if p.Contains(cpu) {
				perPolicy[p.ID] += ticks
				total += ticks
				break
			}
		}
	}
	if total == 0 {
		return
	}

	// Equal shares map to 1.0; a policy carrying all the load gets 2-1/n.
	mean := 1 / float64(len(policies))
	weights := make(Weights, len(policies))
	for _, p := range policies {
		share := float64(perPolicy[p.ID]) / float64(total)
		weights[p.ID] = 1 + share - mean
	}
	c.weights = weights
}

package cpufreq

import (
	"errors"
	"math"
	"sync/atomic"
)

// ErrUnknownPolicy is returned for policy ids that were not discovered.
var ErrUnknownPolicy = errors.New("cpufreq: unknown policy")

// Table holds per-policy runtime values shared between the control loop and
// readers such as the status API. The key set is fixed at construction.
type Table struct {
	entries map[int]*tableEntry
}

type tableEntry struct {
	offset  atomic.Int64
	current atomic.Int64
	weight  atomic.Uint64
}

// NewTable creates entries for every policy.
func NewTable(policies []Policy) *Table {
	t := &Table{entries: make(map[int]*tableEntry, len(policies))}
	for _, p := range policies {
		entry := &tableEntry{}
		entry.current.Store(p.DefaultMax)
		entry.weight.Store(math.Float64bits(1))
		t.entries[p.ID] = entry
	}
	return t
}

// Offset returns the signed kHz offset added to writes for the policy.
func (t *Table) Offset(id int) int64 {
	if entry, ok := t.entries[id]; ok {
		return entry.offset.Load()
	}
	return 0
}

// SetOffset updates the policy offset.
func (t *Table) SetOffset(id int, khz int64) error {
	entry, ok := t.entries[id]
	if !ok {
		return ErrUnknownPolicy
	}
	entry.offset.Store(khz)
	return nil
}

// Current returns the last frequency limit written to the policy.
func (t *Table) Current(id int) int64 {
	if entry, ok := t.entries[id]; ok {
		return entry.current.Load()
	}
	return 0
}

// Weight returns the last weight applied to the policy.
func (t *Table) Weight(id int) float64 {
	if entry, ok := t.entries[id]; ok {
		return math.Float64frombits(entry.weight.Load())
	}
	return 1
}

func (t *Table) record(id int, khz int64, weight float64) {
	if entry, ok := t.entries[id]; ok {
		entry.current.Store(khz)
		entry.weight.Store(math.Float64bits(weight))
	}
}

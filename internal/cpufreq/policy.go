package cpufreq

import "slices"

// Policy describes one cpufreq policy (a CPU cluster sharing a clock).
type Policy struct {
	ID    int     `json:"id"`
	Name  string  `json:"name"`
	CPUs  []int   `json:"cpus"`
	Freqs []int64 `json:"freqs_khz"`

	// DefaultMin and DefaultMax are the scaling limits found at discovery.
	DefaultMin int64 `json:"default_min_khz"`
	DefaultMax int64 `json:"default_max_khz"`
}

// Min returns the lowest supported frequency.
func (p Policy) Min() int64 {
	if len(p.Freqs) == 0 {
		return 0
	}
	return p.Freqs[0]
}

// Max returns the highest supported frequency.
func (p Policy) Max() int64 {
	if len(p.Freqs) == 0 {
		return 0
	}
	return p.Freqs[len(p.Freqs)-1]
}

// Snap returns the lowest supported step at or above target, bounded to the
// policy range.
func (p Policy) Snap(target int64) int64 {
	if len(p.Freqs) == 0 {
		return target
	}
	idx, _ := slices.BinarySearch(p.Freqs, target)
	if idx >= len(p.Freqs) {
		return p.Max()
	}
	return p.Freqs[idx]
}

// Contains reports whether cpu belongs to the policy.
func (p Policy) Contains(cpu int) bool {
	return slices.Contains(p.CPUs, cpu)
}

func normalizeFreqs(freqs []int64) []int64 {
	out := make([]int64, 0, len(freqs))
	for _, f := range freqs {
		if f > 0 {
			out = append(out, f)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

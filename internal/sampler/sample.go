package sampler

import "time"

// Sample is one reading of every cpufreq policy.
type Sample struct {
	Timestamp time.Time      `json:"ts"`
	Policies  []PolicySample `json:"policies"`
}

// PolicySample holds the frequencies observed on a policy. Pointer fields
// serialize as null when the node could not be read.
type PolicySample struct {
	ID       int    `json:"id"`
	CurKHz   *int64 `json:"cur_khz"`
	LimitKHz *int64 `json:"limit_khz"`
}

package frame

import "time"

const (
	// fpsSlack is the aggregate frame rate band below target that still counts as smooth.
	fpsSlack = 3
	// Per-frame tolerance is target frame time * spikeNum / spikeDen.
	spikeNum = 30
	spikeDen = 29
)

// IsJanking classifies a frame window against targetFPS. An empty window is
// treated as janking, as is an average frame rate at or below targetFPS-3 or
// any single frame slower than the target frame time by more than 1/29.
func IsJanking(frametimes []time.Duration, avgFPS float64, targetFPS uint32) bool {
	if len(frametimes) == 0 || targetFPS == 0 {
		return true
	}
	if avgFPS <= float64(targetFPS)-fpsSlack {
		return true
	}

	limit := TargetFrametime(targetFPS) * spikeNum / spikeDen
	for _, ft := range frametimes {
		if ft > limit {
			return true
		}
	}
	return false
}

// TargetFrametime returns the frame budget for targetFPS.
func TargetFrametime(targetFPS uint32) time.Duration {
	if targetFPS == 0 {
		return 0
	}
	return time.Second / time.Duration(targetFPS)
}

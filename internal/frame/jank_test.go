package frame

import (
	"testing"
	"time"
)

func TestIsJanking(t *testing.T) {
	t.Parallel()

	repeat := func(d time.Duration, n int) []time.Duration {
		out := make([]time.Duration, n)
		for i := range out {
			out[i] = d
		}
		return out
	}

	cases := []struct {
		name       string
		frametimes []time.Duration
		avgFPS     float64
		target     uint32
		want       bool
	}{
		{name: "empty window", frametimes: nil, avgFPS: 60, target: 60, want: true},
		{name: "smooth", frametimes: repeat(16*time.Millisecond, 10), avgFPS: 60, target: 60, want: false},
		{name: "fps inside slack band", frametimes: repeat(16*time.Millisecond, 10), avgFPS: 57.5, target: 60, want: false},
		{name: "fps at slack edge", frametimes: repeat(16*time.Millisecond, 10), avgFPS: 57, target: 60, want: true},
		{name: "single spike", frametimes: append(repeat(16*time.Millisecond, 9), 20*time.Millisecond), avgFPS: 58, target: 60, want: true},
		{name: "just under spike tolerance", frametimes: repeat(17*time.Millisecond, 10), avgFPS: 58.8, target: 60, want: false},
		{name: "zero target", frametimes: repeat(16*time.Millisecond, 10), avgFPS: 60, target: 0, want: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := IsJanking(tc.frametimes, tc.avgFPS, tc.target); got != tc.want {
				t.Fatalf("IsJanking() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsJankingSmoothWithinTolerance(t *testing.T) {
	t.Parallel()

	for _, target := range []uint32{30, 45, 60, 90, 120, 144} {
		limit := TargetFrametime(target) * 30 / 29
		frametimes := []time.Duration{limit, limit - time.Microsecond, TargetFrametime(target)}
		if IsJanking(frametimes, float64(target)-2.5, target) {
			t.Fatalf("target %d: frames within tolerance reported as jank", target)
		}
	}
}

func TestTargetFrametime(t *testing.T) {
	t.Parallel()

	if got := TargetFrametime(60); got != 16666666*time.Nanosecond {
		t.Fatalf("TargetFrametime(60) = %s", got)
	}
	if got := TargetFrametime(0); got != 0 {
		t.Fatalf("TargetFrametime(0) = %s", got)
	}
}

package frame

import "time"

// Window holds frame times observed within a sliding time span. Samples older
// than the span relative to the latest push or read are discarded.
type Window struct {
	span    time.Duration
	samples []sample
}

type sample struct {
	at        time.Time
	frametime time.Duration
}

// NewWindow creates an empty window covering span.
func NewWindow(span time.Duration) *Window {
	return &Window{span: span}
}

// SetSpan changes the covered span. Samples already trimmed are not restored.
func (w *Window) SetSpan(span time.Duration) {
	w.span = span
}

// Push appends a frame time observed at now and trims expired samples.
func (w *Window) Push(now time.Time, frametime time.Duration) {
	w.samples = append(w.samples, sample{at: now, frametime: frametime})
	w.trim(now)
}

// Frametimes returns the frame times still inside the window at now, oldest first.
func (w *Window) Frametimes(now time.Time) []time.Duration {
	w.trim(now)
	out := make([]time.Duration, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.frametime
	}
	return out
}

// FPS returns the average frame rate over the samples inside the window at now.
func (w *Window) FPS(now time.Time) float64 {
	w.trim(now)
	if len(w.samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range w.samples {
		total += s.frametime
	}
	if total <= 0 {
		return 0
	}
	return float64(len(w.samples)) / total.Seconds()
}

// Last returns the most recent frame time.
func (w *Window) Last() (time.Duration, bool) {
	if len(w.samples) == 0 {
		return 0, false
	}
	return w.samples[len(w.samples)-1].frametime, true
}

func (w *Window) trim(now time.Time) {
	cutoff := now.Add(-w.span)
	drop := 0
	for drop < len(w.samples) && w.samples[drop].at.Before(cutoff) {
		drop++
	}
	if drop == 0 {
		return
	}
	w.samples = append(w.samples[:0], w.samples[drop:]...)
}

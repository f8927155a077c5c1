package frame

import (
	"errors"
	"time"
)

// ErrNoBuffer is returned when the sensor is resumed without a monitored process.
var ErrNoBuffer = errors.New("frame: no buffer attached")

// Sensor exposes the active Buffer as a pausable frame-timing source. It is
// owned by the control loop and is not safe for concurrent use.
type Sensor struct {
	buffer     *Buffer
	active     bool
	windowSize uint32
	horizon    time.Duration
}

// NewSensor returns a paused sensor with no buffer attached.
func NewSensor() *Sensor {
	return &Sensor{}
}

// Attach switches the sensor to a new buffer.
func (s *Sensor) Attach(b *Buffer) {
	s.buffer = b
	if s.active && s.horizon > 0 {
		b.SetSpan(s.horizon)
	}
}

// Detach drops the current buffer and pauses the sensor.
func (s *Sensor) Detach() {
	s.buffer = nil
	s.active = false
}

// Resume starts reporting frames over horizon, with windowSize frames as the
// lower bound of the effective window.
func (s *Sensor) Resume(windowSize uint32, horizon time.Duration) error {
	if s.buffer == nil {
		return ErrNoBuffer
	}
	if horizon <= 0 {
		return errors.New("frame: horizon must be > 0")
	}
	s.windowSize = windowSize
	s.horizon = horizon
	s.buffer.SetSpan(horizon)
	s.active = true
	return nil
}

// Pause stops reporting frames. Pausing a paused sensor is a no-op.
func (s *Sensor) Pause() error {
	s.active = false
	return nil
}

// Active reports whether the sensor is resumed.
func (s *Sensor) Active() bool {
	return s.active && s.buffer != nil
}

// Frametimes returns the frame times of the effective window. At low target
// frame rates the window is stretched so it still covers windowSize frames.
func (s *Sensor) Frametimes(targetFPS uint32) []time.Duration {
	if !s.Active() {
		return nil
	}
	span := s.horizon
	if budget := TargetFrametime(targetFPS); budget > 0 {
		if minSpan := time.Duration(s.windowSize) * budget; minSpan > span {
			span = minSpan
		}
	}
	s.buffer.SetSpan(span)
	return s.buffer.Frametimes()
}

// FPS returns the average frame rate of the effective window.
func (s *Sensor) FPS() float64 {
	if !s.Active() {
		return 0
	}
	return s.buffer.FPS()
}

// LastFrametime returns the newest frame time.
func (s *Sensor) LastFrametime() (time.Duration, bool) {
	if !s.Active() {
		return 0, false
	}
	return s.buffer.LastFrametime()
}

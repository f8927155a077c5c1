// Package api defines the JSON payloads served over HTTP and WebSocket.
package api

import (
	"time"

	"github.com/skobkin/fasd/internal/cpufreq"
	"github.com/skobkin/fasd/internal/extension"
	"github.com/skobkin/fasd/internal/looper"
	"github.com/skobkin/fasd/internal/sampler"
)

// HelloMessage is the initial payload sent on WebSocket connection.
type HelloMessage struct {
	Type       string           `json:"type"`
	IntervalMS int              `json:"interval_ms"`
	Policies   []cpufreq.Policy `json:"policies"`
	Status     looper.Status    `json:"status"`
}

// NewHelloMessage constructs a hello payload.
func NewHelloMessage(intervalMS int, policies []cpufreq.Policy, status looper.Status) HelloMessage {
	return HelloMessage{
		Type:       "hello",
		IntervalMS: intervalMS,
		Policies:   policies,
		Status:     status,
	}
}

// FrequencyMessage wraps a sampler snapshot for transport.
type FrequencyMessage struct {
	Type string `json:"type"`
	sampler.Sample
}

// NewFrequencyMessage constructs a frequency payload.
func NewFrequencyMessage(sample sampler.Sample) FrequencyMessage {
	return FrequencyMessage{
		Type:   "freq",
		Sample: sample,
	}
}

// EventMessage carries a lifecycle event.
type EventMessage struct {
	Type      string    `json:"type"`
	Event     string    `json:"event"`
	PID       int       `json:"pid,omitempty"`
	Package   string    `json:"package,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// NewEventMessage constructs an event payload.
func NewEventMessage(ev extension.Event, ts time.Time) EventMessage {
	return EventMessage{
		Type:      "event",
		Event:     ev.Kind.String(),
		PID:       ev.PID,
		Package:   ev.Package,
		Timestamp: ts.UTC(),
	}
}

// StatusResponse is served on /api/status.
type StatusResponse struct {
	looper.Status
	RequestedKHz int64 `json:"requested_khz"`
	MinKHz       int64 `json:"min_khz"`
	MaxKHz       int64 `json:"max_khz"`
	Profiles     int   `json:"profiles"`
	KeepStd      bool  `json:"keep_std"`
	Foreground   []int `json:"foreground"`
}

// PolicyState is one entry of /api/policies.
type PolicyState struct {
	cpufreq.Policy
	LimitKHz  int64   `json:"limit_khz"`
	OffsetKHz int64   `json:"offset_khz"`
	Weight    float64 `json:"weight"`
	CurKHz    *int64  `json:"cur_khz"`
}

// OffsetRequest sets a policy frequency offset.
type OffsetRequest struct {
	OffsetKHz int64 `json:"offset_khz"`
}

// ErrorMessage communicates an error condition to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ClientMessage is a generic envelope used for decoding inbound client messages.
type ClientMessage struct {
	Type string `json:"type"`
}

// PongMessage is the response to a ping.
type PongMessage struct {
	Type string `json:"type"`
}

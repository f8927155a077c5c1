// Package extension broadcasts controller lifecycle events to registered listeners.
package extension

import (
	"fmt"
	"strconv"
)

// Kind enumerates lifecycle events.
type Kind int

const (
	InitCpuFreq Kind = iota
	ResetCpuFreq
	StartFas
	StopFas
	LoadFas
	UnloadFas
)

var kindNames = [...]string{
	InitCpuFreq:  "init_cpu_freq",
	ResetCpuFreq: "reset_cpu_freq",
	StartFas:     "start_fas",
	StopFas:      "stop_fas",
	LoadFas:      "load_fas",
	UnloadFas:    "unload_fas",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is a lifecycle milestone. PID and Package are set for LoadFas and UnloadFas.
type Event struct {
	Kind    Kind
	PID     int
	Package string
}

// APIVersion identifies the extension protocol a listener speaks.
type APIVersion int

const (
	V0 APIVersion = iota
	V1
	V2
)

func (v APIVersion) String() string {
	return "v" + strconv.Itoa(int(v))
}

// ParseAPIVersion accepts "v0".."v2" or bare digits.
func ParseAPIVersion(s string) (APIVersion, error) {
	if len(s) > 1 && (s[0] == 'v' || s[0] == 'V') {
		s = s[1:]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < int(V0) || n > int(V2) {
		return 0, fmt.Errorf("unsupported extension api version %q", s)
	}
	return APIVersion(n), nil
}

// Args renders the event as positional arguments for the given protocol
// version: v0 carries the event name only, v1 adds the pid and v2 the package.
func (e Event) Args(v APIVersion) []string {
	args := []string{e.Kind.String()}
	if e.PID <= 0 || v < V1 {
		return args
	}
	args = append(args, strconv.Itoa(e.PID))
	if v >= V2 && e.Package != "" {
		args = append(args, e.Package)
	}
	return args
}

package extension

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Hook runs an executable for every event, passing the event as arguments
// rendered for the hook's protocol version.
type Hook struct {
	path    string
	version APIVersion
}

// ParseHook parses "path" or "path@vN". Hooks without a version speak v2.
func ParseHook(spec string) (*Hook, error) {
	spec = strings.TrimSpace(spec)
	path, rawVersion, hasVersion := strings.Cut(spec, "@")
	if path == "" {
		return nil, fmt.Errorf("empty hook path in %q", spec)
	}
	version := V2
	if hasVersion {
		v, err := ParseAPIVersion(rawVersion)
		if err != nil {
			return nil, err
		}
		version = v
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat hook %s: %w", path, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return nil, fmt.Errorf("hook %s is not executable", path)
	}
	return &Hook{path: path, version: version}, nil
}

func (h *Hook) Name() string           { return filepath.Base(h.path) }
func (h *Hook) APIVersion() APIVersion { return h.version }

// Notify runs the hook and waits for it to exit or ctx to expire.
func (h *Hook) Notify(ctx context.Context, ev Event) error {
	cmd := exec.CommandContext(ctx, h.path, ev.Args(h.version)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("run %s: %w (output: %q)", h.path, err, strings.TrimSpace(string(out)))
	}
	return nil
}

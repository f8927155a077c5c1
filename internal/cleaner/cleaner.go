// Package cleaner overrides system knobs that fight frequency steering while
// the controller is active and restores them afterwards.
package cleaner

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Knob is a sysfs or procfs node and the value written while active.
type Knob struct {
	Path  string
	Value string
}

// ParseKnobs parses "path=value" pairs.
func ParseKnobs(specs []string) ([]Knob, error) {
	knobs := make([]Knob, 0, len(specs))
	for _, spec := range specs {
		path, value, ok := strings.Cut(strings.TrimSpace(spec), "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("invalid knob %q, expected path=value", spec)
		}
		knobs = append(knobs, Knob{Path: path, Value: value})
	}
	return knobs, nil
}

// Cleaner applies knobs and remembers the values it replaced.
type Cleaner struct {
	knobs  []Knob
	logger *slog.Logger

	mu    sync.Mutex
	saved map[string]string
}

// New builds a cleaner for knobs.
func New(knobs []Knob, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Cleaner{
		knobs:  knobs,
		logger: logger.With("component", "cleaner"),
	}
}

// Cleanup writes every knob. Calling it again before UndoCleanup is a no-op.
// Knobs that cannot be read or written are skipped.
func (c *Cleaner) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved != nil {
		return nil
	}

	c.saved = make(map[string]string, len(c.knobs))
	var errs []error
	for _, knob := range c.knobs {
		original, err := os.ReadFile(knob.Path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", knob.Path, err))
			continue
		}
		if err := writeKnob(knob.Path, knob.Value); err != nil {
			errs = append(errs, err)
			continue
		}
		c.saved[knob.Path] = strings.TrimSpace(string(original))
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("cleanup incomplete", "err", err)
		return err
	}
	c.logger.Debug("cleanup applied", "knobs", len(c.saved))
	return nil
}

// UndoCleanup restores the values saved by Cleanup.
func (c *Cleaner) UndoCleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved == nil {
		return nil
	}

	var errs []error
	for path, value := range c.saved {
		if err := writeKnob(path, value); err != nil {
			errs = append(errs, err)
		}
	}
	c.saved = nil
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("undo cleanup incomplete", "err", err)
		return err
	}
	return nil
}

func writeKnob(path, value string) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, closeErr)
		}
	}()
	if _, err := f.WriteString(value); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

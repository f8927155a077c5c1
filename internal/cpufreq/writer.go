package cpufreq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	writableMode os.FileMode = 0o644
	lockedMode   os.FileMode = 0o444
)

// FreqWriter applies frequency limits to a policy.
type FreqWriter interface {
	WriteMaxFreq(p Policy, khz int64) error
	ResetFreq(p Policy) error
}

// Writer writes cpufreq limits through a scoped handle per write. Steering
// writes leave the node read-only so other daemons cannot override it; resets
// hand the node back writable.
type Writer struct {
	root *os.Root
}

// NewWriter opens the cpufreq directory below sysfsRoot for writing.
func NewWriter(sysfsRoot string) (*Writer, error) {
	root, err := os.OpenRoot(filepath.Join(sysfsRoot, cpufreqPath))
	if err != nil {
		return nil, fmt.Errorf("open cpufreq root: %w", err)
	}
	return &Writer{root: root}, nil
}

// WriteMaxFreq caps the policy at khz.
func (w *Writer) WriteMaxFreq(p Policy, khz int64) error {
	return w.write(p, scalingMaxFile, khz, lockedMode)
}

// ResetFreq restores the limits found at discovery.
func (w *Writer) ResetFreq(p Policy) error {
	return errors.Join(
		w.write(p, scalingMaxFile, p.DefaultMax, writableMode),
		w.write(p, scalingMinFile, p.DefaultMin, writableMode),
	)
}

// Close releases the cpufreq directory handle.
func (w *Writer) Close() error {
	return w.root.Close()
}

func (w *Writer) write(p Policy, file string, khz int64, mode os.FileMode) (err error) {
	path := filepath.Join(p.Name, file)
	// Best effort: the node may already be writable or chmod may be refused.
	_ = w.root.Chmod(path, writableMode)
	defer func() {
		_ = w.root.Chmod(path, mode)
	}()

	f, err := w.root.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close %s: %w", path, closeErr)
		}
	}()

	if _, err := f.WriteString(strconv.FormatInt(khz, 10)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Package topapp tracks the set of processes currently in the foreground.
package topapp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Source lists foreground process ids.
type Source interface {
	PIDs(ctx context.Context) ([]int, error)
}

// CgroupSource reads pids from a cgroup.procs style file.
type CgroupSource struct {
	Path string
}

// PIDs parses one pid per line, skipping blank lines.
func (s CgroupSource) PIDs(context.Context) ([]int, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.Path, err)
	}
	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil || pid <= 0 {
			return nil, fmt.Errorf("parse pid %q", line)
		}
		pids = append(pids, pid)
	}
	return pids, scanner.Err()
}

// Watcher keeps a refreshed snapshot of foreground pids. Pids that no longer
// exist are dropped even if the source still lists them.
type Watcher struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger
	alive    func(ctx context.Context, pid int) bool

	mu      sync.RWMutex
	pids    sets.Set[int]
	updated time.Time
}

// NewWatcher builds a watcher polling source every interval.
func NewWatcher(source Source, interval time.Duration, logger *slog.Logger) (*Watcher, error) {
	if source == nil {
		return nil, fmt.Errorf("topapp source is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Watcher{
		source:   source,
		interval: interval,
		logger:   logger.With("component", "topapp"),
		alive:    pidExists,
		pids:     sets.New[int](),
	}, nil
}

// Run refreshes the snapshot until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	w.Refresh(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Refresh(ctx)
		}
	}
}

// Refresh reads the source once. On error the previous snapshot is kept.
func (w *Watcher) Refresh(ctx context.Context) {
	pids, err := w.source.PIDs(ctx)
	if err != nil {
		w.logger.Warn("foreground refresh failed", "err", err)
		return
	}

	next := sets.New[int]()
	for _, pid := range pids {
		if w.alive(ctx, pid) {
			next.Insert(pid)
		}
	}

	w.mu.Lock()
	changed := !next.Equal(w.pids)
	w.pids = next
	w.updated = time.Now()
	w.mu.Unlock()

	if changed {
		w.logger.Debug("foreground set changed", "pids", sets.List(next))
	}
}

// TopappPIDs returns a copy of the current foreground set.
func (w *Watcher) TopappPIDs() sets.Set[int] {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pids.Clone()
}

// IsTopapp reports whether pid is in the foreground set.
func (w *Watcher) IsTopapp(pid int) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.pids.Has(pid)
}

// Ready reports whether the source has been read successfully at least once.
func (w *Watcher) Ready() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return !w.updated.IsZero()
}

func pidExists(ctx context.Context, pid int) bool {
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// ProcessName resolves the package name of pid from its command line,
// falling back to the kernel task name.
func ProcessName(ctx context.Context, pid int) (string, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return "", fmt.Errorf("lookup process %d: %w", pid, err)
	}
	if cmdline, err := proc.CmdlineSliceWithContext(ctx); err == nil && len(cmdline) > 0 {
		if name := packageFromCmdline(cmdline[0]); name != "" {
			return name, nil
		}
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("read name of %d: %w", pid, err)
	}
	return name, nil
}

// packageFromCmdline strips the ":process" suffix Android adds to secondary
// processes of a package.
func packageFromCmdline(arg0 string) string {
	name, _, _ := strings.Cut(arg0, ":")
	if strings.Contains(name, "/") {
		name = filepath.Base(name)
	}
	return strings.TrimSpace(name)
}

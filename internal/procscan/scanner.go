// Package procscan reads per-thread CPU accounting from procfs.
package procscan

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/procfs"
)

// Thread is one task of a process as seen in /proc/<pid>/task.
type Thread struct {
	TID   int    `json:"tid"`
	Name  string `json:"name"`
	CPU   int    `json:"cpu"`
	Ticks uint64 `json:"ticks"`
}

// Scanner reports how much CPU time each logical CPU spent on a process's
// threads since the previous scan of the same process.
type Scanner struct {
	fs     procfs.FS
	logger *slog.Logger

	mu   sync.Mutex
	pid  int
	prev map[int]uint64
}

// NewScanner opens procfs mounted at procRoot.
func NewScanner(procRoot string, logger *slog.Logger) (*Scanner, error) {
	if procRoot == "" {
		procRoot = procfs.DefaultMountPoint
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &Scanner{
		fs:     fs,
		logger: logger,
		prev:   make(map[int]uint64),
	}, nil
}

// Threads lists the threads of pid with their cumulative user+system ticks.
// Threads that exit during the scan are skipped.
func (s *Scanner) Threads(pid int) ([]Thread, error) {
	procs, err := s.fs.AllThreads(pid)
	if err != nil {
		return nil, fmt.Errorf("list threads of %d: %w", pid, err)
	}

	threads := make([]Thread, 0, len(procs))
	for _, proc := range procs {
		stat, err := proc.Stat()
		if err != nil {
			s.logger.Debug("thread stat unavailable", "pid", pid, "tid", proc.PID, "err", err)
			continue
		}
		threads = append(threads, Thread{
			TID:   proc.PID,
			Name:  stat.Comm,
			CPU:   int(stat.Processor),
			Ticks: uint64(stat.UTime) + uint64(stat.STime),
		})
	}
	return threads, nil
}

// CPULoad returns ticks accumulated per CPU since the previous call for the
// same pid. Each thread is charged to the CPU it last ran on. The first call
// for a pid reports cumulative ticks.
func (s *Scanner) CPULoad(pid int) (map[int]uint64, error) {
	threads, err := s.Threads(pid)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if pid != s.pid {
		s.pid = pid
		clear(s.prev)
	}

	load := make(map[int]uint64)
	next := make(map[int]uint64, len(threads))
	for _, thread := range threads {
		next[thread.TID] = thread.Ticks
		prev := s.prev[thread.TID]
		if thread.Ticks < prev {
			// tid reused by a new thread
			prev = 0
		}
		if delta := thread.Ticks - prev; delta > 0 {
			load[thread.CPU] += delta
		}
	}
	s.prev = next
	return load, nil
}

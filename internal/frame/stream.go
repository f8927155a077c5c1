package frame

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Event is one rendered frame reported for a process.
type Event struct {
	PID       int
	Frametime time.Duration
}

// ReadEvents decodes newline separated "<pid> <frametime_ns>" records from r
// and forwards them to out until r is exhausted or ctx is cancelled. Records
// with a zero frame time or that fail to parse are dropped.
func ReadEvents(ctx context.Context, r io.Reader, out chan<- Event, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		ev, err := parseEvent(scanner.Text())
		if err != nil {
			logger.Debug("dropping frame record", "err", err)
			continue
		}
		if ev.Frametime <= 0 {
			continue
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read frame records: %w", err)
	}
	return nil
}

func parseEvent(line string) (Event, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return Event{}, fmt.Errorf("malformed record %q", line)
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return Event{}, fmt.Errorf("invalid pid %q", fields[0])
	}
	ns, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || ns < 0 {
		return Event{}, fmt.Errorf("invalid frametime %q", fields[1])
	}
	return Event{PID: pid, Frametime: time.Duration(ns)}, nil
}

// FIFOSource reads frame events from a named pipe written by the frame hook.
type FIFOSource struct {
	path   string
	logger *slog.Logger
}

// NewFIFOSource creates the pipe at path when it does not exist yet.
func NewFIFOSource(path string, logger *slog.Logger) (*FIFOSource, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := unix.Mkfifo(path, 0o660); err != nil {
			return nil, fmt.Errorf("create fifo %s: %w", path, err)
		}
	case err != nil:
		return nil, fmt.Errorf("stat fifo %s: %w", path, err)
	case info.Mode()&os.ModeNamedPipe == 0:
		return nil, fmt.Errorf("%s is not a fifo", path)
	}
	return &FIFOSource{path: path, logger: logger}, nil
}

// Run streams events into out until ctx is cancelled.
func (s *FIFOSource) Run(ctx context.Context, out chan<- Event) error {
	// Opened read-write so the open never blocks and the pipe never reports
	// EOF when the hook restarts.
	pipe, err := os.OpenFile(s.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open fifo: %w", err)
	}

	go func() {
		<-ctx.Done()
		if err := pipe.Close(); err != nil {
			s.logger.Debug("fifo close failed", "err", err)
		}
	}()

	s.logger.Info("frame source started", "path", s.path)
	err = ReadEvents(ctx, pipe, out, s.logger)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

package profile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"k8s.io/utils/clock"

	"github.com/skobkin/fasd/internal/metrics"
)

const (
	defaultRetryInterval = time.Second
	rollbackAfter        = 3
	fallbackAfter        = 10
)

// Options configures a Manager.
type Options struct {
	Path          string
	StdPath       string
	RetryInterval time.Duration
	Clock         clock.Clock
	Recorder      *metrics.Recorder
	Logger        *slog.Logger
}

// Manager reloads the profile file into a Store whenever it changes.
//
// Unreadable files are retried. After more than three consecutive parse
// failures the last good content is written back. After more than ten
// consecutive failures of either kind the standard profile is served until
// the file parses again.
type Manager struct {
	store    *Store
	path     string
	stdPath  string
	retry    time.Duration
	clock    clock.Clock
	recorder *metrics.Recorder
	logger   *slog.Logger

	std           *Data
	lastGood      []byte
	failures      int
	parseFailures int
	servingStd    bool
}

// NewManager builds a manager that publishes into store.
func NewManager(store *Store, opts Options) (*Manager, error) {
	if store == nil {
		return nil, errors.New("profile store is required")
	}
	if opts.Path == "" {
		return nil, errors.New("profile path is required")
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = defaultRetryInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{
		store:    store,
		path:     filepath.Clean(opts.Path),
		stdPath:  opts.StdPath,
		retry:    opts.RetryInterval,
		clock:    opts.Clock,
		recorder: opts.Recorder,
		logger:   opts.Logger.With("component", "profile"),
	}, nil
}

// Run keeps the store in sync with the file until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	m.loadStd()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer watcher.Close()

	watching := true
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		m.logger.Warn("profile watch failed, polling instead", "err", err)
		watching = false
	}

	for {
		if !m.reload() {
			select {
			case <-ctx.Done():
				return nil
			case <-m.clock.After(m.retry):
			}
			continue
		}
		if err := m.waitForChange(ctx, watcher, watching); err != nil {
			return nil
		}
	}
}

// reload reads and applies the file once and reports success.
func (m *Manager) reload() bool {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		m.failed("read_error", err)
		return false
	}

	data, err := Parse(raw)
	if err != nil {
		m.parseFailures++
		m.failed("parse_error", err)
		if m.parseFailures > rollbackAfter && m.lastGood != nil {
			m.rollback()
		}
		return false
	}

	changed := !bytes.Equal(raw, m.lastGood) || m.failures > 0
	m.failures = 0
	m.parseFailures = 0
	m.servingStd = false
	m.lastGood = raw
	m.store.setUser(data)
	if changed {
		m.recorder.ObserveReload("ok")
		m.logger.Info("profile loaded", "path", m.path, "packages", len(data.GameList), "keep_std", data.Config.KeepStd)
	}
	return true
}

// failed counts one read or parse failure and switches to the standard
// profile once failures exceed fallbackAfter.
func (m *Manager) failed(result string, err error) {
	m.failures++
	m.recorder.ObserveReload(result)
	m.logger.Warn("profile reload failed", "path", m.path, "result", result, "failures", m.failures, "err", err)
	if m.failures <= fallbackAfter || m.std == nil || m.servingStd {
		return
	}
	m.servingStd = true
	m.store.setUser(*m.std)
	m.recorder.ObserveReload("std")
	m.logger.Warn("serving standard profile", "path", m.stdPath)
}

func (m *Manager) rollback() {
	if err := os.WriteFile(m.path, m.lastGood, 0o644); err != nil {
		m.logger.Error("profile rollback failed", "err", err)
		return
	}
	m.recorder.ObserveReload("rollback")
	m.logger.Warn("profile rolled back to last good content")
}

func (m *Manager) loadStd() {
	if m.stdPath == "" {
		return
	}
	raw, err := os.ReadFile(m.stdPath)
	if err != nil {
		m.logger.Warn("standard profile unreadable", "path", m.stdPath, "err", err)
		return
	}
	data, err := Parse(raw)
	if err != nil {
		m.logger.Warn("standard profile invalid", "path", m.stdPath, "err", err)
		return
	}
	m.std = &data
	m.store.setStd(data)
}

var errWatcherClosed = errors.New("profile watcher closed")

// waitForChange blocks until the profile file changes. It returns an error
// when ctx is done or the watcher is gone.
func (m *Manager) waitForChange(ctx context.Context, watcher *fsnotify.Watcher, watching bool) error {
	if !watching {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(m.retry):
			return nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return errWatcherClosed
			}
			if filepath.Clean(ev.Name) != m.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				return nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return errWatcherClosed
			}
			m.logger.Warn("profile watcher error", "err", err)
		}
	}
}

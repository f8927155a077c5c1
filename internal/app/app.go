// Package app wires up and runs the daemon services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/utils/clock"

	"github.com/skobkin/fasd/internal/cleaner"
	"github.com/skobkin/fasd/internal/config"
	"github.com/skobkin/fasd/internal/cpufreq"
	"github.com/skobkin/fasd/internal/extension"
	"github.com/skobkin/fasd/internal/frame"
	"github.com/skobkin/fasd/internal/httpserver"
	"github.com/skobkin/fasd/internal/looper"
	"github.com/skobkin/fasd/internal/metrics"
	"github.com/skobkin/fasd/internal/procscan"
	"github.com/skobkin/fasd/internal/profile"
	"github.com/skobkin/fasd/internal/sampler"
	"github.com/skobkin/fasd/internal/scheduler"
	"github.com/skobkin/fasd/internal/topapp"
)

const (
	shutdownTimeout    = 10 * time.Second
	frameQueueSize     = 256
	extensionQueueSize = 64
)

// task is a background service that runs until its context is cancelled.
type task struct {
	name string
	run  func(ctx context.Context) error
}

type taskResult struct {
	name string
	err  error
}

// Run bootstraps the daemon lifecycle.
func Run(ctx context.Context, baseLogger *slog.Logger, cfg config.Config) error {
	appLogger := baseLogger.With("component", "app")

	policies, err := cpufreq.Discover(cfg.SysfsRoot, baseLogger.With("component", "cpufreq_discovery"))
	if err != nil {
		return fmt.Errorf("discover cpufreq policies: %w", err)
	}
	appLogger.Info("discovered cpufreq policies", "count", len(policies))

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(registry)

	broadcaster := extension.NewBroadcaster(extensionQueueSize, cfg.Extensions.Timeout, baseLogger.With("component", "extension"))
	broadcaster.Register(extension.NewFuncListener("metrics", extension.V0, func(ev extension.Event) {
		recorder.ObserveEvent(ev.Kind.String())
	}))
	for _, spec := range cfg.Extensions.Hooks {
		hook, err := extension.ParseHook(spec)
		if err != nil {
			appLogger.Warn("skipping extension hook", "hook", spec, "err", err)
			continue
		}
		broadcaster.Register(hook)
	}

	writer, err := cpufreq.NewWriter(cfg.SysfsRoot)
	if err != nil {
		return fmt.Errorf("open cpufreq writer: %w", err)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			appLogger.Warn("cpufreq writer close", "err", err)
		}
	}()

	var load cpufreq.LoadSource
	if scanner, err := procscan.NewScanner(cfg.ProcRoot, baseLogger.With("component", "procscan")); err != nil {
		appLogger.Warn("thread scanner unavailable, using equal policy weights", "err", err)
	} else {
		load = scanner
	}
	weights := cpufreq.NewWeightCalculator(load, cfg.Control.WeightRefreshTicks, baseLogger.With("component", "weights"))

	table := cpufreq.NewTable(policies)
	controller, err := cpufreq.NewController(cpufreq.Options{
		Policies: policies,
		Writer:   writer,
		Weights:  weights,
		Table:    table,
		Notifier: broadcaster,
		Recorder: recorder,
		Logger:   baseLogger.With("component", "cpufreq"),
	})
	if err != nil {
		return fmt.Errorf("init frequency controller: %w", err)
	}

	sensor := frame.NewSensor()
	actuator := scheduler.NewActuator(sensor, controller, baseLogger)
	processor := scheduler.NewProcessor(sensor, actuator, recorder, baseLogger)

	knobs, err := cleaner.ParseKnobs(cfg.CleanupKnobs)
	if err != nil {
		return fmt.Errorf("parse cleanup knobs: %w", err)
	}

	watcher, err := topapp.NewWatcher(topapp.CgroupSource{Path: cfg.Topapp.Path}, cfg.Topapp.Interval, baseLogger)
	if err != nil {
		return fmt.Errorf("init topapp watcher: %w", err)
	}

	store := profile.NewStore()
	profiles, err := profile.NewManager(store, profile.Options{
		Path:     cfg.Profile.Path,
		StdPath:  cfg.Profile.StdPath,
		Recorder: recorder,
		Logger:   baseLogger,
	})
	if err != nil {
		return fmt.Errorf("init profile manager: %w", err)
	}

	reader, err := sampler.NewReader(cfg.SysfsRoot, policies, baseLogger.With("component", "sampler_reader"))
	if err != nil {
		appLogger.Warn("frequency sampling disabled", "err", err)
	}
	samplerManager, err := sampler.NewManager(cfg.SampleInterval, reader, baseLogger)
	if err != nil {
		return fmt.Errorf("init sampler manager: %w", err)
	}
	defer func() {
		if err := samplerManager.Close(); err != nil {
			appLogger.Warn("sampler manager close", "err", err)
		}
	}()

	frames, err := frame.NewFIFOSource(cfg.FrameSource, baseLogger.With("component", "frame_source"))
	if err != nil {
		return fmt.Errorf("init frame source: %w", err)
	}

	loop, err := looper.New(looper.Options{
		Foreground:   watcher,
		Profiles:     store,
		Names:        topapp.ProcessName,
		Frequencies:  controller,
		Scheduler:    processor,
		Targeter:     actuator,
		Sensor:       sensor,
		Cleaner:      cleaner.New(knobs, baseLogger),
		Notifier:     broadcaster,
		FrameWindows: cfg.Control.FrameWindows,
		Clock:        clock.RealClock{},
		Recorder:     recorder,
		Logger:       baseLogger,
	})
	if err != nil {
		return fmt.Errorf("init looper: %w", err)
	}

	events := make(chan frame.Event, frameQueueSize)
	tasks := []task{
		{name: "topapp", run: watcher.Run},
		{name: "profile", run: profiles.Run},
		{name: "sampler", run: samplerManager.Run},
		{name: "frame_source", run: func(ctx context.Context) error { return frames.Run(ctx, events) }},
		{name: "looper", run: func(ctx context.Context) error { return loop.Run(ctx, events, cfg.Control.TickInterval) }},
	}

	// Extensions outlive the other tasks so the looper's shutdown events
	// are delivered.
	extCtx, cancelExtensions := context.WithCancel(context.WithoutCancel(ctx))
	extDone := make(chan error, 1)
	go func() {
		extDone <- broadcaster.Run(extCtx)
	}()

	taskCtx, cancelTasks := context.WithCancel(ctx)
	defer cancelTasks()

	results := make(chan taskResult, len(tasks))
	for _, t := range tasks {
		go func() {
			results <- taskResult{name: t.name, err: t.run(taskCtx)}
		}()
	}
	running := len(tasks)

	var (
		srv      *httpserver.Server
		serverCh chan error
	)
	if cfg.HTTPEnable {
		srv = httpserver.New(cfg, baseLogger.With("component", "http"), httpserver.Deps{
			Looper:     loop,
			Controller: controller,
			Policies:   policies,
			Table:      table,
			Sampler:    samplerManager,
			Profiles:   store,
			Topapp:     watcher,
			Extensions: broadcaster,
			Registry:   registry,
		})
		appLogger.Info("starting HTTP server", "listen_addr", cfg.ListenAddr)
		serverCh = make(chan error, 1)
		go func() {
			serverCh <- srv.Start()
		}()
	}

	var runErr error
wait:
	for {
		select {
		case res := <-results:
			running--
			if isFailure(res.err) {
				runErr = fmt.Errorf("%s: %w", res.name, res.err)
				break wait
			}
			if ctx.Err() != nil {
				break wait
			}
			appLogger.Warn("background task exited", "task", res.name)
			if res.name == "looper" {
				break wait
			}
		case err := <-serverCh:
			serverCh = nil
			if err != nil {
				runErr = fmt.Errorf("http server: %w", err)
				break wait
			}
		case <-ctx.Done():
			appLogger.Info("shutdown initiated", "reason", ctx.Err())
			break wait
		}
	}

	if srv != nil && serverCh != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			runErr = errors.Join(runErr, fmt.Errorf("http shutdown: %w", err))
		}
		if err := <-serverCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = errors.Join(runErr, err)
		}
	}

	cancelTasks()
	for ; running > 0; running-- {
		if res := <-results; isFailure(res.err) {
			runErr = errors.Join(runErr, fmt.Errorf("%s: %w", res.name, res.err))
		}
	}
	cancelExtensions()
	<-extDone

	if runErr == nil {
		appLogger.Info("shutdown complete")
	}
	return runErr
}

func isFailure(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

package config

import (
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "127.0.0.1:8848" {
		t.Fatalf("unexpected ListenAddr %q", cfg.ListenAddr)
	}
	if !cfg.HTTPEnable {
		t.Fatalf("expected HTTP server enabled by default")
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel %v", cfg.LogLevel)
	}
	if cfg.Control.TickInterval != 50*time.Millisecond {
		t.Fatalf("unexpected TickInterval %s", cfg.Control.TickInterval)
	}
	if cfg.Control.FrameWindows != 10 || cfg.Control.WeightRefreshTicks != 10 {
		t.Fatalf("unexpected control defaults %+v", cfg.Control)
	}
	if cfg.Topapp.Path != "/dev/cpuset/top-app/cgroup.procs" {
		t.Fatalf("unexpected Topapp.Path %q", cfg.Topapp.Path)
	}
	if cfg.Extensions.Timeout != 2*time.Second || len(cfg.Extensions.Hooks) != 0 {
		t.Fatalf("unexpected extension defaults %+v", cfg.Extensions)
	}
	if cfg.SysfsRoot != "/sys" || cfg.ProcRoot != "/proc" {
		t.Fatalf("unexpected roots %q %q", cfg.SysfsRoot, cfg.ProcRoot)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("APP_LISTEN_ADDR", "0.0.0.0:9000")
	t.Setenv("APP_HTTP_ENABLE", "false")
	t.Setenv("APP_LOG_LEVEL", "debug")
	t.Setenv("APP_SYSFS_ROOT", "/tmp/sys")
	t.Setenv("APP_PROC_ROOT", "/tmp/proc")
	t.Setenv("APP_TICK_INTERVAL", "100ms")
	t.Setenv("APP_FRAME_WINDOWS", "5")
	t.Setenv("APP_WEIGHT_REFRESH_TICKS", "20")
	t.Setenv("APP_SAMPLE_INTERVAL", "500ms")
	t.Setenv("APP_TOPAPP_PATH", "/tmp/top-app")
	t.Setenv("APP_TOPAPP_INTERVAL", "250ms")
	t.Setenv("APP_PROFILE_PATH", "/tmp/games.yaml")
	t.Setenv("APP_STD_PROFILE_PATH", "/tmp/std.yaml")
	t.Setenv("APP_FRAME_SOURCE", "/tmp/frames")
	t.Setenv("APP_EXTENSION_HOOKS", "/opt/hooks/a@v0, /opt/hooks/b")
	t.Setenv("APP_EXTENSION_TIMEOUT", "5s")
	t.Setenv("APP_CLEANUP_KNOBS", "/sys/a=0,/sys/b=1")
	t.Setenv("APP_ENABLE_PROMETHEUS", "true")
	t.Setenv("APP_ENABLE_PPROF", "true")
	t.Setenv("APP_ALLOWED_ORIGINS", "https://example.com, https://other.test")
	t.Setenv("APP_WS_MAX_CLIENTS", "4")
	t.Setenv("APP_WS_WRITE_TIMEOUT", "10s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:9000" || cfg.HTTPEnable {
		t.Fatalf("HTTP overrides failed: %q %v", cfg.ListenAddr, cfg.HTTPEnable)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel override failed, got %v", cfg.LogLevel)
	}
	wantControl := ControlConfig{TickInterval: 100 * time.Millisecond, FrameWindows: 5, WeightRefreshTicks: 20}
	if cfg.Control != wantControl {
		t.Fatalf("Control override failed, got %+v", cfg.Control)
	}
	if cfg.SampleInterval != 500*time.Millisecond {
		t.Fatalf("SampleInterval override failed, got %s", cfg.SampleInterval)
	}
	if cfg.Topapp != (TopappConfig{Path: "/tmp/top-app", Interval: 250 * time.Millisecond}) {
		t.Fatalf("Topapp override failed, got %+v", cfg.Topapp)
	}
	if cfg.Profile != (ProfileConfig{Path: "/tmp/games.yaml", StdPath: "/tmp/std.yaml"}) {
		t.Fatalf("Profile override failed, got %+v", cfg.Profile)
	}
	if cfg.FrameSource != "/tmp/frames" {
		t.Fatalf("FrameSource override failed, got %q", cfg.FrameSource)
	}
	if !reflect.DeepEqual(cfg.Extensions.Hooks, []string{"/opt/hooks/a@v0", "/opt/hooks/b"}) || cfg.Extensions.Timeout != 5*time.Second {
		t.Fatalf("Extensions override failed, got %+v", cfg.Extensions)
	}
	if !reflect.DeepEqual(cfg.CleanupKnobs, []string{"/sys/a=0", "/sys/b=1"}) {
		t.Fatalf("CleanupKnobs override failed, got %v", cfg.CleanupKnobs)
	}
	if !cfg.EnablePrometheus || !cfg.EnablePprof {
		t.Fatalf("feature flags override failed")
	}
	if !reflect.DeepEqual(cfg.AllowedOrigins, []string{"https://example.com", "https://other.test"}) {
		t.Fatalf("AllowedOrigins mismatch: %+v", cfg.AllowedOrigins)
	}
	if cfg.WS.MaxClients != 4 || cfg.WS.WriteTimeout != 10*time.Second {
		t.Fatalf("WS override failed, got %+v", cfg.WS)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	testCases := []struct {
		name string
		key  string
		val  string
	}{
		{"NegativeTickInterval", "APP_TICK_INTERVAL", "-1s"},
		{"InvalidTickInterval", "APP_TICK_INTERVAL", "fast"},
		{"ZeroFrameWindows", "APP_FRAME_WINDOWS", "0"},
		{"InvalidFrameWindows", "APP_FRAME_WINDOWS", "ten"},
		{"NegativeWeightRefresh", "APP_WEIGHT_REFRESH_TICKS", "-3"},
		{"ZeroSampleInterval", "APP_SAMPLE_INTERVAL", "0"},
		{"InvalidTopappInterval", "APP_TOPAPP_INTERVAL", "soon"},
		{"NegativeExtensionTimeout", "APP_EXTENSION_TIMEOUT", "-2s"},
		{"InvalidOrigins", "APP_ALLOWED_ORIGINS", ","},
		{"InvalidHTTPEnable", "APP_HTTP_ENABLE", "maybe"},
		{"InvalidPrometheusBool", "APP_ENABLE_PROMETHEUS", "maybe"},
		{"InvalidLogLevel", "APP_LOG_LEVEL", "loud"},
		{"NonPositiveWSMaxClients", "APP_WS_MAX_CLIENTS", "0"},
		{"InvalidWSWriteTimeout", "APP_WS_WRITE_TIMEOUT", "nope"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%q", tc.key, tc.val)
			}
		})
	}
}

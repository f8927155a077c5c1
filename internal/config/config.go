package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents runtime configuration sourced from environment variables.
type Config struct {
	ListenAddr       string
	HTTPEnable       bool
	AllowedOrigins   []string
	EnablePrometheus bool
	EnablePprof      bool
	LogLevel         slog.Level
	SysfsRoot        string
	ProcRoot         string
	SampleInterval   time.Duration
	FrameSource      string
	CleanupKnobs     []string
	Control          ControlConfig
	Topapp           TopappConfig
	Profile          ProfileConfig
	Extensions       ExtensionConfig
	WS               WebsocketConfig
}

// ControlConfig tunes the control loop.
type ControlConfig struct {
	TickInterval       time.Duration
	FrameWindows       uint32
	WeightRefreshTicks int
}

// TopappConfig locates the foreground process set.
type TopappConfig struct {
	Path     string
	Interval time.Duration
}

// ProfileConfig locates the per-package frame rate profiles.
type ProfileConfig struct {
	Path    string
	StdPath string
}

// ExtensionConfig lists hook executables as "path@vN".
type ExtensionConfig struct {
	Hooks   []string
	Timeout time.Duration
}

// WebsocketConfig captures tunables for WebSocket handling.
type WebsocketConfig struct {
	MaxClients   int
	WriteTimeout time.Duration
}

// Load parses configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr:       "127.0.0.1:8848",
		HTTPEnable:       true,
		AllowedOrigins:   []string{"*"},
		EnablePrometheus: false,
		EnablePprof:      false,
		LogLevel:         slog.LevelInfo,
		SysfsRoot:        "/sys",
		ProcRoot:         "/proc",
		SampleInterval:   2 * time.Second,
		FrameSource:      "/dev/fasd/frames",
		Control: ControlConfig{
			TickInterval:       50 * time.Millisecond,
			FrameWindows:       10,
			WeightRefreshTicks: 10,
		},
		Topapp: TopappConfig{
			Path:     "/dev/cpuset/top-app/cgroup.procs",
			Interval: time.Second,
		},
		Profile: ProfileConfig{
			Path: "/data/adb/fasd/games.yaml",
		},
		Extensions: ExtensionConfig{
			Timeout: 2 * time.Second,
		},
		WS: WebsocketConfig{
			MaxClients:   16,
			WriteTimeout: 3 * time.Second,
		},
	}

	setString("APP_LISTEN_ADDR", &cfg.ListenAddr)
	setString("APP_SYSFS_ROOT", &cfg.SysfsRoot)
	setString("APP_PROC_ROOT", &cfg.ProcRoot)
	setString("APP_FRAME_SOURCE", &cfg.FrameSource)
	setString("APP_TOPAPP_PATH", &cfg.Topapp.Path)
	setString("APP_PROFILE_PATH", &cfg.Profile.Path)
	setString("APP_STD_PROFILE_PATH", &cfg.Profile.StdPath)

	if value := strings.TrimSpace(os.Getenv("APP_ALLOWED_ORIGINS")); value != "" {
		origins := splitAndTrim(value, ",")
		if len(origins) == 0 {
			return Config{}, fmt.Errorf("APP_ALLOWED_ORIGINS must not be empty")
		}
		cfg.AllowedOrigins = origins
	}
	if value := strings.TrimSpace(os.Getenv("APP_EXTENSION_HOOKS")); value != "" {
		cfg.Extensions.Hooks = splitAndTrim(value, ",")
	}
	if value := strings.TrimSpace(os.Getenv("APP_CLEANUP_KNOBS")); value != "" {
		cfg.CleanupKnobs = splitAndTrim(value, ",")
	}

	if value := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); value != "" {
		level, err := parseLogLevel(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_HTTP_ENABLE", &cfg.HTTPEnable},
		{"APP_ENABLE_PROMETHEUS", &cfg.EnablePrometheus},
		{"APP_ENABLE_PPROF", &cfg.EnablePprof},
	}
	for _, b := range bools {
		if err := setBool(b.key, b.dst); err != nil {
			return Config{}, err
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_TICK_INTERVAL", &cfg.Control.TickInterval},
		{"APP_SAMPLE_INTERVAL", &cfg.SampleInterval},
		{"APP_TOPAPP_INTERVAL", &cfg.Topapp.Interval},
		{"APP_EXTENSION_TIMEOUT", &cfg.Extensions.Timeout},
		{"APP_WS_WRITE_TIMEOUT", &cfg.WS.WriteTimeout},
	}
	for _, d := range durations {
		if err := setDuration(d.key, d.dst); err != nil {
			return Config{}, err
		}
	}

	frameWindows := int(cfg.Control.FrameWindows)
	counts := []struct {
		key string
		dst *int
	}{
		{"APP_FRAME_WINDOWS", &frameWindows},
		{"APP_WEIGHT_REFRESH_TICKS", &cfg.Control.WeightRefreshTicks},
		{"APP_WS_MAX_CLIENTS", &cfg.WS.MaxClients},
	}
	for _, c := range counts {
		if err := setPositiveInt(c.key, c.dst); err != nil {
			return Config{}, err
		}
	}
	cfg.Control.FrameWindows = uint32(frameWindows)

	return cfg, nil
}

func setString(key string, dst *string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func setBool(key string, dst *bool) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = enabled
	return nil
}

func setDuration(key string, dst *time.Duration) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = duration
	return nil
}

func setPositiveInt(key string, dst *int) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	if n <= 0 {
		return fmt.Errorf("%s must be > 0", key)
	}
	*dst = n
	return nil
}

func splitAndTrim(value, sep string) []string {
	raw := strings.Split(value, sep)
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		trimmed := strings.TrimSpace(item)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseLogLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level %q", input)
	}
}

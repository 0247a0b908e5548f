// Package config loads the daemon configuration from CANVAS_* environment
// variables. Every value has a default suited to the reference deployment
// (a Raspberry Pi driving one HDMI display and one audio hat).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP listen address for the collaborator-facing surface.
	ListenAddr string

	// Player pool shape. Video capacity is 1 (one screen); audio capacity
	// is 2 so source switches can overlap without an audible gap.
	VideoPoolSize int
	AudioPoolSize int

	// SocketDir holds the per-slot mpv IPC sockets.
	SocketDir    string
	MPVBinary    string
	AudioDevice  string
	DRMDevice    string
	DRMConnector string

	// Health monitor sweep cadence and per-probe deadline.
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration

	// Remote receiver discovery.
	DiscoveryInterval time.Duration
	DiscoveryTimeout  time.Duration
	CacheTTL          time.Duration

	// Inbound cast responder identity.
	DeviceName string
	DeviceUUID string

	LogLevel slog.Level
}

func Load() Config {
	return Config{
		ListenAddr:        stringEnv("CANVAS_LISTEN_ADDR", ":8080"),
		VideoPoolSize:     intEnv("CANVAS_VIDEO_POOL_SIZE", 1),
		AudioPoolSize:     intEnv("CANVAS_AUDIO_POOL_SIZE", 2),
		SocketDir:         stringEnv("CANVAS_SOCKET_DIR", "/tmp"),
		MPVBinary:         stringEnv("CANVAS_MPV_BINARY", "mpv"),
		AudioDevice:       stringEnv("CANVAS_AUDIO_DEVICE", "alsa/sysdefault:CARD=3"),
		DRMDevice:         stringEnv("CANVAS_DRM_DEVICE", "/dev/dri/card0"),
		DRMConnector:      stringEnv("CANVAS_DRM_CONNECTOR", "HDMI-A-1"),
		ProbeInterval:     durationEnv("CANVAS_PROBE_INTERVAL", 30*time.Second),
		ProbeTimeout:      durationEnv("CANVAS_PROBE_TIMEOUT", 2*time.Second),
		DiscoveryInterval: durationEnv("CANVAS_DISCOVERY_INTERVAL", 5*time.Minute),
		DiscoveryTimeout:  durationEnv("CANVAS_DISCOVERY_TIMEOUT", 15*time.Second),
		CacheTTL:          durationEnv("CANVAS_DISCOVERY_CACHE_TTL", 24*time.Hour),
		DeviceName:        stringEnv("CANVAS_DEVICE_NAME", "HSG Canvas"),
		DeviceUUID:        stringEnv("CANVAS_DEVICE_UUID", "hsg-canvas-receiver"),
		LogLevel:          parseLogLevel(os.Getenv("CANVAS_LOG_LEVEL")),
	}
}

func stringEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func intEnv(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		fmt.Fprintf(os.Stderr, "invalid CANVAS_LOG_LEVEL=%q; defaulting to info\n", raw)
		return slog.LevelInfo
	}
}

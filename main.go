package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	go2tvadapters "github.com/hackerspacegent/canvasd/internal/adapters/go2tv"
	"github.com/hackerspacegent/canvasd/internal/buildinfo"
	"github.com/hackerspacegent/canvasd/internal/cast"
	"github.com/hackerspacegent/canvasd/internal/config"
	"github.com/hackerspacegent/canvasd/internal/diagnostics"
	"github.com/hackerspacegent/canvasd/internal/discovery"
	"github.com/hackerspacegent/canvasd/internal/domain"
	"github.com/hackerspacegent/canvasd/internal/hub"
	"github.com/hackerspacegent/canvasd/internal/lifecycle"
	"github.com/hackerspacegent/canvasd/internal/mpv"
	"github.com/hackerspacegent/canvasd/internal/pool"
	"github.com/hackerspacegent/canvasd/internal/receiver"
	"github.com/hackerspacegent/canvasd/internal/registry"
	"github.com/hackerspacegent/canvasd/internal/server"
)

type selfTestOutput struct {
	Daemon struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"daemon"`
	Adapters struct {
		DiscoveryWired bool `json:"discovery_wired"`
		CastWired      bool `json:"cast_wired"`
	} `json:"adapters"`
	Dependencies diagnostics.DependencyReport `json:"dependencies"`
}

func main() {
	selfTest := flag.Bool("self-test", false, "run dependency and wiring diagnostics then exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	discoverWorker := flag.Bool("discover-worker", false, "run a single discovery cycle and print results as JSON")
	discoverTimeout := flag.Int("discover-timeout", 15, "discovery cycle budget in seconds (worker mode)")
	flag.Parse()

	if *showVersion {
		fmt.Println(buildinfo.Version)
		return
	}

	bundle := go2tvadapters.NewBundle()

	if *discoverWorker {
		runDiscoveryWorker(bundle, time.Duration(*discoverTimeout)*time.Second)
		return
	}

	if *selfTest {
		runSelfTest(bundle)
		return
	}

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	logger.Info(
		"canvasd_start",
		slog.String("version", buildinfo.Version),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("log_level", cfg.LogLevel.String()),
	)

	if err := run(cfg, bundle, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("canvasd_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("canvasd_stopped")
}

func run(cfg config.Config, bundle go2tvadapters.Bundle, logger *slog.Logger) error {
	runCtx, stopSignals := signal.NotifyContext(context.Background(), lifecycle.TerminationSignals()...)
	defer stopSignals()

	eventHub := hub.New(logger)
	defer eventHub.Close()

	observer := newPropertyObserver(eventHub)
	videoPool := pool.New(domain.ClassVideo, cfg.VideoPoolSize, &pool.MPVSpawner{
		Class:        domain.ClassVideo,
		Binary:       cfg.MPVBinary,
		SocketDir:    cfg.SocketDir,
		AudioDevice:  cfg.AudioDevice,
		DRMDevice:    cfg.DRMDevice,
		DRMConnector: cfg.DRMConnector,
		Logger:       logger,
		Observer:     observer,
	}, logger)
	audioPool := pool.New(domain.ClassAudio, cfg.AudioPoolSize, &pool.MPVSpawner{
		Class:       domain.ClassAudio,
		Binary:      cfg.MPVBinary,
		SocketDir:   cfg.SocketDir,
		AudioDevice: cfg.AudioDevice,
		Logger:      logger,
		Observer:    observer,
	}, logger)

	startCtx, cancelStart := context.WithTimeout(runCtx, 30*time.Second)
	defer cancelStart()
	if err := videoPool.Start(startCtx); err != nil {
		return fmt.Errorf("start video pool: %w", err)
	}
	if err := audioPool.Start(startCtx); err != nil {
		videoPool.Shutdown(context.Background())
		return fmt.Errorf("start audio pool: %w", err)
	}
	pools := []*pool.Pool{videoPool, audioPool}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, p := range pools {
			p.Shutdown(shutdownCtx)
		}
	}()

	monitor := pool.NewMonitor(pools, cfg.ProbeInterval, cfg.ProbeTimeout, logger)

	cache := discovery.NewCache(cfg.CacheTTL)
	discoverySvc := discovery.NewService(cache, cfg.DiscoveryInterval, cfg.DiscoveryTimeout, logger)

	castCtrl := cast.NewController(bundle.CastFactory, logger)
	defer castCtrl.Close()

	localVideo := registry.NewLocalVideoTarget(videoPool, logger)
	localAudio := registry.NewLocalAudioTarget(audioPool, logger)
	reg := registry.New(localVideo, localAudio, cache, castCtrl, eventHub, logger)
	defer reg.StopAll(context.Background())

	sessions := receiver.NewSessions(reg, eventHub, logger)
	responder := receiver.NewResponder(cfg.DeviceName, cfg.DeviceUUID,
		fmt.Sprintf("http://%s/dd.xml", lifecycle.AdvertisedAddr(cfg.ListenAddr)), logger)

	srv := server.New(reg, sessions, responder, discoverySvc, castCtrl, eventHub, pools, buildinfo.Version, logger)

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return monitor.Run(gCtx) })
	g.Go(func() error { return discoverySvc.Run(gCtx) })
	g.Go(func() error { return responder.Run(gCtx) })
	g.Go(func() error { return srv.Run(gCtx, cfg.ListenAddr) })

	return g.Wait()
}

// newPropertyObserver relays player property changes to the hub, skipping
// the once-per-second position updates.
func newPropertyObserver(h *hub.Hub) mpv.ObserverFunc {
	return func(ev mpv.Event) {
		if ev.Name == "time-pos" {
			return
		}
		h.Publish("player_property", map[string]any{
			"name":  ev.Name,
			"value": json.RawMessage(ev.Data),
		})
	}
}

func runDiscoveryWorker(bundle go2tvadapters.Bundle, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()

	if err := discovery.RunWorker(ctx, bundle.Discovery, timeout, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSelfTest(bundle go2tvadapters.Bundle) {
	out := selfTestOutput{
		Dependencies: diagnostics.DetectDependencies(),
	}
	out.Daemon.Name = "canvasd"
	out.Daemon.Version = buildinfo.Version
	out.Adapters.DiscoveryWired = bundle.Discovery != nil
	out.Adapters.CastWired = bundle.CastFactory != nil

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

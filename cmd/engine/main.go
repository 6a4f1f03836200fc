// Command engine is the VistterStream appliance's single long-running
// process: it wires the hardware probe, transcoder supervisor, camera
// relay pool, PTZ controller, overlay prefetcher, timeline executor,
// stream router, health watchdog, scheduler, event publisher, and
// metrics collector together and runs until signalled to stop.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/vistterstream/engine/internal/config"
	"github.com/vistterstream/engine/internal/events"
	"github.com/vistterstream/engine/internal/hardware"
	"github.com/vistterstream/engine/internal/metrics"
	"github.com/vistterstream/engine/internal/overlay"
	"github.com/vistterstream/engine/internal/platform/paths"
	"github.com/vistterstream/engine/internal/ptz"
	"github.com/vistterstream/engine/internal/relay"
	"github.com/vistterstream/engine/internal/router"
	"github.com/vistterstream/engine/internal/scheduler"
	"github.com/vistterstream/engine/internal/snapshot"
	"github.com/vistterstream/engine/internal/timeline"
	"github.com/vistterstream/engine/internal/transcoder"
	"github.com/vistterstream/engine/internal/watchdog"
)

// executorHeartbeat indirects watchdog.HeartbeatSource through a pointer
// set after the executor is constructed, breaking the executor/watchdog
// construction cycle (the watchdog needs the executor's heartbeat; the
// executor needs the watchdog's notifier).
type executorHeartbeat struct {
	executor *timeline.Executor
}

func (h *executorHeartbeat) LastSegmentCompletedAt(timelineID uuid.UUID) (time.Time, bool) {
	if h.executor == nil {
		return time.Time{}, false
	}
	return h.executor.LastSegmentCompletedAt(timelineID)
}

func main() {
	log := zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()

	if err := paths.EnsureDirs(); err != nil {
		log.Fatal().Err(err).Msg("platform init error")
	}

	configPath := paths.ResolveConfigPath(os.Getenv("VISTTER_CONFIG"))
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load error")
	}
	cfgStore := config.NewStore(cfg)

	snapshotPath := os.Getenv("VISTTER_SNAPSHOT")
	if snapshotPath == "" {
		snapshotPath = paths.ResolveDataRoot() + "/snapshot.json"
	}
	snap, err := snapshot.Load(snapshotPath)
	if err != nil {
		log.Fatal().Err(err).Msg("snapshot load error")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	prober := hardware.NewProber(cfg.Transcoder.BinaryPath, log.With().Str("component", "hardware").Logger())
	caps, err := prober.Detect(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("hardware probe failed")
	}
	log.Info().Str("encoder", caps.Encoder).Int("max_concurrent_streams", caps.MaxConcurrentStreams).
		Bool("hardware_accelerated", caps.HardwareAccelerated).Msg("hardware capabilities detected")

	maxConcurrent := caps.MaxConcurrentStreams
	if cfg.Transcoder.MaxConcurrentStreams > 0 {
		maxConcurrent = cfg.Transcoder.MaxConcurrentStreams
	}

	collector := metrics.NewCollector(metrics.Config{}, log.With().Str("component", "metrics").Logger())

	neverStopped := func(uuid.UUID) bool { return false }
	supervisor := transcoder.NewSupervisor(
		cfg.Transcoder.BinaryPath,
		maxConcurrent,
		neverStopped,
		collector,
		log.With().Str("component", "transcoder").Logger(),
	)

	relayPool := relay.NewPool(cfg.Transcoder.BinaryPath, cfg.Relay.BaseRTMPURL, log.With().Str("component", "relay").Logger())

	ptzFactory := ptz.NewHTTPClientFactory(cfg.ONVIF.DeviceURLOverride, cfg.ONVIF.PTZURLOverride)
	ptzController := ptz.NewController(ptzFactory, cfg.ONVIF.FallbackPorts, cfg.ONVIF.SettleDelay, cfg.ONVIF.CacheSize, log.With().Str("component", "ptz").Logger())

	httpClient := &http.Client{Timeout: 15 * time.Second}
	prefetcher := overlay.NewPrefetcher(httpClient, paths.OverlayCacheDir(), log.With().Str("component", "overlay").Logger())

	var eventPublisher timeline.EventPublisher
	if cfg.Events.NATSURL != "" {
		conn, err := nats.Connect(cfg.Events.NATSURL)
		if err != nil {
			log.Warn().Err(err).Msg("nats connect failed, events will not be published")
		} else {
			defer conn.Close()
			eventPublisher = events.NewPublisher(conn, cfg.Events.Subject, 3, log.With().Str("component", "events").Logger())
		}
	}

	heartbeat := &executorHeartbeat{}
	watchdogTuning := watchdog.Tuning{
		DefaultCheckInterval: cfg.Watchdog.DefaultCheckInterval,
		UnhealthyThreshold:   cfg.Watchdog.UnhealthyThreshold,
		RecoveryCooldown:     cfg.Watchdog.RecoveryCooldown,
		StallThreshold:       cfg.Watchdog.StallThreshold,
		ProbeTimeout:         cfg.Watchdog.ProbeTimeout,
	}
	watchdogManager := watchdog.NewManager(supervisor, heartbeat, snap.Destinations, httpClient, watchdogTuning, log.With().Str("component", "watchdog").Logger())

	executor := timeline.NewExecutor(
		supervisor,
		relayPool,
		ptzController,
		prefetcher,
		watchdogManager,
		eventPublisher,
		caps.Encoder,
		log.With().Str("component", "timeline").Logger(),
	)
	heartbeat.executor = executor

	// streamRouter exposes start_preview/go_live/stop over its own methods;
	// driving it is the external API layer's job, not this process's.
	streamRouter := router.New(executor, httpClient, cfg.Preview.RTMPURL, cfg.Preview.APIBaseURL, cfg.Preview.HealthTimeout, log.With().Str("component", "router").Logger())
	_ = streamRouter

	sched := scheduler.New(executor, scheduler.Resources{
		Schedules:    snap.Schedules,
		Timelines:    snap.Timelines,
		Destinations: snap.Destinations,
		Cameras:      snap.Cameras,
		Presets:      snap.Presets,
		Assets:       snap.Assets,
	}, cfg.Scheduler.TickInterval, log.With().Str("component", "scheduler").Logger())

	config.Watch(ctx, configPath, cfgStore, log.With().Str("component", "config").Logger())

	collector.SetPullSources(relayPool, watchdogManager)

	metricsAddr := os.Getenv("VISTTER_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9102"
	}
	metricsServer := &http.Server{Addr: metricsAddr, Handler: collector.Handler()}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	go collector.Start(ctx)

	go sched.Run(ctx)

	log.Info().Msg("vistterstream engine started")
	<-ctx.Done()
	log.Info().Msg("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	relayPool.StopAll()

	log.Info().Msg("vistterstream engine stopped")
}

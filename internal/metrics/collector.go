// Package metrics exposes engine state as Prometheus metrics. Per-stream
// transcoder progress is pushed live off the ffmpeg progress pipe through
// the Collector's transcoder.Metrics implementation; pool- and
// watchdog-level gauges are pulled on a timer instead, since neither has
// a natural push point.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vistterstream/engine/internal/watchdog"
)

const defaultCollectInterval = 5 * time.Second

// RelayLister is the slice of *relay.Pool the collector pulls from.
type RelayLister interface {
	ActiveCount() int
}

// WatchdogLister is the slice of *watchdog.Manager the collector pulls from.
type WatchdogLister interface {
	Snapshot() []watchdog.Status
}

// Config holds the dependencies the collector pulls pool-level gauges from.
type Config struct {
	Relays          RelayLister
	Watchdogs       WatchdogLister
	CollectInterval time.Duration
}

// Collector owns the engine's metric registry. It implements
// transcoder.Metrics directly and runs its own collection loop for the
// pull-based gauges.
type Collector struct {
	cfg      Config
	registry *prometheus.Registry
	log      zerolog.Logger

	up prometheus.Gauge

	transcoderFPS       *prometheus.GaugeVec
	transcoderBitrate   *prometheus.GaugeVec
	transcoderDropped   *prometheus.GaugeVec
	transcoderSpeed     *prometheus.GaugeVec
	transcoderRestarts  *prometheus.CounterVec
	activeStreams       prometheus.Gauge

	activeRelays prometheus.Gauge

	watchdogUnhealthy *prometheus.GaugeVec
	watchdogRecoveries *prometheus.GaugeVec
}

func NewCollector(cfg Config, log zerolog.Logger) *Collector {
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = defaultCollectInterval
	}
	reg := prometheus.NewRegistry()

	c := &Collector{cfg: cfg, registry: reg, log: log}

	c.up = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vistterstream_engine_up",
		Help: "Always 1 once the engine's metrics collector is running.",
	})
	reg.MustRegister(c.up)
	c.up.Set(1)

	c.activeStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vistterstream_transcoder_active_streams",
		Help: "Number of ffmpeg transcoder processes currently supervised.",
	})
	reg.MustRegister(c.activeStreams)

	c.transcoderFPS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vistterstream_transcoder_fps",
		Help: "Last reported encode fps, per stream.",
	}, []string{"stream_id"})
	reg.MustRegister(c.transcoderFPS)

	c.transcoderBitrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vistterstream_transcoder_bitrate_kbps",
		Help: "Last reported output bitrate in kbps, per stream.",
	}, []string{"stream_id"})
	reg.MustRegister(c.transcoderBitrate)

	c.transcoderDropped = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vistterstream_transcoder_frames_dropped",
		Help: "Last reported cumulative dropped frame count, per stream.",
	}, []string{"stream_id"})
	reg.MustRegister(c.transcoderDropped)

	c.transcoderSpeed = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vistterstream_transcoder_speed",
		Help: "Last reported encode speed multiple (1.0 == realtime), per stream.",
	}, []string{"stream_id"})
	reg.MustRegister(c.transcoderSpeed)

	c.transcoderRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vistterstream_transcoder_restarts_total",
		Help: "Total transcoder restarts, per stream.",
	}, []string{"stream_id"})
	reg.MustRegister(c.transcoderRestarts)

	c.activeRelays = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vistterstream_relay_active_cameras",
		Help: "Number of cameras the relay pool currently keeps warm.",
	})
	reg.MustRegister(c.activeRelays)

	c.watchdogUnhealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vistterstream_watchdog_consecutive_unhealthy",
		Help: "Consecutive failed health checks for a destination's active watchdog.",
	}, []string{"destination_id"})
	reg.MustRegister(c.watchdogUnhealthy)

	c.watchdogRecoveries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vistterstream_watchdog_recoveries_total",
		Help: "Total recovery actions taken for a destination's active watchdog.",
	}, []string{"destination_id"})
	reg.MustRegister(c.watchdogRecoveries)

	return c
}

// ObserveProgress implements transcoder.Metrics.
func (c *Collector) ObserveProgress(streamID uuid.UUID, fps, kbps, dropped float64, speed float64) {
	label := streamID.String()
	c.transcoderFPS.WithLabelValues(label).Set(fps)
	c.transcoderBitrate.WithLabelValues(label).Set(kbps)
	c.transcoderDropped.WithLabelValues(label).Set(dropped)
	c.transcoderSpeed.WithLabelValues(label).Set(speed)
}

// SetActiveStreams implements transcoder.Metrics.
func (c *Collector) SetActiveStreams(n int) {
	c.activeStreams.Set(float64(n))
}

// IncRestart implements transcoder.Metrics.
func (c *Collector) IncRestart(streamID uuid.UUID) {
	c.transcoderRestarts.WithLabelValues(streamID.String()).Inc()
}

// SetPullSources wires the pool- and watchdog-level pull sources in
// after construction, for callers whose collector must exist before
// those components do (the relay pool and watchdog manager are
// themselves constructed after the supervisor that needs the collector
// as its Metrics implementation).
func (c *Collector) SetPullSources(relays RelayLister, watchdogs WatchdogLister) {
	c.cfg.Relays = relays
	c.cfg.Watchdogs = watchdogs
}

// Start runs the pull-based collection loop until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CollectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	if c.cfg.Relays != nil {
		c.activeRelays.Set(float64(c.cfg.Relays.ActiveCount()))
	}
	if c.cfg.Watchdogs != nil {
		for _, st := range c.cfg.Watchdogs.Snapshot() {
			label := st.DestinationID.String()
			c.watchdogUnhealthy.WithLabelValues(label).Set(float64(st.ConsecutiveUnhealthy))
			c.watchdogRecoveries.WithLabelValues(label).Set(float64(st.RecoveryCount))
		}
	}
}

// Handler serves the collector's own registry, not the global default one.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

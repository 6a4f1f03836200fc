// Package config loads and hot-reloads the engine's YAML configuration.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine's top-level configuration.
type Config struct {
	DataRoot string `yaml:"data_root"`

	Transcoder TranscoderConfig `yaml:"transcoder"`
	Relay      RelayConfig      `yaml:"relay"`
	Preview    PreviewConfig    `yaml:"preview"`
	ONVIF      ONVIFConfig      `yaml:"onvif"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Events     EventsConfig     `yaml:"events"`
}

type TranscoderConfig struct {
	BinaryPath          string `yaml:"binary_path"`
	MaxConcurrentStreams int   `yaml:"max_concurrent_streams_override"`
}

type RelayConfig struct {
	BaseRTMPURL string `yaml:"base_rtmp_url"` // e.g. rtmp://127.0.0.1:1935/live
}

type PreviewConfig struct {
	RTMPURL    string        `yaml:"rtmp_url"`   // e.g. rtmp://localhost:1936/preview
	APIBaseURL string        `yaml:"api_base_url"` // e.g. http://localhost:9997
	HealthTimeout time.Duration `yaml:"health_timeout"`
}

type ONVIFConfig struct {
	DeviceURLOverride string        `yaml:"device_url_override"`
	PTZURLOverride    string        `yaml:"ptz_url_override"`
	FallbackPorts     []int         `yaml:"fallback_ports"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
	CacheSize         int           `yaml:"cache_size"`
}

type WatchdogConfig struct {
	DefaultCheckInterval time.Duration `yaml:"default_check_interval"`
	UnhealthyThreshold   int           `yaml:"unhealthy_threshold"`
	RecoveryCooldown     time.Duration `yaml:"recovery_cooldown"`
	StallThreshold       time.Duration `yaml:"stall_threshold"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}

type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject_prefix"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		DataRoot: "/var/lib/vistterstream",
		Transcoder: TranscoderConfig{
			BinaryPath: "ffmpeg",
		},
		Relay: RelayConfig{
			BaseRTMPURL: "rtmp://127.0.0.1:1935/live",
		},
		Preview: PreviewConfig{
			RTMPURL:       "rtmp://localhost:1936/preview",
			APIBaseURL:    "http://localhost:9997",
			HealthTimeout: 5 * time.Second,
		},
		ONVIF: ONVIFConfig{
			FallbackPorts: []int{8899, 8000, 80},
			SettleDelay:   2 * time.Second,
			CacheSize:     64,
		},
		Watchdog: WatchdogConfig{
			DefaultCheckInterval: 30 * time.Second,
			UnhealthyThreshold:   3,
			RecoveryCooldown:     120 * time.Second,
			StallThreshold:       300 * time.Second,
			ProbeTimeout:         15 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval: 30 * time.Second,
		},
		Events: EventsConfig{
			Subject: "vistterstream",
		},
	}
}

// Load reads and parses a YAML file, falling back to Default() for any
// zero-valued field the file doesn't set.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Store holds an atomically-swappable Config snapshot so a reload never
// races a reader that grabbed a pointer mid-update.
type Store struct {
	v atomic.Value
}

func NewStore(initial Config) *Store {
	s := &Store{}
	s.v.Store(initial)
	return s
}

func (s *Store) Get() Config {
	return s.v.Load().(Config)
}

func (s *Store) Set(c Config) {
	s.v.Store(c)
}

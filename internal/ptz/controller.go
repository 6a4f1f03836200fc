// Package ptz implements the PTZ Controller (C4): pre-positioning PTZ
// cameras via ONVIF, with a bounded connection cache and a fallback from
// absolute moves to camera-side preset tokens.
package ptz

import (
	"context"
	"fmt"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/vistterstream/engine/internal/model"
)

// Client is the narrow ONVIF surface the controller needs. The real
// implementation issues SOAP requests against the camera's ptz_service
// endpoint (GetProfiles, AbsoluteMove, GotoPreset, SetPreset, GetStatus);
// it is an interface here so tests substitute a fake camera.
type Client interface {
	AbsoluteMove(ctx context.Context, pan, tilt, zoom float64) error
	GotoPreset(ctx context.Context, presetToken string) error
	GetStatus(ctx context.Context) (pan, tilt, zoom float64, err error)
	SetPreset(ctx context.Context, pan, tilt, zoom float64) (presetToken string, err error)
}

// ClientFactory dials a (host, port) pair and returns a connected Client.
type ClientFactory func(ctx context.Context, host string, port int, creds model.Credentials) (Client, error)

// Controller caches one ONVIF connection per (host, port), tried under a
// small set of alias keys, and applies an "absolute move, fall back to
// camera-side preset" policy.
type Controller struct {
	factory       ClientFactory
	fallbackPorts []int
	settleDelay   time.Duration
	deviceOverride string
	ptzOverride    string

	cache   *lru.Cache[string, Client]
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewController(factory ClientFactory, fallbackPorts []int, settleDelay time.Duration, cacheSize int, log zerolog.Logger) *Controller {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	cache, _ := lru.New[string, Client](cacheSize)
	return &Controller{
		factory:        factory,
		fallbackPorts:  fallbackPorts,
		settleDelay:    settleDelay,
		deviceOverride: os.Getenv("VISTTER_ONVIF_DEVICE_URL"),
		ptzOverride:    os.Getenv("VISTTER_ONVIF_PTZ_URL"),
		cache:          cache,
		limiter:        rate.NewLimiter(rate.Limit(10), 10), // at most 10 PTZ moves/sec across all cameras
		log:            log,
	}
}

// getCamera resolves a connection for cam, trying the configured port then
// the fallback list, and caches the result under every alias key it could
// have been looked up by — matching the Python source's multi-alias cache.
func (c *Controller) getCamera(ctx context.Context, cam model.Camera) (Client, error) {
	ports := []int{cam.ONVIFPort}
	if c.deviceOverride == "" && c.ptzOverride == "" {
		ports = append(ports, c.fallbackPorts...)
	}

	var lastErr error
	for _, port := range ports {
		if port == 0 {
			continue
		}
		key := cacheKey(cam.Address, port)
		if client, ok := c.cache.Get(key); ok {
			return client, nil
		}

		client, err := c.factory(ctx, cam.Address, port, cam.Credentials)
		if err != nil {
			lastErr = err
			continue
		}

		c.cache.Add(key, client)
		c.cache.Add(cacheKey(cam.ID.String(), port), client) // alias by camera id too
		return client, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no onvif port configured for camera %s", cam.ID)
	}
	return nil, lastErr
}

func cacheKey(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}

// MoveToPreset implements the move_to_preset policy: if the stored
// coordinate is a real absolute value, issue AbsoluteMove and settle; if
// that fails or the coordinate is the "use camera token" sentinel, fall
// back to GotoPreset. The engine never fails a segment because PTZ
// failed — callers log the returned error and continue.
func (c *Controller) MoveToPreset(ctx context.Context, cam model.Camera, preset model.Preset) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ptz rate limit: %w", err)
	}

	client, err := c.getCamera(ctx, cam)
	if err != nil {
		return fmt.Errorf("ptz connect: %w", err)
	}

	coord := preset.ToCoordinate()
	if coord.Absolute {
		if err := client.AbsoluteMove(ctx, coord.Pan, coord.Tilt, coord.Zoom); err == nil {
			c.settle(ctx)
			return nil
		}
		c.log.Warn().Str("camera_id", cam.ID.String()).Msg("absolute move failed, falling back to preset token")
	}

	if coord.PresetToken == "" {
		return fmt.Errorf("no camera-side preset token available for preset %s", preset.ID)
	}
	if err := client.GotoPreset(ctx, coord.PresetToken); err != nil {
		return fmt.Errorf("goto preset: %w", err)
	}
	c.settle(ctx)
	return nil
}

func (c *Controller) settle(ctx context.Context) {
	select {
	case <-time.After(c.settleDelay):
	case <-ctx.Done():
	}
}

// GetPosition returns the camera's current pan/tilt/zoom.
func (c *Controller) GetPosition(ctx context.Context, cam model.Camera) (pan, tilt, zoom float64, err error) {
	client, err := c.getCamera(ctx, cam)
	if err != nil {
		return 0, 0, 0, err
	}
	return client.GetStatus(ctx)
}

// SetPreset stores the camera's current position as a new camera-side preset.
func (c *Controller) SetPreset(ctx context.Context, cam model.Camera, pan, tilt, zoom float64) (string, error) {
	client, err := c.getCamera(ctx, cam)
	if err != nil {
		return "", err
	}
	if pan != 0 || tilt != 0 || zoom != 0 {
		if err := client.AbsoluteMove(ctx, pan, tilt, zoom); err != nil {
			c.log.Warn().Str("camera_id", cam.ID.String()).Msg("pre-position move before SetPreset failed, continuing")
		}
	}
	return client.SetPreset(ctx, pan, tilt, zoom)
}

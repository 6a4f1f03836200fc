// Package relay implements the Camera Relay Pool (C3): one long-lived
// ingest relay per active camera (camera RTSP → localhost RTMP), so the
// Timeline Executor can switch cameras "instantly" by pointing the
// transcoder at an already-warm local URL instead of a cold camera feed.
package relay

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vistterstream/engine/internal/model"
)

const (
	autoRestartDelay = 5 * time.Second
	tailLines        = 10
)

// spawnFunc matches transcoder's injectable-process pattern so tests never
// touch a real OS process.
type spawnFunc func(ctx context.Context, binaryPath string, args []string) (relayHandle, error)

type relayHandle interface {
	Wait() error
	Kill() error
	Pid() int
}

type osRelayProcess struct{ cmd *exec.Cmd }

func (p *osRelayProcess) Wait() error { return p.cmd.Wait() }
func (p *osRelayProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}
func (p *osRelayProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func defaultRelaySpawn(ctx context.Context, binaryPath string, args []string) (relayHandle, error) {
	cmd := exec.Command(binaryPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osRelayProcess{cmd: cmd}, nil
}

type cameraRelay struct {
	mu         sync.Mutex
	camera     model.Camera
	localURL   string
	handle     relayHandle
	stopped    bool
	restartAt  time.Time
}

// Pool manages every active camera's relay.
type Pool struct {
	mu          sync.Mutex
	relays      map[uuid.UUID]*cameraRelay
	baseRTMPURL string
	binaryPath  string
	spawn       spawnFunc
	log         zerolog.Logger
	wg          sync.WaitGroup
}

func NewPool(binaryPath, baseRTMPURL string, log zerolog.Logger) *Pool {
	return &Pool{
		relays:      make(map[uuid.UUID]*cameraRelay),
		baseRTMPURL: baseRTMPURL,
		binaryPath:  binaryPath,
		spawn:       defaultRelaySpawn,
		log:         log,
	}
}

// LocalURL returns the local RTMP URL the relay pool publishes a camera
// to: rtmp://127.0.0.1:1935/live/camera_<id>.
func (p *Pool) LocalURL(cameraID uuid.UUID) string {
	return fmt.Sprintf("%s/camera_%s", p.baseRTMPURL, cameraID.String())
}

// StartCamera starts (or no-ops if already running) the relay for one camera.
func (p *Pool) StartCamera(ctx context.Context, cam model.Camera) (model.RelayState, error) {
	p.mu.Lock()
	if existing, ok := p.relays[cam.ID]; ok {
		p.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		return model.RelayState{CameraID: cam.ID, LocalRTMPURL: existing.localURL, PID: existing.handle.Pid()}, nil
	}
	p.mu.Unlock()

	localURL := p.LocalURL(cam.ID)
	args := p.buildArgs(cam.RTSPURL(), localURL)
	handle, err := p.spawn(ctx, p.binaryPath, args)
	if err != nil {
		return model.RelayState{}, fmt.Errorf("start relay for camera %s: %w", cam.ID, err)
	}

	cr := &cameraRelay{camera: cam, localURL: localURL, handle: handle}
	p.mu.Lock()
	p.relays[cam.ID] = cr
	p.mu.Unlock()

	p.wg.Add(1)
	go p.monitor(cr)

	p.log.Info().Str("camera_id", cam.ID.String()).Str("local_url", localURL).Msg("relay started")
	return model.RelayState{CameraID: cam.ID, LocalRTMPURL: localURL, PID: handle.Pid()}, nil
}

func (p *Pool) buildArgs(rtspURL, rtmpURL string) []string {
	args := []string{"-loglevel", "warning"}
	args = append(args, "-rtsp_transport", "tcp", "-i", rtspURL)
	args = append(args, "-c:v", "copy", "-c:a", "aac", "-b:a", "128k", "-ar", "44100", "-f", "flv", rtmpURL)
	return args
}

// StopCamera terminates the relay for one camera.
func (p *Pool) StopCamera(cameraID uuid.UUID) {
	p.mu.Lock()
	cr, ok := p.relays[cameraID]
	if ok {
		delete(p.relays, cameraID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	cr.mu.Lock()
	cr.stopped = true
	handle := cr.handle
	cr.mu.Unlock()

	if handle != nil {
		_ = handle.Kill()
		_ = handle.Wait()
	}
	p.log.Info().Str("camera_id", cameraID.String()).Msg("relay stopped")
}

// StopAll terminates every relay.
func (p *Pool) StopAll() {
	p.mu.Lock()
	ids := make([]uuid.UUID, 0, len(p.relays))
	for id := range p.relays {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			p.StopCamera(id)
		}(id)
	}
	wg.Wait()
	p.wg.Wait()
}

// ActiveCount returns the number of cameras the pool currently keeps a
// relay warm for, including ones mid-restart.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.relays)
}

// LocalURLFor returns the relay URL currently assigned to a camera, if running.
func (p *Pool) LocalURLFor(cameraID uuid.UUID) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cr, ok := p.relays[cameraID]
	if !ok {
		return "", false
	}
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.localURL, true
}

// monitor waits for the relay's child to die and restarts it after a flat
// 5s delay, unless StopCamera already removed it.
func (p *Pool) monitor(cr *cameraRelay) {
	defer p.wg.Done()
	for {
		handle := cr.handle
		err := handle.Wait()

		cr.mu.Lock()
		stopped := cr.stopped
		cr.mu.Unlock()
		if stopped {
			return
		}

		p.log.Error().Str("camera_id", cr.camera.ID.String()).AnErr("error", err).Msg("relay died, restarting in 5s")
		time.Sleep(autoRestartDelay)

		cr.mu.Lock()
		if cr.stopped {
			cr.mu.Unlock()
			return
		}
		args := p.buildArgs(cr.camera.RTSPURL(), cr.localURL)
		newHandle, spawnErr := p.spawn(context.Background(), p.binaryPath, args)
		if spawnErr != nil {
			p.log.Error().Err(spawnErr).Str("camera_id", cr.camera.ID.String()).Msg("relay restart failed to spawn")
			cr.mu.Unlock()
			return
		}
		cr.handle = newHandle
		cr.restartAt = time.Now()
		cr.mu.Unlock()
	}
}

// Package transcoder implements the Transcoder Process Supervisor (C2): a
// supervised wrapper around one external encoder subprocess per stream id.
package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vistterstream/engine/internal/engineerrors"
	"github.com/vistterstream/engine/internal/model"
)

const (
	maxRetries          = 10
	gracefulStopTimeout = 5 * time.Second
	monitorChunkBytes   = 8 * 1024
	monitorReadDeadline = 60 * time.Second
	tailLines           = 20
)

// Metrics is the narrow surface the supervisor reports progress through;
// internal/metrics implements it against Prometheus.
type Metrics interface {
	ObserveProgress(streamID uuid.UUID, fps, kbps, dropped float64, speed float64)
	SetActiveStreams(n int)
	IncRestart(streamID uuid.UUID)
}

type noopMetrics struct{}

func (noopMetrics) ObserveProgress(uuid.UUID, float64, float64, float64, float64) {}
func (noopMetrics) SetActiveStreams(int)                                         {}
func (noopMetrics) IncRestart(uuid.UUID)                                         {}

// processHandle abstracts the running child so tests can substitute a fake
// without actually spawning ffmpeg.
type processHandle interface {
	Stderr() io.ReadCloser
	Wait() error
	Signal(syscall.Signal) error
	Kill() error
	Pid() int
}

type osProcess struct {
	cmd    *exec.Cmd
	stderr io.ReadCloser
}

func (p *osProcess) Stderr() io.ReadCloser        { return p.stderr }
func (p *osProcess) Wait() error                  { return p.cmd.Wait() }
func (p *osProcess) Signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}
func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	// Negative pid targets the whole process group we set at spawn time,
	// so a forced kill takes any grandchildren the encoder spawned with it.
	return syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL)
}
func (p *osProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// spawnFunc starts a child process for the given argv and returns a handle.
// Overridable in tests.
type spawnFunc func(ctx context.Context, binaryPath string, args []string) (processHandle, error)

func defaultSpawn(ctx context.Context, binaryPath string, args []string) (processHandle, error) {
	cmd := exec.Command(binaryPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: cmd, stderr: stderr}, nil
}

// streamProcess is the supervisor's per-stream bookkeeping entry.
type streamProcess struct {
	mu             sync.Mutex
	streamID       uuid.UUID
	binaryPath     string
	args           []string
	handle         processHandle
	status         model.StreamStatus
	startedAt      time.Time
	retryCount     int
	lastError      string
	outputURLs     []string
	autoRestart    bool
	tail           []string
	monitorCancel  context.CancelFunc
	monitorDone    chan struct{}
}

// IsStoppedFunc lets the persistence layer veto an auto-restart ("this
// stream was explicitly stopped") without the supervisor depending on it.
type IsStoppedFunc func(streamID uuid.UUID) bool

// Supervisor manages at most one subprocess per stream id.
type Supervisor struct {
	mu            sync.Mutex
	processes     map[uuid.UUID]*streamProcess
	diedCallbacks map[uuid.UUID]func(streamID uuid.UUID, errMsg string)

	binaryPath    string
	maxConcurrent int
	spawn         spawnFunc
	isStopped     IsStoppedFunc
	metrics       Metrics
	log           zerolog.Logger
}

func NewSupervisor(binaryPath string, maxConcurrent int, isStopped IsStoppedFunc, metrics Metrics, log zerolog.Logger) *Supervisor {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Supervisor{
		processes:     make(map[uuid.UUID]*streamProcess),
		diedCallbacks: make(map[uuid.UUID]func(uuid.UUID, string)),
		binaryPath:    binaryPath,
		maxConcurrent: maxConcurrent,
		spawn:         defaultSpawn,
		isStopped:     isStopped,
		metrics:       metrics,
		log:           log,
	}
}

// OnDied registers the single died-callback for a stream id, invoked when
// the monitor observes process exit (crash OR forced recovery kill).
func (s *Supervisor) OnDied(streamID uuid.UUID, cb func(streamID uuid.UUID, errMsg string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.diedCallbacks[streamID] = cb
}

func (s *Supervisor) clearDied(streamID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.diedCallbacks, streamID)
}

// Start spawns a new subprocess for streamID. It fails if streamID is
// already running or the concurrent ceiling is reached.
func (s *Supervisor) Start(ctx context.Context, streamID uuid.UUID, inputURL string, outputURLs []string, profile EncodingProfile, overlays []TimedOverlay, timelineDuration float64, loop bool) (model.StreamState, error) {
	s.mu.Lock()
	if _, exists := s.processes[streamID]; exists {
		s.mu.Unlock()
		return model.StreamState{}, engineerrors.New("transcoder.start", "already_running", engineerrors.Configuration,
			fmt.Sprintf("stream %s already running", streamID), nil)
	}
	if len(s.processes) >= s.maxConcurrent {
		s.mu.Unlock()
		return model.StreamState{}, engineerrors.New("transcoder.start", "ceiling_reached", engineerrors.Configuration,
			fmt.Sprintf("concurrent stream ceiling %d reached", s.maxConcurrent), nil)
	}
	s.mu.Unlock()

	args := BuildCommand(inputURL, outputURLs, profile, overlays, timelineDuration, loop)
	return s.spawnAndTrack(ctx, streamID, args, outputURLs)
}

func (s *Supervisor) spawnAndTrack(ctx context.Context, streamID uuid.UUID, args []string, outputURLs []string) (model.StreamState, error) {
	handle, err := s.spawn(ctx, s.binaryPath, args)
	if err != nil {
		return model.StreamState{}, engineerrors.New("transcoder.spawn", "spawn_failed", engineerrors.Transient,
			"failed to spawn transcoder", err)
	}

	sp := &streamProcess{
		streamID:    streamID,
		binaryPath:  s.binaryPath,
		args:        args,
		handle:      handle,
		status:      model.StreamRunning,
		startedAt:   time.Now(),
		outputURLs:  outputURLs,
		autoRestart: true,
	}

	s.mu.Lock()
	s.processes[streamID] = sp
	n := len(s.processes)
	s.mu.Unlock()
	s.metrics.SetActiveStreams(n)

	monitorCtx, cancel := context.WithCancel(context.Background())
	sp.monitorCancel = cancel
	sp.monitorDone = make(chan struct{})
	go s.monitor(monitorCtx, sp)

	return s.snapshot(sp), nil
}

func (s *Supervisor) snapshot(sp *streamProcess) model.StreamState {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return model.StreamState{
		ID:         sp.streamID,
		Status:     sp.status,
		StartedAt:  sp.startedAt,
		RetryCount: sp.retryCount,
		LastError:  sp.lastError,
		OutputURLs: append([]string(nil), sp.outputURLs...),
	}
}

// State returns the current StreamState for a running stream, if any.
func (s *Supervisor) State(streamID uuid.UUID) (model.StreamState, bool) {
	s.mu.Lock()
	sp, ok := s.processes[streamID]
	s.mu.Unlock()
	if !ok {
		return model.StreamState{}, false
	}
	return s.snapshot(sp), true
}

// IsRunning reports whether a stream is tracked and in RUNNING status.
func (s *Supervisor) IsRunning(streamID uuid.UUID) bool {
	st, ok := s.State(streamID)
	return ok && st.Status == model.StreamRunning
}

// ActiveCount returns the number of currently tracked streams.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes)
}

// FindByOutputURL linearly scans running streams for one publishing to url.
func (s *Supervisor) FindByOutputURL(url string) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sp := range s.processes {
		sp.mu.Lock()
		urls := sp.outputURLs
		sp.mu.Unlock()
		for _, u := range urls {
			if u == url {
				return id, true
			}
		}
	}
	return uuid.Nil, false
}

// Stop disables auto-restart, politely terminates, waits up to 5s, then
// force-kills. It is idempotent: stopping an unknown stream is a no-op.
func (s *Supervisor) Stop(ctx context.Context, streamID uuid.UUID) error {
	s.mu.Lock()
	sp, ok := s.processes[streamID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	sp.mu.Lock()
	sp.autoRestart = false
	handle := sp.handle
	sp.mu.Unlock()

	s.gracefulShutdown(handle)

	if sp.monitorCancel != nil {
		sp.monitorCancel()
	}
	if sp.monitorDone != nil {
		<-sp.monitorDone
	}

	s.mu.Lock()
	delete(s.processes, streamID)
	n := len(s.processes)
	s.mu.Unlock()
	s.metrics.SetActiveStreams(n)
	return nil
}

func (s *Supervisor) gracefulShutdown(handle processHandle) {
	if handle == nil {
		return
	}
	_ = handle.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		handle.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracefulStopTimeout):
		_ = handle.Kill()
		<-done
	}
}

// ForceKillForRecovery kills the child without disabling auto-restart,
// so the monitor treats it exactly like a crash and the normal backoff
// restart takes over. This is the mechanism the Health Watchdog's tier-1
// and tier-2 recovery use: the watchdog never starts a new stream
// itself, it only removes the unhealthy one and lets the existing
// died-callback/restart path spin a replacement.
func (s *Supervisor) ForceKillForRecovery(streamID uuid.UUID) error {
	s.mu.Lock()
	sp, ok := s.processes[streamID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	sp.mu.Lock()
	handle := sp.handle
	sp.mu.Unlock()
	if handle == nil {
		return nil
	}
	return handle.Kill()
}

// Rekey moves a tracked process entry from tempID to realID, used by the
// seamless-handoff path: the new stream is started under a throwaway id
// so it can run alongside the old one, then re-keyed onto the real
// timeline id once the old stream has been stopped. It fails if tempID
// isn't tracked or realID already is.
func (s *Supervisor) Rekey(tempID, realID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.processes[tempID]
	if !ok {
		return fmt.Errorf("rekey: temp stream %s not tracked", tempID)
	}
	if _, exists := s.processes[realID]; exists {
		return fmt.Errorf("rekey: target stream %s already tracked", realID)
	}
	sp.mu.Lock()
	sp.streamID = realID
	sp.mu.Unlock()
	delete(s.processes, tempID)
	s.processes[realID] = sp
	delete(s.diedCallbacks, tempID)
	return nil
}

func (s *Supervisor) monitor(ctx context.Context, sp *streamProcess) {
	defer close(sp.monitorDone)

	stderr := sp.handle.Stderr()
	lines := make(chan string, 64)
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		defer close(lines)
		readLoop(stderr, lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				goto exited
			}
			s.ingestLine(sp, line)
		case <-time.After(monitorReadDeadline):
			// No output for 60s: keep waiting rather than treating
			// silence as death; exit shows up as the stream closing.
			continue
		}
	}

exited:
	err := sp.handle.Wait()
	sp.mu.Lock()
	exitMsg := "transcoder exited"
	if err != nil {
		exitMsg = err.Error()
	}
	if best := scanForError(sp.tail); best != "" {
		exitMsg = best
	}
	sp.lastError = exitMsg
	sp.status = model.StreamError
	autoRestart := sp.autoRestart
	sp.mu.Unlock()

	s.log.Warn().Str("stream_id", sp.streamID.String()).Str("error", exitMsg).Msg("transcoder died")

	shouldRestart := autoRestart && !s.isStoppedExternally(sp.streamID)
	if shouldRestart {
		go s.restart(sp)
	}

	s.mu.Lock()
	cb := s.diedCallbacks[sp.streamID]
	s.mu.Unlock()
	if cb != nil {
		cb(sp.streamID, exitMsg)
	}
}

func (s *Supervisor) isStoppedExternally(streamID uuid.UUID) bool {
	if s.isStopped == nil {
		return false
	}
	return s.isStopped(streamID)
}

func readLoop(r io.ReadCloser, out chan<- string) {
	reader := bufio.NewReaderSize(r, monitorChunkBytes)
	var partial []byte
	buf := make([]byte, monitorChunkBytes)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			partial = append(partial, buf[:n]...)
			for {
				idx := indexNewline(partial)
				if idx < 0 {
					break
				}
				out <- string(partial[:idx])
				partial = partial[idx+1:]
			}
		}
		if err != nil {
			if len(partial) > 0 {
				out <- string(partial)
			}
			return
		}
	}
}

func indexNewline(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}

func (s *Supervisor) ingestLine(sp *streamProcess, line string) {
	sp.mu.Lock()
	sp.tail = append(sp.tail, line)
	if len(sp.tail) > tailLines {
		sp.tail = sp.tail[1:]
	}
	sp.mu.Unlock()

	fps, kbps, dropped, speed, ok := parseProgress(line)
	if ok {
		s.metrics.ObserveProgress(sp.streamID, fps, kbps, dropped, speed)
	}
}

// restart implements the bounded exponential backoff restart policy:
// min(2^n, 60) seconds, capped at 10 attempts.
func (s *Supervisor) restart(sp *streamProcess) {
	sp.mu.Lock()
	if sp.retryCount >= maxRetries {
		sp.mu.Unlock()
		s.log.Error().Str("stream_id", sp.streamID.String()).Msg("transcoder restart attempts exhausted")
		return
	}
	sp.retryCount++
	n := sp.retryCount
	args := sp.args
	binaryPath := sp.binaryPath
	sp.status = model.StreamRestarting
	sp.mu.Unlock()

	s.metrics.IncRestart(sp.streamID)
	backoff := backoffFor(n)
	s.log.Info().Str("stream_id", sp.streamID.String()).Int("attempt", n).Dur("backoff", backoff).Msg("scheduling transcoder restart")
	time.Sleep(backoff)

	sp.mu.Lock()
	stopped := !sp.autoRestart
	sp.mu.Unlock()
	if stopped {
		return
	}

	handle, err := s.spawn(context.Background(), binaryPath, args)
	if err != nil {
		s.log.Error().Err(err).Str("stream_id", sp.streamID.String()).Msg("transcoder restart failed to spawn")
		go s.restart(sp)
		return
	}

	sp.mu.Lock()
	sp.handle = handle
	sp.status = model.StreamRunning
	sp.startedAt = time.Now()
	sp.tail = nil
	sp.mu.Unlock()

	monitorCtx, cancel := context.WithCancel(context.Background())
	sp.monitorCancel = cancel
	sp.monitorDone = make(chan struct{})
	go s.monitor(monitorCtx, sp)
}

// backoffFor is min(2^n, 60) seconds.
func backoffFor(attempt int) time.Duration {
	secs := 1 << attempt
	if secs > 60 || secs <= 0 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

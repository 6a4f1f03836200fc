package transcoder

import (
	"context"
	"io"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistterstream/engine/internal/model"
)

// fakeProcess is a controllable processHandle for tests: it never touches
// the OS, and test code can make it "die" by closing stderr and signaling
// waitCh.
type fakeProcess struct {
	mu       sync.Mutex
	stderrR  *io.PipeReader
	stderrW  *io.PipeWriter
	waitCh   chan struct{}
	killed   bool
	signaled []syscall.Signal
}

func newFakeProcess() *fakeProcess {
	r, w := io.Pipe()
	return &fakeProcess{stderrR: r, stderrW: w, waitCh: make(chan struct{})}
}

func (f *fakeProcess) Stderr() io.ReadCloser { return f.stderrR }
func (f *fakeProcess) Wait() error {
	<-f.waitCh
	return nil
}
func (f *fakeProcess) Signal(sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signaled = append(f.signaled, sig)
	if sig == syscall.SIGTERM {
		f.die()
	}
	return nil
}
func (f *fakeProcess) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	f.die()
	return nil
}
func (f *fakeProcess) Pid() int { return 4242 }

func (f *fakeProcess) die() {
	select {
	case <-f.waitCh:
	default:
		f.stderrW.Close()
		close(f.waitCh)
	}
}

func newTestSupervisor(t *testing.T, procs map[uuid.UUID]*fakeProcess) *Supervisor {
	sup := NewSupervisor("ffmpeg", 4, nil, nil, zerolog.Nop())
	sup.spawn = func(ctx context.Context, bin string, args []string) (processHandle, error) {
		// Each Start call gets a fresh fake; procs is not consulted, and
		// tests observe streams through FindByOutputURL/State.
		p := newFakeProcess()
		return p, nil
	}
	return sup
}

func TestStartAssignsRunningState(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	id := uuid.New()

	st, err := sup.Start(context.Background(), id, "rtsp://127.0.0.1:1935/live/camera_1", []string{"rtmp://out/1"}, ReliabilityProfile("libx264"), nil, 60, false)
	require.NoError(t, err)
	assert.Equal(t, id, st.ID)
	assert.Equal(t, model.StreamRunning, st.Status)
	assert.Equal(t, 1, sup.ActiveCount())

	_ = sup.Stop(context.Background(), id)
	assert.Equal(t, 0, sup.ActiveCount())
}

func TestStartRefusesDuplicateStreamID(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	id := uuid.New()
	_, err := sup.Start(context.Background(), id, "rtsp://x", []string{"rtmp://out/1"}, ReliabilityProfile("libx264"), nil, 60, false)
	require.NoError(t, err)

	_, err = sup.Start(context.Background(), id, "rtsp://x", []string{"rtmp://out/1"}, ReliabilityProfile("libx264"), nil, 60, false)
	require.Error(t, err)
}

func TestStartRefusesPastConcurrencyCeiling(t *testing.T) {
	sup := NewSupervisor("ffmpeg", 1, nil, nil, zerolog.Nop())
	sup.spawn = func(ctx context.Context, bin string, args []string) (processHandle, error) {
		return newFakeProcess(), nil
	}

	_, err := sup.Start(context.Background(), uuid.New(), "rtsp://x", []string{"rtmp://out/1"}, ReliabilityProfile("libx264"), nil, 60, false)
	require.NoError(t, err)

	_, err = sup.Start(context.Background(), uuid.New(), "rtsp://x", []string{"rtmp://out/1"}, ReliabilityProfile("libx264"), nil, 60, false)
	require.Error(t, err)
}

func TestDiedCallbackFiresExactlyOnceOnCrash(t *testing.T) {
	sup := NewSupervisor("ffmpeg", 4, nil, nil, zerolog.Nop())
	var handle *fakeProcess
	sup.spawn = func(ctx context.Context, bin string, args []string) (processHandle, error) {
		handle = newFakeProcess()
		return handle, nil
	}

	id := uuid.New()
	calls := 0
	var mu sync.Mutex
	done := make(chan struct{})
	sup.OnDied(id, func(streamID uuid.UUID, errMsg string) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(done)
	})

	_, err := sup.Start(context.Background(), id, "rtsp://x", []string{"rtmp://out/1"}, ReliabilityProfile("libx264"), nil, 60, false)
	require.NoError(t, err)

	handle.die()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("died callback did not fire")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestBackoffForMatchesExponentialCap(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffFor(1))
	assert.Equal(t, 4*time.Second, backoffFor(2))
	assert.Equal(t, 60*time.Second, backoffFor(10))
	assert.Equal(t, 60*time.Second, backoffFor(30))
}

func TestFindByOutputURL(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	id := uuid.New()
	_, err := sup.Start(context.Background(), id, "rtsp://x", []string{"rtmp://out/specific"}, ReliabilityProfile("libx264"), nil, 60, false)
	require.NoError(t, err)

	found, ok := sup.FindByOutputURL("rtmp://out/specific")
	require.True(t, ok)
	assert.Equal(t, id, found)

	_, ok = sup.FindByOutputURL("rtmp://out/nonexistent")
	assert.False(t, ok)
}

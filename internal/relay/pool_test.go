package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vistterstream/engine/internal/model"
)

type fakeRelayProcess struct {
	mu     sync.Mutex
	waitCh chan struct{}
	killed bool
}

func newFakeRelayProcess() *fakeRelayProcess {
	return &fakeRelayProcess{waitCh: make(chan struct{})}
}

func (f *fakeRelayProcess) Wait() error {
	<-f.waitCh
	return nil
}
func (f *fakeRelayProcess) Kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
	select {
	case <-f.waitCh:
	default:
		close(f.waitCh)
	}
	return nil
}
func (f *fakeRelayProcess) Pid() int { return 1001 }

func testPool() (*Pool, *[]*fakeRelayProcess) {
	var spawned []*fakeRelayProcess
	p := NewPool("ffmpeg", "rtmp://127.0.0.1:1935/live", zerolog.Nop())
	p.spawn = func(ctx context.Context, bin string, args []string) (relayHandle, error) {
		fp := newFakeRelayProcess()
		spawned = append(spawned, fp)
		return fp, nil
	}
	return p, &spawned
}

func TestStartCameraProducesDeterministicURL(t *testing.T) {
	p, _ := testPool()
	cam := model.Camera{ID: uuid.New()}

	st, err := p.StartCamera(context.Background(), cam)
	require.NoError(t, err)
	assert.Equal(t, "rtmp://127.0.0.1:1935/live/camera_"+cam.ID.String(), st.LocalRTMPURL)
}

func TestStartCameraIsIdempotent(t *testing.T) {
	p, spawned := testPool()
	cam := model.Camera{ID: uuid.New()}

	_, err := p.StartCamera(context.Background(), cam)
	require.NoError(t, err)
	_, err = p.StartCamera(context.Background(), cam)
	require.NoError(t, err)

	assert.Len(t, *spawned, 1)
}

func TestStopAllTerminatesEveryRelay(t *testing.T) {
	p, spawned := testPool()
	cam1 := model.Camera{ID: uuid.New()}
	cam2 := model.Camera{ID: uuid.New()}

	_, _ = p.StartCamera(context.Background(), cam1)
	_, _ = p.StartCamera(context.Background(), cam2)

	p.StopAll()

	for _, fp := range *spawned {
		assert.True(t, fp.killed)
	}
	_, ok := p.LocalURLFor(cam1.ID)
	assert.False(t, ok)
}

func TestMonitorDoesNotRestartAfterStop(t *testing.T) {
	p, spawned := testPool()
	cam := model.Camera{ID: uuid.New()}
	_, err := p.StartCamera(context.Background(), cam)
	require.NoError(t, err)

	p.StopCamera(cam.ID)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, *spawned, 1)
}

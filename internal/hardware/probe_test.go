package hardware

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetect_MissingBinaryIsFatal(t *testing.T) {
	p := NewProber("ffmpeg", zerolog.Nop())
	p.runCommand = func(ctx context.Context, bin string, args ...string) ([]byte, error) {
		return nil, &exec.Error{Name: bin, Err: exec.ErrNotFound}
	}

	_, err := p.Detect(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTranscoderMissing))
}

func TestDetect_FallsBackToSoftwareWhenNoHardwareEncoder(t *testing.T) {
	p := NewProber("ffmpeg", zerolog.Nop())
	p.runCommand = func(ctx context.Context, bin string, args ...string) ([]byte, error) {
		return []byte(" V..... libx264              libx264 H.264\n"), nil
	}

	caps, err := p.Detect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "libx264", caps.Encoder)
	assert.False(t, caps.HardwareAccelerated)
	assert.Equal(t, 2, caps.MaxConcurrentStreams)
}

package sink

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/hxnx/calmstream/internal/music"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDecoder writes a shell script standing in for ffmpeg.
func fakeDecoder(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("decoder stand-in needs /bin/sh")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestSink(t *testing.T, binary string, loadTimeout time.Duration) *FFmpegSink {
	t.Helper()
	s := New(Options{
		Binary:      binary,
		Output:      &DiscardOutput{},
		LoadTimeout: loadTimeout,
		Registry:    NewRegistry(zerolog.Nop()),
		Logger:      zerolog.Nop(),
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoadProceedsWhenOnlyMetadataArrived(t *testing.T) {
	bin := fakeDecoder(t, `echo "  Duration: 00:03:05.50, start: 0.000000, bitrate: 128 kb/s" >&2
exec sleep 5`)
	s := newTestSink(t, bin, 200*time.Millisecond)

	dur, err := s.Load(context.Background(), "https://cdn.example/a.mp3", 7)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Minute+5500*time.Millisecond, dur)
}

func TestLoadTimesOutWithoutMetadata(t *testing.T) {
	bin := fakeDecoder(t, `exec sleep 5`)
	s := newTestSink(t, bin, 50*time.Millisecond)

	start := time.Now()
	_, err := s.Load(context.Background(), "https://cdn.example/a.mp3", 7)
	require.Error(t, err)
	assert.Equal(t, music.KindLoadTimeout, music.KindOf(err))
	assert.ErrorIs(t, err, music.ErrLoadTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.ErrorIs(t, s.Play(context.Background()), music.ErrNothingLoaded)
}

func TestLoadClassifiesDecoderExit(t *testing.T) {
	bin := fakeDecoder(t, `echo "a.mp3: Invalid data found when processing input" >&2
exit 1`)
	s := newTestSink(t, bin, time.Second)

	_, err := s.Load(context.Background(), "https://cdn.example/a.mp3", 7)
	require.Error(t, err)
	assert.Equal(t, music.KindFormatUnsupported, music.KindOf(err))
}

func TestLoadHonoursCallerDeadline(t *testing.T) {
	bin := fakeDecoder(t, `exec sleep 5`)
	s := newTestSink(t, bin, time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := s.Load(ctx, "https://cdn.example/a.mp3", 7)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

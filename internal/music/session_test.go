package music

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionCompletesOnce(t *testing.T) {
	clock := newFakeClock()
	telemetry := &fakeTelemetry{}
	r := NewSessionRecorder(telemetry, zerolog.Nop()).WithClock(clock.Now)

	r.TrackStarted(Track{ID: "a", Genre: "piano"}, "sleep")
	clock.Advance(time.Second)
	r.AddPlayback(90 * time.Second)
	r.TrackSkipped(Track{ID: "a"})
	r.TrackStarted(Track{ID: "b", Genre: "ambient"}, "sleep")
	r.TrackStarted(Track{ID: "c", Genre: "ambient"}, "sleep")
	r.AddPlayback(30 * time.Second)
	clock.Advance(time.Minute)

	summary, emitted, err := r.Complete(context.Background(), "stopped")
	require.NoError(t, err)
	require.True(t, emitted)
	assert.NotEmpty(t, summary.SessionID)
	assert.Equal(t, "sleep", summary.Goal)
	assert.Equal(t, "stopped", summary.Reason)
	assert.Equal(t, []string{"a", "b", "c"}, summary.TracksPlayed)
	assert.Equal(t, 120.0, summary.TotalDurationSeconds)
	assert.Equal(t, 1, summary.SkipCount)
	assert.Equal(t, []string{"ambient", "piano"}, summary.DominantGenres)
	assert.Equal(t, time.Minute+time.Second, summary.EndedAt.Sub(summary.StartedAt))

	_, emitted, err = r.Complete(context.Background(), "closed")
	require.NoError(t, err)
	assert.False(t, emitted)
	assert.Len(t, telemetry.recorded(), 1)
}

func TestSessionIgnoresActivityWithoutSession(t *testing.T) {
	r := NewSessionRecorder(nil, zerolog.Nop())
	r.AddPlayback(time.Minute)
	r.TrackSkipped(Track{ID: "a"})

	assert.False(t, r.Active())
	_, ok := r.Snapshot()
	assert.False(t, ok)
}

func TestSessionIdleFor(t *testing.T) {
	clock := newFakeClock()
	r := NewSessionRecorder(nil, zerolog.Nop()).WithClock(clock.Now)
	r.TrackStarted(Track{ID: "a"}, "")

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 10*time.Minute, r.IdleFor())

	r.AddPlayback(time.Second)
	assert.Equal(t, time.Duration(0), r.IdleFor())
}

func TestDominantGenresTieBreak(t *testing.T) {
	got := dominantGenres(map[string]int{"rain": 2, "ambient": 2, "piano": 5})
	assert.Equal(t, []string{"piano", "ambient", "rain"}, got)
}

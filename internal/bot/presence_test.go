package bot

import (
	"strings"
	"testing"

	"github.com/hxnx/calmstream/config"
	"github.com/hxnx/calmstream/internal/music"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestNowPlayingText(t *testing.T) {
	tests := []struct {
		name  string
		state music.PlaybackState
		want  string
	}{
		{"idle", music.PlaybackState{}, ""},
		{"title and artist", music.PlaybackState{IsPlaying: true, CurrentTrack: &music.Track{ID: "1", Title: "Rain", Artist: "Anon"}}, "Rain by Anon"},
		{"falls back to id", music.PlaybackState{IsPlaying: true, CurrentTrack: &music.Track{ID: "42"}}, "42"},
		{"paused", music.PlaybackState{CurrentTrack: &music.Track{ID: "1", Title: "Rain"}}, "Rain (paused)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NowPlayingText(tt.state))
		})
	}
}

func TestNowPlayingTextTruncates(t *testing.T) {
	long := strings.Repeat("é", 300)
	got := NowPlayingText(music.PlaybackState{IsPlaying: true, CurrentTrack: &music.Track{Title: long}})

	assert.Len(t, []rune(got), maxStatusLength)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(&config.Config{}, zerolog.Nop())
	assert.ErrorIs(t, err, ErrNoToken)
}

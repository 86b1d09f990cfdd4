package bot

import (
	"fmt"
	"time"

	"github.com/hxnx/calmstream/internal/music"
)

const (
	presenceUpdateInterval = 15 * time.Second
	maxStatusLength        = 128
	idleStatus             = "nothing"
)

// startPresenceUpdater must be called with b.mu held.
func (b *Bot) startPresenceUpdater() {
	if b.presenceStop != nil {
		return
	}
	stop := make(chan struct{})
	b.presenceStop = stop
	go func() {
		ticker := time.NewTicker(presenceUpdateInterval)
		defer ticker.Stop()

		b.updatePresence()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.updatePresence()
			}
		}
	}()
}

// stopPresenceUpdater must be called with b.mu held.
func (b *Bot) stopPresenceUpdater() {
	if b.presenceStop == nil {
		return
	}
	close(b.presenceStop)
	b.presenceStop = nil
}

func (b *Bot) updatePresence() {
	b.mu.Lock()
	source := b.nowPlaying
	last := b.lastStatus
	b.mu.Unlock()

	status := idleStatus
	if source != nil {
		if s := source(); s != "" {
			status = s
		}
	}
	if status == last {
		return
	}

	if err := b.session.UpdateListeningStatus(status); err != nil {
		b.logger.Debug().Err(err).Msg("failed to update presence")
		return
	}

	b.mu.Lock()
	b.lastStatus = status
	b.mu.Unlock()
}

// NowPlayingText renders a playback state for the presence line.
func NowPlayingText(st music.PlaybackState) string {
	if st.CurrentTrack == nil {
		return ""
	}

	text := st.CurrentTrack.Title
	if text == "" {
		text = st.CurrentTrack.ID
	}
	if st.CurrentTrack.Artist != "" {
		text = fmt.Sprintf("%s by %s", text, st.CurrentTrack.Artist)
	}
	if !st.IsPlaying {
		text += " (paused)"
	}

	if r := []rune(text); len(r) > maxStatusLength {
		text = string(r[:maxStatusLength-3]) + "..."
	}
	return text
}

package music

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Telemetry receives one summary per completed listening session.
type Telemetry interface {
	RecordSession(ctx context.Context, summary SessionSummary) error
}

type listeningSession struct {
	id           string
	goal         string
	startedAt    time.Time
	lastActivity time.Time
	played       []string
	seconds      float64
	skips        int
	genres       map[string]int
}

// SessionRecorder tracks the current listening session and emits it to
// telemetry exactly once when the session completes.
type SessionRecorder struct {
	telemetry Telemetry
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	current *listeningSession
}

func NewSessionRecorder(telemetry Telemetry, logger zerolog.Logger) *SessionRecorder {
	return &SessionRecorder{
		telemetry: telemetry,
		logger:    logger.With().Str("component", "session").Logger(),
		now:       time.Now,
	}
}

func (r *SessionRecorder) WithClock(now func() time.Time) *SessionRecorder {
	r.now = now
	return r
}

// TrackStarted opens a session if none is active and records the track.
func (r *SessionRecorder) TrackStarted(t Track, goal string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if r.current == nil {
		r.current = &listeningSession{
			id:        uuid.NewString(),
			goal:      goal,
			startedAt: now,
			genres:    make(map[string]int),
		}
		r.logger.Info().Str("session_id", r.current.id).Str("goal", goal).Msg("listening session started")
	}

	s := r.current
	s.lastActivity = now
	if s.goal == "" {
		s.goal = goal
	}
	if t.ID != "" {
		s.played = append(s.played, t.ID)
	}
	if t.Genre != "" {
		s.genres[t.Genre]++
	}
}

func (r *SessionRecorder) AddPlayback(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	r.current.seconds += d.Seconds()
	r.current.lastActivity = r.now()
}

func (r *SessionRecorder) TrackSkipped(t Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}
	r.current.skips++
	r.current.lastActivity = r.now()
}

func (r *SessionRecorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// IdleFor reports how long the active session has seen no activity.
func (r *SessionRecorder) IdleFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return 0
	}
	return r.now().Sub(r.current.lastActivity)
}

func (r *SessionRecorder) Snapshot() (SessionSummary, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return SessionSummary{}, false
	}
	return r.summarize(r.current, "", r.now()), true
}

// Complete closes the active session and sends its summary to telemetry.
// Only the first call after a session starts emits anything.
func (r *SessionRecorder) Complete(ctx context.Context, reason string) (SessionSummary, bool, error) {
	r.mu.Lock()
	s := r.current
	r.current = nil
	now := r.now()
	r.mu.Unlock()

	if s == nil {
		return SessionSummary{}, false, nil
	}

	summary := r.summarize(s, reason, now)
	r.logger.Info().
		Str("session_id", summary.SessionID).
		Str("reason", reason).
		Int("tracks", len(summary.TracksPlayed)).
		Float64("seconds", summary.TotalDurationSeconds).
		Int("skips", summary.SkipCount).
		Msg("listening session completed")

	if r.telemetry == nil {
		return summary, true, nil
	}
	if err := r.telemetry.RecordSession(ctx, summary); err != nil {
		r.logger.Warn().Err(err).Str("session_id", summary.SessionID).Msg("failed to record session")
		return summary, true, err
	}
	return summary, true, nil
}

func (r *SessionRecorder) summarize(s *listeningSession, reason string, now time.Time) SessionSummary {
	played := make([]string, len(s.played))
	copy(played, s.played)

	return SessionSummary{
		SessionID:            s.id,
		Goal:                 s.goal,
		StartedAt:            s.startedAt,
		EndedAt:              now,
		Reason:               reason,
		TracksPlayed:         played,
		TotalDurationSeconds: s.seconds,
		SkipCount:            s.skips,
		DominantGenres:       dominantGenres(s.genres),
	}
}

// dominantGenres orders genres by play count, ties broken by name.
func dominantGenres(counts map[string]int) []string {
	genres := make([]string, 0, len(counts))
	for g := range counts {
		genres = append(genres, g)
	}
	sort.Slice(genres, func(i, j int) bool {
		if counts[genres[i]] != counts[genres[j]] {
			return counts[genres[i]] > counts[genres[j]]
		}
		return genres[i] < genres[j]
	})
	return genres
}

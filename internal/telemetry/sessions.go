package telemetry

import (
	"context"
	"database/sql"
	"time"

	"github.com/hxnx/calmstream/internal/database"
	"github.com/hxnx/calmstream/internal/music"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const sessionWriteTimeout = 3 * time.Second

// NewRecorder stores sessions in PostgreSQL when a database is available
// and logs them otherwise.
func NewRecorder(db *sql.DB, logger zerolog.Logger) music.Telemetry {
	if db == nil {
		return NewLogRecorder(logger)
	}
	return NewPostgresRecorder(db)
}

func NewRecorderFromDefault(logger zerolog.Logger) music.Telemetry {
	return NewRecorder(database.GetDB(), logger)
}

type PostgresRecorder struct {
	db *sql.DB
}

func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

func (r *PostgresRecorder) RecordSession(ctx context.Context, s music.SessionSummary) error {
	if r == nil || r.db == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, sessionWriteTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, insertSessionQuery, sessionArgs(s)...)
	return err
}

const insertSessionQuery = `
	INSERT INTO listening_sessions (
		session_id, goal, started_at, ended_at, reason,
		tracks_played, total_duration_seconds, skip_count, dominant_genres
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (session_id) DO NOTHING;
`

func sessionArgs(s music.SessionSummary) []any {
	played := s.TracksPlayed
	if played == nil {
		played = []string{}
	}
	genres := s.DominantGenres
	if genres == nil {
		genres = []string{}
	}
	return []any{
		s.SessionID,
		s.Goal,
		s.StartedAt,
		s.EndedAt,
		s.Reason,
		pq.Array(played),
		s.TotalDurationSeconds,
		s.SkipCount,
		pq.Array(genres),
	}
}

type LogRecorder struct {
	logger zerolog.Logger
}

func NewLogRecorder(logger zerolog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With().Str("component", "telemetry").Logger()}
}

func (r *LogRecorder) RecordSession(_ context.Context, s music.SessionSummary) error {
	r.logger.Info().
		Str("session_id", s.SessionID).
		Str("goal", s.Goal).
		Str("reason", s.Reason).
		Strs("tracks_played", s.TracksPlayed).
		Float64("total_duration_seconds", s.TotalDurationSeconds).
		Int("skip_count", s.SkipCount).
		Strs("dominant_genres", s.DominantGenres).
		Dur("length", s.EndedAt.Sub(s.StartedAt)).
		Msg("listening session")
	return nil
}

package catalog

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/hxnx/calmstream/internal/database"
	"github.com/hxnx/calmstream/internal/music"
	"github.com/lib/pq"
)

const catalogRepoTimeout = 3 * time.Second

var ErrNoDatabase = errors.New("catalog database is not initialized")

// Postgres serves tracks from the tracks table. A track belongs to a goal
// when the goal appears in its goals array.
type Postgres struct {
	db *sql.DB
}

var _ music.Catalog = (*Postgres)(nil)

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func NewPostgresFromDefault() *Postgres {
	return &Postgres{db: database.GetDB()}
}

const trackColumns = `id, title, artist, genre, duration_seconds, bucket, object_key, stream_url`

func (p *Postgres) FetchTracksForGoal(ctx context.Context, goal string, limit int, excludeIDs []string) ([]music.Track, error) {
	if p == nil || p.db == nil {
		return nil, ErrNoDatabase
	}
	goal = strings.TrimSpace(goal)
	if goal == "" || limit <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, catalogRepoTimeout)
	defer cancel()

	query, args := goalQuery(goal, limit, excludeIDs)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tracks := make([]music.Track, 0, limit)
	for rows.Next() {
		t, err := scanTrack(rows)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, t)
	}
	return tracks, rows.Err()
}

func (p *Postgres) GetTrack(ctx context.Context, id string) (music.Track, bool, error) {
	if p == nil || p.db == nil {
		return music.Track{}, false, ErrNoDatabase
	}
	if id == "" {
		return music.Track{}, false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, catalogRepoTimeout)
	defer cancel()

	const query = `SELECT ` + trackColumns + ` FROM tracks WHERE id = $1`

	t, err := scanTrack(p.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return music.Track{}, false, nil
		}
		return music.Track{}, false, err
	}
	return t, true, nil
}

func goalQuery(goal string, limit int, excludeIDs []string) (string, []any) {
	exclude := excludeIDs
	if exclude == nil {
		exclude = []string{}
	}

	const query = `
		SELECT ` + trackColumns + `
		FROM tracks
		WHERE $1 = ANY(goals)
		  AND NOT (id = ANY($2))
		ORDER BY random()
		LIMIT $3
	`
	return query, []any{goal, pq.Array(exclude), limit}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrack(row scanner) (music.Track, error) {
	var (
		t       music.Track
		seconds int64
	)
	if err := row.Scan(&t.ID, &t.Title, &t.Artist, &t.Genre, &seconds, &t.Bucket, &t.Key, &t.StreamURL); err != nil {
		return music.Track{}, err
	}
	t.Duration = time.Duration(seconds) * time.Second
	return t, nil
}

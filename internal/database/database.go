package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

var (
	mu sync.RWMutex
	db *sql.DB
)

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// ConnectionString renders a lib/pq keyword/value DSN. Values are quoted
// so passwords with spaces or quotes survive.
func (cfg *Config) ConnectionString() string {
	parts := []string{
		"host=" + dsnValue(cfg.Host),
		fmt.Sprintf("port=%d", cfg.Port),
		"user=" + dsnValue(cfg.User),
		"dbname=" + dsnValue(cfg.DBName),
	}
	if cfg.SSLMode != "" {
		parts = append(parts, "sslmode="+dsnValue(cfg.SSLMode))
	}
	if cfg.Password != "" {
		parts = append(parts, "password="+dsnValue(cfg.Password))
	}
	return strings.Join(parts, " ")
}

func dsnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// Initialize opens the shared pool, checks it and applies migrations. A
// second call is a no-op once a pool is up.
func Initialize(cfg *Config) error {
	mu.Lock()
	defer mu.Unlock()

	if db != nil {
		return nil
	}

	conn, err := sql.Open("postgres", cfg.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if err := migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return err
	}

	log.Info().Str("host", cfg.Host).Str("database", cfg.DBName).Msg("database connection established")
	db = conn
	return nil
}

// migrations create the tables this service owns. The tracks table belongs
// to the catalog and is only created here so a fresh database is usable.
var migrations = []string{
	`
	CREATE TABLE IF NOT EXISTS tracks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		artist TEXT NOT NULL DEFAULT '',
		genre TEXT NOT NULL DEFAULT '',
		goals TEXT[] NOT NULL DEFAULT '{}',
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		bucket TEXT NOT NULL DEFAULT '',
		object_key TEXT NOT NULL DEFAULT '',
		stream_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`,
	`CREATE INDEX IF NOT EXISTS tracks_goals_idx ON tracks USING GIN (goals);`,
	`
	CREATE TABLE IF NOT EXISTS listening_sessions (
		session_id UUID PRIMARY KEY,
		goal TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		tracks_played TEXT[] NOT NULL DEFAULT '{}',
		total_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		skip_count INTEGER NOT NULL DEFAULT 0,
		dominant_genres TEXT[] NOT NULL DEFAULT '{}'
	);
	`,
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func migrate(ctx context.Context, conn execer) error {
	for i, m := range migrations {
		if _, err := conn.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	log.Debug().Int("count", len(migrations)).Msg("database migrations completed")
	return nil
}

// GetDB returns the shared pool, or nil before a successful Initialize.
func GetDB() *sql.DB {
	mu.RLock()
	defer mu.RUnlock()
	return db
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if db == nil {
		return nil
	}
	err := db.Close()
	db = nil
	return err
}

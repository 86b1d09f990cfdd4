package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionString(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "plain",
			cfg:  Config{Host: "db", Port: 5432, User: "calm", DBName: "calmstream", SSLMode: "disable"},
			want: "host=db port=5432 user=calm dbname=calmstream sslmode=disable",
		},
		{
			name: "quoted password",
			cfg:  Config{Host: "db", Port: 5432, User: "calm", DBName: "calmstream", Password: `it's a secret`},
			want: `host=db port=5432 user=calm dbname=calmstream password='it\'s a secret'`,
		},
		{
			name: "empty host",
			cfg:  Config{Port: 5433, User: "calm", DBName: "x"},
			want: "host='' port=5433 user=calm dbname=x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.ConnectionString())
		})
	}
}

type recordingExecer struct {
	queries []string
	failAt  int
}

func (r *recordingExecer) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	r.queries = append(r.queries, query)
	if r.failAt > 0 && len(r.queries) == r.failAt {
		return nil, errors.New("syntax error")
	}
	return nil, nil
}

func TestMigrateRunsInOrder(t *testing.T) {
	rec := &recordingExecer{}
	require.NoError(t, migrate(context.Background(), rec))
	require.Len(t, rec.queries, len(migrations))
	assert.Contains(t, rec.queries[0], "CREATE TABLE IF NOT EXISTS tracks")
	assert.Contains(t, rec.queries[len(rec.queries)-1], "listening_sessions")
}

func TestMigrateStopsOnFailure(t *testing.T) {
	rec := &recordingExecer{failAt: 2}
	err := migrate(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "migration 2 failed")
	assert.Len(t, rec.queries, 2)
}

func TestGetDBBeforeInitialize(t *testing.T) {
	assert.Nil(t, GetDB())
	assert.NoError(t, Close())
}

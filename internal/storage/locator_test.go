package storage

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/hxnx/calmstream/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicLocator(t *testing.T) {
	l := NewPublicLocator("https://cdn.example.com/media/")

	got, err := l.Locate(context.Background(), "sleep", "/albums/rain on glass.mp3")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/media/sleep/albums/rain%20on%20glass.mp3", got)

	_, err = l.Locate(context.Background(), "", "a.mp3")
	assert.ErrorIs(t, err, ErrMissingObject)

	_, err = NewPublicLocator("").Locate(context.Background(), "sleep", "a.mp3")
	assert.ErrorIs(t, err, ErrNoBaseURL)
}

func TestMinioLocatorPresigns(t *testing.T) {
	l, err := NewMinioLocator(&config.MinioConfig{
		Endpoint:      "storage.example.com:9000",
		AccessKey:     "access",
		SecretKey:     "secret-secret",
		Region:        "us-east-1",
		PresignExpiry: 10 * time.Minute,
	})
	require.NoError(t, err)

	raw, err := l.Locate(context.Background(), "audio", "tracks/42.mp3")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "http", u.Scheme)
	assert.Equal(t, "storage.example.com:9000", u.Host)
	assert.Equal(t, "/audio/tracks/42.mp3", u.Path)
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
}

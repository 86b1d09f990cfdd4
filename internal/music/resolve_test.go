package music

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hxnx/calmstream/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publicLocator struct{ base string }

func (l publicLocator) Locate(_ context.Context, bucket, key string) (string, error) {
	return fmt.Sprintf("%s/%s/%s", l.base, bucket, key), nil
}

type scriptedProber struct {
	mu       sync.Mutex
	outcomes map[string]Attempt
	probed   []string
}

func (p *scriptedProber) Probe(_ context.Context, rawURL string) Attempt {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, rawURL)
	if a, ok := p.outcomes[rawURL]; ok {
		return a
	}
	return Attempt{Outcome: ProbeUnreachable, Status: http.StatusNotFound}
}

func newTestResolver(p Prober, routes []config.RouteRule) *Resolver {
	return NewResolver(ResolverOptions{
		Locator:         publicLocator{base: "https://cdn.test"},
		Prober:          p,
		GatewayURL:      "https://gw.test/",
		IDBucket:        "audio",
		FallbackBuckets: []string{"audio"},
		Routes:          routes,
		Logger:          zerolog.Nop(),
	})
}

func TestResolveDirectURLSkipsProbe(t *testing.T) {
	p := &scriptedProber{}
	r := newTestResolver(p, nil)

	res := r.Resolve(context.Background(), Track{ID: "a", StreamURL: " https://x.test/a.mp3 "})

	assert.True(t, res.Success)
	assert.Equal(t, "https://x.test/a.mp3", res.URL)
	assert.Equal(t, MethodDirect, res.Method)
	assert.Empty(t, p.probed)
}

func TestResolveCandidateOrder(t *testing.T) {
	routes := []config.RouteRule{
		{Keywords: []string{"Sleep"}, Buckets: []string{"sleep"}},
		{Keywords: []string{"piano"}, Buckets: []string{"classical"}},
	}
	r := newTestResolver(nil, routes)

	got := r.Candidates(context.Background(), Track{
		ID:     "42",
		Title:  "Deep Sleep Waves",
		Genre:  "ambient",
		Bucket: "moods",
		Key:    "waves.ogg",
	})

	want := []Candidate{
		{URL: "https://cdn.test/moods/waves.ogg", Method: MethodStorage},
		{URL: "https://cdn.test/moods/deep-sleep-waves.mp3", Method: MethodRouted},
		{URL: "https://cdn.test/sleep/deep-sleep-waves.mp3", Method: MethodRouted},
		{URL: "https://cdn.test/audio/deep-sleep-waves.mp3", Method: MethodRouted},
		{URL: "https://cdn.test/audio/tracks/42.mp3", Method: MethodTrackID},
		{URL: "https://gw.test/stream/42", Method: MethodGateway},
	}
	assert.Equal(t, want, got)
}

func TestResolvePicksFirstReachable(t *testing.T) {
	p := &scriptedProber{outcomes: map[string]Attempt{
		"https://cdn.test/audio/tracks/7.mp3": {Outcome: ProbeReachable, Status: http.StatusOK},
	}}
	r := newTestResolver(p, nil)
	track := Track{ID: "7", Title: "Rain"}

	res := r.Resolve(context.Background(), track)
	require.True(t, res.Success)
	assert.Equal(t, MethodTrackID, res.Method)
	assert.Len(t, res.Attempts, 2)

	// cached
	again := r.Resolve(context.Background(), track)
	assert.Equal(t, res.URL, again.URL)
	assert.Len(t, p.probed, 2)

	r.Invalidate(context.Background(), track)
	r.Resolve(context.Background(), track)
	assert.Len(t, p.probed, 4)
}

func TestResolveFallsBackToUnknownProbe(t *testing.T) {
	p := &scriptedProber{outcomes: map[string]Attempt{
		"https://cdn.test/audio/rain.mp3": {Outcome: ProbeUnknown, Error: "timeout"},
	}}
	r := newTestResolver(p, nil)

	res := r.Resolve(context.Background(), Track{ID: "7", Title: "Rain"})
	require.True(t, res.Success)
	assert.Equal(t, "https://cdn.test/audio/rain.mp3", res.URL)
	assert.Len(t, res.Attempts, 3)
}

func TestResolveReportsAuthRejection(t *testing.T) {
	p := &scriptedProber{outcomes: map[string]Attempt{
		"https://cdn.test/audio/tracks/7.mp3": {Outcome: ProbeUnreachable, Status: http.StatusForbidden, AuthRejected: true},
	}}
	r := newTestResolver(p, nil)

	res := r.Resolve(context.Background(), Track{ID: "7"})
	assert.False(t, res.Success)
	assert.True(t, res.AuthRejected())
}

func TestResolveWithoutCandidates(t *testing.T) {
	r := NewResolver(ResolverOptions{Logger: zerolog.Nop()})
	res := r.Resolve(context.Background(), Track{ID: "7", Title: "Rain"})
	assert.False(t, res.Success)
	assert.Empty(t, res.Attempts)
}

func TestTitleSlug(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Clair de Lune", "clair-de-lune"},
		{"Nocturne; in E flat", "nocturne-in-e-flat"},
		{"Song (Remastered), Pt. 2", "song-remastered-pt-2"},
		{"   ", ""},
		{"Ocean & Rain", "ocean-rain"},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			assert.Equal(t, tt.want, TitleSlug(tt.title))
		})
	}

	long := TitleSlug("A very long ambient piece for deep rest and slow breathing exercises at night (3)")
	assert.LessOrEqual(t, len(long), 45)
	assert.NotContains(t, long, "--")
}

func TestHTTPProber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusOK)
		case "/no-head":
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if r.Header.Get("Range") != "bytes=0-1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusPartialContent)
		case "/private":
			if r.Header.Get("Authorization") == "Bearer good" {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusForbidden)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.Client(), time.Second)
	ctx := context.Background()

	assert.Equal(t, ProbeReachable, p.Probe(ctx, srv.URL+"/ok").Outcome)
	assert.Equal(t, ProbeReachable, p.Probe(ctx, srv.URL+"/no-head").Outcome)

	missing := p.Probe(ctx, srv.URL+"/missing")
	assert.Equal(t, ProbeUnreachable, missing.Outcome)
	assert.Equal(t, http.StatusNotFound, missing.Status)

	denied := p.Probe(ctx, srv.URL+"/private")
	assert.Equal(t, ProbeUnreachable, denied.Outcome)
	assert.True(t, denied.AuthRejected)

	p.WithAuthorizer(func(r *http.Request) { r.Header.Set("Authorization", "Bearer good") })
	assert.Equal(t, ProbeReachable, p.Probe(ctx, srv.URL+"/private").Outcome)
}

func TestHTTPProberUnreachableHostIsUnknown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	a := NewHTTPProber(nil, 200*time.Millisecond).Probe(context.Background(), addr+"/a.mp3")
	assert.Equal(t, ProbeUnknown, a.Outcome)
	assert.NotEmpty(t, a.Error)
}

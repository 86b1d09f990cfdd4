package music

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/hxnx/calmstream/config"
	"github.com/rs/zerolog"
)

// Locator turns a storage bucket and object key into a fetchable URL.
type Locator interface {
	Locate(ctx context.Context, bucket, key string) (string, error)
}

// Prober checks whether a candidate URL serves audio.
type Prober interface {
	Probe(ctx context.Context, rawURL string) Attempt
}

// TrackResolver is what the queue and controller need from a resolver.
type TrackResolver interface {
	Resolve(ctx context.Context, t Track) Resolution
	Invalidate(ctx context.Context, t Track)
}

type ResolverOptions struct {
	Locator         Locator
	Prober          Prober
	Cache           ResolveCache
	GatewayURL      string
	IDBucket        string
	FallbackBuckets []string
	Routes          []config.RouteRule
	Logger          zerolog.Logger
}

type Resolver struct {
	locator         Locator
	prober          Prober
	cache           ResolveCache
	gatewayURL      string
	idBucket        string
	fallbackBuckets []string
	routes          []config.RouteRule
	logger          zerolog.Logger
}

type Candidate struct {
	URL    string
	Method ResolveMethod
}

func NewResolver(opts ResolverOptions) *Resolver {
	cache := opts.Cache
	if cache == nil {
		cache = NewMemoryResolveCache()
	}
	idBucket := opts.IDBucket
	if idBucket == "" {
		idBucket = "audio"
	}
	return &Resolver{
		locator:         opts.Locator,
		prober:          opts.Prober,
		cache:           cache,
		gatewayURL:      strings.TrimRight(opts.GatewayURL, "/"),
		idBucket:        idBucket,
		fallbackBuckets: opts.FallbackBuckets,
		routes:          opts.Routes,
		logger:          opts.Logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve picks the first candidate URL that answers a probe. A candidate
// whose probe could not complete is kept as an optimistic fallback; a
// candidate that answered with an error is never returned.
func (r *Resolver) Resolve(ctx context.Context, t Track) Resolution {
	if direct := strings.TrimSpace(t.StreamURL); looksLikeURL(direct) {
		return Resolution{
			Success:  true,
			URL:      direct,
			Method:   MethodDirect,
			Attempts: []Attempt{{URL: direct, Method: MethodDirect, Outcome: ProbeUnknown}},
		}
	}

	key := resolveCacheKey(t)
	if cached, ok := r.cache.Get(ctx, key); ok && cached.Success {
		return cached
	}

	candidates := r.Candidates(ctx, t)
	if len(candidates) == 0 {
		r.logger.Debug().Str("track_id", t.ID).Msg("no url candidates")
		return Resolution{}
	}

	if r.prober == nil {
		first := candidates[0]
		return Resolution{
			Success:  true,
			URL:      first.URL,
			Method:   first.Method,
			Attempts: []Attempt{{URL: first.URL, Method: first.Method, Outcome: ProbeUnknown}},
		}
	}

	attempts := make([]Attempt, 0, len(candidates))
	var fallback *Attempt
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}

		attempt := r.prober.Probe(ctx, c.URL)
		attempt.URL = c.URL
		attempt.Method = c.Method
		attempts = append(attempts, attempt)

		switch attempt.Outcome {
		case ProbeReachable:
			res := Resolution{Success: true, URL: c.URL, Method: c.Method, Attempts: attempts}
			r.cache.Set(ctx, key, res)
			r.logger.Debug().
				Str("track_id", t.ID).
				Str("method", string(c.Method)).
				Int("attempts", len(attempts)).
				Msg("resolved track")
			return res
		case ProbeUnknown:
			if fallback == nil {
				a := attempt
				fallback = &a
			}
		}
	}

	if fallback != nil {
		return Resolution{Success: true, URL: fallback.URL, Method: fallback.Method, Attempts: attempts}
	}

	r.logger.Debug().Str("track_id", t.ID).Int("attempts", len(attempts)).Msg("all url candidates failed")
	return Resolution{Attempts: attempts}
}

func (r *Resolver) Invalidate(ctx context.Context, t Track) {
	r.cache.Delete(ctx, resolveCacheKey(t))
}

// Candidates lists URLs to try, most specific first, without duplicates.
func (r *Resolver) Candidates(ctx context.Context, t Track) []Candidate {
	var out []Candidate
	seen := make(map[string]struct{})
	add := func(rawURL string, method ResolveMethod) {
		if rawURL == "" {
			return
		}
		if _, dup := seen[rawURL]; dup {
			return
		}
		seen[rawURL] = struct{}{}
		out = append(out, Candidate{URL: rawURL, Method: method})
	}
	locate := func(bucket, key string, method ResolveMethod) {
		if r.locator == nil || bucket == "" || key == "" {
			return
		}
		u, err := r.locator.Locate(ctx, bucket, key)
		if err != nil {
			r.logger.Debug().Err(err).Str("bucket", bucket).Str("key", key).Msg("failed to locate object")
			return
		}
		add(u, method)
	}

	locate(t.Bucket, t.Key, MethodStorage)

	if slug := TitleSlug(t.Title); slug != "" {
		for _, bucket := range r.bucketsFor(t) {
			locate(bucket, slug+".mp3", MethodRouted)
		}
	}

	if t.ID != "" {
		locate(r.idBucket, fmt.Sprintf("tracks/%s.mp3", t.ID), MethodTrackID)
		if r.gatewayURL != "" {
			add(fmt.Sprintf("%s/stream/%s", r.gatewayURL, url.PathEscape(t.ID)), MethodGateway)
		}
	}

	return out
}

func (r *Resolver) bucketsFor(t Track) []string {
	haystack := strings.ToLower(t.Title + " " + t.Genre)

	var buckets []string
	seen := make(map[string]struct{})
	push := func(b string) {
		if _, dup := seen[b]; dup || b == "" {
			return
		}
		seen[b] = struct{}{}
		buckets = append(buckets, b)
	}

	if t.Bucket != "" {
		push(t.Bucket)
	}
	for _, rule := range r.routes {
		for _, kw := range rule.Keywords {
			if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
				for _, b := range rule.Buckets {
					push(b)
				}
				break
			}
		}
	}
	for _, b := range r.fallbackBuckets {
		push(b)
	}
	return buckets
}

var (
	slugInRe        = regexp.MustCompile(`(?i);\s*in\s+`)
	slugMovementRe  = regexp.MustCompile(`(?i);\s*movement\s+`)
	slugSemicolonRe = regexp.MustCompile(`;\s*`)
	slugNoiseRe     = regexp.MustCompile(`(?i)\s+(classical|sleep|meditation|deep\s+rest|remix|bpm)\s*`)
	slugCounterRe   = regexp.MustCompile(`\s*\(\d+\)\s*$`)
	slugPunctRe     = regexp.MustCompile(`[;&,()]`)
	slugSpaceRe     = regexp.MustCompile(`\s+`)
	slugInvalidRe   = regexp.MustCompile(`[^a-z0-9-]`)
	slugDashesRe    = regexp.MustCompile(`-+`)
)

// TitleSlug derives the storage file stem conventionally used for a title.
func TitleSlug(title string) string {
	s := strings.TrimSpace(title)
	if s == "" {
		return ""
	}

	if strings.Contains(s, ";") {
		s = slugInRe.ReplaceAllString(s, "-in-")
		s = slugMovementRe.ReplaceAllString(s, "-movement-")
		s = slugSemicolonRe.ReplaceAllString(s, "-")
	}

	if len(s) > 60 {
		s = slugNoiseRe.ReplaceAllString(s, "-")
		s = slugCounterRe.ReplaceAllString(s, "")
		s = truncate(s, 50)
	}

	s = slugPunctRe.ReplaceAllString(s, "")
	s = slugSpaceRe.ReplaceAllString(s, "-")
	s = strings.ToLower(s)
	s = slugInvalidRe.ReplaceAllString(s, "")
	s = slugDashesRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	s = truncate(s, 45)
	return strings.Trim(s, "-")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func looksLikeURL(value string) bool {
	if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
		return true
	}

	u, err := url.Parse(value)
	return err == nil && u.Scheme != "" && u.Host != ""
}

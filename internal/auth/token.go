package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	streamScope  = "stream"
	streamIssuer = "calmstream"
)

var ErrNoSigningKey = errors.New("stream signing key is not configured")

// StreamClaims is what the stream gateway checks on each request.
type StreamClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenSource issues short-lived bearer tokens for storage and gateway
// requests. Refresh is called by the controller when storage rejects the
// current token.
type TokenSource struct {
	key    []byte
	ttl    time.Duration
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.RWMutex
	token   string
	expires time.Time
}

func NewTokenSource(key []byte, ttl time.Duration, logger zerolog.Logger) *TokenSource {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &TokenSource{
		key:    key,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

func (s *TokenSource) WithClock(now func() time.Time) *TokenSource {
	s.now = now
	return s
}

func (s *TokenSource) Refresh(_ context.Context) error {
	if len(s.key) == 0 {
		return ErrNoSigningKey
	}

	now := s.now()
	claims := StreamClaims{
		Scope: streamScope,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    streamIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return fmt.Errorf("failed to sign stream token: %w", err)
	}

	s.mu.Lock()
	s.token = signed
	s.expires = now.Add(s.ttl)
	s.mu.Unlock()

	s.logger.Debug().Str("jti", claims.ID).Time("expires", s.expires).Msg("stream token refreshed")
	return nil
}

// Token returns the current token, renewing it once less than a tenth of
// its lifetime remains.
func (s *TokenSource) Token() (string, error) {
	s.mu.RLock()
	token, expires := s.token, s.expires
	s.mu.RUnlock()

	if token != "" && s.now().Add(s.ttl/10).Before(expires) {
		return token, nil
	}
	if err := s.Refresh(context.Background()); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, nil
}

func (s *TokenSource) Header() http.Header {
	h := http.Header{}
	if token, err := s.Token(); err == nil {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

func (s *TokenSource) Authorize(req *http.Request) {
	token, err := s.Token()
	if err != nil {
		s.logger.Debug().Err(err).Msg("sending request without stream token")
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
}

// Verify parses a stream token. Only HS256 is accepted.
func Verify(key []byte, token string) (*StreamClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &StreamClaims{}, func(t *jwt.Token) (interface{}, error) {
		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(streamIssuer))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*StreamClaims)
	if !ok || !parsed.Valid || claims.Scope != streamScope {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

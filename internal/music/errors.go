package music

import (
	"context"
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindResolutionFailed  ErrorKind = "resolution_failed"
	KindLoadTimeout       ErrorKind = "load_timeout"
	KindFormatUnsupported ErrorKind = "format_unsupported"
	KindNetworkError      ErrorKind = "network_error"
	KindAutoplayBlocked   ErrorKind = "autoplay_blocked"
	KindAuthExpired       ErrorKind = "auth_expired"
	KindQueueExhausted    ErrorKind = "queue_exhausted"
	KindNoTracksForGoal   ErrorKind = "no_tracks_for_goal"
	KindUnknown           ErrorKind = "unknown"
)

var (
	ErrQueueExhausted     = errors.New("queue exhausted")
	ErrNoTracksForGoal    = errors.New("no more tracks available for goal")
	ErrNoPlayableTracks   = errors.New("no working tracks found in queue")
	ErrNoPreviousTrack    = errors.New("no previous track")
	ErrStaleTransition    = errors.New("transition superseded")
	ErrHistoryImmutable   = errors.New("tracks before the current index cannot be removed")
	ErrIndexOutOfRange    = errors.New("queue index out of range")
	ErrResolveFailed      = errors.New("failed to resolve track url")
	ErrLoadTimeout        = errors.New("media load timed out")
	ErrFormatUnsupported  = errors.New("media format not supported")
	ErrNetwork            = errors.New("media network error")
	ErrAutoplayBlocked    = errors.New("playback requires a user gesture")
	ErrAuthExpired        = errors.New("storage authorization expired")
	ErrStalled            = errors.New("playback stalled")
	ErrNothingLoaded      = errors.New("no track loaded")
	ErrControllerClosed   = errors.New("controller is closed")
	ErrMissingGoal        = errors.New("goal is required")
	ErrCatalogNotProvided = errors.New("catalog is not configured")
)

// PlaybackError ties a failure to the track it happened on.
type PlaybackError struct {
	Kind    ErrorKind
	TrackID string
	Err     error
}

func NewPlaybackError(kind ErrorKind, trackID string, err error) *PlaybackError {
	return &PlaybackError{Kind: kind, TrackID: trackID, Err: err}
}

func (e *PlaybackError) Error() string {
	if e.TrackID == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s (track %s): %v", e.Kind, e.TrackID, e.Err)
}

func (e *PlaybackError) Unwrap() error {
	return e.Err
}

func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var pe *PlaybackError
	if errors.As(err, &pe) {
		return pe.Kind
	}

	switch {
	case errors.Is(err, ErrQueueExhausted), errors.Is(err, ErrNoPlayableTracks):
		return KindQueueExhausted
	case errors.Is(err, ErrNoTracksForGoal):
		return KindNoTracksForGoal
	case errors.Is(err, ErrResolveFailed):
		return KindResolutionFailed
	case errors.Is(err, ErrLoadTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindLoadTimeout
	case errors.Is(err, ErrFormatUnsupported):
		return KindFormatUnsupported
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrStalled):
		return KindNetworkError
	case errors.Is(err, ErrAutoplayBlocked):
		return KindAutoplayBlocked
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	}
	return KindUnknown
}

// Terminal kinds end playback; everything else is handled by skipping.
func (k ErrorKind) Terminal() bool {
	return k == KindQueueExhausted || k == KindNoTracksForGoal
}

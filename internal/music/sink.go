package music

import (
	"context"
	"time"
)

type SinkEventType string

const (
	SinkStarted      SinkEventType = "started"
	SinkTimeAdvanced SinkEventType = "time_advanced"
	SinkEnded        SinkEventType = "ended"
	SinkStalled      SinkEventType = "stalled"
	SinkErrored      SinkEventType = "errored"
)

// SinkEvent carries the token passed to the Load that produced it, so the
// controller can discard events from sources it has already replaced.
type SinkEvent struct {
	Type     SinkEventType
	Token    uint64
	Position time.Duration
	Duration time.Duration
	Kind     ErrorKind
	Err      error
}

// MediaSink is the single audio output. Load must clear any previous
// source before attaching the new one and returns the media duration when
// it is known.
type MediaSink interface {
	Load(ctx context.Context, url string, token uint64) (time.Duration, error)
	Play(ctx context.Context) error
	Pause()
	Seek(pos time.Duration) error
	SetVolume(v float64)
	Unload()
	Events() <-chan SinkEvent
	Close() error
}

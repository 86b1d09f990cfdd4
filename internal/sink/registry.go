package sink

import (
	"sync"

	"github.com/hxnx/calmstream/internal/music"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var DefaultRegistry = NewRegistry(log.Logger)

// Registry guarantees a single live media sink per process. Acquiring a new
// sink silences and closes whichever one was registered before it.
type Registry struct {
	logger zerolog.Logger

	mu      sync.Mutex
	current music.MediaSink
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{logger: logger.With().Str("component", "sink_registry").Logger()}
}

func (r *Registry) Acquire(s music.MediaSink) {
	r.mu.Lock()
	stray := r.current
	r.current = s
	r.mu.Unlock()

	if stray == nil || stray == s {
		return
	}
	r.logger.Warn().Msg("closing stray media sink")
	stray.Unload()
	_ = stray.Close()
}

func (r *Registry) Release(s music.MediaSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == s {
		r.current = nil
	}
}

func (r *Registry) Current() music.MediaSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

package music

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{ErrNoPlayableTracks, KindQueueExhausted},
		{fmt.Errorf("wrapped: %w", ErrNoTracksForGoal), KindNoTracksForGoal},
		{context.DeadlineExceeded, KindLoadTimeout},
		{ErrStalled, KindNetworkError},
		{NewPlaybackError(KindFormatUnsupported, "a", errors.New("bad codec")), KindFormatUnsupported},
		{errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindOf(tt.err), "%v", tt.err)
	}
}

func TestPlaybackErrorUnwraps(t *testing.T) {
	err := NewPlaybackError(KindAuthExpired, "a", ErrAuthExpired)
	assert.ErrorIs(t, err, ErrAuthExpired)
	assert.Contains(t, err.Error(), "track a")
	assert.True(t, KindQueueExhausted.Terminal())
	assert.False(t, KindNetworkError.Terminal())
}

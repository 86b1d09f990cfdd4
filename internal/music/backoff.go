package music

import (
	"time"

	"github.com/hxnx/calmstream/config"
)

// skipDelay is how long to wait before auto-skipping a failed track. The
// base depends on the failure kind and doubles with each further failure
// inside the trailing window.
func skipDelay(t config.Tuning, kind ErrorKind, recentFailures int) time.Duration {
	base := t.SkipDelayGeneric
	switch kind {
	case KindFormatUnsupported:
		base = t.SkipDelayFormat
	case KindNetworkError, KindLoadTimeout:
		base = t.SkipDelayNetwork
	}
	if base <= 0 {
		base = time.Second
	}

	shift := recentFailures - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 16 {
		shift = 16
	}

	delay := base << shift
	if t.SkipDelayMax > 0 && delay > t.SkipDelayMax {
		delay = t.SkipDelayMax
	}
	return delay
}

// pruneFailures drops timestamps older than window.
func pruneFailures(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := failures[:0]
	for _, ts := range failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

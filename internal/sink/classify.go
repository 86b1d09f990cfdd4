package sink

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hxnx/calmstream/internal/music"
)

const stderrKeepLines = 24

var (
	authMarkers = []string{
		"401 unauthorized",
		"403 forbidden",
		"http error 401",
		"http error 403",
	}
	formatMarkers = []string{
		"invalid data found when processing input",
		"could not find codec parameters",
		"unknown input format",
		"does not contain any stream",
		"moov atom not found",
		"decoding requested, but no decoder found",
	}
	networkMarkers = []string{
		"404 not found",
		"http error",
		"server returned",
		"connection refused",
		"connection timed out",
		"connection reset",
		"network is unreachable",
		"failed to resolve hostname",
		"i/o error",
	}

	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
)

// classifyStderr maps ffmpeg diagnostics onto playback error kinds.
func classifyStderr(lines []string) music.ErrorKind {
	text := strings.ToLower(strings.Join(lines, "\n"))
	switch {
	case containsAny(text, authMarkers):
		return music.KindAuthExpired
	case containsAny(text, formatMarkers):
		return music.KindFormatUnsupported
	case containsAny(text, networkMarkers):
		return music.KindNetworkError
	}
	return music.KindUnknown
}

func containsAny(text string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

func sinkError(kind music.ErrorKind, lines []string) error {
	var base error
	switch kind {
	case music.KindAuthExpired:
		base = music.ErrAuthExpired
	case music.KindFormatUnsupported:
		base = music.ErrFormatUnsupported
	case music.KindNetworkError:
		base = music.ErrNetwork
	case music.KindLoadTimeout:
		base = music.ErrLoadTimeout
	default:
		base = errors.New("decoder failed")
	}

	if len(lines) > 0 {
		base = fmt.Errorf("%w: %s", base, lines[len(lines)-1])
	}
	return music.NewPlaybackError(kind, "", base)
}

func parseDuration(line string) (time.Duration, bool) {
	m := durationRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	hours, _ := strconv.Atoi(m[1])
	minutes, _ := strconv.Atoi(m[2])
	seconds, err := strconv.ParseFloat(m[3], 64)
	if err != nil {
		return 0, false
	}
	total := time.Duration(hours)*time.Hour +
		time.Duration(minutes)*time.Minute +
		time.Duration(seconds*float64(time.Second))
	return total, total > 0
}

// stderrLog keeps the tail of ffmpeg's diagnostics and the input duration
// once ffmpeg has read the container header.
type stderrLog struct {
	done chan struct{}

	mu       sync.Mutex
	lines    []string
	duration time.Duration
}

func newStderrLog() *stderrLog {
	return &stderrLog{done: make(chan struct{})}
}

func (l *stderrLog) consume(r io.Reader) {
	defer close(l.done)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		l.mu.Lock()
		if d, ok := parseDuration(line); ok && l.duration == 0 {
			l.duration = d
		}
		l.lines = append(l.lines, line)
		if len(l.lines) > stderrKeepLines {
			l.lines = l.lines[len(l.lines)-stderrKeepLines:]
		}
		l.mu.Unlock()
	}
}

// drain waits briefly for ffmpeg to finish writing diagnostics.
func (l *stderrLog) drain() {
	select {
	case <-l.done:
	case <-time.After(time.Second):
	}
}

func (l *stderrLog) Duration() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.duration
}

func (l *stderrLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

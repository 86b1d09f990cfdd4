package music

import "time"

// Track is immutable once it enters a queue; the only enrichment allowed is
// filling in a Duration reported by the sink.
type Track struct {
	ID        string        `json:"id"`
	Title     string        `json:"title"`
	Artist    string        `json:"artist,omitempty"`
	Genre     string        `json:"genre,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Bucket    string        `json:"bucket,omitempty"`
	Key       string        `json:"key,omitempty"`
	StreamURL string        `json:"stream_url,omitempty"`
}

type ProbeOutcome string

const (
	ProbeReachable   ProbeOutcome = "reachable"
	ProbeUnreachable ProbeOutcome = "unreachable"
	ProbeUnknown     ProbeOutcome = "unknown"
)

type ResolveMethod string

const (
	MethodDirect  ResolveMethod = "direct"
	MethodStorage ResolveMethod = "storage"
	MethodRouted  ResolveMethod = "routed"
	MethodTrackID ResolveMethod = "track_id"
	MethodGateway ResolveMethod = "gateway"
)

type Attempt struct {
	URL          string        `json:"url"`
	Method       ResolveMethod `json:"method"`
	Outcome      ProbeOutcome  `json:"outcome"`
	Status       int           `json:"status,omitempty"`
	AuthRejected bool          `json:"auth_rejected,omitempty"`
	Error        string        `json:"error,omitempty"`
}

type Resolution struct {
	Success  bool          `json:"success"`
	URL      string        `json:"url,omitempty"`
	Method   ResolveMethod `json:"method,omitempty"`
	Attempts []Attempt     `json:"attempts,omitempty"`
}

// AuthRejected reports whether a failed resolution was refused by the
// storage layer rather than simply not found.
func (r Resolution) AuthRejected() bool {
	if r.Success {
		return false
	}
	for _, a := range r.Attempts {
		if a.AuthRejected {
			return true
		}
	}
	return false
}

type PlaybackState struct {
	IsPlaying    bool          `json:"is_playing"`
	IsLoading    bool          `json:"is_loading"`
	CurrentTrack *Track        `json:"current_track,omitempty"`
	CurrentTime  time.Duration `json:"current_time"`
	Duration     time.Duration `json:"duration"`
	Volume       float64       `json:"volume"`
	Goal         string        `json:"goal,omitempty"`
	QueueLength  int           `json:"queue_length"`
	Index        int           `json:"index"`
	ErrorKind    ErrorKind     `json:"error_kind,omitempty"`
	Err          error         `json:"-"`
	NeedsGesture bool          `json:"needs_gesture"`
	Notice       string        `json:"notice,omitempty"`
}

type SessionSummary struct {
	SessionID            string    `json:"session_id"`
	Goal                 string    `json:"goal,omitempty"`
	StartedAt            time.Time `json:"started_at"`
	EndedAt              time.Time `json:"ended_at"`
	Reason               string    `json:"reason"`
	TracksPlayed         []string  `json:"tracks_played"`
	TotalDurationSeconds float64   `json:"total_duration_seconds"`
	SkipCount            int       `json:"skip_count"`
	DominantGenres       []string  `json:"dominant_genres"`
}

package music

import (
	"context"
	"sync"
	"time"

	"github.com/hxnx/calmstream/config"
)

type fakeResolver struct {
	mu          sync.Mutex
	broken      map[string]bool
	authBroken  map[string]bool
	calls       map[string]int
	invalidated []string
}

func newFakeResolver(broken ...string) *fakeResolver {
	r := &fakeResolver{
		broken:     make(map[string]bool),
		authBroken: make(map[string]bool),
		calls:      make(map[string]int),
	}
	for _, id := range broken {
		r.broken[id] = true
	}
	return r
}

func (r *fakeResolver) Resolve(_ context.Context, t Track) Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[t.ID]++
	if r.authBroken[t.ID] {
		return Resolution{Attempts: []Attempt{{URL: "mem://" + t.ID, Outcome: ProbeUnreachable, Status: 403, AuthRejected: true}}}
	}
	if r.broken[t.ID] {
		return Resolution{Attempts: []Attempt{{URL: "mem://" + t.ID, Outcome: ProbeUnreachable, Status: 404}}}
	}
	return Resolution{Success: true, URL: "mem://" + t.ID, Method: MethodStorage}
}

func (r *fakeResolver) Invalidate(_ context.Context, t Track) {
	r.mu.Lock()
	r.invalidated = append(r.invalidated, t.ID)
	r.mu.Unlock()
}

func (r *fakeResolver) setAuthBroken(id string, broken bool) {
	r.mu.Lock()
	r.authBroken[id] = broken
	r.mu.Unlock()
}

func (r *fakeResolver) callCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type catalogCall struct {
	goal    string
	limit   int
	exclude []string
}

type fakeCatalog struct {
	mu      sync.Mutex
	batches [][]Track
	calls   []catalogCall
	err     error
}

func (c *fakeCatalog) FetchTracksForGoal(_ context.Context, goal string, limit int, exclude []string) ([]Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, catalogCall{goal: goal, limit: limit, exclude: exclude})
	if c.err != nil {
		return nil, c.err
	}
	if len(c.batches) == 0 {
		return nil, nil
	}
	batch := c.batches[0]
	c.batches = c.batches[1:]
	return batch, nil
}

func (c *fakeCatalog) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

// fakeSink records loads by url ("mem://<id>") and fails the ones listed
// in loadErr.
type fakeSink struct {
	mu       sync.Mutex
	events   chan SinkEvent
	loadErr  map[string]error
	blocked  map[string]bool
	playErr  error
	loads    []string
	tokens   []uint64
	playing  bool
	unloads  int
	seeks    []time.Duration
	volume   float64
	closed   bool
	loadHook func(url string)
}

func newFakeSink() *fakeSink {
	return &fakeSink{events: make(chan SinkEvent, 64), loadErr: make(map[string]error), blocked: make(map[string]bool)}
}

func (s *fakeSink) Load(ctx context.Context, url string, token uint64) (time.Duration, error) {
	s.mu.Lock()
	s.loads = append(s.loads, url)
	s.tokens = append(s.tokens, token)
	err := s.loadErr[url]
	block := s.blocked[url]
	hook := s.loadHook
	s.mu.Unlock()
	if hook != nil {
		hook(url)
	}
	if block {
		// never becomes ready; only the caller's deadline ends the load
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if err != nil {
		return 0, err
	}
	return 3 * time.Minute, nil
}

func (s *fakeSink) Play(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playErr != nil {
		return s.playErr
	}
	s.playing = true
	return nil
}

func (s *fakeSink) Pause() {
	s.mu.Lock()
	s.playing = false
	s.mu.Unlock()
}

func (s *fakeSink) Seek(pos time.Duration) error {
	s.mu.Lock()
	s.seeks = append(s.seeks, pos)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) SetVolume(v float64) {
	s.mu.Lock()
	s.volume = v
	s.mu.Unlock()
}

func (s *fakeSink) Unload() {
	s.mu.Lock()
	s.unloads++
	s.playing = false
	s.mu.Unlock()
}

func (s *fakeSink) Events() <-chan SinkEvent { return s.events }

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

func (s *fakeSink) loaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.loads))
	copy(out, s.loads)
	return out
}

func (s *fakeSink) failLoad(url string, err error) {
	s.mu.Lock()
	s.loadErr[url] = err
	s.mu.Unlock()
}

func (s *fakeSink) blockLoad(url string) {
	s.mu.Lock()
	s.blocked[url] = true
	s.mu.Unlock()
}

func (s *fakeSink) seeked() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.seeks))
	copy(out, s.seeks)
	return out
}

func (s *fakeSink) lastToken() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		return 0
	}
	return s.tokens[len(s.tokens)-1]
}

func (s *fakeSink) setPlayErr(err error) {
	s.mu.Lock()
	s.playErr = err
	s.mu.Unlock()
}

type fakeTelemetry struct {
	mu        sync.Mutex
	summaries []SessionSummary
}

func (f *fakeTelemetry) RecordSession(_ context.Context, s SessionSummary) error {
	f.mu.Lock()
	f.summaries = append(f.summaries, s)
	f.mu.Unlock()
	return nil
}

func (f *fakeTelemetry) recorded() []SessionSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SessionSummary, len(f.summaries))
	copy(out, f.summaries)
	return out
}

type fakeMetrics struct {
	mu      sync.Mutex
	dropped map[string]int
	failed  map[ErrorKind]int
	started int
	forced  int
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{dropped: make(map[string]int), failed: make(map[ErrorKind]int)}
}

func (m *fakeMetrics) TransitionStarted(string) {}

func (m *fakeMetrics) TransitionDropped(trigger, reason string) {
	m.mu.Lock()
	m.dropped[trigger+"/"+reason]++
	m.mu.Unlock()
}

func (m *fakeMetrics) TrackStarted() {
	m.mu.Lock()
	m.started++
	m.mu.Unlock()
}

func (m *fakeMetrics) TrackFailed(kind ErrorKind) {
	m.mu.Lock()
	m.failed[kind]++
	m.mu.Unlock()
}

func (m *fakeMetrics) LockForceReleased() {
	m.mu.Lock()
	m.forced++
	m.mu.Unlock()
}

func (m *fakeMetrics) QueueExtended(int)       {}
func (m *fakeMetrics) SessionCompleted(string) {}

func (m *fakeMetrics) failedCount(kind ErrorKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed[kind]
}

func (m *fakeMetrics) droppedCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped[key]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testTuning() config.Tuning {
	t := config.DefaultTuning()
	t.MinTransitionInterval = 0
	t.SkipDelayFormat = 5 * time.Millisecond
	t.SkipDelayNetwork = 5 * time.Millisecond
	t.SkipDelayGeneric = 5 * time.Millisecond
	t.SkipDelayMax = 50 * time.Millisecond
	t.StallTimeout = 20 * time.Millisecond
	t.ExtensionPollInterval = time.Hour
	return t
}

func tracks(ids ...string) []Track {
	out := make([]Track, 0, len(ids))
	for _, id := range ids {
		out = append(out, Track{ID: id, Title: "Track " + id, Genre: "ambient"})
	}
	return out
}

func ids(ts []Track) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.ID)
	}
	return out
}

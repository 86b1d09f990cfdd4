package music

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hxnx/calmstream/config"
	"github.com/rs/zerolog"
)

const (
	maxPlaybackDelta = 5 * time.Second
	burstNotice      = "Some tracks could not be played and were skipped."
)

type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerEnded    Trigger = "ended"
	TriggerAutoSkip Trigger = "auto_skip"
	TriggerQueue    Trigger = "set_queue"
	TriggerResume   Trigger = "resume"
)

type direction int

const (
	forward direction = iota
	backward
)

type loadedTrack struct {
	token   uint64
	track   Track
	started bool
}

// Controller is the public face of the engine. Commands may come from any
// goroutine; sink events are drained by a single loop started with Start.
type Controller struct {
	queue    *QueueManager
	resolver TrackResolver
	ledger   *FailureLedger
	lock     *TransitionLock
	sink     MediaSink
	catalog  Catalog
	recorder *SessionRecorder
	auth     Refresher
	metrics  Metrics
	tuning   config.Tuning
	logger   zerolog.Logger
	now      func() time.Time

	mu           sync.Mutex
	state        PlaybackState
	loaded       loadedTrack
	failures     []time.Time
	noticeSent   bool
	autoSkip     *time.Timer
	stall        *time.Timer
	authRetried  uint64
	nearEndToken uint64

	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	closed  bool
}

func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running || c.closed {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true

	go c.eventLoop(loopCtx, c.done)
}

func (c *Controller) eventLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.tuning.ExtensionPollInterval)
	defer ticker.Stop()

	events := c.sink.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			c.handleSinkEvent(ctx, ev)
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

func (c *Controller) State() PlaybackState {
	c.mu.Lock()
	st := c.state
	if st.CurrentTrack != nil {
		t := *st.CurrentTrack
		st.CurrentTrack = &t
	}
	c.mu.Unlock()

	st.QueueLength = c.queue.Len()
	st.Index = c.queue.Index()
	st.Goal = c.queue.Goal()
	return st
}

func (c *Controller) Queue() []Track {
	return c.queue.Tracks()
}

// SetQueue replaces the queue and starts the track at startIndex, or the
// first working track after it.
func (c *Controller) SetQueue(ctx context.Context, tracks []Track, startIndex int) error {
	return c.replaceQueue(ctx, tracks, startIndex, "")
}

// PlayGoal fills the queue from the catalog and keeps extending it for as
// long as the goal keeps producing tracks.
func (c *Controller) PlayGoal(ctx context.Context, goal string) error {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return ErrMissingGoal
	}
	if c.catalog == nil {
		return ErrCatalogNotProvided
	}

	tracks, err := c.catalog.FetchTracksForGoal(ctx, goal, c.tuning.InitialBatchSize, nil)
	if err != nil {
		return err
	}
	if len(tracks) == 0 {
		c.finish(ctx, ErrNoTracksForGoal)
		return ErrNoTracksForGoal
	}
	return c.replaceQueue(ctx, tracks, 0, goal)
}

func (c *Controller) replaceQueue(ctx context.Context, tracks []Track, startIndex int, goal string) error {
	if c.isClosed() {
		return ErrControllerClosed
	}

	// invalidate any in-flight load so its holder gives up the lock
	c.queue.Bump()
	lease, err := c.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	c.stopTimers()
	c.mu.Lock()
	c.state.ErrorKind = KindNone
	c.state.Err = nil
	c.state.Notice = ""
	c.state.NeedsGesture = false
	c.failures = nil
	c.noticeSent = false
	c.mu.Unlock()
	c.metrics.TransitionStarted(string(TriggerQueue))

	if err := c.queue.SetQueue(ctx, tracks, startIndex, goal); err != nil {
		if errors.Is(err, ErrNoPlayableTracks) {
			c.finish(ctx, err)
		}
		return err
	}

	c.setLoading(true)
	_, err = c.queue.Advance(ctx, c.start)
	c.setLoading(false)
	if errors.Is(err, ErrQueueExhausted) {
		err = ErrNoPlayableTracks
	}
	return c.afterTransition(ctx, err, 0)
}

func (c *Controller) Play(ctx context.Context) error {
	c.mu.Lock()
	loaded := c.loaded
	c.mu.Unlock()

	if loaded.token == 0 {
		if c.queue.Len() == 0 {
			return ErrNothingLoaded
		}
		return c.transition(ctx, TriggerResume, forward, "")
	}

	if err := c.sink.Play(ctx); err != nil {
		if KindOf(err) == KindAutoplayBlocked {
			c.mu.Lock()
			c.state.NeedsGesture = true
			c.state.ErrorKind = KindAutoplayBlocked
			c.state.Err = err
			c.mu.Unlock()
		}
		return err
	}

	if !loaded.started {
		c.ledger.RecordSuccess(loaded.track.ID)
		c.recorder.TrackStarted(loaded.track, c.queue.Goal())
		c.metrics.TrackStarted()
	}

	c.mu.Lock()
	if c.loaded.token == loaded.token {
		c.loaded.started = true
	}
	c.state.IsPlaying = true
	c.state.NeedsGesture = false
	if c.state.ErrorKind == KindAutoplayBlocked {
		c.state.ErrorKind = KindNone
		c.state.Err = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) Pause() {
	c.sink.Pause()
	c.mu.Lock()
	c.state.IsPlaying = false
	c.mu.Unlock()
	c.stopStall()
}

func (c *Controller) Seek(pos time.Duration) error {
	c.mu.Lock()
	if pos < 0 {
		pos = 0
	}
	if c.state.Duration > 0 && pos > c.state.Duration {
		pos = c.state.Duration
	}
	c.mu.Unlock()

	if err := c.sink.Seek(pos); err != nil {
		return err
	}

	c.mu.Lock()
	c.state.CurrentTime = pos
	c.mu.Unlock()
	return nil
}

func (c *Controller) SetVolume(v float64) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	c.sink.SetVolume(v)
	c.mu.Lock()
	c.state.Volume = v
	c.mu.Unlock()
}

// Next skips to the following track. Requests arriving faster than the
// minimum transition interval, or while another transition runs, are
// dropped.
func (c *Controller) Next(ctx context.Context) error {
	if c.lock.TooSoon() {
		c.metrics.TransitionDropped(string(TriggerManual), "too_soon")
		c.logger.Debug().Msg("next dropped, too soon after previous transition")
		return nil
	}
	return c.transition(ctx, TriggerManual, forward, "")
}

func (c *Controller) Prev(ctx context.Context) error {
	if c.lock.TooSoon() {
		c.metrics.TransitionDropped(string(TriggerManual), "too_soon")
		c.logger.Debug().Msg("prev dropped, too soon after previous transition")
		return nil
	}
	return c.transition(ctx, TriggerManual, backward, "")
}

// DismissNotice clears the burst-failure notice once it has been shown.
func (c *Controller) DismissNotice() {
	c.mu.Lock()
	c.state.Notice = ""
	c.mu.Unlock()
}

func (c *Controller) Stop(ctx context.Context) error {
	return c.stop(ctx, "stopped")
}

func (c *Controller) stop(ctx context.Context, reason string) error {
	c.queue.Bump()
	lease, err := c.lock.Acquire(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()

	c.stopTimers()
	c.sink.Unload()
	c.queue.Clear()

	c.mu.Lock()
	c.state = PlaybackState{Volume: c.state.Volume, Index: -1}
	c.loaded = loadedTrack{}
	c.failures = nil
	c.noticeSent = false
	c.mu.Unlock()

	c.completeSession(ctx, reason)
	return nil
}

// Close stops playback, flushes the session and releases the sink.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	stopErr := c.stop(ctx, "closed")
	if cancel != nil {
		cancel()
		<-done
	}
	if err := c.sink.Close(); err != nil {
		return err
	}
	return stopErr
}

func (c *Controller) transition(ctx context.Context, trigger Trigger, dir direction, dropID string) error {
	if c.isClosed() {
		return ErrControllerClosed
	}

	lease, ok := c.lock.TryAcquire()
	if !ok {
		c.metrics.TransitionDropped(string(trigger), "locked")
		c.logger.Debug().Str("trigger", string(trigger)).Msg("transition dropped, another is in flight")
		return nil
	}
	defer lease.Release()

	c.stopTimers()
	c.metrics.TransitionStarted(string(trigger))

	c.mu.Lock()
	pos := c.state.CurrentTime
	c.mu.Unlock()

	prev := c.queue.Current()
	if dropID != "" && prev != nil && prev.ID == dropID {
		if err := c.queue.RemoveBroken(c.queue.Index()); err == nil {
			prev = nil
		}
	}

	c.setLoading(true)
	var err error
	if dir == forward {
		_, err = c.queue.Advance(ctx, c.start)
	} else {
		_, err = c.queue.Retreat(ctx, c.start)
	}
	c.setLoading(false)

	// only a transition that moved off prev counts as a skip
	moved := err == nil || KindOf(err) == KindAutoplayBlocked
	if trigger == TriggerManual && prev != nil && moved {
		c.recorder.TrackSkipped(*prev)
	}

	return c.afterTransition(ctx, err, pos)
}

// afterTransition settles state once a transition returns. resumeAt is the
// position the previous track had reached, used when it has to be reloaded.
func (c *Controller) afterTransition(ctx context.Context, err error, resumeAt time.Duration) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStaleTransition), errors.Is(err, context.Canceled):
		c.logger.Debug().Err(err).Msg("transition abandoned")
		return nil
	case KindOf(err) == KindAutoplayBlocked:
		c.logger.Info().Msg("playback is waiting for a user gesture")
		return err
	case errors.Is(err, ErrNoPreviousTrack):
		c.restoreCurrent(ctx, resumeAt)
		return err
	case KindOf(err).Terminal():
		c.finish(ctx, err)
		return err
	}

	c.logger.Error().Err(err).Msg("transition failed")
	c.mu.Lock()
	c.state.ErrorKind = KindOf(err)
	c.state.Err = err
	c.mu.Unlock()
	return err
}

// restoreCurrent reloads the current track at pos when a failed retreat
// left the sink holding something else.
func (c *Controller) restoreCurrent(ctx context.Context, pos time.Duration) {
	cur := c.queue.Current()
	if cur == nil {
		return
	}

	c.mu.Lock()
	intact := c.loaded.started && c.loaded.track.ID == cur.ID
	c.mu.Unlock()
	if intact {
		return
	}

	token := c.queue.Bump()
	if err := c.playTrack(ctx, *cur, token, true); err != nil {
		if !errors.Is(err, ErrStaleTransition) {
			c.handlePlaybackFailure(ctx, token, *cur, KindOf(err), err)
		}
		return
	}
	c.resumeAt(pos)
}

// resumeAt moves a freshly reloaded track to pos. The reported position
// follows the sink: a failed seek leaves it at the start.
func (c *Controller) resumeAt(pos time.Duration) {
	if pos > 0 {
		if err := c.sink.Seek(pos); err != nil {
			c.logger.Debug().Err(err).Dur("position", pos).Msg("failed to restore position after reload")
			pos = 0
		}
	}
	c.mu.Lock()
	c.state.CurrentTime = pos
	c.mu.Unlock()
}

// start is the Starter handed to the queue. An auth rejection gets one
// credential refresh and one retry.
func (c *Controller) start(ctx context.Context, t Track, token uint64) error {
	err := c.playTrack(ctx, t, token, false)
	if KindOf(err) == KindAuthExpired && c.auth != nil {
		c.logger.Info().Str("track_id", t.ID).Msg("storage rejected credentials, refreshing")
		if rerr := c.auth.Refresh(ctx); rerr != nil {
			c.logger.Warn().Err(rerr).Msg("failed to refresh credentials")
		} else {
			c.resolver.Invalidate(ctx, t)
			if c.queue.Stale(token) {
				return ErrStaleTransition
			}
			err = c.playTrack(ctx, t, token, false)
		}
	}

	if err != nil && !errors.Is(err, ErrStaleTransition) && KindOf(err) != KindAutoplayBlocked {
		c.resolver.Invalidate(ctx, t)
		c.metrics.TrackFailed(KindOf(err))
		c.mu.Lock()
		c.noteFailureLocked()
		c.mu.Unlock()
		c.logger.Info().Err(err).Str("track_id", t.ID).Msg("track failed to start")
	}
	return err
}

func (c *Controller) playTrack(ctx context.Context, t Track, token uint64, resume bool) error {
	res := c.resolver.Resolve(ctx, t)
	if c.queue.Stale(token) {
		return ErrStaleTransition
	}
	if !res.Success {
		if res.AuthRejected() {
			return NewPlaybackError(KindAuthExpired, t.ID, ErrAuthExpired)
		}
		return NewPlaybackError(KindResolutionFailed, t.ID, ErrResolveFailed)
	}

	c.mu.Lock()
	c.loaded = loadedTrack{token: token, track: t}
	c.mu.Unlock()

	loadCtx, cancel := context.WithTimeout(ctx, c.tuning.LoadDeadline())
	dur, err := c.sink.Load(loadCtx, res.URL, token)
	cancel()
	if c.queue.Stale(token) {
		return ErrStaleTransition
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return NewPlaybackError(KindLoadTimeout, t.ID, ErrLoadTimeout)
		}
		return withTrack(err, t.ID)
	}

	if dur > 0 && t.Duration == 0 {
		t.Duration = dur
		c.queue.SetDuration(t.ID, dur)
	}

	if err := c.sink.Play(ctx); err != nil {
		if c.queue.Stale(token) {
			return ErrStaleTransition
		}
		if KindOf(err) == KindAutoplayBlocked {
			c.mu.Lock()
			track := t
			c.loaded.track = t
			c.state.CurrentTrack = &track
			c.state.IsPlaying = false
			c.state.CurrentTime = 0
			c.state.Duration = t.Duration
			c.state.NeedsGesture = true
			c.state.ErrorKind = KindAutoplayBlocked
			c.state.Err = err
			c.mu.Unlock()
		}
		return withTrack(err, t.ID)
	}
	if c.queue.Stale(token) {
		return ErrStaleTransition
	}

	c.ledger.RecordSuccess(t.ID)
	if !resume {
		c.recorder.TrackStarted(t, c.queue.Goal())
	}

	c.mu.Lock()
	track := t
	c.loaded.track = t
	c.loaded.started = true
	c.state.CurrentTrack = &track
	c.state.IsPlaying = true
	c.state.Duration = t.Duration
	if !resume {
		c.state.CurrentTime = 0
	}
	c.state.ErrorKind = KindNone
	c.state.Err = nil
	c.state.NeedsGesture = false
	c.mu.Unlock()

	c.metrics.TrackStarted()
	c.logger.Info().
		Str("track_id", t.ID).
		Str("title", t.Title).
		Str("method", string(res.Method)).
		Msg("now playing")
	return nil
}

func (c *Controller) handleSinkEvent(ctx context.Context, ev SinkEvent) {
	c.mu.Lock()
	if ev.Token == 0 || ev.Token != c.loaded.token || c.queue.Stale(ev.Token) {
		c.mu.Unlock()
		c.logger.Debug().Str("event", string(ev.Type)).Uint64("token", ev.Token).Msg("ignoring stale sink event")
		return
	}
	track := c.loaded.track

	switch ev.Type {
	case SinkStarted:
		c.state.IsPlaying = true
		c.state.IsLoading = false
		c.mu.Unlock()

	case SinkTimeAdvanced:
		delta := ev.Position - c.state.CurrentTime
		c.state.CurrentTime = ev.Position
		if ev.Duration > 0 {
			c.state.Duration = ev.Duration
		}
		c.stopStallLocked()
		nearEnd := c.state.Duration > 0 &&
			c.state.Duration-ev.Position <= c.tuning.NearEndThreshold &&
			c.nearEndToken != ev.Token
		if nearEnd {
			c.nearEndToken = ev.Token
		}
		c.mu.Unlock()

		if delta > 0 && delta <= maxPlaybackDelta {
			c.recorder.AddPlayback(delta)
		}
		if nearEnd {
			go c.extend(ctx)
		}

	case SinkEnded:
		c.state.IsPlaying = false
		c.stopStallLocked()
		c.mu.Unlock()
		go func() {
			_ = c.transition(ctx, TriggerEnded, forward, "")
		}()

	case SinkStalled:
		c.armStallLocked(ctx, ev.Token, track)
		c.mu.Unlock()

	case SinkErrored:
		c.stopStallLocked()
		c.mu.Unlock()
		c.handlePlaybackFailure(ctx, ev.Token, track, ev.Kind, ev.Err)

	default:
		c.mu.Unlock()
	}
}

// handlePlaybackFailure deals with a track that broke after it started.
// Nothing here is terminal: the track is charged in the ledger and an
// auto-skip is scheduled with a backoff delay.
func (c *Controller) handlePlaybackFailure(ctx context.Context, token uint64, track Track, kind ErrorKind, err error) {
	if c.queue.Stale(token) {
		return
	}
	if kind == KindNone {
		kind = KindOf(err)
	}

	switch kind {
	case KindAutoplayBlocked:
		c.mu.Lock()
		c.state.IsPlaying = false
		c.state.NeedsGesture = true
		c.state.ErrorKind = kind
		c.state.Err = err
		c.mu.Unlock()
		return
	case KindAuthExpired:
		c.mu.Lock()
		first := c.authRetried != token
		c.authRetried = token
		c.mu.Unlock()
		if first && c.auth != nil {
			go c.reloadAfterAuth(ctx, token, track)
			return
		}
	}

	n := c.ledger.RecordFailure(track.ID)
	c.metrics.TrackFailed(kind)
	c.mu.Lock()
	c.state.IsPlaying = false
	c.mu.Unlock()

	c.logger.Warn().
		Err(err).
		Str("track_id", track.ID).
		Str("kind", string(kind)).
		Int("failures", n).
		Msg("playback failed")
	c.scheduleAutoSkip(ctx, token, track, kind)
}

func (c *Controller) reloadAfterAuth(ctx context.Context, token uint64, track Track) {
	lease, ok := c.lock.TryAcquire()
	if !ok {
		return
	}
	defer lease.Release()

	if c.queue.Stale(token) {
		return
	}
	if err := c.auth.Refresh(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("failed to refresh credentials")
	}
	c.resolver.Invalidate(ctx, track)

	c.mu.Lock()
	pos := c.state.CurrentTime
	c.mu.Unlock()

	next := c.queue.Bump()
	c.mu.Lock()
	c.authRetried = next
	c.mu.Unlock()

	if err := c.playTrack(ctx, track, next, true); err != nil {
		if !errors.Is(err, ErrStaleTransition) {
			c.handlePlaybackFailure(ctx, next, track, KindOf(err), err)
		}
		return
	}
	c.resumeAt(pos)
}

func (c *Controller) scheduleAutoSkip(ctx context.Context, token uint64, track Track, kind ErrorKind) {
	c.mu.Lock()
	recent := c.noteFailureLocked()
	delay := skipDelay(c.tuning, kind, recent)

	if c.autoSkip != nil {
		c.autoSkip.Stop()
	}
	c.autoSkip = time.AfterFunc(delay, func() {
		if c.queue.Stale(token) {
			c.metrics.TransitionDropped(string(TriggerAutoSkip), "superseded")
			return
		}
		_ = c.transition(ctx, TriggerAutoSkip, forward, track.ID)
	})
	c.mu.Unlock()

	c.logger.Info().
		Str("track_id", track.ID).
		Dur("delay", delay).
		Int("recent_failures", recent).
		Msg("auto-skip scheduled")
}

// noteFailureLocked adds a failure to the trailing window and raises the
// burst notice once per burst. It returns the failures in the window.
func (c *Controller) noteFailureLocked() int {
	now := c.now()
	c.failures = pruneFailures(c.failures, now, c.tuning.FailureWindow)
	if len(c.failures) == 0 {
		c.noticeSent = false
	}
	c.failures = append(c.failures, now)
	recent := len(c.failures)

	if c.tuning.BurstNoticeThreshold > 0 && recent >= c.tuning.BurstNoticeThreshold && !c.noticeSent {
		c.noticeSent = true
		c.state.Notice = burstNotice
		c.logger.Warn().Int("recent_failures", recent).Msg("several tracks failed in a short time")
	}
	return recent
}

func (c *Controller) armStallLocked(ctx context.Context, token uint64, track Track) {
	if c.stall != nil {
		return
	}
	c.stall = time.AfterFunc(c.tuning.StallTimeout, func() {
		c.mu.Lock()
		c.stall = nil
		c.mu.Unlock()
		c.handlePlaybackFailure(ctx, token, track, KindNetworkError, ErrStalled)
	})
}

func (c *Controller) stopStallLocked() {
	if c.stall != nil {
		c.stall.Stop()
		c.stall = nil
	}
}

func (c *Controller) stopStall() {
	c.mu.Lock()
	c.stopStallLocked()
	c.mu.Unlock()
}

func (c *Controller) stopTimers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.autoSkip != nil {
		c.autoSkip.Stop()
		c.autoSkip = nil
	}
	c.stopStallLocked()
}

func (c *Controller) tick(ctx context.Context) {
	go c.extend(ctx)

	c.mu.Lock()
	playing := c.state.IsPlaying || c.state.IsLoading
	c.mu.Unlock()

	if !playing && c.recorder.Active() && c.recorder.IdleFor() >= c.tuning.SessionIdleTimeout {
		c.completeSession(ctx, "idle")
	}
}

func (c *Controller) extend(ctx context.Context) {
	if _, err := c.queue.ExtendIfLow(ctx); err != nil && !errors.Is(err, ErrCatalogNotProvided) {
		c.logger.Warn().Err(err).Msg("failed to extend queue")
	}
}

// finish ends playback after the queue ran dry or could not be built.
func (c *Controller) finish(ctx context.Context, err error) {
	c.stopTimers()
	c.sink.Unload()

	c.mu.Lock()
	c.state.IsPlaying = false
	c.state.IsLoading = false
	c.state.CurrentTrack = nil
	c.state.CurrentTime = 0
	c.state.Duration = 0
	c.state.ErrorKind = KindOf(err)
	c.state.Err = err
	c.loaded = loadedTrack{}
	c.mu.Unlock()

	c.logger.Info().Err(err).Msg("playback finished")
	c.completeSession(ctx, string(KindOf(err)))
}

func (c *Controller) completeSession(ctx context.Context, reason string) {
	if _, emitted, _ := c.recorder.Complete(ctx, reason); emitted {
		c.metrics.SessionCompleted(reason)
	}
}

func (c *Controller) setLoading(loading bool) {
	c.mu.Lock()
	c.state.IsLoading = loading
	c.mu.Unlock()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func withTrack(err error, trackID string) error {
	var pe *PlaybackError
	if errors.As(err, &pe) {
		if pe.TrackID == "" {
			return NewPlaybackError(pe.Kind, trackID, pe.Err)
		}
		return err
	}
	return NewPlaybackError(KindOf(err), trackID, err)
}

package music

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hxnx/calmstream/config"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Catalog supplies more tracks for a goal. Returned tracks must not include
// any id listed in excludeIDs.
type Catalog interface {
	FetchTracksForGoal(ctx context.Context, goal string, limit int, excludeIDs []string) ([]Track, error)
}

// Starter loads and starts a track. token is the queue sequence captured
// for this attempt; the starter must abandon work once it goes stale.
type Starter func(ctx context.Context, t Track, token uint64) error

// QueueManager owns the ordered track list and the current index. Tracks
// before the current index are history and are never removed.
type QueueManager struct {
	resolver TrackResolver
	ledger   *FailureLedger
	catalog  Catalog
	tuning   config.Tuning
	logger   zerolog.Logger
	onExtend func(n int)
	group    singleflight.Group

	mu     sync.Mutex
	tracks []Track
	index  int
	goal   string
	seen   map[string]struct{}
	seq    uint64
}

func NewQueueManager(resolver TrackResolver, ledger *FailureLedger, catalog Catalog, tuning config.Tuning, logger zerolog.Logger) *QueueManager {
	return &QueueManager{
		resolver: resolver,
		ledger:   ledger,
		catalog:  catalog,
		tuning:   tuning,
		logger:   logger.With().Str("component", "queue").Logger(),
		index:    -1,
		seen:     make(map[string]struct{}),
	}
}

// OnExtend registers a callback fired with the number of tracks appended by
// each successful extension.
func (q *QueueManager) OnExtend(fn func(n int)) *QueueManager {
	q.onExtend = fn
	return q
}

// SetQueue validates tracks and installs the survivors. Exhausted tracks
// are dropped without probing; tracks that fail to resolve are marked
// exhausted and dropped. Validation runs in batches and stops once enough
// working tracks past the start index have been confirmed. The index is
// left just before the surviving start track, ready for Advance.
func (q *QueueManager) SetQueue(ctx context.Context, tracks []Track, startIndex int, goal string) error {
	token := q.Bump()

	if len(tracks) == 0 {
		q.install(nil, 0, goal, nil)
		return ErrNoPlayableTracks
	}
	if startIndex < 0 {
		startIndex = 0
	}
	if startIndex >= len(tracks) {
		startIndex = len(tracks) - 1
	}

	keep, err := q.validate(ctx, tracks, startIndex)
	if err != nil {
		return err
	}
	if q.Stale(token) {
		return ErrStaleTransition
	}

	kept := make([]Track, 0, len(tracks))
	newStart := -1
	for i, t := range tracks {
		if !keep[i] {
			continue
		}
		if i >= startIndex && newStart < 0 {
			newStart = len(kept)
		}
		kept = append(kept, t)
	}

	if len(kept) == 0 {
		q.install(nil, 0, goal, tracks)
		q.logger.Warn().Int("submitted", len(tracks)).Msg("no working tracks in submitted queue")
		return ErrNoPlayableTracks
	}
	if newStart < 0 {
		// every track from the start onward failed; fall back to the last survivor
		newStart = len(kept) - 1
	}

	q.install(kept, newStart, goal, tracks)
	q.logger.Info().
		Int("submitted", len(tracks)).
		Int("kept", len(kept)).
		Str("goal", goal).
		Msg("queue replaced")
	return nil
}

func (q *QueueManager) validate(ctx context.Context, tracks []Track, startIndex int) ([]bool, error) {
	keep := make([]bool, len(tracks))
	skip := make([]bool, len(tracks))
	dup := make(map[string]struct{}, len(tracks))
	for i, t := range tracks {
		if t.ID == "" || q.ledger.IsExhausted(t.ID) {
			skip[i] = true
			continue
		}
		if _, ok := dup[t.ID]; ok {
			skip[i] = true
			continue
		}
		dup[t.ID] = struct{}{}
	}

	batch := q.tuning.ValidationBatchSize
	if batch < 1 {
		batch = 1
	}

	working := 0
	i := 0
	for ; i < len(tracks); i += batch {
		if working >= q.tuning.ValidationEarlyStop && i > startIndex {
			break
		}
		end := i + batch
		if end > len(tracks) {
			end = len(tracks)
		}

		ok := make([]bool, end-i)
		g, gctx := errgroup.WithContext(ctx)
		for j := i; j < end; j++ {
			if skip[j] {
				continue
			}
			j, t := j, tracks[j]
			g.Go(func() error {
				res := q.resolver.Resolve(gctx, t)
				// refused credentials say nothing about the track itself
				ok[j-i] = res.Success || res.AuthRejected()
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for j := i; j < end; j++ {
			switch {
			case skip[j]:
			case ok[j-i]:
				keep[j] = true
				if j >= startIndex {
					working++
				}
			default:
				q.ledger.MarkExhausted(tracks[j].ID)
				q.logger.Debug().Str("track_id", tracks[j].ID).Msg("dropping unresolvable track")
			}
		}
	}

	// tail past the early stop is kept untested and checked on demand
	for ; i < len(tracks); i++ {
		keep[i] = !skip[i]
	}
	return keep, nil
}

func (q *QueueManager) install(kept []Track, start int, goal string, submitted []Track) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.tracks = kept
	q.index = start - 1
	q.goal = goal
	q.seen = make(map[string]struct{}, len(submitted))
	for _, t := range submitted {
		if t.ID != "" {
			q.seen[t.ID] = struct{}{}
		}
	}
}

// Advance starts the next playable track. Exhausted tracks are removed
// without an attempt; tracks whose start fails are recorded in the ledger
// and removed. At the end of the queue a goal-backed queue is extended
// from the catalog before giving up.
func (q *QueueManager) Advance(ctx context.Context, start Starter) (*Track, error) {
	rounds := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		next := q.index + 1
		if next >= len(q.tracks) {
			goal := q.goal
			q.mu.Unlock()

			if goal == "" {
				return nil, ErrQueueExhausted
			}
			if rounds >= q.maxExtendRounds() {
				return nil, ErrNoTracksForGoal
			}
			rounds++

			n, err := q.extend(ctx, goal)
			if err != nil {
				q.logger.Warn().Err(err).Str("goal", goal).Msg("failed to extend queue")
			}
			if n == 0 {
				return nil, ErrNoTracksForGoal
			}
			continue
		}

		t := q.tracks[next]
		if q.ledger.IsExhausted(t.ID) {
			q.removeLocked(next)
			q.mu.Unlock()
			continue
		}
		q.seq++
		token := q.seq
		q.mu.Unlock()

		err := start(ctx, t, token)

		q.mu.Lock()
		if q.seq != token {
			q.mu.Unlock()
			return nil, ErrStaleTransition
		}
		pos := q.positionLocked(t.ID, q.index+1)
		if err == nil || KindOf(err) == KindAutoplayBlocked {
			if pos >= 0 {
				q.index = pos
				t = q.tracks[pos]
			}
			q.mu.Unlock()
			return &t, err
		}
		if errors.Is(err, ErrStaleTransition) || errors.Is(err, context.Canceled) {
			q.mu.Unlock()
			return nil, err
		}

		n := q.ledger.RecordFailure(t.ID)
		if pos >= 0 {
			q.removeLocked(pos)
		}
		q.mu.Unlock()

		q.logger.Info().
			Err(err).
			Str("track_id", t.ID).
			Int("failures", n).
			Msg("removed track that failed to start")
	}
}

// Retreat starts the closest earlier track that still plays. History is
// never rewritten: failing tracks are recorded in the ledger and skipped
// but stay in place.
func (q *QueueManager) Retreat(ctx context.Context, start Starter) (*Track, error) {
	q.mu.Lock()
	i := q.index - 1
	q.mu.Unlock()

	for ; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		if i >= len(q.tracks) {
			q.mu.Unlock()
			continue
		}
		t := q.tracks[i]
		if q.ledger.IsExhausted(t.ID) {
			q.mu.Unlock()
			continue
		}
		q.seq++
		token := q.seq
		q.mu.Unlock()

		err := start(ctx, t, token)

		q.mu.Lock()
		if q.seq != token {
			q.mu.Unlock()
			return nil, ErrStaleTransition
		}
		if err == nil || KindOf(err) == KindAutoplayBlocked {
			q.index = i
			t = q.tracks[i]
			q.mu.Unlock()
			return &t, err
		}
		q.mu.Unlock()

		if errors.Is(err, ErrStaleTransition) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		q.ledger.RecordFailure(t.ID)
	}
	return nil, ErrNoPreviousTrack
}

// ExtendIfLow tops the queue up from the catalog when fewer than the
// low-water mark of tracks remain after the current one. Concurrent calls
// share a single fetch.
func (q *QueueManager) ExtendIfLow(ctx context.Context) (int, error) {
	q.mu.Lock()
	remaining := len(q.tracks) - q.index - 1
	goal := q.goal
	q.mu.Unlock()

	if goal == "" || remaining >= q.tuning.LowWaterMark {
		return 0, nil
	}
	return q.extend(ctx, goal)
}

func (q *QueueManager) extend(ctx context.Context, goal string) (int, error) {
	if q.catalog == nil {
		return 0, ErrCatalogNotProvided
	}

	v, err, _ := q.group.Do(goal, func() (interface{}, error) {
		exclude := q.excludeIDs()
		fetched, err := q.catalog.FetchTracksForGoal(ctx, goal, q.tuning.ExtensionBatchSize, exclude)
		if err != nil {
			return 0, err
		}
		return q.appendTracks(goal, fetched), nil
	})
	if err != nil {
		return 0, err
	}

	n := v.(int)
	if n > 0 && q.onExtend != nil {
		q.onExtend(n)
	}
	return n, nil
}

func (q *QueueManager) excludeIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.seen)+len(q.tracks))
	set := make(map[string]struct{}, len(q.seen)+len(q.tracks))
	for id := range q.seen {
		set[id] = struct{}{}
	}
	for _, t := range q.tracks {
		set[t.ID] = struct{}{}
	}
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (q *QueueManager) appendTracks(goal string, fetched []Track) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.goal != goal {
		// queue was replaced while the fetch was in flight
		return 0
	}

	added := 0
	for _, t := range fetched {
		if t.ID == "" {
			continue
		}
		if _, ok := q.seen[t.ID]; ok {
			continue
		}
		q.seen[t.ID] = struct{}{}
		if q.ledger.IsExhausted(t.ID) {
			continue
		}
		q.tracks = append(q.tracks, t)
		added++
	}
	if added > 0 {
		q.logger.Info().Str("goal", goal).Int("added", added).Int("length", len(q.tracks)).Msg("queue extended")
	}
	return added
}

// RemoveBroken drops the track at index. Removing the current track moves
// the index back so the following track is next.
func (q *QueueManager) RemoveBroken(index int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if index < 0 || index >= len(q.tracks) {
		return ErrIndexOutOfRange
	}
	if index < q.index {
		return ErrHistoryImmutable
	}
	q.removeLocked(index)
	return nil
}

func (q *QueueManager) removeLocked(index int) {
	q.tracks = append(q.tracks[:index:index], q.tracks[index+1:]...)
	if index <= q.index {
		q.index--
	}
}

func (q *QueueManager) positionLocked(id string, from int) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(q.tracks); i++ {
		if q.tracks[i].ID == id {
			return i
		}
	}
	return -1
}

// SetDuration records a duration learned from the sink on a queued track.
func (q *QueueManager) SetDuration(id string, d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.tracks {
		if q.tracks[i].ID == id && q.tracks[i].Duration == 0 {
			q.tracks[i].Duration = d
		}
	}
}

func (q *QueueManager) maxExtendRounds() int {
	if q.tuning.MaxExtendRounds < 1 {
		return 1
	}
	return q.tuning.MaxExtendRounds
}

// Bump invalidates every in-flight load and returns the new sequence.
func (q *QueueManager) Bump() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	return q.seq
}

func (q *QueueManager) Sequence() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seq
}

func (q *QueueManager) Stale(token uint64) bool {
	return q.Sequence() != token
}

func (q *QueueManager) Current() *Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.index < 0 || q.index >= len(q.tracks) {
		return nil
	}
	t := q.tracks[q.index]
	return &t
}

func (q *QueueManager) Tracks() []Track {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Track, len(q.tracks))
	copy(out, q.tracks)
	return out
}

func (q *QueueManager) Index() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.index
}

func (q *QueueManager) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracks)
}

func (q *QueueManager) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracks) - q.index - 1
}

func (q *QueueManager) Goal() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.goal
}

// Clear empties the queue and invalidates in-flight loads.
func (q *QueueManager) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tracks = nil
	q.index = -1
	q.goal = ""
	q.seen = make(map[string]struct{})
	q.seq++
}

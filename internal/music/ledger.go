package music

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const ledgerPersistTimeout = 2 * time.Second

// LedgerStore snapshots failure counts so they survive a restart.
type LedgerStore interface {
	Save(ctx context.Context, counts map[string]int) error
	Load(ctx context.Context) (map[string]int, error)
	Clear(ctx context.Context) error
}

// FailureLedger counts load failures per track for the life of the process.
// A track whose count reaches the ceiling is exhausted and never selected
// again until the ledger is cleared.
type FailureLedger struct {
	ceiling int
	gcSize  int
	store   LedgerStore
	logger  zerolog.Logger

	mu     sync.Mutex
	counts map[string]int
}

func NewFailureLedger(ceiling, gcSize int, logger zerolog.Logger) *FailureLedger {
	if ceiling < 1 {
		ceiling = 1
	}
	return &FailureLedger{
		ceiling: ceiling,
		gcSize:  gcSize,
		logger:  logger.With().Str("component", "ledger").Logger(),
		counts:  make(map[string]int),
	}
}

func (l *FailureLedger) WithStore(store LedgerStore) *FailureLedger {
	l.store = store
	return l
}

// Restore seeds the ledger from its store. Counts already recorded in this
// process win over the snapshot.
func (l *FailureLedger) Restore(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	counts, err := l.store.Load(ctx)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, n := range counts {
		if _, ok := l.counts[id]; !ok && n > 0 {
			l.counts[id] = n
		}
	}
	return nil
}

func (l *FailureLedger) RecordFailure(trackID string) int {
	if trackID == "" {
		return 0
	}

	l.mu.Lock()
	if _, known := l.counts[trackID]; !known && l.gcSize > 0 && len(l.counts) >= l.gcSize {
		l.logger.Info().Int("entries", len(l.counts)).Msg("failure ledger over capacity, clearing")
		l.counts = make(map[string]int)
	}
	l.counts[trackID]++
	n := l.counts[trackID]
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	if n == l.ceiling {
		l.logger.Warn().Str("track_id", trackID).Int("failures", n).Msg("track exhausted")
	}
	l.persist(snapshot)
	return n
}

func (l *FailureLedger) RecordSuccess(trackID string) {
	l.mu.Lock()
	_, had := l.counts[trackID]
	delete(l.counts, trackID)
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	if had {
		l.persist(snapshot)
	}
}

func (l *FailureLedger) MarkExhausted(trackID string) {
	if trackID == "" {
		return
	}
	l.mu.Lock()
	if l.counts[trackID] < l.ceiling {
		l.counts[trackID] = l.ceiling
	}
	snapshot := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(snapshot)
}

func (l *FailureLedger) IsExhausted(trackID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[trackID] >= l.ceiling
}

func (l *FailureLedger) Count(trackID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[trackID]
}

func (l *FailureLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.counts)
}

func (l *FailureLedger) Snapshot() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

func (l *FailureLedger) Clear(ctx context.Context) error {
	l.mu.Lock()
	l.counts = make(map[string]int)
	l.mu.Unlock()

	if l.store == nil {
		return nil
	}
	return l.store.Clear(ctx)
}

func (l *FailureLedger) snapshotLocked() map[string]int {
	out := make(map[string]int, len(l.counts))
	for id, n := range l.counts {
		out[id] = n
	}
	return out
}

func (l *FailureLedger) persist(snapshot map[string]int) {
	if l.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerPersistTimeout)
		defer cancel()
		if err := l.store.Save(ctx, snapshot); err != nil {
			l.logger.Debug().Err(err).Msg("failed to persist failure ledger")
		}
	}()
}

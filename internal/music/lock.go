package music

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// TransitionLock admits one track transition at a time. A holder that
// outlives its lease is assumed dead and the next caller takes over.
type TransitionLock struct {
	lease   time.Duration
	limiter *rate.Limiter
	now     func() time.Time
	logger  zerolog.Logger
	onForce func()

	mu         sync.Mutex
	held       bool
	gen        uint64
	acquiredAt time.Time
	freed      chan struct{}
}

// Lease is proof of holding the lock. Releasing a lease that was taken over
// does nothing.
type Lease struct {
	lock *TransitionLock
	gen  uint64
}

func NewTransitionLock(lease, minInterval time.Duration, logger zerolog.Logger) *TransitionLock {
	l := &TransitionLock{
		lease:  lease,
		now:    time.Now,
		logger: logger.With().Str("component", "transition_lock").Logger(),
		freed:  make(chan struct{}),
	}
	if minInterval > 0 {
		l.limiter = rate.NewLimiter(rate.Every(minInterval), 1)
	}
	return l
}

func (l *TransitionLock) WithClock(now func() time.Time) *TransitionLock {
	l.now = now
	return l
}

func (l *TransitionLock) OnForceRelease(fn func()) *TransitionLock {
	l.onForce = fn
	return l
}

func (l *TransitionLock) TryAcquire() (Lease, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.held {
		heldFor := now.Sub(l.acquiredAt)
		if heldFor < l.lease {
			return Lease{}, false
		}
		l.logger.Warn().Dur("held_for", heldFor).Msg("transition lease expired, forcing release")
		if l.onForce != nil {
			l.onForce()
		}
	}

	l.held = true
	l.gen++
	l.acquiredAt = now
	return Lease{lock: l, gen: l.gen}, true
}

// Acquire waits until the lock is free or the current lease expires.
func (l *TransitionLock) Acquire(ctx context.Context) (Lease, error) {
	for {
		if lease, ok := l.TryAcquire(); ok {
			return lease, nil
		}

		l.mu.Lock()
		freed := l.freed
		wait := l.lease - l.now().Sub(l.acquiredAt)
		l.mu.Unlock()
		if wait < time.Millisecond {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-freed:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, ctx.Err()
		}
		timer.Stop()
	}
}

func (l *TransitionLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// TooSoon reports whether a manual transition arrives inside the minimum
// spacing window. Each call that returns false consumes the window.
func (l *TransitionLock) TooSoon() bool {
	if l.limiter == nil {
		return false
	}
	return !l.limiter.AllowN(l.now(), 1)
}

func (le Lease) Valid() bool {
	if le.lock == nil {
		return false
	}
	le.lock.mu.Lock()
	defer le.lock.mu.Unlock()
	return le.lock.held && le.lock.gen == le.gen
}

func (le Lease) Release() {
	l := le.lock
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held || l.gen != le.gen {
		return
	}
	l.held = false
	close(l.freed)
	l.freed = make(chan struct{})
}

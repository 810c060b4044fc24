// Package lock guards (client, university, course) triples so that two
// sessions never drive the same application at once, even across processes.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrHeld is returned when the key is already locked by someone else.
var ErrHeld = errors.New("lock is held")

// Locker acquires exclusive, expiring locks on string keys.
//
// note: fault injection point
type Locker interface {
	// TryAcquire returns a release function when the lock was obtained and
	// ErrHeld when another holder owns it. ttl bounds how long a crashed
	// holder can keep the key.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Local is an in-process Locker for single-instance deployments and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]localHold
	gen  uint64
	now  func() time.Time
}

type localHold struct {
	gen     uint64
	expires time.Time
}

// NewLocal creates a Local locker.
func NewLocal() *Local {
	return &Local{held: map[string]localHold{}, now: time.Now}
}

func (l *Local) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	current, ok := l.held[key]
	if ok && now.Before(current.expires) {
		return nil, ErrHeld
	}
	l.gen++
	gen := l.gen
	l.held[key] = localHold{gen: gen, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// only release our own acquisition, an expired lock may have been re-taken
			if l.held[key].gen == gen {
				delete(l.held, key)
			}
		})
	}, nil
}

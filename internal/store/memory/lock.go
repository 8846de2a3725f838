package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sbarrientos2/VEIL/internal/domain"
)

type heldLock struct {
	token   string
	expires time.Time
}

// LockManager implements domain.LockManager with TTL expiry evaluated
// lazily against clock.
type LockManager struct {
	mu    sync.Mutex
	clock domain.Clock
	locks map[string]heldLock
}

// NewLockManager returns a lock manager. A nil clock uses the wall clock.
func NewLockManager(clock domain.Clock) *LockManager {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &LockManager{clock: clock, locks: make(map[string]heldLock)}
}

// Acquire takes key for ttl or fails with domain.ErrLockHeld. The returned
// unlock is idempotent and never releases a lock re-acquired by someone else.
func (lm *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.clock.Now()
	if h, ok := lm.locks[key]; ok && now.Before(h.expires) {
		return nil, fmt.Errorf("memory: acquire %s: %w", key, domain.ErrLockHeld)
	}
	token := uuid.NewString()
	lm.locks[key] = heldLock{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if h, ok := lm.locks[key]; ok && h.token == token {
				delete(lm.locks, key)
			}
		})
	}, nil
}

// ForceRelease drops key regardless of owner.
func (lm *LockManager) ForceRelease(_ context.Context, key string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	delete(lm.locks, key)
	return nil
}

var _ domain.LockManager = (*LockManager)(nil)

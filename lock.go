package stroom

import (
	"context"
	"sync"
	"time"
)

// Locker is the pluggable named-lock primitive. TryAcquire returns a
// handle when the named lock was free, or nil when it is held elsewhere;
// it never blocks. The in-memory implementation suffices for
// single-replica deployments; lock/redislock coordinates across
// replicas.
type Locker interface {
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (LockHandle, error)
}

// LockHandle releases a held named lock. Release is idempotent.
type LockHandle interface {
	Release(ctx context.Context) error
}

// MemoryLocker implements Locker with process-local mutex-guarded leases.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]time.Time // name -> expiry
}

// NewMemoryLocker creates an in-memory named lock.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]time.Time)}
}

// TryAcquire takes the named lock when free or expired. Never returns an
// error; the error slot exists for remote implementations.
func (l *MemoryLocker) TryAcquire(_ context.Context, name string, ttl time.Duration) (LockHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, held := l.leases[name]; held && time.Now().Before(exp) {
		return nil, nil
	}
	l.leases[name] = time.Now().Add(ttl)
	return &memoryLockHandle{locker: l, name: name}, nil
}

type memoryLockHandle struct {
	locker *MemoryLocker
	name   string
	once   sync.Once
}

func (h *memoryLockHandle) Release(context.Context) error {
	h.once.Do(func() {
		h.locker.mu.Lock()
		delete(h.locker.leases, h.name)
		h.locker.mu.Unlock()
	})
	return nil
}

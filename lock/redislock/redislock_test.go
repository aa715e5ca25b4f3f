package redislock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client), mr
}

func TestTryAcquireIsExclusive(t *testing.T) {
	ctx := context.Background()
	l, _ := testLocker(t)

	h1, err := l.TryAcquire(ctx, "resume-all", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if h1 == nil {
		t.Fatal("free lock not acquired")
	}

	h2, err := l.TryAcquire(ctx, "resume-all", time.Minute)
	if err != nil {
		t.Fatalf("second TryAcquire: %v", err)
	}
	if h2 != nil {
		t.Error("held lock acquired twice")
	}

	// A different name is an independent lock.
	h3, err := l.TryAcquire(ctx, "cleanup", time.Minute)
	if err != nil || h3 == nil {
		t.Fatalf("independent lock: (%v, %v)", h3, err)
	}
}

func TestReleaseFreesLock(t *testing.T) {
	ctx := context.Background()
	l, _ := testLocker(t)

	h, err := l.TryAcquire(ctx, "resume-all", time.Minute)
	if err != nil || h == nil {
		t.Fatalf("TryAcquire: (%v, %v)", h, err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := h.Release(ctx); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	again, err := l.TryAcquire(ctx, "resume-all", time.Minute)
	if err != nil || again == nil {
		t.Fatalf("reacquire after release: (%v, %v)", again, err)
	}
}

func TestExpiredLockIsReacquirable(t *testing.T) {
	ctx := context.Background()
	l, mr := testLocker(t)

	stale, err := l.TryAcquire(ctx, "resume-all", time.Second)
	if err != nil || stale == nil {
		t.Fatalf("TryAcquire: (%v, %v)", stale, err)
	}
	mr.FastForward(2 * time.Second)

	fresh, err := l.TryAcquire(ctx, "resume-all", time.Minute)
	if err != nil || fresh == nil {
		t.Fatalf("reacquire after expiry: (%v, %v)", fresh, err)
	}

	// The stale handle's release must not take the lock away from the
	// new holder.
	if err := stale.Release(ctx); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if held, _ := l.TryAcquire(ctx, "resume-all", time.Minute); held != nil {
		t.Error("stale release freed the new holder's lock")
	}
}

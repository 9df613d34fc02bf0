package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeLockStore struct {
	data map[string]string
}

func newFakeLockStore() *fakeLockStore {
	return &fakeLockStore{data: make(map[string]string)}
}

func (f *fakeLockStore) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	str, _ := value.(string)
	f.data[key] = str
	return true, nil
}

func (f *fakeLockStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (f *fakeLockStore) Del(_ context.Context, keys ...string) error {
	for _, key := range keys {
		delete(f.data, key)
	}
	return nil
}

func TestRedisLockAcquireRelease(t *testing.T) {
	store := newFakeLockStore()
	lock, err := NewRedisLock(store, "cl:lock:sweeper", time.Minute)
	if err != nil {
		t.Fatalf("construct lock: %v", err)
	}
	ctx := context.Background()

	ok, err := lock.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed, got ok=%v err=%v", ok, err)
	}

	other, err := NewRedisLock(store, "cl:lock:sweeper", time.Minute)
	if err != nil {
		t.Fatalf("construct second lock: %v", err)
	}
	ok, err = other.Acquire(ctx)
	if err != nil {
		t.Fatalf("second acquire error: %v", err)
	}
	if ok {
		t.Fatal("second instance must not acquire a held lock")
	}

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release error: %v", err)
	}
	ok, err = other.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("expected acquire after release, got ok=%v err=%v", ok, err)
	}
}

func TestRedisLockReleaseChecksOwner(t *testing.T) {
	store := newFakeLockStore()
	lock, err := NewRedisLock(store, "cl:lock:sweeper", time.Minute)
	if err != nil {
		t.Fatalf("construct lock: %v", err)
	}
	ctx := context.Background()

	if ok, err := lock.Acquire(ctx); err != nil || !ok {
		t.Fatalf("acquire failed: ok=%v err=%v", ok, err)
	}

	// Simulate TTL expiry followed by another instance taking the lock.
	store.data["cl:lock:sweeper"] = "someone-else"

	if err := lock.Release(ctx); err != nil {
		t.Fatalf("release error: %v", err)
	}
	if store.data["cl:lock:sweeper"] != "someone-else" {
		t.Fatal("release must not delete another owner's lock")
	}
}

func TestRedisLockReleaseWithoutAcquire(t *testing.T) {
	lock, err := NewRedisLock(newFakeLockStore(), "cl:lock:sweeper", time.Minute)
	if err != nil {
		t.Fatalf("construct lock: %v", err)
	}
	if err := lock.Release(context.Background()); err != nil {
		t.Fatalf("release without acquire must be a no-op: %v", err)
	}
}

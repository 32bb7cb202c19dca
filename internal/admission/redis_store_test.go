package admission

import (
	"context"
	"testing"
	"time"

	"driftcast/internal/testsupport/redisstub"
)

func startRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	stub, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("failed to start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })
	store, err := NewRedisStore(RedisStoreConfig{Addr: stub.Addr()})
	if err != nil {
		t.Fatalf("failed to build redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStoreSetGetDelete(t *testing.T) {
	ctx := context.Background()
	store := startRedisStore(t)

	if err := store.Set(ctx, "driftcast:test:key", "value-1", time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}
	value, ok, err := store.Get(ctx, "driftcast:test:key")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !ok || value != "value-1" {
		t.Fatalf("expected value-1, got %q (ok=%v)", value, ok)
	}

	remaining, ok, err := store.TTL(ctx, "driftcast:test:key")
	if err != nil {
		t.Fatalf("TTL returned error: %v", err)
	}
	if !ok || remaining <= 0 || remaining > time.Minute {
		t.Fatalf("unexpected TTL %v (ok=%v)", remaining, ok)
	}

	if err := store.Delete(ctx, "driftcast:test:key"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, ok, err := store.Get(ctx, "driftcast:test:key"); err != nil || ok {
		t.Fatalf("expected key to be gone, got ok=%v err=%v", ok, err)
	}
}

func TestRedisStoreSetIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := startRedisStore(t)

	stored, err := store.SetIfAbsent(ctx, "driftcast:test:nx", "first", time.Minute)
	if err != nil {
		t.Fatalf("SetIfAbsent returned error: %v", err)
	}
	if !stored {
		t.Fatal("expected first SetIfAbsent to store")
	}
	stored, err = store.SetIfAbsent(ctx, "driftcast:test:nx", "second", time.Minute)
	if err != nil {
		t.Fatalf("SetIfAbsent returned error: %v", err)
	}
	if stored {
		t.Fatal("expected second SetIfAbsent to be rejected")
	}
	value, ok, err := store.Get(ctx, "driftcast:test:nx")
	if err != nil || !ok {
		t.Fatalf("Get returned (%q, %v, %v)", value, ok, err)
	}
	if value != "first" {
		t.Fatalf("expected original value to win, got %q", value)
	}
}

func TestRedisStoreMissingKey(t *testing.T) {
	ctx := context.Background()
	store := startRedisStore(t)

	if _, ok, err := store.Get(ctx, "driftcast:test:absent"); err != nil || ok {
		t.Fatalf("expected absent key, got ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.TTL(ctx, "driftcast:test:absent"); err != nil || ok {
		t.Fatalf("expected absent TTL, got ok=%v err=%v", ok, err)
	}
}

func TestRegistryAgainstRedisStub(t *testing.T) {
	ctx := context.Background()
	store := startRedisStore(t)
	registry := NewRegistry(
		WithDistributedStore(store),
		WithFailMode(FailClosed),
		WithStreamTTL(time.Minute),
		WithCooldown(30*time.Second),
	)

	if err := registry.Register(ctx, "client-a", "stream-1"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	decision, err := registry.CheckCreation(ctx, "client-a")
	if err != nil {
		t.Fatalf("CheckCreation returned error: %v", err)
	}
	if decision.Allowed || decision.Reason != DenyActiveStream {
		t.Fatalf("expected active-stream denial, got %+v", decision)
	}

	ended, err := registry.End(ctx, "client-a", "stream-1")
	if err != nil || !ended {
		t.Fatalf("End returned (%v, %v)", ended, err)
	}
	decision, err = registry.CheckCreation(ctx, "client-a")
	if err != nil {
		t.Fatalf("CheckCreation returned error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowance after clean end, got %+v", decision)
	}
}

package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Unix(1700000000, 0)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(clock *manualClock, opts ...Option) *Registry {
	base := []Option{WithClock(clock.Now)}
	registry := NewRegistry(append(base, opts...)...)
	registry.memory.clock = clock.Now
	return registry
}

func TestRegisterThenGetActive(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	registry := newTestRegistry(clock)

	if err := registry.Register(ctx, "client-a", "stream-1"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	active, err := registry.GetActive(ctx, "client-a")
	if err != nil {
		t.Fatalf("GetActive returned error: %v", err)
	}
	if active == nil || active.StreamID != "stream-1" {
		t.Fatalf("expected active stream-1, got %+v", active)
	}

	ended, err := registry.End(ctx, "client-a", "stream-1")
	if err != nil {
		t.Fatalf("End returned error: %v", err)
	}
	if !ended {
		t.Fatal("expected End to succeed")
	}
	active, err = registry.GetActive(ctx, "client-a")
	if err != nil {
		t.Fatalf("GetActive returned error: %v", err)
	}
	if active != nil {
		t.Fatalf("expected no active stream after End, got %+v", active)
	}
}

func TestCheckCreationDeniesWhileActive(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	registry := newTestRegistry(clock)

	if err := registry.Register(ctx, "client-a", "stream-1"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	decision, err := registry.CheckCreation(ctx, "client-a")
	if err != nil {
		t.Fatalf("CheckCreation returned error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial while stream is active")
	}
	if decision.Reason != DenyActiveStream {
		t.Fatalf("expected reason %q, got %q", DenyActiveStream, decision.Reason)
	}
	if decision.ActiveStreamID != "stream-1" {
		t.Fatalf("expected active stream id in decision, got %q", decision.ActiveStreamID)
	}
	if decision.RetryAfter != 0 {
		t.Fatalf("expected no retry delay for active-stream denial, got %v", decision.RetryAfter)
	}
}

func TestCheckCreationDeniesDuringCooldown(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	registry := newTestRegistry(clock, WithStreamTTL(time.Minute), WithCooldown(30*time.Second))

	if err := registry.Register(ctx, "client-a", "stream-1"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	// Stream TTL elapses without a clean end; the cooldown stays in force.
	clock.Advance(90 * time.Second)
	registry.memory.Set(ctx, cooldownKey("client-a"), "stream-1", 20*time.Second)

	decision, err := registry.CheckCreation(ctx, "client-a")
	if err != nil {
		t.Fatalf("CheckCreation returned error: %v", err)
	}
	if decision.Allowed {
		t.Fatal("expected denial during cooldown")
	}
	if decision.Reason != DenyCooldown {
		t.Fatalf("expected reason %q, got %q", DenyCooldown, decision.Reason)
	}
	if decision.RetryAfter <= 0 {
		t.Fatalf("expected positive retry delay, got %v", decision.RetryAfter)
	}
}

func TestCleanEndClearsCooldown(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	registry := newTestRegistry(clock)

	if err := registry.Register(ctx, "client-a", "stream-1"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if ended, err := registry.End(ctx, "client-a", ""); err != nil || !ended {
		t.Fatalf("End returned (%v, %v), expected clean end", ended, err)
	}
	decision, err := registry.CheckCreation(ctx, "client-a")
	if err != nil {
		t.Fatalf("CheckCreation returned error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected immediate re-creation after clean end, got %+v", decision)
	}
}

func TestTTLExpiryLeavesCooldownStanding(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	registry := newTestRegistry(clock, WithStreamTTL(time.Minute), WithCooldown(5*time.Minute))

	if err := registry.Register(ctx, "client-a", "stream-1"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	clock.Advance(2 * time.Minute)

	active, err := registry.GetActive(ctx, "client-a")
	if err != nil {
		t.Fatalf("GetActive returned error: %v", err)
	}
	if active != nil {
		t.Fatalf("expected stream record to expire, got %+v", active)
	}
	decision, err := registry.CheckCreation(ctx, "client-a")
	if err != nil {
		t.Fatalf("CheckCreation returned error: %v", err)
	}
	if decision.Allowed || decision.Reason != DenyCooldown {
		t.Fatalf("expected cooldown denial after abrupt TTL expiry, got %+v", decision)
	}

	// The cooldown window elapses on its own.
	clock.Advance(4 * time.Minute)
	decision, err = registry.CheckCreation(ctx, "client-a")
	if err != nil {
		t.Fatalf("CheckCreation returned error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected allowance once cooldown elapsed, got %+v", decision)
	}
}

func TestEndWithMismatchedStreamID(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	registry := newTestRegistry(clock)

	if err := registry.Register(ctx, "client-a", "stream-1"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	ended, err := registry.End(ctx, "client-a", "stream-2")
	if err != nil {
		t.Fatalf("End returned error: %v", err)
	}
	if ended {
		t.Fatal("expected End with mismatched stream id to fail")
	}
	active, err := registry.GetActive(ctx, "client-a")
	if err != nil {
		t.Fatalf("GetActive returned error: %v", err)
	}
	if active == nil {
		t.Fatal("expected stream record to survive mismatched End")
	}
}

func TestClientsAreIsolated(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	registry := newTestRegistry(clock)

	if err := registry.Register(ctx, "client-a", "stream-1"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	decision, err := registry.CheckCreation(ctx, "client-b")
	if err != nil {
		t.Fatalf("CheckCreation returned error: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected client-b to be independently allowed, got %+v", decision)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	registry := newTestRegistry(clock)

	if err := registry.Register(ctx, "client-a", "stream-1"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if err := registry.Register(ctx, "client-a", "stream-2"); err == nil {
		t.Fatal("expected duplicate Register to fail")
	}
}

type failingStore struct {
	err error
}

func (f *failingStore) Get(context.Context, string) (string, bool, error) { return "", false, f.err }
func (f *failingStore) Set(context.Context, string, string, time.Duration) error {
	return f.err
}
func (f *failingStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, f.err
}
func (f *failingStore) Delete(context.Context, string) error { return f.err }
func (f *failingStore) TTL(context.Context, string) (time.Duration, bool, error) {
	return 0, false, f.err
}

func TestFailOpenFallsBackToMemory(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := newTestRegistry(clock,
		WithDistributedStore(&failingStore{err: errors.New("connection refused")}),
		WithFailMode(FailOpen),
		WithLogger(logger),
	)

	if err := registry.Register(ctx, "client-a", "stream-1"); err != nil {
		t.Fatalf("Register returned error in fail-open mode: %v", err)
	}
	active, err := registry.GetActive(ctx, "client-a")
	if err != nil {
		t.Fatalf("GetActive returned error: %v", err)
	}
	if active == nil || active.StreamID != "stream-1" {
		t.Fatalf("expected fallback store to hold stream-1, got %+v", active)
	}
}

func TestFailClosedDeniesOperations(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	registry := newTestRegistry(clock,
		WithDistributedStore(&failingStore{err: errors.New("connection refused")}),
		WithFailMode(FailClosed),
	)

	if err := registry.Register(ctx, "client-a", "stream-1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if _, err := registry.CheckCreation(ctx, "client-a"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestPurgeExpiredRemovesMemoryEntries(t *testing.T) {
	ctx := context.Background()
	clock := newManualClock()
	registry := newTestRegistry(clock, WithStreamTTL(time.Minute))

	if err := registry.Register(ctx, "client-a", "stream-1"); err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if err := registry.PurgeExpired(); err != nil {
		t.Fatalf("PurgeExpired returned error: %v", err)
	}
	if _, ok, err := registry.memory.Get(ctx, streamKey("client-a")); err != nil || ok {
		t.Fatalf("expected expired entry to be purged, got ok=%v err=%v", ok, err)
	}
}

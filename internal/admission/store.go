package admission

import (
	"context"
	"sync"
	"time"
)

// Store defines the capability contract shared by the in-process and
// distributed admission backends. Values are opaque strings owned by the
// registry; every key carries a TTL enforced by the backend.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
}

type memoryEntry struct {
	value   string
	expires time.Time
}

// MemoryStore keeps admission state in-memory. It is safe for concurrent use
// and is the fallback backend when the distributed store is unconfigured or
// unreachable in fail-open mode.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// NewMemoryStore constructs an in-memory store implementation.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
}

// Get retrieves the value for the provided key when it has not expired.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.expired(entry) {
		return "", false, nil
	}
	return entry.value, true, nil
}

// Set stores the value under key with the provided TTL, replacing any
// existing entry.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	s.entries[key] = memoryEntry{value: value, expires: s.clock().Add(ttl)}
	s.mu.Unlock()
	return nil
}

// SetIfAbsent stores the value only when no live entry exists for key.
func (s *MemoryStore) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[key]; ok && !s.expired(entry) {
		return false, nil
	}
	s.entries[key] = memoryEntry{value: value, expires: s.clock().Add(ttl)}
	return true, nil
}

// Delete removes the key from the store.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// TTL reports the remaining lifetime of the key.
func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.expired(entry) {
		return 0, false, nil
	}
	return entry.expires.Sub(s.clock()), true, nil
}

// PurgeExpired removes entries whose TTL has elapsed. The registry sweep
// worker calls this periodically; the distributed backend relies on native
// per-key expiry instead.
func (s *MemoryStore) PurgeExpired(now time.Time) error {
	s.mu.Lock()
	for key, entry := range s.entries {
		if now.After(entry.expires) {
			delete(s.entries, key)
		}
	}
	s.mu.Unlock()
	return nil
}

// Ping always reports success for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func (s *MemoryStore) expired(entry memoryEntry) bool {
	return s.clock().After(entry.expires)
}

// Package journal records admission decisions and ingest session lifecycle
// events for operators, with an in-memory backend for development and a
// Postgres backend for durable multi-instance deployments.
package journal

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event identifies what happened to a stream.
type Event string

const (
	EventAdmissionAllowed Event = "admission_allowed"
	EventAdmissionDenied  Event = "admission_denied"
	EventSessionCreated   Event = "session_created"
	EventSessionEnded     Event = "session_ended"
	EventUpstreamFailure  Event = "upstream_failure"
)

// Entry is a single journal record.
type Entry struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"streamId"`
	ClientID  string    `json:"clientId"`
	Event     Event     `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Recorder is the persistence contract for journal entries.
type Recorder interface {
	Append(ctx context.Context, entry Entry) error
	List(ctx context.Context, streamID string, limit int) ([]Entry, error)
	Prune(ctx context.Context, before time.Time) (int64, error)
	Ping(ctx context.Context) error
}

const defaultListLimit = 100

// MemoryRecorder keeps journal entries in-memory. Entries are returned newest
// first to match the Postgres backend's ordering.
type MemoryRecorder struct {
	mu      sync.RWMutex
	entries []Entry
	clock   func() time.Time
}

// NewMemoryRecorder constructs an in-memory recorder.
func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{clock: time.Now}
}

// Append stores the entry, assigning an ID and timestamp when absent.
func (r *MemoryRecorder) Append(_ context.Context, entry Entry) error {
	if strings.TrimSpace(string(entry.Event)) == "" {
		return fmt.Errorf("journal event is required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.clock().UTC()
	}
	r.mu.Lock()
	r.entries = append(r.entries, entry)
	r.mu.Unlock()
	return nil
}

// List returns entries newest first, optionally filtered by stream ID.
func (r *MemoryRecorder) List(_ context.Context, streamID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	r.mu.RLock()
	matched := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		if streamID != "" && entry.StreamID != streamID {
			continue
		}
		matched = append(matched, entry)
	}
	r.mu.RUnlock()
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

// Prune deletes entries created before the cutoff and reports how many were
// removed.
func (r *MemoryRecorder) Prune(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	var removed int64
	for _, entry := range r.entries {
		if entry.CreatedAt.Before(before) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	r.entries = kept
	return removed, nil
}

// Ping always reports success for the in-memory recorder.
func (r *MemoryRecorder) Ping(context.Context) error {
	return nil
}

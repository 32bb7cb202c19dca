package journal

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRecorderAppendAssignsIdentityAndTimestamp(t *testing.T) {
	recorder := NewMemoryRecorder()
	if err := recorder.Append(context.Background(), Entry{StreamID: "live-1", ClientID: "viewer-a", Event: EventSessionCreated}); err != nil {
		t.Fatalf("append entry: %v", err)
	}
	entries, err := recorder.List(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	if entries[0].ID == "" {
		t.Fatal("expected generated entry ID")
	}
	if entries[0].CreatedAt.IsZero() {
		t.Fatal("expected assigned timestamp")
	}
}

func TestMemoryRecorderRejectsMissingEvent(t *testing.T) {
	recorder := NewMemoryRecorder()
	if err := recorder.Append(context.Background(), Entry{StreamID: "live-1"}); err == nil {
		t.Fatal("expected error for entry without event")
	}
}

func TestMemoryRecorderListFiltersAndOrdersNewestFirst(t *testing.T) {
	recorder := NewMemoryRecorder()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seed := []Entry{
		{StreamID: "live-1", Event: EventSessionCreated, CreatedAt: base},
		{StreamID: "live-2", Event: EventSessionCreated, CreatedAt: base.Add(time.Minute)},
		{StreamID: "live-1", Event: EventSessionEnded, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, entry := range seed {
		if err := recorder.Append(context.Background(), entry); err != nil {
			t.Fatalf("append entry: %v", err)
		}
	}
	entries, err := recorder.List(context.Background(), "live-1", 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two live-1 entries, got %d", len(entries))
	}
	if entries[0].Event != EventSessionEnded || entries[1].Event != EventSessionCreated {
		t.Fatalf("expected newest-first ordering, got %s then %s", entries[0].Event, entries[1].Event)
	}
}

func TestMemoryRecorderListHonorsLimit(t *testing.T) {
	recorder := NewMemoryRecorder()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		entry := Entry{StreamID: "live-1", Event: EventUpstreamFailure, CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := recorder.Append(context.Background(), entry); err != nil {
			t.Fatalf("append entry: %v", err)
		}
	}
	entries, err := recorder.List(context.Background(), "", 2)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected limit of two entries, got %d", len(entries))
	}
}

func TestMemoryRecorderPruneRemovesOldEntries(t *testing.T) {
	recorder := NewMemoryRecorder()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		entry := Entry{StreamID: "live-1", Event: EventSessionCreated, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := recorder.Append(context.Background(), entry); err != nil {
			t.Fatalf("append entry: %v", err)
		}
	}
	removed, err := recorder.Prune(context.Background(), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("prune entries: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected two pruned entries, got %d", removed)
	}
	entries, err := recorder.List(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("list entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected two surviving entries, got %d", len(entries))
	}
}

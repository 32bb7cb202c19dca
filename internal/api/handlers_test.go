package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"driftcast/internal/journal"
)

func TestHealthReportsComponents(t *testing.T) {
	handler := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Status     string            `json:"status"`
		Components []componentStatus `json:"components"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload.Status != "ok" {
		t.Fatalf("expected ok status, got %q", payload.Status)
	}
	if len(payload.Components) != 2 {
		t.Fatalf("expected registry and journal components, got %d", len(payload.Components))
	}
}

func TestHealthDegradedOnJournalFailure(t *testing.T) {
	handler := newTestHandler(t)
	handler.Journal = failingRecorder{}

	rec := httptest.NewRecorder()
	handler.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload.Status != "degraded" {
		t.Fatalf("expected degraded status, got %q", payload.Status)
	}
}

func TestJournalEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	recorder := journal.NewMemoryRecorder()
	handler.Journal = recorder
	ctx := context.Background()
	for _, event := range []journal.Event{journal.EventSessionCreated, journal.EventSessionEnded} {
		if err := recorder.Append(ctx, journal.Entry{StreamID: "stream-1", ClientID: "client", Event: event}); err != nil {
			t.Fatalf("seed journal: %v", err)
		}
		time.Sleep(time.Millisecond)
	}

	rec := httptest.NewRecorder()
	handler.JournalEntries(rec, httptest.NewRequest(http.MethodGet, "/api/journal?streamId=stream-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Entries []journal.Entry `json:"entries"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode journal: %v", err)
	}
	if len(payload.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(payload.Entries))
	}
	if payload.Entries[0].Event != journal.EventSessionEnded {
		t.Fatalf("expected newest-first ordering, got %q first", payload.Entries[0].Event)
	}
}

func TestJournalEndpointValidation(t *testing.T) {
	handler := newTestHandler(t)

	rec := httptest.NewRecorder()
	handler.JournalEntries(rec, httptest.NewRequest(http.MethodGet, "/api/journal", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing streamId: expected 400, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.JournalEntries(rec, httptest.NewRequest(http.MethodGet, "/api/journal?streamId=s&limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", rec.Code)
	}

	handler.Journal = nil
	rec = httptest.NewRecorder()
	handler.JournalEntries(rec, httptest.NewRequest(http.MethodGet, "/api/journal?streamId=s", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("journal disabled: expected 503, got %d", rec.Code)
	}
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"driftcast/internal/admission"
	"driftcast/internal/identity"
	"driftcast/internal/journal"
	"driftcast/internal/observability/metrics"
)

func newTestHandler(t *testing.T, opts ...admission.Option) *Handler {
	t.Helper()
	resolver, err := identity.NewResolver(identity.Config{Secret: "api-test-secret"})
	if err != nil {
		t.Fatalf("build resolver: %v", err)
	}
	handler := NewHandler(admission.NewRegistry(opts...), resolver)
	handler.Journal = journal.NewMemoryRecorder()
	handler.Metrics = metrics.New()
	return handler
}

func postStream(t *testing.T, handler *Handler, body string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(http.MethodPost, "/api/streams", nil)
	} else {
		req = httptest.NewRequest(http.MethodPost, "/api/streams", strings.NewReader(body))
	}
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	rec := httptest.NewRecorder()
	handler.Streams(rec, req)
	return rec
}

func visitorCookie(t *testing.T, rec *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == identity.CookieName {
			return cookie
		}
	}
	t.Fatal("expected a visitor cookie to be issued")
	return nil
}

func TestCreateStreamIssuesCookieAndRegisters(t *testing.T) {
	handler := newTestHandler(t)

	rec := postStream(t, handler, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	cookie := visitorCookie(t, rec)
	if !cookie.HttpOnly {
		t.Fatal("visitor cookie must be HttpOnly")
	}

	var created streamResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.StreamID == "" {
		t.Fatal("expected a generated stream ID")
	}
	if created.ExpiresAt == "" {
		t.Fatal("expected the registration expiry in the response")
	}

	entries, err := handler.Journal.List(context.Background(), created.StreamID, 0)
	if err != nil {
		t.Fatalf("list journal: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected admission and session entries, got %d", len(entries))
	}
	if allowed, _ := handler.Metrics.AdmissionCounts(); allowed != 1 {
		t.Fatalf("expected one allowed admission, got %d", allowed)
	}
	if handler.Metrics.ActiveStreams() != 1 {
		t.Fatalf("expected active stream gauge 1, got %d", handler.Metrics.ActiveStreams())
	}
}

func TestCreateStreamAcceptsRequestedID(t *testing.T) {
	handler := newTestHandler(t)

	rec := postStream(t, handler, `{"streamId":"my-stream_7"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created streamResponse
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.StreamID != "my-stream_7" {
		t.Fatalf("expected the requested stream ID, got %q", created.StreamID)
	}
}

func TestCreateStreamRejectsInvalidIDs(t *testing.T) {
	handler := newTestHandler(t)

	cases := []struct {
		name string
		body string
	}{
		{name: "bad characters", body: `{"streamId":"has spaces"}`},
		{name: "path traversal", body: `{"streamId":"../../etc"}`},
		{name: "too long", body: `{"streamId":"` + strings.Repeat("a", 65) + `"}`},
		{name: "unknown field", body: `{"stream":"x"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postStream(t, handler, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestCreateStreamDeniedWhileActive(t *testing.T) {
	handler := newTestHandler(t)

	first := postStream(t, handler, "")
	if first.Code != http.StatusCreated {
		t.Fatalf("first create: expected 201, got %d", first.Code)
	}
	cookie := visitorCookie(t, first)
	var created streamResponse
	if err := json.NewDecoder(first.Body).Decode(&created); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	second := postStream(t, handler, "", cookie)
	if second.Code != http.StatusConflict {
		t.Fatalf("second create: expected 409, got %d", second.Code)
	}
	var denial denialResponse
	if err := json.NewDecoder(second.Body).Decode(&denial); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if denial.Reason != string(admission.DenyActiveStream) {
		t.Fatalf("expected active-stream denial, got %q", denial.Reason)
	}
	if denial.ActiveStreamID != created.StreamID {
		t.Fatalf("expected the blocking stream ID, got %q", denial.ActiveStreamID)
	}

	_, denied := handler.Metrics.AdmissionCounts()
	if denied[string(admission.DenyActiveStream)] != 1 {
		t.Fatalf("expected one denial recorded, got %v", denied)
	}
}

func TestCreateStreamCooldownCarriesRetryAfter(t *testing.T) {
	handler := newTestHandler(t,
		admission.WithStreamTTL(10*time.Millisecond),
		admission.WithCooldown(time.Minute),
	)

	first := postStream(t, handler, "")
	if first.Code != http.StatusCreated {
		t.Fatalf("first create: expected 201, got %d", first.Code)
	}
	cookie := visitorCookie(t, first)

	// Let the stream registration expire while the cooldown persists.
	time.Sleep(25 * time.Millisecond)

	second := postStream(t, handler, "", cookie)
	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 during cooldown, got %d", second.Code)
	}
	var denial denialResponse
	if err := json.NewDecoder(second.Body).Decode(&denial); err != nil {
		t.Fatalf("decode denial: %v", err)
	}
	if denial.Reason != string(admission.DenyCooldown) {
		t.Fatalf("expected cooldown denial, got %q", denial.Reason)
	}
	if denial.RetryAfterSeconds < 1 {
		t.Fatalf("expected a retry hint, got %d", denial.RetryAfterSeconds)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header")
	}
}

func TestDeleteStreamEndsRegistration(t *testing.T) {
	handler := newTestHandler(t)

	created := postStream(t, handler, `{"streamId":"ending-stream"}`)
	if created.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", created.Code)
	}
	cookie := visitorCookie(t, created)

	req := httptest.NewRequest(http.MethodDelete, "/api/streams/ending-stream", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.StreamByID(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", rec.Code)
	}

	// A clean end clears the cooldown, so an immediate re-create succeeds.
	again := postStream(t, handler, "", cookie)
	if again.Code != http.StatusCreated {
		t.Fatalf("re-create after end: expected 201, got %d", again.Code)
	}
}

func TestDeleteStreamMismatchedIDIs404(t *testing.T) {
	handler := newTestHandler(t)

	created := postStream(t, handler, `{"streamId":"owned-stream"}`)
	cookie := visitorCookie(t, created)

	req := httptest.NewRequest(http.MethodDelete, "/api/streams/someone-elses", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.StreamByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for mismatched stream, got %d", rec.Code)
	}
}

func TestActiveStreamEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/streams/active", nil)
	rec := httptest.NewRecorder()
	handler.ActiveStream(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 with no registration, got %d", rec.Code)
	}

	created := postStream(t, handler, `{"streamId":"live-now"}`)
	cookie := visitorCookie(t, created)

	req = httptest.NewRequest(http.MethodGet, "/api/streams/active", nil)
	req.AddCookie(cookie)
	rec = httptest.NewRecorder()
	handler.ActiveStream(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var active admission.ActiveStream
	if err := json.NewDecoder(rec.Body).Decode(&active); err != nil {
		t.Fatalf("decode active stream: %v", err)
	}
	if active.StreamID != "live-now" {
		t.Fatalf("expected the registered stream, got %q", active.StreamID)
	}
}

type failingRecorder struct{}

func (failingRecorder) Append(context.Context, journal.Entry) error {
	return errors.New("journal down")
}

func (failingRecorder) List(context.Context, string, int) ([]journal.Entry, error) {
	return nil, errors.New("journal down")
}

func (failingRecorder) Prune(context.Context, time.Time) (int64, error) {
	return 0, errors.New("journal down")
}

func (failingRecorder) Ping(context.Context) error {
	return errors.New("journal down")
}

func TestJournalFailureDoesNotBlockCreation(t *testing.T) {
	handler := newTestHandler(t)
	handler.Journal = failingRecorder{}

	rec := postStream(t, handler, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 despite journal failure, got %d", rec.Code)
	}
}

package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"driftcast/internal/observability/logging"
)

func TestRequestIDMiddlewareGeneratesID(t *testing.T) {
	var seenID string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID, _ = logging.RequestIDFromContext(r.Context())
	})
	handler := requestIDMiddlewareWithGenerator(nil, func() string { return "generated-id" }, next)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if seenID != "generated-id" {
		t.Fatalf("context request ID = %q, want %q", seenID, "generated-id")
	}
	if got := rec.Header().Get("X-Request-Id"); got != "generated-id" {
		t.Fatalf("response X-Request-Id = %q, want %q", got, "generated-id")
	}
}

func TestRequestIDMiddlewarePassthrough(t *testing.T) {
	var seenID, seenStream string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID, _ = logging.RequestIDFromContext(r.Context())
		seenStream, _ = logging.StreamIDFromContext(r.Context())
	})
	handler := requestIDMiddlewareWithGenerator(nil, func() string {
		t.Fatal("generator must not run when the client supplies an ID")
		return ""
	}, next)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", " client-id ")
	req.Header.Set("X-Stream-Id", "stream-42")
	handler.ServeHTTP(rec, req)

	if seenID != "client-id" {
		t.Fatalf("context request ID = %q, want %q", seenID, "client-id")
	}
	if seenStream != "stream-42" {
		t.Fatalf("context stream ID = %q, want %q", seenStream, "stream-42")
	}
	if got := rec.Header().Get("X-Request-Id"); got != "client-id" {
		t.Fatalf("response X-Request-Id = %q, want %q", got, "client-id")
	}
}

func TestNewRequestIDIsUnique(t *testing.T) {
	a, b := newRequestID(), newRequestID()
	if a == "" || a == b {
		t.Fatalf("expected distinct non-empty IDs, got %q and %q", a, b)
	}
}

package whip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// statusScript serves a scripted sequence of status responses; the last entry
// repeats.
type statusScript struct {
	mu        sync.Mutex
	responses []upstreamResponse
	calls     int
}

type upstreamResponse struct {
	status int
	body   string
}

func (s *statusScript) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		idx := s.calls
		s.calls++
		if idx >= len(s.responses) {
			idx = len(s.responses) - 1
		}
		response := s.responses[idx]
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(response.status)
		_, _ = w.Write([]byte(response.body))
	}
}

func (s *statusScript) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestPoller(baseURL string, cfg PollerConfig) *StatusPoller {
	cfg.BaseURL = baseURL
	poller := NewStatusPoller(cfg)
	poller.sleep = func(context.Context, time.Duration) error { return nil }
	return poller
}

func TestPollRecognizesActivityShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "top-level status", body: `{"status":"active"}`},
		{name: "top-level state", body: `{"state":"LIVE"}`},
		{name: "nested data status", body: `{"data":{"status":"running"}}`},
		{name: "nested gateway status", body: `{"gateway_status":{"status":"streaming"}}`},
		{name: "inference output timestamp", body: `{"inference_status":{"last_output_timestamp":1718000000}}`},
		{name: "inference input timestamp under data", body: `{"data":{"inference_status":{"last_input_timestamp":5}}}`},
		{name: "gateway received bytes", body: `{"gateway_status":{"ingest_metrics":{"bytes_received":1024}}}`},
		{name: "gateway bytes without metrics object", body: `{"gateway_status":{"received_bytes":77}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			script := &statusScript{responses: []upstreamResponse{{status: 200, body: tc.body}}}
			server := httptest.NewServer(script.handler())
			defer server.Close()

			poller := newTestPoller(server.URL, PollerConfig{})
			active, err := poller.Poll(context.Background(), "stream-1")
			if err != nil {
				t.Fatalf("poll: %v", err)
			}
			if !active {
				t.Fatalf("expected activity for body %s", tc.body)
			}
			if script.count() != 1 {
				t.Fatalf("expected a single probe, got %d", script.count())
			}
		})
	}
}

func TestPollIgnoresInactiveAndAmbiguousShapes(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "idle status", body: `{"status":"idle"}`},
		{name: "zero counters", body: `{"gateway_status":{"ingest_metrics":{"bytes_received":0}}}`},
		{name: "unparseable body", body: `{{{`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			script := &statusScript{responses: []upstreamResponse{
				{status: 200, body: tc.body},
				{status: 200, body: `{"status":"active"}`},
			}}
			server := httptest.NewServer(script.handler())
			defer server.Close()

			poller := newTestPoller(server.URL, PollerConfig{})
			active, err := poller.Poll(context.Background(), "stream-1")
			if err != nil {
				t.Fatalf("poll: %v", err)
			}
			if !active {
				t.Fatal("expected polling to continue past the ambiguous body and detect activity")
			}
			if script.count() != 2 {
				t.Fatalf("expected two probes, got %d", script.count())
			}
		})
	}
}

func TestPollRetriesRetryableStatuses(t *testing.T) {
	script := &statusScript{responses: []upstreamResponse{
		{status: 404, body: "no such stream"},
		{status: 503, body: "upstream busy"},
		{status: 429, body: "slow down"},
		{status: 200, body: `{"status":"active"}`},
	}}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	poller := newTestPoller(server.URL, PollerConfig{})
	active, err := poller.Poll(context.Background(), "stream-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !active {
		t.Fatal("expected activity after retryable failures")
	}
	if script.count() != 4 {
		t.Fatalf("expected four probes, got %d", script.count())
	}
}

func TestPollAbandonsOnHardFailure(t *testing.T) {
	script := &statusScript{responses: []upstreamResponse{{status: 403, body: "forbidden"}}}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	poller := newTestPoller(server.URL, PollerConfig{})
	active, err := poller.Poll(context.Background(), "stream-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if active {
		t.Fatal("expected no activity on a hard failure")
	}
	if script.count() != 1 {
		t.Fatalf("expected a single probe before abandoning, got %d", script.count())
	}
}

func TestPollNotReadyBodyIsRetryableDespiteStatus(t *testing.T) {
	script := &statusScript{responses: []upstreamResponse{
		{status: 400, body: "stream not ready yet"},
		{status: 200, body: `{"status":"active"}`},
	}}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	poller := newTestPoller(server.URL, PollerConfig{})
	active, err := poller.Poll(context.Background(), "stream-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !active {
		t.Fatal("expected a not-ready body to be retried")
	}
}

func TestPollAttemptCapOutsideWarmup(t *testing.T) {
	script := &statusScript{responses: []upstreamResponse{{status: 200, body: `{"status":"idle"}`}}}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	poller := newTestPoller(server.URL, PollerConfig{MaxAttempts: 3, WarmupWindow: time.Minute})
	base := time.Now()
	first := true
	poller.clock = func() time.Time {
		if first {
			first = false
			return base
		}
		return base.Add(5 * time.Minute)
	}

	active, err := poller.Poll(context.Background(), "stream-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if active {
		t.Fatal("expected no activity")
	}
	if script.count() != 3 {
		t.Fatalf("expected the attempt cap to hold at 3 probes, got %d", script.count())
	}
}

func TestPollWarmupGraceOverridesAttemptCap(t *testing.T) {
	script := &statusScript{responses: []upstreamResponse{
		{status: 200, body: `{"status":"idle"}`},
		{status: 200, body: `{"status":"idle"}`},
		{status: 200, body: `{"status":"idle"}`},
		{status: 200, body: `{"status":"idle"}`},
		{status: 200, body: `{"status":"active"}`},
	}}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	poller := newTestPoller(server.URL, PollerConfig{MaxAttempts: 2, WarmupWindow: time.Hour})
	active, err := poller.Poll(context.Background(), "stream-1")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if !active {
		t.Fatal("expected warm-up grace to keep polling past the attempt cap")
	}
	if script.count() != 5 {
		t.Fatalf("expected five probes, got %d", script.count())
	}
}

func TestPollStopsOnContextCancel(t *testing.T) {
	script := &statusScript{responses: []upstreamResponse{{status: 200, body: `{"status":"idle"}`}}}
	server := httptest.NewServer(script.handler())
	defer server.Close()

	poller := newTestPoller(server.URL, PollerConfig{WarmupWindow: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	poller.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if _, err := poller.Poll(ctx, "stream-1"); err == nil {
		t.Fatal("expected context cancellation to surface")
	}
}

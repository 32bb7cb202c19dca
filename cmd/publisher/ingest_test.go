package main

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"

	"driftcast/internal/admission"
	"driftcast/internal/api"
	"driftcast/internal/identity"
	"driftcast/internal/journal"
	"driftcast/internal/observability/metrics"
	"driftcast/internal/proxy"
	"driftcast/internal/server"
	"driftcast/internal/testsupport/upstreamstub"
)

const testOfferSDP = "v=0\r\n" +
	"o=- 7151651346796842748 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=sendonly\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

func TestBuildWHIPURL(t *testing.T) {
	base, err := resolveGatewayURL("https://gateway.example")
	if err != nil {
		t.Fatalf("resolve base: %v", err)
	}

	raw := buildWHIPURL(base, "cam-main", "https://ingest.example/whip/cam-main")
	parsed, err := resolveGatewayURL(raw)
	if err != nil {
		t.Fatalf("parse built URL: %v", err)
	}
	if parsed.Path != "/streams/cam-main/whip" {
		t.Fatalf("unexpected path %q", parsed.Path)
	}
	if got := parsed.Query().Get("resource"); got != "https://ingest.example/whip/cam-main" {
		t.Fatalf("resource did not round-trip: %q", got)
	}
	if !strings.Contains(raw, "resource=https%3A%2F%2Fingest.example") {
		t.Fatalf("resource was not escaped: %q", raw)
	}
}

// newTestGateway assembles the real gateway stack the publisher talks to:
// admission API, identity resolver, and the WHIP proxy with loopback
// forwarding enabled so a stub upstream can receive the traffic.
func newTestGateway(t *testing.T) *httptest.Server {
	t.Helper()

	resolver, err := identity.NewResolver(identity.Config{Secret: "publisher-test-secret"})
	if err != nil {
		t.Fatalf("build resolver: %v", err)
	}
	registry := admission.NewRegistry()
	recorder := metrics.New()
	mem := journal.NewMemoryRecorder()

	ingest, err := proxy.New(proxy.Config{
		AllowLoopback: true,
		Metrics:       recorder,
		Journal:       mem,
	}, resolver, registry)
	if err != nil {
		t.Fatalf("build proxy: %v", err)
	}

	handler := api.NewHandler(registry, resolver)
	handler.Journal = mem
	handler.Metrics = recorder

	srv, err := server.New(handler, ingest, server.Config{Addr: "127.0.0.1:0", Metrics: recorder})
	if err != nil {
		t.Fatalf("build server: %v", err)
	}

	gw := httptest.NewServer(srv.Handler())
	t.Cleanup(gw.Close)
	return gw
}

func TestOfferReachesUpstreamThroughGateway(t *testing.T) {
	upstream := upstreamstub.Start(upstreamstub.Options{})
	defer upstream.Close()

	gw := newTestGateway(t)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("build cookie jar: %v", err)
	}
	client := &http.Client{Jar: jar}

	base, err := resolveGatewayURL(gw.URL)
	if err != nil {
		t.Fatalf("resolve gateway: %v", err)
	}

	ctx := context.Background()
	created, err := createStream(ctx, client, base, "cam-e2e")
	if err != nil {
		t.Fatalf("create stream: %v", err)
	}

	whipURL := buildWHIPURL(base, created, upstream.IngestURL(created))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, whipURL, strings.NewReader(testOfferSDP))
	if err != nil {
		t.Fatalf("build offer request: %v", err)
	}
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("post offer: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read answer: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.StatusCode, body)
	}
	if !strings.Contains(string(body), "a=recvonly") {
		t.Fatalf("expected an SDP answer, got %q", body)
	}

	location := resp.Header.Get("Location")
	if !strings.Contains(location, "/streams/"+created+"/whip?resource=") {
		t.Fatalf("session resource does not route back through the gateway: %q", location)
	}

	offers := upstream.OperationsOfKind("offer")
	if len(offers) != 1 {
		t.Fatalf("expected one upstream offer, got %d", len(offers))
	}
	if offers[0].StreamID != created {
		t.Fatalf("offer landed on stream %q, want %q", offers[0].StreamID, created)
	}
}

// Package upstreamstub provides an in-process fake of a WHIP-style upstream:
// offer/answer exchange, trickle-ICE PATCH, session teardown, and the status
// and parameter endpoints, with failure injection and recorded operations for
// assertions.
package upstreamstub

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
)

const defaultAnswerSDP = "v=0\r\n" +
	"o=- 4611731400430051337 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:96 H264/90000\r\n"

// Response is one canned HTTP outcome for the status or parameter endpoints.
// Sequences are consumed in order; the last entry repeats.
type Response struct {
	Status int
	Body   string
}

// Options describes how the fake upstream should behave.
type Options struct {
	// AnswerSDP is returned from successful offer exchanges. A minimal
	// recvonly answer is used when empty.
	AnswerSDP string

	// OmitLocation suppresses the Location header on the offer answer.
	OmitLocation bool

	// LinkHeader, when set, is echoed verbatim on the offer answer.
	LinkHeader string

	// FailOffers causes the first N offer POSTs to fail. Subsequent attempts
	// succeed.
	FailOffers int

	// FailStatusCode is the status used for injected offer failures
	// (default 503).
	FailStatusCode int

	// FailBody is the body used for injected offer failures.
	FailBody string

	// FailPatches causes the first N trickle PATCHes to return HTTP 500.
	FailPatches int

	// DeleteStatus is returned from session DELETE (default 200).
	DeleteStatus int

	// StatusResponses feed GET /streams/{id}/status.
	StatusResponses []Response

	// ParamResponses feed PATCH /streams/{id}/parameters.
	ParamResponses []Response
}

// Operation represents a recorded upstream interaction.
type Operation struct {
	Kind       string
	StreamID   string
	Session    string
	Candidates []string
	Body       string
	Attempt    int
	Status     int
	Timestamp  time.Time
}

// Upstream hosts a single httptest.Server serving every fake endpoint.
type Upstream struct {
	server *httptest.Server
	opts   Options

	mu          sync.Mutex
	operations  []Operation
	offerCount  int
	patchCount  int
	statusIdx   int
	paramIdx    int
	sessionSeq  int
	sessionToID map[string]string
}

// Start spins up a new upstream stub using the provided options.
func Start(opts Options) *Upstream {
	u := &Upstream{opts: opts, sessionToID: make(map[string]string)}
	u.server = httptest.NewServer(http.HandlerFunc(u.handle))
	return u
}

// Close shuts down the underlying HTTP server.
func (u *Upstream) Close() {
	if u.server != nil {
		u.server.Close()
	}
}

// BaseURL returns the HTTP base URL for all fake endpoints.
func (u *Upstream) BaseURL() string {
	return u.server.URL
}

// IngestURL returns the WHIP endpoint for the given stream.
func (u *Upstream) IngestURL(streamID string) string {
	return u.server.URL + "/ingest/" + streamID
}

// Host returns the stub's host:port, useful for allowlist configuration.
func (u *Upstream) Host() string {
	return strings.TrimPrefix(u.server.URL, "http://")
}

// Operations returns a copy of all recorded operations in order.
func (u *Upstream) Operations() []Operation {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Operation, len(u.operations))
	copy(out, u.operations)
	return out
}

// OperationsOfKind filters the recorded operations by kind.
func (u *Upstream) OperationsOfKind(kind string) []Operation {
	var out []Operation
	for _, op := range u.Operations() {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

func (u *Upstream) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/ingest/"):
		u.handleOffer(w, r)
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/sessions/"):
		u.handleTrickle(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/sessions/"):
		u.handleDelete(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/streams/") && strings.HasSuffix(r.URL.Path, "/status"):
		u.handleStatus(w, r)
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/streams/") && strings.HasSuffix(r.URL.Path, "/parameters"):
		u.handleParameters(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (u *Upstream) handleOffer(w http.ResponseWriter, r *http.Request) {
	streamID := strings.TrimPrefix(r.URL.Path, "/ingest/")
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "missing offer body", http.StatusBadRequest)
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/sdp") {
		http.Error(w, "unexpected content type", http.StatusUnsupportedMediaType)
		return
	}
	var offer sdp.SessionDescription
	if err := offer.Unmarshal(body); err != nil {
		u.record(Operation{Kind: "offer", StreamID: streamID, Status: http.StatusBadRequest})
		http.Error(w, "unparseable offer", http.StatusBadRequest)
		return
	}

	u.mu.Lock()
	u.offerCount++
	attempt := u.offerCount
	u.mu.Unlock()

	if attempt <= u.opts.FailOffers {
		status := u.opts.FailStatusCode
		if status == 0 {
			status = http.StatusServiceUnavailable
		}
		failBody := u.opts.FailBody
		if failBody == "" {
			failBody = "upstream unavailable"
		}
		u.record(Operation{Kind: "offer", StreamID: streamID, Attempt: attempt, Status: status})
		http.Error(w, failBody, status)
		return
	}

	u.mu.Lock()
	u.sessionSeq++
	session := fmt.Sprintf("/sessions/%d", u.sessionSeq)
	u.sessionToID[session] = streamID
	u.mu.Unlock()

	u.record(Operation{Kind: "offer", StreamID: streamID, Session: session, Attempt: attempt, Status: http.StatusCreated, Body: string(body)})

	answer := u.opts.AnswerSDP
	if answer == "" {
		answer = defaultAnswerSDP
	}
	w.Header().Set("Content-Type", "application/sdp")
	if !u.opts.OmitLocation {
		w.Header().Set("Location", session)
	}
	if u.opts.LinkHeader != "" {
		w.Header().Set("Link", u.opts.LinkHeader)
	}
	w.WriteHeader(http.StatusCreated)
	_, _ = io.WriteString(w, answer)
}

func (u *Upstream) handleTrickle(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Path
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/trickle-ice-sdpfrag") {
		http.Error(w, "unexpected content type", http.StatusUnsupportedMediaType)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		http.Error(w, "missing fragment body", http.StatusBadRequest)
		return
	}

	var candidates []string
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		value := strings.TrimPrefix(line, "a=")
		value = strings.TrimPrefix(value, "candidate:")
		if _, err := ice.UnmarshalCandidate(value); err != nil {
			u.record(Operation{Kind: "trickle", Session: session, Status: http.StatusBadRequest, Body: line})
			http.Error(w, "unparseable candidate", http.StatusBadRequest)
			return
		}
		candidates = append(candidates, line)
	}

	u.mu.Lock()
	u.patchCount++
	attempt := u.patchCount
	streamID := u.sessionToID[session]
	u.mu.Unlock()

	if attempt <= u.opts.FailPatches {
		u.record(Operation{Kind: "trickle", StreamID: streamID, Session: session, Candidates: candidates, Attempt: attempt, Status: http.StatusInternalServerError})
		http.Error(w, "patch rejected", http.StatusInternalServerError)
		return
	}

	u.record(Operation{Kind: "trickle", StreamID: streamID, Session: session, Candidates: candidates, Attempt: attempt, Status: http.StatusNoContent})
	w.WriteHeader(http.StatusNoContent)
}

func (u *Upstream) handleDelete(w http.ResponseWriter, r *http.Request) {
	session := r.URL.Path
	u.mu.Lock()
	streamID := u.sessionToID[session]
	u.mu.Unlock()
	status := u.opts.DeleteStatus
	if status == 0 {
		status = http.StatusOK
	}
	u.record(Operation{Kind: "delete", StreamID: streamID, Session: session, Status: status})
	w.WriteHeader(status)
}

func (u *Upstream) handleStatus(w http.ResponseWriter, r *http.Request) {
	streamID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/streams/"), "/status")

	u.mu.Lock()
	response := pick(u.opts.StatusResponses, u.statusIdx)
	u.statusIdx++
	u.mu.Unlock()

	if response.Status == 0 {
		response = Response{Status: http.StatusOK, Body: `{"status":"active"}`}
	}
	u.record(Operation{Kind: "status", StreamID: streamID, Status: response.Status})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(response.Status)
	_, _ = io.WriteString(w, response.Body)
}

func (u *Upstream) handleParameters(w http.ResponseWriter, r *http.Request) {
	streamID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/streams/"), "/parameters")
	body, _ := io.ReadAll(r.Body)

	u.mu.Lock()
	response := pick(u.opts.ParamResponses, u.paramIdx)
	u.paramIdx++
	u.mu.Unlock()

	if response.Status == 0 {
		response = Response{Status: http.StatusOK}
	}
	u.record(Operation{Kind: "parameters", StreamID: streamID, Body: string(body), Status: response.Status})
	w.WriteHeader(response.Status)
	_, _ = io.WriteString(w, response.Body)
}

func (u *Upstream) record(op Operation) {
	if op.Timestamp.IsZero() {
		op.Timestamp = time.Now()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.operations = append(u.operations, op)
}

func pick(responses []Response, idx int) Response {
	if len(responses) == 0 {
		return Response{}
	}
	if idx >= len(responses) {
		idx = len(responses) - 1
	}
	return responses[idx]
}

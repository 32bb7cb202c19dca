// Package whip implements the client side of a WHIP-style ingest: the
// connection state machine, reconnection with backoff, upstream status
// polling, and live parameter synchronization.
package whip

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/webrtc/v4"

	"driftcast/internal/observability/logging"
)

const (
	defaultConnectTimeout  = 30 * time.Second
	defaultGatherTimeout   = 20 * time.Second
	defaultDisconnectGrace = 5 * time.Second

	contentTypeSDP        = "application/sdp"
	contentTypeTrickleICE = "application/trickle-ice-sdpfrag"

	bodySnippetLimit = 512
	answerBodyLimit  = 1 << 20
)

// Stats receives client-side counters. The observability recorder satisfies
// it; a nil Stats disables instrumentation.
type Stats interface {
	ReconnectAttempt()
	ICEPatch(ok bool)
	ParamSync(ok bool)
	StatusProbe(active bool)
}

// SessionConfig tunes one ingest session. Zero values select defaults.
type SessionConfig struct {
	// ConnectTimeout bounds the whole connect attempt, from offer to the
	// connected transport signal.
	ConnectTimeout time.Duration
	// GatherTimeout bounds the wait for ICE gathering when WaitForGathering
	// is set. On expiry the partial candidate set is used, never an error.
	GatherTimeout time.Duration
	// WaitForGathering sends the offer only after gathering finishes (or
	// times out) instead of trickling candidates afterward.
	WaitForGathering bool
	// DisconnectGrace is how long a connected session tolerates a transport
	// "disconnected" signal before logging it as stuck.
	DisconnectGrace time.Duration
	ICEServers      []string
	HTTPClient      *http.Client
	Logger          *slog.Logger
	Stats           Stats
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = defaultGatherTimeout
	}
	if c.DisconnectGrace <= 0 {
		c.DisconnectGrace = defaultDisconnectGrace
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: defaultConnectTimeout}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session owns one outbound WHIP connection: it builds the send-only offer,
// exchanges it over HTTP, trickles ICE candidates in batches, and tracks the
// connection state. A Session is single-use; the orchestrator creates a fresh
// one per connect attempt.
type Session struct {
	cfg      SessionConfig
	logger   *slog.Logger
	client   *http.Client
	newPeer  peerFactory
	listener StateListener

	mu              sync.Mutex
	state           State
	stateErr        error
	peer            peer
	whipURL         string
	resourceURL     string
	tracks          []Track
	pending         []string
	patchInFlight   bool
	trickleDisabled bool
	intentional     bool
	disconnected    bool
	connectTimer    *time.Timer
	graceTimer      *time.Timer
	abortHTTP       context.CancelFunc

	events          chan transportEvent
	dispatcherStart sync.Once
	dispatcherDone  chan struct{}
}

// NewSession builds an idle session in the disconnected state.
func NewSession(cfg SessionConfig) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		cfg:            cfg,
		logger:         logging.WithComponent(cfg.Logger, "whip.session"),
		client:         cfg.HTTPClient,
		state:          StateDisconnected,
		events:         make(chan transportEvent, 32),
		dispatcherDone: make(chan struct{}),
	}
	s.newPeer = func() (peer, error) { return newPionPeer(cfg.ICEServers) }
	return s
}

// SetStateListener registers the listener for state-change events. It must be
// called before Connect.
func (s *Session) SetStateListener(fn StateListener) {
	s.mu.Lock()
	s.listener = fn
	s.mu.Unlock()
}

// State returns the current connection state and its error, if any.
func (s *Session) State() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.stateErr
}

// ResourceURL returns the session resource learned from the offer exchange,
// empty when the upstream sent no Location header.
func (s *Session) ResourceURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resourceURL
}

// Connect performs the offer/answer exchange against the WHIP endpoint. The
// connected state arrives asynchronously through the state listener once the
// transport reports it; Connect returns early errors only.
func (s *Session) Connect(ctx context.Context, whipURL string, source MediaSource) error {
	if err := validateSource(source); err != nil {
		return &ConnectionError{Err: err}
	}

	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return &ConnectionError{Err: ErrAlreadyConnected}
	}
	s.whipURL = whipURL
	s.tracks = source.Tracks()
	s.setStateLocked(StateConnecting, nil)
	change := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(change)

	s.dispatcherStart.Do(func() { go s.dispatch() })

	transport, err := s.newPeer()
	if err != nil {
		return s.failConnect(fmt.Errorf("create transport: %w", err))
	}
	s.mu.Lock()
	s.peer = transport
	s.mu.Unlock()

	transport.OnStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			s.enqueue(transportEvent{kind: eventConnected})
		case webrtc.PeerConnectionStateFailed:
			s.enqueue(transportEvent{kind: eventFailed, err: ErrTransportFailed})
		case webrtc.PeerConnectionStateDisconnected:
			s.enqueue(transportEvent{kind: eventDisconnected})
		case webrtc.PeerConnectionStateClosed:
			s.enqueue(transportEvent{kind: eventClosed})
		}
	})
	transport.OnICECandidate(func(candidate string) {
		if candidate == "" {
			return
		}
		s.queueCandidate(candidate)
	})

	for _, track := range s.tracks {
		if err := transport.AddTrack(track); err != nil {
			return s.failConnect(err)
		}
	}

	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		return s.failConnect(err)
	}

	if s.cfg.WaitForGathering {
		gatherTimer := time.NewTimer(s.cfg.GatherTimeout)
		select {
		case <-transport.GatheringDone():
			gatherTimer.Stop()
		case <-gatherTimer.C:
			s.logger.Warn("ice gathering timed out, sending partial candidate set")
		case <-ctx.Done():
			gatherTimer.Stop()
			return s.failConnect(ctx.Err())
		}
		if local := transport.LocalDescription(); local != "" {
			offer = local
		}
	}

	s.mu.Lock()
	s.connectTimer = time.AfterFunc(s.cfg.ConnectTimeout, func() {
		s.enqueue(transportEvent{kind: eventConnectTimeout})
	})
	s.mu.Unlock()

	answer, err := s.exchangeOffer(ctx, whipURL, offer)
	if err != nil {
		return s.failConnect(err)
	}
	if err := transport.SetAnswer(answer); err != nil {
		return s.failConnect(fmt.Errorf("apply answer: %w", err))
	}

	s.mu.Lock()
	s.flushCandidatesLocked()
	s.mu.Unlock()
	return nil
}

// Disconnect tears the session down: media tracks are stopped, the transport
// closed, any in-flight HTTP aborted, and the session resource released
// upstream on a best-effort basis. Safe to call multiple times from any state.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	s.intentional = true
	s.trickleDisabled = true
	s.stopTimersLocked()
	abort := s.abortHTTP
	transport := s.peer
	tracks := s.tracks
	resource := s.resourceURL
	started := s.state != StateDisconnected
	s.mu.Unlock()

	if abort != nil {
		abort()
	}
	for _, track := range tracks {
		if err := track.Close(); err != nil {
			s.logger.Debug("stop media track", "kind", track.Kind(), "error", err)
		}
	}
	if resource != "" {
		s.releaseResource(resource)
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			s.logger.Debug("close transport", "error", err)
		}
	}

	if started {
		s.enqueue(transportEvent{kind: eventClosed})
		select {
		case <-s.dispatcherDone:
		case <-time.After(time.Second):
		}
		return
	}

	// Never connected: no dispatcher is running, confirm closure directly.
	s.mu.Lock()
	s.setStateLocked(StateClosed, nil)
	change := s.snapshotLocked()
	s.mu.Unlock()
	s.emit(change)
}

// releaseResource sends the best-effort DELETE to the session resource.
// Failures are swallowed: the upstream expires abandoned sessions on its own.
func (s *Session) releaseResource(resource string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, resource, nil)
	if err != nil {
		return
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("release session resource", "error", err)
		return
	}
	resp.Body.Close()
}

func (s *Session) exchangeOffer(ctx context.Context, whipURL, offer string) (string, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.abortHTTP = cancel
	s.mu.Unlock()
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, whipURL, strings.NewReader(offer))
	if err != nil {
		return "", &ConnectionError{Err: fmt.Errorf("build offer request: %w", err)}
	}
	req.Header.Set("Content-Type", contentTypeSDP)
	req.Header.Set("Accept", contentTypeSDP)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &ConnectionError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := readSnippet(resp.Body)
		return "", &ConnectionError{Status: resp.StatusCode, Snippet: snippet}
	}

	answer, err := io.ReadAll(io.LimitReader(resp.Body, answerBodyLimit))
	if err != nil {
		return "", &ConnectionError{Err: fmt.Errorf("read answer: %w", err)}
	}

	location, err := resp.Location()
	if err != nil {
		s.logger.Warn("offer answer carried no location header, trickle ice disabled")
		s.mu.Lock()
		s.trickleDisabled = true
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		s.resourceURL = location.String()
		s.mu.Unlock()
	}
	return string(answer), nil
}

// queueCandidate appends a gathered candidate to the pending queue in
// gathering order and flushes when a PATCH can go out.
func (s *Session) queueCandidate(candidate string) {
	line := strings.TrimPrefix(strings.TrimSpace(candidate), "candidate:")
	if _, err := ice.UnmarshalCandidate(line); err != nil {
		s.logger.Debug("drop unparseable ice candidate", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intentional {
		return
	}
	s.pending = append(s.pending, candidate)
	s.flushCandidatesLocked()
}

// flushCandidatesLocked drains the whole pending queue into one PATCH when the
// resource URL is known and no PATCH is in flight. Callers hold s.mu.
func (s *Session) flushCandidatesLocked() {
	if s.trickleDisabled || s.patchInFlight || s.resourceURL == "" || len(s.pending) == 0 {
		return
	}
	batch := s.pending
	s.pending = nil
	s.patchInFlight = true
	go s.sendCandidateBatch(batch)
}

func (s *Session) sendCandidateBatch(batch []string) {
	lines := make([]string, len(batch))
	for i, candidate := range batch {
		if strings.HasPrefix(candidate, "a=") {
			lines[i] = candidate
		} else {
			lines[i] = "a=" + candidate
		}
	}
	body := strings.Join(lines, "\n")

	s.mu.Lock()
	resource := s.resourceURL
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, resource, strings.NewReader(body))
	if err == nil {
		req.Header.Set("Content-Type", contentTypeTrickleICE)
		var resp *http.Response
		resp, err = s.client.Do(req)
		if err == nil {
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				err = fmt.Errorf("trickle patch status %d", resp.StatusCode)
			}
			resp.Body.Close()
		}
	}

	s.mu.Lock()
	s.patchInFlight = false
	if err != nil {
		// Degraded but working: the offer already carried enough candidates
		// to negotiate, so a failed PATCH only disables further trickle.
		s.trickleDisabled = true
		s.pending = nil
		s.mu.Unlock()
		s.logger.Warn("trickle ice patch failed, disabling trickle for this session", "error", err)
		if s.cfg.Stats != nil {
			s.cfg.Stats.ICEPatch(false)
		}
		return
	}
	s.flushCandidatesLocked()
	s.mu.Unlock()
	if s.cfg.Stats != nil {
		s.cfg.Stats.ICEPatch(true)
	}
}

// failConnect records an offer-exchange failure through the dispatcher and
// returns the error to the caller.
func (s *Session) failConnect(err error) error {
	connErr, ok := err.(*ConnectionError)
	if !ok {
		connErr = &ConnectionError{Err: err}
	}
	s.enqueue(transportEvent{kind: eventFailed, err: connErr})
	return connErr
}

func (s *Session) enqueue(event transportEvent) {
	select {
	case s.events <- event:
	case <-s.dispatcherDone:
	}
}

// dispatch is the single goroutine applying transport events to the state
// machine. Suppression after an intentional close happens here and nowhere
// else.
func (s *Session) dispatch() {
	defer close(s.dispatcherDone)
	for event := range s.events {
		if done := s.apply(event); done {
			return
		}
	}
}

func (s *Session) apply(event transportEvent) bool {
	s.mu.Lock()

	if s.intentional && event.kind != eventClosed {
		s.mu.Unlock()
		return false
	}

	var change *StateChange
	done := false

	switch event.kind {
	case eventConnected:
		if s.state == StateConnecting || s.state == StateDisconnectedTransient {
			s.stopTimersLocked()
			s.setStateLocked(StateConnected, nil)
			change = s.changeLocked()
		}
	case eventFailed:
		if s.state != StateFailed && s.state != StateClosed {
			s.stopTimersLocked()
			s.setStateLocked(StateFailed, event.err)
			change = s.changeLocked()
		}
	case eventConnectTimeout:
		if s.state == StateConnecting {
			abort := s.abortHTTP
			s.setStateLocked(StateFailed, ErrConnectTimeout)
			change = s.changeLocked()
			if abort != nil {
				abort()
			}
		}
	case eventDisconnected:
		if s.state == StateConnected {
			s.setStateLocked(StateDisconnectedTransient, nil)
			change = s.changeLocked()
			s.graceTimer = time.AfterFunc(s.cfg.DisconnectGrace, func() {
				s.enqueue(transportEvent{kind: eventGraceExpired})
			})
		}
	case eventGraceExpired:
		if s.state == StateDisconnectedTransient {
			// Recovery is observed, not forced: the transport may still come
			// back, so this is logged without a further transition.
			s.logger.Warn("transport still disconnected after grace period")
		}
	case eventClosed:
		switch {
		case s.intentional:
			if s.state != StateClosed {
				s.setStateLocked(StateClosed, nil)
				change = s.changeLocked()
			}
			done = true
		case s.state == StateFailed:
			// The first terminal failure reason is preserved; a trailing
			// closed signal from the dying transport does not overwrite it.
			s.logger.Debug("ignoring transport close after terminal failure")
		case s.state == StateClosed:
		default:
			var closeErr error
			if s.state == StateConnecting {
				closeErr = ErrSessionClosed
			}
			s.stopTimersLocked()
			s.setStateLocked(StateClosed, closeErr)
			change = s.changeLocked()
			done = true
		}
	}

	s.mu.Unlock()
	if change != nil {
		s.emit(*change)
	}
	return done
}

func (s *Session) setStateLocked(state State, err error) {
	s.state = state
	s.stateErr = err
}

func (s *Session) changeLocked() *StateChange {
	change := s.snapshotLocked()
	return &change
}

func (s *Session) snapshotLocked() StateChange {
	change := StateChange{State: s.state, Err: s.stateErr}
	if s.peer != nil {
		change.ICEConnectionState = s.peer.ICEConnectionState()
		change.ICEGatheringState = s.peer.ICEGatheringState()
	}
	return change
}

func (s *Session) stopTimersLocked() {
	if s.connectTimer != nil {
		s.connectTimer.Stop()
		s.connectTimer = nil
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

func (s *Session) emit(change StateChange) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener != nil {
		listener(change)
	}
}

func validateSource(source MediaSource) error {
	if source == nil {
		return ErrNoLiveTracks
	}
	tracks := source.Tracks()
	if len(tracks) == 0 {
		return ErrNoLiveTracks
	}
	if !tracks[0].Live() {
		return fmt.Errorf("%w: primary %s track is not live", ErrNoLiveTracks, tracks[0].Kind())
	}
	return nil
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, bodySnippetLimit))
	return strings.TrimSpace(string(data))
}

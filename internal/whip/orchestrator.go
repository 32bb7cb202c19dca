package whip

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"driftcast/internal/observability/logging"
)

const (
	defaultRetryBaseDelay = 500 * time.Millisecond
	defaultRetryMaxDelay  = 10 * time.Second
	defaultRetryAttempts  = 8
	defaultWarmupWindow   = 2 * time.Minute
)

// ErrOrchestratorStarted is returned by Start when a run is already active.
var ErrOrchestratorStarted = errors.New("orchestrator already started")

// OrchestratorConfig tunes retry behavior. Zero values select defaults.
type OrchestratorConfig struct {
	Session SessionConfig
	// BaseDelay seeds the exponential backoff between connect attempts.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// MaxAttempts caps connect attempts before the failure is surfaced.
	MaxAttempts int
	// WarmupWindow is the grace period, measured from stream creation, during
	// which retryable failures are retried. Outside it the upstream is
	// assumed genuinely unavailable.
	WarmupWindow time.Duration
	Logger       *slog.Logger
	Stats        Stats
}

func (c OrchestratorConfig) withDefaults() OrchestratorConfig {
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultRetryBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultRetryMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultRetryAttempts
	}
	if c.WarmupWindow <= 0 {
		c.WarmupWindow = defaultWarmupWindow
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Orchestrator wraps Session with transparent reconnection: retryable
// failures during the warm-up window are retried with capped exponential
// backoff while the caller keeps seeing "connecting". Hard rejections and
// exhausted retries surface the first failure as-is.
type Orchestrator struct {
	cfg      OrchestratorConfig
	logger   *slog.Logger
	listener StateListener
	clock    func() time.Time
	// newSession is replaced by tests to observe per-attempt sessions.
	newSession func() *Session

	mu        sync.Mutex
	session   *Session
	started   bool
	stopped   bool
	createdAt time.Time
	attempt   int
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// NewOrchestrator builds an idle orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	cfg = cfg.withDefaults()
	o := &Orchestrator{
		cfg:    cfg,
		logger: logging.WithComponent(cfg.Logger, "whip.orchestrator"),
		clock:  time.Now,
	}
	o.newSession = func() *Session { return NewSession(cfg.Session) }
	return o
}

// SetStateListener registers the caller-facing listener. Intermediate
// failures that lead to a retry are reported as StateConnecting, never as
// failed.
func (o *Orchestrator) SetStateListener(fn StateListener) {
	o.mu.Lock()
	o.listener = fn
	o.mu.Unlock()
}

// Start begins the connect-and-retry loop for the stream. The warm-up window
// is measured from this call, which follows stream creation.
func (o *Orchestrator) Start(ctx context.Context, streamID, whipURL string, source MediaSource) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrOrchestratorStarted
	}
	o.started = true
	o.stopped = false
	o.createdAt = o.clock()
	o.attempt = 0
	runCtx, cancel := context.WithCancel(ctx)
	o.cancelRun = cancel
	o.runDone = make(chan struct{})
	o.mu.Unlock()

	go o.run(runCtx, streamID, whipURL, source)
	return nil
}

// Stop ends the run: the retry loop halts, the active session disconnects,
// and the attempt counter resets. Safe to call multiple times.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.started || o.stopped {
		o.mu.Unlock()
		return
	}
	o.stopped = true
	o.attempt = 0
	cancel := o.cancelRun
	session := o.session
	done := o.runDone
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if session != nil {
		session.Disconnect()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}

	o.mu.Lock()
	o.started = false
	o.mu.Unlock()
	o.emit(StateChange{State: StateClosed})
}

func (o *Orchestrator) run(ctx context.Context, streamID, whipURL string, source MediaSource) {
	defer close(o.runDone)
	logger := o.logger.With("stream_id", streamID)

	for {
		o.mu.Lock()
		if o.stopped {
			o.mu.Unlock()
			return
		}
		o.attempt++
		attempt := o.attempt
		session := o.newSession()
		o.session = session
		o.mu.Unlock()

		if attempt > 1 && o.cfg.Stats != nil {
			o.cfg.Stats.ReconnectAttempt()
		}

		outcome := make(chan StateChange, 8)
		session.SetStateListener(func(change StateChange) {
			o.observe(change, outcome)
		})

		var terminal StateChange
		err := session.Connect(ctx, whipURL, source)
		if err == nil {
			terminal, err = o.awaitOutcome(ctx, outcome)
		}
		if err == nil {
			// Connected. Stay on this session until it terminates, then
			// decide again whether the termination warrants a reconnect.
			o.mu.Lock()
			o.attempt = 0
			o.mu.Unlock()
			terminal, err = o.awaitOutcome(ctx, outcome)
			o.mu.Lock()
			attempt = o.attempt
			o.mu.Unlock()
		}

		session.Disconnect()
		if err == nil || ctx.Err() != nil {
			return
		}

		o.mu.Lock()
		stopped := o.stopped
		withinWarmup := o.clock().Sub(o.createdAt) <= o.cfg.WarmupWindow
		o.mu.Unlock()

		retry := !stopped && withinWarmup && attempt < o.cfg.MaxAttempts && Retryable(err)
		if !retry {
			logger.Error("ingest connection failed", "attempt", attempt, "error", err)
			if terminal.State == "" {
				terminal = StateChange{State: StateFailed, Err: err}
			}
			o.emit(terminal)
			return
		}

		delay := backoffDelay(o.cfg.BaseDelay, o.cfg.MaxDelay, attempt)
		logger.Warn("retrying ingest connection", "attempt", attempt, "delay", delay, "error", err)
		o.emit(StateChange{State: StateConnecting, Err: nil})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// awaitOutcome waits for the session to either connect or terminate. A nil
// error means connected; otherwise the terminal change and its error are
// returned.
func (o *Orchestrator) awaitOutcome(ctx context.Context, outcome <-chan StateChange) (StateChange, error) {
	for {
		select {
		case change := <-outcome:
			switch change.State {
			case StateConnected:
				return change, nil
			case StateFailed:
				if change.Err != nil {
					return change, change.Err
				}
				return change, ErrTransportFailed
			case StateClosed:
				if change.Err != nil {
					return change, change.Err
				}
				return change, ErrSessionClosed
			}
		case <-ctx.Done():
			return StateChange{}, ctx.Err()
		}
	}
}

// observe forwards session events to the run loop and relays non-terminal
// ones to the caller. Terminal events are surfaced by the run loop alone, so
// a failure that a retry will absorb never flashes at the caller.
func (o *Orchestrator) observe(change StateChange, outcome chan<- StateChange) {
	select {
	case outcome <- change:
	default:
	}
	if change.State.Terminal() {
		return
	}
	o.emit(change)
}

func (o *Orchestrator) emit(change StateChange) {
	o.mu.Lock()
	listener := o.listener
	o.mu.Unlock()
	if listener != nil {
		listener(change)
	}
}

package whip

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"driftcast/internal/observability/logging"
)

const defaultDisableThreshold = 3

// ErrPatchUnsupported is returned once parameter PATCH has been permanently
// disabled for the session.
var ErrPatchUnsupported = errors.New("parameter patch unsupported for this session")

// Params is the live parameter payload sent to the upstream session. Maps
// marshal with sorted keys, so two equal payloads always encode identically.
type Params map[string]any

func (p Params) encode() ([]byte, error) {
	return json.Marshal(p)
}

// Clone returns a shallow copy, letting callers keep mutating their working
// set while a sync is in flight.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Capability is the tri-state answer to "does this upstream session accept
// parameter PATCH". Once false it stays false for the session.
type Capability int

const (
	CapabilityUnknown Capability = iota
	CapabilitySupported
	CapabilityUnsupported
)

func (c Capability) String() string {
	switch c {
	case CapabilitySupported:
		return "supported"
	case CapabilityUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// ParamSyncConfig tunes the parameter synchronizer. Zero values select
// defaults.
type ParamSyncConfig struct {
	// BaseURL is the parameter endpoint root; PATCH goes to
	// <BaseURL>/streams/{streamId}/parameters.
	BaseURL string
	// DisableThreshold is the number of consecutive non-warm-up failures
	// after which PATCH is permanently disabled for the session.
	DisableThreshold int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	WarmupWindow     time.Duration
	HTTPClient       *http.Client
	Logger           *slog.Logger
	Stats            Stats
}

func (c ParamSyncConfig) withDefaults() ParamSyncConfig {
	if c.DisableThreshold <= 0 {
		c.DisableThreshold = defaultDisableThreshold
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultRetryBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultRetryMaxDelay
	}
	if c.WarmupWindow <= 0 {
		c.WarmupWindow = defaultWarmupWindow
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// ParameterSync keeps the upstream session's live parameters equal to the
// latest desired value. At most one PATCH is in flight; triggers that arrive
// while one is pending update the latest-intent cell and are otherwise
// dropped, and the sync loop re-reads that cell after every success so the
// newest value always wins.
type ParameterSync struct {
	cfg    ParamSyncConfig
	logger *slog.Logger
	client *http.Client
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	streamID     string
	desired      []byte
	desiredSet   bool
	applied      []byte
	appliedSet   bool
	inFlight     bool
	capability   Capability
	failureCount int
	createdAt    time.Time
	done         chan struct{}
}

// NewParameterSync builds a synchronizer for one ingest session. The warm-up
// window is measured from this call.
func NewParameterSync(cfg ParamSyncConfig) *ParameterSync {
	cfg = cfg.withDefaults()
	p := &ParameterSync{
		cfg:    cfg,
		logger: logging.WithComponent(cfg.Logger, "whip.params"),
		client: cfg.HTTPClient,
		clock:  time.Now,
		sleep:  sleepCtx,
	}
	p.createdAt = p.clock()
	return p
}

// SyncSupported reports whether parameter PATCH is still worth attempting.
func (p *ParameterSync) SyncSupported() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capability != CapabilityUnsupported
}

// CapabilityState exposes the tri-state PATCH capability.
func (p *ParameterSync) CapabilityState() Capability {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capability
}

// Sync requests that the upstream session's parameters become desired. It
// returns immediately: the PATCH runs in the background. A no-op when the
// value already matches the last applied one (unless force), when a sync is
// already in flight (the newer value is still recorded), or permanently once
// the capability has been disabled.
func (p *ParameterSync) Sync(ctx context.Context, streamID string, desired Params, force bool) error {
	encoded, err := desired.encode()
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}

	p.mu.Lock()
	if p.capability == CapabilityUnsupported {
		p.mu.Unlock()
		return ErrPatchUnsupported
	}
	p.streamID = streamID
	p.desired = encoded
	p.desiredSet = true
	if p.inFlight {
		// Latest intent recorded; the running loop picks it up.
		p.mu.Unlock()
		return nil
	}
	if !force && p.appliedSet && bytes.Equal(p.applied, encoded) {
		p.mu.Unlock()
		return nil
	}
	p.inFlight = true
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.runLoop(ctx)
	return nil
}

// ForceSync re-sends the latest desired value even if it matches the applied
// one. It still refuses once the capability is disabled.
func (p *ParameterSync) ForceSync(ctx context.Context) error {
	p.mu.Lock()
	if p.capability == CapabilityUnsupported {
		p.mu.Unlock()
		return ErrPatchUnsupported
	}
	if !p.desiredSet {
		p.mu.Unlock()
		return nil
	}
	streamID := p.streamID
	desired := p.desired
	p.mu.Unlock()

	var params Params
	if err := json.Unmarshal(desired, &params); err != nil {
		return fmt.Errorf("decode recorded parameters: %w", err)
	}
	return p.Sync(ctx, streamID, params, true)
}

// Wait blocks until any in-flight sync loop finishes. Test hook and shutdown
// aid.
func (p *ParameterSync) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (p *ParameterSync) runLoop(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.inFlight = false
		done := p.done
		p.mu.Unlock()
		if done != nil {
			close(done)
		}
	}()

	attempt := 0
	for {
		p.mu.Lock()
		streamID := p.streamID
		payload := p.desired
		p.mu.Unlock()

		attempt++
		status, body, err := p.patch(ctx, streamID, payload)
		ok := err == nil && status >= 200 && status <= 299
		if p.cfg.Stats != nil {
			p.cfg.Stats.ParamSync(ok)
		}

		if ok {
			p.mu.Lock()
			p.applied = payload
			p.appliedSet = true
			p.failureCount = 0
			p.capability = CapabilitySupported
			changed := !bytes.Equal(p.desired, payload)
			p.mu.Unlock()
			if changed {
				// A newer value arrived while this PATCH was in flight;
				// follow up immediately instead of waiting for a trigger.
				attempt = 0
				continue
			}
			return
		}

		if ctx.Err() != nil {
			return
		}

		if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
			p.disable("upstream rejected parameter patch", status)
			return
		}

		withinWarmup := p.clock().Sub(p.createdAt) <= p.cfg.WarmupWindow
		notReady := status >= 400 && status <= 499 && bodySuggestsNotReady(body)
		if withinWarmup && (notReady || retryableStatus(status) || err != nil) {
			// Warm-up failures are expected and never count toward the
			// permanent-disable threshold.
			p.logger.Debug("parameter sync not ready, retrying", "status", status, "error", err)
		} else {
			p.mu.Lock()
			p.failureCount++
			failures := p.failureCount
			p.mu.Unlock()
			if failures >= p.cfg.DisableThreshold {
				p.disable("consecutive parameter sync failures", status)
				return
			}
			p.logger.Warn("parameter sync failed", "status", status, "failures", failures, "error", err)
		}

		if err := p.sleep(ctx, backoffDelay(p.cfg.BaseDelay, p.cfg.MaxDelay, attempt)); err != nil {
			return
		}
	}
}

func (p *ParameterSync) disable(reason string, status int) {
	p.mu.Lock()
	p.capability = CapabilityUnsupported
	p.mu.Unlock()
	p.logger.Warn("parameter patch disabled for this session", "reason", reason, "status", status)
}

func (p *ParameterSync) patch(ctx context.Context, streamID string, payload []byte) (int, string, error) {
	target, err := url.JoinPath(p.cfg.BaseURL, "streams", streamID, "parameters")
	if err != nil {
		return 0, "", fmt.Errorf("build parameters url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, target, bytes.NewReader(payload))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, bodySnippetLimit))
	return resp.StatusCode, string(body), nil
}

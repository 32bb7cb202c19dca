package whip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"driftcast/internal/observability/logging"
)

const (
	defaultPollInterval    = 3 * time.Second
	defaultPollMaxAttempts = 20
)

// activeStates are the upstream status values that count as first-frame
// activity.
var activeStates = map[string]bool{
	"active":    true,
	"live":      true,
	"online":    true,
	"ready":     true,
	"running":   true,
	"started":   true,
	"streaming": true,
}

// PollerConfig tunes the status poller. Zero values select defaults.
type PollerConfig struct {
	// BaseURL is the status endpoint root; the poller requests
	// <BaseURL>/streams/{streamId}/status.
	BaseURL string
	// Interval is the fixed delay between attempts.
	Interval time.Duration
	// MaxAttempts caps polling, except while the warm-up window is still
	// open: warm-up grace overrides the cap, not vice versa.
	MaxAttempts  int
	WarmupWindow time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
	Stats        Stats
}

func (c PollerConfig) withDefaults() PollerConfig {
	if c.Interval <= 0 {
		c.Interval = defaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultPollMaxAttempts
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

// StatusPoller watches an upstream status endpoint for first-frame activity,
// independent of the transport's own connection-state signals.
type StatusPoller struct {
	cfg    PollerConfig
	logger *slog.Logger
	client *http.Client
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewStatusPoller builds a poller against the configured status endpoint.
func NewStatusPoller(cfg PollerConfig) *StatusPoller {
	cfg = cfg.withDefaults()
	return &StatusPoller{
		cfg:    cfg,
		logger: logging.WithComponent(cfg.Logger, "whip.poller"),
		client: cfg.HTTPClient,
		clock:  time.Now,
		sleep:  sleepCtx,
	}
}

// Poll probes the stream's status endpoint until it reports activity, the
// attempt cap is reached outside the warm-up window, or a non-retryable
// response arrives. It returns true when the upstream reports activity.
func (p *StatusPoller) Poll(ctx context.Context, streamID string) (bool, error) {
	statusURL, err := url.JoinPath(p.cfg.BaseURL, "streams", streamID, "status")
	if err != nil {
		return false, fmt.Errorf("build status url: %w", err)
	}
	logger := p.logger.With("stream_id", streamID)
	started := p.clock()

	for attempt := 1; ; attempt++ {
		active, retry, err := p.probe(ctx, statusURL)
		if p.cfg.Stats != nil {
			p.cfg.Stats.StatusProbe(active)
		}
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			logger.Debug("status probe failed", "attempt", attempt, "error", err)
			retry = true
		}
		if active {
			return true, nil
		}
		if !retry {
			logger.Debug("status probe abandoned", "attempt", attempt)
			return false, nil
		}

		withinWarmup := p.clock().Sub(started) <= p.cfg.WarmupWindow
		if attempt >= p.cfg.MaxAttempts && !withinWarmup {
			return false, nil
		}
		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return false, err
		}
	}
}

// probe performs one status request. It reports activity, whether another
// attempt is worthwhile, and any transport error.
func (p *StatusPoller) probe(ctx context.Context, statusURL string) (active, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return false, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, answerBodyLimit))
	if err != nil {
		return false, false, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if retryableStatus(resp.StatusCode) || bodySuggestsNotReady(string(body)) {
			return false, true, nil
		}
		return false, false, nil
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		// Upstream ambiguity: an unparseable body is logged and polling
		// continues rather than failing outright.
		p.logger.Debug("unparseable status body", "error", err)
		return false, true, nil
	}
	return statusReportsActivity(payload), true, nil
}

// statusReportsActivity evaluates the activity heuristic in priority order:
// an explicit status/state field, then inference-status timestamps, then a
// gateway received-bytes counter. Status bodies arrive in several shapes, so
// each check also looks inside the known sub-objects.
func statusReportsActivity(payload map[string]any) bool {
	if stateActive(payload) {
		return true
	}
	if inferenceActive(payload) {
		return true
	}
	return ingestBytesNonZero(payload)
}

func stateActive(payload map[string]any) bool {
	for _, key := range []string{"status", "state"} {
		if value, ok := payload[key].(string); ok && activeStates[strings.ToLower(value)] {
			return true
		}
	}
	for _, key := range []string{"data", "gateway_status"} {
		if nested, ok := payload[key].(map[string]any); ok && stateActive(nested) {
			return true
		}
	}
	return false
}

func inferenceActive(payload map[string]any) bool {
	if nested, ok := payload["inference_status"].(map[string]any); ok {
		for _, key := range []string{"last_output_timestamp", "last_input_timestamp", "last_output_time", "last_input_time"} {
			if numberNonZero(nested[key]) {
				return true
			}
		}
	}
	for _, key := range []string{"data", "gateway_status"} {
		if nested, ok := payload[key].(map[string]any); ok && inferenceActive(nested) {
			return true
		}
	}
	return false
}

func ingestBytesNonZero(payload map[string]any) bool {
	if nested, ok := payload["gateway_status"].(map[string]any); ok {
		for _, metricsKey := range []string{"ingest_metrics", "metrics"} {
			if metrics, ok := nested[metricsKey].(map[string]any); ok {
				for _, key := range []string{"bytes_received", "received_bytes"} {
					if numberNonZero(metrics[key]) {
						return true
					}
				}
			}
		}
		for _, key := range []string{"bytes_received", "received_bytes"} {
			if numberNonZero(nested[key]) {
				return true
			}
		}
	}
	if nested, ok := payload["data"].(map[string]any); ok {
		return ingestBytesNonZero(nested)
	}
	return false
}

func numberNonZero(value any) bool {
	number, ok := value.(float64)
	return ok && number > 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

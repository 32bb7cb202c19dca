// Command publisher pushes local RTP media into a Driftcast gateway over
// WHIP. It creates a stream through the admission API, keeps the ingest
// connection alive through the reconnection orchestrator, and forwards live
// parameter changes typed on stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"driftcast/internal/observability/logging"
	"driftcast/internal/whip"
)

func main() {
	gateway := flag.String("gateway", "", "gateway base URL (e.g. https://gateway.example)")
	streamID := flag.String("stream", "", "requested stream identifier (generated when empty)")
	videoListen := flag.String("video-listen", "127.0.0.1:5004", "UDP address receiving H264 RTP")
	audioListen := flag.String("audio-listen", "", "UDP address receiving Opus RTP (disabled when empty)")
	upstreamResource := flag.String("upstream-resource", "", "upstream WHIP endpoint URL the gateway forwards offers to")
	iceServers := flag.String("ice-servers", "", "comma separated STUN/TURN URLs")
	waitForGathering := flag.Bool("wait-for-gathering", false, "send the offer only after ICE gathering completes")
	connectTimeout := flag.Duration("connect-timeout", 0, "timeout for a single connect attempt")
	controlBase := flag.String("control-base", "", "base URL of the upstream control endpoints for status polling and parameter sync")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("DRIFTCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("DRIFTCAST_LOG_FORMAT")),
	})

	gatewayBase, err := resolveGatewayURL(firstNonEmpty(*gateway, os.Getenv("DRIFTCAST_GATEWAY")))
	if err != nil {
		logger.Error("invalid gateway URL", "error", err)
		os.Exit(1)
	}

	// The gateway only forwards to upstream endpoints it was told about, so
	// the publisher has to name the resource explicitly.
	resource := firstNonEmpty(*upstreamResource, os.Getenv("DRIFTCAST_UPSTREAM_RESOURCE"))
	if resource == "" {
		logger.Error("upstream resource URL is required: set --upstream-resource or DRIFTCAST_UPSTREAM_RESOURCE")
		os.Exit(1)
	}

	// The visitor cookie issued on stream creation must accompany every
	// WHIP request, otherwise the gateway rejects the session as not owned.
	jar, err := cookiejar.New(nil)
	if err != nil {
		logger.Error("failed to build cookie jar", "error", err)
		os.Exit(1)
	}
	client := &http.Client{Jar: jar, Timeout: 30 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	created, err := createStream(ctx, client, gatewayBase, *streamID)
	if err != nil {
		logger.Error("failed to create stream", "error", err)
		os.Exit(1)
	}
	logger.Info("stream created", "stream_id", created)

	videoConn, videoTrack, err := openRTPTrack(*videoListen, webrtc.RTPCodecCapability{
		MimeType:  webrtc.MimeTypeH264,
		ClockRate: 90000,
	}, "video")
	if err != nil {
		logger.Error("failed to open video intake", "error", err)
		os.Exit(1)
	}
	defer videoConn.Close()

	tracks := []whip.Track{whip.NewLocalTrack(videoTrack)}
	var audioConn net.PacketConn
	var audioTrack *webrtc.TrackLocalStaticRTP
	if strings.TrimSpace(*audioListen) != "" {
		audioConn, audioTrack, err = openRTPTrack(*audioListen, webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		}, "audio")
		if err != nil {
			logger.Error("failed to open audio intake", "error", err)
			os.Exit(1)
		}
		defer audioConn.Close()
		tracks = append(tracks, whip.NewLocalTrack(audioTrack))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	orch := whip.NewOrchestrator(whip.OrchestratorConfig{
		Session: whip.SessionConfig{
			ConnectTimeout:   *connectTimeout,
			WaitForGathering: *waitForGathering,
			ICEServers:       splitAndTrim(*iceServers),
			HTTPClient:       client,
			Logger:           logger,
		},
		Logger: logger,
	})
	orch.SetStateListener(func(change whip.StateChange) {
		if change.Err != nil {
			logger.Warn("ingest state changed", "state", change.State, "error", change.Err)
		} else {
			logger.Info("ingest state changed", "state", change.State,
				"ice_connection", change.ICEConnectionState,
				"ice_gathering", change.ICEGatheringState)
		}
		if change.State.Terminal() {
			cancel()
		}
	})

	whipURL := buildWHIPURL(gatewayBase, created, resource)
	if err := orch.Start(runCtx, created, whipURL, whip.NewStaticSource(tracks...)); err != nil {
		logger.Error("failed to start ingest", "error", err)
		os.Exit(1)
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return pumpRTP(groupCtx, videoConn, videoTrack)
	})
	if audioConn != nil {
		group.Go(func() error {
			return pumpRTP(groupCtx, audioConn, audioTrack)
		})
	}
	group.Go(func() error {
		// Read loops block in ReadFrom; closing the sockets is the only
		// way to unblock them.
		<-groupCtx.Done()
		videoConn.Close()
		if audioConn != nil {
			audioConn.Close()
		}
		return nil
	})

	control := strings.TrimSpace(firstNonEmpty(*controlBase, os.Getenv("DRIFTCAST_CONTROL_BASE")))
	if control != "" {
		poller := whip.NewStatusPoller(whip.PollerConfig{
			BaseURL:    control,
			HTTPClient: client,
			Logger:     logger,
		})
		group.Go(func() error {
			active, err := poller.Poll(groupCtx, created)
			if err != nil {
				if groupCtx.Err() != nil {
					return nil
				}
				logger.Warn("status polling stopped", "error", err)
				return nil
			}
			if active {
				logger.Info("upstream reports ingest activity", "stream_id", created)
			}
			return nil
		})

		paramSync := whip.NewParameterSync(whip.ParamSyncConfig{
			BaseURL:    control,
			HTTPClient: client,
			Logger:     logger,
		})
		group.Go(func() error {
			return runParameterLoop(groupCtx, logging.WithComponent(logger, "params"), paramSync, created, os.Stdin)
		})
	}

	<-groupCtx.Done()
	orch.Stop()
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("publisher worker failed", "error", err)
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer endCancel()
	if err := endStream(endCtx, client, gatewayBase, created); err != nil {
		logger.Warn("failed to end stream", "error", err)
	}
	logger.Info("publisher stopped")
}

func resolveGatewayURL(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("gateway URL is required: set --gateway or DRIFTCAST_GATEWAY")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse gateway URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("gateway URL must use http or https")
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("gateway URL must include a host")
	}
	return parsed, nil
}

// buildWHIPURL assembles the gateway ingest endpoint for a stream, carrying
// the upstream resource URL in the query so the proxy knows where to forward.
func buildWHIPURL(base *url.URL, streamID, resource string) string {
	endpoint := base.JoinPath("streams", streamID, "whip")
	query := endpoint.Query()
	query.Set("resource", resource)
	endpoint.RawQuery = query.Encode()
	return endpoint.String()
}

func createStream(ctx context.Context, client *http.Client, base *url.URL, requested string) (string, error) {
	var body io.Reader
	if requested = strings.TrimSpace(requested); requested != "" {
		payload, err := json.Marshal(map[string]string{"streamId": requested})
		if err != nil {
			return "", err
		}
		body = strings.NewReader(string(payload))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("api", "streams").String(), body)
	if err != nil {
		return "", err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		var created struct {
			StreamID string `json:"streamId"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
			return "", fmt.Errorf("decode creation response: %w", err)
		}
		if created.StreamID == "" {
			return "", fmt.Errorf("gateway returned an empty stream ID")
		}
		return created.StreamID, nil
	case http.StatusConflict:
		var denial struct {
			Error             string `json:"error"`
			Reason            string `json:"reason"`
			ActiveStreamID    string `json:"activeStreamId"`
			RetryAfterSeconds int    `json:"retryAfterSeconds"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&denial); err != nil {
			return "", fmt.Errorf("stream creation denied")
		}
		if denial.ActiveStreamID != "" {
			return "", fmt.Errorf("stream creation denied (%s): stream %s is still active", denial.Reason, denial.ActiveStreamID)
		}
		if denial.RetryAfterSeconds > 0 {
			return "", fmt.Errorf("stream creation denied (%s): retry in %ds", denial.Reason, denial.RetryAfterSeconds)
		}
		return "", fmt.Errorf("stream creation denied (%s)", denial.Reason)
	default:
		return "", fmt.Errorf("gateway rejected stream creation with status %d", resp.StatusCode)
	}
}

func endStream(ctx context.Context, client *http.Client, base *url.URL, streamID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, base.JoinPath("api", "streams", streamID).String(), nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return nil
}

func openRTPTrack(listen string, capability webrtc.RTPCodecCapability, kind string) (net.PacketConn, *webrtc.TrackLocalStaticRTP, error) {
	conn, err := net.ListenPacket("udp", listen)
	if err != nil {
		return nil, nil, fmt.Errorf("listen %s: %w", listen, err)
	}
	track, err := webrtc.NewTrackLocalStaticRTP(capability, kind, "driftcast")
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("build %s track: %w", kind, err)
	}
	return conn, track, nil
}

// pumpRTP copies RTP packets from the UDP socket onto the outbound track.
// Write errors other than a closed track are fatal; read errors after
// cancellation mean the socket was closed deliberately.
func pumpRTP(ctx context.Context, conn net.PacketConn, track *webrtc.TrackLocalStaticRTP) error {
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read RTP: %w", err)
		}
		if _, err := track.Write(buf[:n]); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				// No subscribers yet; the packet is dropped until the
				// session binds the track.
				continue
			}
			return fmt.Errorf("write RTP: %w", err)
		}
	}
}

// runParameterLoop reads key=value lines and syncs the accumulated parameter
// set upstream. Values parse as JSON when possible so numbers and booleans
// keep their types.
func runParameterLoop(ctx context.Context, logger *slog.Logger, paramSync *whip.ParameterSync, streamID string, input io.Reader) error {
	scanner := bufio.NewScanner(input)
	desired := whip.Params{}
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, err := parseParamLine(line)
		if err != nil {
			logger.Warn("ignoring parameter line", "line", line, "error", err)
			continue
		}
		desired[key] = value
		if err := paramSync.Sync(ctx, streamID, desired.Clone(), false); err != nil {
			if errors.Is(err, whip.ErrPatchUnsupported) {
				logger.Warn("upstream does not accept parameter updates; stopping sync")
				return nil
			}
			logger.Warn("parameter sync failed", "error", err)
			continue
		}
		logger.Info("parameter queued", "key", key)
	}
	return scanner.Err()
}

func parseParamLine(line string) (string, any, error) {
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return "", nil, fmt.Errorf("expected key=value")
	}
	key := strings.TrimSpace(parts[0])
	if key == "" {
		return "", nil, fmt.Errorf("parameter key is required")
	}
	raw := strings.TrimSpace(parts[1])
	if raw == "" {
		return "", nil, fmt.Errorf("parameter value is required")
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return key, v, nil
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return key, v, nil
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return key, v, nil
	}
	return key, raw, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

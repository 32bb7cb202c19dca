// Package proxy forwards WHIP requests from browser publishers to the
// upstream ingest endpoint, enforcing stream ownership, a host allowlist,
// transport security, and a payload ceiling on the way through.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"driftcast/internal/admission"
	"driftcast/internal/identity"
	"driftcast/internal/journal"
	"driftcast/internal/observability/logging"
)

const (
	defaultUpstreamTimeout = 15 * time.Second
	// SDP offers and ICE fragments run 1-4 KB; the ceiling only catches
	// abuse.
	defaultMaxBodyBytes = 64 * 1024
)

// Metrics receives proxy counters. The observability recorder satisfies it.
type Metrics interface {
	ProxyForward(method string, status int)
	ProxyRejected(reason string)
}

// Config tunes the ingest proxy.
type Config struct {
	// AllowedHosts is the upstream host allowlist, matched exactly or by
	// subdomain.
	AllowedHosts []string
	// AllowLoopback permits loopback upstream targets. Development override
	// only.
	AllowLoopback bool
	// PublicBaseURL is the externally visible gateway base used when
	// rewriting upstream Location headers. Derived from the request when
	// empty.
	PublicBaseURL   string
	UpstreamTimeout time.Duration
	MaxBodyBytes    int64
	HTTPClient      *http.Client
	Logger          *slog.Logger
	Metrics         Metrics
	// Journal, when set, records upstream failures for operators.
	Journal journal.Recorder
}

// Handler proxies POST/PATCH/DELETE WHIP requests for /streams/{id}/whip.
type Handler struct {
	cfg      Config
	logger   *slog.Logger
	client   *http.Client
	resolver *identity.Resolver
	registry *admission.Registry
}

// New builds the proxy handler. At least one allowlisted host is required
// unless the loopback override is enabled.
func New(cfg Config, resolver *identity.Resolver, registry *admission.Registry) (*Handler, error) {
	if len(cfg.AllowedHosts) == 0 && !cfg.AllowLoopback {
		return nil, fmt.Errorf("proxy requires at least one allowlisted upstream host")
	}
	if resolver == nil {
		return nil, fmt.Errorf("proxy requires an identity resolver")
	}
	if registry == nil {
		return nil, fmt.Errorf("proxy requires an admission registry")
	}
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.UpstreamTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	normalized := make([]string, 0, len(cfg.AllowedHosts))
	for _, host := range cfg.AllowedHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host != "" {
			normalized = append(normalized, host)
		}
	}
	cfg.AllowedHosts = normalized
	return &Handler{
		cfg:      cfg,
		logger:   logging.WithComponent(cfg.Logger, "proxy"),
		client:   cfg.HTTPClient,
		resolver: resolver,
		registry: registry,
	}, nil
}

// ServeHTTP handles /streams/{streamId}/whip.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	streamID, ok := parseStreamPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown path")
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		// Some clients probe with these; they are harmless no-ops.
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodPost, http.MethodPatch, http.MethodDelete:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	h.forward(w, r, streamID)
}

func (h *Handler) forward(w http.ResponseWriter, r *http.Request, streamID string) {
	ctx := r.Context()
	logger := logging.WithContext(ctx, h.logger).With("stream_id", streamID, "method", r.Method)

	clientID, _ := h.resolver.Resolve(r)

	active, err := h.registry.GetActive(ctx, clientID)
	if err != nil {
		h.reject(w, logger, http.StatusServiceUnavailable, "registry", "admission registry unavailable")
		return
	}
	if active == nil || active.StreamID != streamID {
		h.reject(w, logger, http.StatusForbidden, "ownership", "stream ownership required")
		return
	}

	target, errStatus, errMessage := h.resolveTarget(r)
	if errStatus != 0 {
		h.reject(w, logger, errStatus, "target", errMessage)
		return
	}

	var body []byte
	if r.Method == http.MethodPost || r.Method == http.MethodPatch {
		body, err = io.ReadAll(io.LimitReader(r.Body, h.cfg.MaxBodyBytes+1))
		if err != nil {
			h.reject(w, logger, http.StatusBadRequest, "body", "unreadable request body")
			return
		}
		if len(body) == 0 {
			h.reject(w, logger, http.StatusBadRequest, "body", "request body is required")
			return
		}
		if int64(len(body)) > h.cfg.MaxBodyBytes {
			h.reject(w, logger, http.StatusRequestEntityTooLarge, "body", "request body exceeds limit")
			return
		}
	}

	upstreamCtx, cancel := context.WithTimeout(ctx, h.cfg.UpstreamTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = strings.NewReader(string(body))
	}
	upstreamReq, err := http.NewRequestWithContext(upstreamCtx, r.Method, target.String(), reader)
	if err != nil {
		h.reject(w, logger, http.StatusBadGateway, "forward", "failed to build upstream request")
		return
	}
	// The upstream URL is itself a pre-signed, stream-scoped credential;
	// injecting Authorization makes the upstream reject the request.
	if contentType := r.Header.Get("Content-Type"); contentType != "" {
		upstreamReq.Header.Set("Content-Type", contentType)
	}
	upstreamReq.Header.Set("Accept", "application/sdp")

	resp, err := h.client.Do(upstreamReq)
	if err != nil {
		logger.Error("upstream forward failed", "target", target.Host, "error", err)
		h.journalFailure(ctx, streamID, clientID, fmt.Sprintf("forward %s: %v", r.Method, err))
		if h.cfg.Metrics != nil {
			h.cfg.Metrics.ProxyForward(r.Method, http.StatusBadGateway)
		}
		writeError(w, http.StatusBadGateway, "upstream unreachable")
		return
	}
	defer resp.Body.Close()

	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ProxyForward(r.Method, resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		h.journalFailure(ctx, streamID, clientID, fmt.Sprintf("forward %s: upstream status %d", r.Method, resp.StatusCode))
	}

	if r.Method == http.MethodDelete && deleteMeansGone(resp.StatusCode) {
		// Success, not-found, and method-not-allowed all mean there is
		// nothing left to clean up.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.relayResponse(w, r, resp, streamID, target)
}

func (h *Handler) relayResponse(w http.ResponseWriter, r *http.Request, resp *http.Response, streamID string, target *url.URL) {
	if contentType := resp.Header.Get("Content-Type"); contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if link := resp.Header.Get("Link"); link != "" {
		w.Header().Set("Link", link)
	}
	if location, err := resp.Location(); err == nil {
		w.Header().Set("Location", h.rewriteLocation(r, streamID, location))
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("relay response body", "error", err)
	}
}

// rewriteLocation points the upstream session resource back through the
// proxy, so every follow-up request keeps flowing through it.
func (h *Handler) rewriteLocation(r *http.Request, streamID string, location *url.URL) string {
	base := h.cfg.PublicBaseURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return fmt.Sprintf("%s/streams/%s/whip?resource=%s", strings.TrimSuffix(base, "/"), url.PathEscape(streamID), url.QueryEscape(location.String()))
}

// resolveTarget parses and vets the resource query parameter. It returns the
// forwarding URL or an HTTP status and message describing the rejection.
func (h *Handler) resolveTarget(r *http.Request) (*url.URL, int, string) {
	raw := r.URL.Query().Get("resource")
	if strings.TrimSpace(raw) == "" {
		return nil, http.StatusBadRequest, "resource query parameter is required"
	}
	target, err := url.Parse(raw)
	if err != nil || !target.IsAbs() || target.Host == "" {
		return nil, http.StatusBadRequest, "resource must be an absolute URL"
	}

	host := strings.ToLower(target.Hostname())
	allowlisted := h.hostAllowlisted(host)
	loopback := isLoopbackHost(host)

	switch {
	case allowlisted:
		if target.Scheme == "http" {
			// Plain HTTP on a trusted host is transparently upgraded.
			target.Scheme = "https"
		}
		if target.Scheme != "https" {
			return nil, http.StatusForbidden, "resource scheme not allowed"
		}
	case loopback && h.cfg.AllowLoopback:
		if target.Scheme != "http" && target.Scheme != "https" {
			return nil, http.StatusForbidden, "resource scheme not allowed"
		}
	default:
		return nil, http.StatusForbidden, "resource host not allowlisted"
	}
	return target, 0, ""
}

func (h *Handler) hostAllowlisted(host string) bool {
	for _, allowed := range h.cfg.AllowedHosts {
		if host == allowed || strings.HasSuffix(host, "."+allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) reject(w http.ResponseWriter, logger *slog.Logger, status int, reason, message string) {
	logger.Warn("proxy request rejected", "reason", reason, "status", status)
	if h.cfg.Metrics != nil {
		h.cfg.Metrics.ProxyRejected(reason)
	}
	writeError(w, status, message)
}

func (h *Handler) journalFailure(ctx context.Context, streamID, clientID, detail string) {
	if h.cfg.Journal == nil {
		return
	}
	entry := journal.Entry{
		StreamID: streamID,
		ClientID: clientID,
		Event:    journal.EventUpstreamFailure,
		Detail:   detail,
	}
	if err := h.cfg.Journal.Append(ctx, entry); err != nil {
		h.logger.Warn("journal upstream failure", "error", err)
	}
}

func deleteMeansGone(status int) bool {
	if status >= 200 && status <= 299 {
		return true
	}
	// 405 tolerated as success: some upstream paths do not implement session
	// deletion at all.
	return status == http.StatusNotFound || status == http.StatusMethodNotAllowed
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

func parseStreamPath(path string) (string, bool) {
	trimmed := strings.TrimPrefix(path, "/streams/")
	if trimmed == path {
		return "", false
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "whip" {
		return "", false
	}
	return parts[0], true
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

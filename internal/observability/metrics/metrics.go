package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

type forwardLabel struct {
	method string
	status string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP
// requests, stream admission decisions, ingest proxy traffic, and client
// session health signals. It coordinates concurrent writers via a RWMutex
// while exposing a thread-safe gauge for active stream tracking.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	admissionAllowed uint64
	admissionDenied  map[string]uint64
	proxyForwards    map[forwardLabel]uint64
	proxyRejections  map[string]uint64
	reconnects       uint64
	icePatches       map[string]uint64
	paramSyncs       map[string]uint64
	statusProbes     map[string]uint64
	dependencyValue  map[string]float64
	dependencyState  map[string]string
	activeStreams    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		admissionDenied: make(map[string]uint64),
		proxyForwards:   make(map[forwardLabel]uint64),
		proxyRejections: make(map[string]uint64),
		icePatches:      make(map[string]uint64),
		paramSyncs:      make(map[string]uint64),
		statusProbes:    make(map[string]uint64),
		dependencyValue: make(map[string]float64),
		dependencyState: make(map[string]string),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, normalized path, and
// status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// StreamStarted increments the active stream gauge when a stream registers.
func (r *Recorder) StreamStarted() {
	r.activeStreams.Add(1)
}

// StreamStopped decrements the active stream gauge, guarding against negative
// counts when concurrent updates race.
func (r *Recorder) StreamStopped() {
	r.decrementGauge(&r.activeStreams)
}

// ActiveStreams exposes the current gauge of concurrently active streams.
func (r *Recorder) ActiveStreams() int64 {
	return r.activeStreams.Load()
}

// AdmissionAllowed records a stream creation that passed admission.
func (r *Recorder) AdmissionAllowed() {
	r.mu.Lock()
	r.admissionAllowed++
	r.mu.Unlock()
}

// AdmissionDenied records a rejected stream creation keyed by denial reason
// (e.g. "active_stream_exists", "cooldown").
func (r *Recorder) AdmissionDenied(reason string) {
	normalized := normalizeName(reason)
	r.mu.Lock()
	r.admissionDenied[normalized]++
	r.mu.Unlock()
}

// ProxyForward records a request relayed to an upstream ingest endpoint.
func (r *Recorder) ProxyForward(method string, status int) {
	label := forwardLabel{
		method: strings.ToUpper(strings.TrimSpace(method)),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.proxyForwards[label]++
	r.mu.Unlock()
}

// ProxyRejected records a proxy request refused before reaching upstream.
func (r *Recorder) ProxyRejected(reason string) {
	normalized := normalizeName(reason)
	r.mu.Lock()
	r.proxyRejections[normalized]++
	r.mu.Unlock()
}

// ReconnectAttempt records a publish session reconnection attempt.
func (r *Recorder) ReconnectAttempt() {
	r.mu.Lock()
	r.reconnects++
	r.mu.Unlock()
}

// ICEPatch records the outcome of a trickle ICE candidate batch.
func (r *Recorder) ICEPatch(ok bool) {
	r.mu.Lock()
	r.icePatches[outcomeLabel(ok)]++
	r.mu.Unlock()
}

// ParamSync records the outcome of a runtime parameter update attempt.
func (r *Recorder) ParamSync(ok bool) {
	r.mu.Lock()
	r.paramSyncs[outcomeLabel(ok)]++
	r.mu.Unlock()
}

// StatusProbe records a status poll and whether it observed activity.
func (r *Recorder) StatusProbe(active bool) {
	result := "inactive"
	if active {
		result = "active"
	}
	r.mu.Lock()
	r.statusProbes[result]++
	r.mu.Unlock()
}

// SetDependencyHealth normalizes dependency identifiers, maps status strings
// to numeric health values, and stores both representations for export.
func (r *Recorder) SetDependencyHealth(service, status string) {
	normalizedService := normalizeName(service)
	normalizedStatus := strings.ToLower(strings.TrimSpace(status))
	value := 0.0
	switch normalizedStatus {
	case "ok", "healthy":
		value = 1
	case "disabled":
		value = 0
	default:
		value = -1
	}
	r.mu.Lock()
	r.dependencyValue[normalizedService] = value
	r.dependencyState[normalizedService] = normalizedStatus
	r.mu.Unlock()
}

// AdmissionCounts returns a copy of the admission decision counters for
// testing and reporting purposes.
func (r *Recorder) AdmissionCounts() (allowed uint64, denied map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	denied = make(map[string]uint64, len(r.admissionDenied))
	for k, v := range r.admissionDenied {
		denied[k] = v
	}
	return r.admissionAllowed, denied
}

// ProxyCounts returns copies of the proxy forward and rejection counters.
func (r *Recorder) ProxyCounts() (forwards map[string]uint64, rejections map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	forwards = make(map[string]uint64, len(r.proxyForwards))
	for label, v := range r.proxyForwards {
		forwards[label.method+" "+label.status] = v
	}
	rejections = make(map[string]uint64, len(r.proxyRejections))
	for k, v := range r.proxyRejections {
		rejections[k] = v
	}
	return forwards, rejections
}

// SessionCounts returns the reconnect total plus ICE patch, parameter sync,
// and status probe counters keyed by outcome.
func (r *Recorder) SessionCounts() (reconnects uint64, patches, syncs, probes map[string]uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	patches = make(map[string]uint64, len(r.icePatches))
	for k, v := range r.icePatches {
		patches[k] = v
	}
	syncs = make(map[string]uint64, len(r.paramSyncs))
	for k, v := range r.paramSyncs {
		syncs[k] = v
	}
	probes = make(map[string]uint64, len(r.statusProbes))
	for k, v := range r.statusProbes {
		probes[k] = v
	}
	return r.reconnects, patches, syncs, probes
}

// Reset clears all counters and gauges on the recorder. It is intended for
// test setups.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.admissionAllowed = 0
	r.admissionDenied = make(map[string]uint64)
	r.proxyForwards = make(map[forwardLabel]uint64)
	r.proxyRejections = make(map[string]uint64)
	r.reconnects = 0
	r.icePatches = make(map[string]uint64)
	r.paramSyncs = make(map[string]uint64)
	r.statusProbes = make(map[string]uint64)
	r.dependencyValue = make(map[string]float64)
	r.dependencyState = make(map[string]string)
	r.activeStreams.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting
// label sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	denialReasons := sortedKeys(r.admissionDenied)
	forwardLabels := r.sortedForwardLabels()
	rejectionReasons := sortedKeys(r.proxyRejections)
	patchOutcomes := sortedKeys(r.icePatches)
	syncOutcomes := sortedKeys(r.paramSyncs)
	probeResults := sortedKeys(r.statusProbes)
	dependencies := sortedFloatKeys(r.dependencyValue)

	fmt.Fprintln(w, "# HELP driftcast_http_requests_total Total number of HTTP requests processed by the gateway")
	fmt.Fprintln(w, "# TYPE driftcast_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "driftcast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP driftcast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE driftcast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "driftcast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP driftcast_http_request_duration_seconds_count Total number of observations for request durations")
	fmt.Fprintln(w, "# TYPE driftcast_http_request_duration_seconds_count counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "driftcast_http_request_duration_seconds_count{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP driftcast_admission_decisions_total Stream admission decisions by outcome and reason")
	fmt.Fprintln(w, "# TYPE driftcast_admission_decisions_total counter")
	fmt.Fprintf(w, "driftcast_admission_decisions_total{decision=\"allowed\",reason=\"\"} %d\n", r.admissionAllowed)
	for _, reason := range denialReasons {
		count := r.admissionDenied[reason]
		fmt.Fprintf(w, "driftcast_admission_decisions_total{decision=\"denied\",reason=\"%s\"} %d\n", reason, count)
	}

	fmt.Fprintln(w, "# HELP driftcast_active_streams Current number of registered active streams")
	fmt.Fprintln(w, "# TYPE driftcast_active_streams gauge")
	fmt.Fprintf(w, "driftcast_active_streams %d\n", r.activeStreams.Load())

	fmt.Fprintln(w, "# HELP driftcast_proxy_forwards_total Requests relayed to upstream ingest endpoints by method and upstream status")
	fmt.Fprintln(w, "# TYPE driftcast_proxy_forwards_total counter")
	for _, label := range forwardLabels {
		count := r.proxyForwards[label]
		fmt.Fprintf(w, "driftcast_proxy_forwards_total{method=\"%s\",status=\"%s\"} %d\n", label.method, label.status, count)
	}

	fmt.Fprintln(w, "# HELP driftcast_proxy_rejections_total Proxy requests refused before reaching upstream by reason")
	fmt.Fprintln(w, "# TYPE driftcast_proxy_rejections_total counter")
	for _, reason := range rejectionReasons {
		count := r.proxyRejections[reason]
		fmt.Fprintf(w, "driftcast_proxy_rejections_total{reason=\"%s\"} %d\n", reason, count)
	}

	fmt.Fprintln(w, "# HELP driftcast_reconnect_attempts_total Publish session reconnection attempts")
	fmt.Fprintln(w, "# TYPE driftcast_reconnect_attempts_total counter")
	fmt.Fprintf(w, "driftcast_reconnect_attempts_total %d\n", r.reconnects)

	fmt.Fprintln(w, "# HELP driftcast_ice_patches_total Trickle ICE candidate batches by outcome")
	fmt.Fprintln(w, "# TYPE driftcast_ice_patches_total counter")
	for _, outcome := range patchOutcomes {
		count := r.icePatches[outcome]
		fmt.Fprintf(w, "driftcast_ice_patches_total{outcome=\"%s\"} %d\n", outcome, count)
	}

	fmt.Fprintln(w, "# HELP driftcast_parameter_syncs_total Runtime parameter update attempts by outcome")
	fmt.Fprintln(w, "# TYPE driftcast_parameter_syncs_total counter")
	for _, outcome := range syncOutcomes {
		count := r.paramSyncs[outcome]
		fmt.Fprintf(w, "driftcast_parameter_syncs_total{outcome=\"%s\"} %d\n", outcome, count)
	}

	fmt.Fprintln(w, "# HELP driftcast_status_probes_total Stream status polls by observed result")
	fmt.Fprintln(w, "# TYPE driftcast_status_probes_total counter")
	for _, result := range probeResults {
		count := r.statusProbes[result]
		fmt.Fprintf(w, "driftcast_status_probes_total{result=\"%s\"} %d\n", result, count)
	}

	fmt.Fprintln(w, "# HELP driftcast_dependency_health Health status reported by gateway dependencies (1=ok,0=disabled,-1=degraded)")
	fmt.Fprintln(w, "# TYPE driftcast_dependency_health gauge")
	for _, service := range dependencies {
		value := r.dependencyValue[service]
		status := r.dependencyState[service]
		fmt.Fprintf(w, "driftcast_dependency_health{service=\"%s\",status=\"%s\"} %f\n", service, status, value)
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedForwardLabels() []forwardLabel {
	labels := make([]forwardLabel, 0, len(r.proxyForwards))
	for label := range r.proxyForwards {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedFloatKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
			continue
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return strings.ReplaceAll(normalized, " ", "_")
}

func outcomeLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// StreamStarted increments the active stream gauge on the default recorder.
func StreamStarted() {
	defaultRecorder.StreamStarted()
}

// StreamStopped decrements the active stream gauge on the default recorder.
func StreamStopped() {
	defaultRecorder.StreamStopped()
}

// SetDependencyHealth updates dependency health on the default recorder.
func SetDependencyHealth(service, status string) {
	defaultRecorder.SetDependencyHealth(service, status)
}

// Handler exposes the default recorder as an HTTP handler.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}

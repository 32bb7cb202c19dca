package api

import (
	"log/slog"
	"net/http"
	"time"

	"driftcast/internal/admission"
	"driftcast/internal/identity"
	"driftcast/internal/journal"
	"driftcast/internal/observability/metrics"
)

// Handler bundles the gateway API endpoints. Registry and Resolver are
// required; Journal, Metrics, and Logger are optional and may be assigned
// after construction.
type Handler struct {
	Registry *admission.Registry
	Resolver *identity.Resolver
	Journal  journal.Recorder
	Metrics  *metrics.Recorder
	Logger   *slog.Logger

	clock func() time.Time
}

func NewHandler(registry *admission.Registry, resolver *identity.Resolver) *Handler {
	return &Handler{Registry: registry, Resolver: resolver, clock: time.Now}
}

func (h *Handler) now() time.Time {
	if h.clock != nil {
		return h.clock()
	}
	return time.Now()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Health reports gateway component status. Any degraded component turns the
// overall response into a 503 so load balancers stop routing to the instance.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}

	components, overall, status := h.componentHealth(r.Context())
	if r.Method == http.MethodHead {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}

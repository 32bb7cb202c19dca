package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"driftcast/internal/admission"
	"driftcast/internal/journal"
)

const maxStreamIDLength = 64

type createStreamRequest struct {
	StreamID string `json:"streamId"`
}

type streamResponse struct {
	StreamID  string `json:"streamId"`
	CreatedAt string `json:"createdAt"`
	ExpiresAt string `json:"expiresAt"`
}

type denialResponse struct {
	Error             string `json:"error"`
	Reason            string `json:"reason"`
	ActiveStreamID    string `json:"activeStreamId,omitempty"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
}

// Streams handles POST /api/streams: one admission check plus registration
// per request. A fresh visitor cookie is issued when the caller has none so
// the follow-up ingest requests resolve to the same client ID.
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	ctx := r.Context()

	clientID, _, err := h.Resolver.ResolveOrIssue(w, r)
	if err != nil {
		h.logger().Error("resolve visitor identity", "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to resolve visitor identity"))
		return
	}

	streamID, err := h.requestedStreamID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if streamID == "" {
		streamID = uuid.NewString()
	}

	decision, err := h.Registry.CheckCreation(ctx, clientID)
	if err != nil {
		h.logger().Error("admission check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("stream admission unavailable"))
		return
	}
	if !decision.Allowed {
		h.denyCreation(w, ctx, clientID, streamID, decision)
		return
	}

	if err := h.Registry.Register(ctx, clientID, streamID); err != nil {
		if errors.Is(err, admission.ErrStoreUnavailable) {
			writeError(w, http.StatusServiceUnavailable, errors.New("stream admission unavailable"))
			return
		}
		// Lost a race with a concurrent creation by the same client.
		h.denyCreation(w, ctx, clientID, streamID, admission.Decision{Reason: admission.DenyActiveStream})
		return
	}

	if h.Metrics != nil {
		h.Metrics.AdmissionAllowed()
		h.Metrics.StreamStarted()
	}
	h.appendJournal(ctx, journal.Entry{
		StreamID: streamID,
		ClientID: clientID,
		Event:    journal.EventAdmissionAllowed,
	})
	h.appendJournal(ctx, journal.Entry{
		StreamID: streamID,
		ClientID: clientID,
		Event:    journal.EventSessionCreated,
	})

	response := streamResponse{StreamID: streamID}
	if active, err := h.Registry.GetActive(ctx, clientID); err == nil && active != nil {
		response.CreatedAt = active.CreatedAt.Format(time.RFC3339)
		response.ExpiresAt = active.ExpiresAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, response)
}

// StreamByID handles DELETE /api/streams/{id}.
func (h *Handler) StreamByID(w http.ResponseWriter, r *http.Request) {
	streamID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/streams/"), "/")
	if streamID == "" || strings.Contains(streamID, "/") {
		writeError(w, http.StatusNotFound, errors.New("stream not found"))
		return
	}
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	ctx := r.Context()

	clientID, _ := h.Resolver.Resolve(r)
	ended, err := h.Registry.End(ctx, clientID, streamID)
	if err != nil {
		h.logger().Error("end stream failed", "stream_id", streamID, "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("stream admission unavailable"))
		return
	}
	if !ended {
		writeError(w, http.StatusNotFound, errors.New("no matching active stream"))
		return
	}

	if h.Metrics != nil {
		h.Metrics.StreamStopped()
	}
	h.appendJournal(ctx, journal.Entry{
		StreamID: streamID,
		ClientID: clientID,
		Event:    journal.EventSessionEnded,
	})
	w.WriteHeader(http.StatusNoContent)
}

// ActiveStream handles GET /api/streams/active, reporting the caller's
// current stream registration.
func (h *Handler) ActiveStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}

	clientID, _ := h.Resolver.Resolve(r)
	active, err := h.Registry.GetActive(r.Context(), clientID)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("stream admission unavailable"))
		return
	}
	if active == nil {
		writeError(w, http.StatusNotFound, errors.New("no active stream"))
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (h *Handler) denyCreation(w http.ResponseWriter, ctx context.Context, clientID, streamID string, decision admission.Decision) {
	if h.Metrics != nil {
		h.Metrics.AdmissionDenied(string(decision.Reason))
	}
	h.appendJournal(ctx, journal.Entry{
		StreamID: streamID,
		ClientID: clientID,
		Event:    journal.EventAdmissionDenied,
		Detail:   string(decision.Reason),
	})

	payload := denialResponse{Reason: string(decision.Reason)}
	switch decision.Reason {
	case admission.DenyCooldown:
		payload.Error = "stream creation is cooling down"
		seconds := int64(decision.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		payload.RetryAfterSeconds = seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	default:
		payload.Error = "client already owns an active stream"
		payload.ActiveStreamID = decision.ActiveStreamID
	}
	writeJSON(w, http.StatusConflict, payload)
}

func (h *Handler) requestedStreamID(r *http.Request) (string, error) {
	if r.Body == nil || r.ContentLength == 0 {
		return "", nil
	}
	var req createStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		return "", fmt.Errorf("invalid request body: %w", err)
	}
	streamID := strings.TrimSpace(req.StreamID)
	if streamID == "" {
		return "", nil
	}
	if len(streamID) > maxStreamIDLength {
		return "", fmt.Errorf("streamId exceeds %d characters", maxStreamIDLength)
	}
	for _, c := range streamID {
		if !isStreamIDChar(c) {
			return "", errors.New("streamId may only contain letters, digits, hyphens, and underscores")
		}
	}
	return streamID, nil
}

func isStreamIDChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"driftcast/internal/journal"
)

const maxJournalLimit = 500

// JournalEntries handles GET /api/journal?streamId=...&limit=..., returning
// the ingest journal entries recorded for a stream, newest first.
func (h *Handler) JournalEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errMethodNotAllowed)
		return
	}
	if h.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("journal is not configured"))
		return
	}

	streamID := strings.TrimSpace(r.URL.Query().Get("streamId"))
	if streamID == "" {
		writeError(w, http.StatusBadRequest, errors.New("streamId query parameter is required"))
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		if parsed > maxJournalLimit {
			parsed = maxJournalLimit
		}
		limit = parsed
	}

	entries, err := h.Journal.List(r.Context(), streamID, limit)
	if err != nil {
		h.logger().Error("journal list failed", "stream_id", streamID, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to read journal"))
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// appendJournal records an entry best-effort; journal failures must never
// fail the request that triggered them.
func (h *Handler) appendJournal(ctx context.Context, entry journal.Entry) {
	if h.Journal == nil {
		return
	}
	if err := h.Journal.Append(ctx, entry); err != nil {
		h.logger().Warn("journal append failed", "stream_id", entry.StreamID, "event", entry.Event, "error", err)
	}
}

package api

import (
	"net/http"

	"careline/cmd/internal/escalation"
	"careline/cmd/internal/smartreply"
)

func (h *Handler) handleListEscalations(w http.ResponseWriter, r *http.Request, userID string) {
	if h.escalations == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "escalations not configured")
		return
	}
	limit, ok := queryInt64(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "limit must be an integer")
		return
	}
	evs, err := h.escalations.ListForConversation(r.Context(), userID, r.PathValue("id"), int(limit))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if evs == nil {
		evs = []escalation.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": evs})
}

func (h *Handler) handleGetEscalation(w http.ResponseWriter, r *http.Request, userID string) {
	if h.escalations == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "escalations not configured")
		return
	}
	ev, err := h.escalations.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) handleEscalationAttempts(w http.ResponseWriter, r *http.Request, userID string) {
	if h.escalations == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "escalations not configured")
		return
	}
	as, err := h.escalations.Attempts(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if as == nil {
		as = []escalation.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": as})
}

func (h *Handler) handleAcknowledge(w http.ResponseWriter, r *http.Request, userID string) {
	if h.escalations == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "escalations not configured")
		return
	}
	ev, err := h.escalations.Acknowledge(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (h *Handler) handleSuggestions(w http.ResponseWriter, r *http.Request, userID string) {
	if h.smartReplies == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "smart replies not configured")
		return
	}
	ss, err := h.smartReplies.Suggestions(r.Context(), r.PathValue("id"), userID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if ss == nil {
		ss = []smartreply.Suggestion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": ss})
}

func (h *Handler) handleConsumeSuggestion(w http.ResponseWriter, r *http.Request, userID string) {
	if h.smartReplies == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "smart replies not configured")
		return
	}
	s, err := h.smartReplies.Consume(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) handleTranslate(w http.ResponseWriter, r *http.Request, userID string) {
	if h.translations == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "translation not configured")
		return
	}
	tr, err := h.translations.Translate(r.Context(), userID, r.PathValue("id"), r.PathValue("lang"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

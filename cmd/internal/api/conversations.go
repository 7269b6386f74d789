package api

import (
	"net/http"

	"careline/cmd/internal/conversation"
)

type conversationResponse struct {
	Conversation conversation.Conversation  `json:"conversation"`
	Participants []conversation.Participant `json:"participants,omitempty"`
}

type addParticipantRequest struct {
	UserID string            `json:"user_id"`
	Role   conversation.Role `json:"role"`
}

type changeRoleRequest struct {
	Role conversation.Role `json:"role"`
}

func (h *Handler) handleCreateConversation(w http.ResponseWriter, r *http.Request, userID string) {
	var in conversation.CreateInput
	if err := decodeJSON(w, r, maxBodyBytes, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	in.CreatedBy = userID

	c, ps, err := h.convs.Create(r.Context(), in)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, conversationResponse{Conversation: c, Participants: ps})
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request, userID string) {
	cs, err := h.convs.ListForUser(r.Context(), userID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": cs})
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request, userID string) {
	c, _, err := h.convs.Authorize(r.Context(), "api.GetConversation", r.PathValue("id"), userID, conversation.PermRead)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conversationResponse{Conversation: c})
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.convs.Deactivate(r.Context(), userID, r.PathValue("id")); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListParticipants(w http.ResponseWriter, r *http.Request, userID string) {
	convID := r.PathValue("id")
	if _, _, err := h.convs.Authorize(r.Context(), "api.ListParticipants", convID, userID, conversation.PermRead); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	activeOnly := r.URL.Query().Get("all") != "true"
	ps, err := h.convs.ListParticipants(r.Context(), convID, activeOnly)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": ps})
}

func (h *Handler) handleAddParticipant(w http.ResponseWriter, r *http.Request, userID string) {
	var req addParticipantRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	p, err := h.convs.AddParticipant(r.Context(), userID, r.PathValue("id"), req.UserID, req.Role)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) handleChangeRole(w http.ResponseWriter, r *http.Request, userID string) {
	var req changeRoleRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if err := h.convs.ChangeRole(r.Context(), userID, r.PathValue("id"), r.PathValue("user"), req.Role); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRemoveParticipant(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.convs.RemoveParticipant(r.Context(), userID, r.PathValue("id"), r.PathValue("user")); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

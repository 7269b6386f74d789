package api

import (
	"net/http"

	"careline/cmd/internal/message"
	"careline/cmd/internal/status"
)

type editRequest struct {
	Content string `json:"content"`
}

type markReadRequest struct {
	UptoSeq int64 `json:"upto_seq"`
}

type unreadResponse struct {
	ConversationID string `json:"conversation_id"`
	Unread         int    `json:"unread"`
	Watermark      int64  `json:"watermark"`
}

func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request, userID string) {
	var in message.SendInput
	if err := decodeJSON(w, r, maxBodyBytes, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	in.ConversationID = r.PathValue("id")
	in.SenderID = userID

	m, err := h.messages.Send(r.Context(), in)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, userID string) {
	after, ok := queryInt64(r, "after_seq", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "after_seq must be an integer")
		return
	}
	limit, ok := queryInt64(r, "limit", 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "limit must be an integer")
		return
	}

	page, err := h.messages.History(r.Context(), userID, r.PathValue("id"), after, int(limit))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []message.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleGetMessage(w http.ResponseWriter, r *http.Request, userID string) {
	m, err := h.messages.Get(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleEditMessage(w http.ResponseWriter, r *http.Request, userID string) {
	var req editRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	m, err := h.messages.Edit(r.Context(), userID, r.PathValue("id"), req.Content)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) handleDeleteMessage(w http.ResponseWriter, r *http.Request, userID string) {
	if err := h.messages.Delete(r.Context(), userID, r.PathValue("id")); err != nil {
		h.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMessageStatus(w http.ResponseWriter, r *http.Request, userID string) {
	states, err := h.statuses.GetStatus(r.Context(), userID, r.PathValue("id"))
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": r.PathValue("id"), "recipients": states})
}

func (h *Handler) handleMarkDelivered(w http.ResponseWriter, r *http.Request, userID string) {
	h.writeStatus(w, r)(h.statuses.MarkDelivered(r.Context(), r.PathValue("id"), userID))
}

func (h *Handler) handleMarkRead(w http.ResponseWriter, r *http.Request, userID string) {
	h.writeStatus(w, r)(h.statuses.MarkRead(r.Context(), r.PathValue("id"), userID))
}

func (h *Handler) writeStatus(w http.ResponseWriter, r *http.Request) func(status.Status, error) {
	return func(st status.Status, err error) {
		if err != nil {
			h.writeFailure(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func (h *Handler) handleMarkConversationRead(w http.ResponseWriter, r *http.Request, userID string) {
	var req markReadRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	n, err := h.statuses.MarkConversationRead(r.Context(), r.PathValue("id"), userID, req.UptoSeq)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": r.PathValue("id"), "marked": n})
}

func (h *Handler) handleUnread(w http.ResponseWriter, r *http.Request, userID string) {
	convID := r.PathValue("id")
	n, err := h.statuses.UnreadCount(r.Context(), convID, userID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	wm, err := h.statuses.Watermark(r.Context(), convID, userID)
	if err != nil {
		h.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unreadResponse{ConversationID: convID, Unread: n, Watermark: wm})
}

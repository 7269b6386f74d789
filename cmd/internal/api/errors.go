package api

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"careline/cmd/internal/apperr"
)

// writeFailure maps an operation error onto a status code and a stable error code.
func (h *Handler) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindValidation:
		writeError(w, http.StatusBadRequest, kind, publicMessage(err))
	case apperr.KindUnauthorized:
		writeError(w, http.StatusForbidden, kind, "not permitted")
	case apperr.KindNotFound:
		writeError(w, http.StatusNotFound, kind, "not found")
	case apperr.KindConversationInactive, apperr.KindInvalidTransition, apperr.KindConflict:
		writeError(w, http.StatusConflict, kind, publicMessage(err))
	case apperr.KindRateLimited:
		var rl apperr.RateLimitError
		var retry time.Duration
		if errors.As(err, &rl) {
			retry = rl.RetryAfter
		}
		writeRateLimited(w, retry)
	case apperr.KindExternalService, apperr.KindEscalationDeliveryFailed:
		h.log.Warn("api.request.upstream_fail", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusBadGateway, kind, "upstream provider failed")
	default:
		h.log.Error("api.request.fail", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(math.Ceil(retryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, apperr.KindRateLimited, "too many requests")
}

// publicMessage returns the OpError message, which never carries message content.
func publicMessage(err error) string {
	var op apperr.OpError
	if errors.As(err, &op) && op.Msg != "" {
		return op.Msg
	}
	return apperr.KindOf(err)
}

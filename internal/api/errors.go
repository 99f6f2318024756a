package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/internal/review"
	"github.com/davidahmann/quotegate/internal/workflow"
)

func newRequestID() string { return "req_" + uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, map[string]any{
		"request_id": requestID(r),
		"error": map[string]any{
			"code": code, "message": message, "details": details,
		},
	})
}

// writeErr maps domain errors onto status codes and error codes.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var verr *review.ValidationError
	var werr *workflow.Error
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, "invalid_request", verr.Error(), map[string]string{"field": verr.Field})
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, review.ErrNotUnderReview):
		writeError(w, r, http.StatusConflict, workflow.ReasonNotUnderReview, err.Error(), nil)
	case errors.Is(err, review.ErrAlreadyReviewed):
		writeError(w, r, http.StatusConflict, workflow.ReasonAlreadyReviewed, err.Error(), nil)
	case errors.Is(err, workflow.ErrRunBusy):
		writeError(w, r, http.StatusConflict, "run_busy", err.Error(), nil)
	case errors.Is(err, workflow.ErrNotAwaitingAnswers), errors.Is(err, ledger.ErrStatusConflict), errors.Is(err, ledger.ErrRunTerminal):
		writeError(w, r, http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, workflow.ErrQueueFull), errors.Is(err, workflow.ErrPoolStopped):
		writeError(w, r, http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	case errors.As(err, &werr):
		writeError(w, r, http.StatusUnprocessableEntity, string(werr.Kind), werr.Message, map[string]string{"node": werr.Node, "reason": werr.Reason})
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", err.Error(), nil)
	}
}

package handler

import (
	"errors"
	"net/http"

	"github.com/petrakisd/genhive/internal/api/response"
	"github.com/petrakisd/genhive/internal/queue"
	"github.com/petrakisd/genhive/internal/store"
)

// writeEngineError maps engine and store errors onto the response
// envelope. Typed results stay typed; nothing is collapsed into a
// generic failure except genuinely unexpected faults.
func writeEngineError(w http.ResponseWriter, err error) {
	var admErr *queue.AdmissionError
	switch {
	case errors.As(err, &admErr):
		code := "KUDOS_UPFRONT"
		switch admErr.Reason {
		case queue.DenySharedKeyKudos:
			code = "SHARED_KEY_INSUFFICIENT_KUDOS"
		case queue.DenyTokenCeiling:
			code = "SHARED_KEY_TOKEN_CEILING"
		}
		response.Error(w, http.StatusForbidden, code, admErr.Error(),
			map[string]any{"required_kudos": admErr.RequiredKudos})
	case errors.Is(err, queue.ErrValidation):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, queue.ErrMaintenance):
		response.Error(w, http.StatusServiceUnavailable, "MAINTENANCE_MODE",
			"The horde is in maintenance mode", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, store.ErrAlreadySubmitted):
		response.Conflict(w, "DUPLICATE_SUBMIT", "This generation was already submitted")
	case errors.Is(err, store.ErrStaleClaim):
		response.Conflict(w, "STALE_CLAIM", "The claim lease expired or the request was cancelled")
	case errors.Is(err, store.ErrWrongWorker):
		response.Conflict(w, "WRONG_WORKER", "The claim is owned by another worker")
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

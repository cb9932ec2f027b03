package httpx

import (
	"errors"
	"net/http"

	"github.com/lodestar-wms/lodestar/internal/platform/cache"
	"github.com/lodestar-wms/lodestar/internal/shared"
)

// RespondError maps domain errors onto problem-details responses. Unknown
// errors become an opaque 500 so internals never leak to callers.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "validation failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, shared.ErrInsufficientStock):
		Problem(w, http.StatusConflict, "insufficient stock", err.Error())
	case errors.Is(err, shared.ErrInvalidStateTransition):
		Problem(w, http.StatusConflict, "invalid state transition", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "duplicate request", err.Error())
	case errors.Is(err, cache.ErrLockHeld):
		Problem(w, http.StatusConflict, "order busy", "another fulfillment operation holds this order")
	default:
		Problem(w, http.StatusInternalServerError, "internal error", "")
	}
}

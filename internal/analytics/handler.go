package analytics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lodestar-wms/lodestar/internal/platform/httpx"
	"github.com/lodestar-wms/lodestar/internal/rbac"
)

// Handler exposes reporting aggregates.
type Handler struct {
	logger   *slog.Logger
	recorder *Recorder
	rbac     rbac.Middleware
}

// NewHandler constructs the analytics handler.
func NewHandler(logger *slog.Logger, recorder *Recorder, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, recorder: recorder, rbac: rbac}
}

// MountRoutes registers analytics routes. Expects to be mounted under a
// /warehouses/{warehouseID} subtree.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireWarehouse("warehouseID", rbac.LevelView))
		r.Get("/analytics/revenue-by-channel", h.revenueByChannel)
	})
}

func (h *Handler) revenueByChannel(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := uuid.Parse(chi.URLParam(r, "warehouseID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid warehouse id", "")
		return
	}

	// Default to the trailing 30 days.
	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		from, err = time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "invalid from timestamp", "")
			return
		}
	}
	if v := q.Get("to"); v != "" {
		to, err = time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "invalid to timestamp", "")
			return
		}
	}

	report, err := h.recorder.RevenueByChannel(r.Context(), warehouseID, from, to)
	if err != nil {
		h.logger.Error("revenue by channel failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

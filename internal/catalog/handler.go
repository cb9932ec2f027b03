package catalog

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lodestar-wms/lodestar/internal/platform/httpx"
)

// Handler exposes the catalog directory read-only.
type Handler struct {
	logger *slog.Logger
	repo   *Repository
}

// NewHandler constructs the catalog handler.
func NewHandler(logger *slog.Logger, repo *Repository) *Handler {
	return &Handler{logger: logger, repo: repo}
}

// MountRoutes registers catalog routes at the API root.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/warehouses", h.listWarehouses)
	r.Get("/items", h.listItems)
	r.Get("/items/{itemID}", h.getItem)
}

// MountWarehouseRoutes registers routes scoped to one warehouse. Expects to
// be mounted under a /warehouses/{warehouseID} subtree.
func (h *Handler) MountWarehouseRoutes(r chi.Router) {
	r.Get("/bins", h.listBins)
}

func (h *Handler) listWarehouses(w http.ResponseWriter, r *http.Request) {
	warehouses, err := h.repo.ListWarehouses(r.Context())
	if err != nil {
		h.logger.Error("list warehouses failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, warehouses)
}

func (h *Handler) listBins(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := uuid.Parse(chi.URLParam(r, "warehouseID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid warehouse id", "")
		return
	}
	bins, err := h.repo.ListBinLocations(r.Context(), warehouseID)
	if err != nil {
		h.logger.Error("list bins failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bins)
}

func (h *Handler) listItems(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpx.Problem(w, http.StatusBadRequest, "invalid limit", "")
			return
		}
		limit = n
	}
	items, err := h.repo.ListItems(r.Context(), r.URL.Query().Get("sku"), limit)
	if err != nil {
		h.logger.Error("list items failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, items)
}

func (h *Handler) getItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := uuid.Parse(chi.URLParam(r, "itemID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid item id", "")
		return
	}
	item, err := h.repo.GetItem(r.Context(), itemID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

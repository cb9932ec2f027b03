package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/lodestar-wms/lodestar/internal/platform/httpx"
	"github.com/lodestar-wms/lodestar/internal/shared"
)

// Handler exposes grant management for one warehouse.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	rbac     Middleware
}

// NewHandler constructs the rbac handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate, rbac Middleware) *Handler {
	return &Handler{logger: logger, service: service, validate: validate, rbac: rbac}
}

// MountRoutes registers grant routes. Expects to be mounted under a
// /warehouses/{warehouseID} subtree; granting requires manage on the
// warehouse being granted.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireWarehouse("warehouseID", LevelManage))
		r.Post("/permissions", h.grant)
	})
}

type grantRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Level  string `json:"level" validate:"required,oneof=view operate manage"`
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	warehouseID, err := uuid.Parse(chi.URLParam(r, "warehouseID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid warehouse id", "")
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())

	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	grant := Grant{
		UserID:       uuid.MustParse(req.UserID),
		ResourceType: ResourceTypeWarehouse,
		ResourceID:   &warehouseID,
		Level:        PermissionLevel(req.Level),
		GrantedBy:    actorID,
	}
	if err := h.service.GrantPermission(r.Context(), grant); err != nil {
		h.logger.Error("grant permission failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, grant)
}

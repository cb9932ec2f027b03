package sales

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lodestar-wms/lodestar/internal/platform/httpx"
	"github.com/lodestar-wms/lodestar/internal/rbac"
	"github.com/lodestar-wms/lodestar/internal/shared"
)

// Handler exposes order fulfillment over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	rbac     rbac.Middleware
}

// NewHandler constructs the sales handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, validate: validate, rbac: rbac}
}

// MountRoutes registers sales routes. Expects to be mounted under a
// /warehouses/{warehouseID} subtree.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireWarehouse("warehouseID", rbac.LevelView))
		r.Get("/orders", h.listOrders)
		r.Get("/orders/{orderID}", h.getOrder)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireWarehouse("warehouseID", rbac.LevelOperate))
		r.Post("/orders", h.createOrder)
		r.Post("/orders/{orderID}/allocate", h.allocate)
		r.Post("/orders/{orderID}/ship", h.ship)
		r.Post("/orders/{orderID}/cancel", h.cancel)
		r.Post("/reservations/{reservationID}/release", h.releaseReservation)
	})
}

type createOrderLineRequest struct {
	ItemID    string `json:"item_id" validate:"required,uuid"`
	Quantity  string `json:"quantity" validate:"required"`
	UnitPrice string `json:"unit_price"`
}

type createOrderRequest struct {
	OrderNumber      string                   `json:"order_number" validate:"required"`
	OrderDate        *time.Time               `json:"order_date"`
	ExternalChannel  *string                  `json:"external_channel"`
	ExternalOrderRef *string                  `json:"external_order_ref"`
	Lines            []createOrderLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type allocateRequest struct {
	Strategy string `json:"strategy"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	warehouseID, actorID, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	in := CreateOrderInput{
		WarehouseID:      warehouseID,
		OrderNumber:      req.OrderNumber,
		ExternalChannel:  req.ExternalChannel,
		ExternalOrderRef: req.ExternalOrderRef,
		ActorID:          actorID,
	}
	if req.OrderDate != nil {
		in.OrderDate = *req.OrderDate
	}
	for i, line := range req.Lines {
		qty, err := decimal.NewFromString(line.Quantity)
		if err != nil {
			httpx.RespondError(w, shared.Validationf("lines["+strconv.Itoa(i)+"].quantity", "not a decimal number"))
			return
		}
		price := decimal.Zero
		if line.UnitPrice != "" {
			price, err = decimal.NewFromString(line.UnitPrice)
			if err != nil {
				httpx.RespondError(w, shared.Validationf("lines["+strconv.Itoa(i)+"].unit_price", "not a decimal number"))
				return
			}
		}
		itemID, _ := uuid.Parse(line.ItemID)
		in.Lines = append(in.Lines, CreateOrderLineInput{ItemID: itemID, Quantity: qty, UnitPrice: price})
	}

	order, err := h.service.CreateOrder(r.Context(), in)
	if err != nil {
		h.logger.Error("create order failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid order id", "")
		return
	}
	order, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) listOrders(w http.ResponseWriter, r *http.Request) {
	warehouseID, _, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	filter := ListOrdersFilter{WarehouseID: warehouseID}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		status := OrderStatus(v)
		filter.Status = &status
	}
	if v := q.Get("channel"); v != "" {
		filter.ExternalChannel = &v
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.RespondError(w, shared.Validationf("from", "not an RFC 3339 timestamp"))
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.RespondError(w, shared.Validationf("to", "not an RFC 3339 timestamp"))
			return
		}
		filter.To = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httpx.RespondError(w, shared.Validationf("limit", "not a positive integer"))
			return
		}
		filter.Limit = n
	}

	orders, err := h.service.ListOrders(r.Context(), filter)
	if err != nil {
		h.logger.Error("list orders failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, orders)
}

func (h *Handler) allocate(w http.ResponseWriter, r *http.Request) {
	orderID, actorID, ok := h.orderScope(w, r)
	if !ok {
		return
	}
	// Body is optional; an empty body means the default strategy.
	var req allocateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		httpx.Problem(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}
	strategy, err := ParseStrategy(req.Strategy)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	order, err := h.service.AllocateInventory(r.Context(), orderID, strategy, actorID)
	if err != nil {
		h.logger.Error("allocation failed", slog.String("order_id", orderID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) ship(w http.ResponseWriter, r *http.Request) {
	orderID, actorID, ok := h.orderScope(w, r)
	if !ok {
		return
	}
	order, err := h.service.ShipOrder(r.Context(), orderID, actorID)
	if err != nil {
		h.logger.Error("shipment failed", slog.String("order_id", orderID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	orderID, actorID, ok := h.orderScope(w, r)
	if !ok {
		return
	}
	var req cancelRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	order, err := h.service.CancelOrder(r.Context(), orderID, req.Reason, actorID)
	if err != nil {
		h.logger.Error("cancellation failed", slog.String("order_id", orderID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) releaseReservation(w http.ResponseWriter, r *http.Request) {
	reservationID, err := uuid.Parse(chi.URLParam(r, "reservationID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid reservation id", "")
		return
	}
	actorID, found := shared.ActorFromContext(r.Context())
	if !found {
		httpx.Problem(w, http.StatusUnauthorized, "missing actor", "")
		return
	}

	if err := h.service.ReleaseReservation(r.Context(), reservationID, actorID); err != nil {
		h.logger.Error("release reservation failed", slog.String("reservation_id", reservationID.String()), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requestScope(w http.ResponseWriter, r *http.Request) (warehouseID, actorID uuid.UUID, ok bool) {
	warehouseID, err := uuid.Parse(chi.URLParam(r, "warehouseID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid warehouse id", "")
		return uuid.Nil, uuid.Nil, false
	}
	actorID, found := shared.ActorFromContext(r.Context())
	if !found {
		httpx.Problem(w, http.StatusUnauthorized, "missing actor", "")
		return uuid.Nil, uuid.Nil, false
	}
	return warehouseID, actorID, true
}

func (h *Handler) orderScope(w http.ResponseWriter, r *http.Request) (orderID, actorID uuid.UUID, ok bool) {
	orderID, err := uuid.Parse(chi.URLParam(r, "orderID"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "invalid order id", "")
		return uuid.Nil, uuid.Nil, false
	}
	actorID, found := shared.ActorFromContext(r.Context())
	if !found {
		httpx.Problem(w, http.StatusUnauthorized, "missing actor", "")
		return uuid.Nil, uuid.Nil, false
	}
	return orderID, actorID, true
}

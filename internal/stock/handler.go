package stock

import (
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

// Handler exposes the stock ledger over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
	rbac     rbac.Middleware
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service, validate *validator.Validate, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, validate: validate, rbac: rbac}
}

// MountRoutes registers stock routes. Expects to be mounted under a
// /warehouses/{warehouseID} subtree.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireWarehouse("warehouseID", rbac.LevelView))
		r.Get("/stock/balances", h.listBalances)
		r.Get("/stock/movements", h.listMovements)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireWarehouse("warehouseID", rbac.LevelOperate))
		r.Post("/stock/movements", h.postMovement)
		r.Post("/stock/receipts", h.postReceipt)
		r.Post("/stock/transfers", h.postTransfer)
		r.Post("/stock/adjustments", h.postAdjustment)
	})
}

type movementRequest struct {
	SourceBinID      *string `json:"source_bin_id" validate:"omitempty,uuid"`
	DestinationBinID *string `json:"destination_bin_id" validate:"omitempty,uuid"`
	ItemID           string  `json:"item_id" validate:"required,uuid"`
	LotID            *string `json:"lot_id" validate:"omitempty,uuid"`
	SerialNumberID   *string `json:"serial_number_id" validate:"omitempty,uuid"`
	Quantity         string  `json:"quantity" validate:"required"`
	UnitOfMeasure    string  `json:"unit_of_measure"`
	Reason           string  `json:"reason" validate:"required"`
	Notes            string  `json:"notes"`
}

type receiptLineRequest struct {
	ItemID         string     `json:"item_id" validate:"required,uuid"`
	Quantity       string     `json:"quantity" validate:"required"`
	LotCode        string     `json:"lot_code"`
	SerialCode     string     `json:"serial_code"`
	ManufacturedAt *time.Time `json:"manufactured_at"`
	ExpirationDate *time.Time `json:"expiration_date"`
}

type receiptRequest struct {
	DestinationBinID string               `json:"destination_bin_id" validate:"required,uuid"`
	Lines            []receiptLineRequest `json:"lines" validate:"required,min=1,dive"`
	Notes            string               `json:"notes"`
}

type transferRequest struct {
	SourceBinID      string  `json:"source_bin_id" validate:"required,uuid"`
	DestinationBinID string  `json:"destination_bin_id" validate:"required,uuid"`
	ItemID           string  `json:"item_id" validate:"required,uuid"`
	LotID            *string `json:"lot_id" validate:"omitempty,uuid"`
	SerialNumberID   *string `json:"serial_number_id" validate:"omitempty,uuid"`
	Quantity         string  `json:"quantity" validate:"required"`
	Notes            string  `json:"notes"`
}

type adjustmentRequest struct {
	BinLocationID  string  `json:"bin_location_id" validate:"required,uuid"`
	ItemID         string  `json:"item_id" validate:"required,uuid"`
	LotID          *string `json:"lot_id" validate:"omitempty,uuid"`
	SerialNumberID *string `json:"serial_number_id" validate:"omitempty,uuid"`
	Quantity       string  `json:"quantity" validate:"required"`
	Reason         string  `json:"reason" validate:"required"`
	Notes          string  `json:"notes"`
}

func (h *Handler) postMovement(w http.ResponseWriter, r *http.Request) {
	warehouseID, actorID, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	var req movementRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httpx.RespondError(w, shared.Validationf("quantity", "not a decimal number"))
		return
	}
	itemID, _ := uuid.Parse(req.ItemID)

	movement, err := h.service.RecordMovement(r.Context(), MovementInput{
		WarehouseID:      warehouseID,
		SourceBinID:      parseUUIDPtr(req.SourceBinID),
		DestinationBinID: parseUUIDPtr(req.DestinationBinID),
		ItemID:           itemID,
		LotID:            parseUUIDPtr(req.LotID),
		SerialNumberID:   parseUUIDPtr(req.SerialNumberID),
		Quantity:         qty,
		UnitOfMeasure:    req.UnitOfMeasure,
		Reason:           MovementReason(req.Reason),
		ActorID:          actorID,
		TriggerSource:    "api",
		Notes:            req.Notes,
		IdempotencyKey:   r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		h.logger.Error("record movement failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) postReceipt(w http.ResponseWriter, r *http.Request) {
	warehouseID, actorID, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	var req receiptRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	destBin, _ := uuid.Parse(req.DestinationBinID)

	in := GoodsReceiptInput{
		WarehouseID:      warehouseID,
		DestinationBinID: destBin,
		ActorID:          actorID,
		Notes:            req.Notes,
	}
	for i, line := range req.Lines {
		qty, err := decimal.NewFromString(line.Quantity)
		if err != nil {
			httpx.RespondError(w, shared.Validationf("lines["+strconv.Itoa(i)+"].quantity", "not a decimal number"))
			return
		}
		itemID, _ := uuid.Parse(line.ItemID)
		in.Lines = append(in.Lines, GoodsReceiptLine{
			ItemID:         itemID,
			Quantity:       qty,
			LotCode:        line.LotCode,
			SerialCode:     line.SerialCode,
			ManufacturedAt: line.ManufacturedAt,
			ExpirationDate: line.ExpirationDate,
		})
	}

	movements, err := h.service.ProcessGoodsReceipt(r.Context(), in)
	if err != nil {
		h.logger.Error("goods receipt failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movements)
}

func (h *Handler) postTransfer(w http.ResponseWriter, r *http.Request) {
	warehouseID, actorID, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httpx.RespondError(w, shared.Validationf("quantity", "not a decimal number"))
		return
	}
	srcBin, _ := uuid.Parse(req.SourceBinID)
	destBin, _ := uuid.Parse(req.DestinationBinID)
	itemID, _ := uuid.Parse(req.ItemID)

	movement, err := h.service.ProcessInternalTransfer(r.Context(), TransferInput{
		WarehouseID:      warehouseID,
		SourceBinID:      srcBin,
		DestinationBinID: destBin,
		ItemID:           itemID,
		LotID:            parseUUIDPtr(req.LotID),
		SerialNumberID:   parseUUIDPtr(req.SerialNumberID),
		Quantity:         qty,
		ActorID:          actorID,
		Notes:            req.Notes,
	})
	if err != nil {
		h.logger.Error("transfer failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) postAdjustment(w http.ResponseWriter, r *http.Request) {
	warehouseID, actorID, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "malformed request body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}
	qty, err := decimal.NewFromString(req.Quantity)
	if err != nil {
		httpx.RespondError(w, shared.Validationf("quantity", "not a decimal number"))
		return
	}
	binID, _ := uuid.Parse(req.BinLocationID)
	itemID, _ := uuid.Parse(req.ItemID)

	movement, err := h.service.ProcessManualAdjustment(r.Context(), AdjustmentInput{
		WarehouseID:    warehouseID,
		BinLocationID:  binID,
		ItemID:         itemID,
		LotID:          parseUUIDPtr(req.LotID),
		SerialNumberID: parseUUIDPtr(req.SerialNumberID),
		Quantity:       qty,
		Reason:         req.Reason,
		ActorID:        actorID,
		Notes:          req.Notes,
	})
	if err != nil {
		h.logger.Error("adjustment failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, movement)
}

func (h *Handler) listBalances(w http.ResponseWriter, r *http.Request) {
	warehouseID, _, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	filter := BalanceFilter{WarehouseID: warehouseID}
	q := r.URL.Query()
	if v := q.Get("item_id"); v != "" {
		filter.ItemID = parseUUIDPtr(&v)
		if filter.ItemID == nil {
			httpx.RespondError(w, shared.Validationf("item_id", "not a uuid"))
			return
		}
	}
	if v := q.Get("bin_location_id"); v != "" {
		filter.BinLocationID = parseUUIDPtr(&v)
		if filter.BinLocationID == nil {
			httpx.RespondError(w, shared.Validationf("bin_location_id", "not a uuid"))
			return
		}
	}
	if v := q.Get("lot_id"); v != "" {
		filter.LotID = parseUUIDPtr(&v)
		if filter.LotID == nil {
			httpx.RespondError(w, shared.Validationf("lot_id", "not a uuid"))
			return
		}
	}

	balances, err := h.service.GetBalances(r.Context(), filter)
	if err != nil {
		h.logger.Error("list balances failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balances)
}

func (h *Handler) listMovements(w http.ResponseWriter, r *http.Request) {
	warehouseID, _, ok := h.requestScope(w, r)
	if !ok {
		return
	}
	filter := HistoryFilter{WarehouseID: warehouseID}
	q := r.URL.Query()
	if v := q.Get("item_id"); v != "" {
		filter.ItemID = parseUUIDPtr(&v)
		if filter.ItemID == nil {
			httpx.RespondError(w, shared.Validationf("item_id", "not a uuid"))
			return
		}
	}
	if v := q.Get("bin_location_id"); v != "" {
		filter.BinLocationID = parseUUIDPtr(&v)
		if filter.BinLocationID == nil {
			httpx.RespondError(w, shared.Validationf("bin_location_id", "not a uuid"))
			return
		}
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

	movements, err := h.service.GetMovementHistory(r.Context(), filter)
	if err != nil {
		h.logger.Error("list movements failed", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, movements)
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

func parseUUIDPtr(s *string) *uuid.UUID {
	if s == nil || *s == "" {
		return nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil
	}
	return &id
}

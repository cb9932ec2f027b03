package stock

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MovementReason enumerates why stock moved. The set is closed; the ledger
// rejects anything else before writing.
type MovementReason string

const (
	// ReasonGoodsReceipt is inbound stock from an external supplier.
	ReasonGoodsReceipt MovementReason = "goods_receipt"
	// ReasonSalesIssue is outbound stock shipped against a sales order.
	ReasonSalesIssue MovementReason = "sales_issue"
	// ReasonInternalTransfer moves stock between bin locations.
	ReasonInternalTransfer MovementReason = "internal_transfer"
	// ReasonManualAdjustment is an operator-initiated correction.
	ReasonManualAdjustment MovementReason = "manual_adjustment"
	// ReasonInventoryAdjustment is a count-driven correction.
	ReasonInventoryAdjustment MovementReason = "inventory_adjustment"
	// ReasonReturnReceipt is a customer return going back to stock.
	ReasonReturnReceipt MovementReason = "return_receipt"
	// ReasonReturnScrap is a customer return written off.
	ReasonReturnScrap MovementReason = "return_scrap"
)

// IsValid reports whether the reason belongs to the closed set.
func (r MovementReason) IsValid() bool {
	switch r {
	case ReasonGoodsReceipt, ReasonSalesIssue, ReasonInternalTransfer,
		ReasonManualAdjustment, ReasonInventoryAdjustment,
		ReasonReturnReceipt, ReasonReturnScrap:
		return true
	default:
		return false
	}
}

// Movement is one immutable ledger entry: a signed quantity change against one
// or two location tuples. Written once, never updated or deleted.
type Movement struct {
	ID               uuid.UUID       `json:"id"`
	OccurredAt       time.Time       `json:"occurred_at"`
	WarehouseID      uuid.UUID       `json:"warehouse_id"`
	SourceBinID      *uuid.UUID      `json:"source_bin_id,omitempty"`
	DestinationBinID *uuid.UUID      `json:"destination_bin_id,omitempty"`
	ItemID           uuid.UUID       `json:"item_id"`
	LotID            *uuid.UUID      `json:"lot_id,omitempty"`
	SerialNumberID   *uuid.UUID      `json:"serial_number_id,omitempty"`
	Quantity         decimal.Decimal `json:"quantity"`
	UnitOfMeasure    string          `json:"unit_of_measure"`
	Reason           MovementReason  `json:"reason"`
	ActorID          uuid.UUID       `json:"actor_id"`
	TriggerSource    string          `json:"trigger_source"`
	TransactionGroup uuid.UUID       `json:"transaction_group"`
	CorrelationID    uuid.UUID       `json:"correlation_id"`
	Notes            string          `json:"notes,omitempty"`
}

// BalanceKey identifies the five-part tuple a balance row is keyed by.
type BalanceKey struct {
	WarehouseID    uuid.UUID  `json:"warehouse_id"`
	BinLocationID  uuid.UUID  `json:"bin_location_id"`
	ItemID         uuid.UUID  `json:"item_id"`
	LotID          *uuid.UUID `json:"lot_id,omitempty"`
	SerialNumberID *uuid.UUID `json:"serial_number_id,omitempty"`
}

// Balance is the derived on-hand/reserved aggregate for one tuple.
// Invariant: OnHand equals the sum of all committed movement deltas touching
// the tuple, OnHand >= 0 and Reserved <= OnHand.
type Balance struct {
	BalanceKey
	OnHand         decimal.Decimal `json:"quantity_on_hand"`
	Reserved       decimal.Decimal `json:"quantity_reserved"`
	LastMovementAt time.Time       `json:"last_movement_at"`
}

// Available is the quantity not yet held by a reservation.
func (b Balance) Available() decimal.Decimal {
	return b.OnHand.Sub(b.Reserved)
}

// MovementInput is everything a caller supplies to record one movement;
// id and timestamp are assigned at write time.
type MovementInput struct {
	WarehouseID      uuid.UUID
	SourceBinID      *uuid.UUID
	DestinationBinID *uuid.UUID
	ItemID           uuid.UUID
	LotID            *uuid.UUID
	SerialNumberID   *uuid.UUID
	Quantity         decimal.Decimal
	UnitOfMeasure    string
	Reason           MovementReason
	ActorID          uuid.UUID
	TriggerSource    string
	TransactionGroup uuid.UUID
	CorrelationID    uuid.UUID
	Notes            string
	IdempotencyKey   string
}

// GoodsReceiptLine is one received item within a goods receipt.
type GoodsReceiptLine struct {
	ItemID         uuid.UUID
	Quantity       decimal.Decimal
	LotCode        string
	SerialCode     string
	ManufacturedAt *time.Time
	ExpirationDate *time.Time
}

// GoodsReceiptInput describes an inbound delivery from the external world.
type GoodsReceiptInput struct {
	WarehouseID      uuid.UUID
	DestinationBinID uuid.UUID
	Lines            []GoodsReceiptLine
	ActorID          uuid.UUID
	Notes            string
}

// TransferInput moves stock between two bins of the same warehouse.
type TransferInput struct {
	WarehouseID      uuid.UUID
	SourceBinID      uuid.UUID
	DestinationBinID uuid.UUID
	ItemID           uuid.UUID
	LotID            *uuid.UUID
	SerialNumberID   *uuid.UUID
	Quantity         decimal.Decimal
	ActorID          uuid.UUID
	Notes            string
}

// AdjustmentInput corrects a single tuple by a signed quantity.
type AdjustmentInput struct {
	WarehouseID    uuid.UUID
	BinLocationID  uuid.UUID
	ItemID         uuid.UUID
	LotID          *uuid.UUID
	SerialNumberID *uuid.UUID
	Quantity       decimal.Decimal
	Reason         string
	ActorID        uuid.UUID
	Notes          string
}

// BalanceFilter narrows balance listings. Only rows with on-hand > 0 are
// returned.
type BalanceFilter struct {
	WarehouseID   uuid.UUID
	ItemID        *uuid.UUID
	BinLocationID *uuid.UUID
	LotID         *uuid.UUID
}

// HistoryFilter narrows the movement history listing.
type HistoryFilter struct {
	WarehouseID   uuid.UUID
	ItemID        *uuid.UUID
	BinLocationID *uuid.UUID
	From          *time.Time
	To            *time.Time
	Limit         int
}

package sales

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lodestar-wms/lodestar/internal/shared"
	"github.com/lodestar-wms/lodestar/internal/stock"
)

// OrderStatus is the fulfillment lifecycle of a sales order.
// draft -> allocated -> shipped -> closed, with a cancellation edge
// draft|allocated -> closed. No other transitions are permitted.
type OrderStatus string

const (
	OrderStatusDraft     OrderStatus = "draft"
	OrderStatusAllocated OrderStatus = "allocated"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusClosed    OrderStatus = "closed"
)

// IsValid checks membership in the closed status set.
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusDraft, OrderStatusAllocated, OrderStatusShipped, OrderStatusClosed:
		return true
	default:
		return false
	}
}

// CanAllocate reports whether allocation may run in this status.
func (s OrderStatus) CanAllocate() bool {
	return s == OrderStatusDraft
}

// CanShip reports whether shipment may run in this status.
func (s OrderStatus) CanShip() bool {
	return s == OrderStatusAllocated
}

// CanCancel reports whether cancellation may run in this status.
func (s OrderStatus) CanCancel() bool {
	return s == OrderStatusDraft || s == OrderStatusAllocated
}

// ReservationStatus is the one-way lifecycle of a reservation. Once it leaves
// active it never returns.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusReleased ReservationStatus = "released"
	ReservationStatusConsumed ReservationStatus = "consumed"
)

// AllocationStrategy decides how candidate balances are ordered.
type AllocationStrategy string

const (
	// StrategyFIFO orders candidates by oldest last movement first.
	StrategyFIFO AllocationStrategy = "fifo"
	// StrategyLIFO orders candidates by newest last movement first.
	StrategyLIFO AllocationStrategy = "lifo"
	// StrategyNearestExpiry orders by the referenced lot's expiration date
	// ascending, falling back to FIFO ordering when no lot is attached.
	StrategyNearestExpiry AllocationStrategy = "nearest_expiry"
)

// ParseStrategy maps the wire value to a strategy, defaulting to FIFO.
func ParseStrategy(s string) (AllocationStrategy, error) {
	switch AllocationStrategy(s) {
	case "":
		return StrategyFIFO, nil
	case StrategyFIFO, StrategyLIFO, StrategyNearestExpiry:
		return AllocationStrategy(s), nil
	default:
		return "", shared.Validationf("strategy", "unknown allocation strategy %q", s)
	}
}

// SalesOrder is a customer order against one warehouse.
type SalesOrder struct {
	ID                 uuid.UUID        `json:"id"`
	WarehouseID        uuid.UUID        `json:"warehouse_id"`
	OrderNumber        string           `json:"order_number"`
	ExternalChannel    *string          `json:"external_channel,omitempty"`
	ExternalOrderRef   *string          `json:"external_order_ref,omitempty"`
	Status             OrderStatus      `json:"status"`
	OrderDate          time.Time        `json:"order_date"`
	CancellationReason *string          `json:"cancellation_reason,omitempty"`
	CreatedBy          uuid.UUID        `json:"created_by"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
	DeletedAt          *time.Time       `json:"-"`
	DeletedBy          *uuid.UUID       `json:"-"`
	Lines              []SalesOrderLine `json:"lines,omitempty"`
}

// SalesOrderLine is one demand line. allocated <= ordered and
// shipped <= allocated at all times.
type SalesOrderLine struct {
	ID                uuid.UUID       `json:"id"`
	OrderID           uuid.UUID       `json:"order_id"`
	ItemID            uuid.UUID       `json:"item_id"`
	OrderedQuantity   decimal.Decimal `json:"ordered_quantity"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	AllocatedQuantity decimal.Decimal `json:"allocated_quantity"`
	ShippedQuantity   decimal.Decimal `json:"shipped_quantity"`
}

// Reservation is a hold against available stock on behalf of one order line.
type Reservation struct {
	ID               uuid.UUID         `json:"id"`
	OrderID          uuid.UUID         `json:"order_id"`
	OrderLineID      uuid.UUID         `json:"order_line_id"`
	WarehouseID      uuid.UUID         `json:"warehouse_id"`
	BinLocationID    uuid.UUID         `json:"bin_location_id"`
	ItemID           uuid.UUID         `json:"item_id"`
	LotID            *uuid.UUID        `json:"lot_id,omitempty"`
	SerialNumberID   *uuid.UUID        `json:"serial_number_id,omitempty"`
	ReservedQuantity decimal.Decimal   `json:"reserved_quantity"`
	Status           ReservationStatus `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
}

// balanceKey returns the balance tuple this reservation holds against.
func (r Reservation) balanceKey() stock.BalanceKey {
	return stock.BalanceKey{
		WarehouseID:    r.WarehouseID,
		BinLocationID:  r.BinLocationID,
		ItemID:         r.ItemID,
		LotID:          r.LotID,
		SerialNumberID: r.SerialNumberID,
	}
}

// AllocationCandidate is one balance row eligible to satisfy a line, with the
// referenced lot's expiry joined in for the nearest-expiry strategy.
type AllocationCandidate struct {
	stock.Balance
	LotExpiration *time.Time
}

// CreateOrderLineInput describes one requested line.
type CreateOrderLineInput struct {
	ItemID    uuid.UUID
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal
}

// CreateOrderInput describes a new draft order.
type CreateOrderInput struct {
	WarehouseID      uuid.UUID
	OrderNumber      string
	OrderDate        time.Time
	ExternalChannel  *string
	ExternalOrderRef *string
	Lines            []CreateOrderLineInput
	ActorID          uuid.UUID
}

// ListOrdersFilter narrows order listings.
type ListOrdersFilter struct {
	WarehouseID     uuid.UUID
	Status          *OrderStatus
	ExternalChannel *string
	From            *time.Time
	To              *time.Time
	Limit           int
}

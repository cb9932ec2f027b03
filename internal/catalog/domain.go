package catalog

import (
	"time"

	"github.com/google/uuid"
)

// ItemStatus is the lifecycle state of a catalog item.
type ItemStatus string

const (
	ItemStatusActive       ItemStatus = "active"
	ItemStatusInactive     ItemStatus = "inactive"
	ItemStatusDiscontinued ItemStatus = "discontinued"
)

// IsActive reports whether the item may participate in movements.
func (s ItemStatus) IsActive() bool {
	return s == ItemStatusActive
}

// SerialStatus is the lifecycle state of a uniquely tracked unit.
type SerialStatus string

const (
	SerialStatusInStock  SerialStatus = "in_stock"
	SerialStatusShipped  SerialStatus = "shipped"
	SerialStatusScrapped SerialStatus = "scrapped"
)

// Warehouse is a physical site holding stock.
type Warehouse struct {
	ID        uuid.UUID  `json:"id"`
	Code      string     `json:"code"`
	Name      string     `json:"name"`
	TimeZone  string     `json:"time_zone"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"-"`
}

// BinLocation is the smallest addressable storage location in a warehouse.
type BinLocation struct {
	ID          uuid.UUID `json:"id"`
	WarehouseID uuid.UUID `json:"warehouse_id"`
	Code        string    `json:"code"`
	IsPickFace  bool      `json:"is_pick_face"`
	IsActive    bool      `json:"is_active"`
}

// Item is a stock keeping unit with its tracking policy.
type Item struct {
	ID            uuid.UUID  `json:"id"`
	SKU           string     `json:"sku"`
	Name          string     `json:"name"`
	UnitOfMeasure string     `json:"unit_of_measure"`
	LotTracked    bool       `json:"lot_tracked"`
	SerialTracked bool       `json:"serial_tracked"`
	Status        ItemStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	DeletedAt     *time.Time `json:"-"`
}

// Lot identifies a manufactured batch of an item, with optional expiry.
type Lot struct {
	ID             uuid.UUID  `json:"id"`
	ItemID         uuid.UUID  `json:"item_id"`
	LotCode        string     `json:"lot_code"`
	ManufacturedAt *time.Time `json:"manufactured_at,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	IsActive       bool       `json:"is_active"`
}

// Expired reports whether the lot has passed its expiration date at now.
func (l Lot) Expired(now time.Time) bool {
	return l.ExpirationDate != nil && l.ExpirationDate.Before(now)
}

// SerialNumber identifies a uniquely tracked unit of an item.
type SerialNumber struct {
	ID         uuid.UUID    `json:"id"`
	ItemID     uuid.UUID    `json:"item_id"`
	SerialCode string       `json:"serial_code"`
	LotID      *uuid.UUID   `json:"lot_id,omitempty"`
	Status     SerialStatus `json:"status"`
}

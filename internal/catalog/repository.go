package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lodestar-wms/lodestar/internal/shared"
)

// Repository reads catalog reference data from PostgreSQL. The ledger treats
// the catalog as a read-only directory; only lot/serial intake during goods
// receipt writes here.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetWarehouse(ctx context.Context, id uuid.UUID) (Warehouse, error) {
	var w Warehouse
	err := r.pool.QueryRow(ctx,
		`SELECT warehouse_id, warehouse_code, warehouse_name, time_zone, is_active, created_at, deleted_at
		 FROM warehouses WHERE warehouse_id = $1`, id).
		Scan(&w.ID, &w.Code, &w.Name, &w.TimeZone, &w.IsActive, &w.CreatedAt, &w.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Warehouse{}, &shared.NotFoundError{Entity: "warehouse", ID: id}
		}
		return Warehouse{}, err
	}
	return w, nil
}

func (r *Repository) GetItem(ctx context.Context, id uuid.UUID) (Item, error) {
	var it Item
	err := r.pool.QueryRow(ctx,
		`SELECT item_id, sku, item_name, unit_of_measure, is_lot_tracked, is_serial_tracked, item_status, created_at, deleted_at
		 FROM items WHERE item_id = $1`, id).
		Scan(&it.ID, &it.SKU, &it.Name, &it.UnitOfMeasure, &it.LotTracked, &it.SerialTracked, &it.Status, &it.CreatedAt, &it.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, &shared.NotFoundError{Entity: "item", ID: id}
		}
		return Item{}, err
	}
	return it, nil
}

func (r *Repository) GetBinLocation(ctx context.Context, id uuid.UUID) (BinLocation, error) {
	var b BinLocation
	err := r.pool.QueryRow(ctx,
		`SELECT bin_location_id, warehouse_id, bin_code, is_pick_face, is_active
		 FROM bin_locations WHERE bin_location_id = $1`, id).
		Scan(&b.ID, &b.WarehouseID, &b.Code, &b.IsPickFace, &b.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return BinLocation{}, &shared.NotFoundError{Entity: "bin location", ID: id}
		}
		return BinLocation{}, err
	}
	return b, nil
}

func (r *Repository) GetLot(ctx context.Context, id uuid.UUID) (Lot, error) {
	var l Lot
	err := r.pool.QueryRow(ctx,
		`SELECT lot_id, item_id, lot_code, manufactured_at, expiration_date, is_active
		 FROM lots WHERE lot_id = $1`, id).
		Scan(&l.ID, &l.ItemID, &l.LotCode, &l.ManufacturedAt, &l.ExpirationDate, &l.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, &shared.NotFoundError{Entity: "lot", ID: id}
		}
		return Lot{}, err
	}
	return l, nil
}

func (r *Repository) GetSerialNumber(ctx context.Context, id uuid.UUID) (SerialNumber, error) {
	var s SerialNumber
	err := r.pool.QueryRow(ctx,
		`SELECT serial_number_id, item_id, serial_code, lot_id, serial_status
		 FROM serial_numbers WHERE serial_number_id = $1`, id).
		Scan(&s.ID, &s.ItemID, &s.SerialCode, &s.LotID, &s.Status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SerialNumber{}, &shared.NotFoundError{Entity: "serial number", ID: id}
		}
		return SerialNumber{}, err
	}
	return s, nil
}

// EnsureLot returns the lot with the given code for the item, creating it on
// first sight. Used by goods receipt intake.
func (r *Repository) EnsureLot(ctx context.Context, itemID uuid.UUID, lotCode string, manufacturedAt, expirationDate *time.Time) (Lot, error) {
	var l Lot
	err := r.pool.QueryRow(ctx,
		`INSERT INTO lots (lot_id, item_id, lot_code, manufactured_at, expiration_date, is_active)
		 VALUES ($1, $2, $3, $4, $5, TRUE)
		 ON CONFLICT (item_id, lot_code) DO UPDATE SET lot_code = EXCLUDED.lot_code
		 RETURNING lot_id, item_id, lot_code, manufactured_at, expiration_date, is_active`,
		uuid.New(), itemID, lotCode, manufacturedAt, expirationDate).
		Scan(&l.ID, &l.ItemID, &l.LotCode, &l.ManufacturedAt, &l.ExpirationDate, &l.IsActive)
	if err != nil {
		return Lot{}, err
	}
	return l, nil
}

// EnsureSerial returns the serial number with the given code, creating it in
// the in_stock state on first sight.
func (r *Repository) EnsureSerial(ctx context.Context, itemID uuid.UUID, serialCode string, lotID *uuid.UUID) (SerialNumber, error) {
	var s SerialNumber
	err := r.pool.QueryRow(ctx,
		`INSERT INTO serial_numbers (serial_number_id, item_id, serial_code, lot_id, serial_status)
		 VALUES ($1, $2, $3, $4, 'in_stock')
		 ON CONFLICT (serial_code) DO UPDATE SET serial_code = EXCLUDED.serial_code
		 RETURNING serial_number_id, item_id, serial_code, lot_id, serial_status`,
		uuid.New(), itemID, serialCode, lotID).
		Scan(&s.ID, &s.ItemID, &s.SerialCode, &s.LotID, &s.Status)
	if err != nil {
		return SerialNumber{}, err
	}
	return s, nil
}

// ListExpiredActiveLots returns active lots whose expiration date has passed.
func (r *Repository) ListExpiredActiveLots(ctx context.Context, asOf time.Time, limit int) ([]Lot, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx,
		`SELECT lot_id, item_id, lot_code, manufactured_at, expiration_date, is_active
		 FROM lots WHERE is_active AND expiration_date IS NOT NULL AND expiration_date < $1
		 ORDER BY expiration_date LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []Lot
	for rows.Next() {
		var l Lot
		if err := rows.Scan(&l.ID, &l.ItemID, &l.LotCode, &l.ManufacturedAt, &l.ExpirationDate, &l.IsActive); err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

// DeactivateLot marks a single lot inactive in its own transaction so a sweep
// failure on one lot does not roll back the others.
func (r *Repository) DeactivateLot(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE lots SET is_active = FALSE WHERE lot_id = $1 AND is_active`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &shared.NotFoundError{Entity: "lot", ID: id}
	}
	return nil
}

// ListWarehouses returns all non-deleted warehouses.
func (r *Repository) ListWarehouses(ctx context.Context) ([]Warehouse, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT warehouse_id, warehouse_code, warehouse_name, time_zone, is_active, created_at, deleted_at
		 FROM warehouses WHERE deleted_at IS NULL ORDER BY warehouse_code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var warehouses []Warehouse
	for rows.Next() {
		var w Warehouse
		if err := rows.Scan(&w.ID, &w.Code, &w.Name, &w.TimeZone, &w.IsActive, &w.CreatedAt, &w.DeletedAt); err != nil {
			return nil, err
		}
		warehouses = append(warehouses, w)
	}
	return warehouses, rows.Err()
}

// ListBinLocations returns the bins of one warehouse.
func (r *Repository) ListBinLocations(ctx context.Context, warehouseID uuid.UUID) ([]BinLocation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT bin_location_id, warehouse_id, bin_code, is_pick_face, is_active
		 FROM bin_locations WHERE warehouse_id = $1 ORDER BY bin_code`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bins []BinLocation
	for rows.Next() {
		var b BinLocation
		if err := rows.Scan(&b.ID, &b.WarehouseID, &b.Code, &b.IsPickFace, &b.IsActive); err != nil {
			return nil, err
		}
		bins = append(bins, b)
	}
	return bins, rows.Err()
}

// ListItems returns non-deleted items, optionally filtered by SKU prefix.
func (r *Repository) ListItems(ctx context.Context, skuPrefix string, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx,
		`SELECT item_id, sku, item_name, unit_of_measure, is_lot_tracked, is_serial_tracked, item_status, created_at, deleted_at
		 FROM items WHERE deleted_at IS NULL AND ($1 = '' OR sku LIKE $1 || '%')
		 ORDER BY sku LIMIT $2`, skuPrefix, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.SKU, &it.Name, &it.UnitOfMeasure, &it.LotTracked, &it.SerialTracked, &it.Status, &it.CreatedAt, &it.DeletedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

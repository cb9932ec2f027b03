package stock

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lodestar-wms/lodestar/internal/catalog"
	"github.com/lodestar-wms/lodestar/internal/platform/db"
	"github.com/lodestar-wms/lodestar/internal/shared"
)

// ErrBalanceNotFound indicates no balance row exists for a tuple yet.
var ErrBalanceNotFound = errors.New("stock: balance not found")

// TxRepository exposes the transactional operations the ledger performs.
// Catalog lookups live here too so the validation gate runs inside the same
// transaction as the write it guards.
type TxRepository interface {
	GetWarehouse(ctx context.Context, id uuid.UUID) (catalog.Warehouse, error)
	GetItem(ctx context.Context, id uuid.UUID) (catalog.Item, error)
	GetBinLocation(ctx context.Context, id uuid.UUID) (catalog.BinLocation, error)
	InsertMovement(ctx context.Context, m Movement) error
	GetBalanceForUpdate(ctx context.Context, key BalanceKey) (Balance, error)
	UpsertBalance(ctx context.Context, b Balance) error
	UpdateSerialStatus(ctx context.Context, id uuid.UUID, status catalog.SerialStatus) error
}

// Repository persists the movement ledger and balances in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// NewTxRepository wraps an existing transaction so other subsystems (order
// fulfillment) can drive ledger writes inside their own transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) GetWarehouse(ctx context.Context, id uuid.UUID) (catalog.Warehouse, error) {
	var w catalog.Warehouse
	err := r.tx.QueryRow(ctx,
		`SELECT warehouse_id, warehouse_code, warehouse_name, time_zone, is_active, created_at, deleted_at
		 FROM warehouses WHERE warehouse_id = $1`, id).
		Scan(&w.ID, &w.Code, &w.Name, &w.TimeZone, &w.IsActive, &w.CreatedAt, &w.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Warehouse{}, &shared.NotFoundError{Entity: "warehouse", ID: id}
		}
		return catalog.Warehouse{}, err
	}
	return w, nil
}

func (r *txRepository) GetItem(ctx context.Context, id uuid.UUID) (catalog.Item, error) {
	var it catalog.Item
	err := r.tx.QueryRow(ctx,
		`SELECT item_id, sku, item_name, unit_of_measure, is_lot_tracked, is_serial_tracked, item_status, created_at, deleted_at
		 FROM items WHERE item_id = $1`, id).
		Scan(&it.ID, &it.SKU, &it.Name, &it.UnitOfMeasure, &it.LotTracked, &it.SerialTracked, &it.Status, &it.CreatedAt, &it.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.Item{}, &shared.NotFoundError{Entity: "item", ID: id}
		}
		return catalog.Item{}, err
	}
	return it, nil
}

func (r *txRepository) GetBinLocation(ctx context.Context, id uuid.UUID) (catalog.BinLocation, error) {
	var b catalog.BinLocation
	err := r.tx.QueryRow(ctx,
		`SELECT bin_location_id, warehouse_id, bin_code, is_pick_face, is_active
		 FROM bin_locations WHERE bin_location_id = $1`, id).
		Scan(&b.ID, &b.WarehouseID, &b.Code, &b.IsPickFace, &b.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return catalog.BinLocation{}, &shared.NotFoundError{Entity: "bin location", ID: id}
		}
		return catalog.BinLocation{}, err
	}
	return b, nil
}

func (r *txRepository) InsertMovement(ctx context.Context, m Movement) error {
	_, err := r.tx.Exec(ctx,
		`INSERT INTO stock_movements
		   (stock_movement_id, occurred_at, warehouse_id, source_bin_location_id, destination_bin_location_id,
		    item_id, lot_id, serial_number_id, moved_quantity, unit_of_measure, movement_reason,
		    actor_user_id, trigger_source, transaction_group, correlation_id, notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		m.ID, m.OccurredAt, m.WarehouseID, m.SourceBinID, m.DestinationBinID,
		m.ItemID, m.LotID, m.SerialNumberID, m.Quantity, m.UnitOfMeasure, string(m.Reason),
		m.ActorID, m.TriggerSource, m.TransactionGroup, m.CorrelationID, m.Notes)
	if err != nil {
		return fmt.Errorf("stock: insert movement: %w", err)
	}
	return nil
}

func (r *txRepository) GetBalanceForUpdate(ctx context.Context, key BalanceKey) (Balance, error) {
	var b Balance
	err := r.tx.QueryRow(ctx,
		`SELECT warehouse_id, bin_location_id, item_id, lot_id, serial_number_id,
		        quantity_on_hand, quantity_reserved, last_movement_at
		 FROM stock_balances
		 WHERE warehouse_id = $1 AND bin_location_id = $2 AND item_id = $3
		   AND lot_id IS NOT DISTINCT FROM $4 AND serial_number_id IS NOT DISTINCT FROM $5
		 FOR UPDATE`,
		key.WarehouseID, key.BinLocationID, key.ItemID, key.LotID, key.SerialNumberID).
		Scan(&b.WarehouseID, &b.BinLocationID, &b.ItemID, &b.LotID, &b.SerialNumberID,
			&b.OnHand, &b.Reserved, &b.LastMovementAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{BalanceKey: key}, ErrBalanceNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func (r *txRepository) UpsertBalance(ctx context.Context, b Balance) error {
	_, err := r.tx.Exec(ctx,
		`INSERT INTO stock_balances
		   (warehouse_id, bin_location_id, item_id, lot_id, serial_number_id,
		    quantity_on_hand, quantity_reserved, last_movement_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (warehouse_id, bin_location_id, item_id,
		              COALESCE(lot_id, '00000000-0000-0000-0000-000000000000'::uuid),
		              COALESCE(serial_number_id, '00000000-0000-0000-0000-000000000000'::uuid))
		 DO UPDATE SET quantity_on_hand = EXCLUDED.quantity_on_hand,
		               quantity_reserved = EXCLUDED.quantity_reserved,
		               last_movement_at = EXCLUDED.last_movement_at`,
		b.WarehouseID, b.BinLocationID, b.ItemID, b.LotID, b.SerialNumberID,
		b.OnHand, b.Reserved, b.LastMovementAt)
	if err != nil {
		return fmt.Errorf("stock: upsert balance: %w", err)
	}
	return nil
}

func (r *txRepository) UpdateSerialStatus(ctx context.Context, id uuid.UUID, status catalog.SerialStatus) error {
	_, err := r.tx.Exec(ctx,
		`UPDATE serial_numbers SET serial_status = $2 WHERE serial_number_id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("stock: update serial status: %w", err)
	}
	return nil
}

// ListBalances returns balance rows with on-hand > 0 matching the filter.
func (r *Repository) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	query := `SELECT warehouse_id, bin_location_id, item_id, lot_id, serial_number_id,
	                 quantity_on_hand, quantity_reserved, last_movement_at
	          FROM stock_balances
	          WHERE warehouse_id = $1 AND quantity_on_hand > 0`
	args := []any{filter.WarehouseID}
	if filter.ItemID != nil {
		args = append(args, *filter.ItemID)
		query += ` AND item_id = $` + strconv.Itoa(len(args))
	}
	if filter.BinLocationID != nil {
		args = append(args, *filter.BinLocationID)
		query += ` AND bin_location_id = $` + strconv.Itoa(len(args))
	}
	if filter.LotID != nil {
		args = append(args, *filter.LotID)
		query += ` AND lot_id = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY bin_location_id, item_id`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []Balance
	for rows.Next() {
		var b Balance
		if err := rows.Scan(&b.WarehouseID, &b.BinLocationID, &b.ItemID, &b.LotID, &b.SerialNumberID,
			&b.OnHand, &b.Reserved, &b.LastMovementAt); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// ListMovements returns movement history, newest first.
func (r *Repository) ListMovements(ctx context.Context, filter HistoryFilter) ([]Movement, error) {
	query := `SELECT stock_movement_id, occurred_at, warehouse_id, source_bin_location_id, destination_bin_location_id,
	                 item_id, lot_id, serial_number_id, moved_quantity, unit_of_measure, movement_reason,
	                 actor_user_id, trigger_source, transaction_group, correlation_id, notes
	          FROM stock_movements
	          WHERE warehouse_id = $1`
	args := []any{filter.WarehouseID}
	if filter.ItemID != nil {
		args = append(args, *filter.ItemID)
		query += ` AND item_id = $` + strconv.Itoa(len(args))
	}
	if filter.BinLocationID != nil {
		args = append(args, *filter.BinLocationID)
		n := strconv.Itoa(len(args))
		query += ` AND (source_bin_location_id = $` + n + ` OR destination_bin_location_id = $` + n + `)`
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += ` AND occurred_at >= $` + strconv.Itoa(len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += ` AND occurred_at <= $` + strconv.Itoa(len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` ORDER BY occurred_at DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var movements []Movement
	for rows.Next() {
		var m Movement
		var reason string
		if err := rows.Scan(&m.ID, &m.OccurredAt, &m.WarehouseID, &m.SourceBinID, &m.DestinationBinID,
			&m.ItemID, &m.LotID, &m.SerialNumberID, &m.Quantity, &m.UnitOfMeasure, &reason,
			&m.ActorID, &m.TriggerSource, &m.TransactionGroup, &m.CorrelationID, &m.Notes); err != nil {
			return nil, err
		}
		m.Reason = MovementReason(reason)
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

package sales

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lodestar-wms/lodestar/internal/platform/db"
	"github.com/lodestar-wms/lodestar/internal/shared"
	"github.com/lodestar-wms/lodestar/internal/stock"
)

// TxRepository exposes the transactional operations order fulfillment uses.
// Ledger hands back a stock.TxRepository bound to the same transaction so a
// shipment's movements commit or roll back with its reservation updates.
type TxRepository interface {
	InsertOrder(ctx context.Context, o SalesOrder) error
	InsertLine(ctx context.Context, l SalesOrderLine) error
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (SalesOrder, error)
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status OrderStatus, cancellationReason *string) error
	ListLines(ctx context.Context, orderID uuid.UUID) ([]SalesOrderLine, error)
	UpdateLineQuantities(ctx context.Context, lineID uuid.UUID, allocated, shipped decimal.Decimal) error
	InsertReservation(ctx context.Context, r Reservation) error
	GetReservationForUpdate(ctx context.Context, id uuid.UUID) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, id uuid.UUID, status ReservationStatus) error
	ListActiveReservations(ctx context.Context, orderID uuid.UUID) ([]Reservation, error)
	ListAllocationCandidates(ctx context.Context, warehouseID, itemID uuid.UUID) ([]AllocationCandidate, error)
	AdjustReserved(ctx context.Context, key stock.BalanceKey, delta decimal.Decimal) error
	Ledger() stock.TxRepository
}

// Repository persists sales orders, lines and reservations in PostgreSQL.
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
		return fn(ctx, &txRepository{tx: tx})
	})
}

type txRepository struct {
	tx pgx.Tx
}

func (r *txRepository) Ledger() stock.TxRepository {
	return stock.NewTxRepository(r.tx)
}

func (r *txRepository) InsertOrder(ctx context.Context, o SalesOrder) error {
	_, err := r.tx.Exec(ctx,
		`INSERT INTO sales_orders
		   (sales_order_id, warehouse_id, sales_order_number, external_sales_channel, external_order_ref,
		    sales_order_status, order_date, created_by, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		o.ID, o.WarehouseID, o.OrderNumber, o.ExternalChannel, o.ExternalOrderRef,
		string(o.Status), o.OrderDate, o.CreatedBy, o.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return shared.Validationf("order_number", "order number %q already exists", o.OrderNumber)
		}
		return fmt.Errorf("sales: insert order: %w", err)
	}
	return nil
}

func (r *txRepository) InsertLine(ctx context.Context, l SalesOrderLine) error {
	_, err := r.tx.Exec(ctx,
		`INSERT INTO sales_order_lines
		   (sales_order_line_id, sales_order_id, item_id, ordered_quantity, unit_price,
		    allocated_quantity, shipped_quantity)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.OrderID, l.ItemID, l.OrderedQuantity, l.UnitPrice, l.AllocatedQuantity, l.ShippedQuantity)
	if err != nil {
		return fmt.Errorf("sales: insert line: %w", err)
	}
	return nil
}

const orderColumns = `sales_order_id, warehouse_id, sales_order_number, external_sales_channel, external_order_ref,
	sales_order_status, order_date, cancellation_reason, created_by, created_at, updated_at, deleted_at, deleted_by`

func scanOrder(row pgx.Row) (SalesOrder, error) {
	var o SalesOrder
	var status string
	err := row.Scan(&o.ID, &o.WarehouseID, &o.OrderNumber, &o.ExternalChannel, &o.ExternalOrderRef,
		&status, &o.OrderDate, &o.CancellationReason, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt, &o.DeletedAt, &o.DeletedBy)
	if err != nil {
		return SalesOrder{}, err
	}
	o.Status = OrderStatus(status)
	return o, nil
}

func (r *txRepository) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (SalesOrder, error) {
	row := r.tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM sales_orders WHERE sales_order_id = $1 AND deleted_at IS NULL FOR UPDATE`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SalesOrder{}, &shared.NotFoundError{Entity: "sales order", ID: id}
		}
		return SalesOrder{}, err
	}
	return o, nil
}

func (r *txRepository) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status OrderStatus, cancellationReason *string) error {
	_, err := r.tx.Exec(ctx,
		`UPDATE sales_orders
		 SET sales_order_status = $2, cancellation_reason = COALESCE($3, cancellation_reason), updated_at = NOW()
		 WHERE sales_order_id = $1`,
		id, string(status), cancellationReason)
	if err != nil {
		return fmt.Errorf("sales: update order status: %w", err)
	}
	return nil
}

func (r *txRepository) ListLines(ctx context.Context, orderID uuid.UUID) ([]SalesOrderLine, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT sales_order_line_id, sales_order_id, item_id, ordered_quantity, unit_price,
		        allocated_quantity, shipped_quantity
		 FROM sales_order_lines WHERE sales_order_id = $1 ORDER BY sales_order_line_id FOR UPDATE`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []SalesOrderLine
	for rows.Next() {
		var l SalesOrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ItemID, &l.OrderedQuantity, &l.UnitPrice,
			&l.AllocatedQuantity, &l.ShippedQuantity); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *txRepository) UpdateLineQuantities(ctx context.Context, lineID uuid.UUID, allocated, shipped decimal.Decimal) error {
	_, err := r.tx.Exec(ctx,
		`UPDATE sales_order_lines SET allocated_quantity = $2, shipped_quantity = $3
		 WHERE sales_order_line_id = $1`,
		lineID, allocated, shipped)
	if err != nil {
		return fmt.Errorf("sales: update line quantities: %w", err)
	}
	return nil
}

func (r *txRepository) InsertReservation(ctx context.Context, res Reservation) error {
	_, err := r.tx.Exec(ctx,
		`INSERT INTO inventory_reservations
		   (inventory_reservation_id, sales_order_id, sales_order_line_id, warehouse_id, bin_location_id,
		    item_id, lot_id, serial_number_id, reserved_quantity, reservation_status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		res.ID, res.OrderID, res.OrderLineID, res.WarehouseID, res.BinLocationID,
		res.ItemID, res.LotID, res.SerialNumberID, res.ReservedQuantity, string(res.Status), res.CreatedAt)
	if err != nil {
		return fmt.Errorf("sales: insert reservation: %w", err)
	}
	return nil
}

const reservationColumns = `inventory_reservation_id, sales_order_id, sales_order_line_id, warehouse_id,
	bin_location_id, item_id, lot_id, serial_number_id, reserved_quantity, reservation_status, created_at`

func scanReservation(row pgx.Row) (Reservation, error) {
	var res Reservation
	var status string
	err := row.Scan(&res.ID, &res.OrderID, &res.OrderLineID, &res.WarehouseID,
		&res.BinLocationID, &res.ItemID, &res.LotID, &res.SerialNumberID,
		&res.ReservedQuantity, &status, &res.CreatedAt)
	if err != nil {
		return Reservation{}, err
	}
	res.Status = ReservationStatus(status)
	return res, nil
}

func (r *txRepository) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (Reservation, error) {
	row := r.tx.QueryRow(ctx,
		`SELECT `+reservationColumns+` FROM inventory_reservations WHERE inventory_reservation_id = $1 FOR UPDATE`, id)
	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, &shared.NotFoundError{Entity: "reservation", ID: id}
		}
		return Reservation{}, err
	}
	return res, nil
}

func (r *txRepository) UpdateReservationStatus(ctx context.Context, id uuid.UUID, status ReservationStatus) error {
	_, err := r.tx.Exec(ctx,
		`UPDATE inventory_reservations SET reservation_status = $2 WHERE inventory_reservation_id = $1`,
		id, string(status))
	if err != nil {
		return fmt.Errorf("sales: update reservation status: %w", err)
	}
	return nil
}

func (r *txRepository) ListActiveReservations(ctx context.Context, orderID uuid.UUID) ([]Reservation, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT `+reservationColumns+` FROM inventory_reservations
		 WHERE sales_order_id = $1 AND reservation_status = 'active'
		 ORDER BY created_at FOR UPDATE`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reservations []Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, res)
	}
	return reservations, rows.Err()
}

// ListAllocationCandidates locks and returns every balance row of the item
// with available quantity, with the lot expiry joined in for ranking.
func (r *txRepository) ListAllocationCandidates(ctx context.Context, warehouseID, itemID uuid.UUID) ([]AllocationCandidate, error) {
	rows, err := r.tx.Query(ctx,
		`SELECT b.warehouse_id, b.bin_location_id, b.item_id, b.lot_id, b.serial_number_id,
		        b.quantity_on_hand, b.quantity_reserved, b.last_movement_at, l.expiration_date
		 FROM stock_balances b
		 LEFT JOIN lots l ON l.lot_id = b.lot_id
		 WHERE b.warehouse_id = $1 AND b.item_id = $2 AND b.quantity_on_hand > b.quantity_reserved
		 FOR UPDATE OF b`, warehouseID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []AllocationCandidate
	for rows.Next() {
		var c AllocationCandidate
		if err := rows.Scan(&c.WarehouseID, &c.BinLocationID, &c.ItemID, &c.LotID, &c.SerialNumberID,
			&c.OnHand, &c.Reserved, &c.LastMovementAt, &c.LotExpiration); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (r *txRepository) AdjustReserved(ctx context.Context, key stock.BalanceKey, delta decimal.Decimal) error {
	tag, err := r.tx.Exec(ctx,
		`UPDATE stock_balances
		 SET quantity_reserved = quantity_reserved + $6
		 WHERE warehouse_id = $1 AND bin_location_id = $2 AND item_id = $3
		   AND lot_id IS NOT DISTINCT FROM $4 AND serial_number_id IS NOT DISTINCT FROM $5
		   AND quantity_reserved + $6 >= 0
		   AND quantity_reserved + $6 <= quantity_on_hand`,
		key.WarehouseID, key.BinLocationID, key.ItemID, key.LotID, key.SerialNumberID, delta)
	if err != nil {
		return fmt.Errorf("sales: adjust reserved: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &shared.InsufficientStockError{Requested: delta.Abs(), Available: decimal.Zero}
	}
	return nil
}

// GetOrder returns one order with its lines.
func (r *Repository) GetOrder(ctx context.Context, id uuid.UUID) (SalesOrder, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM sales_orders WHERE sales_order_id = $1 AND deleted_at IS NULL`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SalesOrder{}, &shared.NotFoundError{Entity: "sales order", ID: id}
		}
		return SalesOrder{}, err
	}

	rows, err := r.pool.Query(ctx,
		`SELECT sales_order_line_id, sales_order_id, item_id, ordered_quantity, unit_price,
		        allocated_quantity, shipped_quantity
		 FROM sales_order_lines WHERE sales_order_id = $1 ORDER BY sales_order_line_id`, id)
	if err != nil {
		return SalesOrder{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var l SalesOrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ItemID, &l.OrderedQuantity, &l.UnitPrice,
			&l.AllocatedQuantity, &l.ShippedQuantity); err != nil {
			return SalesOrder{}, err
		}
		o.Lines = append(o.Lines, l)
	}
	return o, rows.Err()
}

// ListOrders returns orders matching the filter, newest order date first.
func (r *Repository) ListOrders(ctx context.Context, filter ListOrdersFilter) ([]SalesOrder, error) {
	query := `SELECT ` + orderColumns + ` FROM sales_orders WHERE warehouse_id = $1 AND deleted_at IS NULL`
	args := []any{filter.WarehouseID}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		query += ` AND sales_order_status = $` + strconv.Itoa(len(args))
	}
	if filter.ExternalChannel != nil {
		args = append(args, *filter.ExternalChannel)
		query += ` AND external_sales_channel = $` + strconv.Itoa(len(args))
	}
	if filter.From != nil {
		args = append(args, *filter.From)
		query += ` AND order_date >= $` + strconv.Itoa(len(args))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		query += ` AND order_date <= $` + strconv.Itoa(len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` ORDER BY order_date DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []SalesOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

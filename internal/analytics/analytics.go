// Package analytics keeps the denormalized sales fact rows appended at
// shipment time. Rows are write-once; reporting reads never touch the
// operational order tables.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// ShipmentFact is one shipped order line flattened for reporting.
type ShipmentFact struct {
	ID              uuid.UUID
	OrderID         uuid.UUID
	OrderLineID     uuid.UUID
	WarehouseID     uuid.UUID
	ItemID          uuid.UUID
	ShippedQuantity decimal.Decimal
	UnitPrice       decimal.Decimal
	Revenue         decimal.Decimal
	ExternalChannel *string
	ShippedAt       time.Time
	SeasonQuarter   int
	DayOfWeek       int
}

// ChannelRevenue aggregates shipped revenue per external sales channel.
type ChannelRevenue struct {
	Channel      string          `json:"channel"`
	OrderCount   int64           `json:"order_count"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
}

// Recorder appends and aggregates shipment facts.
type Recorder struct {
	pool *pgxpool.Pool
}

// NewRecorder constructs Recorder.
func NewRecorder(pool *pgxpool.Pool) *Recorder {
	return &Recorder{pool: pool}
}

// RecordShipment appends one fact row per shipped line. The derived calendar
// columns are filled in here so reports never recompute them.
func (r *Recorder) RecordShipment(ctx context.Context, facts []ShipmentFact) error {
	for _, f := range facts {
		if f.ID == uuid.Nil {
			f.ID = uuid.New()
		}
		f.Revenue = f.UnitPrice.Mul(f.ShippedQuantity)
		f.SeasonQuarter = (int(f.ShippedAt.Month())-1)/3 + 1
		f.DayOfWeek = int(f.ShippedAt.Weekday())

		_, err := r.pool.Exec(ctx,
			`INSERT INTO sales_analytics
			   (sales_analytics_id, sales_order_id, sales_order_line_id, warehouse_id, item_id,
			    shipped_quantity, unit_price, revenue, external_sales_channel, shipped_at,
			    season_quarter, day_of_week)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			f.ID, f.OrderID, f.OrderLineID, f.WarehouseID, f.ItemID,
			f.ShippedQuantity, f.UnitPrice, f.Revenue, f.ExternalChannel, f.ShippedAt,
			f.SeasonQuarter, f.DayOfWeek)
		if err != nil {
			return fmt.Errorf("analytics: record shipment: %w", err)
		}
	}
	return nil
}

// RevenueByChannel aggregates shipped revenue per channel over a date range.
func (r *Recorder) RevenueByChannel(ctx context.Context, warehouseID uuid.UUID, from, to time.Time) ([]ChannelRevenue, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT COALESCE(external_sales_channel, 'direct'),
		        COUNT(DISTINCT sales_order_id),
		        COALESCE(SUM(revenue), 0)
		 FROM sales_analytics
		 WHERE warehouse_id = $1 AND shipped_at >= $2 AND shipped_at < $3
		 GROUP BY 1 ORDER BY 3 DESC`, warehouseID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChannelRevenue
	for rows.Next() {
		var c ChannelRevenue
		if err := rows.Scan(&c.Channel, &c.OrderCount, &c.TotalRevenue); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

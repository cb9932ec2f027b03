package sales

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lodestar-wms/lodestar/internal/analytics"
	"github.com/lodestar-wms/lodestar/internal/observability"
	"github.com/lodestar-wms/lodestar/internal/platform/cache"
	"github.com/lodestar-wms/lodestar/internal/shared"
	"github.com/lodestar-wms/lodestar/internal/stock"
)

// RepositoryPort is the persistence surface the service needs.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id uuid.UUID) (SalesOrder, error)
	ListOrders(ctx context.Context, filter ListOrdersFilter) ([]SalesOrder, error)
}

// LedgerPort posts stock movements on a transaction the caller controls.
// Shipment drives the ledger through it so reservation consumption and the
// sales_issue movements commit atomically.
type LedgerPort interface {
	PostMovementTx(ctx context.Context, tx stock.TxRepository, in stock.MovementInput) (stock.Movement, error)
}

// AnalyticsPort appends shipment facts after the shipping transaction commits.
type AnalyticsPort interface {
	RecordShipment(ctx context.Context, facts []analytics.ShipmentFact) error
}

// AuditPort records who did what.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// EventPort appends outbox events. Best-effort.
type EventPort interface {
	Append(ctx context.Context, event shared.DomainEvent)
}

// Service owns the sales order lifecycle: draft, allocate, ship, cancel.
type Service struct {
	repo      RepositoryPort
	ledger    LedgerPort
	analytics AnalyticsPort
	audit     AuditPort
	events    EventPort
	locks     *cache.OrderLocker
	metrics   *observability.Metrics
}

// NewService wires the sales service.
func NewService(repo RepositoryPort, ledger LedgerPort, an AnalyticsPort, audit AuditPort, events EventPort, locks *cache.OrderLocker, metrics *observability.Metrics) *Service {
	return &Service{repo: repo, ledger: ledger, analytics: an, audit: audit, events: events, locks: locks, metrics: metrics}
}

// CreateOrder persists a draft order with its lines.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (SalesOrder, error) {
	if strings.TrimSpace(in.OrderNumber) == "" {
		return SalesOrder{}, shared.Validationf("order_number", "order number is required")
	}
	if len(in.Lines) == 0 {
		return SalesOrder{}, shared.Validationf("lines", "an order needs at least one line")
	}
	for i, line := range in.Lines {
		if !line.Quantity.IsPositive() {
			return SalesOrder{}, shared.Validationf(fmt.Sprintf("lines[%d].quantity", i), "ordered quantity must be positive")
		}
		if line.UnitPrice.IsNegative() {
			return SalesOrder{}, shared.Validationf(fmt.Sprintf("lines[%d].unit_price", i), "unit price cannot be negative")
		}
	}

	now := time.Now().UTC()
	orderDate := in.OrderDate
	if orderDate.IsZero() {
		orderDate = now
	}
	order := SalesOrder{
		ID:               uuid.New(),
		WarehouseID:      in.WarehouseID,
		OrderNumber:      in.OrderNumber,
		ExternalChannel:  in.ExternalChannel,
		ExternalOrderRef: in.ExternalOrderRef,
		Status:           OrderStatusDraft,
		OrderDate:        orderDate,
		CreatedBy:        in.ActorID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for _, line := range in.Lines {
		order.Lines = append(order.Lines, SalesOrderLine{
			ID:              uuid.New(),
			OrderID:         order.ID,
			ItemID:          line.ItemID,
			OrderedQuantity: line.Quantity,
			UnitPrice:       line.UnitPrice,
		})
	}

	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.Ledger().GetWarehouse(ctx, in.WarehouseID); err != nil {
			return err
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		for _, line := range order.Lines {
			if _, err := tx.Ledger().GetItem(ctx, line.ItemID); err != nil {
				return err
			}
			if err := tx.InsertLine(ctx, line); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return SalesOrder{}, err
	}

	s.appendEvent(ctx, shared.DomainEvent{
		EventName:     "SalesOrderCreated",
		AggregateType: "sales_order",
		AggregateID:   order.ID,
		ActorID:       in.ActorID,
		Payload: map[string]any{
			"sales_order_number": order.OrderNumber,
			"warehouse_id":       order.WarehouseID.String(),
			"line_count":         len(order.Lines),
		},
	})
	s.recordAudit(ctx, in.ActorID, "sales:create", order.ID, map[string]any{"order_number": order.OrderNumber})
	return order, nil
}

// GetOrder returns one order with its lines.
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (SalesOrder, error) {
	return s.repo.GetOrder(ctx, id)
}

// ListOrders returns orders matching the filter.
func (s *Service) ListOrders(ctx context.Context, filter ListOrdersFilter) ([]SalesOrder, error) {
	if filter.Status != nil && !filter.Status.IsValid() {
		return nil, shared.Validationf("status", "unknown order status %q", string(*filter.Status))
	}
	return s.repo.ListOrders(ctx, filter)
}

// AllocateInventory reserves available stock against every open line of a
// draft order. Candidate balances are ranked by the chosen strategy and
// consumed greedily. The order transitions to allocated only when every line
// is fully covered; a short order keeps the reservations it got and stays in
// draft so allocation can be retried once stock arrives.
func (s *Service) AllocateInventory(ctx context.Context, orderID uuid.UUID, strategy AllocationStrategy, actorID uuid.UUID) (SalesOrder, error) {
	release, err := s.locks.Acquire(ctx, orderID)
	if err != nil {
		return SalesOrder{}, err
	}
	defer release()

	var (
		order        SalesOrder
		reservations int
		fullyCovered bool
	)
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		reservations, fullyCovered = 0, false

		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Status.CanAllocate() {
			return &shared.InvalidStateTransitionError{Entity: "sales order", From: string(order.Status), To: string(OrderStatusAllocated)}
		}

		lines, err := tx.ListLines(ctx, orderID)
		if err != nil {
			return err
		}
		for i := range lines {
			line := &lines[i]
			remaining := line.OrderedQuantity.Sub(line.AllocatedQuantity)
			if !remaining.IsPositive() {
				continue
			}

			candidates, err := tx.ListAllocationCandidates(ctx, order.WarehouseID, line.ItemID)
			if err != nil {
				return err
			}
			rankCandidates(candidates, strategy)

			for _, c := range candidates {
				if !remaining.IsPositive() {
					break
				}
				take := decimal.Min(remaining, c.Available())
				if !take.IsPositive() {
					continue
				}
				res := Reservation{
					ID:               uuid.New(),
					OrderID:          orderID,
					OrderLineID:      line.ID,
					WarehouseID:      c.WarehouseID,
					BinLocationID:    c.BinLocationID,
					ItemID:           c.ItemID,
					LotID:            c.LotID,
					SerialNumberID:   c.SerialNumberID,
					ReservedQuantity: take,
					Status:           ReservationStatusActive,
					CreatedAt:        time.Now().UTC(),
				}
				if err := tx.InsertReservation(ctx, res); err != nil {
					return err
				}
				if err := tx.AdjustReserved(ctx, res.balanceKey(), take); err != nil {
					return err
				}
				line.AllocatedQuantity = line.AllocatedQuantity.Add(take)
				remaining = remaining.Sub(take)
				reservations++
			}
			if err := tx.UpdateLineQuantities(ctx, line.ID, line.AllocatedQuantity, line.ShippedQuantity); err != nil {
				return err
			}
		}

		order.Lines = lines
		fullyCovered = coverageComplete(lines)
		if !fullyCovered {
			// Reservations persist; the order stays in draft for a retry.
			return nil
		}
		order.Status = OrderStatusAllocated
		return tx.UpdateOrderStatus(ctx, orderID, OrderStatusAllocated, nil)
	})
	if err != nil {
		return SalesOrder{}, err
	}

	outcome := "full"
	if !fullyCovered {
		outcome = "partial"
	}
	if s.metrics != nil {
		s.metrics.AllocationCompleted(outcome)
	}
	s.appendEvent(ctx, shared.DomainEvent{
		EventName:     "InventoryAllocated",
		AggregateType: "sales_order",
		AggregateID:   orderID,
		ActorID:       actorID,
		Payload: map[string]any{
			"strategy":     string(strategy),
			"outcome":      outcome,
			"reservations": reservations,
		},
	})
	s.recordAudit(ctx, actorID, "sales:allocate", orderID, map[string]any{"strategy": string(strategy), "outcome": outcome})
	return order, nil
}

// ShipOrder consumes every active reservation of an allocated order. Each
// reservation is released from its balance and posted to the ledger as a
// sales_issue movement from its own bin, all in a single transaction. Facts
// for reporting are appended after commit.
func (s *Service) ShipOrder(ctx context.Context, orderID, actorID uuid.UUID) (SalesOrder, error) {
	release, err := s.locks.Acquire(ctx, orderID)
	if err != nil {
		return SalesOrder{}, err
	}
	defer release()

	var (
		order SalesOrder
		facts []analytics.ShipmentFact
	)
	shippedAt := time.Now().UTC()
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		facts = facts[:0]

		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Status.CanShip() {
			return &shared.InvalidStateTransitionError{Entity: "sales order", From: string(order.Status), To: string(OrderStatusShipped)}
		}

		reservations, err := tx.ListActiveReservations(ctx, orderID)
		if err != nil {
			return err
		}
		if len(reservations) == 0 {
			return &shared.InvalidStateTransitionError{Entity: "sales order", From: string(order.Status), To: string(OrderStatusShipped)}
		}

		txGroup := uuid.New()
		correlation := uuid.New()
		for _, res := range reservations {
			if err := tx.AdjustReserved(ctx, res.balanceKey(), res.ReservedQuantity.Neg()); err != nil {
				return err
			}
			binID := res.BinLocationID
			_, err := s.ledger.PostMovementTx(ctx, tx.Ledger(), stock.MovementInput{
				WarehouseID:      res.WarehouseID,
				SourceBinID:      &binID,
				ItemID:           res.ItemID,
				LotID:            res.LotID,
				SerialNumberID:   res.SerialNumberID,
				Quantity:         res.ReservedQuantity.Neg(),
				Reason:           stock.ReasonSalesIssue,
				ActorID:          actorID,
				TriggerSource:    "sales:ship",
				TransactionGroup: txGroup,
				CorrelationID:    correlation,
				Notes:            "sales order " + order.OrderNumber,
			})
			if err != nil {
				return err
			}
			if err := tx.UpdateReservationStatus(ctx, res.ID, ReservationStatusConsumed); err != nil {
				return err
			}
		}

		lines, err := tx.ListLines(ctx, orderID)
		if err != nil {
			return err
		}
		for i := range lines {
			lines[i].ShippedQuantity = lines[i].AllocatedQuantity
			if err := tx.UpdateLineQuantities(ctx, lines[i].ID, lines[i].AllocatedQuantity, lines[i].ShippedQuantity); err != nil {
				return err
			}
			if lines[i].ShippedQuantity.IsPositive() {
				facts = append(facts, analytics.ShipmentFact{
					OrderID:         orderID,
					OrderLineID:     lines[i].ID,
					WarehouseID:     order.WarehouseID,
					ItemID:          lines[i].ItemID,
					ShippedQuantity: lines[i].ShippedQuantity,
					UnitPrice:       lines[i].UnitPrice,
					ExternalChannel: order.ExternalChannel,
					ShippedAt:       shippedAt,
				})
			}
		}

		order.Status = OrderStatusShipped
		order.Lines = lines
		return tx.UpdateOrderStatus(ctx, orderID, OrderStatusShipped, nil)
	})
	if err != nil {
		return SalesOrder{}, err
	}

	if s.metrics != nil {
		s.metrics.OrderShipped()
	}
	if s.analytics != nil {
		if err := s.analytics.RecordShipment(ctx, facts); err != nil {
			// Facts are derivable from the ledger; shipment itself committed.
			s.recordAudit(ctx, actorID, "sales:analytics_failed", orderID, map[string]any{"error": err.Error()})
		}
	}
	s.appendEvent(ctx, shared.DomainEvent{
		EventName:     "SalesOrderShipped",
		AggregateType: "sales_order",
		AggregateID:   orderID,
		ActorID:       actorID,
		Payload: map[string]any{
			"sales_order_number": order.OrderNumber,
			"line_count":         len(order.Lines),
		},
	})
	s.recordAudit(ctx, actorID, "sales:ship", orderID, map[string]any{"order_number": order.OrderNumber})
	return order, nil
}

// CancelOrder releases every active reservation, zeroes allocated quantities
// and closes the order with the given reason. Draft and allocated orders only.
func (s *Service) CancelOrder(ctx context.Context, orderID uuid.UUID, reason string, actorID uuid.UUID) (SalesOrder, error) {
	if strings.TrimSpace(reason) == "" {
		return SalesOrder{}, shared.Validationf("reason", "cancellation reason is required")
	}

	release, err := s.locks.Acquire(ctx, orderID)
	if err != nil {
		return SalesOrder{}, err
	}
	defer release()

	var order SalesOrder
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Status.CanCancel() {
			return &shared.InvalidStateTransitionError{Entity: "sales order", From: string(order.Status), To: string(OrderStatusClosed)}
		}

		reservations, err := tx.ListActiveReservations(ctx, orderID)
		if err != nil {
			return err
		}
		for _, res := range reservations {
			if err := tx.AdjustReserved(ctx, res.balanceKey(), res.ReservedQuantity.Neg()); err != nil {
				return err
			}
			if err := tx.UpdateReservationStatus(ctx, res.ID, ReservationStatusReleased); err != nil {
				return err
			}
		}

		lines, err := tx.ListLines(ctx, orderID)
		if err != nil {
			return err
		}
		for i := range lines {
			lines[i].AllocatedQuantity = decimal.Zero
			if err := tx.UpdateLineQuantities(ctx, lines[i].ID, decimal.Zero, lines[i].ShippedQuantity); err != nil {
				return err
			}
		}

		order.Status = OrderStatusClosed
		order.CancellationReason = &reason
		order.Lines = lines
		return tx.UpdateOrderStatus(ctx, orderID, OrderStatusClosed, &reason)
	})
	if err != nil {
		return SalesOrder{}, err
	}

	s.appendEvent(ctx, shared.DomainEvent{
		EventName:     "SalesOrderCancelled",
		AggregateType: "sales_order",
		AggregateID:   orderID,
		ActorID:       actorID,
		Payload: map[string]any{
			"sales_order_number": order.OrderNumber,
			"reason":             reason,
		},
	})
	s.recordAudit(ctx, actorID, "sales:cancel", orderID, map[string]any{"reason": reason})
	return order, nil
}

// ReleaseReservation hands a single active reservation back to available
// stock and reduces its line's allocated quantity. Releasing an already
// released reservation is a no-op; a consumed one cannot come back.
func (s *Service) ReleaseReservation(ctx context.Context, reservationID, actorID uuid.UUID) error {
	var released bool
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		released = false

		res, err := tx.GetReservationForUpdate(ctx, reservationID)
		if err != nil {
			return err
		}
		switch res.Status {
		case ReservationStatusReleased:
			return nil
		case ReservationStatusConsumed:
			return &shared.InvalidStateTransitionError{Entity: "reservation", From: string(ReservationStatusConsumed), To: string(ReservationStatusReleased)}
		}

		if err := tx.AdjustReserved(ctx, res.balanceKey(), res.ReservedQuantity.Neg()); err != nil {
			return err
		}
		if err := tx.UpdateReservationStatus(ctx, reservationID, ReservationStatusReleased); err != nil {
			return err
		}

		lines, err := tx.ListLines(ctx, res.OrderID)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if line.ID != res.OrderLineID {
				continue
			}
			allocated := line.AllocatedQuantity.Sub(res.ReservedQuantity)
			if allocated.IsNegative() {
				allocated = decimal.Zero
			}
			if err := tx.UpdateLineQuantities(ctx, line.ID, allocated, line.ShippedQuantity); err != nil {
				return err
			}
			break
		}
		released = true
		return nil
	})
	if err != nil {
		return err
	}
	if released {
		s.appendEvent(ctx, shared.DomainEvent{
			EventName:     "ReservationReleased",
			AggregateType: "inventory_reservation",
			AggregateID:   reservationID,
			ActorID:       actorID,
		})
		s.recordAudit(ctx, actorID, "sales:release_reservation", reservationID, nil)
	}
	return nil
}

func (s *Service) appendEvent(ctx context.Context, event shared.DomainEvent) {
	if s.events == nil {
		return
	}
	s.events.Append(ctx, event)
}

func (s *Service) recordAudit(ctx context.Context, actorID uuid.UUID, action string, entityID uuid.UUID, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "sales_order",
		EntityID: entityID.String(),
		Meta:     meta,
	})
}

// coverageComplete reports whether allocated quantity meets ordered quantity
// across all lines.
func coverageComplete(lines []SalesOrderLine) bool {
	ordered, allocated := decimal.Zero, decimal.Zero
	for _, l := range lines {
		ordered = ordered.Add(l.OrderedQuantity)
		allocated = allocated.Add(l.AllocatedQuantity)
	}
	return allocated.GreaterThanOrEqual(ordered)
}

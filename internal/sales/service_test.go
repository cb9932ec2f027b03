package sales

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-wms/lodestar/internal/analytics"
	"github.com/lodestar-wms/lodestar/internal/catalog"
	"github.com/lodestar-wms/lodestar/internal/shared"
	"github.com/lodestar-wms/lodestar/internal/stock"
)

type memoryRepo struct {
	warehouses   map[uuid.UUID]catalog.Warehouse
	items        map[uuid.UUID]catalog.Item
	orders       map[uuid.UUID]SalesOrder
	lines        map[uuid.UUID][]SalesOrderLine
	reservations map[uuid.UUID]Reservation
	balances     []stock.Balance
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		warehouses:   make(map[uuid.UUID]catalog.Warehouse),
		items:        make(map[uuid.UUID]catalog.Item),
		orders:       make(map[uuid.UUID]SalesOrder),
		lines:        make(map[uuid.UUID][]SalesOrderLine),
		reservations: make(map[uuid.UUID]Reservation),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	// The fakes mutate in place; tests only assert post-commit state on the
	// happy path and untouched state when validation fails before any write.
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetOrder(ctx context.Context, id uuid.UUID) (SalesOrder, error) {
	o, ok := r.orders[id]
	if !ok {
		return SalesOrder{}, &shared.NotFoundError{Entity: "sales order", ID: id}
	}
	o.Lines = append([]SalesOrderLine(nil), r.lines[id]...)
	return o, nil
}

func (r *memoryRepo) ListOrders(ctx context.Context, filter ListOrdersFilter) ([]SalesOrder, error) {
	var out []SalesOrder
	for _, o := range r.orders {
		if o.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.Status != nil && o.Status != *filter.Status {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *memoryRepo) balanceAt(key stock.BalanceKey) *stock.Balance {
	for i := range r.balances {
		b := &r.balances[i]
		if b.WarehouseID == key.WarehouseID && b.BinLocationID == key.BinLocationID && b.ItemID == key.ItemID {
			return b
		}
	}
	return nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) InsertOrder(ctx context.Context, o SalesOrder) error {
	tx.repo.orders[o.ID] = o
	return nil
}

func (tx *memoryTx) InsertLine(ctx context.Context, l SalesOrderLine) error {
	tx.repo.lines[l.OrderID] = append(tx.repo.lines[l.OrderID], l)
	return nil
}

func (tx *memoryTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (SalesOrder, error) {
	o, ok := tx.repo.orders[id]
	if !ok {
		return SalesOrder{}, &shared.NotFoundError{Entity: "sales order", ID: id}
	}
	return o, nil
}

func (tx *memoryTx) UpdateOrderStatus(ctx context.Context, id uuid.UUID, status OrderStatus, reason *string) error {
	o := tx.repo.orders[id]
	o.Status = status
	o.CancellationReason = reason
	tx.repo.orders[id] = o
	return nil
}

func (tx *memoryTx) ListLines(ctx context.Context, orderID uuid.UUID) ([]SalesOrderLine, error) {
	return append([]SalesOrderLine(nil), tx.repo.lines[orderID]...), nil
}

func (tx *memoryTx) UpdateLineQuantities(ctx context.Context, lineID uuid.UUID, allocated, shipped decimal.Decimal) error {
	for orderID, lines := range tx.repo.lines {
		for i := range lines {
			if lines[i].ID == lineID {
				lines[i].AllocatedQuantity = allocated
				lines[i].ShippedQuantity = shipped
				tx.repo.lines[orderID] = lines
				return nil
			}
		}
	}
	return &shared.NotFoundError{Entity: "sales order line", ID: lineID}
}

func (tx *memoryTx) InsertReservation(ctx context.Context, r Reservation) error {
	tx.repo.reservations[r.ID] = r
	return nil
}

func (tx *memoryTx) GetReservationForUpdate(ctx context.Context, id uuid.UUID) (Reservation, error) {
	res, ok := tx.repo.reservations[id]
	if !ok {
		return Reservation{}, &shared.NotFoundError{Entity: "reservation", ID: id}
	}
	return res, nil
}

func (tx *memoryTx) UpdateReservationStatus(ctx context.Context, id uuid.UUID, status ReservationStatus) error {
	res := tx.repo.reservations[id]
	res.Status = status
	tx.repo.reservations[id] = res
	return nil
}

func (tx *memoryTx) ListActiveReservations(ctx context.Context, orderID uuid.UUID) ([]Reservation, error) {
	var out []Reservation
	for _, res := range tx.repo.reservations {
		if res.OrderID == orderID && res.Status == ReservationStatusActive {
			out = append(out, res)
		}
	}
	return out, nil
}

func (tx *memoryTx) ListAllocationCandidates(ctx context.Context, warehouseID, itemID uuid.UUID) ([]AllocationCandidate, error) {
	var out []AllocationCandidate
	for _, b := range tx.repo.balances {
		if b.WarehouseID == warehouseID && b.ItemID == itemID && b.Available().IsPositive() {
			out = append(out, AllocationCandidate{Balance: b})
		}
	}
	return out, nil
}

func (tx *memoryTx) AdjustReserved(ctx context.Context, key stock.BalanceKey, delta decimal.Decimal) error {
	b := tx.repo.balanceAt(key)
	if b == nil {
		return &shared.InsufficientStockError{Available: decimal.Zero, Requested: delta}
	}
	reserved := b.Reserved.Add(delta)
	if reserved.IsNegative() || reserved.GreaterThan(b.OnHand) {
		return &shared.InsufficientStockError{Available: b.Available(), Requested: delta}
	}
	b.Reserved = reserved
	return nil
}

func (tx *memoryTx) Ledger() stock.TxRepository {
	return &ledgerTx{repo: tx.repo}
}

// ledgerTx covers the catalog lookups order creation runs through the shared
// transaction. Movement writes go through the LedgerPort fake instead.
type ledgerTx struct {
	repo *memoryRepo
}

func (l *ledgerTx) GetWarehouse(ctx context.Context, id uuid.UUID) (catalog.Warehouse, error) {
	w, ok := l.repo.warehouses[id]
	if !ok {
		return catalog.Warehouse{}, &shared.NotFoundError{Entity: "warehouse", ID: id}
	}
	return w, nil
}

func (l *ledgerTx) GetItem(ctx context.Context, id uuid.UUID) (catalog.Item, error) {
	it, ok := l.repo.items[id]
	if !ok {
		return catalog.Item{}, &shared.NotFoundError{Entity: "item", ID: id}
	}
	return it, nil
}

func (l *ledgerTx) GetBinLocation(ctx context.Context, id uuid.UUID) (catalog.BinLocation, error) {
	return catalog.BinLocation{}, &shared.NotFoundError{Entity: "bin location", ID: id}
}

func (l *ledgerTx) InsertMovement(ctx context.Context, m stock.Movement) error { return nil }

func (l *ledgerTx) GetBalanceForUpdate(ctx context.Context, key stock.BalanceKey) (stock.Balance, error) {
	if b := l.repo.balanceAt(key); b != nil {
		return *b, nil
	}
	return stock.Balance{BalanceKey: key}, stock.ErrBalanceNotFound
}

func (l *ledgerTx) UpsertBalance(ctx context.Context, b stock.Balance) error { return nil }

func (l *ledgerTx) UpdateSerialStatus(ctx context.Context, id uuid.UUID, status catalog.SerialStatus) error {
	return nil
}

type fakeLedger struct {
	posted []stock.MovementInput
}

func (f *fakeLedger) PostMovementTx(ctx context.Context, tx stock.TxRepository, in stock.MovementInput) (stock.Movement, error) {
	b := tx.(*ledgerTx).repo.balanceAt(stock.BalanceKey{WarehouseID: in.WarehouseID, BinLocationID: *in.SourceBinID, ItemID: in.ItemID})
	if b != nil {
		b.OnHand = b.OnHand.Add(in.Quantity)
	}
	f.posted = append(f.posted, in)
	return stock.Movement{ID: uuid.New(), Quantity: in.Quantity, Reason: in.Reason}, nil
}

type fakeAnalytics struct {
	facts []analytics.ShipmentFact
}

func (f *fakeAnalytics) RecordShipment(ctx context.Context, facts []analytics.ShipmentFact) error {
	f.facts = append(f.facts, facts...)
	return nil
}

type fixture struct {
	repo      *memoryRepo
	ledger    *fakeLedger
	analytics *fakeAnalytics
	svc       *Service
	warehouse uuid.UUID
	binA      uuid.UUID
	binB      uuid.UUID
	item      uuid.UUID
	actor     uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      newMemoryRepo(),
		ledger:    &fakeLedger{},
		analytics: &fakeAnalytics{},
		warehouse: uuid.New(),
		binA:      uuid.New(),
		binB:      uuid.New(),
		item:      uuid.New(),
		actor:     uuid.New(),
	}
	f.repo.warehouses[f.warehouse] = catalog.Warehouse{ID: f.warehouse, Code: "WH1", IsActive: true}
	f.repo.items[f.item] = catalog.Item{ID: f.item, SKU: "PLAIN", Status: catalog.ItemStatusActive}
	f.svc = NewService(f.repo, f.ledger, f.analytics, nil, nil, nil, nil)
	return f
}

func (f *fixture) seedBalance(bin uuid.UUID, onHand int64, lastMovement time.Time) {
	f.repo.balances = append(f.repo.balances, stock.Balance{
		BalanceKey:     stock.BalanceKey{WarehouseID: f.warehouse, BinLocationID: bin, ItemID: f.item},
		OnHand:         decimal.NewFromInt(onHand),
		LastMovementAt: lastMovement,
	})
}

func (f *fixture) createOrder(t *testing.T, qty int64) SalesOrder {
	t.Helper()
	order, err := f.svc.CreateOrder(context.Background(), CreateOrderInput{
		WarehouseID: f.warehouse,
		OrderNumber: "SO-1001",
		Lines: []CreateOrderLineInput{
			{ItemID: f.item, Quantity: decimal.NewFromInt(qty), UnitPrice: decimal.NewFromFloat(9.50)},
		},
		ActorID: f.actor,
	})
	require.NoError(t, err)
	return order
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, CreateOrderInput{WarehouseID: f.warehouse, OrderNumber: " ", ActorID: f.actor})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.CreateOrder(ctx, CreateOrderInput{WarehouseID: f.warehouse, OrderNumber: "SO-1", ActorID: f.actor})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.CreateOrder(ctx, CreateOrderInput{
		WarehouseID: f.warehouse,
		OrderNumber: "SO-1",
		Lines:       []CreateOrderLineInput{{ItemID: f.item, Quantity: decimal.Zero}},
		ActorID:     f.actor,
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = f.svc.CreateOrder(ctx, CreateOrderInput{
		WarehouseID: f.warehouse,
		OrderNumber: "SO-1",
		Lines:       []CreateOrderLineInput{{ItemID: f.item, Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(-1)}},
		ActorID:     f.actor,
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// Unknown item fails inside the transaction.
	_, err = f.svc.CreateOrder(ctx, CreateOrderInput{
		WarehouseID: f.warehouse,
		OrderNumber: "SO-1",
		Lines:       []CreateOrderLineInput{{ItemID: uuid.New(), Quantity: decimal.NewFromInt(1)}},
		ActorID:     f.actor,
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCreateOrderPersistsDraft(t *testing.T) {
	f := newFixture(t)

	order := f.createOrder(t, 5)
	require.Equal(t, OrderStatusDraft, order.Status)
	require.Len(t, order.Lines, 1)

	stored, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, order.OrderNumber, stored.OrderNumber)
	require.True(t, stored.Lines[0].OrderedQuantity.Equal(decimal.NewFromInt(5)))
	require.True(t, stored.Lines[0].AllocatedQuantity.IsZero())
}

func TestAllocateFullCoverage(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(f.binA, 10, time.Now())
	order := f.createOrder(t, 6)

	allocated, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)
	require.Equal(t, OrderStatusAllocated, allocated.Status)
	require.True(t, allocated.Lines[0].AllocatedQuantity.Equal(decimal.NewFromInt(6)))

	require.Len(t, f.repo.reservations, 1)
	for _, res := range f.repo.reservations {
		require.Equal(t, ReservationStatusActive, res.Status)
		require.Equal(t, f.binA, res.BinLocationID)
		require.True(t, res.ReservedQuantity.Equal(decimal.NewFromInt(6)))
	}
	require.True(t, f.repo.balances[0].Reserved.Equal(decimal.NewFromInt(6)))
}

func TestAllocatePartialCoverageStaysDraft(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(f.binA, 4, time.Now())
	order := f.createOrder(t, 6)

	partial, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)

	// The shortfall keeps the order in draft; the reservations it did get
	// persist for the retry.
	require.Equal(t, OrderStatusDraft, partial.Status)
	require.Equal(t, OrderStatusDraft, f.repo.orders[order.ID].Status)
	require.True(t, partial.Lines[0].AllocatedQuantity.Equal(decimal.NewFromInt(4)))
	require.Len(t, f.repo.reservations, 1)
	require.True(t, f.repo.balances[0].Reserved.Equal(decimal.NewFromInt(4)))
}

func TestAllocateNothingAvailableStaysDraft(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, 6)

	result, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)
	require.Equal(t, OrderStatusDraft, result.Status)
	require.Equal(t, OrderStatusDraft, f.repo.orders[order.ID].Status)
	require.Empty(t, f.repo.reservations)
}

func TestAllocateRetryCompletesCoverage(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(f.binA, 4, time.Now())
	order := f.createOrder(t, 6)

	partial, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)
	require.Equal(t, OrderStatusDraft, partial.Status)

	// Stock arrives; the retry only reserves the remaining two units and the
	// order transitions once coverage is complete.
	f.seedBalance(f.binB, 10, time.Now())
	full, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)
	require.Equal(t, OrderStatusAllocated, full.Status)
	require.True(t, full.Lines[0].AllocatedQuantity.Equal(decimal.NewFromInt(6)))

	require.Len(t, f.repo.reservations, 2)
	byBin := map[uuid.UUID]decimal.Decimal{}
	for _, res := range f.repo.reservations {
		byBin[res.BinLocationID] = res.ReservedQuantity
	}
	require.True(t, byBin[f.binA].Equal(decimal.NewFromInt(4)))
	require.True(t, byBin[f.binB].Equal(decimal.NewFromInt(2)))
}

func TestAllocateSpansBinsOldestFirst(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.seedBalance(f.binA, 3, now.Add(-48*time.Hour))
	f.seedBalance(f.binB, 10, now)
	order := f.createOrder(t, 5)

	_, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)

	// The older bin is drained before the newer one is touched.
	byBin := map[uuid.UUID]decimal.Decimal{}
	for _, res := range f.repo.reservations {
		byBin[res.BinLocationID] = res.ReservedQuantity
	}
	require.Len(t, byBin, 2)
	require.True(t, byBin[f.binA].Equal(decimal.NewFromInt(3)))
	require.True(t, byBin[f.binB].Equal(decimal.NewFromInt(2)))
}

func TestAllocateRequiresDraft(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(f.binA, 10, time.Now())
	order := f.createOrder(t, 2)

	_, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)

	_, err = f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}

func TestShipConsumesReservations(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(f.binA, 10, time.Now())
	order := f.createOrder(t, 6)

	_, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)

	shipped, err := f.svc.ShipOrder(context.Background(), order.ID, f.actor)
	require.NoError(t, err)
	require.Equal(t, OrderStatusShipped, shipped.Status)
	require.True(t, shipped.Lines[0].ShippedQuantity.Equal(decimal.NewFromInt(6)))

	for _, res := range f.repo.reservations {
		require.Equal(t, ReservationStatusConsumed, res.Status)
	}

	// One negative sales_issue posting per reservation, from the reserved bin.
	require.Len(t, f.ledger.posted, 1)
	posted := f.ledger.posted[0]
	require.Equal(t, stock.ReasonSalesIssue, posted.Reason)
	require.True(t, posted.Quantity.Equal(decimal.NewFromInt(-6)))
	require.Equal(t, f.binA, *posted.SourceBinID)
	require.Equal(t, "sales:ship", posted.TriggerSource)

	// The hold is gone and the stock left with it.
	require.True(t, f.repo.balances[0].Reserved.IsZero())
	require.True(t, f.repo.balances[0].OnHand.Equal(decimal.NewFromInt(4)))

	require.Len(t, f.analytics.facts, 1)
	fact := f.analytics.facts[0]
	require.Equal(t, order.ID, fact.OrderID)
	require.True(t, fact.ShippedQuantity.Equal(decimal.NewFromInt(6)))
	require.True(t, fact.UnitPrice.Equal(decimal.NewFromFloat(9.50)))
}

func TestShipSharesTransactionGroup(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.seedBalance(f.binA, 3, now.Add(-time.Hour))
	f.seedBalance(f.binB, 3, now)
	order := f.createOrder(t, 6)

	_, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)

	_, err = f.svc.ShipOrder(context.Background(), order.ID, f.actor)
	require.NoError(t, err)

	require.Len(t, f.ledger.posted, 2)
	require.Equal(t, f.ledger.posted[0].TransactionGroup, f.ledger.posted[1].TransactionGroup)
	require.Equal(t, f.ledger.posted[0].CorrelationID, f.ledger.posted[1].CorrelationID)
}

func TestShipRequiresAllocated(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, 2)

	_, err := f.svc.ShipOrder(context.Background(), order.ID, f.actor)
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	require.Empty(t, f.ledger.posted)
}

func TestCancelReleasesEverything(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(f.binA, 10, time.Now())
	order := f.createOrder(t, 6)

	_, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)

	cancelled, err := f.svc.CancelOrder(context.Background(), order.ID, "customer withdrew", f.actor)
	require.NoError(t, err)
	require.Equal(t, OrderStatusClosed, cancelled.Status)
	require.NotNil(t, cancelled.CancellationReason)
	require.Equal(t, "customer withdrew", *cancelled.CancellationReason)
	require.True(t, cancelled.Lines[0].AllocatedQuantity.IsZero())

	for _, res := range f.repo.reservations {
		require.Equal(t, ReservationStatusReleased, res.Status)
	}
	require.True(t, f.repo.balances[0].Reserved.IsZero())
	require.True(t, f.repo.balances[0].OnHand.Equal(decimal.NewFromInt(10)))
}

func TestCancelNeedsReason(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t, 2)

	_, err := f.svc.CancelOrder(context.Background(), order.ID, "  ", f.actor)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCancelShippedRejected(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(f.binA, 10, time.Now())
	order := f.createOrder(t, 2)

	_, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)
	_, err = f.svc.ShipOrder(context.Background(), order.ID, f.actor)
	require.NoError(t, err)

	_, err = f.svc.CancelOrder(context.Background(), order.ID, "too late", f.actor)
	require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
}

func TestReleaseReservation(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(f.binA, 10, time.Now())
	order := f.createOrder(t, 6)

	_, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)

	var resID uuid.UUID
	for id := range f.repo.reservations {
		resID = id
	}

	require.NoError(t, f.svc.ReleaseReservation(context.Background(), resID, f.actor))
	require.Equal(t, ReservationStatusReleased, f.repo.reservations[resID].Status)
	require.True(t, f.repo.balances[0].Reserved.IsZero())
	require.True(t, f.repo.lines[order.ID][0].AllocatedQuantity.IsZero())

	// Releasing again is a no-op.
	require.NoError(t, f.svc.ReleaseReservation(context.Background(), resID, f.actor))
}

func TestReleaseConsumedRejected(t *testing.T) {
	f := newFixture(t)
	f.seedBalance(f.binA, 10, time.Now())
	order := f.createOrder(t, 2)

	_, err := f.svc.AllocateInventory(context.Background(), order.ID, StrategyFIFO, f.actor)
	require.NoError(t, err)
	_, err = f.svc.ShipOrder(context.Background(), order.ID, f.actor)
	require.NoError(t, err)

	for id := range f.repo.reservations {
		err = f.svc.ReleaseReservation(context.Background(), id, f.actor)
		require.ErrorIs(t, err, shared.ErrInvalidStateTransition)
	}
}

package stock

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/lodestar-wms/lodestar/internal/catalog"
	"github.com/lodestar-wms/lodestar/internal/shared"
)

type memoryRepo struct {
	warehouses map[uuid.UUID]catalog.Warehouse
	items      map[uuid.UUID]catalog.Item
	bins       map[uuid.UUID]catalog.BinLocation
	serials    map[uuid.UUID]catalog.SerialNumber
	balances   map[string]Balance
	movements  []Movement
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		warehouses: make(map[uuid.UUID]catalog.Warehouse),
		items:      make(map[uuid.UUID]catalog.Item),
		bins:       make(map[uuid.UUID]catalog.BinLocation),
		serials:    make(map[uuid.UUID]catalog.SerialNumber),
		balances:   make(map[string]Balance),
	}
}

func balanceMapKey(key BalanceKey) string {
	s := key.WarehouseID.String() + ":" + key.BinLocationID.String() + ":" + key.ItemID.String()
	if key.LotID != nil {
		s += ":" + key.LotID.String()
	}
	if key.SerialNumberID != nil {
		s += ":" + key.SerialNumberID.String()
	}
	return s
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	// Snapshot so a failing callback rolls everything back like the real
	// transaction would.
	balances := make(map[string]Balance, len(r.balances))
	for k, v := range r.balances {
		balances[k] = v
	}
	movements := len(r.movements)
	serials := make(map[uuid.UUID]catalog.SerialNumber, len(r.serials))
	for k, v := range r.serials {
		serials[k] = v
	}
	if err := fn(ctx, &memoryTx{repo: r}); err != nil {
		r.balances = balances
		r.movements = r.movements[:movements]
		r.serials = serials
		return err
	}
	return nil
}

func (r *memoryRepo) ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Balance
	for _, b := range r.balances {
		if b.WarehouseID != filter.WarehouseID || !b.OnHand.IsPositive() {
			continue
		}
		if filter.ItemID != nil && b.ItemID != *filter.ItemID {
			continue
		}
		if filter.BinLocationID != nil && b.BinLocationID != *filter.BinLocationID {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *memoryRepo) ListMovements(ctx context.Context, filter HistoryFilter) ([]Movement, error) {
	var out []Movement
	for _, m := range r.movements {
		if m.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.ItemID != nil && m.ItemID != *filter.ItemID {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (tx *memoryTx) GetWarehouse(ctx context.Context, id uuid.UUID) (catalog.Warehouse, error) {
	w, ok := tx.repo.warehouses[id]
	if !ok {
		return catalog.Warehouse{}, &shared.NotFoundError{Entity: "warehouse", ID: id}
	}
	return w, nil
}

func (tx *memoryTx) GetItem(ctx context.Context, id uuid.UUID) (catalog.Item, error) {
	it, ok := tx.repo.items[id]
	if !ok {
		return catalog.Item{}, &shared.NotFoundError{Entity: "item", ID: id}
	}
	return it, nil
}

func (tx *memoryTx) GetBinLocation(ctx context.Context, id uuid.UUID) (catalog.BinLocation, error) {
	b, ok := tx.repo.bins[id]
	if !ok {
		return catalog.BinLocation{}, &shared.NotFoundError{Entity: "bin location", ID: id}
	}
	return b, nil
}

func (tx *memoryTx) InsertMovement(ctx context.Context, m Movement) error {
	tx.repo.movements = append(tx.repo.movements, m)
	return nil
}

func (tx *memoryTx) GetBalanceForUpdate(ctx context.Context, key BalanceKey) (Balance, error) {
	if b, ok := tx.repo.balances[balanceMapKey(key)]; ok {
		return b, nil
	}
	return Balance{BalanceKey: key}, ErrBalanceNotFound
}

func (tx *memoryTx) UpsertBalance(ctx context.Context, b Balance) error {
	tx.repo.balances[balanceMapKey(b.BalanceKey)] = b
	return nil
}

func (tx *memoryTx) UpdateSerialStatus(ctx context.Context, id uuid.UUID, status catalog.SerialStatus) error {
	s := tx.repo.serials[id]
	s.ID = id
	s.Status = status
	tx.repo.serials[id] = s
	return nil
}

type memoryCatalog struct {
	lots    map[string]catalog.Lot
	serials map[string]catalog.SerialNumber
	repo    *memoryRepo
}

func (c *memoryCatalog) EnsureLot(ctx context.Context, itemID uuid.UUID, lotCode string, manufacturedAt, expirationDate *time.Time) (catalog.Lot, error) {
	if lot, ok := c.lots[lotCode]; ok {
		return lot, nil
	}
	lot := catalog.Lot{ID: uuid.New(), ItemID: itemID, LotCode: lotCode, ManufacturedAt: manufacturedAt, ExpirationDate: expirationDate, IsActive: true}
	c.lots[lotCode] = lot
	return lot, nil
}

func (c *memoryCatalog) EnsureSerial(ctx context.Context, itemID uuid.UUID, serialCode string, lotID *uuid.UUID) (catalog.SerialNumber, error) {
	if s, ok := c.serials[serialCode]; ok {
		return s, nil
	}
	s := catalog.SerialNumber{ID: uuid.New(), ItemID: itemID, SerialCode: serialCode, LotID: lotID, Status: catalog.SerialStatusInStock}
	c.serials[serialCode] = s
	if c.repo != nil {
		c.repo.serials[s.ID] = s
	}
	return s, nil
}

type fixture struct {
	repo       *memoryRepo
	cat        *memoryCatalog
	svc        *Service
	warehouse  uuid.UUID
	binA       uuid.UUID
	binB       uuid.UUID
	item       uuid.UUID
	lotItem    uuid.UUID
	serialItem uuid.UUID
	actor      uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	cat := &memoryCatalog{lots: map[string]catalog.Lot{}, serials: map[string]catalog.SerialNumber{}, repo: repo}

	f := &fixture{
		repo:       repo,
		cat:        cat,
		warehouse:  uuid.New(),
		binA:       uuid.New(),
		binB:       uuid.New(),
		item:       uuid.New(),
		lotItem:    uuid.New(),
		serialItem: uuid.New(),
		actor:      uuid.New(),
	}
	repo.warehouses[f.warehouse] = catalog.Warehouse{ID: f.warehouse, Code: "WH1", IsActive: true}
	repo.bins[f.binA] = catalog.BinLocation{ID: f.binA, WarehouseID: f.warehouse, Code: "A-01", IsActive: true}
	repo.bins[f.binB] = catalog.BinLocation{ID: f.binB, WarehouseID: f.warehouse, Code: "B-01", IsActive: true}
	repo.items[f.item] = catalog.Item{ID: f.item, SKU: "PLAIN", Status: catalog.ItemStatusActive}
	repo.items[f.lotItem] = catalog.Item{ID: f.lotItem, SKU: "LOTTED", LotTracked: true, Status: catalog.ItemStatusActive}
	repo.items[f.serialItem] = catalog.Item{ID: f.serialItem, SKU: "SERIAL", SerialTracked: true, Status: catalog.ItemStatusActive}

	f.svc = NewService(repo, cat, nil, nil, nil, nil)
	return f
}

func (f *fixture) receive(t *testing.T, itemID uuid.UUID, qty int64) Movement {
	t.Helper()
	m, err := f.svc.RecordMovement(context.Background(), MovementInput{
		WarehouseID:      f.warehouse,
		DestinationBinID: &f.binA,
		ItemID:           itemID,
		Quantity:         decimal.NewFromInt(qty),
		Reason:           ReasonGoodsReceipt,
		ActorID:          f.actor,
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) balance(key BalanceKey) Balance {
	return f.repo.balances[balanceMapKey(key)]
}

func TestReceiptMaterializesBalance(t *testing.T) {
	f := newFixture(t)

	m := f.receive(t, f.item, 10)
	require.Equal(t, "pieces", m.UnitOfMeasure)
	require.NotEqual(t, uuid.Nil, m.TransactionGroup)

	b := f.balance(BalanceKey{WarehouseID: f.warehouse, BinLocationID: f.binA, ItemID: f.item})
	require.True(t, b.OnHand.Equal(decimal.NewFromInt(10)))
	require.True(t, b.Reserved.IsZero())
	require.Equal(t, m.OccurredAt, b.LastMovementAt)
}

func TestTransferMovesBetweenBins(t *testing.T) {
	f := newFixture(t)
	f.receive(t, f.item, 10)

	_, err := f.svc.ProcessInternalTransfer(context.Background(), TransferInput{
		WarehouseID:      f.warehouse,
		SourceBinID:      f.binA,
		DestinationBinID: f.binB,
		ItemID:           f.item,
		Quantity:         decimal.NewFromInt(4),
		ActorID:          f.actor,
	})
	require.NoError(t, err)

	src := f.balance(BalanceKey{WarehouseID: f.warehouse, BinLocationID: f.binA, ItemID: f.item})
	dst := f.balance(BalanceKey{WarehouseID: f.warehouse, BinLocationID: f.binB, ItemID: f.item})
	require.True(t, src.OnHand.Equal(decimal.NewFromInt(6)))
	require.True(t, dst.OnHand.Equal(decimal.NewFromInt(4)))
}

func TestTransferSameBinRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ProcessInternalTransfer(context.Background(), TransferInput{
		WarehouseID:      f.warehouse,
		SourceBinID:      f.binA,
		DestinationBinID: f.binA,
		ItemID:           f.item,
		Quantity:         decimal.NewFromInt(1),
		ActorID:          f.actor,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestIssueExceedingOnHandRejected(t *testing.T) {
	f := newFixture(t)
	f.receive(t, f.item, 5)

	_, err := f.svc.RecordMovement(context.Background(), MovementInput{
		WarehouseID: f.warehouse,
		SourceBinID: &f.binA,
		ItemID:      f.item,
		Quantity:    decimal.NewFromInt(-8),
		Reason:      ReasonSalesIssue,
		ActorID:     f.actor,
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	var insufficient *shared.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	require.True(t, insufficient.Available.Equal(decimal.NewFromInt(5)))

	// Nothing committed.
	b := f.balance(BalanceKey{WarehouseID: f.warehouse, BinLocationID: f.binA, ItemID: f.item})
	require.True(t, b.OnHand.Equal(decimal.NewFromInt(5)))
	require.Len(t, f.repo.movements, 1)
}

func TestIssueFromEmptyTupleRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.RecordMovement(context.Background(), MovementInput{
		WarehouseID: f.warehouse,
		SourceBinID: &f.binA,
		ItemID:      f.item,
		Quantity:    decimal.NewFromInt(-1),
		Reason:      ReasonSalesIssue,
		ActorID:     f.actor,
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)
	require.Empty(t, f.repo.movements)
}

func TestAdjustmentSignPicksSide(t *testing.T) {
	f := newFixture(t)
	f.receive(t, f.item, 10)

	m, err := f.svc.ProcessManualAdjustment(context.Background(), AdjustmentInput{
		WarehouseID:   f.warehouse,
		BinLocationID: f.binA,
		ItemID:        f.item,
		Quantity:      decimal.NewFromInt(-3),
		Reason:        "cycle count",
		ActorID:       f.actor,
	})
	require.NoError(t, err)
	require.NotNil(t, m.SourceBinID)
	require.Nil(t, m.DestinationBinID)
	require.Equal(t, "cycle count", m.Notes)

	b := f.balance(BalanceKey{WarehouseID: f.warehouse, BinLocationID: f.binA, ItemID: f.item})
	require.True(t, b.OnHand.Equal(decimal.NewFromInt(7)))

	m, err = f.svc.ProcessManualAdjustment(context.Background(), AdjustmentInput{
		WarehouseID:   f.warehouse,
		BinLocationID: f.binA,
		ItemID:        f.item,
		Quantity:      decimal.NewFromInt(2),
		ActorID:       f.actor,
	})
	require.NoError(t, err)
	require.Nil(t, m.SourceBinID)
	require.NotNil(t, m.DestinationBinID)
}

func TestValidationGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Zero quantity.
	_, err := f.svc.RecordMovement(ctx, MovementInput{
		WarehouseID:      f.warehouse,
		DestinationBinID: &f.binA,
		ItemID:           f.item,
		Quantity:         decimal.Zero,
		Reason:           ReasonGoodsReceipt,
		ActorID:          f.actor,
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// Unknown reason.
	_, err = f.svc.RecordMovement(ctx, MovementInput{
		WarehouseID:      f.warehouse,
		DestinationBinID: &f.binA,
		ItemID:           f.item,
		Quantity:         decimal.NewFromInt(1),
		Reason:           MovementReason("teleport"),
		ActorID:          f.actor,
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// No bin on either side.
	_, err = f.svc.RecordMovement(ctx, MovementInput{
		WarehouseID: f.warehouse,
		ItemID:      f.item,
		Quantity:    decimal.NewFromInt(1),
		Reason:      ReasonGoodsReceipt,
		ActorID:     f.actor,
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// Lot-tracked item without a lot.
	_, err = f.svc.RecordMovement(ctx, MovementInput{
		WarehouseID:      f.warehouse,
		DestinationBinID: &f.binA,
		ItemID:           f.lotItem,
		Quantity:         decimal.NewFromInt(1),
		Reason:           ReasonGoodsReceipt,
		ActorID:          f.actor,
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// Bin from a different warehouse.
	otherWarehouse := uuid.New()
	otherBin := uuid.New()
	f.repo.warehouses[otherWarehouse] = catalog.Warehouse{ID: otherWarehouse, Code: "WH2", IsActive: true}
	f.repo.bins[otherBin] = catalog.BinLocation{ID: otherBin, WarehouseID: otherWarehouse, Code: "X-01", IsActive: true}
	_, err = f.svc.RecordMovement(ctx, MovementInput{
		WarehouseID:      f.warehouse,
		DestinationBinID: &otherBin,
		ItemID:           f.item,
		Quantity:         decimal.NewFromInt(1),
		Reason:           ReasonGoodsReceipt,
		ActorID:          f.actor,
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// Inactive item.
	inactive := uuid.New()
	f.repo.items[inactive] = catalog.Item{ID: inactive, SKU: "OLD", Status: catalog.ItemStatusDiscontinued}
	_, err = f.svc.RecordMovement(ctx, MovementInput{
		WarehouseID:      f.warehouse,
		DestinationBinID: &f.binA,
		ItemID:           inactive,
		Quantity:         decimal.NewFromInt(1),
		Reason:           ReasonGoodsReceipt,
		ActorID:          f.actor,
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// Unknown warehouse.
	_, err = f.svc.RecordMovement(ctx, MovementInput{
		WarehouseID:      uuid.New(),
		DestinationBinID: &f.binA,
		ItemID:           f.item,
		Quantity:         decimal.NewFromInt(1),
		Reason:           ReasonGoodsReceipt,
		ActorID:          f.actor,
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSerialTrackedMovements(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	serial, err := f.cat.EnsureSerial(ctx, f.serialItem, "SN-001", nil)
	require.NoError(t, err)

	// Serial-tracked without a serial number.
	_, err = f.svc.RecordMovement(ctx, MovementInput{
		WarehouseID:      f.warehouse,
		DestinationBinID: &f.binA,
		ItemID:           f.serialItem,
		Quantity:         decimal.NewFromInt(1),
		Reason:           ReasonGoodsReceipt,
		ActorID:          f.actor,
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// Quantity other than one.
	_, err = f.svc.RecordMovement(ctx, MovementInput{
		WarehouseID:      f.warehouse,
		DestinationBinID: &f.binA,
		ItemID:           f.serialItem,
		SerialNumberID:   &serial.ID,
		Quantity:         decimal.NewFromInt(2),
		Reason:           ReasonGoodsReceipt,
		ActorID:          f.actor,
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// Receive the unit, then ship it: the serial follows the movement reason.
	_, err = f.svc.RecordMovement(ctx, MovementInput{
		WarehouseID:      f.warehouse,
		DestinationBinID: &f.binA,
		ItemID:           f.serialItem,
		SerialNumberID:   &serial.ID,
		Quantity:         decimal.NewFromInt(1),
		Reason:           ReasonGoodsReceipt,
		ActorID:          f.actor,
	})
	require.NoError(t, err)
	require.Equal(t, catalog.SerialStatusInStock, f.repo.serials[serial.ID].Status)

	_, err = f.svc.RecordMovement(ctx, MovementInput{
		WarehouseID:    f.warehouse,
		SourceBinID:    &f.binA,
		ItemID:         f.serialItem,
		SerialNumberID: &serial.ID,
		Quantity:       decimal.NewFromInt(-1),
		Reason:         ReasonSalesIssue,
		ActorID:        f.actor,
	})
	require.NoError(t, err)
	require.Equal(t, catalog.SerialStatusShipped, f.repo.serials[serial.ID].Status)
}

func TestGoodsReceiptMultiLine(t *testing.T) {
	f := newFixture(t)
	expiry := time.Now().Add(90 * 24 * time.Hour)

	movements, err := f.svc.ProcessGoodsReceipt(context.Background(), GoodsReceiptInput{
		WarehouseID:      f.warehouse,
		DestinationBinID: f.binA,
		ActorID:          f.actor,
		Lines: []GoodsReceiptLine{
			{ItemID: f.item, Quantity: decimal.NewFromInt(10)},
			{ItemID: f.lotItem, Quantity: decimal.NewFromInt(5), LotCode: "LOT-1", ExpirationDate: &expiry},
		},
	})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	require.Equal(t, movements[0].TransactionGroup, movements[1].TransactionGroup)
	require.Equal(t, movements[0].CorrelationID, movements[1].CorrelationID)
	require.NotNil(t, movements[1].LotID)

	lotKey := BalanceKey{WarehouseID: f.warehouse, BinLocationID: f.binA, ItemID: f.lotItem, LotID: movements[1].LotID}
	require.True(t, f.balance(lotKey).OnHand.Equal(decimal.NewFromInt(5)))
}

func TestGoodsReceiptFailingLineRollsBackDelivery(t *testing.T) {
	f := newFixture(t)
	inactive := uuid.New()
	f.repo.items[inactive] = catalog.Item{ID: inactive, SKU: "OLD", Status: catalog.ItemStatusDiscontinued}

	_, err := f.svc.ProcessGoodsReceipt(context.Background(), GoodsReceiptInput{
		WarehouseID:      f.warehouse,
		DestinationBinID: f.binA,
		ActorID:          f.actor,
		Lines: []GoodsReceiptLine{
			{ItemID: f.item, Quantity: decimal.NewFromInt(10)},
			{ItemID: inactive, Quantity: decimal.NewFromInt(5)},
		},
	})
	require.ErrorIs(t, err, shared.ErrValidation)

	// The valid first line must not survive the failed second one.
	require.Empty(t, f.repo.movements)
	require.Empty(t, f.repo.balances)
}

func TestGetBalancesFiltersZeroRows(t *testing.T) {
	f := newFixture(t)
	f.receive(t, f.item, 3)

	// Drain the tuple back to zero.
	_, err := f.svc.RecordMovement(context.Background(), MovementInput{
		WarehouseID: f.warehouse,
		SourceBinID: &f.binA,
		ItemID:      f.item,
		Quantity:    decimal.NewFromInt(-3),
		Reason:      ReasonSalesIssue,
		ActorID:     f.actor,
	})
	require.NoError(t, err)

	balances, err := f.svc.GetBalances(context.Background(), BalanceFilter{WarehouseID: f.warehouse})
	require.NoError(t, err)
	require.Empty(t, balances)
}

func TestGetBalancesDetachedFromCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.receive(t, f.item, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	balances, err := f.svc.GetBalances(ctx, BalanceFilter{WarehouseID: f.warehouse})
	require.NoError(t, err)
	require.Len(t, balances, 1)
}

package stock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/lodestar-wms/lodestar/internal/catalog"
	"github.com/lodestar-wms/lodestar/internal/observability"
	"github.com/lodestar-wms/lodestar/internal/shared"
)

var one = decimal.NewFromInt(1)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	ListBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error)
	ListMovements(ctx context.Context, filter HistoryFilter) ([]Movement, error)
}

// CatalogPort covers the lot/serial intake done during goods receipt.
type CatalogPort interface {
	EnsureLot(ctx context.Context, itemID uuid.UUID, lotCode string, manufacturedAt, expirationDate *time.Time) (catalog.Lot, error)
	EnsureSerial(ctx context.Context, itemID uuid.UUID, serialCode string, lotID *uuid.UUID) (catalog.SerialNumber, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// EventPort is the best-effort domain event sink. Append failures are handled
// inside the sink and never abort a ledger transaction.
type EventPort interface {
	Append(ctx context.Context, event shared.DomainEvent)
}

// Service coordinates ledger operations: every mutation validates, writes the
// movement and materializes balances inside a single transaction.
type Service struct {
	repo        RepositoryPort
	catalog     CatalogPort
	audit       AuditPort
	events      EventPort
	idempotency *shared.IdempotencyStore
	metrics     *observability.Metrics

	balanceGroup singleflight.Group
}

// NewService builds Service. audit, events, idempotency and metrics may be nil.
func NewService(repo RepositoryPort, cat CatalogPort, audit AuditPort, events EventPort, idem *shared.IdempotencyStore, metrics *observability.Metrics) *Service {
	return &Service{repo: repo, catalog: cat, audit: audit, events: events, idempotency: idem, metrics: metrics}
}

// RecordMovement appends one movement to the ledger and updates the touched
// balance tuples, atomically.
func (s *Service) RecordMovement(ctx context.Context, in MovementInput) (Movement, error) {
	insertedKey := false
	if s.idempotency != nil && in.IdempotencyKey != "" {
		if err := s.idempotency.CheckAndInsert(ctx, in.IdempotencyKey, "stock"); err != nil {
			return Movement{}, err
		}
		insertedKey = true
	}

	var movement Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		movement, err = s.PostMovementTx(ctx, tx, in)
		return err
	})
	if err != nil {
		if insertedKey {
			_ = s.idempotency.Delete(ctx, in.IdempotencyKey)
		}
		return Movement{}, err
	}

	s.afterMovement(ctx, movement)
	return movement, nil
}

// PostMovementTx performs the validation gate, the ledger append and the
// balance materialization on an already-open transaction. Order fulfillment
// calls this to keep shipment atomic with its reservation updates.
func (s *Service) PostMovementTx(ctx context.Context, tx TxRepository, in MovementInput) (Movement, error) {
	if err := validateMovement(ctx, tx, in); err != nil {
		return Movement{}, err
	}

	now := time.Now().UTC()
	movement := Movement{
		ID:               uuid.New(),
		OccurredAt:       now,
		WarehouseID:      in.WarehouseID,
		SourceBinID:      in.SourceBinID,
		DestinationBinID: in.DestinationBinID,
		ItemID:           in.ItemID,
		LotID:            in.LotID,
		SerialNumberID:   in.SerialNumberID,
		Quantity:         in.Quantity,
		UnitOfMeasure:    in.UnitOfMeasure,
		Reason:           in.Reason,
		ActorID:          in.ActorID,
		TriggerSource:    in.TriggerSource,
		TransactionGroup: in.TransactionGroup,
		CorrelationID:    in.CorrelationID,
		Notes:            in.Notes,
	}
	if movement.UnitOfMeasure == "" {
		movement.UnitOfMeasure = "pieces"
	}
	if movement.TransactionGroup == uuid.Nil {
		movement.TransactionGroup = uuid.New()
	}
	if movement.CorrelationID == uuid.Nil {
		movement.CorrelationID = uuid.New()
	}

	if err := tx.InsertMovement(ctx, movement); err != nil {
		return Movement{}, err
	}

	// Outbound side first: a decrement is always written as a negative delta
	// against the source tuple, the increment as a positive delta against the
	// destination tuple.
	if movement.SourceBinID != nil {
		key := BalanceKey{
			WarehouseID:    movement.WarehouseID,
			BinLocationID:  *movement.SourceBinID,
			ItemID:         movement.ItemID,
			LotID:          movement.LotID,
			SerialNumberID: movement.SerialNumberID,
		}
		if err := applyDelta(ctx, tx, key, movement.Quantity.Abs().Neg(), movement.OccurredAt); err != nil {
			return Movement{}, err
		}
	}
	if movement.DestinationBinID != nil {
		key := BalanceKey{
			WarehouseID:    movement.WarehouseID,
			BinLocationID:  *movement.DestinationBinID,
			ItemID:         movement.ItemID,
			LotID:          movement.LotID,
			SerialNumberID: movement.SerialNumberID,
		}
		if err := applyDelta(ctx, tx, key, movement.Quantity.Abs(), movement.OccurredAt); err != nil {
			return Movement{}, err
		}
	}

	if movement.SerialNumberID != nil {
		if status, ok := serialStatusFor(movement.Reason); ok {
			if err := tx.UpdateSerialStatus(ctx, *movement.SerialNumberID, status); err != nil {
				return Movement{}, err
			}
		}
	}

	return movement, nil
}

// applyDelta materializes one balance change. The row is locked for the rest
// of the transaction; a resulting negative on-hand aborts the whole operation.
// This post-check is authoritative; the gate's pre-check is an optimization.
func applyDelta(ctx context.Context, tx TxRepository, key BalanceKey, delta decimal.Decimal, at time.Time) error {
	balance, err := tx.GetBalanceForUpdate(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		if delta.IsNegative() {
			return &shared.InsufficientStockError{Available: decimal.Zero, Requested: delta.Abs()}
		}
		balance = Balance{BalanceKey: key}
	}
	newOnHand := balance.OnHand.Add(delta)
	if newOnHand.IsNegative() {
		return &shared.InsufficientStockError{Available: balance.OnHand, Requested: delta.Abs()}
	}
	balance.OnHand = newOnHand
	balance.LastMovementAt = at
	return tx.UpsertBalance(ctx, balance)
}

func serialStatusFor(reason MovementReason) (catalog.SerialStatus, bool) {
	switch reason {
	case ReasonSalesIssue:
		return catalog.SerialStatusShipped, true
	case ReasonReturnScrap:
		return catalog.SerialStatusScrapped, true
	case ReasonGoodsReceipt, ReasonReturnReceipt:
		return catalog.SerialStatusInStock, true
	default:
		return "", false
	}
}

// ProcessGoodsReceipt records one inbound movement per received line, all in
// a single transaction sharing a transaction group and correlation id. A
// failing line rolls back the whole delivery.
func (s *Service) ProcessGoodsReceipt(ctx context.Context, in GoodsReceiptInput) ([]Movement, error) {
	if len(in.Lines) == 0 {
		return nil, shared.Validationf("lines", "goods receipt requires at least one line")
	}
	group := uuid.New()
	correlation := uuid.New()
	dest := in.DestinationBinID

	// Lot and serial intake happens before the ledger transaction. The
	// upserts are idempotent, so a rollback below leaves nothing stale.
	inputs := make([]MovementInput, 0, len(in.Lines))
	for i, line := range in.Lines {
		if line.Quantity.Sign() <= 0 {
			return nil, shared.Validationf(fmt.Sprintf("lines[%d].quantity", i), "receipt quantity must be positive")
		}
		var lotID *uuid.UUID
		if line.LotCode != "" {
			lot, err := s.catalog.EnsureLot(ctx, line.ItemID, line.LotCode, line.ManufacturedAt, line.ExpirationDate)
			if err != nil {
				return nil, fmt.Errorf("stock: ensure lot: %w", err)
			}
			lotID = &lot.ID
		}
		var serialID *uuid.UUID
		if line.SerialCode != "" {
			serial, err := s.catalog.EnsureSerial(ctx, line.ItemID, line.SerialCode, lotID)
			if err != nil {
				return nil, fmt.Errorf("stock: ensure serial: %w", err)
			}
			serialID = &serial.ID
		}
		inputs = append(inputs, MovementInput{
			WarehouseID:      in.WarehouseID,
			DestinationBinID: &dest,
			ItemID:           line.ItemID,
			LotID:            lotID,
			SerialNumberID:   serialID,
			Quantity:         line.Quantity,
			Reason:           ReasonGoodsReceipt,
			ActorID:          in.ActorID,
			TriggerSource:    fmt.Sprintf("user:%s", in.ActorID),
			TransactionGroup: group,
			CorrelationID:    correlation,
			Notes:            in.Notes,
		})
	}

	var movements []Movement
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		movements = movements[:0]
		for _, input := range inputs {
			movement, err := s.PostMovementTx(ctx, tx, input)
			if err != nil {
				return err
			}
			movements = append(movements, movement)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, movement := range movements {
		s.afterMovement(ctx, movement)
	}
	return movements, nil
}

// ProcessInternalTransfer moves stock between two bins of one warehouse as a
// single movement touching both tuples.
func (s *Service) ProcessInternalTransfer(ctx context.Context, in TransferInput) (Movement, error) {
	if in.Quantity.Sign() <= 0 {
		return Movement{}, shared.Validationf("quantity", "transfer quantity must be positive")
	}
	if in.SourceBinID == in.DestinationBinID {
		return Movement{}, shared.Validationf("destination_bin_location_id", "source and destination bins must differ")
	}
	src := in.SourceBinID
	dest := in.DestinationBinID
	return s.RecordMovement(ctx, MovementInput{
		WarehouseID:      in.WarehouseID,
		SourceBinID:      &src,
		DestinationBinID: &dest,
		ItemID:           in.ItemID,
		LotID:            in.LotID,
		SerialNumberID:   in.SerialNumberID,
		Quantity:         in.Quantity,
		Reason:           ReasonInternalTransfer,
		ActorID:          in.ActorID,
		TriggerSource:    fmt.Sprintf("user:%s", in.ActorID),
		Notes:            in.Notes,
	})
}

// ProcessManualAdjustment corrects one tuple by a signed quantity. The sign
// decides which side of the movement the bin appears on.
func (s *Service) ProcessManualAdjustment(ctx context.Context, in AdjustmentInput) (Movement, error) {
	if in.Quantity.IsZero() {
		return Movement{}, shared.Validationf("quantity", "adjustment quantity must be non-zero")
	}
	bin := in.BinLocationID
	input := MovementInput{
		WarehouseID:    in.WarehouseID,
		ItemID:         in.ItemID,
		LotID:          in.LotID,
		SerialNumberID: in.SerialNumberID,
		Quantity:       in.Quantity,
		Reason:         ReasonManualAdjustment,
		ActorID:        in.ActorID,
		TriggerSource:  fmt.Sprintf("user:%s", in.ActorID),
		Notes:          in.Notes,
	}
	if in.Reason != "" {
		if input.Notes != "" {
			input.Notes = fmt.Sprintf("%s: %s", in.Reason, input.Notes)
		} else {
			input.Notes = in.Reason
		}
	}
	if in.Quantity.IsNegative() {
		input.SourceBinID = &bin
	} else {
		input.DestinationBinID = &bin
	}
	return s.RecordMovement(ctx, input)
}

// GetBalances lists balance rows with on-hand > 0. Concurrent identical reads
// are coalesced; the shared fetch is detached from the winning caller's
// cancellation so one aborted request cannot fail the whole group.
func (s *Service) GetBalances(ctx context.Context, filter BalanceFilter) ([]Balance, error) {
	key := balanceQueryKey(filter)
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := s.balanceGroup.Do(key, func() (any, error) {
		return s.repo.ListBalances(fetchCtx, filter)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Balance), nil
}

// GetMovementHistory lists ledger entries, newest first.
func (s *Service) GetMovementHistory(ctx context.Context, filter HistoryFilter) ([]Movement, error) {
	return s.repo.ListMovements(ctx, filter)
}

func balanceQueryKey(f BalanceFilter) string {
	key := f.WarehouseID.String()
	if f.ItemID != nil {
		key += ":" + f.ItemID.String()
	}
	if f.BinLocationID != nil {
		key += ":" + f.BinLocationID.String()
	}
	if f.LotID != nil {
		key += ":" + f.LotID.String()
	}
	return key
}

func (s *Service) afterMovement(ctx context.Context, m Movement) {
	if s.metrics != nil {
		s.metrics.MovementPosted(string(m.Reason))
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  m.ActorID,
			Action:   fmt.Sprintf("stock:%s", m.Reason),
			Entity:   "stock_movement",
			EntityID: m.ID.String(),
			Meta: map[string]any{
				"warehouse_id": m.WarehouseID.String(),
				"item_id":      m.ItemID.String(),
				"quantity":     m.Quantity.String(),
				"reason":       string(m.Reason),
			},
		})
	}
	if s.events != nil {
		s.events.Append(ctx, shared.DomainEvent{
			EventName:        "StockMovementCreated",
			AggregateType:    "stock_movement",
			AggregateID:      m.ID,
			ActorID:          m.ActorID,
			TransactionGroup: m.TransactionGroup,
			CorrelationID:    m.CorrelationID,
			Payload: map[string]any{
				"movement_reason": string(m.Reason),
				"item_id":         m.ItemID.String(),
				"warehouse_id":    m.WarehouseID.String(),
				"moved_quantity":  m.Quantity.String(),
				"trigger_source":  m.TriggerSource,
			},
		})
	}
}

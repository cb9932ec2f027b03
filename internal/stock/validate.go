package stock

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/lodestar-wms/lodestar/internal/shared"
)

// validateMovement enforces the ledger preconditions, in order: active
// warehouse, active item, tracking-mode compliance, bin ownership, and the
// availability pre-check for source decrements. It must run inside the same
// transaction as the write it guards; the materializer's post-check in
// applyDelta remains the authoritative negative-balance guard.
func validateMovement(ctx context.Context, tx TxRepository, in MovementInput) error {
	if in.Quantity.IsZero() {
		return shared.Validationf("quantity", "must be non-zero")
	}
	if !in.Reason.IsValid() {
		return shared.Validationf("reason", "unknown movement reason %q", in.Reason)
	}
	if in.SourceBinID == nil && in.DestinationBinID == nil {
		return shared.Validationf("bin_location", "movement requires a source or destination bin")
	}

	warehouse, err := tx.GetWarehouse(ctx, in.WarehouseID)
	if err != nil {
		return err
	}
	if !warehouse.IsActive || warehouse.DeletedAt != nil {
		return shared.Validationf("warehouse_id", "warehouse %s is inactive", in.WarehouseID)
	}

	item, err := tx.GetItem(ctx, in.ItemID)
	if err != nil {
		return err
	}
	if !item.Status.IsActive() || item.DeletedAt != nil {
		return shared.Validationf("item_id", "item %s is inactive", in.ItemID)
	}

	if item.LotTracked && in.LotID == nil {
		return shared.Validationf("lot_id", "item %s is lot tracked", in.ItemID)
	}
	if item.SerialTracked {
		if in.SerialNumberID == nil {
			return shared.Validationf("serial_number_id", "item %s is serial tracked", in.ItemID)
		}
		if !in.Quantity.Abs().Equal(one) {
			return shared.Validationf("quantity", "serial tracked items move one unit at a time")
		}
	}

	for _, bin := range []struct {
		field string
		id    *uuid.UUID
	}{
		{"source_bin_location_id", in.SourceBinID},
		{"destination_bin_location_id", in.DestinationBinID},
	} {
		if bin.id == nil {
			continue
		}
		loc, err := tx.GetBinLocation(ctx, *bin.id)
		if err != nil {
			return err
		}
		if loc.WarehouseID != in.WarehouseID {
			return shared.Validationf(bin.field, "bin %s does not belong to warehouse %s", loc.ID, in.WarehouseID)
		}
	}

	// Availability pre-check. This is an optimization for a clean error before
	// any write; the race against concurrent writers is resolved by the row
	// lock taken here, held for the rest of the transaction.
	if in.SourceBinID != nil {
		decrease := in.Quantity.Abs()
		key := BalanceKey{
			WarehouseID:    in.WarehouseID,
			BinLocationID:  *in.SourceBinID,
			ItemID:         in.ItemID,
			LotID:          in.LotID,
			SerialNumberID: in.SerialNumberID,
		}
		balance, err := tx.GetBalanceForUpdate(ctx, key)
		if err != nil && !errors.Is(err, ErrBalanceNotFound) {
			return err
		}
		if balance.Available().LessThan(decrease) {
			return &shared.InsufficientStockError{Available: balance.Available(), Requested: decrease}
		}
	}

	return nil
}

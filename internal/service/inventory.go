package service

import (
	"context"
	"strconv"
	"strings"

	"canteenpos/internal/domain"
	"canteenpos/internal/events"
	"canteenpos/internal/store"
)

const maxNotesLength = 500

// AdjustInventory applies a signed manual stock correction and appends an
// "adjustment" log with the before and after quantities, atomically.
func (s *Service) AdjustInventory(ctx context.Context, req domain.InventoryAdjustmentRequest) (domain.InventoryLog, error) {
	if req.ProductID < 1 {
		return domain.InventoryLog{}, store.Invalid("invalid product_id")
	}
	if req.QuantityChange == 0 {
		return domain.InventoryLog{}, store.Invalid("quantity_change must not be zero")
	}
	if req.QuantityChange > maxStockQuantity || req.QuantityChange < -maxStockQuantity {
		return domain.InventoryLog{}, store.Invalid("quantity_change must be between -%d and %d", maxStockQuantity, maxStockQuantity)
	}
	userID, err := resolveUser(ctx, req.UserID)
	if err != nil {
		return domain.InventoryLog{}, err
	}
	notes := strings.TrimSpace(req.Notes)
	if len(notes) > maxNotesLength {
		return domain.InventoryLog{}, store.Invalid("notes must be at most %d characters", maxNotesLength)
	}

	var entry domain.InventoryLog
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		change, err := tx.ApplyStockDelta(ctx, req.ProductID, req.QuantityChange)
		if err != nil {
			return err
		}
		if change.After < 0 && !s.opts.AllowNegativeStock {
			return store.InsufficientStock(req.ProductID, change.Before, -req.QuantityChange)
		}

		entry, err = tx.AppendInventoryLog(ctx, domain.InventoryLog{
			ProductID:       req.ProductID,
			ActionType:      domain.ActionAdjustment,
			QuantityChanged: req.QuantityChange,
			QuantityBefore:  change.Before,
			QuantityAfter:   change.After,
			UserID:          userID,
			Notes:           notes,
		})
		return err
	})
	if err != nil {
		ev := s.logger.Error()
		if isValidation(err) {
			ev = s.logger.Warn()
		}
		ev.Err(err).Int64("product_id", req.ProductID).Int("quantity_change", req.QuantityChange).Msg("inventory adjustment rolled back")
		return domain.InventoryLog{}, err
	}

	s.logger.Info().
		Int64("log_id", entry.ID).
		Int64("product_id", entry.ProductID).
		Int("quantity_change", entry.QuantityChanged).
		Int("quantity_after", entry.QuantityAfter).
		Msg("inventory adjusted")

	s.afterCommit(ctx, strconv.FormatInt(entry.ProductID, 10), events.Envelope{
		Type:       events.TypeStockAdjusted,
		OccurredAt: entry.CreatedAt,
		Payload: events.StockAdjusted{
			LogID:  entry.ID,
			UserID: userID,
			Notes:  notes,
			Movement: events.StockMovement{
				ProductID:       entry.ProductID,
				QuantityChanged: entry.QuantityChanged,
				QuantityBefore:  entry.QuantityBefore,
				QuantityAfter:   entry.QuantityAfter,
			},
		},
	})

	return entry, nil
}

package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"canteenpos/internal/domain"
	"canteenpos/internal/events"
	"canteenpos/internal/store"
)

// RecordSale persists a checkout as one unit of work: the sale header, then
// for each line in input order its sale item, the stock decrement and a
// "sale" inventory log. Any failure leaves no trace of the sale.
func (s *Service) RecordSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResult, error) {
	userID, err := resolveUser(ctx, req.UserID)
	if err != nil {
		return domain.SaleResult{}, err
	}
	items, total, err := validateSaleItems(req.Items)
	if err != nil {
		return domain.SaleResult{}, err
	}
	paymentMethod := strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if paymentMethod == "" {
		paymentMethod = "cash"
	}
	if req.AmountPaid.IsNegative() || !isCents(req.AmountPaid) {
		return domain.SaleResult{}, store.Invalid("amount_paid must not be negative and have at most two decimals")
	}

	sale := domain.Sale{
		UserID:          userID,
		TotalAmount:     total,
		PaymentMethod:   paymentMethod,
		AmountPaid:      req.AmountPaid,
		ChangeAmount:    req.AmountPaid.Sub(total),
		TransactionDate: s.now(),
	}

	movements := make([]events.StockMovement, 0, len(items))
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		saleID, err := tx.InsertSale(ctx, sale)
		if err != nil {
			return err
		}
		sale.ID = saleID

		for _, item := range items {
			if _, err := tx.InsertSaleItem(ctx, domain.SaleItem{
				SaleID:      saleID,
				ProductID:   item.ProductID,
				ProductName: item.ProductName,
				Quantity:    item.Quantity,
				Price:       item.Price,
				Subtotal:    item.Subtotal,
			}); err != nil {
				return err
			}

			change, err := tx.ApplyStockDelta(ctx, item.ProductID, -item.Quantity)
			if err != nil {
				return err
			}
			if change.After < 0 && !s.opts.AllowNegativeStock {
				return store.InsufficientStock(item.ProductID, change.Before, item.Quantity)
			}

			if _, err := tx.AppendInventoryLog(ctx, domain.InventoryLog{
				ProductID:       item.ProductID,
				ActionType:      domain.ActionSale,
				QuantityChanged: -item.Quantity,
				QuantityBefore:  change.Before,
				QuantityAfter:   change.After,
				UserID:          userID,
				Notes:           fmt.Sprintf("Sale #%d", saleID),
			}); err != nil {
				return err
			}

			movements = append(movements, events.StockMovement{
				ProductID:       item.ProductID,
				QuantityChanged: -item.Quantity,
				QuantityBefore:  change.Before,
				QuantityAfter:   change.After,
			})
		}
		return nil
	})
	if err != nil {
		ev := s.logger.Error()
		if isValidation(err) {
			ev = s.logger.Warn()
		}
		ev.Err(err).Int64("user_id", userID).Int("items", len(items)).Msg("sale rolled back")
		return domain.SaleResult{}, err
	}

	s.logger.Info().
		Int64("sale_id", sale.ID).
		Int64("user_id", userID).
		Str("total", sale.TotalAmount.StringFixed(2)).
		Str("payment_method", paymentMethod).
		Int("items", len(items)).
		Msg("sale recorded")

	s.afterCommit(ctx, strconv.FormatInt(sale.ID, 10), events.Envelope{
		Type:       events.TypeSaleRecorded,
		OccurredAt: sale.TransactionDate,
		Payload: events.SaleRecorded{
			SaleID:        sale.ID,
			UserID:        userID,
			TotalAmount:   sale.TotalAmount,
			PaymentMethod: paymentMethod,
			Movements:     movements,
		},
	})

	return domain.SaleResult{
		SaleID:       sale.ID,
		TotalAmount:  sale.TotalAmount,
		ChangeAmount: sale.ChangeAmount,
	}, nil
}

// validateSaleItems checks every cart line and returns the lines with their
// subtotals filled in plus the cart total. The caller's price is kept as the
// recorded snapshot; an omitted subtotal is derived, a wrong one rejected.
func validateSaleItems(items []domain.SaleItemRequest) ([]domain.SaleItemRequest, decimal.Decimal, error) {
	if len(items) == 0 {
		return nil, decimal.Zero, store.Invalid("sale must contain at least one item")
	}

	total := decimal.Zero
	out := make([]domain.SaleItemRequest, 0, len(items))
	for i, item := range items {
		line := i + 1
		if item.ProductID < 1 {
			return nil, decimal.Zero, store.Invalid("item %d: invalid product_id", line)
		}
		if item.Quantity < 1 || item.Quantity > maxStockQuantity {
			return nil, decimal.Zero, store.Invalid("item %d: quantity must be between 1 and %d", line, maxStockQuantity)
		}
		if !item.Price.IsPositive() || !isCents(item.Price) {
			return nil, decimal.Zero, store.Invalid("item %d: price must be positive with at most two decimals", line)
		}

		expected := item.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		if item.Subtotal.IsZero() {
			item.Subtotal = expected
		}
		if !item.Subtotal.Equal(expected) {
			return nil, decimal.Zero, store.Invalid("item %d: subtotal %s does not equal quantity x price %s", line, item.Subtotal.StringFixed(2), expected.StringFixed(2))
		}

		item.ProductName = strings.TrimSpace(item.ProductName)
		if item.ProductName == "" {
			return nil, decimal.Zero, store.Invalid("item %d: product_name is required", line)
		}

		total = total.Add(item.Subtotal)
		out = append(out, item)
	}
	return out, total, nil
}

package events

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

const (
	TypeSaleRecorded  = "sale.recorded"
	TypeStockAdjusted = "stock.adjusted"
)

// Publisher emits stock events after a unit of work has committed.
type Publisher interface {
	Publish(ctx context.Context, key string, event Envelope) error
	Close() error
}

type Envelope struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

type StockMovement struct {
	ProductID       int64 `json:"product_id"`
	QuantityChanged int   `json:"quantity_changed"`
	QuantityBefore  int   `json:"quantity_before"`
	QuantityAfter   int   `json:"quantity_after"`
}

type SaleRecorded struct {
	SaleID        int64           `json:"sale_id"`
	UserID        int64           `json:"user_id"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	PaymentMethod string          `json:"payment_method"`
	Movements     []StockMovement `json:"movements"`
}

type StockAdjusted struct {
	LogID    int64         `json:"log_id"`
	UserID   int64         `json:"user_id"`
	Notes    string        `json:"notes"`
	Movement StockMovement `json:"movement"`
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(_ context.Context, _ string, _ Envelope) error {
	return nil
}

func (NoopPublisher) Close() error {
	return nil
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"canteenpos/internal/domain"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrStorage           = errors.New("storage error")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownUser       = errors.New("unknown user")
)

// Invalid builds an ErrValidation with a caller-facing message.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func ProductNotFound(productID int64) error {
	return fmt.Errorf("%w: product %d %w", ErrValidation, productID, ErrNotFound)
}

func UnknownUser(userID int64) error {
	return fmt.Errorf("%w: %w %d", ErrValidation, ErrUnknownUser, userID)
}

func InsufficientStock(productID int64, available int, requested int) error {
	return fmt.Errorf("%w: %w for product %d (available %d, requested %d)", ErrValidation, ErrInsufficientStock, productID, available, requested)
}

// Storage tags a persistence fault. Validation errors pass through untouched.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// ReportPeriod renders the bucket label a sale falls into: 2006-01-02 for
// day, ISO year and week (2026-W07) for week, 2006-01 for month.
func ReportPeriod(t time.Time, groupBy string) string {
	t = t.UTC()
	switch groupBy {
	case domain.ReportGroupWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case domain.ReportGroupMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02")
	}
}

// Tx is the set of writes available inside a unit of work. Every method
// must only be called from within the function passed to WithinTx.
type Tx interface {
	InsertSale(ctx context.Context, sale domain.Sale) (int64, error)
	InsertSaleItem(ctx context.Context, item domain.SaleItem) (int64, error)
	// ApplyStockDelta adds delta to the product's stock_quantity as a single
	// relative update and reports the value before and after it.
	ApplyStockDelta(ctx context.Context, productID int64, delta int) (domain.StockChange, error)
	AppendInventoryLog(ctx context.Context, entry domain.InventoryLog) (domain.InventoryLog, error)
}

type Repository interface {
	// WithinTx runs fn inside one unit of work. It commits only when fn
	// returns nil and rolls back otherwise; the underlying connection is
	// released on every path.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	ListProducts(ctx context.Context, category string) ([]domain.Product, error)
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)
	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeactivateProduct(ctx context.Context, id int64) error

	ListSales(ctx context.Context, filter domain.SalesFilter) ([]domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.SaleDetail, error)
	ListInventoryLogs(ctx context.Context, limit int) ([]domain.InventoryLog, error)
	Dashboard(ctx context.Context, query domain.DashboardQuery) (domain.Dashboard, error)
	SalesReport(ctx context.Context, from time.Time, to time.Time, groupBy string) ([]domain.SalesReportRow, error)

	FindUserByUsername(ctx context.Context, username string) (*domain.User, error)
	UpdateUserPassword(ctx context.Context, userID int64, password string) error
}

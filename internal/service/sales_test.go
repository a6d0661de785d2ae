package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"canteenpos/internal/domain"
	"canteenpos/internal/events"
	"canteenpos/internal/store"
	"canteenpos/internal/store/memory"
)

func TestRecordSaleCashCartComputesTotalAndChange(t *testing.T) {
	f := newFixture(t, Options{AllowNegativeStock: true})
	ctx := context.Background()

	result, err := f.svc.RecordSale(ctx, domain.SaleRequest{
		UserID: f.cashier.ID,
		Items: []domain.SaleItemRequest{
			line(f.meal.ID, f.meal.Name, 2, "50", "100"),
			line(f.tea.ID, f.tea.Name, 1, "30", "30"),
		},
		PaymentMethod: "cash",
		AmountPaid:    money("150"),
	})
	require.NoError(t, err)
	assert.True(t, result.TotalAmount.Equal(money("130")), "total %s", result.TotalAmount)
	assert.True(t, result.ChangeAmount.Equal(money("20")), "change %s", result.ChangeAmount)

	detail, err := f.svc.GetSale(ctx, result.SaleID)
	require.NoError(t, err)
	require.Len(t, detail.Items, 2)
	assert.Equal(t, "Cashier One", detail.Sale.CashierName)
	sum := detail.Items[0].Subtotal.Add(detail.Items[1].Subtotal)
	assert.True(t, detail.Sale.TotalAmount.Equal(sum))

	assert.Equal(t, 8, f.stock(t, f.meal.ID))
	assert.Equal(t, 2, f.stock(t, f.tea.ID))

	logs := f.logs(t)
	require.Len(t, logs, 2)
	// newest first
	assert.Equal(t, domain.InventoryLog{
		ID: logs[0].ID, ProductID: f.tea.ID, ProductName: f.tea.Name, ActionType: domain.ActionSale,
		QuantityChanged: -1, QuantityBefore: 3, QuantityAfter: 2, UserID: f.cashier.ID, UserName: "Cashier One",
		Notes: "Sale #1", CreatedAt: logs[0].CreatedAt,
	}, logs[0])
	assert.Equal(t, -2, logs[1].QuantityChanged)
	assert.Equal(t, 10, logs[1].QuantityBefore)
	assert.Equal(t, 8, logs[1].QuantityAfter)
	assert.Equal(t, "Sale #1", logs[1].Notes)

	published := f.published.snapshot()
	require.Len(t, published, 1)
	assert.Equal(t, events.TypeSaleRecorded, published[0].Type)
	payload, ok := published[0].Payload.(events.SaleRecorded)
	require.True(t, ok)
	assert.Len(t, payload.Movements, 2)
	assert.Equal(t, 1, f.dashboard.invalidations)
}

func TestRecordSaleNItemsWritesOneSaleAndNLogs(t *testing.T) {
	f := newFixture(t, Options{AllowNegativeStock: true})

	_, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
		UserID: f.cashier.ID,
		Items: []domain.SaleItemRequest{
			line(f.meal.ID, f.meal.Name, 1, "50", "50"),
			line(f.tea.ID, f.tea.Name, 1, "30", "30"),
			line(f.meal.ID, f.meal.Name, 3, "45.50", "136.50"),
		},
		PaymentMethod: "gcash",
		AmountPaid:    money("216.50"),
	})
	require.NoError(t, err)

	sales := f.sales(t)
	require.Len(t, sales, 1)
	assert.True(t, sales[0].TotalAmount.Equal(money("216.50")))
	assert.True(t, sales[0].ChangeAmount.IsZero())
	assert.Equal(t, "gcash", sales[0].PaymentMethod)

	detail, err := f.svc.GetSale(context.Background(), sales[0].ID)
	require.NoError(t, err)
	assert.Len(t, detail.Items, 3)
	assert.Len(t, f.logs(t), 3)
	assert.Equal(t, 6, f.stock(t, f.meal.ID))
}

func TestRecordSaleUnknownProductPersistsNothing(t *testing.T) {
	f := newFixture(t, Options{AllowNegativeStock: true})

	_, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
		UserID: f.cashier.ID,
		Items: []domain.SaleItemRequest{
			line(f.meal.ID, f.meal.Name, 2, "50", "100"),
			line(99, "Ghost Item", 1, "10", "10"),
		},
		AmountPaid: money("110"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrValidation))
	assert.True(t, errors.Is(err, store.ErrNotFound))

	assert.Empty(t, f.sales(t))
	assert.Empty(t, f.logs(t))
	assert.Equal(t, 10, f.stock(t, f.meal.ID))
	assert.Empty(t, f.published.snapshot())
	assert.Zero(t, f.dashboard.invalidations)
}

func TestRecordSaleUnknownUserPersistsNothing(t *testing.T) {
	f := newFixture(t, Options{AllowNegativeStock: true})

	_, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
		UserID:     42,
		Items:      []domain.SaleItemRequest{line(f.meal.ID, f.meal.Name, 1, "50", "50")},
		AmountPaid: money("50"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrUnknownUser))
	assert.Empty(t, f.sales(t))
	assert.Equal(t, 10, f.stock(t, f.meal.ID))
}

func TestRecordSaleRejectsInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  func(f *fixture) domain.SaleRequest
	}{
		{"empty cart", func(f *fixture) domain.SaleRequest {
			return domain.SaleRequest{UserID: f.cashier.ID, AmountPaid: money("10")}
		}},
		{"zero quantity", func(f *fixture) domain.SaleRequest {
			return domain.SaleRequest{UserID: f.cashier.ID, Items: []domain.SaleItemRequest{line(f.meal.ID, f.meal.Name, 0, "50", "")}}
		}},
		{"zero price", func(f *fixture) domain.SaleRequest {
			return domain.SaleRequest{UserID: f.cashier.ID, Items: []domain.SaleItemRequest{line(f.meal.ID, f.meal.Name, 1, "0", "")}}
		}},
		{"subtotal mismatch", func(f *fixture) domain.SaleRequest {
			return domain.SaleRequest{UserID: f.cashier.ID, Items: []domain.SaleItemRequest{line(f.meal.ID, f.meal.Name, 2, "50", "90")}}
		}},
		{"sub-cent price", func(f *fixture) domain.SaleRequest {
			return domain.SaleRequest{UserID: f.cashier.ID, Items: []domain.SaleItemRequest{line(f.meal.ID, f.meal.Name, 1, "50.005", "")}}
		}},
		{"negative amount paid", func(f *fixture) domain.SaleRequest {
			return domain.SaleRequest{UserID: f.cashier.ID, Items: []domain.SaleItemRequest{line(f.meal.ID, f.meal.Name, 1, "50", "50")}, AmountPaid: money("-1")}
		}},
		{"missing product id", func(f *fixture) domain.SaleRequest {
			return domain.SaleRequest{UserID: f.cashier.ID, Items: []domain.SaleItemRequest{line(0, "Nameless", 1, "50", "50")}}
		}},
		{"missing product name", func(f *fixture) domain.SaleRequest {
			return domain.SaleRequest{UserID: f.cashier.ID, Items: []domain.SaleItemRequest{line(f.meal.ID, "  ", 1, "50", "50")}}
		}},
		{"no user and no actor", func(f *fixture) domain.SaleRequest {
			return domain.SaleRequest{Items: []domain.SaleItemRequest{line(f.meal.ID, f.meal.Name, 1, "50", "50")}}
		}},
		{"quantity beyond integer column", func(f *fixture) domain.SaleRequest {
			return domain.SaleRequest{UserID: f.cashier.ID, Items: []domain.SaleItemRequest{line(f.meal.ID, f.meal.Name, maxStockQuantity+1, "1", "")}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{AllowNegativeStock: true})
			_, err := f.svc.RecordSale(context.Background(), tt.req(f))
			require.Error(t, err)
			assert.True(t, errors.Is(err, store.ErrValidation), "got %v", err)
			assert.Empty(t, f.sales(t))
			assert.Equal(t, 10, f.stock(t, f.meal.ID))
		})
	}
}

func TestRecordSaleDerivesOmittedSubtotal(t *testing.T) {
	f := newFixture(t, Options{AllowNegativeStock: true})

	result, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
		UserID:     f.cashier.ID,
		Items:      []domain.SaleItemRequest{line(f.tea.ID, f.tea.Name, 2, "30", "")},
		AmountPaid: money("100"),
	})
	require.NoError(t, err)
	assert.True(t, result.TotalAmount.Equal(money("60")))
	assert.True(t, result.ChangeAmount.Equal(money("40")))
}

func TestRecordSaleFallsBackToAuthenticatedActor(t *testing.T) {
	f := newFixture(t, Options{AllowNegativeStock: true})
	ctx := WithActor(context.Background(), domain.Actor{UserID: f.cashier.ID, Username: f.cashier.Username, Role: f.cashier.Role})

	result, err := f.svc.RecordSale(ctx, domain.SaleRequest{
		Items:      []domain.SaleItemRequest{line(f.meal.ID, f.meal.Name, 1, "50", "50")},
		AmountPaid: money("50"),
	})
	require.NoError(t, err)

	detail, err := f.svc.GetSale(ctx, result.SaleID)
	require.NoError(t, err)
	assert.Equal(t, f.cashier.ID, detail.Sale.UserID)
	assert.Equal(t, "cash", detail.Sale.PaymentMethod)
}

func TestRecordSaleRecordsUnderpaymentAsNegativeChange(t *testing.T) {
	f := newFixture(t, Options{AllowNegativeStock: true})

	result, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
		UserID: f.cashier.ID,
		Items: []domain.SaleItemRequest{
			line(f.meal.ID, f.meal.Name, 2, "50", "100"),
			line(f.tea.ID, f.tea.Name, 1, "30", "30"),
		},
		AmountPaid: money("100"),
	})
	require.NoError(t, err)
	assert.True(t, result.ChangeAmount.Equal(money("-30")), "change %s", result.ChangeAmount)
}

func TestRecordSaleNegativeStockPolicy(t *testing.T) {
	req := func(f *fixture) domain.SaleRequest {
		return domain.SaleRequest{
			UserID: f.cashier.ID,
			Items: []domain.SaleItemRequest{
				line(f.meal.ID, f.meal.Name, 1, "50", "50"),
				line(f.tea.ID, f.tea.Name, 4, "30", "120"),
			},
			AmountPaid: money("170"),
		}
	}

	t.Run("allowed", func(t *testing.T) {
		f := newFixture(t, Options{AllowNegativeStock: true})
		_, err := f.svc.RecordSale(context.Background(), req(f))
		require.NoError(t, err)
		assert.Equal(t, -1, f.stock(t, f.tea.ID))
	})

	t.Run("rejected", func(t *testing.T) {
		f := newFixture(t, Options{AllowNegativeStock: false})
		_, err := f.svc.RecordSale(context.Background(), req(f))
		require.Error(t, err)
		assert.True(t, errors.Is(err, store.ErrInsufficientStock))
		assert.True(t, errors.Is(err, store.ErrValidation))
		assert.Equal(t, 3, f.stock(t, f.tea.ID))
		assert.Equal(t, 10, f.stock(t, f.meal.ID))
		assert.Empty(t, f.sales(t))
		assert.Empty(t, f.logs(t))
	})
}

func TestRecordSaleStorageFaultRollsBackEverything(t *testing.T) {
	repo := memory.New()
	f := newFixtureWithRepo(t, repo, &faultyRepo{Store: repo, failOnLog: 2}, Options{AllowNegativeStock: true})
	meal, tea := f.meal, f.tea

	_, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
		UserID: f.cashier.ID,
		Items: []domain.SaleItemRequest{
			line(meal.ID, meal.Name, 2, "50", "100"),
			line(tea.ID, tea.Name, 1, "30", "30"),
		},
		AmountPaid: money("130"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrStorage))
	assert.False(t, errors.Is(err, store.ErrValidation))

	assert.Equal(t, 10, f.stock(t, meal.ID))
	assert.Equal(t, 3, f.stock(t, tea.ID))
	assert.Empty(t, f.sales(t))
	assert.Empty(t, f.logs(t))
}

func TestRecordSaleCancelledContextPersistsNothing(t *testing.T) {
	f := newFixture(t, Options{AllowNegativeStock: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.RecordSale(ctx, domain.SaleRequest{
		UserID:     f.cashier.ID,
		Items:      []domain.SaleItemRequest{line(f.meal.ID, f.meal.Name, 1, "50", "50")},
		AmountPaid: money("50"),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrStorage))
	assert.Empty(t, f.sales(t))
	assert.Equal(t, 10, f.stock(t, f.meal.ID))
}

func TestConcurrentSalesKeepLogsConsistent(t *testing.T) {
	f := newFixture(t, Options{AllowNegativeStock: true})
	const workers = 20

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RecordSale(context.Background(), domain.SaleRequest{
				UserID:     f.cashier.ID,
				Items:      []domain.SaleItemRequest{line(f.meal.ID, f.meal.Name, 1, "50", "50")},
				AmountPaid: money("50"),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 10-workers, f.stock(t, f.meal.ID))
	logs := f.logs(t)
	require.Len(t, logs, workers)

	seenBefore := make(map[int]bool, workers)
	for _, entry := range logs {
		assert.Equal(t, entry.QuantityBefore-1, entry.QuantityAfter)
		assert.False(t, seenBefore[entry.QuantityBefore], "before value %d seen twice", entry.QuantityBefore)
		seenBefore[entry.QuantityBefore] = true
	}
}

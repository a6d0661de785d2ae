package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"canteenpos/internal/domain"
	"canteenpos/internal/events"
	"canteenpos/internal/store"
	"canteenpos/internal/store/memory"
)

type fixture struct {
	svc       *Service
	repo      *memory.Store
	cashier   domain.User
	meal      domain.Product
	tea       domain.Product
	published *recordingPublisher
	dashboard *recordingCache
}

// newFixture seeds one cashier, a meal (id 1, price 50, stock 10) and an
// iced tea (id 2, price 30, stock 3).
func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	repo := memory.New()
	return newFixtureWithRepo(t, repo, repo, opts)
}

func newFixtureWithRepo(t *testing.T, repo *memory.Store, wrapped store.Repository, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()

	cashier := repo.AddUser(domain.User{Username: "cashier1", Password: "x", FullName: "Cashier One", Role: domain.RoleCashier, IsActive: true})
	meal, err := repo.CreateProduct(ctx, domain.Product{Name: "Chicken Adobo Meal", Category: "meals", Price: decimal.NewFromInt(50), Cost: decimal.NewFromInt(30), StockQuantity: 10, ReorderLevel: 5})
	require.NoError(t, err)
	tea, err := repo.CreateProduct(ctx, domain.Product{Name: "Iced Tea", Category: "drinks", Price: decimal.NewFromInt(30), Cost: decimal.NewFromInt(10), StockQuantity: 3, ReorderLevel: 5})
	require.NoError(t, err)

	published := &recordingPublisher{}
	dashboard := newRecordingCache()
	svc := New(wrapped, dashboard, published, zerolog.Nop(), opts)

	return &fixture{
		svc:       svc,
		repo:      repo,
		cashier:   cashier,
		meal:      *meal,
		tea:       *tea,
		published: published,
		dashboard: dashboard,
	}
}

func (f *fixture) stock(t *testing.T, productID int64) int {
	t.Helper()
	p, err := f.repo.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.StockQuantity
}

func (f *fixture) logs(t *testing.T) []domain.InventoryLog {
	t.Helper()
	logs, err := f.repo.ListInventoryLogs(context.Background(), 500)
	require.NoError(t, err)
	return logs
}

func (f *fixture) sales(t *testing.T) []domain.Sale {
	t.Helper()
	sales, err := f.repo.ListSales(context.Background(), domain.SalesFilter{})
	require.NoError(t, err)
	return sales
}

func line(productID int64, name string, qty int, price string, subtotal string) domain.SaleItemRequest {
	item := domain.SaleItemRequest{
		ProductID:   productID,
		ProductName: name,
		Quantity:    qty,
		Price:       decimal.RequireFromString(price),
	}
	if subtotal != "" {
		item.Subtotal = decimal.RequireFromString(subtotal)
	}
	return item
}

func money(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type recordingPublisher struct {
	mu     sync.Mutex
	keys   []string
	events []events.Envelope
}

func (p *recordingPublisher) Publish(_ context.Context, key string, event events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) snapshot() []events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Envelope(nil), p.events...)
}

type recordingCache struct {
	mu            sync.Mutex
	entries       map[string]domain.Dashboard
	sets          int
	invalidations int
}

func newRecordingCache() *recordingCache {
	return &recordingCache{entries: make(map[string]domain.Dashboard)}
}

func (c *recordingCache) Get(_ context.Context, key string) (*domain.Dashboard, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dash, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return &dash, true, nil
}

func (c *recordingCache) Set(_ context.Context, key string, value *domain.Dashboard, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = *value
	c.sets++
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.invalidations++
	return nil
}

// faultyRepo fails the n-th inventory log append inside a unit of work
// with a storage error.
type faultyRepo struct {
	*memory.Store
	failOnLog int
}

func (r *faultyRepo) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.Store.WithinTx(ctx, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, failOnLog: r.failOnLog})
	})
}

type faultyTx struct {
	store.Tx
	failOnLog int
	logs      int
}

func (t *faultyTx) AppendInventoryLog(ctx context.Context, entry domain.InventoryLog) (domain.InventoryLog, error) {
	t.logs++
	if t.logs == t.failOnLog {
		return domain.InventoryLog{}, store.Storage("append inventory log", errors.New("connection reset by peer"))
	}
	return t.Tx.AppendInventoryLog(ctx, entry)
}

// interleavedDashboardRepo runs onDashboard once, after the dashboard rows
// are read and before the service gets them back.
type interleavedDashboardRepo struct {
	*memory.Store
	onDashboard func()
}

func (r *interleavedDashboardRepo) Dashboard(ctx context.Context, q domain.DashboardQuery) (domain.Dashboard, error) {
	dash, err := r.Store.Dashboard(ctx, q)
	if hook := r.onDashboard; hook != nil {
		r.onDashboard = nil
		hook()
	}
	return dash, err
}

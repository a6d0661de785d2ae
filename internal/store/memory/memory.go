package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"canteenpos/internal/domain"
	"canteenpos/internal/store"
)

// Store is an in-process repository used for local runs and tests. A single
// mutex serialises every unit of work, so WithinTx behaves like a
// serializable transaction.
type Store struct {
	mu            sync.RWMutex
	products      map[int64]domain.Product
	users         map[int64]domain.User
	sales         []domain.Sale
	saleItems     []domain.SaleItem
	inventoryLogs []domain.InventoryLog
	ids           sequences
	now           func() time.Time
}

type sequences struct {
	product   int64
	sale      int64
	saleItem  int64
	inventory int64
	user      int64
}

// snapshot holds the mutable state a unit of work can touch.
type snapshot struct {
	stock         map[int64]int
	updatedAt     map[int64]time.Time
	sales         int
	saleItems     int
	inventoryLogs int
	ids           sequences
}

func New() *Store {
	return &Store{
		products:      make(map[int64]domain.Product),
		users:         make(map[int64]domain.User),
		sales:         make([]domain.Sale, 0, 64),
		saleItems:     make([]domain.SaleItem, 0, 128),
		inventoryLogs: make([]domain.InventoryLog, 0, 128),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// NewSeeded returns a store with the default staff accounts and a small
// canteen menu. Passwords come from SEED_PASSWORD, falling back to a dev
// default with a warning.
func NewSeeded() *Store {
	s := New()

	password := os.Getenv("SEED_PASSWORD")
	if password == "" {
		password = "password123"
		log.Warn().Str("component", "memory-store").Msg("using default dev credentials; set SEED_PASSWORD to override")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatal().Err(err).Str("component", "memory-store").Msg("failed to hash seed password")
	}

	for _, u := range []struct {
		username string
		fullName string
		role     string
	}{
		{"owner", "Canteen Owner", domain.RoleOwner},
		{"manager", "Canteen Manager", domain.RoleManager},
		{"cashier1", "Cashier One", domain.RoleCashier},
	} {
		s.AddUser(domain.User{
			Username: u.username,
			Password: string(hash),
			FullName: u.fullName,
			Role:     u.role,
			IsActive: true,
		})
	}

	nextWeek := s.now().AddDate(0, 0, 5)
	expiry := time.Date(nextWeek.Year(), nextWeek.Month(), nextWeek.Day(), 0, 0, 0, 0, time.UTC)
	for _, p := range []domain.Product{
		{Name: "Chicken Adobo Meal", Category: "meals", Price: decimal.NewFromInt(50), Cost: decimal.NewFromInt(32), StockQuantity: 40, ReorderLevel: 10},
		{Name: "Iced Tea", Category: "drinks", Price: decimal.NewFromInt(30), Cost: decimal.NewFromInt(12), StockQuantity: 60, ReorderLevel: 15},
		{Name: "Pork Siomai (4 pcs)", Category: "snacks", Price: decimal.NewFromInt(25), Cost: decimal.NewFromInt(14), StockQuantity: 50, ReorderLevel: 10},
		{Name: "Bottled Water", Category: "drinks", Price: decimal.NewFromInt(20), Cost: decimal.NewFromInt(9), StockQuantity: 80, ReorderLevel: 20},
		{Name: "Banana Cue", Category: "snacks", Price: decimal.NewFromInt(15), Cost: decimal.NewFromInt(7), StockQuantity: 4, ReorderLevel: 10},
		{Name: "Ensaymada", Category: "bakery", Price: decimal.RequireFromString("22.50"), Cost: decimal.NewFromInt(12), StockQuantity: 24, ReorderLevel: 6, ExpiryDate: &expiry},
	} {
		if _, err := s.CreateProduct(context.Background(), p); err != nil {
			log.Fatal().Err(err).Str("component", "memory-store").Msg("failed to seed product")
		}
	}

	return s
}

// AddUser inserts a staff account directly; the store has no user CRUD.
func (s *Store) AddUser(user domain.User) domain.User {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ids.user++
	user.ID = s.ids.user
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.users[user.ID] = user
	return user
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return store.Storage("begin transaction", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Restore on every path except commit, including a panic inside fn.
	snap := s.snapshot()
	committed := false
	defer func() {
		if !committed {
			s.restore(snap)
		}
	}()

	if err := fn(&memTx{s: s}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return store.Storage("commit transaction", err)
	}
	committed = true
	return nil
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		stock:         make(map[int64]int, len(s.products)),
		updatedAt:     make(map[int64]time.Time, len(s.products)),
		sales:         len(s.sales),
		saleItems:     len(s.saleItems),
		inventoryLogs: len(s.inventoryLogs),
		ids:           s.ids,
	}
	for id, p := range s.products {
		snap.stock[id] = p.StockQuantity
		snap.updatedAt[id] = p.UpdatedAt
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	for id, qty := range snap.stock {
		p := s.products[id]
		p.StockQuantity = qty
		p.UpdatedAt = snap.updatedAt[id]
		s.products[id] = p
	}
	s.sales = s.sales[:snap.sales]
	s.saleItems = s.saleItems[:snap.saleItems]
	s.inventoryLogs = s.inventoryLogs[:snap.inventoryLogs]
	s.ids = snap.ids
}

type memTx struct {
	s *Store
}

func (t *memTx) InsertSale(ctx context.Context, sale domain.Sale) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.Storage("insert sale", err)
	}
	if _, ok := t.s.users[sale.UserID]; !ok {
		return 0, store.UnknownUser(sale.UserID)
	}
	t.s.ids.sale++
	sale.ID = t.s.ids.sale
	if sale.TransactionDate.IsZero() {
		sale.TransactionDate = t.s.now()
	}
	sale.CashierName = ""
	t.s.sales = append(t.s.sales, sale)
	return sale.ID, nil
}

func (t *memTx) InsertSaleItem(ctx context.Context, item domain.SaleItem) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, store.Storage("insert sale item", err)
	}
	if _, ok := t.s.products[item.ProductID]; !ok {
		return 0, store.ProductNotFound(item.ProductID)
	}
	if item.Quantity < 1 {
		return 0, store.Invalid("quantity must be positive")
	}
	t.s.ids.saleItem++
	item.ID = t.s.ids.saleItem
	t.s.saleItems = append(t.s.saleItems, item)
	return item.ID, nil
}

func (t *memTx) ApplyStockDelta(ctx context.Context, productID int64, delta int) (domain.StockChange, error) {
	if err := ctx.Err(); err != nil {
		return domain.StockChange{}, store.Storage("apply stock delta", err)
	}
	p, ok := t.s.products[productID]
	if !ok {
		return domain.StockChange{}, store.ProductNotFound(productID)
	}
	change := domain.StockChange{Before: p.StockQuantity, After: p.StockQuantity + delta}
	p.StockQuantity = change.After
	p.UpdatedAt = t.s.now()
	t.s.products[productID] = p
	return change, nil
}

func (t *memTx) AppendInventoryLog(ctx context.Context, entry domain.InventoryLog) (domain.InventoryLog, error) {
	if err := ctx.Err(); err != nil {
		return domain.InventoryLog{}, store.Storage("append inventory log", err)
	}
	if entry.QuantityAfter != entry.QuantityBefore+entry.QuantityChanged {
		return domain.InventoryLog{}, store.Invalid("inventory log snapshot does not add up")
	}
	if _, ok := t.s.products[entry.ProductID]; !ok {
		return domain.InventoryLog{}, store.ProductNotFound(entry.ProductID)
	}
	if _, ok := t.s.users[entry.UserID]; !ok {
		return domain.InventoryLog{}, store.UnknownUser(entry.UserID)
	}
	t.s.ids.inventory++
	entry.ID = t.s.ids.inventory
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.s.now()
	}
	entry.ProductName = ""
	entry.UserName = ""
	t.s.inventoryLogs = append(t.s.inventoryLogs, entry)
	return entry, nil
}

func (s *Store) ListProducts(_ context.Context, category string) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	category = strings.TrimSpace(category)
	products := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		if !p.IsActive {
			continue
		}
		if category != "" && !strings.EqualFold(p.Category, category) {
			continue
		}
		products = append(products, cloneProduct(p))
	}

	slices.SortFunc(products, compareProducts)
	return products, nil
}

func (s *Store) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	dup := cloneProduct(p)
	return &dup, nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ids.product++
	now := s.now()
	product.ID = s.ids.product
	product.IsActive = true
	product.CreatedAt = now
	product.UpdatedAt = now
	s.products[product.ID] = cloneProduct(product)

	created := cloneProduct(product)
	return &created, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[product.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	existing.Name = product.Name
	existing.Category = product.Category
	existing.Price = product.Price
	existing.Cost = product.Cost
	existing.ReorderLevel = product.ReorderLevel
	existing.ExpiryDate = product.ExpiryDate
	existing.UpdatedAt = s.now()
	s.products[product.ID] = cloneProduct(existing)

	updated := cloneProduct(existing)
	return &updated, nil
}

func (s *Store) DeactivateProduct(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return store.ErrNotFound
	}
	p.IsActive = false
	p.UpdatedAt = s.now()
	s.products[id] = p
	return nil
}

func (s *Store) ListSales(_ context.Context, filter domain.SalesFilter) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0, len(s.sales))
	for _, sale := range s.sales {
		if filter.From != nil && sale.TransactionDate.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !sale.TransactionDate.Before(*filter.To) {
			continue
		}
		sale.CashierName = s.users[sale.UserID].FullName
		result = append(result, sale)
	}

	slices.SortFunc(result, func(a, b domain.Sale) int {
		if a.TransactionDate.Equal(b.TransactionDate) {
			return cmpInt64(b.ID, a.ID)
		}
		if a.TransactionDate.After(b.TransactionDate) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) GetSale(_ context.Context, id int64) (*domain.SaleDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sale := range s.sales {
		if sale.ID != id {
			continue
		}
		sale.CashierName = s.users[sale.UserID].FullName
		detail := &domain.SaleDetail{Sale: sale, Items: make([]domain.SaleItem, 0, 4)}
		for _, item := range s.saleItems {
			if item.SaleID == id {
				detail.Items = append(detail.Items, item)
			}
		}
		return detail, nil
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListInventoryLogs(_ context.Context, limit int) ([]domain.InventoryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 100
	}
	result := make([]domain.InventoryLog, 0, min(limit, len(s.inventoryLogs)))
	for i := len(s.inventoryLogs) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.inventoryLogs[i]
		entry.ProductName = s.products[entry.ProductID].Name
		entry.UserName = s.users[entry.UserID].FullName
		result = append(result, entry)
	}
	return result, nil
}

func (s *Store) Dashboard(_ context.Context, q domain.DashboardQuery) (domain.Dashboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dash := domain.Dashboard{
		TodaySales:   decimal.Zero,
		LowStock:     make([]domain.Product, 0),
		ExpiringSoon: make([]domain.Product, 0),
		Expired:      make([]domain.Product, 0),
		BestSelling:  make([]domain.BestSeller, 0),
	}

	saleDates := make(map[int64]time.Time, len(s.sales))
	for _, sale := range s.sales {
		saleDates[sale.ID] = sale.TransactionDate
		if sale.TransactionDate.Before(q.DayStart) || !sale.TransactionDate.Before(q.DayEnd) {
			continue
		}
		dash.TodaySales = dash.TodaySales.Add(sale.TotalAmount)
		dash.TodayTransactions++
	}

	for _, p := range s.products {
		if !p.IsActive {
			continue
		}
		if p.StockQuantity <= q.LowStockThreshold {
			dash.LowStock = append(dash.LowStock, cloneProduct(p))
		}
		if p.ExpiryDate == nil {
			continue
		}
		expiry := *p.ExpiryDate
		switch {
		case expiry.Before(q.DayStart):
			dash.Expired = append(dash.Expired, cloneProduct(p))
		case !expiry.After(q.ExpiryHorizon):
			dash.ExpiringSoon = append(dash.ExpiringSoon, cloneProduct(p))
		}
	}
	slices.SortFunc(dash.LowStock, compareProducts)
	slices.SortFunc(dash.ExpiringSoon, compareProducts)
	slices.SortFunc(dash.Expired, compareProducts)

	byProduct := make(map[int64]*domain.BestSeller)
	for _, item := range s.saleItems {
		if saleDates[item.SaleID].Before(q.BestSellerSince) {
			continue
		}
		seller := byProduct[item.ProductID]
		if seller == nil {
			seller = &domain.BestSeller{ProductID: item.ProductID, ProductName: item.ProductName, TotalRevenue: decimal.Zero}
			byProduct[item.ProductID] = seller
		}
		seller.TotalSold += item.Quantity
		seller.TotalRevenue = seller.TotalRevenue.Add(item.Subtotal)
	}
	for _, seller := range byProduct {
		dash.BestSelling = append(dash.BestSelling, *seller)
	}
	slices.SortFunc(dash.BestSelling, func(a, b domain.BestSeller) int {
		if a.TotalSold != b.TotalSold {
			return b.TotalSold - a.TotalSold
		}
		return cmpInt64(a.ProductID, b.ProductID)
	})
	if q.BestSellerLimit > 0 && len(dash.BestSelling) > q.BestSellerLimit {
		dash.BestSelling = dash.BestSelling[:q.BestSellerLimit]
	}

	return dash, nil
}

func (s *Store) SalesReport(_ context.Context, from time.Time, to time.Time, groupBy string) ([]domain.SalesReportRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byPeriod := make(map[string]*domain.SalesReportRow)
	for _, sale := range s.sales {
		if sale.TransactionDate.Before(from) || !sale.TransactionDate.Before(to) {
			continue
		}
		period := store.ReportPeriod(sale.TransactionDate, groupBy)
		row := byPeriod[period]
		if row == nil {
			row = &domain.SalesReportRow{Period: period, TotalSales: decimal.Zero}
			byPeriod[period] = row
		}
		row.TotalTransactions++
		row.TotalSales = row.TotalSales.Add(sale.TotalAmount)
	}

	report := make([]domain.SalesReportRow, 0, len(byPeriod))
	for _, row := range byPeriod {
		row.AvgSale = row.TotalSales.Div(decimal.NewFromInt(row.TotalTransactions)).Round(2)
		report = append(report, *row)
	}
	slices.SortFunc(report, func(a, b domain.SalesReportRow) int {
		return strings.Compare(a.Period, b.Period)
	})
	return report, nil
}

func (s *Store) FindUserByUsername(_ context.Context, username string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	username = strings.ToLower(strings.TrimSpace(username))
	for _, user := range s.users {
		if user.Username == username {
			dup := user
			return &dup, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) UpdateUserPassword(_ context.Context, userID int64, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(password) == "" {
		return store.Invalid("password is required")
	}
	user, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[userID] = user
	return nil
}

func compareProducts(a, b domain.Product) int {
	if c := strings.Compare(a.Category, b.Category); c != 0 {
		return c
	}
	if c := strings.Compare(a.Name, b.Name); c != 0 {
		return c
	}
	return cmpInt64(a.ID, b.ID)
}

func cmpInt64(a int64, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cloneProduct(src domain.Product) domain.Product {
	dup := src
	if src.ExpiryDate != nil {
		expiry := src.ExpiryDate.UTC()
		dup.ExpiryDate = &expiry
	}
	return dup
}

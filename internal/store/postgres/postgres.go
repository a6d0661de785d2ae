package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"canteenpos/internal/domain"
	"canteenpos/internal/store"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool *pgxpool.Pool
}

// New opens a connection pool, registers the NUMERIC codec on every
// connection and checks the database is reachable.
func New(ctx context.Context, databaseURL string, maxConns int32) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates any missing tables and indexes. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return store.Storage("apply schema", err)
	}
	return nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return store.Storage("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return store.Storage("commit transaction", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO sales (user_id, total_amount, payment_method, amount_paid, change_amount, transaction_date)
		VALUES ($1,$2,$3,$4,$5,COALESCE($6::timestamptz, now()))
		RETURNING id
	`, sale.UserID, sale.TotalAmount, sale.PaymentMethod, sale.AmountPaid, sale.ChangeAmount, nullTime(sale.TransactionDate)).Scan(&id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, store.UnknownUser(sale.UserID)
		}
		return 0, store.Storage("insert sale", err)
	}
	return id, nil
}

func (t *pgTx) InsertSaleItem(ctx context.Context, item domain.SaleItem) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO sale_items (sale_id, product_id, product_name, quantity, price, subtotal)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, item.SaleID, item.ProductID, item.ProductName, item.Quantity, item.Price, item.Subtotal).Scan(&id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return 0, store.ProductNotFound(item.ProductID)
		}
		if isCheckViolation(err) {
			return 0, store.Invalid("quantity must be positive")
		}
		return 0, store.Storage("insert sale item", err)
	}
	return id, nil
}

// ApplyStockDelta relies on the row lock taken by UPDATE, so concurrent
// sales of the same product serialise here and each sees its own before
// and after.
func (t *pgTx) ApplyStockDelta(ctx context.Context, productID int64, delta int) (domain.StockChange, error) {
	var after int
	err := t.tx.QueryRow(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $1, updated_at = now()
		WHERE id = $2
		RETURNING stock_quantity
	`, delta, productID).Scan(&after)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StockChange{}, store.ProductNotFound(productID)
		}
		if isOutOfRange(err) {
			return domain.StockChange{}, store.Invalid("stock for product %d would leave the supported range", productID)
		}
		return domain.StockChange{}, store.Storage("apply stock delta", err)
	}
	return domain.StockChange{Before: after - delta, After: after}, nil
}

func (t *pgTx) AppendInventoryLog(ctx context.Context, entry domain.InventoryLog) (domain.InventoryLog, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO inventory_logs (product_id, action_type, quantity_changed, quantity_before, quantity_after, user_id, notes)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, created_at
	`, entry.ProductID, entry.ActionType, entry.QuantityChanged, entry.QuantityBefore, entry.QuantityAfter, entry.UserID, entry.Notes).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == "23503" && pgErr.ConstraintName == "inventory_logs_user_fk":
				return domain.InventoryLog{}, store.UnknownUser(entry.UserID)
			case pgErr.Code == "23503":
				return domain.InventoryLog{}, store.ProductNotFound(entry.ProductID)
			case pgErr.Code == "23514":
				return domain.InventoryLog{}, store.Invalid("inventory log snapshot does not add up")
			}
		}
		return domain.InventoryLog{}, store.Storage("append inventory log", err)
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

const productColumns = `id, name, category, price, cost, stock_quantity, reorder_level, expiry_date, is_active, created_at, updated_at`

func (s *Store) ListProducts(ctx context.Context, category string) ([]domain.Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active = true AND ($1 = '' OR lower(category) = lower($1))
		ORDER BY category, name, id
	`, strings.TrimSpace(category))
	if err != nil {
		return nil, store.Storage("list products", err)
	}
	return collectProducts(rows, "list products")
}

func (s *Store) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	product, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Storage("get product", err)
	}
	return &product, nil
}

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO products (name, category, price, cost, stock_quantity, reorder_level, expiry_date)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING `+productColumns,
		product.Name, product.Category, product.Price, product.Cost, product.StockQuantity, product.ReorderLevel, nullDate(product.ExpiryDate))
	created, err := scanProduct(row)
	if err != nil {
		if isCheckViolation(err) {
			return nil, store.Invalid("product violates catalog constraints")
		}
		return nil, store.Storage("create product", err)
	}
	return &created, nil
}

// UpdateProduct edits catalog fields only. stock_quantity is owned by the
// sale and adjustment flows.
func (s *Store) UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE products
		SET name = $2, category = $3, price = $4, cost = $5, reorder_level = $6, expiry_date = $7, updated_at = now()
		WHERE id = $1
		RETURNING `+productColumns,
		product.ID, product.Name, product.Category, product.Price, product.Cost, product.ReorderLevel, nullDate(product.ExpiryDate))
	updated, err := scanProduct(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		if isCheckViolation(err) {
			return nil, store.Invalid("product violates catalog constraints")
		}
		return nil, store.Storage("update product", err)
	}
	return &updated, nil
}

func (s *Store) DeactivateProduct(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `UPDATE products SET is_active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return store.Storage("deactivate product", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SalesFilter) ([]domain.Sale, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT s.id, s.user_id, COALESCE(u.full_name, ''), s.total_amount, s.payment_method,
			s.amount_paid, s.change_amount, s.transaction_date
		FROM sales s
		LEFT JOIN users u ON u.id = s.user_id
		WHERE ($1::timestamptz IS NULL OR s.transaction_date >= $1)
			AND ($2::timestamptz IS NULL OR s.transaction_date < $2)
		ORDER BY s.transaction_date DESC, s.id DESC
	`, filter.From, filter.To)
	if err != nil {
		return nil, store.Storage("list sales", err)
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 64)
	for rows.Next() {
		var sale domain.Sale
		if err := rows.Scan(&sale.ID, &sale.UserID, &sale.CashierName, &sale.TotalAmount, &sale.PaymentMethod, &sale.AmountPaid, &sale.ChangeAmount, &sale.TransactionDate); err != nil {
			return nil, store.Storage("list sales", err)
		}
		sale.TransactionDate = sale.TransactionDate.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("list sales", err)
	}
	return sales, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.SaleDetail, error) {
	var detail domain.SaleDetail
	sale := &detail.Sale
	err := s.pool.QueryRow(ctx, `
		SELECT s.id, s.user_id, COALESCE(u.full_name, ''), s.total_amount, s.payment_method,
			s.amount_paid, s.change_amount, s.transaction_date
		FROM sales s
		LEFT JOIN users u ON u.id = s.user_id
		WHERE s.id = $1
	`, id).Scan(&sale.ID, &sale.UserID, &sale.CashierName, &sale.TotalAmount, &sale.PaymentMethod, &sale.AmountPaid, &sale.ChangeAmount, &sale.TransactionDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Storage("get sale", err)
	}
	sale.TransactionDate = sale.TransactionDate.UTC()

	rows, err := s.pool.Query(ctx, `
		SELECT id, sale_id, product_id, product_name, quantity, price, subtotal
		FROM sale_items
		WHERE sale_id = $1
		ORDER BY id ASC
	`, id)
	if err != nil {
		return nil, store.Storage("get sale items", err)
	}
	defer rows.Close()

	detail.Items = make([]domain.SaleItem, 0, 8)
	for rows.Next() {
		var item domain.SaleItem
		if err := rows.Scan(&item.ID, &item.SaleID, &item.ProductID, &item.ProductName, &item.Quantity, &item.Price, &item.Subtotal); err != nil {
			return nil, store.Storage("get sale items", err)
		}
		detail.Items = append(detail.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("get sale items", err)
	}
	return &detail, nil
}

func (s *Store) ListInventoryLogs(ctx context.Context, limit int) ([]domain.InventoryLog, error) {
	if limit < 1 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT l.id, l.product_id, COALESCE(p.name, ''), l.action_type, l.quantity_changed,
			l.quantity_before, l.quantity_after, l.user_id, COALESCE(u.full_name, ''), l.notes, l.created_at
		FROM inventory_logs l
		LEFT JOIN products p ON p.id = l.product_id
		LEFT JOIN users u ON u.id = l.user_id
		ORDER BY l.created_at DESC, l.id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, store.Storage("list inventory logs", err)
	}
	defer rows.Close()

	logs := make([]domain.InventoryLog, 0, limit)
	for rows.Next() {
		var entry domain.InventoryLog
		if err := rows.Scan(&entry.ID, &entry.ProductID, &entry.ProductName, &entry.ActionType, &entry.QuantityChanged,
			&entry.QuantityBefore, &entry.QuantityAfter, &entry.UserID, &entry.UserName, &entry.Notes, &entry.CreatedAt); err != nil {
			return nil, store.Storage("list inventory logs", err)
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("list inventory logs", err)
	}
	return logs, nil
}

func (s *Store) Dashboard(ctx context.Context, q domain.DashboardQuery) (domain.Dashboard, error) {
	var dash domain.Dashboard

	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_amount), 0), COUNT(*)::bigint
		FROM sales
		WHERE transaction_date >= $1 AND transaction_date < $2
	`, q.DayStart, q.DayEnd).Scan(&dash.TodaySales, &dash.TodayTransactions)
	if err != nil {
		return dash, store.Storage("dashboard totals", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active = true AND stock_quantity <= $1
		ORDER BY category, name, id
	`, q.LowStockThreshold)
	if err != nil {
		return dash, store.Storage("dashboard low stock", err)
	}
	if dash.LowStock, err = collectProducts(rows, "dashboard low stock"); err != nil {
		return dash, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active = true AND expiry_date >= $1::date AND expiry_date <= $2::date
		ORDER BY category, name, id
	`, dateUTC(q.DayStart), dateUTC(q.ExpiryHorizon))
	if err != nil {
		return dash, store.Storage("dashboard expiring", err)
	}
	if dash.ExpiringSoon, err = collectProducts(rows, "dashboard expiring"); err != nil {
		return dash, err
	}

	rows, err = s.pool.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE is_active = true AND expiry_date < $1::date
		ORDER BY category, name, id
	`, dateUTC(q.DayStart))
	if err != nil {
		return dash, store.Storage("dashboard expired", err)
	}
	if dash.Expired, err = collectProducts(rows, "dashboard expired"); err != nil {
		return dash, err
	}

	sellerRows, err := s.pool.Query(ctx, `
		SELECT si.product_id, MIN(si.product_name), SUM(si.quantity)::int, SUM(si.subtotal)
		FROM sale_items si
		JOIN sales s ON s.id = si.sale_id
		WHERE s.transaction_date >= $1
		GROUP BY si.product_id
		ORDER BY SUM(si.quantity) DESC, si.product_id ASC
		LIMIT $2
	`, q.BestSellerSince, q.BestSellerLimit)
	if err != nil {
		return dash, store.Storage("dashboard best sellers", err)
	}
	defer sellerRows.Close()

	dash.BestSelling = make([]domain.BestSeller, 0, q.BestSellerLimit)
	for sellerRows.Next() {
		var seller domain.BestSeller
		if err := sellerRows.Scan(&seller.ProductID, &seller.ProductName, &seller.TotalSold, &seller.TotalRevenue); err != nil {
			return dash, store.Storage("dashboard best sellers", err)
		}
		dash.BestSelling = append(dash.BestSelling, seller)
	}
	if err := sellerRows.Err(); err != nil {
		return dash, store.Storage("dashboard best sellers", err)
	}

	return dash, nil
}

// periodFormats mirrors store.ReportPeriod in to_char patterns.
var periodFormats = map[string]string{
	domain.ReportGroupDay:   `YYYY-MM-DD`,
	domain.ReportGroupWeek:  `IYYY-"W"IW`,
	domain.ReportGroupMonth: `YYYY-MM`,
}

func (s *Store) SalesReport(ctx context.Context, from time.Time, to time.Time, groupBy string) ([]domain.SalesReportRow, error) {
	format, ok := periodFormats[groupBy]
	if !ok {
		format = periodFormats[domain.ReportGroupDay]
	}

	rows, err := s.pool.Query(ctx, `
		SELECT to_char(transaction_date AT TIME ZONE 'UTC', $3) AS period,
			COUNT(*)::bigint, SUM(total_amount), ROUND(AVG(total_amount), 2)
		FROM sales
		WHERE transaction_date >= $1 AND transaction_date < $2
		GROUP BY period
		ORDER BY period ASC
	`, from, to, format)
	if err != nil {
		return nil, store.Storage("sales report", err)
	}
	defer rows.Close()

	report := make([]domain.SalesReportRow, 0, 31)
	for rows.Next() {
		var row domain.SalesReportRow
		if err := rows.Scan(&row.Period, &row.TotalTransactions, &row.TotalSales, &row.AvgSale); err != nil {
			return nil, store.Storage("sales report", err)
		}
		report = append(report, row)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage("sales report", err)
	}
	return report, nil
}

func (s *Store) FindUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	var user domain.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, password, full_name, role, is_active, created_at
		FROM users
		WHERE username = $1
	`, strings.ToLower(strings.TrimSpace(username))).Scan(&user.ID, &user.Username, &user.Password, &user.FullName, &user.Role, &user.IsActive, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Storage("find user", err)
	}
	user.CreatedAt = user.CreatedAt.UTC()
	return &user, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, userID int64, password string) error {
	if strings.TrimSpace(password) == "" {
		return store.Invalid("password is required")
	}
	tag, err := s.pool.Exec(ctx, `UPDATE users SET password = $2 WHERE id = $1`, userID, password)
	if err != nil {
		return store.Storage("update user password", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanProduct(row pgx.Row) (domain.Product, error) {
	var p domain.Product
	var expiry *time.Time
	if err := row.Scan(&p.ID, &p.Name, &p.Category, &p.Price, &p.Cost, &p.StockQuantity, &p.ReorderLevel, &expiry, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return p, err
	}
	if expiry != nil {
		e := dateUTC(*expiry)
		p.ExpiryDate = &e
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func collectProducts(rows pgx.Rows, op string) ([]domain.Product, error) {
	defer rows.Close()

	products := make([]domain.Product, 0, 32)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, store.Storage(op, err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Storage(op, err)
	}
	return products, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}

func isOutOfRange(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "22003"
	}
	return false
}

func dateUTC(t time.Time) time.Time {
	return time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
}

func nullDate(val *time.Time) any {
	if val == nil {
		return nil
	}
	return dateUTC(*val)
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}

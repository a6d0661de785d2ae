package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Money is rendered as a JSON number, matching what the POS frontend sends.
	decimal.MarshalJSONWithoutQuotes = true
}

type Product struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	Price         decimal.Decimal `json:"price"`
	Cost          decimal.Decimal `json:"cost"`
	StockQuantity int             `json:"stock_quantity"`
	ReorderLevel  int             `json:"reorder_level"`
	ExpiryDate    *time.Time      `json:"expiry_date"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ProductRequest is the body accepted by product create and update.
// StockQuantity is only honoured on create.
type ProductRequest struct {
	Name          string          `json:"name"`
	Category      string          `json:"category"`
	Price         decimal.Decimal `json:"price"`
	Cost          decimal.Decimal `json:"cost"`
	StockQuantity int             `json:"stock_quantity"`
	ReorderLevel  int             `json:"reorder_level"`
	ExpiryDate    string          `json:"expiry_date,omitempty"`
}

type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	FullName  string    `json:"full_name"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	User        User   `json:"user"`
	AccessToken string `json:"access_token"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated staff member attached to a request.
type Actor struct {
	UserID   int64
	Username string
	Role     string
}

type SaleItem struct {
	ID          int64           `json:"id"`
	SaleID      int64           `json:"sale_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type Sale struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	CashierName     string          `json:"cashier_name,omitempty"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	PaymentMethod   string          `json:"payment_method"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	ChangeAmount    decimal.Decimal `json:"change_amount"`
	TransactionDate time.Time       `json:"transaction_date"`
}

type SaleDetail struct {
	Sale  Sale       `json:"sale"`
	Items []SaleItem `json:"items"`
}

type SaleItemRequest struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

type SaleRequest struct {
	UserID        int64             `json:"user_id"`
	Items         []SaleItemRequest `json:"items"`
	PaymentMethod string            `json:"payment_method"`
	AmountPaid    decimal.Decimal   `json:"amount_paid"`
}

type SaleResult struct {
	SaleID       int64           `json:"sale_id"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	ChangeAmount decimal.Decimal `json:"change_amount"`
}

type InventoryLog struct {
	ID              int64     `json:"id"`
	ProductID       int64     `json:"product_id"`
	ProductName     string    `json:"product_name,omitempty"`
	ActionType      string    `json:"action_type"`
	QuantityChanged int       `json:"quantity_changed"`
	QuantityBefore  int       `json:"quantity_before"`
	QuantityAfter   int       `json:"quantity_after"`
	UserID          int64     `json:"user_id"`
	UserName        string    `json:"user_name,omitempty"`
	Notes           string    `json:"notes"`
	CreatedAt       time.Time `json:"created_at"`
}

type InventoryAdjustmentRequest struct {
	ProductID      int64  `json:"product_id"`
	QuantityChange int    `json:"quantity_change"`
	UserID         int64  `json:"user_id"`
	Notes          string `json:"notes"`
}

// StockChange is the before/after snapshot of a single stock update.
type StockChange struct {
	Before int
	After  int
}

type SalesFilter struct {
	From *time.Time
	To   *time.Time
}

type DashboardQuery struct {
	DayStart          time.Time
	DayEnd            time.Time
	LowStockThreshold int
	ExpiryHorizon     time.Time
	BestSellerSince   time.Time
	BestSellerLimit   int
}

type BestSeller struct {
	ProductID    int64           `json:"product_id"`
	ProductName  string          `json:"product_name"`
	TotalSold    int             `json:"total_sold"`
	TotalRevenue decimal.Decimal `json:"total_revenue"`
}

type Dashboard struct {
	TodaySales        decimal.Decimal `json:"todaySales"`
	TodayTransactions int64           `json:"todayTransactions"`
	LowStock          []Product       `json:"lowStock"`
	ExpiringSoon      []Product       `json:"expiringSoon"`
	Expired           []Product       `json:"expired"`
	BestSelling       []BestSeller    `json:"bestSelling"`
}

type SalesReportRow struct {
	Period            string          `json:"period"`
	TotalTransactions int64           `json:"total_transactions"`
	TotalSales        decimal.Decimal `json:"total_sales"`
	AvgSale           decimal.Decimal `json:"avg_sale"`
}

const (
	ActionSale       = "sale"
	ActionAdjustment = "adjustment"
)

const (
	ReportGroupDay   = "day"
	ReportGroupWeek  = "week"
	ReportGroupMonth = "month"
)

const (
	RoleOwner   = "owner"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

package service

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"canteenpos/internal/cache"
	"canteenpos/internal/domain"
	"canteenpos/internal/events"
	"canteenpos/internal/store"
)

const (
	defaultLogLimit   = 100
	maxLogLimit       = 500
	expiryWindowDays  = 7
	bestSellerWindow  = 30
	bestSellerLimit   = 5
	sideEffectTimeout = 3 * time.Second

	// maxStockQuantity matches the INTEGER stock and quantity columns.
	maxStockQuantity = math.MaxInt32
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// AllowNegativeStock lets a sale or adjustment drive stock below zero.
	// When false such a unit of work fails with ErrInsufficientStock.
	AllowNegativeStock bool
	LowStockThreshold  int
	DashboardTTL       time.Duration
}

type Service struct {
	repo       store.Repository
	dashboards cache.DashboardCache
	publisher  events.Publisher
	logger     zerolog.Logger
	opts       Options
	now        func() time.Time

	// dashboardGen counts invalidations so a dashboard computed before a
	// commit is never written back over the invalidation.
	dashboardGen atomic.Uint64
}

func New(repo store.Repository, dashboards cache.DashboardCache, publisher events.Publisher, logger zerolog.Logger, opts Options) *Service {
	if dashboards == nil {
		dashboards = cache.NoopDashboardCache{}
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if opts.LowStockThreshold < 0 {
		opts.LowStockThreshold = 0
	}
	if opts.DashboardTTL <= 0 {
		opts.DashboardTTL = 30 * time.Second
	}

	return &Service{
		repo:       repo,
		dashboards: dashboards,
		publisher:  publisher,
		logger:     logger,
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) ListProducts(ctx context.Context, category string) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx, category)
}

func (s *Service) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	if id < 1 {
		return domain.Product{}, store.Invalid("invalid product id")
	}
	product, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

// CreateProduct is the only place a product's stock is set directly; after
// creation stock moves through sales and adjustments.
func (s *Service) CreateProduct(ctx context.Context, req domain.ProductRequest) (domain.Product, error) {
	product, err := productFromRequest(req)
	if err != nil {
		return domain.Product{}, err
	}
	if req.StockQuantity < 0 {
		return domain.Product{}, store.Invalid("stock_quantity cannot be negative")
	}
	product.StockQuantity = req.StockQuantity

	created, err := s.repo.CreateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.logger.Info().Int64("product_id", created.ID).Str("name", created.Name).Int("stock", created.StockQuantity).Msg("product created")
	s.invalidateDashboard(ctx)
	return *created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, req domain.ProductRequest) (domain.Product, error) {
	if id < 1 {
		return domain.Product{}, store.Invalid("invalid product id")
	}
	product, err := productFromRequest(req)
	if err != nil {
		return domain.Product{}, err
	}
	product.ID = id

	updated, err := s.repo.UpdateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}

	s.invalidateDashboard(ctx)
	return *updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	if id < 1 {
		return store.Invalid("invalid product id")
	}
	if err := s.repo.DeactivateProduct(ctx, id); err != nil {
		return err
	}
	s.invalidateDashboard(ctx)
	return nil
}

// ListSales filters by calendar day in UTC; both bounds are inclusive.
func (s *Service) ListSales(ctx context.Context, startDate string, endDate string) ([]domain.Sale, error) {
	var filter domain.SalesFilter
	if strings.TrimSpace(startDate) != "" {
		from, err := parseDay(startDate)
		if err != nil {
			return nil, err
		}
		filter.From = &from
	}
	if strings.TrimSpace(endDate) != "" {
		end, err := parseDay(endDate)
		if err != nil {
			return nil, err
		}
		to := end.AddDate(0, 0, 1)
		filter.To = &to
	}
	if filter.From != nil && filter.To != nil && !filter.From.Before(*filter.To) {
		return nil, store.Invalid("start_date must not be after end_date")
	}
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) GetSale(ctx context.Context, id int64) (domain.SaleDetail, error) {
	if id < 1 {
		return domain.SaleDetail{}, store.Invalid("invalid sale id")
	}
	detail, err := s.repo.GetSale(ctx, id)
	if err != nil {
		return domain.SaleDetail{}, err
	}
	return *detail, nil
}

func (s *Service) ListInventoryLogs(ctx context.Context, limit int) ([]domain.InventoryLog, error) {
	if limit < 1 {
		limit = defaultLogLimit
	}
	if limit > maxLogLimit {
		limit = maxLogLimit
	}
	return s.repo.ListInventoryLogs(ctx, limit)
}

// Dashboard serves from cache when possible. Cache faults are logged and the
// dashboard is computed from the store instead.
func (s *Service) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	if cached, ok, err := s.dashboards.Get(ctx, cache.DashboardKey); err != nil {
		s.logger.Warn().Err(err).Msg("dashboard cache read failed")
	} else if ok {
		return *cached, nil
	}

	gen := s.dashboardGen.Load()
	now := s.now()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dash, err := s.repo.Dashboard(ctx, domain.DashboardQuery{
		DayStart:          dayStart,
		DayEnd:            dayStart.AddDate(0, 0, 1),
		LowStockThreshold: s.opts.LowStockThreshold,
		ExpiryHorizon:     dayStart.AddDate(0, 0, expiryWindowDays),
		BestSellerSince:   dayStart.AddDate(0, 0, -bestSellerWindow),
		BestSellerLimit:   bestSellerLimit,
	})
	if err != nil {
		return domain.Dashboard{}, err
	}

	if s.dashboardGen.Load() != gen {
		return dash, nil
	}
	if err := s.dashboards.Set(ctx, cache.DashboardKey, &dash, s.opts.DashboardTTL); err != nil {
		s.logger.Warn().Err(err).Msg("dashboard cache write failed")
	}
	// An invalidation that landed between the check and the write must
	// still win.
	if s.dashboardGen.Load() != gen {
		s.invalidateDashboard(ctx)
	}
	return dash, nil
}

// SalesReport aggregates sales per period. Without dates it covers the last
// 30 days including today.
func (s *Service) SalesReport(ctx context.Context, startDate string, endDate string, groupBy string) ([]domain.SalesReportRow, error) {
	groupBy = strings.ToLower(strings.TrimSpace(groupBy))
	switch groupBy {
	case "":
		groupBy = domain.ReportGroupDay
	case domain.ReportGroupDay, domain.ReportGroupWeek, domain.ReportGroupMonth:
	default:
		return nil, store.Invalid("group_by must be day, week or month")
	}

	now := s.now()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if strings.TrimSpace(endDate) != "" {
		parsed, err := parseDay(endDate)
		if err != nil {
			return nil, err
		}
		end = parsed
	}
	start := end.AddDate(0, 0, -29)
	if strings.TrimSpace(startDate) != "" {
		parsed, err := parseDay(startDate)
		if err != nil {
			return nil, err
		}
		start = parsed
	}
	if start.After(end) {
		return nil, store.Invalid("start_date must not be after end_date")
	}

	return s.repo.SalesReport(ctx, start, end.AddDate(0, 0, 1), groupBy)
}

func (s *Service) invalidateDashboard(ctx context.Context) {
	s.dashboardGen.Add(1)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := s.dashboards.Invalidate(ctx, cache.DashboardKey); err != nil {
		s.logger.Warn().Err(err).Msg("dashboard cache invalidation failed")
	}
}

// afterCommit runs the side effects of a committed unit of work. Failures
// are logged; the committed rows stand regardless.
func (s *Service) afterCommit(ctx context.Context, key string, event events.Envelope) {
	s.invalidateDashboard(ctx)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, key, event); err != nil {
		s.logger.Warn().Err(err).Str("event", event.Type).Str("key", key).Msg("event publish failed")
	}
}

// resolveUser falls back to the authenticated actor when the body omits
// user_id.
func resolveUser(ctx context.Context, userID int64) (int64, error) {
	if userID > 0 {
		return userID, nil
	}
	if userID < 0 {
		return 0, store.Invalid("invalid user_id")
	}
	if actor, ok := ActorFromContext(ctx); ok && actor.UserID > 0 {
		return actor.UserID, nil
	}
	return 0, store.Invalid("user_id is required")
}

func productFromRequest(req domain.ProductRequest) (domain.Product, error) {
	name := strings.TrimSpace(req.Name)
	category := strings.TrimSpace(req.Category)
	if name == "" || category == "" {
		return domain.Product{}, store.Invalid("name and category are required")
	}
	if !req.Price.IsPositive() || !isCents(req.Price) {
		return domain.Product{}, store.Invalid("price must be positive with at most two decimals")
	}
	if req.Cost.IsNegative() || !isCents(req.Cost) {
		return domain.Product{}, store.Invalid("cost must not be negative and have at most two decimals")
	}
	if req.ReorderLevel < 0 {
		return domain.Product{}, store.Invalid("reorder_level cannot be negative")
	}

	product := domain.Product{
		Name:         name,
		Category:     category,
		Price:        req.Price,
		Cost:         req.Cost,
		ReorderLevel: req.ReorderLevel,
	}
	if raw := strings.TrimSpace(req.ExpiryDate); raw != "" {
		expiry, err := parseDay(raw)
		if err != nil {
			return domain.Product{}, err
		}
		product.ExpiryDate = &expiry
	}
	return product, nil
}

func parseDay(raw string) (time.Time, error) {
	day, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, store.Invalid("dates must use YYYY-MM-DD")
	}
	return day.UTC(), nil
}

func isCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}

func isValidation(err error) bool {
	return errors.Is(err, store.ErrValidation)
}

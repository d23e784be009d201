package catalog

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"posgateway/internal/cache"
	"posgateway/internal/domain"
	"posgateway/internal/metrics"
)

var ErrNotFound = errors.New("not found")

// Source is the sales backend's reference-data surface.
type Source interface {
	ListItems(ctx context.Context) ([]domain.Product, error)
	ListCategories(ctx context.Context) ([]domain.Category, error)
	ListActiveDiscounts(ctx context.Context) ([]domain.Discount, error)
	ListActiveTaxes(ctx context.Context) ([]domain.Tax, error)
	ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error)
}

const (
	kindItems          = "items"
	kindCategories     = "categories"
	kindDiscounts      = "discounts"
	kindTaxes          = "taxes"
	kindPaymentMethods = "payment_methods"
)

var allKinds = []string{kindItems, kindCategories, kindDiscounts, kindTaxes, kindPaymentMethods}

// Catalog serves reference data from the cache and falls back to the
// backend on a miss. Concurrent misses for the same kind share one load.
type Catalog struct {
	source Source
	cache  cache.ReferenceCache
	ttl    time.Duration
	logger *zap.Logger
	group  singleflight.Group
}

func New(source Source, refCache cache.ReferenceCache, ttl time.Duration, logger *zap.Logger) *Catalog {
	if refCache == nil {
		refCache = cache.NoopReferenceCache{}
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{source: source, cache: refCache, ttl: ttl, logger: logger}
}

func (c *Catalog) Items(ctx context.Context) ([]domain.Product, error) {
	return load(ctx, c, kindItems, c.source.ListItems)
}

func (c *Catalog) Categories(ctx context.Context) ([]domain.Category, error) {
	return load(ctx, c, kindCategories, c.source.ListCategories)
}

func (c *Catalog) Discounts(ctx context.Context) ([]domain.Discount, error) {
	return load(ctx, c, kindDiscounts, c.source.ListActiveDiscounts)
}

func (c *Catalog) Taxes(ctx context.Context) ([]domain.Tax, error) {
	return load(ctx, c, kindTaxes, c.source.ListActiveTaxes)
}

func (c *Catalog) PaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	return load(ctx, c, kindPaymentMethods, c.source.ListPaymentMethods)
}

func (c *Catalog) Item(ctx context.Context, id int64) (*domain.Product, error) {
	items, err := c.Items(ctx)
	if err != nil {
		return nil, err
	}
	for i := range items {
		if items[i].ID == id {
			return &items[i], nil
		}
	}
	return nil, ErrNotFound
}

// Discount resolves a discount selection. ID 0 means no discount and
// returns nil.
func (c *Catalog) Discount(ctx context.Context, id int64) (*domain.Discount, error) {
	if id == 0 {
		return nil, nil
	}
	discounts, err := c.Discounts(ctx)
	if err != nil {
		return nil, err
	}
	for i := range discounts {
		if discounts[i].ID == id {
			return &discounts[i], nil
		}
	}
	return nil, ErrNotFound
}

// Tax resolves a tax selection. ID 0 means no tax and returns nil.
func (c *Catalog) Tax(ctx context.Context, id int64) (*domain.Tax, error) {
	if id == 0 {
		return nil, nil
	}
	taxes, err := c.Taxes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range taxes {
		if taxes[i].ID == id {
			return &taxes[i], nil
		}
	}
	return nil, ErrNotFound
}

// PaymentMethod resolves a payment selection. ID 0 clears it.
func (c *Catalog) PaymentMethod(ctx context.Context, id int64) (*domain.PaymentMethod, error) {
	if id == 0 {
		return nil, nil
	}
	methods, err := c.PaymentMethods(ctx)
	if err != nil {
		return nil, err
	}
	for i := range methods {
		if methods[i].ID == id {
			return &methods[i], nil
		}
	}
	return nil, ErrNotFound
}

// Refresh drops every cached kind so the next read goes to the backend.
func (c *Catalog) Refresh(ctx context.Context) error {
	for _, kind := range allKinds {
		c.group.Forget(kind)
	}
	if err := c.cache.Delete(ctx, allKinds...); err != nil {
		return err
	}
	c.logger.Info("reference data cache invalidated")
	return nil
}

func load[T any](ctx context.Context, c *Catalog, kind string, fetch func(context.Context) ([]T, error)) ([]T, error) {
	var cached []T
	found, err := c.cache.Get(ctx, kind, &cached)
	if err != nil {
		c.logger.Warn("reference cache read failed", zap.String("kind", kind), zap.Error(err))
	}
	if found {
		metrics.ObserveCatalogLoad(kind, "cache")
		return cached, nil
	}

	v, err, _ := c.group.Do(kind, func() (any, error) {
		// The load is shared, so one caller going away must not fail the rest.
		loadCtx := context.WithoutCancel(ctx)
		fresh, err := fetch(loadCtx)
		if err != nil {
			return nil, err
		}
		if err := c.cache.Set(loadCtx, kind, fresh, c.ttl); err != nil {
			c.logger.Warn("reference cache write failed", zap.String("kind", kind), zap.Error(err))
		}
		metrics.ObserveCatalogLoad(kind, "backend")
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]T)
	return append([]T(nil), shared...), nil
}

// FilterItems narrows items to a category (0 for all) and a case-insensitive
// query matched against the name or barcode.
func FilterItems(items []domain.Product, categoryID int64, query string) []domain.Product {
	query = strings.ToLower(strings.TrimSpace(query))
	out := make([]domain.Product, 0, len(items))
	for _, item := range items {
		if categoryID != 0 && (item.CategoryID == nil || *item.CategoryID != categoryID) {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(item.Name), query) &&
			!strings.Contains(strings.ToLower(item.Barcode), query) {
			continue
		}
		out = append(out, item)
	}
	return out
}

func FindByBarcode(items []domain.Product, barcode string) (*domain.Product, bool) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return nil, false
	}
	for i := range items {
		if items[i].Barcode == barcode {
			return &items[i], true
		}
	}
	return nil, false
}

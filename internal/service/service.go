package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"posgateway/internal/backend"
	"posgateway/internal/cart"
	"posgateway/internal/catalog"
	"posgateway/internal/checkout"
	"posgateway/internal/domain"
	"posgateway/internal/events"
	"posgateway/internal/metrics"
	"posgateway/internal/pricing"
	"posgateway/internal/store"
	"posgateway/internal/xid"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSaleNotFound    = errors.New("sale not found")
	ErrNoReceipt       = errors.New("session has no completed sale")
	ErrForbidden       = errors.New("admin role required")
	ErrInvalidRequest  = errors.New("invalid request")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// SalesBackend is the part of the sales service used after the catalog has
// been resolved: customers, the sale submission and the receipt download.
type SalesBackend interface {
	checkout.SaleSubmitter
	FetchReceipt(ctx context.Context, saleID int64) (*backend.Receipt, error)
	FindCustomersByPhone(ctx context.Context, phone string) ([]domain.Customer, error)
	Customer(ctx context.Context, id int64) (domain.Customer, error)
	CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error)
}

const minPhoneDigits = 5

type Options struct {
	StoreID     int64
	SessionIdle time.Duration
}

type Service struct {
	repo      store.Repository
	catalog   *catalog.Catalog
	sales     SalesBackend
	publisher events.Publisher
	logger    *zap.Logger
	sessions  *registry
	storeID   int64
}

func New(repo store.Repository, cat *catalog.Catalog, sales SalesBackend, publisher events.Publisher, logger *zap.Logger, opts Options) *Service {
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StoreID <= 0 {
		opts.StoreID = 1
	}
	return &Service{
		repo:      repo,
		catalog:   cat,
		sales:     sales,
		publisher: publisher,
		logger:    logger,
		sessions:  newRegistry(opts.SessionIdle),
		storeID:   opts.StoreID,
	}
}

// Catalog.

func (s *Service) ListItems(ctx context.Context, categoryID int64, query string) ([]domain.Product, error) {
	items, err := s.catalog.Items(ctx)
	if err != nil {
		return nil, err
	}
	return catalog.FilterItems(items, categoryID, query), nil
}

func (s *Service) ItemByBarcode(ctx context.Context, barcode string) (domain.Product, error) {
	items, err := s.catalog.Items(ctx)
	if err != nil {
		return domain.Product{}, err
	}
	item, ok := catalog.FindByBarcode(items, barcode)
	if !ok {
		return domain.Product{}, catalog.ErrNotFound
	}
	return *item, nil
}

func (s *Service) ListCategories(ctx context.Context) ([]domain.Category, error) {
	return s.catalog.Categories(ctx)
}

func (s *Service) ListDiscounts(ctx context.Context) ([]domain.Discount, error) {
	return s.catalog.Discounts(ctx)
}

func (s *Service) ListTaxes(ctx context.Context) ([]domain.Tax, error) {
	return s.catalog.Taxes(ctx)
}

func (s *Service) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	return s.catalog.PaymentMethods(ctx)
}

func (s *Service) RefreshCatalog(ctx context.Context) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.catalog.Refresh(ctx); err != nil {
		return err
	}
	s.logAudit(ctx, "", "catalog.refresh", "catalog", "", "")
	return nil
}

// Quote prices an ad-hoc list of lines without touching any session.
func (s *Service) Quote(ctx context.Context, req domain.QuoteRequest) (domain.Totals, error) {
	c := cart.New()
	for _, line := range req.Lines {
		product, err := s.cartProduct(ctx, line.ItemID)
		if err != nil {
			return domain.Totals{}, err
		}
		if err := c.AddLine(product, line.Quantity); err != nil {
			return domain.Totals{}, err
		}
	}

	discount, err := s.catalog.Discount(ctx, req.DiscountID)
	if err != nil {
		return domain.Totals{}, err
	}
	tax, err := s.catalog.Tax(ctx, req.TaxID)
	if err != nil {
		return domain.Totals{}, err
	}
	return pricing.ComputeTotals(c.Lines(), pricing.DiscountFrom(discount), pricing.TaxPercentFrom(tax)), nil
}

// Sessions.

func (s *Service) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (domain.SessionView, error) {
	terminalID := strings.TrimSpace(req.TerminalID)
	if terminalID == "" {
		return domain.SessionView{}, fmt.Errorf("%w: terminal_id is required", ErrInvalidRequest)
	}
	actor, _ := ActorFromContext(ctx)

	sess := checkout.NewSession(checkout.Config{
		ID:         xid.New("sess"),
		TerminalID: terminalID,
		Operator:   actor.Username,
		StaffID:    actor.StaffID,
		StoreID:    s.storeID,
	})
	s.sessions.put(sess)
	s.logger.Info("session opened",
		zap.String("session_id", sess.ID()),
		zap.String("terminal_id", terminalID),
		zap.String("operator", actor.Username),
	)
	return sess.Snapshot(), nil
}

func (s *Service) ListSessions(ctx context.Context) []domain.SessionView {
	views := make([]domain.SessionView, 0, 8)
	for _, sess := range s.sessions.list() {
		if !canAccess(ctx, sess) {
			continue
		}
		views = append(views, sess.Snapshot())
	}
	slices.SortFunc(views, func(a, b domain.SessionView) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return views
}

func (s *Service) GetSession(ctx context.Context, id string) (domain.SessionView, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return domain.SessionView{}, err
	}
	return sess.Snapshot(), nil
}

func (s *Service) DeleteSession(ctx context.Context, id string) error {
	sess, err := s.session(ctx, id)
	if err != nil {
		return err
	}
	if state := sess.State(); state == checkout.StateSubmitting || state == checkout.StateValidating {
		return checkout.ErrSubmissionInFlight
	}
	s.sessions.remove(id)
	return nil
}

func (s *Service) AddLine(ctx context.Context, sessionID string, req domain.AddLineRequest) (domain.SessionView, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.SessionView{}, err
	}
	product, err := s.cartProduct(ctx, req.ItemID)
	if err != nil {
		return domain.SessionView{}, err
	}
	if err := sess.AddLine(product, req.Quantity); err != nil {
		return domain.SessionView{}, err
	}
	return sess.Snapshot(), nil
}

func (s *Service) SetLineQuantity(ctx context.Context, sessionID string, itemID int64, req domain.SetLineQuantityRequest) (domain.SessionView, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.SessionView{}, err
	}
	if err := sess.SetLineQuantity(itemID, req.Quantity); err != nil {
		return domain.SessionView{}, err
	}
	return sess.Snapshot(), nil
}

func (s *Service) RemoveLine(ctx context.Context, sessionID string, itemID int64) (domain.SessionView, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.SessionView{}, err
	}
	removed, err := sess.RemoveLine(itemID)
	if err != nil {
		return domain.SessionView{}, err
	}
	if !removed {
		return domain.SessionView{}, cart.ErrLineNotFound
	}
	return sess.Snapshot(), nil
}

func (s *Service) ClearSession(ctx context.Context, sessionID string) (domain.SessionView, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.SessionView{}, err
	}
	if err := sess.Clear(); err != nil {
		return domain.SessionView{}, err
	}
	return sess.Snapshot(), nil
}

func (s *Service) SetPricing(ctx context.Context, sessionID string, req domain.PricingSelectionRequest) (domain.SessionView, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.SessionView{}, err
	}
	discount, err := s.catalog.Discount(ctx, req.DiscountID)
	if err != nil {
		return domain.SessionView{}, err
	}
	tax, err := s.catalog.Tax(ctx, req.TaxID)
	if err != nil {
		return domain.SessionView{}, err
	}
	if err := sess.SetPricing(discount, tax); err != nil {
		return domain.SessionView{}, err
	}
	return sess.Snapshot(), nil
}

func (s *Service) SetPayment(ctx context.Context, sessionID string, req domain.PaymentSelectionRequest) (domain.SessionView, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.SessionView{}, err
	}
	if req.TenderedCents < 0 {
		return domain.SessionView{}, fmt.Errorf("%w: amount tendered must not be negative", ErrInvalidRequest)
	}
	method, err := s.catalog.PaymentMethod(ctx, req.PaymentMethodID)
	if err != nil {
		return domain.SessionView{}, err
	}
	if err := sess.SetPaymentWithReference(method, req.TenderedCents, req.Reference); err != nil {
		return domain.SessionView{}, err
	}
	return sess.Snapshot(), nil
}

// Customers.

// SearchCustomers looks customers up by phone number.
func (s *Service) SearchCustomers(ctx context.Context, phone string) ([]domain.Customer, error) {
	phone = strings.TrimSpace(phone)
	if !validPhone(phone) {
		return nil, fmt.Errorf("%w: phone_number must be at least %d digits", ErrInvalidRequest, minPhoneDigits)
	}
	return s.sales.FindCustomersByPhone(ctx, phone)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	req.FullName = strings.TrimSpace(req.FullName)
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	req.Email = strings.TrimSpace(req.Email)
	if req.FullName == "" {
		return domain.Customer{}, fmt.Errorf("%w: full_name is required", ErrInvalidRequest)
	}
	if !validPhone(req.PhoneNumber) {
		return domain.Customer{}, fmt.Errorf("%w: phone_number must be at least %d digits", ErrInvalidRequest, minPhoneDigits)
	}
	customer, err := s.sales.CreateCustomer(ctx, req)
	if err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(context.WithoutCancel(ctx), "", "customer.create", "customer", fmt.Sprint(customer.ID), customer.FullName)
	return customer, nil
}

// SetCustomer attaches a backend customer to the session; customer_id 0
// makes the sale a walk-in again.
func (s *Service) SetCustomer(ctx context.Context, sessionID string, req domain.CustomerSelectionRequest) (domain.SessionView, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.SessionView{}, err
	}
	if req.CustomerID < 0 {
		return domain.SessionView{}, fmt.Errorf("%w: customer_id must not be negative", ErrInvalidRequest)
	}
	var customer *domain.Customer
	if req.CustomerID > 0 {
		found, err := s.sales.Customer(ctx, req.CustomerID)
		if err != nil {
			return domain.SessionView{}, err
		}
		customer = &found
	}
	if err := sess.SetCustomer(customer); err != nil {
		return domain.SessionView{}, err
	}
	return sess.Snapshot(), nil
}

func validPhone(phone string) bool {
	if len(phone) < minPhoneDigits {
		return false
	}
	for i, r := range phone {
		if r == '+' && i == 0 {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Checkout submits the session's order. Local validation failures are returned
// as-is. Once the backend has been called, the outcome is recorded in the
// ledger and audit log; on success a sale.completed event is published. None
// of those side steps can change the result returned to the operator.
func (s *Service) Checkout(ctx context.Context, sessionID string) (domain.CheckoutResponse, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return domain.CheckoutResponse{}, err
	}

	// An in-flight sale is not cancellable by the operator's request; the
	// backend client timeout bounds it.
	outcome, err := sess.Submit(context.WithoutCancel(ctx), s.sales)
	var validationErr *checkout.ValidationError
	if errors.As(err, &validationErr) || errors.Is(err, checkout.ErrSubmissionInFlight) {
		metrics.ObserveCheckout(metrics.ResultRejected, 0)
		return domain.CheckoutResponse{}, err
	}

	sideCtx := context.WithoutCancel(ctx)
	sub := domain.Submission{
		ID:         xid.New("sub"),
		SessionID:  sess.ID(),
		TerminalID: sess.TerminalID(),
		Operator:   sess.Operator(),
		ItemCount:  outcome.ItemCount,
		Totals:     outcome.Totals,
		CreatedAt:  time.Now().UTC(),
	}
	if len(outcome.Request.Payments) > 0 {
		sub.PaymentMethodID = outcome.Request.Payments[0].MethodID
	}

	if err != nil {
		sub.Status = domain.SubmissionFailed
		sub.Error = err.Error()
		s.recordSubmission(sideCtx, sub)
		s.logAudit(sideCtx, sub.TerminalID, "checkout.failed", "submission", sub.ID, sub.Error)
		metrics.ObserveCheckout(metrics.ResultFailed, 0)
		s.logger.Warn("checkout failed",
			zap.String("session_id", sub.SessionID),
			zap.String("submission_id", sub.ID),
			zap.Int64("final_cents", sub.Totals.FinalCents),
			zap.Error(err),
		)
		return domain.CheckoutResponse{}, err
	}

	sub.Status = domain.SubmissionSucceeded
	sub.SaleID = outcome.SaleID
	sub.PaymentStatus = outcome.PaymentStatus
	s.recordSubmission(sideCtx, sub)
	s.logAudit(sideCtx, sub.TerminalID, "checkout.succeeded", "sale", fmt.Sprint(sub.SaleID),
		fmt.Sprintf("submission=%s,final=%d,items=%d,payment=%s", sub.ID, sub.Totals.FinalCents, sub.ItemCount, sub.PaymentStatus))
	s.publishSaleCompleted(sideCtx, sub)
	metrics.ObserveCheckout(metrics.ResultSucceeded, sub.Totals.FinalCents)
	s.logger.Info("checkout succeeded",
		zap.String("session_id", sub.SessionID),
		zap.Int64("sale_id", sub.SaleID),
		zap.String("payment_status", sub.PaymentStatus),
		zap.Int64("final_cents", sub.Totals.FinalCents),
	)

	return domain.CheckoutResponse{
		SaleID:         outcome.SaleID,
		PaymentStatus:  outcome.PaymentStatus,
		SubmissionID:   sub.ID,
		Totals:         outcome.Totals,
		ChangeDueCents: outcome.ChangeDueCents,
		ReceiptURL:     ReceiptPath(outcome.SaleID),
		Session:        sess.Snapshot(),
	}, nil
}

// ReceiptPath is the gateway route that serves a sale's receipt.
func ReceiptPath(saleID int64) string {
	return fmt.Sprintf("/api/v1/sales/%d/receipt", saleID)
}

// Receipt fetches the receipt of a sale this gateway submitted.
func (s *Service) Receipt(ctx context.Context, saleID int64) (*backend.Receipt, error) {
	if saleID <= 0 {
		return nil, ErrSaleNotFound
	}
	if _, err := s.repo.FindSubmissionBySaleID(ctx, saleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrSaleNotFound
		}
		return nil, err
	}
	return s.sales.FetchReceipt(ctx, saleID)
}

func (s *Service) SessionReceipt(ctx context.Context, sessionID string) (*backend.Receipt, error) {
	sess, err := s.session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	saleID := sess.LastSaleID()
	if saleID == 0 {
		return nil, ErrNoReceipt
	}
	return s.Receipt(ctx, saleID)
}

// Ledger and audit.

func (s *Service) ListSubmissions(ctx context.Context, terminalID string, status string, date string, limit int) ([]domain.Submission, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	status = strings.TrimSpace(status)
	if status != "" && status != domain.SubmissionSucceeded && status != domain.SubmissionFailed {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	from, to, err := dayWindow(date)
	if err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	return s.repo.ListSubmissions(ctx, store.SubmissionFilter{
		TerminalID: strings.TrimSpace(terminalID),
		Status:     status,
		From:       from,
		To:         to,
		Limit:      limit,
	})
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 {
		limit = 100
	}
	from, to, err := dayWindow(date)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

// dayWindow returns [date, date+24h), or the last 24 hours when date is empty.
func dayWindow(date string) (time.Time, time.Time, error) {
	var from time.Time
	if strings.TrimSpace(date) == "" {
		from = time.Now().UTC().Add(-24 * time.Hour)
	} else {
		parsed, err := time.Parse("2006-01-02", strings.TrimSpace(date))
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrInvalidRequest)
		}
		from = parsed.UTC()
	}
	return from, from.Add(24 * time.Hour), nil
}

func (s *Service) session(ctx context.Context, id string) (*checkout.Session, error) {
	sess, ok := s.sessions.get(strings.TrimSpace(id))
	if !ok || !canAccess(ctx, sess) {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// canAccess lets admins reach every session and cashiers only their own.
func canAccess(ctx context.Context, sess *checkout.Session) bool {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role == domain.RoleAdmin {
		return true
	}
	return sess.Operator() == actor.Username
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

func (s *Service) cartProduct(ctx context.Context, itemID int64) (cart.Product, error) {
	item, err := s.catalog.Item(ctx, itemID)
	if err != nil {
		return cart.Product{}, err
	}
	return cart.Product{
		ID:             item.ID,
		Name:           item.Name,
		UnitPriceCents: item.PriceCents,
		Stock:          item.Stock,
	}, nil
}

func (s *Service) recordSubmission(ctx context.Context, sub domain.Submission) {
	if err := s.repo.CreateSubmission(ctx, sub); err != nil {
		s.logger.Error("failed to record submission",
			zap.String("submission_id", sub.ID),
			zap.Int64("sale_id", sub.SaleID),
			zap.Error(err),
		)
	}
}

func (s *Service) publishSaleCompleted(ctx context.Context, sub domain.Submission) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.publisher.PublishSaleCompleted(ctx, domain.SaleCompletedEvent{
		SaleID:        sub.SaleID,
		SubmissionID:  sub.ID,
		TerminalID:    sub.TerminalID,
		Operator:      sub.Operator,
		PaymentStatus: sub.PaymentStatus,
		ItemCount:     sub.ItemCount,
		Totals:        sub.Totals,
		OccurredAt:    sub.CreatedAt,
	})
	if err != nil {
		s.logger.Warn("failed to publish sale event", zap.Int64("sale_id", sub.SaleID), zap.Error(err))
	}
}

func (s *Service) logAudit(ctx context.Context, terminalID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		TerminalID:    terminalID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     time.Now().UTC(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity", entityType+"/"+entityID),
			zap.Error(err),
		)
	}
}

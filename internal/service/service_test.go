package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"posgateway/internal/backend"
	"posgateway/internal/cache"
	"posgateway/internal/cart"
	"posgateway/internal/catalog"
	"posgateway/internal/checkout"
	"posgateway/internal/domain"
	"posgateway/internal/store"
	"posgateway/internal/store/memory"
)

type fakeBackend struct {
	mu       sync.Mutex
	requests []domain.SaleRequest
	saleErr  error
	nextSale int64
	created  []domain.CustomerCreateRequest
}

func (f *fakeBackend) ListItems(context.Context) ([]domain.Product, error) {
	five := 5
	return []domain.Product{
		{ID: 1, Name: "Kopi Susu", PriceCents: 5000, Stock: &five},
		{ID: 2, Name: "Roti Bakar", PriceCents: 10000},
	}, nil
}

func (f *fakeBackend) ListCategories(context.Context) ([]domain.Category, error) {
	return nil, nil
}

func (f *fakeBackend) ListActiveDiscounts(context.Context) ([]domain.Discount, error) {
	return []domain.Discount{{ID: 3, Name: "Promo 10", Type: domain.DiscountPercentage, Value: 10}}, nil
}

func (f *fakeBackend) ListActiveTaxes(context.Context) ([]domain.Tax, error) {
	return []domain.Tax{{ID: 4, Name: "PB1", Percentage: 5}}, nil
}

func (f *fakeBackend) ListPaymentMethods(context.Context) ([]domain.PaymentMethod, error) {
	return []domain.PaymentMethod{{ID: 1, Name: "Cash"}, {ID: 2, Name: "QRIS"}}, nil
}

func (f *fakeBackend) ProcessSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.SaleResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.saleErr != nil {
		return domain.SaleResult{}, f.saleErr
	}
	f.nextSale++
	return domain.SaleResult{SaleID: 100 + f.nextSale, PaymentStatus: "paid", TotalCents: req.TotalCents}, nil
}

func (f *fakeBackend) FetchReceipt(_ context.Context, _ int64) (*backend.Receipt, error) {
	return &backend.Receipt{Body: io.NopCloser(strings.NewReader("%PDF")), ContentType: "application/pdf", ContentLength: 4}, nil
}

func (f *fakeBackend) FindCustomersByPhone(_ context.Context, phone string) ([]domain.Customer, error) {
	if phone == "081234567" {
		return []domain.Customer{{ID: 42, FullName: "Siti Aminah", PhoneNumber: phone}}, nil
	}
	return nil, nil
}

func (f *fakeBackend) Customer(_ context.Context, id int64) (domain.Customer, error) {
	if id != 42 {
		return domain.Customer{}, &backend.ServerError{Status: 404, Message: "Customer not found"}
	}
	return domain.Customer{ID: 42, FullName: "Siti Aminah", PhoneNumber: "081234567"}, nil
}

func (f *fakeBackend) CreateCustomer(_ context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return domain.Customer{ID: 77, FullName: req.FullName, PhoneNumber: req.PhoneNumber, Email: req.Email}, nil
}

type capturePublisher struct {
	events []domain.SaleCompletedEvent
	err    error
}

func (p *capturePublisher) PublishSaleCompleted(_ context.Context, event domain.SaleCompletedEvent) error {
	p.events = append(p.events, event)
	return p.err
}

func (p *capturePublisher) Close() error { return nil }

type testEnv struct {
	svc       *Service
	backend   *fakeBackend
	repo      *memory.Store
	publisher *capturePublisher
}

func newTestEnv() testEnv {
	fb := &fakeBackend{}
	repo := memory.New()
	pub := &capturePublisher{}
	cat := catalog.New(fb, cache.NewMemoryReferenceCache(), time.Minute, nil)
	svc := New(repo, cat, fb, pub, nil, Options{StoreID: 1, SessionIdle: time.Hour})
	return testEnv{svc: svc, backend: fb, repo: repo, publisher: pub}
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier, StaffID: 2})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin, StaffID: 1})
}

func openOrder(t *testing.T, env testEnv, ctx context.Context) string {
	t.Helper()
	view, err := env.svc.CreateSession(ctx, domain.CreateSessionRequest{TerminalID: "T1"})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := env.svc.AddLine(ctx, view.ID, domain.AddLineRequest{ItemID: 1, Quantity: 2}); err != nil {
		t.Fatalf("add kopi: %v", err)
	}
	if _, err := env.svc.AddLine(ctx, view.ID, domain.AddLineRequest{ItemID: 2, Quantity: 1}); err != nil {
		t.Fatalf("add roti: %v", err)
	}
	if _, err := env.svc.SetPricing(ctx, view.ID, domain.PricingSelectionRequest{DiscountID: 3, TaxID: 4}); err != nil {
		t.Fatalf("set pricing: %v", err)
	}
	return view.ID
}

func TestCheckoutSucceedsAndRecordsEverywhere(t *testing.T) {
	env := newTestEnv()
	ctx := cashierCtx()
	id := openOrder(t, env, ctx)

	view, err := env.svc.SetPayment(ctx, id, domain.PaymentSelectionRequest{PaymentMethodID: 1, TenderedCents: 20000})
	if err != nil {
		t.Fatalf("set payment: %v", err)
	}
	if view.Totals.FinalCents != 18900 || view.ChangeDueCents != 1100 {
		t.Fatalf("unexpected totals before checkout: %+v change=%d", view.Totals, view.ChangeDueCents)
	}

	resp, err := env.svc.Checkout(ctx, id)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if resp.SaleID != 101 || resp.PaymentStatus != "paid" || resp.ChangeDueCents != 1100 {
		t.Fatalf("unexpected checkout response: %+v", resp)
	}
	if resp.ReceiptURL != "/api/v1/sales/101/receipt" {
		t.Fatalf("unexpected receipt url: %s", resp.ReceiptURL)
	}
	if len(resp.Session.Lines) != 0 || resp.Session.State != string(checkout.StateSucceeded) {
		t.Fatalf("expected cleared session after success, got %+v", resp.Session)
	}

	req := env.backend.requests[0]
	if req.StaffID != 2 || req.StoreID != 1 || req.TotalCents != 18900 {
		t.Fatalf("unexpected sale request: %+v", req)
	}

	sub, err := env.repo.FindSubmissionBySaleID(context.Background(), 101)
	if err != nil {
		t.Fatalf("expected ledger entry: %v", err)
	}
	if sub.ID != resp.SubmissionID || sub.Operator != "cashier" || sub.PaymentMethodID != 1 || sub.ItemCount != 3 {
		t.Fatalf("unexpected ledger entry: %+v", sub)
	}

	if len(env.publisher.events) != 1 || env.publisher.events[0].SaleID != 101 {
		t.Fatalf("expected one sale event, got %+v", env.publisher.events)
	}

	logs, _ := env.repo.ListAuditLogs(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if len(logs) != 1 || logs[0].Action != "checkout.succeeded" || logs[0].ActorUsername != "cashier" {
		t.Fatalf("unexpected audit trail: %+v", logs)
	}
}

func TestCheckoutSurvivesCanceledCaller(t *testing.T) {
	env := newTestEnv()
	id := openOrder(t, env, cashierCtx())
	if _, err := env.svc.SetPayment(cashierCtx(), id, domain.PaymentSelectionRequest{PaymentMethodID: 2}); err != nil {
		t.Fatalf("set payment: %v", err)
	}

	ctx, cancel := context.WithCancel(cashierCtx())
	cancel()

	resp, err := env.svc.Checkout(ctx, id)
	if err != nil {
		t.Fatalf("expected checkout to finish despite canceled caller, got %v", err)
	}
	view, _ := env.svc.GetSession(cashierCtx(), id)
	if view.State != string(checkout.StateSucceeded) || view.LastSaleID != resp.SaleID {
		t.Fatalf("expected succeeded session with sale %d, got %+v", resp.SaleID, view)
	}
	if len(env.backend.requests) != 1 {
		t.Fatalf("expected one backend sale, got %d", len(env.backend.requests))
	}
}

func TestCheckoutValidationIsNotRecorded(t *testing.T) {
	env := newTestEnv()
	ctx := cashierCtx()
	id := openOrder(t, env, ctx)

	if _, err := env.svc.SetPayment(ctx, id, domain.PaymentSelectionRequest{PaymentMethodID: 1, TenderedCents: 15000}); err != nil {
		t.Fatalf("set payment: %v", err)
	}

	_, err := env.svc.Checkout(ctx, id)
	var validationErr *checkout.ValidationError
	if !errors.As(err, &validationErr) || validationErr.Code != checkout.CodeInsufficientCash {
		t.Fatalf("expected insufficient cash, got %v", err)
	}
	if len(env.backend.requests) != 0 {
		t.Fatalf("expected no backend call")
	}
	subs, _ := env.repo.ListSubmissions(context.Background(), store.SubmissionFilter{})
	if len(subs) != 0 {
		t.Fatalf("expected no ledger entry for local rejection, got %+v", subs)
	}
}

func TestCheckoutFailureKeepsOrderAndRecordsLedger(t *testing.T) {
	env := newTestEnv()
	env.backend.saleErr = &backend.ServerError{Status: 502, Message: "HTTP error 502: Bad Gateway"}
	ctx := cashierCtx()
	id := openOrder(t, env, ctx)

	if _, err := env.svc.SetPayment(ctx, id, domain.PaymentSelectionRequest{PaymentMethodID: 2}); err != nil {
		t.Fatalf("set payment: %v", err)
	}

	_, err := env.svc.Checkout(ctx, id)
	if !errors.Is(err, backend.ErrServer) {
		t.Fatalf("expected server error, got %v", err)
	}

	view, _ := env.svc.GetSession(ctx, id)
	if view.State != string(checkout.StateFailed) || len(view.Lines) != 2 {
		t.Fatalf("expected failed state with cart kept, got %+v", view)
	}
	if view.LastError != "HTTP error 502: Bad Gateway" {
		t.Fatalf("expected verbatim backend error, got %q", view.LastError)
	}

	subs, _ := env.repo.ListSubmissions(context.Background(), store.SubmissionFilter{Status: domain.SubmissionFailed})
	if len(subs) != 1 || subs[0].Error != "HTTP error 502: Bad Gateway" || subs[0].Totals.FinalCents != 18900 {
		t.Fatalf("unexpected failed ledger entry: %+v", subs)
	}
	if len(env.publisher.events) != 0 {
		t.Fatalf("expected no event on failure")
	}

	env.backend.saleErr = nil
	resp, err := env.svc.Checkout(ctx, id)
	if err != nil || resp.SaleID == 0 {
		t.Fatalf("expected resubmission to succeed, got %+v %v", resp, err)
	}
}

func TestPublishFailureDoesNotMaskSale(t *testing.T) {
	env := newTestEnv()
	env.publisher.err = errors.New("broker down")
	ctx := cashierCtx()
	id := openOrder(t, env, ctx)
	if _, err := env.svc.SetPayment(ctx, id, domain.PaymentSelectionRequest{PaymentMethodID: 2}); err != nil {
		t.Fatalf("set payment: %v", err)
	}

	resp, err := env.svc.Checkout(ctx, id)
	if err != nil || resp.SaleID == 0 {
		t.Fatalf("expected sale despite publish failure, got %+v %v", resp, err)
	}
}

func TestAddLineUsesCatalogStockCeiling(t *testing.T) {
	env := newTestEnv()
	ctx := cashierCtx()
	view, _ := env.svc.CreateSession(ctx, domain.CreateSessionRequest{TerminalID: "T1"})

	_, err := env.svc.AddLine(ctx, view.ID, domain.AddLineRequest{ItemID: 1, Quantity: 6})
	var stockErr *cart.StockError
	if !errors.As(err, &stockErr) || stockErr.Available != 5 {
		t.Fatalf("expected stock error with 5 available, got %v", err)
	}

	if _, err := env.svc.AddLine(ctx, view.ID, domain.AddLineRequest{ItemID: 99, Quantity: 1}); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected unknown item, got %v", err)
	}
	if _, err := env.svc.RemoveLine(ctx, view.ID, 2); !errors.Is(err, cart.ErrLineNotFound) {
		t.Fatalf("expected missing line, got %v", err)
	}
}

func TestCreateSessionRequiresTerminal(t *testing.T) {
	env := newTestEnv()
	if _, err := env.svc.CreateSession(cashierCtx(), domain.CreateSessionRequest{TerminalID: "  "}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request, got %v", err)
	}
}

func TestCashierCannotReachOtherOperatorsSession(t *testing.T) {
	env := newTestEnv()
	view, _ := env.svc.CreateSession(adminCtx(), domain.CreateSessionRequest{TerminalID: "T9"})

	if _, err := env.svc.GetSession(cashierCtx(), view.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected session to be hidden from another cashier, got %v", err)
	}
	if _, err := env.svc.GetSession(adminCtx(), view.ID); err != nil {
		t.Fatalf("admin should reach the session: %v", err)
	}
	if got := env.svc.ListSessions(cashierCtx()); len(got) != 0 {
		t.Fatalf("expected no sessions for cashier, got %d", len(got))
	}
}

func TestIdleSessionsArePruned(t *testing.T) {
	env := newTestEnv()
	ctx := cashierCtx()
	view, _ := env.svc.CreateSession(ctx, domain.CreateSessionRequest{TerminalID: "T1"})

	env.svc.sessions.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	if _, err := env.svc.GetSession(ctx, view.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected idle session to be pruned, got %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	env := newTestEnv()
	ctx := cashierCtx()
	view, _ := env.svc.CreateSession(ctx, domain.CreateSessionRequest{TerminalID: "T1"})

	if err := env.svc.DeleteSession(ctx, view.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.svc.GetSession(ctx, view.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected deleted session to be gone, got %v", err)
	}
}

func TestQuoteIsStateless(t *testing.T) {
	env := newTestEnv()

	totals, err := env.svc.Quote(context.Background(), domain.QuoteRequest{
		Lines:      []domain.QuoteLine{{ItemID: 1, Quantity: 2}, {ItemID: 2, Quantity: 1}},
		DiscountID: 3,
		TaxID:      4,
	})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	want := domain.Totals{SubtotalCents: 20000, DiscountCents: 2000, TaxCents: 900, FinalCents: 18900}
	if totals != want {
		t.Fatalf("expected %+v, got %+v", want, totals)
	}

	if _, err := env.svc.Quote(context.Background(), domain.QuoteRequest{Lines: []domain.QuoteLine{{ItemID: 1, Quantity: 0}}}); !errors.Is(err, cart.ErrInvalidQuantity) {
		t.Fatalf("expected invalid quantity, got %v", err)
	}
	if _, err := env.svc.Quote(context.Background(), domain.QuoteRequest{TaxID: 77}); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected unknown tax, got %v", err)
	}
}

func TestReceiptRequiresLedgerEntry(t *testing.T) {
	env := newTestEnv()
	ctx := cashierCtx()

	if _, err := env.svc.Receipt(ctx, 555); !errors.Is(err, ErrSaleNotFound) {
		t.Fatalf("expected unknown sale, got %v", err)
	}

	id := openOrder(t, env, ctx)
	if _, err := env.svc.SessionReceipt(ctx, id); !errors.Is(err, ErrNoReceipt) {
		t.Fatalf("expected no receipt before checkout, got %v", err)
	}
	if _, err := env.svc.SetPayment(ctx, id, domain.PaymentSelectionRequest{PaymentMethodID: 2}); err != nil {
		t.Fatalf("set payment: %v", err)
	}
	if _, err := env.svc.Checkout(ctx, id); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	receipt, err := env.svc.SessionReceipt(ctx, id)
	if err != nil || receipt.ContentType != "application/pdf" {
		t.Fatalf("expected receipt, got %+v %v", receipt, err)
	}
}

func TestAdminOnlyListings(t *testing.T) {
	env := newTestEnv()

	if _, err := env.svc.ListSubmissions(cashierCtx(), "", "", "", 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.svc.ListAuditLogs(cashierCtx(), "", 10); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := env.svc.ListSubmissions(adminCtx(), "", "pending", "", 10); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if _, err := env.svc.ListAuditLogs(adminCtx(), "01-02-2026", 10); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid date, got %v", err)
	}
	if err := env.svc.RefreshCatalog(cashierCtx()); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected forbidden refresh, got %v", err)
	}
	if err := env.svc.RefreshCatalog(adminCtx()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
}

func TestItemFiltersAndBarcode(t *testing.T) {
	env := newTestEnv()

	items, err := env.svc.ListItems(context.Background(), 0, "roti")
	if err != nil || len(items) != 1 || items[0].ID != 2 {
		t.Fatalf("unexpected filter result: %+v %v", items, err)
	}
	if _, err := env.svc.ItemByBarcode(context.Background(), "123"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected barcode miss, got %v", err)
	}
}

func TestCheckoutCarriesCustomerAndReference(t *testing.T) {
	env := newTestEnv()
	ctx := cashierCtx()
	id := openOrder(t, env, ctx)

	view, err := env.svc.SetCustomer(ctx, id, domain.CustomerSelectionRequest{CustomerID: 42})
	if err != nil {
		t.Fatalf("set customer: %v", err)
	}
	if view.Customer == nil || view.Customer.FullName != "Siti Aminah" {
		t.Fatalf("expected customer on session, got %+v", view.Customer)
	}
	if _, err := env.svc.SetPayment(ctx, id, domain.PaymentSelectionRequest{PaymentMethodID: 2, Reference: "QR-5521"}); err != nil {
		t.Fatalf("set payment: %v", err)
	}
	if _, err := env.svc.Checkout(ctx, id); err != nil {
		t.Fatalf("checkout: %v", err)
	}

	req := env.backend.requests[0]
	if req.CustomerID == nil || *req.CustomerID != 42 {
		t.Fatalf("expected customer 42 on sale, got %v", req.CustomerID)
	}
	if req.Payments[0].Reference != "QR-5521" {
		t.Fatalf("expected payment reference on sale, got %q", req.Payments[0].Reference)
	}
}

func TestSetCustomerZeroDetaches(t *testing.T) {
	env := newTestEnv()
	ctx := cashierCtx()
	id := openOrder(t, env, ctx)

	if _, err := env.svc.SetCustomer(ctx, id, domain.CustomerSelectionRequest{CustomerID: 42}); err != nil {
		t.Fatalf("set customer: %v", err)
	}
	view, err := env.svc.SetCustomer(ctx, id, domain.CustomerSelectionRequest{CustomerID: 0})
	if err != nil {
		t.Fatalf("detach customer: %v", err)
	}
	if view.Customer != nil {
		t.Fatalf("expected walk-in session, got %+v", view.Customer)
	}
}

func TestSetUnknownCustomerKeepsSelection(t *testing.T) {
	env := newTestEnv()
	ctx := cashierCtx()
	id := openOrder(t, env, ctx)
	if _, err := env.svc.SetCustomer(ctx, id, domain.CustomerSelectionRequest{CustomerID: 42}); err != nil {
		t.Fatalf("set customer: %v", err)
	}

	_, err := env.svc.SetCustomer(ctx, id, domain.CustomerSelectionRequest{CustomerID: 9})
	var serverErr *backend.ServerError
	if !errors.As(err, &serverErr) || serverErr.Status != 404 {
		t.Fatalf("expected backend 404, got %v", err)
	}
	view, _ := env.svc.GetSession(ctx, id)
	if view.Customer == nil || view.Customer.ID != 42 {
		t.Fatalf("expected previous customer kept, got %+v", view.Customer)
	}
}

func TestSearchCustomersValidatesPhone(t *testing.T) {
	env := newTestEnv()

	for _, phone := range []string{"", "0812", "0812-3456", "abcdefg"} {
		if _, err := env.svc.SearchCustomers(cashierCtx(), phone); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("phone %q: expected ErrInvalidRequest, got %v", phone, err)
		}
	}
	found, err := env.svc.SearchCustomers(cashierCtx(), " 081234567 ")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(found) != 1 || found[0].ID != 42 {
		t.Fatalf("unexpected customers %+v", found)
	}
}

func TestCreateCustomerAuditsAndTrims(t *testing.T) {
	env := newTestEnv()

	if _, err := env.svc.CreateCustomer(cashierCtx(), domain.CustomerCreateRequest{PhoneNumber: "081299887"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected missing name rejected, got %v", err)
	}
	customer, err := env.svc.CreateCustomer(cashierCtx(), domain.CustomerCreateRequest{FullName: " Budi ", PhoneNumber: "081299887"})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if customer.ID != 77 || env.backend.created[0].FullName != "Budi" {
		t.Fatalf("unexpected customer %+v sent %+v", customer, env.backend.created)
	}

	logs, _ := env.repo.ListAuditLogs(context.Background(), time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 10)
	if len(logs) != 1 || logs[0].Action != "customer.create" || logs[0].EntityID != "77" {
		t.Fatalf("expected one customer.create audit entry, got %+v", logs)
	}
}

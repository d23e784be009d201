package checkout

import (
	"context"
	"strings"
	"sync"
	"time"

	"posgateway/internal/cart"
	"posgateway/internal/domain"
	"posgateway/internal/pricing"
)

// SaleSubmitter sends one finished order to the sales backend.
type SaleSubmitter interface {
	ProcessSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResult, error)
}

type Config struct {
	ID         string
	TerminalID string
	Operator   string
	StaffID    int64
	StoreID    int64
}

// Session is the checkout state of one terminal: the cart, the selected
// pricing and payment, and the outcome of the last submission. All methods are
// safe for concurrent use. While a submission is in flight every mutation and
// any second Submit fail with ErrSubmissionInFlight.
type Session struct {
	mu sync.Mutex

	cfg  Config
	cart *cart.Cart

	discount      *domain.Discount
	tax           *domain.Tax
	paymentMethod    *domain.PaymentMethod
	paymentReference string
	tenderedCents    int64
	customer         *domain.Customer

	state             State
	lastSaleID        int64
	lastPaymentStatus string
	lastError         string
	updatedAt         time.Time

	now func() time.Time
}

// Outcome describes a submission that reached the network.
type Outcome struct {
	Request        domain.SaleRequest
	Totals         domain.Totals
	ItemCount      int
	ChangeDueCents int64
	SaleID         int64
	PaymentStatus  string
}

func NewSession(cfg Config) *Session {
	s := &Session{
		cfg:   cfg,
		cart:  cart.New(),
		state: StateIdle,
		now:   func() time.Time { return time.Now().UTC() },
	}
	s.updatedAt = s.now()
	return s
}

func (s *Session) ID() string {
	return s.cfg.ID
}

func (s *Session) TerminalID() string {
	return s.cfg.TerminalID
}

func (s *Session) Operator() string {
	return s.cfg.Operator
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

func (s *Session) LastSaleID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaleID
}

func (s *Session) AddLine(product cart.Product, qty int) error {
	return s.mutate(func() error {
		return s.cart.AddLine(product, qty)
	})
}

func (s *Session) SetLineQuantity(productID int64, qty int) error {
	return s.mutate(func() error {
		return s.cart.SetLineQuantity(productID, qty)
	})
}

func (s *Session) RemoveLine(productID int64) (bool, error) {
	removed := false
	err := s.mutate(func() error {
		removed = s.cart.RemoveLine(productID)
		return nil
	})
	return removed, err
}

func (s *Session) Clear() error {
	return s.mutate(func() error {
		s.cart.Clear()
		return nil
	})
}

// SetDiscount selects the order discount; nil clears it.
func (s *Session) SetDiscount(discount *domain.Discount) error {
	return s.mutate(func() error {
		s.discount = discount
		return nil
	})
}

// SetTax selects the order tax; nil clears it.
func (s *Session) SetTax(tax *domain.Tax) error {
	return s.mutate(func() error {
		s.tax = tax
		return nil
	})
}

// SetPricing replaces the discount and tax selections together, so a
// submission never sees one without the other. nil clears a selection.
func (s *Session) SetPricing(discount *domain.Discount, tax *domain.Tax) error {
	return s.mutate(func() error {
		s.discount = discount
		s.tax = tax
		return nil
	})
}

func (s *Session) SetPayment(method *domain.PaymentMethod, tenderedCents int64) error {
	return s.SetPaymentWithReference(method, tenderedCents, "")
}

// SetPaymentWithReference also records the transaction reference of a non-cash
// payment, sent with the sale.
func (s *Session) SetPaymentWithReference(method *domain.PaymentMethod, tenderedCents int64, reference string) error {
	return s.mutate(func() error {
		s.paymentMethod = method
		if tenderedCents < 0 {
			tenderedCents = 0
		}
		s.tenderedCents = tenderedCents
		s.paymentReference = strings.TrimSpace(reference)
		return nil
	})
}

// SetCustomer attaches the customer the sale is recorded against; nil detaches.
func (s *Session) SetCustomer(customer *domain.Customer) error {
	return s.mutate(func() error {
		s.customer = customer
		return nil
	})
}

func (s *Session) mutate(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateSubmitting || s.state == StateValidating {
		return ErrSubmissionInFlight
	}
	if err := fn(); err != nil {
		return err
	}
	if s.state.IsTerminal() {
		s.state = StateIdle
	}
	s.updatedAt = s.now()
	return nil
}

// Submit validates the order and sends it to the backend in a single call.
// Local validation failures return a *ValidationError and leave the session as
// it was. A backend failure keeps the cart so the operator can resubmit.
func (s *Session) Submit(ctx context.Context, submitter SaleSubmitter) (Outcome, error) {
	s.mu.Lock()
	if s.state == StateSubmitting || s.state == StateValidating {
		s.mu.Unlock()
		return Outcome{}, ErrSubmissionInFlight
	}

	prior := s.state
	s.state = StateValidating
	lines := s.cart.Lines()
	totals := s.totalsLocked(lines)
	if err := s.validateLocked(lines, totals); err != nil {
		s.state = prior
		s.mu.Unlock()
		return Outcome{}, err
	}

	outcome := Outcome{
		Request:   s.saleRequestLocked(lines, totals),
		Totals:    totals,
		ItemCount: s.cart.ItemCount(),
	}
	if IsCash(s.paymentMethod) {
		outcome.ChangeDueCents = pricing.ChangeDue(s.tenderedCents, totals.FinalCents)
	}
	s.state = StateSubmitting
	s.updatedAt = s.now()
	s.mu.Unlock()

	result, err := submitter.ProcessSale(ctx, outcome.Request)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.updatedAt = s.now()
	if err != nil {
		s.state = StateFailed
		s.lastError = err.Error()
		return outcome, err
	}

	outcome.SaleID = result.SaleID
	outcome.PaymentStatus = result.PaymentStatus

	s.state = StateSucceeded
	s.lastSaleID = result.SaleID
	s.lastPaymentStatus = result.PaymentStatus
	s.lastError = ""
	s.cart.Clear()
	s.discount = nil
	s.tax = nil
	s.paymentMethod = nil
	s.paymentReference = ""
	s.tenderedCents = 0
	s.customer = nil
	return outcome, nil
}

func (s *Session) validateLocked(lines []cart.Line, totals domain.Totals) error {
	if len(lines) == 0 {
		return &ValidationError{Code: CodeEmptyCart, Err: ErrEmptyCart}
	}
	if s.paymentMethod == nil {
		return &ValidationError{Code: CodeNoPaymentMethod, Err: ErrNoPaymentMethod}
	}
	if IsCash(s.paymentMethod) && s.tenderedCents < totals.FinalCents {
		return &ValidationError{
			Code:           CodeInsufficientCash,
			Err:            ErrInsufficientCash,
			ShortfallCents: totals.FinalCents - s.tenderedCents,
		}
	}
	return nil
}

func (s *Session) saleRequestLocked(lines []cart.Line, totals domain.Totals) domain.SaleRequest {
	allocations := pricing.Allocate(lines, totals)
	saleLines := make([]domain.SaleLine, 0, len(lines))
	for i, line := range lines {
		saleLines = append(saleLines, domain.SaleLine{
			ItemID:         line.ProductID,
			Quantity:       line.Quantity,
			UnitPriceCents: line.UnitPriceCents,
			DiscountCents:  allocations[i].DiscountCents,
			TaxCents:       allocations[i].TaxCents,
		})
	}

	req := domain.SaleRequest{
		StaffID:    s.cfg.StaffID,
		StoreID:    s.cfg.StoreID,
		TotalCents: totals.FinalCents,
		Lines:      saleLines,
		Payments: []domain.SalePayment{{
			MethodID:    s.paymentMethod.ID,
			AmountCents: totals.FinalCents,
			Reference:   s.paymentReference,
		}},
	}
	if s.customer != nil {
		id := s.customer.ID
		req.CustomerID = &id
	}
	return req
}

func (s *Session) totalsLocked(lines []cart.Line) domain.Totals {
	return pricing.ComputeTotals(lines, pricing.DiscountFrom(s.discount), pricing.TaxPercentFrom(s.tax))
}

// Snapshot returns a copy of the session with freshly derived totals.
func (s *Session) Snapshot() domain.SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()

	lines := s.cart.Lines()
	totals := s.totalsLocked(lines)

	view := domain.SessionView{
		ID:                s.cfg.ID,
		TerminalID:        s.cfg.TerminalID,
		Operator:          s.cfg.Operator,
		State:             string(s.state),
		Lines:             make([]domain.SessionLine, 0, len(lines)),
		TenderedCents:     s.tenderedCents,
		PaymentReference:  s.paymentReference,
		Totals:            totals,
		LastSaleID:        s.lastSaleID,
		LastPaymentStatus: s.lastPaymentStatus,
		LastError:         s.lastError,
		UpdatedAt:         s.updatedAt,
	}
	for _, line := range lines {
		view.Lines = append(view.Lines, domain.SessionLine{
			ItemID:         line.ProductID,
			Name:           line.Name,
			UnitPriceCents: line.UnitPriceCents,
			Quantity:       line.Quantity,
			AvailableStock: line.AvailableStock,
			LineTotalCents: line.SubtotalCents(),
		})
	}
	if s.discount != nil {
		d := *s.discount
		view.Discount = &d
	}
	if s.tax != nil {
		t := *s.tax
		view.Tax = &t
	}
	if s.customer != nil {
		c := *s.customer
		view.Customer = &c
	}
	if s.paymentMethod != nil {
		m := *s.paymentMethod
		view.PaymentMethod = &m
		if IsCash(&m) {
			view.ChangeDueCents = pricing.ChangeDue(s.tenderedCents, totals.FinalCents)
		}
	}
	return view
}

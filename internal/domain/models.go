package domain

import "time"

// Catalog reference data, normalized from the sales backend.

type Product struct {
	ID         int64  `json:"item_id"`
	Name       string `json:"item_name"`
	PriceCents int64  `json:"price_cents"`
	// Stock is nil when the backend does not report a quantity.
	Stock      *int   `json:"stock,omitempty"`
	CategoryID *int64 `json:"category_id,omitempty"`
	Barcode    string `json:"barcode,omitempty"`
}

type Category struct {
	ID   int64  `json:"category_id"`
	Name string `json:"category_name"`
}

type Discount struct {
	ID    int64        `json:"discount_id"`
	Name  string       `json:"discount_name"`
	Type  DiscountType `json:"discount_type"`
	Value float64      `json:"discount_value"`
}

type Tax struct {
	ID         int64   `json:"tax_id"`
	Name       string  `json:"tax_name"`
	Percentage float64 `json:"tax_percentage"`
}

type PaymentMethod struct {
	ID   int64  `json:"payment_method_id"`
	Name string `json:"payment_method_name"`
}

type DiscountType string

const (
	DiscountPercentage  DiscountType = "percentage"
	DiscountFixedAmount DiscountType = "fixed_amount"
)

// Checkout session.

type CreateSessionRequest struct {
	TerminalID string `json:"terminal_id"`
}

type AddLineRequest struct {
	ItemID   int64 `json:"item_id"`
	Quantity int   `json:"quantity"`
}

type SetLineQuantityRequest struct {
	Quantity int `json:"quantity"`
}

type PricingSelectionRequest struct {
	DiscountID int64 `json:"discount_id"`
	TaxID      int64 `json:"tax_id"`
}

type PaymentSelectionRequest struct {
	PaymentMethodID int64  `json:"payment_method_id"`
	TenderedCents   int64  `json:"amount_tendered_cents"`
	Reference       string `json:"transaction_reference,omitempty"`
}

// Customer is a sales backend customer attached to an order.
type Customer struct {
	ID            int64  `json:"customer_id"`
	FullName      string `json:"full_name"`
	PhoneNumber   string `json:"phone_number,omitempty"`
	Email         string `json:"email,omitempty"`
	LoyaltyPoints int    `json:"loyalty_points"`
}

type CustomerCreateRequest struct {
	FullName    string `json:"full_name"`
	PhoneNumber string `json:"phone_number"`
	Email       string `json:"email,omitempty"`
}

// CustomerSelectionRequest attaches a customer to a session; 0 detaches.
type CustomerSelectionRequest struct {
	CustomerID int64 `json:"customer_id"`
}

type QuoteLine struct {
	ItemID   int64 `json:"item_id"`
	Quantity int   `json:"quantity"`
}

type QuoteRequest struct {
	Lines      []QuoteLine `json:"lines"`
	DiscountID int64       `json:"discount_id"`
	TaxID      int64       `json:"tax_id"`
}

type Totals struct {
	SubtotalCents int64 `json:"subtotal_cents"`
	DiscountCents int64 `json:"discount_cents"`
	TaxCents      int64 `json:"tax_cents"`
	FinalCents    int64 `json:"final_cents"`
}

type SessionLine struct {
	ItemID         int64  `json:"item_id"`
	Name           string `json:"item_name"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	Quantity       int    `json:"quantity"`
	AvailableStock *int   `json:"available_stock,omitempty"`
	LineTotalCents int64  `json:"line_total_cents"`
}

type SessionView struct {
	ID                string         `json:"id"`
	TerminalID        string         `json:"terminal_id"`
	Operator          string         `json:"operator"`
	State             string         `json:"state"`
	Lines             []SessionLine  `json:"lines"`
	Discount          *Discount      `json:"discount,omitempty"`
	Tax               *Tax           `json:"tax,omitempty"`
	PaymentMethod     *PaymentMethod `json:"payment_method,omitempty"`
	PaymentReference  string         `json:"transaction_reference,omitempty"`
	Customer          *Customer      `json:"customer,omitempty"`
	TenderedCents     int64          `json:"amount_tendered_cents"`
	ChangeDueCents    int64          `json:"change_due_cents"`
	Totals            Totals         `json:"totals"`
	LastSaleID        int64          `json:"last_sale_id,omitempty"`
	LastPaymentStatus string         `json:"last_payment_status,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

type CheckoutResponse struct {
	SaleID         int64       `json:"sale_id"`
	PaymentStatus  string      `json:"payment_status"`
	SubmissionID   string      `json:"submission_id"`
	Totals         Totals      `json:"totals"`
	ChangeDueCents int64       `json:"change_due_cents"`
	ReceiptURL     string      `json:"receipt_url"`
	Session        SessionView `json:"session"`
}

// Sale submission, as sent to the backend's single process-sale call.

type SaleLine struct {
	ItemID         int64
	Quantity       int
	UnitPriceCents int64
	DiscountCents  int64
	TaxCents       int64
}

type SalePayment struct {
	MethodID    int64
	AmountCents int64
	Reference   string
}

type SaleRequest struct {
	StaffID    int64
	StoreID    int64
	CustomerID *int64
	TotalCents int64
	Lines      []SaleLine
	Payments   []SalePayment
}

type SaleResult struct {
	SaleID        int64
	PaymentStatus string
	TotalCents    int64
}

// Ledger.

type Submission struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	TerminalID      string    `json:"terminal_id"`
	Operator        string    `json:"operator"`
	Status          string    `json:"status"`
	SaleID          int64     `json:"sale_id,omitempty"`
	PaymentStatus   string    `json:"payment_status,omitempty"`
	PaymentMethodID int64     `json:"payment_method_id"`
	ItemCount       int       `json:"item_count"`
	Totals          Totals    `json:"totals"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

const (
	SubmissionSucceeded = "succeeded"
	SubmissionFailed    = "failed"
)

type SaleCompletedEvent struct {
	SaleID        int64     `json:"sale_id"`
	SubmissionID  string    `json:"submission_id"`
	TerminalID    string    `json:"terminal_id"`
	Operator      string    `json:"operator"`
	PaymentStatus string    `json:"payment_status"`
	ItemCount     int       `json:"item_count"`
	Totals        Totals    `json:"totals"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Operators and audit.

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	StaffID     int64  `json:"staff_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
	StaffID  int64
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	StaffID  int64  `json:"staff_id"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	StaffID   int64     `json:"staff_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	StaffID   int64
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	TerminalID    string    `json:"terminal_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

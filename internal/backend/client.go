package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"posgateway/internal/domain"
	"posgateway/internal/metrics"
)

const maxBodyBytes = 4 << 20

type Options struct {
	BaseURL   string
	Timeout   time.Duration
	Transport http.RoundTripper
	Logger    *zap.Logger
	// BreakerFailures is the run of consecutive failed reads that opens the
	// breaker; BreakerOpenTimeout is how long it stays open.
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

// Client calls the external sales backend. Reference-data reads go through a
// circuit breaker; the sale submission is sent once and never retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[[]byte]
	logger     *zap.Logger
}

func New(opts Options) (*Client, error) {
	base := strings.TrimSuffix(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		return nil, errors.New("backend base URL is required")
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid backend base URL %q", opts.BaseURL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	openTimeout := opts.BreakerOpenTimeout
	if openTimeout <= 0 {
		openTimeout = 30 * time.Second
	}

	c := &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		logger: logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "sales-backend",
		MaxRequests: 1,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return !backendDown(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c, nil
}

// backendDown reports errors that say the backend is unhealthy rather than
// that the request was wrong.
func backendDown(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNetwork) {
		return true
	}
	var serr *ServerError
	return errors.As(err, &serr) && serr.Status >= http.StatusInternalServerError
}

func (c *Client) ListItems(ctx context.Context) ([]domain.Product, error) {
	var items []itemDTO
	if err := c.getJSON(ctx, "list_items", "/items/", nil, &items); err != nil {
		return nil, err
	}
	out := make([]domain.Product, 0, len(items))
	for _, item := range items {
		out = append(out, item.toDomain())
	}
	return out, nil
}

func (c *Client) ListCategories(ctx context.Context) ([]domain.Category, error) {
	var categories []categoryDTO
	if err := c.getJSON(ctx, "list_categories", "/categories/", nil, &categories); err != nil {
		return nil, err
	}
	out := make([]domain.Category, 0, len(categories))
	for _, cat := range categories {
		out = append(out, domain.Category{ID: cat.CategoryID, Name: cat.CategoryName})
	}
	return out, nil
}

func (c *Client) ListActiveDiscounts(ctx context.Context) ([]domain.Discount, error) {
	var discounts []discountDTO
	query := url.Values{"status": []string{"active"}}
	if err := c.getJSON(ctx, "list_discounts", "/discounts/", query, &discounts); err != nil {
		return nil, err
	}
	out := make([]domain.Discount, 0, len(discounts))
	for _, d := range discounts {
		discount, ok := d.toDomain()
		if !ok {
			c.logger.Warn("skipping discount with unknown type",
				zap.Int64("discount_id", d.DiscountID),
				zap.String("discount_type", d.DiscountType))
			continue
		}
		out = append(out, discount)
	}
	return out, nil
}

func (c *Client) ListActiveTaxes(ctx context.Context) ([]domain.Tax, error) {
	var taxes []taxDTO
	query := url.Values{"status": []string{"active"}}
	if err := c.getJSON(ctx, "list_taxes", "/taxes/", query, &taxes); err != nil {
		return nil, err
	}
	out := make([]domain.Tax, 0, len(taxes))
	for _, t := range taxes {
		pct := t.TaxPercentage.InexactFloat64()
		if pct < 0 || pct > 100 {
			c.logger.Warn("skipping tax outside 0-100%", zap.Int64("tax_id", t.TaxID), zap.Float64("tax_percentage", pct))
			continue
		}
		out = append(out, domain.Tax{ID: t.TaxID, Name: t.TaxName, Percentage: pct})
	}
	return out, nil
}

// ListPaymentMethods returns the methods the backend has not marked inactive.
func (c *Client) ListPaymentMethods(ctx context.Context) ([]domain.PaymentMethod, error) {
	var methods []paymentMethodDTO
	if err := c.getJSON(ctx, "list_payment_methods", "/payment_methods/", nil, &methods); err != nil {
		return nil, err
	}
	out := make([]domain.PaymentMethod, 0, len(methods))
	for _, m := range methods {
		if m.IsActive != nil && !*m.IsActive {
			continue
		}
		out = append(out, domain.PaymentMethod{ID: m.PaymentMethodID, Name: m.PaymentMethodName})
	}
	return out, nil
}

// FindCustomersByPhone returns customers whose phone number matches exactly.
func (c *Client) FindCustomersByPhone(ctx context.Context, phone string) ([]domain.Customer, error) {
	var customers []customerDTO
	query := url.Values{"phone_number": []string{phone}}
	if err := c.getJSON(ctx, "find_customers", "/customers/", query, &customers); err != nil {
		return nil, err
	}
	out := make([]domain.Customer, 0, len(customers))
	for _, cust := range customers {
		out = append(out, cust.toDomain())
	}
	return out, nil
}

func (c *Client) Customer(ctx context.Context, id int64) (domain.Customer, error) {
	var cust customerDTO
	if err := c.getJSON(ctx, "get_customer", fmt.Sprintf("/customers/%d", id), nil, &cust); err != nil {
		return domain.Customer{}, err
	}
	return cust.toDomain(), nil
}

// CreateCustomer registers a new customer. Like the sale submission it is
// sent once and bypasses the breaker.
func (c *Client) CreateCustomer(ctx context.Context, req domain.CustomerCreateRequest) (domain.Customer, error) {
	payload, err := json.Marshal(newCustomerCreateDTO(req))
	if err != nil {
		return domain.Customer{}, fmt.Errorf("encode customer: %w", err)
	}
	body, err := c.do(ctx, "create_customer", http.MethodPost, "/customers/", nil, payload)
	if err != nil {
		return domain.Customer{}, err
	}
	var cust customerDTO
	if err := json.Unmarshal(body, &cust); err != nil {
		return domain.Customer{}, invalidResponse("create_customer", err.Error())
	}
	if cust.CustomerID == 0 {
		return domain.Customer{}, invalidResponse("create_customer", "missing customer_id")
	}
	return cust.toDomain(), nil
}

// ProcessSale records the sale, its lines and its payment in one request.
func (c *Client) ProcessSale(ctx context.Context, req domain.SaleRequest) (domain.SaleResult, error) {
	payload, err := json.Marshal(newSaleRequestDTO(req))
	if err != nil {
		return domain.SaleResult{}, fmt.Errorf("encode sale: %w", err)
	}

	body, err := c.do(ctx, "process_sale", http.MethodPost, "/process_sale/", nil, payload)
	if err != nil {
		return domain.SaleResult{}, err
	}

	var resp saleResponseDTO
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.SaleResult{}, invalidResponse("process_sale", err.Error())
	}
	if resp.SaleID == nil {
		return domain.SaleResult{}, invalidResponse("process_sale", "missing sale_id")
	}

	result := domain.SaleResult{
		SaleID:        *resp.SaleID,
		PaymentStatus: resp.PaymentStatus,
		TotalCents:    req.TotalCents,
	}
	if resp.TotalAmount != nil {
		result.TotalCents = toCents(*resp.TotalAmount)
		if result.TotalCents != req.TotalCents {
			c.logger.Warn("backend sale total differs from submitted total",
				zap.Int64("sale_id", result.SaleID),
				zap.Int64("submitted_cents", req.TotalCents),
				zap.Int64("recorded_cents", result.TotalCents))
		}
	}
	return result, nil
}

func (c *Client) ReceiptURL(saleID int64) string {
	return fmt.Sprintf("%s/sales/%d/receipt/pdf", c.baseURL, saleID)
}

type Receipt struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
}

// FetchReceipt streams the receipt PDF. The caller closes Body.
func (c *Client) FetchReceipt(ctx context.Context, saleID int64) (*Receipt, error) {
	const op = "fetch_receipt"
	started := time.Now()

	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/sales/%d/receipt/pdf", saleID), nil, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/pdf")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("sales backend request failed", zap.String("op", op), zap.Error(err))
		metrics.ObserveBackend(op, "network_error", time.Since(started))
		return nil, &NetworkError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		metrics.ObserveBackend(op, strconv.Itoa(resp.StatusCode), time.Since(started))
		return nil, errorFromResponse(resp.StatusCode, body)
	}

	metrics.ObserveBackend(op, "ok", time.Since(started))
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/pdf"
	}
	return &Receipt{Body: resp.Body, ContentType: contentType, ContentLength: resp.ContentLength}, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, query url.Values, dest any) error {
	body, err := c.breaker.Execute(func() ([]byte, error) {
		return c.do(ctx, op, http.MethodGet, path, query, nil)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.ObserveBackend(op, "breaker_open", 0)
		return &NetworkError{Op: op, Err: err}
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return invalidResponse(op, err.Error())
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, payload []byte) ([]byte, error) {
	started := time.Now()
	req, err := c.newRequest(ctx, method, path, query, payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("sales backend request failed", zap.String("op", op), zap.Error(err))
		metrics.ObserveBackend(op, "network_error", time.Since(started))
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.ObserveBackend(op, "network_error", time.Since(started))
		return nil, &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		serr := errorFromResponse(resp.StatusCode, body)
		c.logger.Warn("sales backend returned error",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", serr.Message))
		metrics.ObserveBackend(op, strconv.Itoa(resp.StatusCode), time.Since(started))
		return nil, serr
	}

	metrics.ObserveBackend(op, "ok", time.Since(started))
	return body, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, payload []byte) (*http.Request, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func invalidResponse(op, reason string) *ServerError {
	return &ServerError{
		Status:  http.StatusOK,
		Message: fmt.Sprintf("invalid response from sales backend (%s): %s", op, reason),
	}
}

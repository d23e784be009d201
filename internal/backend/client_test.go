package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"posgateway/internal/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := New(Options{BaseURL: srv.URL, Timeout: 2 * time.Second, BreakerFailures: 3, BreakerOpenTimeout: time.Minute})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected missing base URL to be rejected")
	}
	if _, err := New(Options{BaseURL: "not a url"}); err == nil {
		t.Fatalf("expected invalid base URL to be rejected")
	}
}

func TestListItemsConvertsPricesAndStock(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/items/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `[
			{"item_id":1,"item_name":"Kopi","price":"18.50","quantity":4,"category_id":2,"barcode":"8991"},
			{"item_id":2,"item_name":"Teh","price":7.25,"quantity":null}
		]`)
	})

	items, err := client.ListItems(context.Background())
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	if items[0].PriceCents != 1850 || items[0].Stock == nil || *items[0].Stock != 4 || items[0].Barcode != "8991" {
		t.Fatalf("unexpected first item: %+v", items[0])
	}
	if items[1].PriceCents != 725 || items[1].Stock != nil {
		t.Fatalf("expected unknown stock for second item, got %+v", items[1])
	}
}

func TestListActiveDiscountsSendsStatusFilter(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "active" {
			t.Errorf("expected status=active, got %q", got)
		}
		_, _ = io.WriteString(w, `[
			{"discount_id":1,"discount_name":"Promo","discount_type":"percentage","discount_value":10},
			{"discount_id":2,"discount_name":"Odd","discount_type":"bogo","discount_value":1}
		]`)
	})

	discounts, err := client.ListActiveDiscounts(context.Background())
	if err != nil {
		t.Fatalf("list discounts: %v", err)
	}
	if len(discounts) != 1 || discounts[0].Type != domain.DiscountPercentage || discounts[0].Value != 10 {
		t.Fatalf("unexpected discounts: %+v", discounts)
	}
}

func TestListPaymentMethodsSkipsInactive(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[
			{"payment_method_id":1,"payment_method_name":"Cash","is_active":true},
			{"payment_method_id":2,"payment_method_name":"Voucher","is_active":false},
			{"payment_method_id":3,"payment_method_name":"QRIS"}
		]`)
	})

	methods, err := client.ListPaymentMethods(context.Background())
	if err != nil {
		t.Fatalf("list payment methods: %v", err)
	}
	if len(methods) != 2 || methods[0].ID != 1 || methods[1].ID != 3 {
		t.Fatalf("unexpected methods: %+v", methods)
	}
}

func TestProcessSaleSendsSingleBundledRequest(t *testing.T) {
	var calls int32
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPost || r.URL.Path != "/process_sale/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"sale_id":42,"payment_status":"paid","total_amount":189.00}`)
	})

	result, err := client.ProcessSale(context.Background(), domain.SaleRequest{
		StaffID:    3,
		StoreID:    1,
		TotalCents: 18900,
		Lines:      []domain.SaleLine{{ItemID: 9, Quantity: 2, UnitPriceCents: 10000, DiscountCents: 2000, TaxCents: 900}},
		Payments:   []domain.SalePayment{{MethodID: 1, AmountCents: 18900}},
	})
	if err != nil {
		t.Fatalf("process sale: %v", err)
	}
	if result.SaleID != 42 || result.PaymentStatus != "paid" || result.TotalCents != 18900 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}

	items := captured["sale_items"].([]any)
	item := items[0].(map[string]any)
	if item["unit_price"] != 100.0 || item["discount"] != 20.0 || item["tax"] != 9.0 {
		t.Fatalf("unexpected sale item amounts: %+v", item)
	}
	payments := captured["payments_data"].([]any)
	if payments[0].(map[string]any)["amount"] != 189.0 {
		t.Fatalf("unexpected payment: %+v", payments[0])
	}
	saleData := captured["sale_data"].(map[string]any)
	if saleData["staff_id"] != 3.0 || saleData["store_id"] != 1.0 {
		t.Fatalf("unexpected sale data: %+v", saleData)
	}
}

func TestProcessSaleMissingSaleIDIsInvalidResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"payment_status":"paid"}`)
	})

	_, err := client.ProcessSale(context.Background(), domain.SaleRequest{TotalCents: 100})

	var serr *ServerError
	if !errors.As(err, &serr) || !errors.Is(err, ErrServer) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	if !strings.Contains(serr.Message, "missing sale_id") {
		t.Fatalf("unexpected message %q", serr.Message)
	}
}

func TestProcessSaleFormatsValidationErrors(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":[
			{"loc":["body","sale_items",0,"quantity"],"msg":"ensure this value is greater than 0","type":"value_error"},
			{"loc":["body","payments_data"],"msg":"field required","type":"value_error.missing"}
		]}`)
	})

	_, err := client.ProcessSale(context.Background(), domain.SaleRequest{})

	var serr *ServerError
	if !errors.As(err, &serr) {
		t.Fatalf("expected ServerError, got %v", err)
	}
	want := "Validation Error(s): body -> sale_items -> 0 -> quantity: ensure this value is greater than 0; body -> payments_data: field required"
	if serr.Message != want {
		t.Fatalf("unexpected message:\n got %q\nwant %q", serr.Message, want)
	}
	if serr.Status != http.StatusUnprocessableEntity || len(serr.Fields) != 2 {
		t.Fatalf("unexpected error detail: %+v", serr)
	}
}

func TestServerErrorMessages(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{name: "string detail", status: http.StatusBadRequest, body: `{"detail":"Insufficient stock for item 3"}`, want: "Insufficient stock for item 3"},
		{name: "object detail", status: http.StatusConflict, body: `{"detail":{"code":"dup"}}`, want: `{"code":"dup"}`},
		{name: "no detail", status: http.StatusBadRequest, body: `{"error":"bad"}`, want: `{"error":"bad"}`},
		{name: "text body", status: http.StatusInternalServerError, body: strings.Repeat("x", 250), want: strings.Repeat("x", 200)},
		{name: "empty body", status: http.StatusServiceUnavailable, body: "", want: "HTTP error 503: Service Unavailable"},
		{name: "422 non-list", status: http.StatusUnprocessableEntity, body: `{"detail":"bad payload"}`, want: `Validation Error(s): "bad payload"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			serr := errorFromResponse(tc.status, []byte(tc.body))
			if serr.Message != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, serr.Message)
			}
			if serr.Status != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, serr.Status)
			}
		})
	}
}

func TestNetworkErrorWhenBackendUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client, err := New(Options{BaseURL: url, Timeout: time.Second})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.ProcessSale(context.Background(), domain.SaleRequest{})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	var nerr *NetworkError
	if !errors.As(err, &nerr) || nerr.Op != "process_sale" {
		t.Fatalf("expected NetworkError for process_sale, got %v", err)
	}
}

func TestBreakerOpensAfterConsecutiveServerFailures(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 3; i++ {
		if _, err := client.ListCategories(context.Background()); !errors.Is(err, ErrServer) {
			t.Fatalf("call %d: expected ServerError, got %v", i+1, err)
		}
	}

	_, err := client.ListCategories(context.Background())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected open breaker to surface as network error, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected breaker to stop calls after 3, got %d", got)
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"Not Found"}`)
	})

	for i := 0; i < 5; i++ {
		_, _ = client.ListActiveTaxes(context.Background())
	}
	if got := atomic.LoadInt32(&calls); got != 5 {
		t.Fatalf("expected 4xx responses to keep the breaker closed, got %d calls", got)
	}
}

func TestReceiptURL(t *testing.T) {
	client, err := New(Options{BaseURL: "http://backend:8000/"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if got := client.ReceiptURL(17); got != "http://backend:8000/sales/17/receipt/pdf" {
		t.Fatalf("unexpected receipt url %q", got)
	}
}

func TestFetchReceiptStreamsPDF(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sales/17/receipt/pdf" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, "%PDF-1.4 fake")
	})

	receipt, err := client.FetchReceipt(context.Background(), 17)
	if err != nil {
		t.Fatalf("fetch receipt: %v", err)
	}
	defer receipt.Body.Close()
	data, _ := io.ReadAll(receipt.Body)
	if string(data) != "%PDF-1.4 fake" || receipt.ContentType != "application/pdf" {
		t.Fatalf("unexpected receipt %q %q", data, receipt.ContentType)
	}

	if _, err := client.FetchReceipt(context.Background(), 18); !errors.Is(err, ErrServer) {
		t.Fatalf("expected ServerError for missing receipt, got %v", err)
	}
}

func TestProcessSaleSendsCustomerAndReference(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = io.WriteString(w, `{"sale_id":43,"payment_status":"paid"}`)
	})

	customerID := int64(77)
	if _, err := client.ProcessSale(context.Background(), domain.SaleRequest{
		StaffID:    2,
		StoreID:    1,
		CustomerID: &customerID,
		TotalCents: 5000,
		Lines:      []domain.SaleLine{{ItemID: 1, Quantity: 1, UnitPriceCents: 5000}},
		Payments:   []domain.SalePayment{{MethodID: 2, AmountCents: 5000, Reference: "QR-123"}},
	}); err != nil {
		t.Fatalf("process sale: %v", err)
	}

	if captured["sale_data"].(map[string]any)["customer_id"] != 77.0 {
		t.Fatalf("expected customer_id 77, got %+v", captured["sale_data"])
	}
	payment := captured["payments_data"].([]any)[0].(map[string]any)
	if payment["transaction_reference"] != "QR-123" {
		t.Fatalf("expected transaction reference, got %+v", payment)
	}
}

func TestFindCustomersByPhone(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/customers/" || r.URL.Query().Get("phone_number") != "0812345" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = io.WriteString(w, `[{"customer_id":5,"full_name":"Sari","phone_number":"0812345","email":null,"loyalty_points":12}]`)
	})

	customers, err := client.FindCustomersByPhone(context.Background(), "0812345")
	if err != nil {
		t.Fatalf("find customers: %v", err)
	}
	want := domain.Customer{ID: 5, FullName: "Sari", PhoneNumber: "0812345", LoyaltyPoints: 12}
	if len(customers) != 1 || customers[0] != want {
		t.Fatalf("expected %+v, got %+v", want, customers)
	}
}

func TestCustomerNotFoundIsServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"detail":"Customer not found"}`)
	})

	_, err := client.Customer(context.Background(), 404)
	var serr *ServerError
	if !errors.As(err, &serr) || serr.Status != http.StatusNotFound || serr.Message != "Customer not found" {
		t.Fatalf("expected 404 server error, got %v", err)
	}
}

func TestCreateCustomerPostsBackendSchema(t *testing.T) {
	var captured map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/customers/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"customer_id":9,"full_name":"Budi","phone_number":"0899000","loyalty_points":0}`)
	})

	cust, err := client.CreateCustomer(context.Background(), domain.CustomerCreateRequest{FullName: " Budi ", PhoneNumber: "0899000"})
	if err != nil {
		t.Fatalf("create customer: %v", err)
	}
	if cust.ID != 9 || cust.FullName != "Budi" {
		t.Fatalf("unexpected customer %+v", cust)
	}
	if captured["full_name"] != "Budi" || captured["email"] != nil || captured["loyalty_points"] != 0.0 {
		t.Fatalf("unexpected create payload %+v", captured)
	}
	if _, ok := captured["zip_code"]; !ok {
		t.Fatalf("expected address fields to be sent as null, got %+v", captured)
	}
}

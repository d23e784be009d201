package backend

import (
	"strings"

	"github.com/shopspring/decimal"

	"posgateway/internal/domain"
)

type itemDTO struct {
	ItemID     int64           `json:"item_id"`
	ItemName   string          `json:"item_name"`
	CategoryID *int64          `json:"category_id"`
	Price      decimal.Decimal `json:"price"`
	Quantity   *int            `json:"quantity"`
	Barcode    *string         `json:"barcode"`
}

func (d itemDTO) toDomain() domain.Product {
	p := domain.Product{
		ID:         d.ItemID,
		Name:       d.ItemName,
		PriceCents: toCents(d.Price),
		CategoryID: d.CategoryID,
	}
	if d.Quantity != nil {
		stock := *d.Quantity
		if stock < 0 {
			stock = 0
		}
		p.Stock = &stock
	}
	if d.Barcode != nil {
		p.Barcode = strings.TrimSpace(*d.Barcode)
	}
	return p
}

type categoryDTO struct {
	CategoryID   int64  `json:"category_id"`
	CategoryName string `json:"category_name"`
}

type discountDTO struct {
	DiscountID    int64           `json:"discount_id"`
	DiscountName  string          `json:"discount_name"`
	DiscountType  string          `json:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value"`
}

func (d discountDTO) toDomain() (domain.Discount, bool) {
	kind := domain.DiscountType(strings.ToLower(strings.TrimSpace(d.DiscountType)))
	if kind != domain.DiscountPercentage && kind != domain.DiscountFixedAmount {
		return domain.Discount{}, false
	}
	return domain.Discount{
		ID:    d.DiscountID,
		Name:  d.DiscountName,
		Type:  kind,
		Value: d.DiscountValue.InexactFloat64(),
	}, true
}

type taxDTO struct {
	TaxID         int64           `json:"tax_id"`
	TaxName       string          `json:"tax_name"`
	TaxPercentage decimal.Decimal `json:"tax_percentage"`
}

type paymentMethodDTO struct {
	PaymentMethodID   int64  `json:"payment_method_id"`
	PaymentMethodName string `json:"payment_method_name"`
	IsActive          *bool  `json:"is_active"`
}

type customerDTO struct {
	CustomerID    int64   `json:"customer_id"`
	FullName      string  `json:"full_name"`
	Email         *string `json:"email"`
	PhoneNumber   *string `json:"phone_number"`
	LoyaltyPoints *int    `json:"loyalty_points"`
}

func (d customerDTO) toDomain() domain.Customer {
	c := domain.Customer{ID: d.CustomerID, FullName: d.FullName}
	if d.Email != nil {
		c.Email = *d.Email
	}
	if d.PhoneNumber != nil {
		c.PhoneNumber = *d.PhoneNumber
	}
	if d.LoyaltyPoints != nil {
		c.LoyaltyPoints = *d.LoyaltyPoints
	}
	return c
}

// customerCreateDTO mirrors the backend's create schema; unknown address
// fields go as null and loyalty starts at zero.
type customerCreateDTO struct {
	FullName      string  `json:"full_name"`
	Email         *string `json:"email"`
	PhoneNumber   string  `json:"phone_number"`
	Street        *string `json:"street"`
	City          *string `json:"city"`
	State         *string `json:"state"`
	ZipCode       *string `json:"zip_code"`
	LoyaltyPoints int     `json:"loyalty_points"`
}

func newCustomerCreateDTO(req domain.CustomerCreateRequest) customerCreateDTO {
	dto := customerCreateDTO{
		FullName:    strings.TrimSpace(req.FullName),
		PhoneNumber: strings.TrimSpace(req.PhoneNumber),
	}
	if email := strings.TrimSpace(req.Email); email != "" {
		dto.Email = &email
	}
	return dto
}

type saleRequestDTO struct {
	SaleData     saleDataDTO   `json:"sale_data"`
	SaleItems    []saleItemDTO `json:"sale_items"`
	PaymentsData []paymentDTO  `json:"payments_data"`
}

type saleDataDTO struct {
	StaffID     int64  `json:"staff_id"`
	StoreID     int64  `json:"store_id"`
	CustomerID  *int64 `json:"customer_id"`
	TotalAmount money  `json:"total_amount"`
}

type saleItemDTO struct {
	ItemID    int64 `json:"item_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice money `json:"unit_price"`
	Discount  money `json:"discount"`
	Tax       money `json:"tax"`
}

type paymentDTO struct {
	Amount               money   `json:"amount"`
	PaymentMethodID      int64   `json:"payment_method_id"`
	TransactionReference *string `json:"transaction_reference"`
}

type saleResponseDTO struct {
	SaleID        *int64           `json:"sale_id"`
	PaymentStatus string           `json:"payment_status"`
	TotalAmount   *decimal.Decimal `json:"total_amount"`
}

func newSaleRequestDTO(req domain.SaleRequest) saleRequestDTO {
	dto := saleRequestDTO{
		SaleData: saleDataDTO{
			StaffID:     req.StaffID,
			StoreID:     req.StoreID,
			CustomerID:  req.CustomerID,
			TotalAmount: money(req.TotalCents),
		},
		SaleItems:    make([]saleItemDTO, 0, len(req.Lines)),
		PaymentsData: make([]paymentDTO, 0, len(req.Payments)),
	}
	for _, line := range req.Lines {
		dto.SaleItems = append(dto.SaleItems, saleItemDTO{
			ItemID:    line.ItemID,
			Quantity:  line.Quantity,
			UnitPrice: money(line.UnitPriceCents),
			Discount:  money(line.DiscountCents),
			Tax:       money(line.TaxCents),
		})
	}
	for _, p := range req.Payments {
		payment := paymentDTO{Amount: money(p.AmountCents), PaymentMethodID: p.MethodID}
		if ref := strings.TrimSpace(p.Reference); ref != "" {
			payment.TransactionReference = &ref
		}
		dto.PaymentsData = append(dto.PaymentsData, payment)
	}
	return dto
}

// money is an amount in cents written to the wire as a plain decimal number
// with two places.
type money int64

func (m money) MarshalJSON() ([]byte, error) {
	return []byte(decimal.New(int64(m), -2).StringFixed(2)), nil
}

func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

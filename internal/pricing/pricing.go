package pricing

import (
	"math"
	"math/big"
	"sort"

	"github.com/shopspring/decimal"

	"posgateway/internal/cart"
	"posgateway/internal/domain"
)

// Discount is a cart-level discount rule. The zero value applies no discount.
type Discount struct {
	Kind       domain.DiscountType
	Percent    float64
	FixedCents int64
}

// DiscountFrom converts a catalog discount into a rule. Fixed amounts arrive
// in major units and are rounded half away from zero to cents.
func DiscountFrom(d *domain.Discount) Discount {
	if d == nil {
		return Discount{}
	}
	switch d.Type {
	case domain.DiscountPercentage:
		return Discount{Kind: domain.DiscountPercentage, Percent: d.Value}
	case domain.DiscountFixedAmount:
		cents := decimal.NewFromFloat(d.Value).Shift(2).Round(0).IntPart()
		return Discount{Kind: domain.DiscountFixedAmount, FixedCents: cents}
	default:
		return Discount{}
	}
}

func TaxPercentFrom(t *domain.Tax) float64 {
	if t == nil {
		return 0
	}
	return t.Percentage
}

// ComputeTotals derives the order totals. Tax is applied to the amount left
// after the discount, and the discount never exceeds the subtotal.
func ComputeTotals(lines []cart.Line, discount Discount, taxPercent float64) domain.Totals {
	var subtotal int64
	for _, line := range lines {
		subtotal += line.SubtotalCents()
	}

	discountCents := discountAmount(subtotal, discount)
	afterDiscount := subtotal - discountCents

	if taxPercent < 0 || math.IsNaN(taxPercent) {
		taxPercent = 0
	}
	taxCents := percentOf(afterDiscount, taxPercent)

	return domain.Totals{
		SubtotalCents: subtotal,
		DiscountCents: discountCents,
		TaxCents:      taxCents,
		FinalCents:    afterDiscount + taxCents,
	}
}

func discountAmount(subtotal int64, discount Discount) int64 {
	var amount int64
	switch discount.Kind {
	case domain.DiscountPercentage:
		if discount.Percent > 0 {
			amount = percentOf(subtotal, discount.Percent)
		}
	case domain.DiscountFixedAmount:
		amount = discount.FixedCents
	}
	if amount < 0 {
		return 0
	}
	if amount > subtotal {
		return subtotal
	}
	return amount
}

func percentOf(base int64, percent float64) int64 {
	return int64(math.Round(float64(base) * percent / 100))
}

// ChangeDue is what the operator hands back for a tendered amount.
func ChangeDue(tenderedCents, finalCents int64) int64 {
	if tenderedCents <= finalCents {
		return 0
	}
	return tenderedCents - finalCents
}

type LineAllocation struct {
	ProductID     int64
	SubtotalCents int64
	DiscountCents int64
	TaxCents      int64
	TotalCents    int64
}

// Allocate spreads the order discount and tax across lines in proportion to
// each line's share, so the line totals add up to totals.FinalCents exactly.
func Allocate(lines []cart.Line, totals domain.Totals) []LineAllocation {
	out := make([]LineAllocation, len(lines))
	subtotals := make([]int64, len(lines))
	for i, line := range lines {
		subtotals[i] = line.SubtotalCents()
		out[i] = LineAllocation{ProductID: line.ProductID, SubtotalCents: subtotals[i]}
	}

	discounts := spread(totals.DiscountCents, subtotals)
	net := make([]int64, len(lines))
	for i := range out {
		out[i].DiscountCents = discounts[i]
		net[i] = subtotals[i] - discounts[i]
	}

	taxes := spread(totals.TaxCents, net)
	for i := range out {
		out[i].TaxCents = taxes[i]
		out[i].TotalCents = net[i] + taxes[i]
	}
	return out
}

// spread splits amount by weight using the largest remainder method.
func spread(amount int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	if amount == 0 || len(weights) == 0 {
		return shares
	}

	var total int64
	for _, w := range weights {
		total += w
	}
	if total <= 0 {
		shares[0] = amount
		return shares
	}

	// amount*w overflows int64 for large carts.
	type remainder struct {
		idx  int
		frac *big.Int
	}
	bigAmount := big.NewInt(amount)
	bigTotal := big.NewInt(total)
	rems := make([]remainder, len(weights))
	var assigned int64
	for i, w := range weights {
		product := new(big.Int).Mul(bigAmount, big.NewInt(w))
		quo, rem := new(big.Int).QuoRem(product, bigTotal, new(big.Int))
		shares[i] = quo.Int64()
		rems[i] = remainder{idx: i, frac: rem}
		assigned += shares[i]
	}

	sort.SliceStable(rems, func(i, j int) bool {
		return rems[i].frac.Cmp(rems[j].frac) > 0
	})
	// The floors leave fewer than len(weights) cents unassigned.
	for left, k := amount-assigned, 0; left > 0 && k < len(rems); left, k = left-1, k+1 {
		shares[rems[k].idx]++
	}
	return shares
}

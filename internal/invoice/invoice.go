// Package invoice computes sale totals. Calculate has no side effects and
// returns identical results for identical inputs.
package invoice

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tokosync/backend/internal/domain"
	"tokosync/backend/internal/store"
)

// CurrencyPlaces is the minor-unit precision of the single supported currency.
const CurrencyPlaces = 2

type Line struct {
	UnitPrice decimal.Decimal
	Quantity  int
}

type Input struct {
	Lines        []Line
	Discount     decimal.Decimal
	DiscountKind domain.DiscountKind
	TaxRate      decimal.Decimal
}

type Totals struct {
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	Total          decimal.Decimal
}

var hundred = decimal.NewFromInt(100)

func Calculate(in Input) (Totals, error) {
	subtotal := decimal.Zero
	for i, line := range in.Lines {
		if line.Quantity < 1 {
			return Totals{}, fmt.Errorf("%w: line %d quantity %d", store.ErrInvalidInput, i, line.Quantity)
		}
		if line.UnitPrice.IsNegative() {
			return Totals{}, fmt.Errorf("%w: line %d unit price %s", store.ErrInvalidInput, i, line.UnitPrice)
		}
		subtotal = subtotal.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	if in.Discount.IsNegative() {
		return Totals{}, fmt.Errorf("%w: negative discount", store.ErrInvalidInput)
	}
	if in.TaxRate.IsNegative() {
		return Totals{}, fmt.Errorf("%w: negative tax rate", store.ErrInvalidInput)
	}

	var discount decimal.Decimal
	switch in.DiscountKind {
	case domain.DiscountFixed, "":
		discount = in.Discount
	case domain.DiscountPercentage:
		discount = subtotal.Mul(in.Discount).Div(hundred)
	default:
		return Totals{}, fmt.Errorf("%w: unknown discount kind %q", store.ErrInvalidInput, in.DiscountKind)
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}

	tax := subtotal.Mul(in.TaxRate).Div(hundred)

	// Round once at the end; totals are never negative so Round's
	// half-away-from-zero is half-up here.
	total := subtotal.Sub(discount).Add(tax).Round(CurrencyPlaces)

	return Totals{
		Subtotal:       subtotal,
		DiscountAmount: discount,
		TaxAmount:      tax,
		Total:          total,
	}, nil
}

// Verify reports whether stored totals match a fresh computation.
func Verify(in Input, stored Totals) bool {
	computed, err := Calculate(in)
	if err != nil {
		return false
	}
	return computed.Subtotal.Equal(stored.Subtotal) &&
		computed.DiscountAmount.Equal(stored.DiscountAmount) &&
		computed.TaxAmount.Equal(stored.TaxAmount) &&
		computed.Total.Equal(stored.Total)
}

// ForSale builds the calculator input from a sale's items and modifiers.
func ForSale(sale domain.Sale) Input {
	lines := make([]Line, 0, len(sale.Items))
	for _, item := range sale.Items {
		lines = append(lines, Line{UnitPrice: item.UnitPrice, Quantity: item.Quantity})
	}
	return Input{
		Lines:        lines,
		Discount:     sale.Discount,
		DiscountKind: sale.DiscountKind,
		TaxRate:      sale.TaxRate,
	}
}

// Stored extracts the derived totals persisted on a sale.
func Stored(sale domain.Sale) Totals {
	return Totals{
		Subtotal:       sale.Subtotal,
		DiscountAmount: sale.DiscountAmount,
		TaxAmount:      sale.TaxAmount,
		Total:          sale.Total,
	}
}

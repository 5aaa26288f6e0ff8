// Package settlement computes how an escrowed trade amount is split between
// the seller, the buyer's refund and the platform when a trade settles.
//
// The split is a pure function of (total, fee, ratio). Money is held at
// MoneyScale decimal places and each output is rounded exactly once, half
// away from zero, so that Seller + Refund + Fee == total with no remainder.
package settlement

import (
	"errors"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of minor-unit digits kept on every amount.
const MoneyScale int32 = 2

// UnitScale is the number of decimal places kept on kWh quantities.
const UnitScale int32 = 4

var (
	// ErrNegativeTotal is returned when the escrowed total is below zero.
	ErrNegativeTotal = errors.New("settlement: total must be non-negative")

	// ErrInvalidFee is returned when the nominal fee is negative or larger
	// than the total it was charged on.
	ErrInvalidFee = errors.New("settlement: fee must be within [0, total]")

	one = decimal.NewFromInt(1)
)

// Split is the outcome of settling one trade.
type Split struct {
	Seller decimal.Decimal `json:"seller"` // credited to the seller
	Refund decimal.Decimal `json:"refund"` // credited back to the buyer
	Fee    decimal.Decimal `json:"fee"`    // retained by the platform
}

// Sum returns Seller + Refund + Fee.
func (s Split) Sum() decimal.Decimal {
	return s.Seller.Add(s.Refund).Add(s.Fee)
}

// RoundMoney rounds an amount to MoneyScale, half away from zero.
func RoundMoney(v decimal.Decimal) decimal.Decimal {
	return v.Round(MoneyScale)
}

// WithinScale reports whether v has at most scale decimal places, i.e. it
// is stored without rounding.
func WithinScale(v decimal.Decimal, scale int32) bool {
	return v.Equal(v.Truncate(scale))
}

// Total computes the escrow amount for a purchase: units * pricePerUnit.
func Total(units, pricePerUnit decimal.Decimal) decimal.Decimal {
	return RoundMoney(units.Mul(pricePerUnit))
}

// Fee computes the nominal platform fee on a total: total * rate.
func Fee(total, rate decimal.Decimal) decimal.Decimal {
	return RoundMoney(total.Mul(rate))
}

// Clamp bounds a ratio to [0, 1].
func Clamp(ratio decimal.Decimal) decimal.Decimal {
	if ratio.IsNegative() {
		return decimal.Zero
	}
	if ratio.GreaterThan(one) {
		return one
	}
	return ratio
}

// Ratio returns delivered / requested clamped to [0, 1]. A non-positive
// request yields zero.
func Ratio(delivered, requested decimal.Decimal) decimal.Decimal {
	if !requested.IsPositive() {
		return decimal.Zero
	}
	return Clamp(delivered.Div(requested))
}

// Settle splits total for a delivery ratio:
//
//	refund = total - ratio*total
//	seller = ratio * (total - fee)
//	fee    = total - seller - refund
//
// The fee is only ever deducted from the seller's share. The platform
// retains the fee pro rata to what was delivered, plus any rounding
// remainder, so the three parts always add back up to total.
func Settle(total, fee, ratio decimal.Decimal) (Split, error) {
	if total.IsNegative() {
		return Split{}, ErrNegativeTotal
	}
	if fee.IsNegative() || fee.GreaterThan(total) {
		return Split{}, ErrInvalidFee
	}
	ratio = Clamp(ratio)

	refund := RoundMoney(total.Sub(ratio.Mul(total)))
	seller := RoundMoney(ratio.Mul(total.Sub(fee)))

	// Two independent half-up roundings can overshoot by one minor unit.
	if ceiling := total.Sub(refund); seller.GreaterThan(ceiling) {
		seller = ceiling
	}

	return Split{
		Seller: seller,
		Refund: refund,
		Fee:    total.Sub(seller).Sub(refund),
	}, nil
}

// Package fees computes the platform commission withheld from rental payments.
//
// All arithmetic is done on decimal amounts and rounded half away from zero
// to the minor unit of the payment currency (cents for USD, whole yen for JPY).
package fees

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultPercentage is the platform fee applied when none is configured.
var DefaultPercentage = decimal.NewFromInt(10)

var (
	ErrInvalidPercentage = errors.New("fee percentage must be between 0 and 100")
	ErrNegativeAmount    = errors.New("amount must not be negative")
)

var hundred = decimal.NewFromInt(100)

// Currencies whose minor unit is not the usual 1/100.
var minorUnitOverrides = map[string]int32{
	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0, "ISK": 0, "UGX": 0, "RWF": 0, "XAF": 0, "XOF": 0,
	"KWD": 3, "BHD": 3, "JOD": 3, "OMR": 3, "TND": 3, "LYD": 3, "IQD": 3,
}

// MinorUnits returns the number of decimal places used by currency.
func MinorUnits(currency string) int32 {
	if n, ok := minorUnitOverrides[strings.ToUpper(currency)]; ok {
		return n
	}
	return 2
}

// Round rounds amount to the currency's minor unit.
func Round(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(MinorUnits(currency))
}

// HasValidPrecision reports whether amount is representable in the currency
// without sub-minor-unit digits.
func HasValidPrecision(amount decimal.Decimal, currency string) bool {
	return amount.Equal(Round(amount, currency))
}

// Fee returns round(amount * percentage / 100).
func Fee(amount, percentage decimal.Decimal, currency string) (decimal.Decimal, error) {
	if percentage.IsNegative() || percentage.GreaterThan(hundred) {
		return decimal.Zero, ErrInvalidPercentage
	}
	if amount.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return Round(amount.Mul(percentage).Div(hundred), currency), nil
}

// Payout returns the net amount owed to the owner once fee is withheld.
func Payout(amount, fee decimal.Decimal) decimal.Decimal {
	return amount.Sub(fee)
}

// Breakdown is the result of applying a fee to a gross amount.
type Breakdown struct {
	Gross decimal.Decimal `json:"gross"`
	Fee   decimal.Decimal `json:"fee"`
	Net   decimal.Decimal `json:"net"`
}

// Compute applies percentage to amount and returns gross, fee and net.
func Compute(amount, percentage decimal.Decimal, currency string) (Breakdown, error) {
	fee, err := Fee(amount, percentage, currency)
	if err != nil {
		return Breakdown{}, err
	}
	return Breakdown{Gross: amount, Fee: fee, Net: Payout(amount, fee)}, nil
}

// SumsTo reports whether a + b equals total once each side is rounded to the
// currency's minor unit.
func SumsTo(a, b, total decimal.Decimal, currency string) bool {
	return Round(a.Add(b), currency).Equal(Round(total, currency))
}

// ErrSplitMismatch is returned by Split when the legs do not add up to the total.
var ErrSplitMismatch = errors.New("refund and release amounts must sum to the escrowed amount")

// SplitBreakdown divides an escrowed total between a renter refund and an
// owner release. The platform fee applies only to the released portion.
type SplitBreakdown struct {
	Refund  decimal.Decimal `json:"refund"`
	Release Breakdown       `json:"release"`
}

// Split validates refund + release == total and applies percentage to release.
func Split(total, refund, release, percentage decimal.Decimal, currency string) (SplitBreakdown, error) {
	if refund.IsNegative() || release.IsNegative() {
		return SplitBreakdown{}, ErrNegativeAmount
	}
	if !SumsTo(refund, release, total, currency) {
		return SplitBreakdown{}, ErrSplitMismatch
	}
	rel, err := Compute(Round(release, currency), percentage, currency)
	if err != nil {
		return SplitBreakdown{}, err
	}
	return SplitBreakdown{Refund: Round(refund, currency), Release: rel}, nil
}

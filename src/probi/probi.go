package probi

import (
	"github.com/shopspring/decimal"
)

// probi are stored as integral sub-units, these are the multipliers from
// whole currency units
const (
	BatScale int64 = 1000000000000000000
	KasScale int64 = 100000000 // multiplier from kas to non-decimal used in the db
)

const QuantumPrecision = 18

var (
	FeePercent        = decimal.RequireFromString("0.05")
	RoundingTolerance = decimal.New(1, 11)
	SlippageFloor     = decimal.RequireFromString("0.90")
)

// SameWithin reports whether two probi amounts agree once normalized to the
// rounding tolerance. An absent previous value is never the same.
func SameWithin(previous decimal.NullDecimal, current decimal.Decimal) bool {
	if !previous.Valid {
		return false
	}
	return previous.Decimal.Div(RoundingTolerance).Round(0).Equal(current.Div(RoundingTolerance).Round(0))
}

// TruncEqual compares only the integral parts
func TruncEqual(a, b decimal.Decimal) bool {
	return a.Truncate(0).Equal(b.Truncate(0))
}

// SplitFee prices counts votes at quantum and carves the fixed fee out of it
func SplitFee(quantum decimal.Decimal, counts int64) (payable, fees decimal.Decimal) {
	gross := quantum.Mul(decimal.NewFromInt(counts))
	fees = gross.Mul(FeePercent)
	return gross.Sub(fees), fees
}

// Quantum is inputs per vote, zero when there are no votes
func Quantum(inputs decimal.Decimal, votes int64) decimal.Decimal {
	if votes <= 0 {
		return decimal.Zero
	}
	return inputs.DivRound(decimal.NewFromInt(votes), QuantumPrecision)
}

// FromAlt converts whole units into probi
func FromAlt(amount decimal.Decimal, scale decimal.Decimal) decimal.Decimal {
	return amount.Mul(scale)
}

// ToAlt converts probi into whole units
func ToAlt(probi decimal.Decimal, scale decimal.Decimal) decimal.Decimal {
	if scale.IsZero() {
		return decimal.Zero
	}
	return probi.Div(scale)
}

func Sum(values ...decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	return decimal.Sum(values[0], values[1:]...)
}

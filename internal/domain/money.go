package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money is a monetary value on one balance kind.
// Amount is stored as BIGINT micros (10^-6) to avoid floating point errors.
type Money struct {
	Amount int64 // micros
	Kind   string
}

// NewMoney creates a Money value from micros.
func NewMoney(amount int64, kind string) Money {
	return Money{Amount: amount, Kind: kind}
}

// ToDecimal converts the int64 micros to a shopspring/decimal.Decimal.
func (m Money) ToDecimal() decimal.Decimal {
	return decimal.NewFromInt(m.Amount).Div(decimal.NewFromInt(1_000_000))
}

// FromDecimal converts a decimal.Decimal to int64 micros, rounding down.
func FromDecimal(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(1_000_000)).IntPart()
}

// Neg returns the value with the sign flipped.
func (m Money) Neg() Money {
	return Money{Amount: -m.Amount, Kind: m.Kind}
}

// String renders the value with two decimal places for logs and notes.
func (m Money) String() string {
	return fmt.Sprintf("%s %s", m.ToDecimal().StringFixed(2), m.Kind)
}

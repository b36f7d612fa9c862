package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestMoneyDecimalRoundTrip(t *testing.T) {
	m := NewMoney(1_234_560, BalanceRedeemable)
	require.Equal(t, "1.23456", m.ToDecimal().String())
	require.Equal(t, int64(1_234_560), FromDecimal(m.ToDecimal()))
}

func TestFromDecimalRoundsDown(t *testing.T) {
	d := decimal.RequireFromString("0.0000019")
	require.Equal(t, int64(1), FromDecimal(d))
}

func TestMoneyNeg(t *testing.T) {
	m := NewMoney(40_000_000, BalanceRedeemable)
	require.Equal(t, int64(-40_000_000), m.Neg().Amount)
	require.Equal(t, BalanceRedeemable, m.Neg().Kind)
}

func TestMoneyString(t *testing.T) {
	require.Equal(t, "40.00 redeemable", NewMoney(40_000_000, BalanceRedeemable).String())
}

func TestValidBalanceKind(t *testing.T) {
	for _, k := range BalanceKinds {
		require.True(t, ValidBalanceKind(k))
	}
	require.False(t, ValidBalanceKind("bonus"))
}

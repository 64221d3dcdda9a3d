// Package money holds the ledger's fixed-point representation and the conversions
// between ledger units, token units and on-chain base units.
package money

import (
	"errors"
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// LedgerScale is the number of fractional digits kept for ledger balances.
const LedgerScale = 2

var (
	ErrInvalidRate = errors.New("exchange rate must be positive")
	ErrPrecision   = errors.New("amount has more precision than the ledger supports")
	ErrOverflow    = errors.New("amount does not fit the ledger")
)

var (
	maxMinor = decimal.NewFromInt(math.MaxInt64)
	minMinor = decimal.NewFromInt(math.MinInt64)
)

// Minor is a ledger amount in minor units (hundredths of the ledger currency).
type Minor int64

// FromDecimal converts a ledger-denominated decimal into minor units. Amounts with
// sub-cent precision are rejected rather than rounded.
func FromDecimal(d decimal.Decimal) (Minor, error) {
	shifted := d.Shift(LedgerScale)
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrPrecision, d)
	}
	return fromShifted(shifted)
}

// Parse reads a ledger amount such as "1300" or "650.25".
func Parse(s string) (Minor, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

func fromShifted(shifted decimal.Decimal) (Minor, error) {
	if shifted.GreaterThan(maxMinor) || shifted.LessThan(minMinor) {
		return 0, ErrOverflow
	}
	return Minor(shifted.IntPart()), nil
}

func (m Minor) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -LedgerScale)
}

func (m Minor) String() string {
	return m.Decimal().StringFixed(LedgerScale)
}

func (m Minor) MarshalJSON() ([]byte, error) {
	return []byte(`"` + m.String() + `"`), nil
}

// ToLedger converts a token amount at rate into ledger minor units, rounding half away
// from zero on the last ledger digit.
func ToLedger(token, rate decimal.Decimal) (Minor, error) {
	if !rate.IsPositive() {
		return 0, ErrInvalidRate
	}
	return fromShifted(token.Mul(rate).Shift(LedgerScale).Round(0))
}

// ToToken converts ledger minor units into a token amount at rate, truncated to the
// token's decimals so the platform never sends more than was debited.
func ToToken(amount Minor, rate decimal.Decimal, tokenDecimals int32) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, ErrInvalidRate
	}
	return amount.Decimal().DivRound(rate, tokenDecimals+8).Truncate(tokenDecimals), nil
}

// ToBaseUnits converts a token amount into the integer unit used on chain.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FromBaseUnits converts an on-chain integer amount into token units.
func FromBaseUnits(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}

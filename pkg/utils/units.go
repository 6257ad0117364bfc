package utils

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// FromBaseUnits converts a fixed-point on-chain integer into token units.
// The result is exact: a token with d decimals never needs more than d
// fractional digits.
func FromBaseUnits(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}

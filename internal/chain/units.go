package chain

import (
	"math/big"
)

// Fixed-point conventions shared by the platform contracts.
const (
	// PriceDecimals is the oracle price fixed-point precision.
	PriceDecimals = 8
	// TokenDecimals is the precision of both the synthetic and settlement
	// tokens.
	TokenDecimals = 18
)

// ToBaseUnits converts a decimal value into contract base units at the given
// precision, truncating sub-unit remainder.
func ToBaseUnits(value float64, decimals int) *big.Int {
	f := new(big.Float).SetFloat64(value)
	f.Mul(f, pow10Float(decimals))
	out, _ := f.Int(nil)
	return out
}

// FromBaseUnits converts contract base units back into a decimal value.
func FromBaseUnits(value *big.Int, decimals int) float64 {
	if value == nil {
		return 0
	}
	f := new(big.Float).SetInt(value)
	f.Quo(f, pow10Float(decimals))
	out, _ := f.Float64()
	return out
}

func pow10Float(decimals int) *big.Float {
	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Float).SetInt(exp)
}

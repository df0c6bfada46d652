package lending

import (
	"fmt"
	"math/big"
	"strings"
)

// Rounding selects the direction applied when a proportional amount does not
// divide evenly. Amounts paid out to users round down; amounts owed by users
// round up.
type Rounding uint8

const (
	RoundDown Rounding = iota
	RoundUp
)

var (
	// Wad is the fixed-point base (1e18) for rates, factors, indexes and USD
	// values.
	Wad = big.NewInt(1_000_000_000_000_000_000)

	one = big.NewInt(1)

	// RepayAll asks a repay to settle the borrower's full outstanding debt.
	RepayAll = new(big.Int).Sub(new(big.Int).Lsh(one, 256), one)

	// HealthFactorInfinite is reported for accounts without debt.
	HealthFactorInfinite = new(big.Int).Set(RepayAll)
)

// MulDiv returns a*b/d rounded in the requested direction. Inputs are
// expected to be non-negative; a zero divisor yields zero.
func MulDiv(a, b, d *big.Int, rounding Rounding) *big.Int {
	if a == nil || b == nil || d == nil || d.Sign() == 0 {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	quo, rem := new(big.Int).QuoRem(product, d, new(big.Int))
	if rounding == RoundUp && rem.Sign() != 0 {
		quo.Add(quo, one)
	}
	return quo
}

// WadMul multiplies a by the wad-scaled factor b.
func WadMul(a, b *big.Int, rounding Rounding) *big.Int {
	return MulDiv(a, b, Wad, rounding)
}

// WadDiv divides a by the wad-scaled factor b.
func WadDiv(a, b *big.Int, rounding Rounding) *big.Int {
	return MulDiv(a, Wad, b, rounding)
}

// ParseWad converts a decimal string such as "0.75" into its wad
// representation. Digits beyond 18 decimals are truncated.
func ParseWad(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("empty decimal")
	}
	r, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("invalid decimal %q", value)
	}
	if r.Sign() < 0 {
		return nil, fmt.Errorf("negative decimal %q", value)
	}
	return ratToWad(r), nil
}

// MustWad is ParseWad for constants and tests.
func MustWad(value string) *big.Int {
	v, err := ParseWad(value)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatWad renders a wad value as a decimal string with up to 18 places.
func FormatWad(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return new(big.Rat).SetFrac(value, Wad).FloatString(18)
}

func ratToWad(r *big.Rat) *big.Int {
	if r == nil {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(r.Num(), Wad)
	return scaled.Quo(scaled, r.Denom())
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

func minInt(values ...*big.Int) *big.Int {
	var out *big.Int
	for _, v := range values {
		if v == nil {
			continue
		}
		if out == nil || v.Cmp(out) < 0 {
			out = v
		}
	}
	if out == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(out)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func isPositive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}

func subFloor(a, b *big.Int) *big.Int {
	out := new(big.Int).Sub(cloneInt(a), cloneInt(b))
	if out.Sign() < 0 {
		return big.NewInt(0)
	}
	return out
}

package lending

import (
	"fmt"
	"math/big"
)

// InterestRateModel prices borrowing for a market. Implementations must be
// pure functions of their inputs.
type InterestRateModel interface {
	// BorrowRatePerTick returns the wad-scaled borrow rate applied per tick
	// given the market's cash, current total debt and reserves.
	BorrowRatePerTick(cash, debt, reserves *big.Int) (*big.Int, error)
}

// KinkedRateModel encapsulates the parameters that shape how interest rates
// react to market utilisation. Rates are annual and converted to per-tick
// rates using TicksPerYear.
type KinkedRateModel struct {
	// BaseRate is the minimum borrow APR applied when utilisation is zero.
	BaseRate *big.Rat
	// Slope1 is the borrow APR increase per unit of utilisation up to the
	// kink point.
	Slope1 *big.Rat
	// Slope2 governs the additional APR increase applied when utilisation
	// exceeds the kink point.
	Slope2 *big.Rat
	// Kink represents the utilisation ratio where the borrow rate slope
	// changes to encourage liquidity.
	Kink         *big.Rat
	TicksPerYear uint64
}

// NewKinkedRateModel constructs a model from decimal strings, e.g. a 2% base
// rate is "0.02" and an 80% kink utilisation is "0.8".
func NewKinkedRateModel(baseRate, slope1, slope2, kink string, ticksPerYear uint64) (*KinkedRateModel, error) {
	if ticksPerYear == 0 {
		return nil, fmt.Errorf("%w: ticks per year must be positive", ErrInvalidParameter)
	}
	parse := func(name, value string) (*big.Rat, error) {
		r, ok := new(big.Rat).SetString(value)
		if !ok || r.Sign() < 0 {
			return nil, fmt.Errorf("%w: %s %q", ErrInvalidParameter, name, value)
		}
		return r, nil
	}
	model := &KinkedRateModel{TicksPerYear: ticksPerYear}
	var err error
	if model.BaseRate, err = parse("base rate", baseRate); err != nil {
		return nil, err
	}
	if model.Slope1, err = parse("slope1", slope1); err != nil {
		return nil, err
	}
	if model.Slope2, err = parse("slope2", slope2); err != nil {
		return nil, err
	}
	if model.Kink, err = parse("kink", kink); err != nil {
		return nil, err
	}
	if model.Kink.Cmp(big.NewRat(1, 1)) > 0 {
		return nil, fmt.Errorf("%w: kink above 1", ErrInvalidParameter)
	}
	return model, nil
}

// Utilisation computes U = debt / (cash + debt - reserves). When no liquidity
// exists the utilisation is defined as zero.
func (m *KinkedRateModel) Utilisation(cash, debt, reserves *big.Int) *big.Rat {
	if debt == nil || debt.Sign() == 0 {
		return new(big.Rat)
	}
	total := new(big.Int).Add(cloneInt(cash), debt)
	total.Sub(total, cloneInt(reserves))
	if total.Sign() <= 0 {
		return new(big.Rat)
	}
	return new(big.Rat).SetFrac(debt, total)
}

// BorrowAPR derives the annual borrow rate for the current utilisation.
func (m *KinkedRateModel) BorrowAPR(cash, debt, reserves *big.Int) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	utilisation := m.Utilisation(cash, debt, reserves)
	if utilisation.Sign() == 0 {
		return rate
	}
	kink := cloneRat(m.Kink)
	if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), utilisation))
	}
	rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), kink))
	excess := new(big.Rat).Sub(utilisation, kink)
	return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope2), excess))
}

// BorrowRatePerTick implements InterestRateModel.
func (m *KinkedRateModel) BorrowRatePerTick(cash, debt, reserves *big.Int) (*big.Int, error) {
	if m == nil || m.TicksPerYear == 0 {
		return nil, ErrInterestModelMissing
	}
	apr := m.BorrowAPR(cash, debt, reserves)
	perTick := apr.Quo(apr, new(big.Rat).SetUint64(m.TicksPerYear))
	return ratToWad(perTick), nil
}

// FixedRateModel charges a constant per-tick rate regardless of utilisation.
type FixedRateModel struct {
	RatePerTick *big.Int
}

// BorrowRatePerTick implements InterestRateModel.
func (m FixedRateModel) BorrowRatePerTick(_, _, _ *big.Int) (*big.Int, error) {
	return cloneInt(m.RatePerTick), nil
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

package lending

import (
	"math/big"

	"moneymarket/crypto"
)

// MarketView is a read-only summary of one market at its last accrual.
type MarketView struct {
	Asset               string
	Decimals            uint8
	Cash                *big.Int
	TotalBorrows        *big.Int
	TotalReserves       *big.Int
	TotalShares         *big.Int
	ExchangeRate        *big.Int
	InitialExchangeRate *big.Int
	BorrowIndex         *big.Int
	Utilisation         *big.Int
	BorrowRatePerTick   *big.Int
	ReserveFactor       *big.Int
	InsuranceFactor     *big.Int
	FlashFeeRate        *big.Int
	LastAccrualTick     uint64
	Risk                *RiskConfig
}

// SupplyView is one entry of an account's supplied set.
type SupplyView struct {
	Asset      string
	Shares     *big.Int
	Underlying *big.Int
}

// BorrowView is one entry of an account's borrowed set.
type BorrowView struct {
	Asset string
	Debt  *big.Int
}

// AccountView summarises a user's position across markets.
type AccountView struct {
	Address               crypto.Address
	Supplied              []SupplyView
	Borrowed              []BorrowView
	CollateralAtFactor    *big.Int
	CollateralAtThreshold *big.Int
	Debt                  *big.Int
	HealthFactor          *big.Int
	Liquidatable          bool
}

// MarketSnapshot reports a market's stored totals and derived rates.
func (r *Registry) MarketSnapshot(asset string) (*MarketView, error) {
	ledger, err := r.Ledger(asset)
	if err != nil {
		return nil, err
	}
	market, err := ledger.market()
	if err != nil {
		return nil, err
	}
	cash, err := ledger.Cash()
	if err != nil {
		return nil, err
	}
	supply, err := ledger.shares.TotalSupply()
	if err != nil {
		return nil, err
	}
	rate, err := ledger.shares.exchangeRate(market)
	if err != nil {
		return nil, err
	}
	borrows := totalBorrows(market)
	view := &MarketView{
		Asset:               market.Asset,
		Decimals:            market.Decimals,
		Cash:                cash,
		TotalBorrows:        borrows,
		TotalReserves:       cloneInt(market.TotalReserves),
		TotalShares:         supply,
		ExchangeRate:        rate,
		InitialExchangeRate: cloneInt(market.InitialExchangeRate),
		BorrowIndex:         cloneInt(market.BorrowIndex),
		Utilisation:         utilisation(cash, borrows, market.TotalReserves),
		BorrowRatePerTick:   big.NewInt(0),
		ReserveFactor:       cloneInt(market.ReserveFactor),
		InsuranceFactor:     cloneInt(market.InsuranceFactor),
		FlashFeeRate:        cloneInt(market.FlashFeeRate),
		LastAccrualTick:     market.LastAccrualTick,
	}
	if model, ok := r.models[market.Asset]; ok && model != nil {
		if perTick, err := model.BorrowRatePerTick(cash, borrows, market.TotalReserves); err == nil {
			view.BorrowRatePerTick = perTick
		}
	}
	if cfg, err := r.state.GetRiskConfig(market.Asset); err == nil && cfg != nil {
		view.Risk = cfg
	}
	return view, nil
}

// AccountSnapshot reports the user's balances, values and health.
func (r *Registry) AccountSnapshot(user crypto.Address) (*AccountView, error) {
	pos, err := r.position(user)
	if err != nil {
		return nil, err
	}
	view := &AccountView{Address: user}
	for _, asset := range pos.Supplied {
		ledger := r.ledgerFor(asset)
		shares, err := ledger.shares.BalanceOf(user)
		if err != nil {
			return nil, err
		}
		underlying, err := r.risk.suppliedUnderlying(asset, user)
		if err != nil {
			return nil, err
		}
		view.Supplied = append(view.Supplied, SupplyView{Asset: asset, Shares: shares, Underlying: underlying})
	}
	for _, asset := range pos.Borrowed {
		debt, err := r.ledgerFor(asset).BorrowBalance(user)
		if err != nil {
			return nil, err
		}
		view.Borrowed = append(view.Borrowed, BorrowView{Asset: asset, Debt: debt})
	}
	values, err := r.risk.AccountValues(user)
	if err != nil {
		return nil, err
	}
	view.CollateralAtFactor = values.CollateralAtFactor
	view.CollateralAtThreshold = values.CollateralAtThreshold
	view.Debt = values.Debt
	view.HealthFactor = healthFactor(values)
	view.Liquidatable = values.Debt.Sign() > 0 && values.CollateralAtThreshold.Cmp(values.Debt) < 0
	return view, nil
}

// utilisation returns debt / (cash + debt - reserves) as a wad.
func utilisation(cash, debt, reserves *big.Int) *big.Int {
	if !isPositive(debt) {
		return big.NewInt(0)
	}
	total := new(big.Int).Add(cloneInt(cash), debt)
	total.Sub(total, cloneInt(reserves))
	if total.Sign() <= 0 {
		return big.NewInt(0)
	}
	return MulDiv(debt, Wad, total, RoundDown)
}

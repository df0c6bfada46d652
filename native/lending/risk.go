package lending

import (
	"fmt"
	"math/big"

	"moneymarket/crypto"
)

// AccountValues aggregates a user's USD-denominated position (wad).
type AccountValues struct {
	// CollateralAtFactor is collateral weighted by collateral factors; it
	// bounds borrowing.
	CollateralAtFactor *big.Int
	// CollateralAtThreshold is collateral weighted by liquidation thresholds;
	// it bounds solvency.
	CollateralAtThreshold *big.Int
	Debt                  *big.Int
}

// RiskController prices positions and admits borrows and withdrawals. Every
// read goes to the current ledger, share and price state; nothing is cached
// between calls.
type RiskController struct {
	reg *Registry
}

// RiskConfig returns the stored risk parameters for an asset.
func (c *RiskController) RiskConfig(asset string) (*RiskConfig, error) {
	cfg, err := c.reg.state.GetRiskConfig(normalizeAsset(asset))
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: %s", ErrRiskConfigMissing, asset)
	}
	return cfg, nil
}

// Price returns the feed price for an asset, rejecting non-positive values.
func (c *RiskController) Price(asset string) (*big.Int, error) {
	cfg, err := c.RiskConfig(asset)
	if err != nil {
		return nil, err
	}
	return c.price(cfg)
}

func (c *RiskController) price(cfg *RiskConfig) (*big.Int, error) {
	price, err := c.reg.feed.GetPrice(cfg.PriceFeedID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	if !isPositive(price) {
		return nil, fmt.Errorf("%w: feed %s", ErrInvalidPrice, cfg.PriceFeedID)
	}
	return price, nil
}

// ValueOf converts an asset amount into USD (wad).
func (c *RiskController) ValueOf(asset string, amount *big.Int, rounding Rounding) (*big.Int, error) {
	cfg, err := c.RiskConfig(asset)
	if err != nil {
		return nil, err
	}
	price, err := c.price(cfg)
	if err != nil {
		return nil, err
	}
	return MulDiv(amount, price, pow10(cfg.Decimals), rounding), nil
}

// AmountFor converts a USD value (wad) into units of asset.
func (c *RiskController) AmountFor(asset string, value *big.Int, rounding Rounding) (*big.Int, error) {
	cfg, err := c.RiskConfig(asset)
	if err != nil {
		return nil, err
	}
	price, err := c.price(cfg)
	if err != nil {
		return nil, err
	}
	return MulDiv(value, pow10(cfg.Decimals), price, rounding), nil
}

// AccountValues sums the user's collateral (rounded down) and debt (rounded
// up) across every market in the user's position.
func (c *RiskController) AccountValues(user crypto.Address) (*AccountValues, error) {
	pos, err := c.reg.position(user)
	if err != nil {
		return nil, err
	}
	out := &AccountValues{
		CollateralAtFactor:    big.NewInt(0),
		CollateralAtThreshold: big.NewInt(0),
		Debt:                  big.NewInt(0),
	}
	for _, asset := range pos.Supplied {
		cfg, err := c.RiskConfig(asset)
		if err != nil {
			return nil, err
		}
		if !cfg.CanBeCollateral {
			continue
		}
		underlying, err := c.suppliedUnderlying(asset, user)
		if err != nil {
			return nil, err
		}
		if underlying.Sign() == 0 {
			continue
		}
		price, err := c.price(cfg)
		if err != nil {
			return nil, err
		}
		value := MulDiv(underlying, price, pow10(cfg.Decimals), RoundDown)
		out.CollateralAtFactor.Add(out.CollateralAtFactor, WadMul(value, cfg.CollateralFactor, RoundDown))
		out.CollateralAtThreshold.Add(out.CollateralAtThreshold, WadMul(value, cfg.LiquidationThreshold, RoundDown))
	}
	for _, asset := range pos.Borrowed {
		ledger := c.reg.ledgerFor(asset)
		debt, err := ledger.BorrowBalance(user)
		if err != nil {
			return nil, err
		}
		if debt.Sign() == 0 {
			continue
		}
		cfg, err := c.RiskConfig(asset)
		if err != nil {
			return nil, err
		}
		price, err := c.price(cfg)
		if err != nil {
			return nil, err
		}
		out.Debt.Add(out.Debt, MulDiv(debt, price, pow10(cfg.Decimals), RoundUp))
	}
	return out, nil
}

// HealthFactor returns collateralAtThreshold / debt (wad), or
// HealthFactorInfinite when the user has no debt.
func (c *RiskController) HealthFactor(user crypto.Address) (*big.Int, error) {
	values, err := c.AccountValues(user)
	if err != nil {
		return nil, err
	}
	return healthFactor(values), nil
}

func healthFactor(values *AccountValues) *big.Int {
	if values.Debt.Sign() == 0 {
		return new(big.Int).Set(HealthFactorInfinite)
	}
	return WadDiv(values.CollateralAtThreshold, values.Debt, RoundDown)
}

// IsLiquidatable reports whether debt exceeds threshold-weighted collateral.
func (c *RiskController) IsLiquidatable(user crypto.Address) (bool, error) {
	values, err := c.AccountValues(user)
	if err != nil {
		return false, err
	}
	return values.Debt.Sign() > 0 && values.CollateralAtThreshold.Cmp(values.Debt) < 0, nil
}

// PreBorrowCheck admits a borrow only if factor-weighted collateral covers
// existing debt plus the new amount.
func (c *RiskController) PreBorrowCheck(user crypto.Address, asset string, amount *big.Int) error {
	values, err := c.AccountValues(user)
	if err != nil {
		return err
	}
	added, err := c.ValueOf(asset, amount, RoundUp)
	if err != nil {
		return err
	}
	required := new(big.Int).Add(values.Debt, added)
	if values.CollateralAtFactor.Cmp(required) < 0 {
		return fmt.Errorf("%w: collateral %s < debt %s", ErrBorrowNotAllowed,
			FormatWad(values.CollateralAtFactor), FormatWad(required))
	}
	return nil
}

// PreWithdrawCheck admits removing amount of asset from the user's supply
// only if the remaining factor-weighted collateral still covers debt. Users
// without debt always pass.
func (c *RiskController) PreWithdrawCheck(user crypto.Address, asset string, amount *big.Int) error {
	values, err := c.AccountValues(user)
	if err != nil {
		return err
	}
	if values.Debt.Sign() == 0 {
		return nil
	}
	asset = normalizeAsset(asset)
	cfg, err := c.RiskConfig(asset)
	if err != nil {
		return err
	}
	reduction := big.NewInt(0)
	pos, err := c.reg.position(user)
	if err != nil {
		return err
	}
	if cfg.CanBeCollateral && pos.HasSupplied(asset) {
		value, err := c.ValueOf(asset, amount, RoundUp)
		if err != nil {
			return err
		}
		reduction = WadMul(value, cfg.CollateralFactor, RoundUp)
	}
	remaining := new(big.Int).Sub(values.CollateralAtFactor, reduction)
	if remaining.Cmp(values.Debt) < 0 {
		return fmt.Errorf("%w: remaining collateral %s < debt %s", ErrWithdrawNotAllowed,
			FormatWad(remaining), FormatWad(values.Debt))
	}
	return nil
}

func (c *RiskController) suppliedUnderlying(asset string, user crypto.Address) (*big.Int, error) {
	ledger := c.reg.ledgerFor(asset)
	market, err := ledger.market()
	if err != nil {
		return nil, err
	}
	shares, err := ledger.shares.BalanceOf(user)
	if err != nil {
		return nil, err
	}
	if shares.Sign() == 0 {
		return shares, nil
	}
	rate, err := ledger.shares.exchangeRate(market)
	if err != nil {
		return nil, err
	}
	return MulDiv(shares, rate, Wad, RoundDown), nil
}

package lending

import (
	"fmt"
	"math/big"

	"moneymarket/core/events"
	"moneymarket/crypto"
)

// Initialize records the operator, treasury and close factor. It may run
// once.
func (r *Registry) Initialize(admin, treasury crypto.Address, closeFactor *big.Int) error {
	return r.adminTransact("initialize", func() error {
		existing, err := r.state.GetGlobals()
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrAlreadyInitialized
		}
		if admin.IsZero() {
			return ErrInvalidAddress
		}
		if err := validateCloseFactor(closeFactor); err != nil {
			return err
		}
		globals := &Globals{
			Admin:       append([]byte(nil), admin.Bytes()...),
			Treasury:    append([]byte(nil), treasury.Bytes()...),
			CloseFactor: cloneInt(closeFactor),
		}
		if err := r.state.PutGlobals(globals); err != nil {
			return err
		}
		r.emitParam(admin, "", "close_factor", FormatWad(closeFactor))
		return nil
	})
}

// ListMarket creates a market. Listing is permanent.
func (r *Registry) ListMarket(caller crypto.Address, params MarketParams, model InterestRateModel) error {
	asset := normalizeAsset(params.Asset)
	err := r.adminTransact("list_market", func() error {
		if _, err := r.requireAdmin(caller); err != nil {
			return err
		}
		if asset == "" {
			return ErrInvalidAsset
		}
		if model == nil {
			return ErrInterestModelMissing
		}
		existing, err := r.state.GetMarket(asset)
		if err != nil {
			return err
		}
		if existing != nil && existing.Listed {
			return fmt.Errorf("%w: %s", ErrMarketAlreadyListed, asset)
		}
		market := &Market{
			Asset:               asset,
			Listed:              true,
			Decimals:            params.Decimals,
			InitialExchangeRate: cloneInt(params.InitialExchangeRate),
			ReserveFactor:       cloneInt(params.ReserveFactor),
			InsuranceFactor:     cloneInt(params.InsuranceFactor),
			FlashFeeRate:        cloneInt(params.FlashFeeRate),
			FlashProtocolShare:  cloneInt(params.FlashProtocolShare),
			LastAccrualTick:     r.tick,
		}
		market.EnsureDefaults()
		if err := validateMarket(market); err != nil {
			return err
		}
		if err := r.state.PutMarket(market); err != nil {
			return err
		}
		r.ledgerFor(asset)
		r.touch(asset)
		r.emit(events.MarketListed{
			Asset:               asset,
			Decimals:            market.Decimals,
			InitialExchangeRate: cloneInt(market.InitialExchangeRate),
			Tick:                r.tick,
		})
		return nil
	})
	if err != nil {
		return err
	}
	r.models[asset] = model
	return nil
}

// SetReserveFactor changes the reserve share of future interest.
func (r *Registry) SetReserveFactor(caller crypto.Address, asset string, factor *big.Int) error {
	return r.updateMarket(caller, asset, "reserve_factor", func(m *Market) error {
		if !inUnitRange(factor) || new(big.Int).Add(factor, m.InsuranceFactor).Cmp(Wad) > 0 {
			return fmt.Errorf("%w: reserve factor", ErrInvalidParameter)
		}
		m.ReserveFactor = cloneInt(factor)
		return nil
	}, FormatWad(factor))
}

// SetInsuranceFactor changes the insurance share of future interest.
func (r *Registry) SetInsuranceFactor(caller crypto.Address, asset string, factor *big.Int) error {
	return r.updateMarket(caller, asset, "insurance_factor", func(m *Market) error {
		if !inUnitRange(factor) || new(big.Int).Add(factor, m.ReserveFactor).Cmp(Wad) > 0 {
			return fmt.Errorf("%w: insurance factor", ErrInvalidParameter)
		}
		m.InsuranceFactor = cloneInt(factor)
		return nil
	}, FormatWad(factor))
}

// SetFlashFee changes the flash draw fee rate and the treasury's share of it.
func (r *Registry) SetFlashFee(caller crypto.Address, asset string, rate, protocolShare *big.Int) error {
	return r.updateMarket(caller, asset, "flash_fee", func(m *Market) error {
		if !inUnitRange(rate) || !inUnitRange(protocolShare) {
			return fmt.Errorf("%w: flash fee", ErrInvalidParameter)
		}
		m.FlashFeeRate = cloneInt(rate)
		m.FlashProtocolShare = cloneInt(protocolShare)
		return nil
	}, FormatWad(rate)+"/"+FormatWad(protocolShare))
}

// SetRiskConfig stores risk parameters for a listed asset.
func (r *Registry) SetRiskConfig(caller crypto.Address, asset string, cfg *RiskConfig) error {
	asset = normalizeAsset(asset)
	return r.adminTransact("set_risk_config", func() error {
		if _, err := r.requireAdmin(caller); err != nil {
			return err
		}
		market, err := r.ledgerFor(asset).market()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		if cfg.Decimals != market.Decimals {
			return fmt.Errorf("%w: risk decimals %d != market decimals %d", ErrInvalidParameter, cfg.Decimals, market.Decimals)
		}
		if err := r.state.PutRiskConfig(asset, cfg.Clone()); err != nil {
			return err
		}
		r.emitParam(caller, asset, "risk_config", fmt.Sprintf("cf=%s lt=%s bonus=%s collateral=%t feed=%s",
			FormatWad(cfg.CollateralFactor), FormatWad(cfg.LiquidationThreshold),
			FormatWad(cfg.LiquidationBonus), cfg.CanBeCollateral, cfg.PriceFeedID))
		return nil
	})
}

// SetCloseFactor changes the maximum fraction of a debt closable per call.
func (r *Registry) SetCloseFactor(caller crypto.Address, factor *big.Int) error {
	return r.adminTransact("set_close_factor", func() error {
		globals, err := r.requireAdmin(caller)
		if err != nil {
			return err
		}
		if err := validateCloseFactor(factor); err != nil {
			return err
		}
		globals.CloseFactor = cloneInt(factor)
		if err := r.state.PutGlobals(globals); err != nil {
			return err
		}
		r.emitParam(caller, "", "close_factor", FormatWad(factor))
		return nil
	})
}

// SetTreasury changes the account receiving insurance and flash fees.
func (r *Registry) SetTreasury(caller, treasury crypto.Address) error {
	return r.adminTransact("set_treasury", func() error {
		globals, err := r.requireAdmin(caller)
		if err != nil {
			return err
		}
		globals.Treasury = append([]byte(nil), treasury.Bytes()...)
		if err := r.state.PutGlobals(globals); err != nil {
			return err
		}
		r.emitParam(caller, "", "treasury", treasury.String())
		return nil
	})
}

// Pause halts one user action.
func (r *Registry) Pause(caller crypto.Address, action string) error {
	return r.setPaused(caller, action, true)
}

// Unpause resumes one user action.
func (r *Registry) Unpause(caller crypto.Address, action string) error {
	return r.setPaused(caller, action, false)
}

func (r *Registry) setPaused(caller crypto.Address, action string, paused bool) error {
	return r.adminTransact("set_paused", func() error {
		globals, err := r.requireAdmin(caller)
		if err != nil {
			return err
		}
		if !knownActions[action] {
			return fmt.Errorf("%w: unknown action %q", ErrInvalidParameter, action)
		}
		globals.Paused = toggle(globals.Paused, action, paused)
		if err := r.state.PutGlobals(globals); err != nil {
			return err
		}
		r.emitParam(caller, "", "paused:"+action, fmt.Sprintf("%t", paused))
		return nil
	})
}

// SweepReserves pays amount of a market's reserves to the recipient.
func (r *Registry) SweepReserves(caller crypto.Address, asset string, amount *big.Int, to crypto.Address) error {
	asset = normalizeAsset(asset)
	return r.adminTransact("sweep_reserves", func() error {
		if _, err := r.requireAdmin(caller); err != nil {
			return err
		}
		if to.IsZero() {
			return ErrInvalidAddress
		}
		if !isPositive(amount) {
			return ErrInvalidAmount
		}
		ledger := r.ledgerFor(asset)
		if ledger.lock.Busy() {
			return fmt.Errorf("%w: %s", ErrReentrantCall, ledger.lock.Name())
		}
		market, err := ledger.accrue()
		if err != nil {
			return err
		}
		if market.TotalReserves.Cmp(amount) < 0 {
			return ErrInsufficientReserves
		}
		cash, err := ledger.Cash()
		if err != nil {
			return err
		}
		if cash.Cmp(amount) < 0 {
			return ErrInsufficientLiquidity
		}
		market.TotalReserves = new(big.Int).Sub(market.TotalReserves, amount)
		if err := r.state.PutMarket(market); err != nil {
			return err
		}
		if err := r.bank.transfer(asset, ledger.custody, to, amount); err != nil {
			return err
		}
		r.touch(asset)
		r.emit(events.ReservesSwept{
			Operator:      caller,
			Recipient:     to,
			Asset:         asset,
			Amount:        cloneInt(amount),
			TotalReserves: cloneInt(market.TotalReserves),
			Tick:          r.tick,
		})
		return nil
	})
}

// MintUnderlying credits underlying tokens to an account. It exists for
// genesis funding and tests; only the operator may call it.
func (r *Registry) MintUnderlying(caller crypto.Address, asset string, to crypto.Address, amount *big.Int) error {
	asset = normalizeAsset(asset)
	return r.adminTransact("mint_underlying", func() error {
		if _, err := r.requireAdmin(caller); err != nil {
			return err
		}
		if asset == "" {
			return ErrInvalidAsset
		}
		if to.IsZero() {
			return ErrInvalidAddress
		}
		return r.bank.mint(asset, to, amount)
	})
}

// updateMarket accrues the market before mutating it so the change only
// applies to interest accrued afterwards.
func (r *Registry) updateMarket(caller crypto.Address, asset, parameter string, mutate func(*Market) error, value string) error {
	asset = normalizeAsset(asset)
	return r.adminTransact("set_"+parameter, func() error {
		if _, err := r.requireAdmin(caller); err != nil {
			return err
		}
		ledger := r.ledgerFor(asset)
		if ledger.lock.Busy() {
			return fmt.Errorf("%w: %s", ErrReentrantCall, ledger.lock.Name())
		}
		market, err := ledger.accrue()
		if err != nil {
			return err
		}
		if err := mutate(market); err != nil {
			return err
		}
		if err := r.state.PutMarket(market); err != nil {
			return err
		}
		r.emitParam(caller, asset, parameter, value)
		return nil
	})
}

// adminTransact rejects operator calls made from inside another operation.
func (r *Registry) adminTransact(op string, fn func() error) error {
	if r.depth > 0 {
		return fmt.Errorf("%w: admin %s during operation", ErrReentrantCall, op)
	}
	return r.transact("admin."+op, fn)
}

func (r *Registry) requireAdmin(caller crypto.Address) (*Globals, error) {
	globals, err := r.globals()
	if err != nil {
		return nil, err
	}
	if caller.IsZero() || !caller.Equal(crypto.AddressFromBytes(globals.Admin)) {
		return nil, ErrUnauthorized
	}
	return globals, nil
}

func (r *Registry) emitParam(operator crypto.Address, asset, parameter, value string) {
	r.emit(events.ParameterUpdated{
		Operator:  operator,
		Asset:     asset,
		Parameter: parameter,
		Value:     value,
		Tick:      r.tick,
	})
}

func validateMarket(m *Market) error {
	if m.InitialExchangeRate.Sign() <= 0 {
		return fmt.Errorf("%w: initial exchange rate", ErrInvalidParameter)
	}
	for name, v := range map[string]*big.Int{
		"reserve factor":       m.ReserveFactor,
		"insurance factor":     m.InsuranceFactor,
		"flash fee":            m.FlashFeeRate,
		"flash protocol share": m.FlashProtocolShare,
	} {
		if !inUnitRange(v) {
			return fmt.Errorf("%w: %s", ErrInvalidParameter, name)
		}
	}
	if new(big.Int).Add(m.ReserveFactor, m.InsuranceFactor).Cmp(Wad) > 0 {
		return fmt.Errorf("%w: reserve plus insurance above 1", ErrInvalidParameter)
	}
	return nil
}

func validateCloseFactor(factor *big.Int) error {
	if !isPositive(factor) || factor.Cmp(Wad) > 0 {
		return fmt.Errorf("%w: close factor must be in (0, 1]", ErrInvalidParameter)
	}
	return nil
}

func inUnitRange(v *big.Int) bool {
	return v != nil && v.Sign() >= 0 && v.Cmp(Wad) <= 0
}

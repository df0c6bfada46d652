package lending

import (
	"fmt"
	"math/big"

	"moneymarket/core/events"
	"moneymarket/crypto"
	nativecommon "moneymarket/native/common"
)

// LiquidationResult describes one executed liquidation.
type LiquidationResult struct {
	Repaid           *big.Int
	SeizedUnderlying *big.Int
	SeizedShares     *big.Int
	RepayValueUSD    *big.Int
	SeizeValueUSD    *big.Int
}

// LiquidationEngine closes unsafe positions. Its only configuration is the
// registry-wide close factor.
type LiquidationEngine struct {
	reg  *Registry
	lock *nativecommon.ReentrancyLock
}

// Liquidate repays up to requested of the borrower's debtAsset debt on the
// liquidator's behalf and pays the liquidator collateralAsset worth the
// repaid value plus the collateral's liquidation bonus. Repayment and
// seizure commit together or not at all.
func (e *LiquidationEngine) Liquidate(liquidator, borrower crypto.Address, debtAsset, collateralAsset string, requested *big.Int) (*LiquidationResult, error) {
	if err := e.reg.checkAction(ActionLiquidate, false); err != nil {
		return nil, err
	}
	debtLedger, err := e.reg.Ledger(debtAsset)
	if err != nil {
		return nil, err
	}
	collateralLedger, err := e.reg.Ledger(collateralAsset)
	if err != nil {
		return nil, err
	}
	if err := e.lock.Enter(); err != nil {
		return nil, err
	}
	defer e.lock.Exit()
	if err := debtLedger.lock.Enter(); err != nil {
		return nil, err
	}
	defer debtLedger.lock.Exit()
	if collateralLedger != debtLedger {
		if err := collateralLedger.lock.Enter(); err != nil {
			return nil, err
		}
		defer collateralLedger.lock.Exit()
	}

	var result *LiquidationResult
	err = e.reg.transact(ActionLiquidate, func() error {
		var err error
		result, err = e.liquidate(liquidator, borrower, debtLedger, collateralLedger, requested)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.reg.metrics.ObserveLiquidation(debtLedger.asset, collateralLedger.asset)
	return result, nil
}

func (e *LiquidationEngine) liquidate(liquidator, borrower crypto.Address, debtLedger, collateralLedger *MarketLedger, requested *big.Int) (*LiquidationResult, error) {
	if liquidator.IsZero() || borrower.IsZero() {
		return nil, ErrInvalidAddress
	}
	if liquidator.Equal(borrower) {
		return nil, ErrSelfLiquidation
	}
	if !isPositive(requested) {
		return nil, ErrInvalidAmount
	}
	debtMarket, err := debtLedger.accrue()
	if err != nil {
		return nil, err
	}
	if _, err := collateralLedger.accrue(); err != nil {
		return nil, err
	}
	if err := e.reg.accrueAccount(borrower); err != nil {
		return nil, err
	}

	risk := e.reg.risk
	unsafe, err := risk.IsLiquidatable(borrower)
	if err != nil {
		return nil, err
	}
	if !unsafe {
		return nil, ErrNotLiquidatable
	}
	owed, _, err := debtLedger.borrowBalance(debtMarket, borrower)
	if err != nil {
		return nil, err
	}
	if owed.Sign() == 0 {
		return nil, ErrNoDebt
	}
	collateralCfg, err := risk.RiskConfig(collateralLedger.asset)
	if err != nil {
		return nil, err
	}
	if !collateralCfg.CanBeCollateral {
		return nil, fmt.Errorf("%w: %s", ErrCollateralNotEnabled, collateralLedger.asset)
	}
	globals, err := e.reg.globals()
	if err != nil {
		return nil, err
	}

	closeCap := WadMul(owed, globals.CloseFactor, RoundDown)
	actual := minInt(requested, closeCap, owed)
	if actual.Sign() == 0 {
		return nil, ErrLiquidationAmountZero
	}
	repayValue, err := risk.ValueOf(debtLedger.asset, actual, RoundDown)
	if err != nil {
		return nil, err
	}
	bonusFactor := new(big.Int).Add(Wad, collateralCfg.LiquidationBonus)
	seizeValue := WadMul(repayValue, bonusFactor, RoundDown)
	seizeUnderlying, err := risk.AmountFor(collateralLedger.asset, seizeValue, RoundDown)
	if err != nil {
		return nil, err
	}
	if seizeUnderlying.Sign() == 0 {
		return nil, ErrLiquidationAmountZero
	}

	repaid, err := debtLedger.repayInternal(liquidator, borrower, actual)
	if err != nil {
		return nil, err
	}
	seizedShares, err := collateralLedger.seizeInternal(borrower, liquidator, seizeUnderlying)
	if err != nil {
		return nil, err
	}
	result := &LiquidationResult{
		Repaid:           repaid,
		SeizedUnderlying: seizeUnderlying,
		SeizedShares:     seizedShares,
		RepayValueUSD:    repayValue,
		SeizeValueUSD:    seizeValue,
	}
	e.reg.emit(events.Liquidated{
		Liquidator:      liquidator,
		Borrower:        borrower,
		DebtAsset:       debtLedger.asset,
		CollateralAsset: collateralLedger.asset,
		Repaid:          cloneInt(repaid),
		Seized:          cloneInt(seizeUnderlying),
		SeizedShares:    cloneInt(seizedShares),
		RepayValueUSD:   cloneInt(repayValue),
		SeizeValueUSD:   cloneInt(seizeValue),
		BorrowIndex:     cloneInt(debtMarket.BorrowIndex),
		Tick:            e.reg.tick,
	})
	return result, nil
}

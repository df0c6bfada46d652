package events

import (
	"math/big"

	"moneymarket/core/types"
	"moneymarket/crypto"
)

const (
	// TypeLendingMarketListed is emitted when the operator lists a new market.
	TypeLendingMarketListed = "lending.market_listed"
	// TypeLendingAccrued is emitted whenever accrual moves a borrow index.
	TypeLendingAccrued = "lending.accrued"
	// TypeLendingSupplied is emitted when liquidity is deposited for shares.
	TypeLendingSupplied = "lending.supplied"
	// TypeLendingWithdrawn is emitted when shares are redeemed.
	TypeLendingWithdrawn = "lending.withdrawn"
	// TypeLendingBorrowed is emitted when debt is drawn.
	TypeLendingBorrowed = "lending.borrowed"
	// TypeLendingRepaid is emitted when debt is repaid by the borrower or on
	// its behalf.
	TypeLendingRepaid = "lending.repaid"
	// TypeLendingFlashDrawn is emitted after a flash draw-down settles.
	TypeLendingFlashDrawn = "lending.flash_drawn"
	// TypeLendingLiquidated is emitted when an unsafe position is closed.
	TypeLendingLiquidated = "lending.liquidated"
	// TypeLendingSharesTransferred is emitted on holder-to-holder transfers.
	TypeLendingSharesTransferred = "lending.shares_transferred"
	// TypeLendingReservesSwept is emitted when reserves leave a market.
	TypeLendingReservesSwept = "lending.reserves_swept"
	// TypeLendingParameterUpdated is emitted for operator configuration
	// changes.
	TypeLendingParameterUpdated = "lending.parameter_updated"
)

// MarketListed records a new market.
type MarketListed struct {
	Asset               string
	Decimals            uint8
	InitialExchangeRate *big.Int
	Tick                uint64
}

func (MarketListed) EventType() string { return TypeLendingMarketListed }

func (e MarketListed) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingMarketListed,
		Tick: e.Tick,
		Attributes: map[string]string{
			"asset":               normalizeAsset(e.Asset),
			"decimals":            tick(uint64(e.Decimals)),
			"initialExchangeRate": amount(e.InitialExchangeRate),
		},
	}
}

// Accrued captures one interest accrual step.
type Accrued struct {
	Asset           string
	ElapsedTicks    uint64
	BorrowRate      *big.Int
	BorrowIndex     *big.Int
	InterestAccrued *big.Int
	ReservesAdded   *big.Int
	InsurancePaid   *big.Int
	TotalReserves   *big.Int
	TotalBorrowsNow *big.Int
	Tick            uint64
}

func (Accrued) EventType() string { return TypeLendingAccrued }

func (e Accrued) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingAccrued,
		Tick: e.Tick,
		Attributes: map[string]string{
			"asset":           normalizeAsset(e.Asset),
			"elapsedTicks":    tick(e.ElapsedTicks),
			"borrowRate":      amount(e.BorrowRate),
			"borrowIndex":     amount(e.BorrowIndex),
			"interestAccrued": amount(e.InterestAccrued),
			"reservesAdded":   amount(e.ReservesAdded),
			"insurancePaid":   amount(e.InsurancePaid),
			"totalReserves":   amount(e.TotalReserves),
			"totalBorrows":    amount(e.TotalBorrowsNow),
		},
	}
}

// Supplied records a deposit.
type Supplied struct {
	Supplier     crypto.Address
	Asset        string
	Amount       *big.Int
	Shares       *big.Int
	ExchangeRate *big.Int
	BorrowIndex  *big.Int
	Tick         uint64
}

func (Supplied) EventType() string { return TypeLendingSupplied }

func (e Supplied) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingSupplied,
		Tick: e.Tick,
		Attributes: map[string]string{
			"supplier":     address(e.Supplier),
			"asset":        normalizeAsset(e.Asset),
			"amount":       amount(e.Amount),
			"shares":       amount(e.Shares),
			"exchangeRate": amount(e.ExchangeRate),
			"borrowIndex":  amount(e.BorrowIndex),
		},
	}
}

// Withdrawn records a redemption.
type Withdrawn struct {
	Supplier     crypto.Address
	Asset        string
	Shares       *big.Int
	Amount       *big.Int
	ExchangeRate *big.Int
	BorrowIndex  *big.Int
	Tick         uint64
}

func (Withdrawn) EventType() string { return TypeLendingWithdrawn }

func (e Withdrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingWithdrawn,
		Tick: e.Tick,
		Attributes: map[string]string{
			"supplier":     address(e.Supplier),
			"asset":        normalizeAsset(e.Asset),
			"shares":       amount(e.Shares),
			"amount":       amount(e.Amount),
			"exchangeRate": amount(e.ExchangeRate),
			"borrowIndex":  amount(e.BorrowIndex),
		},
	}
}

// Borrowed records a new draw of debt.
type Borrowed struct {
	Borrower    crypto.Address
	Asset       string
	Amount      *big.Int
	AccountDebt *big.Int
	BorrowIndex *big.Int
	Tick        uint64
}

func (Borrowed) EventType() string { return TypeLendingBorrowed }

func (e Borrowed) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingBorrowed,
		Tick: e.Tick,
		Attributes: map[string]string{
			"borrower":    address(e.Borrower),
			"asset":       normalizeAsset(e.Asset),
			"amount":      amount(e.Amount),
			"accountDebt": amount(e.AccountDebt),
			"borrowIndex": amount(e.BorrowIndex),
		},
	}
}

// Repaid records a debt repayment.
type Repaid struct {
	Payer       crypto.Address
	Borrower    crypto.Address
	Asset       string
	Amount      *big.Int
	AccountDebt *big.Int
	BorrowIndex *big.Int
	Tick        uint64
}

func (Repaid) EventType() string { return TypeLendingRepaid }

func (e Repaid) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingRepaid,
		Tick: e.Tick,
		Attributes: map[string]string{
			"payer":       address(e.Payer),
			"borrower":    address(e.Borrower),
			"asset":       normalizeAsset(e.Asset),
			"amount":      amount(e.Amount),
			"accountDebt": amount(e.AccountDebt),
			"borrowIndex": amount(e.BorrowIndex),
		},
	}
}

// FlashDrawn records a settled flash draw-down.
type FlashDrawn struct {
	Receiver    crypto.Address
	Asset       string
	Amount      *big.Int
	Fee         *big.Int
	ProtocolFee *big.Int
	BorrowIndex *big.Int
	Tick        uint64
}

func (FlashDrawn) EventType() string { return TypeLendingFlashDrawn }

func (e FlashDrawn) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingFlashDrawn,
		Tick: e.Tick,
		Attributes: map[string]string{
			"receiver":    address(e.Receiver),
			"asset":       normalizeAsset(e.Asset),
			"amount":      amount(e.Amount),
			"fee":         amount(e.Fee),
			"protocolFee": amount(e.ProtocolFee),
			"borrowIndex": amount(e.BorrowIndex),
		},
	}
}

// Liquidated records a partial position closure.
type Liquidated struct {
	Liquidator      crypto.Address
	Borrower        crypto.Address
	DebtAsset       string
	CollateralAsset string
	Repaid          *big.Int
	Seized          *big.Int
	SeizedShares    *big.Int
	RepayValueUSD   *big.Int
	SeizeValueUSD   *big.Int
	BorrowIndex     *big.Int
	Tick            uint64
}

func (Liquidated) EventType() string { return TypeLendingLiquidated }

func (e Liquidated) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingLiquidated,
		Tick: e.Tick,
		Attributes: map[string]string{
			"liquidator":      address(e.Liquidator),
			"borrower":        address(e.Borrower),
			"debtAsset":       normalizeAsset(e.DebtAsset),
			"collateralAsset": normalizeAsset(e.CollateralAsset),
			"repaid":          amount(e.Repaid),
			"seized":          amount(e.Seized),
			"seizedShares":    amount(e.SeizedShares),
			"repayValueUsd":   amount(e.RepayValueUSD),
			"seizeValueUsd":   amount(e.SeizeValueUSD),
			"borrowIndex":     amount(e.BorrowIndex),
		},
	}
}

// SharesTransferred records a holder-to-holder share movement.
type SharesTransferred struct {
	From         crypto.Address
	To           crypto.Address
	Asset        string
	Shares       *big.Int
	ExchangeRate *big.Int
	Tick         uint64
}

func (SharesTransferred) EventType() string { return TypeLendingSharesTransferred }

func (e SharesTransferred) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingSharesTransferred,
		Tick: e.Tick,
		Attributes: map[string]string{
			"from":         address(e.From),
			"to":           address(e.To),
			"asset":        normalizeAsset(e.Asset),
			"shares":       amount(e.Shares),
			"exchangeRate": amount(e.ExchangeRate),
		},
	}
}

// ReservesSwept records reserves paid out of a market.
type ReservesSwept struct {
	Operator      crypto.Address
	Recipient     crypto.Address
	Asset         string
	Amount        *big.Int
	TotalReserves *big.Int
	Tick          uint64
}

func (ReservesSwept) EventType() string { return TypeLendingReservesSwept }

func (e ReservesSwept) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingReservesSwept,
		Tick: e.Tick,
		Attributes: map[string]string{
			"operator":      address(e.Operator),
			"recipient":     address(e.Recipient),
			"asset":         normalizeAsset(e.Asset),
			"amount":        amount(e.Amount),
			"totalReserves": amount(e.TotalReserves),
		},
	}
}

// ParameterUpdated records an operator configuration change.
type ParameterUpdated struct {
	Operator  crypto.Address
	Asset     string
	Parameter string
	Value     string
	Tick      uint64
}

func (ParameterUpdated) EventType() string { return TypeLendingParameterUpdated }

func (e ParameterUpdated) Event() *types.Event {
	return &types.Event{
		Type: TypeLendingParameterUpdated,
		Tick: e.Tick,
		Attributes: map[string]string{
			"operator":  address(e.Operator),
			"asset":     normalizeAsset(e.Asset),
			"parameter": e.Parameter,
			"value":     e.Value,
		},
	}
}

package lending

import (
	"errors"

	nativecommon "moneymarket/native/common"
)

// Configuration errors.
var (
	ErrNilState              = errors.New("lending: state not configured")
	ErrMarketNotListed       = errors.New("lending: market not listed")
	ErrMarketAlreadyListed   = errors.New("lending: market already listed")
	ErrInvalidAsset          = errors.New("lending: asset identifier required")
	ErrInvalidAddress        = errors.New("lending: address required")
	ErrInvalidParameter      = errors.New("lending: parameter out of bounds")
	ErrInterestModelMissing  = errors.New("lending: interest model not configured")
	ErrRiskConfigMissing     = errors.New("lending: risk configuration missing")
	ErrCollateralNotEnabled  = errors.New("lending: asset not enabled as collateral")
	ErrNotInitialized        = errors.New("lending: registry not initialised")
	ErrAlreadyInitialized    = errors.New("lending: registry already initialised")
	ErrUnauthorized          = errors.New("lending: caller not authorised")
	ErrUnauthorizedShareCall = errors.New("lending: share token mutated by foreign ledger")
	ErrTickRegression        = errors.New("lending: tick moved backwards")
	ErrBorrowRateTooHigh     = errors.New("lending: borrow rate above ceiling")
	ErrActionPaused          = errors.New("lending: action paused")
)

// Validation errors.
var (
	ErrInvalidAmount         = errors.New("lending: amount must be positive")
	ErrAmountTooSmall        = errors.New("lending: amount rounds to zero")
	ErrInsufficientBalance   = errors.New("lending: insufficient balance")
	ErrInsufficientShares    = errors.New("lending: insufficient shares")
	ErrInsufficientLiquidity = errors.New("lending: insufficient liquidity")
	ErrInsufficientReserves  = errors.New("lending: insufficient reserves")
	ErrNoDebt                = errors.New("lending: no outstanding debt")
)

// Admission errors.
var (
	ErrBorrowNotAllowed   = errors.New("lending: borrow rejected by risk controller")
	ErrWithdrawNotAllowed = errors.New("lending: withdrawal rejected by risk controller")
)

// External dependency errors.
var (
	ErrPriceUnavailable    = errors.New("lending: price unavailable")
	ErrInvalidPrice        = errors.New("lending: price must be positive")
	ErrFlashCallbackFailed = errors.New("lending: flash draw callback failed")
	ErrFlashRepaymentShort = errors.New("lending: flash draw repayment short")
)

// Liquidation errors.
var (
	ErrNotLiquidatable       = errors.New("lending: account not liquidatable")
	ErrSelfLiquidation       = errors.New("lending: borrower cannot liquidate itself")
	ErrLiquidationAmountZero = errors.New("lending: liquidation amount resolves to zero")
	ErrSeizeTooMuch          = errors.New("lending: seize exceeds borrower collateral")
)

// ErrReentrantCall is returned when a busy component is entered again before
// its outer operation finished.
var ErrReentrantCall = nativecommon.ErrReentrantCall

package lending

import (
	"fmt"
	"math/big"

	"moneymarket/core/events"
	"moneymarket/crypto"
	nativecommon "moneymarket/native/common"
)

// maxBorrowRatePerTick bounds what an interest model may charge per tick.
var maxBorrowRatePerTick = MustWad("0.01")

// MarketLedger owns accrual and money movement for one listed asset. All
// accounting state lives in the registry's State; the ledger holds only its
// identity, custody account and reentrancy lock.
type MarketLedger struct {
	reg     *Registry
	asset   string
	custody crypto.Address
	shares  *ShareToken
	lock    *nativecommon.ReentrancyLock

	// drawCash pins the cash used for valuation while a flash draw is out.
	drawCash *big.Int
}

// Asset returns the underlying asset identifier.
func (l *MarketLedger) Asset() string { return l.asset }

// Custody returns the account holding the market's cash. Flash draw
// receivers repay by transferring to it.
func (l *MarketLedger) Custody() crypto.Address { return l.custody }

// Shares returns the market's share token.
func (l *MarketLedger) Shares() *ShareToken { return l.shares }

// Market returns a copy of the stored market record.
func (l *MarketLedger) Market() (*Market, error) {
	return l.market()
}

// Cash returns the underlying held in custody.
func (l *MarketLedger) Cash() (*big.Int, error) {
	return l.reg.bank.Balance(l.asset, l.custody)
}

// bookCash is the cash figure share valuation uses. During a flash draw it is
// custody cash as it stood before the draw, so nothing called from the
// callback can observe the market short of the drawn amount.
func (l *MarketLedger) bookCash() (*big.Int, error) {
	if l.drawCash != nil {
		return cloneInt(l.drawCash), nil
	}
	return l.Cash()
}

// TotalBorrows returns the stored aggregate debt including interest accrued
// up to the last accrual tick.
func (l *MarketLedger) TotalBorrows() (*big.Int, error) {
	market, err := l.market()
	if err != nil {
		return nil, err
	}
	return totalBorrows(market), nil
}

// TotalReserves returns the protocol reserves.
func (l *MarketLedger) TotalReserves() (*big.Int, error) {
	market, err := l.market()
	if err != nil {
		return nil, err
	}
	return cloneInt(market.TotalReserves), nil
}

// BorrowBalance returns the user's debt at the stored borrow index.
func (l *MarketLedger) BorrowBalance(user crypto.Address) (*big.Int, error) {
	market, err := l.market()
	if err != nil {
		return nil, err
	}
	debt, _, err := l.borrowBalance(market, user)
	return debt, err
}

// ShareBalance returns the user's share balance.
func (l *MarketLedger) ShareBalance(user crypto.Address) (*big.Int, error) {
	return l.shares.BalanceOf(user)
}

// Accrue brings the market up to the registry tick.
func (l *MarketLedger) Accrue() error {
	if err := l.lock.Enter(); err != nil {
		return err
	}
	defer l.lock.Exit()
	return l.reg.transact("accrue", func() error {
		_, err := l.accrue()
		return err
	})
}

// Supply deposits amount of underlying from user and mints shares at the
// current exchange rate. Returns the minted shares.
func (l *MarketLedger) Supply(user crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := l.reg.checkAction(ActionSupply, true); err != nil {
		return nil, err
	}
	if err := l.lock.Enter(); err != nil {
		return nil, err
	}
	defer l.lock.Exit()
	var minted *big.Int
	err := l.reg.transact(ActionSupply, func() error {
		if user.IsZero() {
			return ErrInvalidAddress
		}
		if !isPositive(amount) {
			return ErrInvalidAmount
		}
		market, err := l.accrue()
		if err != nil {
			return err
		}
		rate, err := l.shares.exchangeRate(market)
		if err != nil {
			return err
		}
		minted = MulDiv(amount, Wad, rate, RoundDown)
		if minted.Sign() == 0 {
			return ErrAmountTooSmall
		}
		if err := l.reg.bank.transfer(l.asset, user, l.custody, amount); err != nil {
			return err
		}
		if err := l.shares.Mint(l, user, minted); err != nil {
			return err
		}
		if err := l.syncPosition(user); err != nil {
			return err
		}
		l.reg.emit(events.Supplied{
			Supplier:     user,
			Asset:        l.asset,
			Amount:       cloneInt(amount),
			Shares:       cloneInt(minted),
			ExchangeRate: rate,
			BorrowIndex:  cloneInt(market.BorrowIndex),
			Tick:         l.reg.tick,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return minted, nil
}

// Withdraw redeems shares for underlying. Returns the underlying paid out.
func (l *MarketLedger) Withdraw(user crypto.Address, shares *big.Int) (*big.Int, error) {
	if err := l.reg.checkAction(ActionWithdraw, true); err != nil {
		return nil, err
	}
	if err := l.lock.Enter(); err != nil {
		return nil, err
	}
	defer l.lock.Exit()
	var paid *big.Int
	err := l.reg.transact(ActionWithdraw, func() error {
		if user.IsZero() {
			return ErrInvalidAddress
		}
		if !isPositive(shares) {
			return ErrInvalidAmount
		}
		market, err := l.accrue()
		if err != nil {
			return err
		}
		if err := l.reg.accrueAccount(user); err != nil {
			return err
		}
		balance, err := l.shares.BalanceOf(user)
		if err != nil {
			return err
		}
		if balance.Cmp(shares) < 0 {
			return ErrInsufficientShares
		}
		rate, err := l.shares.exchangeRate(market)
		if err != nil {
			return err
		}
		paid = MulDiv(shares, rate, Wad, RoundDown)
		if paid.Sign() == 0 {
			return ErrAmountTooSmall
		}
		cash, err := l.Cash()
		if err != nil {
			return err
		}
		if cash.Cmp(paid) < 0 {
			return ErrInsufficientLiquidity
		}
		if err := l.reg.risk.PreWithdrawCheck(user, l.asset, paid); err != nil {
			return err
		}
		if err := l.shares.Burn(l, user, shares); err != nil {
			return err
		}
		if err := l.reg.bank.transfer(l.asset, l.custody, user, paid); err != nil {
			return err
		}
		if err := l.syncPosition(user); err != nil {
			return err
		}
		l.reg.emit(events.Withdrawn{
			Supplier:     user,
			Asset:        l.asset,
			Shares:       cloneInt(shares),
			Amount:       cloneInt(paid),
			ExchangeRate: rate,
			BorrowIndex:  cloneInt(market.BorrowIndex),
			Tick:         l.reg.tick,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// Borrow draws amount of underlying against the user's collateral.
func (l *MarketLedger) Borrow(user crypto.Address, amount *big.Int) error {
	if err := l.reg.checkAction(ActionBorrow, true); err != nil {
		return err
	}
	if err := l.lock.Enter(); err != nil {
		return err
	}
	defer l.lock.Exit()
	return l.reg.transact(ActionBorrow, func() error {
		if user.IsZero() {
			return ErrInvalidAddress
		}
		if !isPositive(amount) {
			return ErrInvalidAmount
		}
		market, err := l.accrue()
		if err != nil {
			return err
		}
		if err := l.reg.accrueAccount(user); err != nil {
			return err
		}
		if err := l.reg.risk.PreBorrowCheck(user, l.asset, amount); err != nil {
			return err
		}
		cash, err := l.Cash()
		if err != nil {
			return err
		}
		if cash.Cmp(amount) < 0 {
			return ErrInsufficientLiquidity
		}
		debt, _, err := l.borrowBalance(market, user)
		if err != nil {
			return err
		}
		newDebt := new(big.Int).Add(debt, amount)
		record := &UserBorrow{Principal: newDebt, InterestIndex: cloneInt(market.BorrowIndex)}
		if err := l.reg.state.PutUserBorrow(l.asset, user, record); err != nil {
			return err
		}
		market.TotalBorrowsPrincipal.Add(market.TotalBorrowsPrincipal, deflate(amount, market.BorrowIndex, RoundUp))
		if err := l.reg.state.PutMarket(market); err != nil {
			return err
		}
		if err := l.reg.bank.transfer(l.asset, l.custody, user, amount); err != nil {
			return err
		}
		if err := l.syncPosition(user); err != nil {
			return err
		}
		l.reg.emit(events.Borrowed{
			Borrower:    user,
			Asset:       l.asset,
			Amount:      cloneInt(amount),
			AccountDebt: newDebt,
			BorrowIndex: cloneInt(market.BorrowIndex),
			Tick:        l.reg.tick,
		})
		return nil
	})
}

// Repay settles up to amount of the borrower's debt from payer. Passing
// RepayAll settles the full balance. Returns the amount actually repaid.
func (l *MarketLedger) Repay(payer, borrower crypto.Address, amount *big.Int) (*big.Int, error) {
	if err := l.reg.checkAction(ActionRepay, false); err != nil {
		return nil, err
	}
	if err := l.lock.Enter(); err != nil {
		return nil, err
	}
	defer l.lock.Exit()
	var repaid *big.Int
	err := l.reg.transact(ActionRepay, func() error {
		if _, err := l.accrue(); err != nil {
			return err
		}
		var err error
		repaid, err = l.repayInternal(payer, borrower, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return repaid, nil
}

// TransferShares moves shares between holders. The sender is checked as if
// withdrawing the underlying the shares represent.
func (l *MarketLedger) TransferShares(from, to crypto.Address, shares *big.Int) error {
	if err := l.reg.checkAction(ActionTransfer, true); err != nil {
		return err
	}
	if err := l.lock.Enter(); err != nil {
		return err
	}
	defer l.lock.Exit()
	return l.reg.transact(ActionTransfer, func() error {
		if from.IsZero() || to.IsZero() {
			return ErrInvalidAddress
		}
		if !isPositive(shares) {
			return ErrInvalidAmount
		}
		market, err := l.accrue()
		if err != nil {
			return err
		}
		if err := l.reg.accrueAccount(from); err != nil {
			return err
		}
		rate, err := l.shares.exchangeRate(market)
		if err != nil {
			return err
		}
		underlying := MulDiv(shares, rate, Wad, RoundUp)
		if err := l.reg.risk.PreWithdrawCheck(from, l.asset, underlying); err != nil {
			return err
		}
		if err := l.shares.Transfer(l, from, to, shares); err != nil {
			return err
		}
		if err := l.syncPosition(from); err != nil {
			return err
		}
		if err := l.syncPosition(to); err != nil {
			return err
		}
		l.reg.emit(events.SharesTransferred{
			From:         from,
			To:           to,
			Asset:        l.asset,
			Shares:       cloneInt(shares),
			ExchangeRate: rate,
			Tick:         l.reg.tick,
		})
		return nil
	})
}

// repayInternal assumes the market was accrued in the current operation and
// the caller holds the ledger lock.
func (l *MarketLedger) repayInternal(payer, borrower crypto.Address, amount *big.Int) (*big.Int, error) {
	if payer.IsZero() || borrower.IsZero() {
		return nil, ErrInvalidAddress
	}
	if !isPositive(amount) {
		return nil, ErrInvalidAmount
	}
	market, err := l.market()
	if err != nil {
		return nil, err
	}
	owed, _, err := l.borrowBalance(market, borrower)
	if err != nil {
		return nil, err
	}
	if owed.Sign() == 0 {
		return nil, ErrNoDebt
	}
	actual := minInt(amount, owed)
	if err := l.reg.bank.transfer(l.asset, payer, l.custody, actual); err != nil {
		return nil, err
	}
	remaining := new(big.Int).Sub(owed, actual)
	record := &UserBorrow{Principal: big.NewInt(0), InterestIndex: big.NewInt(0)}
	if remaining.Sign() > 0 {
		record = &UserBorrow{Principal: cloneInt(remaining), InterestIndex: cloneInt(market.BorrowIndex)}
	}
	if err := l.reg.state.PutUserBorrow(l.asset, borrower, record); err != nil {
		return nil, err
	}
	market.TotalBorrowsPrincipal = subFloor(market.TotalBorrowsPrincipal, deflate(actual, market.BorrowIndex, RoundDown))
	if err := l.reg.state.PutMarket(market); err != nil {
		return nil, err
	}
	if err := l.syncPosition(borrower); err != nil {
		return nil, err
	}
	l.reg.emit(events.Repaid{
		Payer:       payer,
		Borrower:    borrower,
		Asset:       l.asset,
		Amount:      cloneInt(actual),
		AccountDebt: cloneInt(remaining),
		BorrowIndex: cloneInt(market.BorrowIndex),
		Tick:        l.reg.tick,
	})
	return actual, nil
}

// seizeInternal burns the borrower's shares worth underlying and pays the
// underlying to the receiver. Returns the shares burned.
func (l *MarketLedger) seizeInternal(borrower, receiver crypto.Address, underlying *big.Int) (*big.Int, error) {
	market, err := l.market()
	if err != nil {
		return nil, err
	}
	rate, err := l.shares.exchangeRate(market)
	if err != nil {
		return nil, err
	}
	shares := MulDiv(underlying, Wad, rate, RoundUp)
	balance, err := l.shares.BalanceOf(borrower)
	if err != nil {
		return nil, err
	}
	if balance.Cmp(shares) < 0 {
		return nil, fmt.Errorf("%w: need %s shares, hold %s", ErrSeizeTooMuch, shares, balance)
	}
	cash, err := l.Cash()
	if err != nil {
		return nil, err
	}
	if cash.Cmp(underlying) < 0 {
		return nil, ErrInsufficientLiquidity
	}
	if err := l.shares.Burn(l, borrower, shares); err != nil {
		return nil, err
	}
	if err := l.reg.bank.transfer(l.asset, l.custody, receiver, underlying); err != nil {
		return nil, err
	}
	if err := l.syncPosition(borrower); err != nil {
		return nil, err
	}
	return shares, nil
}

func (l *MarketLedger) market() (*Market, error) {
	market, err := l.reg.state.GetMarket(l.asset)
	if err != nil {
		return nil, err
	}
	if market == nil || !market.Listed {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, l.asset)
	}
	market.EnsureDefaults()
	return market, nil
}

// accrue applies interest from the last accrual tick to the registry tick and
// persists the market. It returns the updated record.
func (l *MarketLedger) accrue() (*Market, error) {
	market, err := l.market()
	if err != nil {
		return nil, err
	}
	now := l.reg.tick
	if market.LastAccrualTick >= now {
		return market, nil
	}
	elapsed := now - market.LastAccrualTick
	l.reg.touch(l.asset)
	if market.TotalBorrowsPrincipal.Sign() == 0 {
		market.LastAccrualTick = now
		return market, l.reg.state.PutMarket(market)
	}
	model, ok := l.reg.models[l.asset]
	if !ok || model == nil {
		return nil, fmt.Errorf("%w: %s", ErrInterestModelMissing, l.asset)
	}
	cash, err := l.Cash()
	if err != nil {
		return nil, err
	}
	debtBefore := totalBorrows(market)
	rate, err := model.BorrowRatePerTick(cash, debtBefore, market.TotalReserves)
	if err != nil {
		return nil, err
	}
	if rate == nil || rate.Sign() < 0 {
		return nil, fmt.Errorf("%w: negative borrow rate", ErrInvalidParameter)
	}
	if rate.Cmp(maxBorrowRatePerTick) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrBorrowRateTooHigh, FormatWad(rate))
	}
	factor := new(big.Int).Mul(rate, new(big.Int).SetUint64(elapsed))
	factor.Add(factor, Wad)
	market.BorrowIndex = WadMul(market.BorrowIndex, factor, RoundUp)
	debtAfter := totalBorrows(market)
	interest := subFloor(debtAfter, debtBefore)

	reserveShare := WadMul(interest, market.ReserveFactor, RoundDown)
	insurance := WadMul(interest, market.InsuranceFactor, RoundDown)
	paid := big.NewInt(0)
	if insurance.Sign() > 0 {
		treasury, err := l.reg.treasury()
		if err != nil {
			return nil, err
		}
		if !treasury.IsZero() && cash.Cmp(insurance) >= 0 {
			if err := l.reg.bank.transfer(l.asset, l.custody, treasury, insurance); err != nil {
				return nil, err
			}
			paid = insurance
		} else {
			reserveShare.Add(reserveShare, insurance)
		}
	}
	market.TotalReserves = new(big.Int).Add(market.TotalReserves, reserveShare)
	market.LastAccrualTick = now
	if err := l.reg.state.PutMarket(market); err != nil {
		return nil, err
	}
	l.reg.emit(events.Accrued{
		Asset:           l.asset,
		ElapsedTicks:    elapsed,
		BorrowRate:      rate,
		BorrowIndex:     cloneInt(market.BorrowIndex),
		InterestAccrued: interest,
		ReservesAdded:   reserveShare,
		InsurancePaid:   cloneInt(paid),
		TotalReserves:   cloneInt(market.TotalReserves),
		TotalBorrowsNow: debtAfter,
		Tick:            now,
	})
	return market, nil
}

// borrowBalance returns principal * borrowIndex / interestIndex, rounded up.
func (l *MarketLedger) borrowBalance(market *Market, user crypto.Address) (*big.Int, *UserBorrow, error) {
	record, err := l.reg.state.GetUserBorrow(l.asset, user)
	if err != nil {
		return nil, nil, err
	}
	if record == nil {
		record = &UserBorrow{}
	}
	record.EnsureDefaults()
	if record.Principal.Sign() == 0 || record.InterestIndex.Sign() == 0 {
		return big.NewInt(0), record, nil
	}
	return MulDiv(record.Principal, market.BorrowIndex, record.InterestIndex, RoundUp), record, nil
}

// syncPosition keeps the user's supplied and borrowed sets aligned with the
// share balance and borrow principal in this market.
func (l *MarketLedger) syncPosition(user crypto.Address) error {
	pos, err := l.reg.position(user)
	if err != nil {
		return err
	}
	shares, err := l.shares.BalanceOf(user)
	if err != nil {
		return err
	}
	record, err := l.reg.state.GetUserBorrow(l.asset, user)
	if err != nil {
		return err
	}
	borrowed := record != nil && isPositive(record.Principal)
	supplied := shares.Sign() > 0
	if pos.HasSupplied(l.asset) == supplied && pos.HasBorrowed(l.asset) == borrowed {
		return nil
	}
	pos.setSupplied(l.asset, supplied)
	pos.setBorrowed(l.asset, borrowed)
	return l.reg.state.PutPosition(user, pos)
}

func totalBorrows(market *Market) *big.Int {
	return WadMul(market.TotalBorrowsPrincipal, market.BorrowIndex, RoundDown)
}

// deflate converts an amount into index-free principal.
func deflate(amount, index *big.Int, rounding Rounding) *big.Int {
	return MulDiv(amount, Wad, index, rounding)
}

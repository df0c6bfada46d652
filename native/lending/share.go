package lending

import (
	"fmt"
	"math/big"

	"moneymarket/crypto"
)

// ShareToken is the fungible claim on one market's liquidity. Balances only
// change on instruction from the owning ledger, which must present itself as
// the caller.
type ShareToken struct {
	asset  string
	ledger *MarketLedger
	state  State
}

// Asset returns the underlying asset identifier.
func (t *ShareToken) Asset() string { return t.asset }

// TotalSupply returns the outstanding share count.
func (t *ShareToken) TotalSupply() (*big.Int, error) {
	supply, err := t.state.GetShareSupply(t.asset)
	if err != nil {
		return nil, err
	}
	return cloneInt(supply), nil
}

// BalanceOf returns the holder's share balance.
func (t *ShareToken) BalanceOf(holder crypto.Address) (*big.Int, error) {
	balance, err := t.state.GetShareBalance(t.asset, holder)
	if err != nil {
		return nil, err
	}
	return cloneInt(balance), nil
}

// ExchangeRate returns underlying per share (wad) from the ledger's stored
// totals.
func (t *ShareToken) ExchangeRate() (*big.Int, error) {
	market, err := t.ledger.market()
	if err != nil {
		return nil, err
	}
	return t.exchangeRate(market)
}

// exchangeRate is (cash + borrows - reserves) / supply, floored at the
// market's initial rate. With no shares outstanding the initial rate applies.
func (t *ShareToken) exchangeRate(market *Market) (*big.Int, error) {
	initial := cloneInt(market.InitialExchangeRate)
	supply, err := t.TotalSupply()
	if err != nil {
		return nil, err
	}
	if supply.Sign() == 0 {
		return initial, nil
	}
	cash, err := t.ledger.bookCash()
	if err != nil {
		return nil, err
	}
	value := new(big.Int).Add(cash, totalBorrows(market))
	value.Sub(value, market.TotalReserves)
	if value.Sign() <= 0 {
		return initial, nil
	}
	rate := MulDiv(value, Wad, supply, RoundDown)
	if rate.Cmp(initial) < 0 {
		return initial, nil
	}
	return rate, nil
}

// Mint credits shares to a holder.
func (t *ShareToken) Mint(caller *MarketLedger, to crypto.Address, shares *big.Int) error {
	if err := t.authorize(caller); err != nil {
		return err
	}
	if !isPositive(shares) {
		return ErrInvalidAmount
	}
	balance, err := t.BalanceOf(to)
	if err != nil {
		return err
	}
	supply, err := t.TotalSupply()
	if err != nil {
		return err
	}
	if err := t.state.PutShareBalance(t.asset, to, balance.Add(balance, shares)); err != nil {
		return err
	}
	return t.state.PutShareSupply(t.asset, supply.Add(supply, shares))
}

// Burn destroys shares held by a holder.
func (t *ShareToken) Burn(caller *MarketLedger, from crypto.Address, shares *big.Int) error {
	if err := t.authorize(caller); err != nil {
		return err
	}
	if !isPositive(shares) {
		return ErrInvalidAmount
	}
	balance, err := t.BalanceOf(from)
	if err != nil {
		return err
	}
	if balance.Cmp(shares) < 0 {
		return ErrInsufficientShares
	}
	supply, err := t.TotalSupply()
	if err != nil {
		return err
	}
	if supply.Cmp(shares) < 0 {
		return fmt.Errorf("%w: supply below burn", ErrInsufficientShares)
	}
	if err := t.state.PutShareBalance(t.asset, from, balance.Sub(balance, shares)); err != nil {
		return err
	}
	return t.state.PutShareSupply(t.asset, supply.Sub(supply, shares))
}

// Transfer moves shares between holders without changing supply.
func (t *ShareToken) Transfer(caller *MarketLedger, from, to crypto.Address, shares *big.Int) error {
	if err := t.authorize(caller); err != nil {
		return err
	}
	if !isPositive(shares) {
		return ErrInvalidAmount
	}
	fromBalance, err := t.BalanceOf(from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(shares) < 0 {
		return ErrInsufficientShares
	}
	if from.Equal(to) {
		return nil
	}
	toBalance, err := t.BalanceOf(to)
	if err != nil {
		return err
	}
	if err := t.state.PutShareBalance(t.asset, from, fromBalance.Sub(fromBalance, shares)); err != nil {
		return err
	}
	return t.state.PutShareBalance(t.asset, to, toBalance.Add(toBalance, shares))
}

func (t *ShareToken) authorize(caller *MarketLedger) error {
	if caller == nil || caller != t.ledger {
		return ErrUnauthorizedShareCall
	}
	return nil
}

package lending

import (
	"fmt"
	"math/big"

	"moneymarket/crypto"
)

// State is the persistence layer behind the registry. Getters return nil
// without error for records that were never written. Snapshot and
// RevertToSnapshot bracket every operation so a failure leaves no trace;
// Commit durably applies everything written since the last commit.
type State interface {
	GetMarket(asset string) (*Market, error)
	PutMarket(market *Market) error
	ListMarkets() ([]string, error)

	GetUserBorrow(asset string, user crypto.Address) (*UserBorrow, error)
	PutUserBorrow(asset string, user crypto.Address, borrow *UserBorrow) error

	GetRiskConfig(asset string) (*RiskConfig, error)
	PutRiskConfig(asset string, cfg *RiskConfig) error

	GetShareBalance(asset string, holder crypto.Address) (*big.Int, error)
	PutShareBalance(asset string, holder crypto.Address, amount *big.Int) error
	GetShareSupply(asset string) (*big.Int, error)
	PutShareSupply(asset string, amount *big.Int) error

	GetPosition(user crypto.Address) (*Position, error)
	PutPosition(user crypto.Address, position *Position) error

	GetGlobals() (*Globals, error)
	PutGlobals(globals *Globals) error

	GetBalance(asset string, addr crypto.Address) (*big.Int, error)
	PutBalance(asset string, addr crypto.Address, amount *big.Int) error

	Snapshot() int
	RevertToSnapshot(id int)
	Commit() error
}

// Bank moves underlying tokens between accounts. Market custody, users and the
// treasury all hold balances here. Custody accounts can only be debited by
// the registry's own ledgers; everything outside the package pays through
// Pay.
type Bank struct {
	state    State
	accounts map[string]struct{}
}

func newBank(state State) *Bank {
	return &Bank{state: state, accounts: make(map[string]struct{})}
}

// Balance returns the holdings of addr in asset.
func (b *Bank) Balance(asset string, addr crypto.Address) (*big.Int, error) {
	balance, err := b.state.GetBalance(asset, addr)
	if err != nil {
		return nil, err
	}
	return cloneInt(balance), nil
}

// Pay moves amount of asset out of a user account. The host is responsible
// for having authenticated from. Module and custody accounts are refused.
func (b *Bank) Pay(asset string, from, to crypto.Address, amount *big.Int) error {
	if from.IsZero() || to.IsZero() {
		return ErrInvalidAddress
	}
	if b.isModuleAccount(from) {
		return fmt.Errorf("%w: %s is a protocol account", ErrUnauthorized, from)
	}
	return b.transfer(asset, from, to, amount)
}

// reserve marks addr as protocol owned so Pay refuses to debit it.
func (b *Bank) reserve(addr crypto.Address) {
	b.accounts[string(addr.Bytes())] = struct{}{}
}

// isModuleAccount matches on raw bytes: the prefix is presentation only and
// can be rewritten by any caller.
func (b *Bank) isModuleAccount(addr crypto.Address) bool {
	if addr.Prefix() == crypto.ModulePrefix {
		return true
	}
	_, ok := b.accounts[string(addr.Bytes())]
	return ok
}

func (b *Bank) transfer(asset string, from, to crypto.Address, amount *big.Int) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	fromBalance, err := b.Balance(asset, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return ErrInsufficientBalance
	}
	if from.Equal(to) {
		return nil
	}
	toBalance, err := b.Balance(asset, to)
	if err != nil {
		return err
	}
	if err := b.state.PutBalance(asset, from, fromBalance.Sub(fromBalance, amount)); err != nil {
		return err
	}
	return b.state.PutBalance(asset, to, toBalance.Add(toBalance, amount))
}

func (b *Bank) mint(asset string, to crypto.Address, amount *big.Int) error {
	if !isPositive(amount) {
		return ErrInvalidAmount
	}
	balance, err := b.Balance(asset, to)
	if err != nil {
		return err
	}
	return b.state.PutBalance(asset, to, balance.Add(balance, amount))
}

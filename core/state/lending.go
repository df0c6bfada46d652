package state

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"moneymarket/crypto"
	"moneymarket/native/lending"
)

const (
	lendingMarketPrefix      = "lending/market:"
	lendingBorrowPrefix      = "lending/borrow:"
	lendingRiskPrefix        = "lending/risk:"
	lendingSharesPrefix      = "lending/shares:"
	lendingShareSupplyPrefix = "lending/share-supply:"
	lendingPositionPrefix    = "lending/position:"
	bankBalancePrefix        = "bank/balance:"
)

var (
	lendingMarketsKey = hashedKey("lending/markets")
	lendingGlobalsKey = hashedKey("lending/globals")
)

var _ lending.State = (*Manager)(nil)

func assetKey(prefix, asset string) []byte {
	return hashedKey(prefix, []byte(normalizeAsset(asset)))
}

func accountKey(prefix, asset string, addr crypto.Address) []byte {
	return hashedKey(prefix, []byte(normalizeAsset(asset)), addr.Bytes())
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// GetMarket returns the stored market or nil.
func (m *Manager) GetMarket(asset string) (*lending.Market, error) {
	market := new(lending.Market)
	ok, err := m.getRLP(assetKey(lendingMarketPrefix, asset), market)
	if err != nil || !ok {
		return nil, err
	}
	market.EnsureDefaults()
	return market, nil
}

// PutMarket stores the market and records it in the market list.
func (m *Manager) PutMarket(market *lending.Market) error {
	if market == nil {
		return fmt.Errorf("nil market")
	}
	asset := normalizeAsset(market.Asset)
	if asset == "" {
		return fmt.Errorf("market asset required")
	}
	record := market.Clone()
	record.Asset = asset
	record.EnsureDefaults()
	for name, v := range map[string]*big.Int{
		"total borrows principal": record.TotalBorrowsPrincipal,
		"total reserves":          record.TotalReserves,
		"borrow index":            record.BorrowIndex,
	} {
		if err := checkWidth(name, v); err != nil {
			return err
		}
	}
	if err := m.putRLP(assetKey(lendingMarketPrefix, asset), record); err != nil {
		return err
	}
	list, err := m.ListMarkets()
	if err != nil {
		return err
	}
	for _, existing := range list {
		if existing == asset {
			return nil
		}
	}
	return m.putRLP(lendingMarketsKey, append(list, asset))
}

// ListMarkets returns listed assets in listing order.
func (m *Manager) ListMarkets() ([]string, error) {
	var list []string
	if _, err := m.getRLP(lendingMarketsKey, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// GetUserBorrow returns the borrow record or nil.
func (m *Manager) GetUserBorrow(asset string, user crypto.Address) (*lending.UserBorrow, error) {
	record := new(lending.UserBorrow)
	ok, err := m.getRLP(accountKey(lendingBorrowPrefix, asset, user), record)
	if err != nil || !ok {
		return nil, err
	}
	record.EnsureDefaults()
	return record, nil
}

// PutUserBorrow stores the borrow record. Settled records are kept with zero
// fields.
func (m *Manager) PutUserBorrow(asset string, user crypto.Address, borrow *lending.UserBorrow) error {
	if borrow == nil {
		return fmt.Errorf("nil borrow record")
	}
	record := &lending.UserBorrow{Principal: borrow.Principal, InterestIndex: borrow.InterestIndex}
	record.EnsureDefaults()
	if (record.Principal.Sign() == 0) != (record.InterestIndex.Sign() == 0) {
		return fmt.Errorf("borrow record principal and index must be cleared together")
	}
	if err := checkWidth("borrow principal", record.Principal); err != nil {
		return err
	}
	return m.putRLP(accountKey(lendingBorrowPrefix, asset, user), record)
}

// GetRiskConfig returns the risk configuration or nil.
func (m *Manager) GetRiskConfig(asset string) (*lending.RiskConfig, error) {
	cfg := new(lending.RiskConfig)
	ok, err := m.getRLP(assetKey(lendingRiskPrefix, asset), cfg)
	if err != nil || !ok {
		return nil, err
	}
	return cfg, nil
}

// PutRiskConfig stores the risk configuration.
func (m *Manager) PutRiskConfig(asset string, cfg *lending.RiskConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil risk config")
	}
	return m.putRLP(assetKey(lendingRiskPrefix, asset), cfg)
}

// GetShareBalance returns the holder's shares (zero when absent).
func (m *Manager) GetShareBalance(asset string, holder crypto.Address) (*big.Int, error) {
	return m.getAmount(accountKey(lendingSharesPrefix, asset, holder))
}

// PutShareBalance stores the holder's shares; zero removes the entry.
func (m *Manager) PutShareBalance(asset string, holder crypto.Address, amount *big.Int) error {
	return m.putAmount("share balance", accountKey(lendingSharesPrefix, asset, holder), amount)
}

// GetShareSupply returns outstanding shares for an asset.
func (m *Manager) GetShareSupply(asset string) (*big.Int, error) {
	return m.getAmount(assetKey(lendingShareSupplyPrefix, asset))
}

// PutShareSupply stores outstanding shares for an asset.
func (m *Manager) PutShareSupply(asset string, amount *big.Int) error {
	return m.putAmount("share supply", assetKey(lendingShareSupplyPrefix, asset), amount)
}

// GetPosition returns the user's supplied and borrowed sets or nil.
func (m *Manager) GetPosition(user crypto.Address) (*lending.Position, error) {
	pos := new(lending.Position)
	ok, err := m.getRLP(hashedKey(lendingPositionPrefix, user.Bytes()), pos)
	if err != nil || !ok {
		return nil, err
	}
	return pos, nil
}

// PutPosition stores the user's position; an empty position removes it.
func (m *Manager) PutPosition(user crypto.Address, position *lending.Position) error {
	key := hashedKey(lendingPositionPrefix, user.Bytes())
	if position == nil || (len(position.Supplied) == 0 && len(position.Borrowed) == 0) {
		m.del(key)
		return nil
	}
	return m.putRLP(key, position)
}

// GetGlobals returns registry-wide configuration or nil before
// initialisation.
func (m *Manager) GetGlobals() (*lending.Globals, error) {
	g := new(lending.Globals)
	ok, err := m.getRLP(lendingGlobalsKey, g)
	if err != nil || !ok {
		return nil, err
	}
	g.EnsureDefaults()
	return g, nil
}

// PutGlobals stores registry-wide configuration.
func (m *Manager) PutGlobals(globals *lending.Globals) error {
	if globals == nil {
		return fmt.Errorf("nil globals")
	}
	globals.EnsureDefaults()
	return m.putRLP(lendingGlobalsKey, globals)
}

// GetBalance returns the bank balance of addr in asset.
func (m *Manager) GetBalance(asset string, addr crypto.Address) (*big.Int, error) {
	return m.getAmount(accountKey(bankBalancePrefix, asset, addr))
}

// PutBalance stores the bank balance of addr in asset.
func (m *Manager) PutBalance(asset string, addr crypto.Address, amount *big.Int) error {
	return m.putAmount("balance", accountKey(bankBalancePrefix, asset, addr), amount)
}

func (m *Manager) getAmount(key []byte) (*big.Int, error) {
	amount := new(big.Int)
	ok, err := m.getRLP(key, amount)
	if err != nil {
		return nil, err
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return amount, nil
}

func (m *Manager) putAmount(name string, key []byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		m.del(key)
		return nil
	}
	if err := checkWidth(name, amount); err != nil {
		return err
	}
	return m.putRLP(key, amount)
}

// checkWidth rejects negative values and values wider than 256 bits.
func checkWidth(name string, v *big.Int) error {
	if v == nil {
		return nil
	}
	if v.Sign() < 0 {
		return fmt.Errorf("%s negative", name)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return fmt.Errorf("%s overflow", name)
	}
	return nil
}

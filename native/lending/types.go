package lending

import (
	"math/big"
	"sort"
)

// Market captures the accounting state of one listed underlying asset. Amounts
// are in the asset's smallest unit; indexes, rates and factors are wad-scaled.
type Market struct {
	Asset    string
	Listed   bool
	Decimals uint8
	// TotalBorrowsPrincipal is the aggregate debt deflated by the borrow
	// index, so current total borrows are TotalBorrowsPrincipal*BorrowIndex.
	TotalBorrowsPrincipal *big.Int
	TotalReserves         *big.Int
	// BorrowIndex starts at 1.0 and only grows through accrual.
	BorrowIndex *big.Int
	// ReserveFactor is the share of accrued interest retained as reserves.
	ReserveFactor *big.Int
	// InsuranceFactor is the share of accrued interest forwarded to the
	// treasury as soon as it accrues.
	InsuranceFactor     *big.Int
	FlashFeeRate        *big.Int
	FlashProtocolShare  *big.Int
	InitialExchangeRate *big.Int
	LastAccrualTick     uint64
}

// UserBorrow is a borrower's debt in one market. Current debt is
// Principal*BorrowIndex/InterestIndex; a settled position has both fields at
// zero.
type UserBorrow struct {
	Principal     *big.Int
	InterestIndex *big.Int
}

// RiskConfig holds the risk parameters the controller applies to an asset.
type RiskConfig struct {
	CanBeCollateral      bool
	CollateralFactor     *big.Int
	LiquidationThreshold *big.Int
	LiquidationBonus     *big.Int
	PriceFeedID          string
	Decimals             uint8
}

// Position lists the markets in which a user holds shares or debt.
type Position struct {
	Supplied []string
	Borrowed []string
}

// Globals stores registry-wide configuration.
type Globals struct {
	Admin       []byte
	Treasury    []byte
	CloseFactor *big.Int
	Paused      []string
}

// MarketParams describes a market at listing time.
type MarketParams struct {
	Asset               string
	Decimals            uint8
	InitialExchangeRate *big.Int
	ReserveFactor       *big.Int
	InsuranceFactor     *big.Int
	FlashFeeRate        *big.Int
	FlashProtocolShare  *big.Int
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := *m
	clone.TotalBorrowsPrincipal = cloneInt(m.TotalBorrowsPrincipal)
	clone.TotalReserves = cloneInt(m.TotalReserves)
	clone.BorrowIndex = cloneInt(m.BorrowIndex)
	clone.ReserveFactor = cloneInt(m.ReserveFactor)
	clone.InsuranceFactor = cloneInt(m.InsuranceFactor)
	clone.FlashFeeRate = cloneInt(m.FlashFeeRate)
	clone.FlashProtocolShare = cloneInt(m.FlashProtocolShare)
	clone.InitialExchangeRate = cloneInt(m.InitialExchangeRate)
	return &clone
}

// EnsureDefaults populates nil big.Int fields after decoding.
func (m *Market) EnsureDefaults() {
	if m.TotalBorrowsPrincipal == nil {
		m.TotalBorrowsPrincipal = big.NewInt(0)
	}
	if m.TotalReserves == nil {
		m.TotalReserves = big.NewInt(0)
	}
	if m.BorrowIndex == nil || m.BorrowIndex.Sign() == 0 {
		m.BorrowIndex = new(big.Int).Set(Wad)
	}
	if m.ReserveFactor == nil {
		m.ReserveFactor = big.NewInt(0)
	}
	if m.InsuranceFactor == nil {
		m.InsuranceFactor = big.NewInt(0)
	}
	if m.FlashFeeRate == nil {
		m.FlashFeeRate = big.NewInt(0)
	}
	if m.FlashProtocolShare == nil {
		m.FlashProtocolShare = big.NewInt(0)
	}
	if m.InitialExchangeRate == nil || m.InitialExchangeRate.Sign() == 0 {
		m.InitialExchangeRate = new(big.Int).Set(Wad)
	}
}

// EnsureDefaults populates nil fields after decoding.
func (b *UserBorrow) EnsureDefaults() {
	if b.Principal == nil {
		b.Principal = big.NewInt(0)
	}
	if b.InterestIndex == nil {
		b.InterestIndex = big.NewInt(0)
	}
}

// Clone returns a deep copy of the risk configuration.
func (c *RiskConfig) Clone() *RiskConfig {
	if c == nil {
		return nil
	}
	clone := *c
	clone.CollateralFactor = cloneInt(c.CollateralFactor)
	clone.LiquidationThreshold = cloneInt(c.LiquidationThreshold)
	clone.LiquidationBonus = cloneInt(c.LiquidationBonus)
	return &clone
}

// Validate enforces collateralFactor <= liquidationThreshold <= 1.
func (c *RiskConfig) Validate() error {
	if c == nil {
		return ErrRiskConfigMissing
	}
	if c.PriceFeedID == "" {
		return ErrInvalidParameter
	}
	if c.CollateralFactor == nil || c.LiquidationThreshold == nil || c.LiquidationBonus == nil {
		return ErrInvalidParameter
	}
	if c.CollateralFactor.Sign() < 0 || c.LiquidationBonus.Sign() < 0 {
		return ErrInvalidParameter
	}
	if c.LiquidationThreshold.Cmp(Wad) > 0 {
		return ErrInvalidParameter
	}
	if c.CollateralFactor.Cmp(c.LiquidationThreshold) > 0 {
		return ErrInvalidParameter
	}
	if c.LiquidationBonus.Cmp(Wad) > 0 {
		return ErrInvalidParameter
	}
	return nil
}

// HasSupplied reports whether asset is in the supplied set.
func (p *Position) HasSupplied(asset string) bool { return contains(p.Supplied, asset) }

// HasBorrowed reports whether asset is in the borrowed set.
func (p *Position) HasBorrowed(asset string) bool { return contains(p.Borrowed, asset) }

func (p *Position) setSupplied(asset string, present bool) {
	p.Supplied = toggle(p.Supplied, asset, present)
}

func (p *Position) setBorrowed(asset string, present bool) {
	p.Borrowed = toggle(p.Borrowed, asset, present)
}

func contains(list []string, asset string) bool {
	i := sort.SearchStrings(list, asset)
	return i < len(list) && list[i] == asset
}

func toggle(list []string, asset string, present bool) []string {
	i := sort.SearchStrings(list, asset)
	found := i < len(list) && list[i] == asset
	switch {
	case present && !found:
		list = append(list, "")
		copy(list[i+1:], list[i:])
		list[i] = asset
	case !present && found:
		list = append(list[:i], list[i+1:]...)
	}
	return list
}

// EnsureDefaults populates nil fields after decoding.
func (g *Globals) EnsureDefaults() {
	if g.CloseFactor == nil {
		g.CloseFactor = big.NewInt(0)
	}
}

func (g *Globals) isPaused(action string) bool {
	return contains(g.Paused, action)
}

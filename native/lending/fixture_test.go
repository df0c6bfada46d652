package lending_test

import (
	"math/big"
	"testing"

	"moneymarket/core/events"
	"moneymarket/core/state"
	"moneymarket/crypto"
	"moneymarket/native/lending"
	"moneymarket/storage"
)

const (
	assetDebt       = "USDC"
	assetCollateral = "ETH"
)

type fixture struct {
	t        *testing.T
	db       *storage.MemDB
	state    *state.Manager
	feed     *lending.StaticPriceFeed
	reg      *lending.Registry
	recorder *events.Recorder
	admin    crypto.Address
	treasury crypto.Address
}

func addr(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[0] = 0xaa
	raw[19] = b
	return crypto.NewAddress(crypto.UserPrefix, raw)
}

// units scales a whole-token amount to 18 decimals.
func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), lending.Wad)
}

func wad(s string) *big.Int { return lending.MustWad(s) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storage.NewMemDB()
	st := state.NewManager(db)
	feed := lending.NewStaticPriceFeed()
	reg, err := lending.NewRegistry(st, feed)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	recorder := events.NewRecorder(0)
	reg.SetEmitter(recorder)
	f := &fixture{
		t:        t,
		db:       db,
		state:    st,
		feed:     feed,
		reg:      reg,
		recorder: recorder,
		admin:    addr(0xf0),
		treasury: addr(0xf1),
	}
	if err := reg.Initialize(f.admin, f.treasury, wad("0.5")); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return f
}

type marketOpts struct {
	reserveFactor   string
	insuranceFactor string
	flashFee        string
	flashShare      string
	initialRate     string
	model           lending.InterestRateModel
	collateral      bool
	cf, lt, bonus   string
	price           string
}

func (f *fixture) list(asset string, opts marketOpts) *lending.MarketLedger {
	f.t.Helper()
	orZero := func(s string) *big.Int {
		if s == "" {
			return big.NewInt(0)
		}
		return wad(s)
	}
	params := lending.MarketParams{
		Asset:              asset,
		Decimals:           18,
		ReserveFactor:      orZero(opts.reserveFactor),
		InsuranceFactor:    orZero(opts.insuranceFactor),
		FlashFeeRate:       orZero(opts.flashFee),
		FlashProtocolShare: orZero(opts.flashShare),
	}
	if opts.initialRate != "" {
		params.InitialExchangeRate = wad(opts.initialRate)
	}
	model := opts.model
	if model == nil {
		model = lending.FixedRateModel{RatePerTick: big.NewInt(0)}
	}
	if err := f.reg.ListMarket(f.admin, params, model); err != nil {
		f.t.Fatalf("list %s: %v", asset, err)
	}
	cfg := &lending.RiskConfig{
		CanBeCollateral:      opts.collateral,
		CollateralFactor:     orZero(opts.cf),
		LiquidationThreshold: orZero(opts.lt),
		LiquidationBonus:     orZero(opts.bonus),
		PriceFeedID:          asset + "/USD",
		Decimals:             18,
	}
	if err := f.reg.SetRiskConfig(f.admin, asset, cfg); err != nil {
		f.t.Fatalf("risk config %s: %v", asset, err)
	}
	price := opts.price
	if price == "" {
		price = "1"
	}
	f.setPrice(asset, price)
	ledger, err := f.reg.Ledger(asset)
	if err != nil {
		f.t.Fatalf("ledger %s: %v", asset, err)
	}
	return ledger
}

func (f *fixture) setPrice(asset, price string) {
	f.feed.SetPrice(asset+"/USD", wad(price))
}

func (f *fixture) fund(asset string, to crypto.Address, amount *big.Int) {
	f.t.Helper()
	if err := f.reg.MintUnderlying(f.admin, asset, to, amount); err != nil {
		f.t.Fatalf("mint %s: %v", asset, err)
	}
}

func (f *fixture) supply(ledger *lending.MarketLedger, user crypto.Address, amount *big.Int) *big.Int {
	f.t.Helper()
	f.fund(ledger.Asset(), user, amount)
	shares, err := ledger.Supply(user, amount)
	if err != nil {
		f.t.Fatalf("supply %s: %v", ledger.Asset(), err)
	}
	return shares
}

func (f *fixture) balance(asset string, who crypto.Address) *big.Int {
	f.t.Helper()
	bal, err := f.reg.Bank().Balance(asset, who)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return bal
}

func (f *fixture) advance(tick uint64) {
	f.t.Helper()
	if err := f.reg.SetTick(tick); err != nil {
		f.t.Fatalf("set tick %d: %v", tick, err)
	}
}

func (f *fixture) market(ledger *lending.MarketLedger) *lending.Market {
	f.t.Helper()
	m, err := ledger.Market()
	if err != nil {
		f.t.Fatalf("market: %v", err)
	}
	return m
}

// standardMarkets lists a USDC debt market and an ETH collateral market with a
// 75% collateral factor, 80% threshold and 5% bonus, and seeds USDC
// liquidity from a lender.
func (f *fixture) standardMarkets(debtOpts marketOpts) (*lending.MarketLedger, *lending.MarketLedger) {
	f.t.Helper()
	debt := f.list(assetDebt, debtOpts)
	col := f.list(assetCollateral, marketOpts{collateral: true, cf: "0.75", lt: "0.8", bonus: "0.05"})
	f.supply(debt, addr(0x10), units(10_000))
	return debt, col
}

func cmpWithin(a, b *big.Int, tolerance int64) bool {
	diff := new(big.Int).Sub(a, b)
	diff.Abs(diff)
	return diff.Cmp(big.NewInt(tolerance)) <= 0
}

// accountState captures everything an aborted operation must leave untouched.
type accountState struct {
	cash, reserves, index, principal *big.Int
	shares, userBalance, debt        *big.Int
}

func (f *fixture) capture(ledger *lending.MarketLedger, user crypto.Address) accountState {
	f.t.Helper()
	m := f.market(ledger)
	cash, err := ledger.Cash()
	if err != nil {
		f.t.Fatalf("cash: %v", err)
	}
	shares, err := ledger.ShareBalance(user)
	if err != nil {
		f.t.Fatalf("shares: %v", err)
	}
	debt, err := ledger.BorrowBalance(user)
	if err != nil {
		f.t.Fatalf("debt: %v", err)
	}
	return accountState{
		cash:        cash,
		reserves:    m.TotalReserves,
		index:       m.BorrowIndex,
		principal:   m.TotalBorrowsPrincipal,
		shares:      shares,
		userBalance: f.balance(ledger.Asset(), user),
		debt:        debt,
	}
}

func (s accountState) equal(o accountState) bool {
	pairs := [][2]*big.Int{
		{s.cash, o.cash}, {s.reserves, o.reserves}, {s.index, o.index}, {s.principal, o.principal},
		{s.shares, o.shares}, {s.userBalance, o.userBalance}, {s.debt, o.debt},
	}
	for _, p := range pairs {
		if p[0].Cmp(p[1]) != 0 {
			return false
		}
	}
	return true
}

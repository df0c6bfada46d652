package lending_test

import (
	"errors"
	"math/big"
	"testing"

	"moneymarket/core/events"
	"moneymarket/native/lending"
)

func TestAccrualCompoundsPerTick(t *testing.T) {
	f := newFixture(t)
	rate := wad("0.001")
	debt, col := f.standardMarkets(marketOpts{
		reserveFactor: "0.1",
		model:         lending.FixedRateModel{RatePerTick: rate},
	})
	borrower := addr(0x20)
	f.supply(col, borrower, units(2_000))
	if err := debt.Borrow(borrower, units(1_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	const n = 10
	for tick := uint64(1); tick <= n; tick++ {
		f.advance(tick)
		if err := debt.Accrue(); err != nil {
			t.Fatalf("accrue tick %d: %v", tick, err)
		}
	}

	// (1 + r)^n
	growth := new(big.Rat).SetFrac(big.NewInt(1001), big.NewInt(1000))
	expected := big.NewRat(1, 1)
	for i := 0; i < n; i++ {
		expected.Mul(expected, growth)
	}
	expectedIndex := new(big.Int).Quo(new(big.Int).Mul(expected.Num(), lending.Wad), expected.Denom())

	market := f.market(debt)
	if !cmpWithin(market.BorrowIndex, expectedIndex, n) {
		t.Fatalf("borrow index %s, expected ~%s", market.BorrowIndex, expectedIndex)
	}
	owed, err := debt.BorrowBalance(borrower)
	if err != nil {
		t.Fatalf("borrow balance: %v", err)
	}
	expectedDebt := new(big.Int).Quo(new(big.Int).Mul(expected.Num(), units(1_000)), expected.Denom())
	if !cmpWithin(owed, expectedDebt, 1_000*n) {
		t.Fatalf("debt %s, expected ~%s", owed, expectedDebt)
	}

	interest := new(big.Int).Sub(owed, units(1_000))
	expectedReserves := new(big.Int).Quo(interest, big.NewInt(10))
	if !cmpWithin(market.TotalReserves, expectedReserves, 1_000*n) {
		t.Fatalf("reserves %s, expected ~%s", market.TotalReserves, expectedReserves)
	}
	if got := len(f.recorder.OfType(events.TypeLendingAccrued)); got != n {
		t.Fatalf("expected %d accrual events, got %d", n, got)
	}
}

func TestBorrowIndexMonotonic(t *testing.T) {
	f := newFixture(t)
	debt, col := f.standardMarkets(marketOpts{model: lending.FixedRateModel{RatePerTick: wad("0.0005")}})

	// No debt: ticks move, the index does not.
	f.advance(5)
	if err := debt.Accrue(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	m := f.market(debt)
	if m.BorrowIndex.Cmp(lending.Wad) != 0 || m.LastAccrualTick != 5 {
		t.Fatalf("idle market changed index: %s at tick %d", m.BorrowIndex, m.LastAccrualTick)
	}

	borrower := addr(0x21)
	f.supply(col, borrower, units(100))
	if err := debt.Borrow(borrower, units(10)); err != nil {
		t.Fatalf("borrow: %v", err)
	}

	prev := f.market(debt).BorrowIndex
	for _, tick := range []uint64{5, 6, 6, 9, 20} {
		f.advance(tick)
		if err := debt.Accrue(); err != nil {
			t.Fatalf("accrue: %v", err)
		}
		index := f.market(debt).BorrowIndex
		switch {
		case index.Cmp(prev) < 0:
			t.Fatalf("index decreased at tick %d", tick)
		case index.Cmp(prev) == 0 && tick > 6:
			t.Fatalf("index did not grow at tick %d", tick)
		}
		prev = index
	}

	if err := f.reg.SetTick(3); !errors.Is(err, lending.ErrTickRegression) {
		t.Fatalf("expected ErrTickRegression, got %v", err)
	}
}

func TestRepayConservesDebt(t *testing.T) {
	f := newFixture(t)
	debt, col := f.standardMarkets(marketOpts{model: lending.FixedRateModel{RatePerTick: wad("0.0007")}})
	borrower := addr(0x22)
	f.supply(col, borrower, units(1_000))
	if err := debt.Borrow(borrower, units(300)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.advance(17)
	if err := debt.Accrue(); err != nil {
		t.Fatalf("accrue: %v", err)
	}

	owed, _ := debt.BorrowBalance(borrower)
	before := f.market(debt)
	repay := units(120)
	f.fund(assetDebt, borrower, units(500))
	repaid, err := debt.Repay(borrower, borrower, repay)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(repay) != 0 {
		t.Fatalf("repaid %s, want %s", repaid, repay)
	}
	after := f.market(debt)
	left, _ := debt.BorrowBalance(borrower)
	if want := new(big.Int).Sub(owed, repay); left.Cmp(want) != 0 {
		t.Fatalf("remaining debt %s, want %s", left, want)
	}
	deflated := lending.MulDiv(repay, lending.Wad, before.BorrowIndex, lending.RoundDown)
	drop := new(big.Int).Sub(before.TotalBorrowsPrincipal, after.TotalBorrowsPrincipal)
	if drop.Cmp(deflated) != 0 {
		t.Fatalf("principal dropped by %s, want %s", drop, deflated)
	}

	// Repay-all settles the rest and clears the borrowed set.
	repaid, err = debt.Repay(borrower, borrower, lending.RepayAll)
	if err != nil {
		t.Fatalf("repay all: %v", err)
	}
	if repaid.Cmp(left) != 0 {
		t.Fatalf("repay all paid %s, want %s", repaid, left)
	}
	record, err := f.state.GetUserBorrow(assetDebt, borrower)
	if err != nil || record == nil {
		t.Fatalf("borrow record: %v", err)
	}
	if record.Principal.Sign() != 0 || record.InterestIndex.Sign() != 0 {
		t.Fatalf("settled record not cleared: %+v", record)
	}
	pos, _ := f.state.GetPosition(borrower)
	if pos == nil || pos.HasBorrowed(assetDebt) {
		t.Fatalf("borrowed set still lists %s: %+v", assetDebt, pos)
	}
	if _, err := debt.Repay(borrower, borrower, units(1)); !errors.Is(err, lending.ErrNoDebt) {
		t.Fatalf("expected ErrNoDebt, got %v", err)
	}
}

func TestRepayOnBehalf(t *testing.T) {
	f := newFixture(t)
	debt, col := f.standardMarkets(marketOpts{})
	borrower, helper := addr(0x23), addr(0x24)
	f.supply(col, borrower, units(100))
	if err := debt.Borrow(borrower, units(50)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.fund(assetDebt, helper, units(80))
	repaid, err := debt.Repay(helper, borrower, units(80))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if repaid.Cmp(units(50)) != 0 {
		t.Fatalf("repay capped at %s, want 50", repaid)
	}
	if got := f.balance(assetDebt, helper); got.Cmp(units(30)) != 0 {
		t.Fatalf("helper balance %s, want 30", got)
	}
	if got := f.balance(assetDebt, borrower); got.Cmp(units(50)) != 0 {
		t.Fatalf("borrower keeps the borrowed funds, got %s", got)
	}
}

func TestExchangeRateFloor(t *testing.T) {
	f := newFixture(t)
	debt := f.list(assetDebt, marketOpts{initialRate: "0.02", model: lending.FixedRateModel{RatePerTick: wad("0.001")}})
	col := f.list(assetCollateral, marketOpts{collateral: true, cf: "0.75", lt: "0.8"})

	rate, err := debt.Shares().ExchangeRate()
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate.Cmp(wad("0.02")) != 0 {
		t.Fatalf("empty market rate %s, want initial", rate)
	}

	lender := addr(0x30)
	shares := f.supply(debt, lender, units(100))
	if shares.Cmp(units(5_000)) != 0 {
		t.Fatalf("minted %s shares, want 5000", shares)
	}

	borrower := addr(0x31)
	f.supply(col, borrower, units(100))
	if err := debt.Borrow(borrower, units(40)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.advance(50)
	if err := debt.Accrue(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	grown, _ := debt.Shares().ExchangeRate()
	if grown.Cmp(wad("0.02")) <= 0 {
		t.Fatalf("rate did not grow with interest: %s", grown)
	}

	// Shares outstanding with nothing backing them still price at the floor.
	if err := f.state.PutShareSupply("DAI", units(1)); err != nil {
		t.Fatalf("seed supply: %v", err)
	}
	dai := f.list("DAI", marketOpts{initialRate: "0.5"})
	floor, _ := dai.Shares().ExchangeRate()
	if floor.Cmp(wad("0.5")) != 0 {
		t.Fatalf("unbacked shares rate %s, want floor 0.5", floor)
	}
}

func TestSupplyWithdrawMaintainsPosition(t *testing.T) {
	f := newFixture(t)
	debt, _ := f.standardMarkets(marketOpts{})
	user := addr(0x40)
	shares := f.supply(debt, user, units(25))

	pos, _ := f.state.GetPosition(user)
	if pos == nil || !pos.HasSupplied(assetDebt) {
		t.Fatalf("supplied set missing %s", assetDebt)
	}
	half := new(big.Int).Quo(shares, big.NewInt(2))
	if _, err := debt.Withdraw(user, half); err != nil {
		t.Fatalf("withdraw half: %v", err)
	}
	pos, _ = f.state.GetPosition(user)
	if pos == nil || !pos.HasSupplied(assetDebt) {
		t.Fatalf("partial withdraw dropped %s", assetDebt)
	}
	rest, _ := debt.ShareBalance(user)
	paid, err := debt.Withdraw(user, rest)
	if err != nil {
		t.Fatalf("withdraw rest: %v", err)
	}
	if paid.Sign() <= 0 {
		t.Fatalf("withdraw paid nothing")
	}
	pos, _ = f.state.GetPosition(user)
	if pos != nil && pos.HasSupplied(assetDebt) {
		t.Fatalf("supplied set keeps zero-balance asset")
	}
	if got := f.balance(assetDebt, user); got.Cmp(units(25)) != 0 {
		t.Fatalf("round trip returned %s, want 25", got)
	}
	if _, err := debt.Withdraw(user, big.NewInt(1)); !errors.Is(err, lending.ErrInsufficientShares) {
		t.Fatalf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestFailedOperationLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	debt, col := f.standardMarkets(marketOpts{})
	user := addr(0x41)
	f.supply(col, user, units(10))
	if err := f.state.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	before := f.capture(debt, user)
	keys := f.db.Len()
	emitted := len(f.recorder.Events())

	if err := debt.Borrow(user, units(9)); !errors.Is(err, lending.ErrBorrowNotAllowed) {
		t.Fatalf("expected ErrBorrowNotAllowed, got %v", err)
	}
	if _, err := debt.Supply(user, units(1)); !errors.Is(err, lending.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := debt.Borrow(user, big.NewInt(0)); !errors.Is(err, lending.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if !before.equal(f.capture(debt, user)) {
		t.Fatalf("failed operations mutated state")
	}
	if f.db.Len() != keys || f.state.Pending() != 0 {
		t.Fatalf("failed operations reached the store")
	}
	if len(f.recorder.Events()) != emitted {
		t.Fatalf("failed operations emitted events")
	}
}

func TestBorrowRequiresLiquidity(t *testing.T) {
	f := newFixture(t)
	debt := f.list(assetDebt, marketOpts{})
	col := f.list(assetCollateral, marketOpts{collateral: true, cf: "0.75", lt: "0.8"})
	user := addr(0x42)
	f.supply(col, user, units(1_000))
	f.supply(debt, addr(0x43), units(5))
	if err := debt.Borrow(user, units(6)); !errors.Is(err, lending.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestInsuranceForwardedToTreasury(t *testing.T) {
	f := newFixture(t)
	debt, col := f.standardMarkets(marketOpts{
		reserveFactor:   "0.1",
		insuranceFactor: "0.05",
		model:           lending.FixedRateModel{RatePerTick: wad("0.001")},
	})
	borrower := addr(0x44)
	f.supply(col, borrower, units(2_000))
	if err := debt.Borrow(borrower, units(1_000)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	f.advance(10)
	if err := debt.Accrue(); err != nil {
		t.Fatalf("accrue: %v", err)
	}
	accrued := f.recorder.OfType(events.TypeLendingAccrued)
	if len(accrued) != 1 {
		t.Fatalf("expected one accrual, got %d", len(accrued))
	}
	paid, _ := new(big.Int).SetString(accrued[0].Attr("insurancePaid"), 10)
	if paid == nil || paid.Sign() <= 0 {
		t.Fatalf("insurance not paid: %v", accrued[0].Attributes)
	}
	if got := f.balance(assetDebt, f.treasury); got.Cmp(paid) != 0 {
		t.Fatalf("treasury holds %s, want %s", got, paid)
	}
}

func TestShareTransferChecksSender(t *testing.T) {
	f := newFixture(t)
	debt, col := f.standardMarkets(marketOpts{})
	user, friend := addr(0x45), addr(0x46)
	shares := f.supply(col, user, units(100))
	if err := debt.Borrow(user, units(70)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if err := col.TransferShares(user, friend, shares); !errors.Is(err, lending.ErrWithdrawNotAllowed) {
		t.Fatalf("expected ErrWithdrawNotAllowed, got %v", err)
	}
	if err := col.TransferShares(user, friend, units(5)); err != nil {
		t.Fatalf("small transfer: %v", err)
	}
	pos, _ := f.state.GetPosition(friend)
	if pos == nil || !pos.HasSupplied(assetCollateral) {
		t.Fatalf("recipient missing supplied entry")
	}
}

func TestShareTokenRejectsForeignCaller(t *testing.T) {
	f := newFixture(t)
	debt, col := f.standardMarkets(marketOpts{})
	user := addr(0x47)
	if err := debt.Shares().Mint(col, user, units(1)); !errors.Is(err, lending.ErrUnauthorizedShareCall) {
		t.Fatalf("expected ErrUnauthorizedShareCall, got %v", err)
	}
	if err := debt.Shares().Burn(nil, user, units(1)); !errors.Is(err, lending.ErrUnauthorizedShareCall) {
		t.Fatalf("expected ErrUnauthorizedShareCall, got %v", err)
	}
	if err := debt.Shares().Transfer(col, addr(0x10), user, units(1)); !errors.Is(err, lending.ErrUnauthorizedShareCall) {
		t.Fatalf("expected ErrUnauthorizedShareCall, got %v", err)
	}
}

func TestUnlistedMarket(t *testing.T) {
	f := newFixture(t)
	if _, err := f.reg.Ledger("BTC"); !errors.Is(err, lending.ErrMarketNotListed) {
		t.Fatalf("expected ErrMarketNotListed, got %v", err)
	}
}

func TestSupplyEmitsEvent(t *testing.T) {
	f := newFixture(t)
	debt := f.list(assetDebt, marketOpts{})
	f.advance(7)
	user := addr(0x48)
	f.supply(debt, user, units(3))
	supplied := f.recorder.OfType(events.TypeLendingSupplied)
	if len(supplied) != 1 {
		t.Fatalf("expected one supplied event, got %d", len(supplied))
	}
	evt := supplied[0]
	if evt.Tick != 7 || evt.Attr("supplier") != user.String() || evt.Attr("amount") != units(3).String() {
		t.Fatalf("unexpected event: %+v", evt)
	}
	if evt.Attr("exchangeRate") == "" || evt.Attr("borrowIndex") == "" {
		t.Fatalf("event missing rate or index: %+v", evt)
	}
}

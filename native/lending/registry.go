package lending

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"time"

	"moneymarket/core/events"
	"moneymarket/crypto"
	nativecommon "moneymarket/native/common"
	"moneymarket/observability/metrics"
)

// ModuleName is the pause-view key that halts the whole money market.
const ModuleName = "lending"

// Action names accepted by Pause and Unpause.
const (
	ActionSupply    = "supply"
	ActionWithdraw  = "withdraw"
	ActionBorrow    = "borrow"
	ActionRepay     = "repay"
	ActionFlash     = "flash"
	ActionLiquidate = "liquidate"
	ActionTransfer  = "transfer"
)

var knownActions = map[string]bool{
	ActionSupply:    true,
	ActionWithdraw:  true,
	ActionBorrow:    true,
	ActionRepay:     true,
	ActionFlash:     true,
	ActionLiquidate: true,
	ActionTransfer:  true,
}

// Registry is the explicit context shared by every ledger, the risk controller
// and the liquidation engine of one money market. It owns the transaction
// boundary: each top-level operation either commits all of its writes and
// events or none of them. A Registry is not safe for concurrent use; hosts
// serialise calls.
type Registry struct {
	state   State
	feed    PriceFeed
	emitter events.Emitter
	logger  *slog.Logger
	pauses  nativecommon.PauseView
	metrics *metrics.LendingMetrics
	tick    uint64

	bank       *Bank
	ledgers    map[string]*MarketLedger
	models     map[string]InterestRateModel
	risk       *RiskController
	liquidator *LiquidationEngine

	depth   int
	pending []events.Event
	touched map[string]struct{}
}

// NewRegistry wires a registry over the supplied state and price feed.
// Interest models are not persisted and must be attached with
// SetInterestModel before markets with outstanding debt can accrue.
func NewRegistry(state State, feed PriceFeed) (*Registry, error) {
	if state == nil {
		return nil, ErrNilState
	}
	if feed == nil {
		return nil, fmt.Errorf("%w: price feed required", ErrInvalidParameter)
	}
	r := &Registry{
		state:   state,
		feed:    feed,
		emitter: events.NoopEmitter{},
		logger:  slog.Default(),
		bank:    newBank(state),
		ledgers: make(map[string]*MarketLedger),
		models:  make(map[string]InterestRateModel),
		touched: make(map[string]struct{}),
	}
	r.risk = &RiskController{reg: r}
	r.liquidator = &LiquidationEngine{reg: r, lock: nativecommon.NewReentrancyLock("liquidation")}
	assets, err := state.ListMarkets()
	if err != nil {
		return nil, err
	}
	for _, asset := range assets {
		r.ledgerFor(asset)
	}
	return r, nil
}

// SetEmitter configures the sink receiving committed events.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		emitter = events.NoopEmitter{}
	}
	r.emitter = emitter
}

// SetLogger replaces the operation logger.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.logger = logger
}

// SetPauses wires the module-wide pause view.
func (r *Registry) SetPauses(p nativecommon.PauseView) { r.pauses = p }

// SetMetrics enables prometheus reporting.
func (r *Registry) SetMetrics(m *metrics.LendingMetrics) { r.metrics = m }

// SetPriceFeed swaps the price source.
func (r *Registry) SetPriceFeed(feed PriceFeed) error {
	if feed == nil {
		return fmt.Errorf("%w: price feed required", ErrInvalidParameter)
	}
	r.feed = feed
	return nil
}

// SetTick advances the logical clock used for accrual. Ticks never move
// backwards and cannot change while an operation is in flight.
func (r *Registry) SetTick(tick uint64) error {
	if r.depth > 0 {
		return fmt.Errorf("%w: tick change during operation", ErrReentrantCall)
	}
	if tick < r.tick {
		return fmt.Errorf("%w: %d < %d", ErrTickRegression, tick, r.tick)
	}
	r.tick = tick
	return nil
}

// Tick returns the current logical clock.
func (r *Registry) Tick() uint64 { return r.tick }

// SetInterestModel attaches the rate model for a market. When a model was
// already attached, interest up to the current tick is accrued under the old
// model first.
func (r *Registry) SetInterestModel(asset string, model InterestRateModel) error {
	asset = normalizeAsset(asset)
	if asset == "" {
		return ErrInvalidAsset
	}
	if model == nil {
		return ErrInterestModelMissing
	}
	if _, ok := r.models[asset]; ok {
		ledger := r.ledgerFor(asset)
		err := r.transact("set_interest_model", func() error {
			if _, err := ledger.market(); err != nil {
				if errors.Is(err, ErrMarketNotListed) {
					return nil
				}
				return err
			}
			_, err := ledger.accrue()
			return err
		})
		if err != nil {
			return err
		}
	}
	r.models[asset] = model
	return nil
}

// Bank exposes the underlying token bank. Outside callers can read balances
// and Pay from user accounts; custody only moves through the ledgers.
func (r *Registry) Bank() *Bank { return r.bank }

// Risk returns the risk controller.
func (r *Registry) Risk() *RiskController { return r.risk }

// Liquidator returns the liquidation engine.
func (r *Registry) Liquidator() *LiquidationEngine { return r.liquidator }

// Ledger returns the ledger for a listed market.
func (r *Registry) Ledger(asset string) (*MarketLedger, error) {
	asset = normalizeAsset(asset)
	if asset == "" {
		return nil, ErrInvalidAsset
	}
	ledger := r.ledgerFor(asset)
	if _, err := ledger.market(); err != nil {
		return nil, err
	}
	return ledger, nil
}

// Markets lists the listed assets in sorted order.
func (r *Registry) Markets() ([]string, error) {
	assets, err := r.state.ListMarkets()
	if err != nil {
		return nil, err
	}
	out := append([]string(nil), assets...)
	sort.Strings(out)
	return out, nil
}

// AccrueAll brings every listed market up to the current tick.
func (r *Registry) AccrueAll() error {
	assets, err := r.Markets()
	if err != nil {
		return err
	}
	return r.transact("accrue_all", func() error {
		for _, asset := range assets {
			ledger := r.ledgerFor(asset)
			if ledger.lock.Busy() {
				return fmt.Errorf("%w: %s", ErrReentrantCall, ledger.lock.Name())
			}
			if _, err := ledger.accrue(); err != nil {
				return err
			}
		}
		return nil
	})
}

// ledgerFor returns the cached ledger handle. Handles carry no accounting
// state, so a handle for a market whose listing was reverted is harmless: it
// reports ErrMarketNotListed.
func (r *Registry) ledgerFor(asset string) *MarketLedger {
	if ledger, ok := r.ledgers[asset]; ok {
		return ledger
	}
	ledger := &MarketLedger{
		reg:     r,
		asset:   asset,
		custody: crypto.ModuleAddress("lending/market:" + asset),
		lock:    nativecommon.NewReentrancyLock("ledger:" + asset),
	}
	ledger.shares = &ShareToken{asset: asset, ledger: ledger, state: r.state}
	r.bank.reserve(ledger.custody)
	r.ledgers[asset] = ledger
	return ledger
}

// transact runs fn as one all-or-nothing unit. Nested calls (from flash
// callbacks) join the outer unit and only the outermost call commits.
func (r *Registry) transact(op string, fn func() error) (err error) {
	if r.state == nil {
		return ErrNilState
	}
	started := time.Now()
	snapshot := r.state.Snapshot()
	mark := len(r.pending)
	r.depth++
	defer func() {
		r.depth--
		if rec := recover(); rec != nil {
			r.state.RevertToSnapshot(snapshot)
			r.pending = r.pending[:mark]
			panic(rec)
		}
		if err != nil {
			r.state.RevertToSnapshot(snapshot)
			r.pending = r.pending[:mark]
			if r.depth == 0 {
				r.touched = make(map[string]struct{})
				r.metrics.ObserveOperation(op, err, time.Since(started))
				r.logger.Warn("lending operation aborted", "op", op, "tick", r.tick, "error", err)
			}
			return
		}
		if r.depth > 0 {
			return
		}
		if cerr := r.state.Commit(); cerr != nil {
			r.state.RevertToSnapshot(snapshot)
			r.pending = nil
			r.touched = make(map[string]struct{})
			err = fmt.Errorf("commit %s: %w", op, cerr)
			r.metrics.ObserveOperation(op, err, time.Since(started))
			r.logger.Error("lending commit failed", "op", op, "error", cerr)
			return
		}
		committed := r.pending
		r.pending = nil
		for _, evt := range committed {
			r.emitter.Emit(evt)
		}
		r.publishMarketState()
		r.metrics.ObserveOperation(op, nil, time.Since(started))
		r.logger.Info("lending operation committed", "op", op, "tick", r.tick, "events", len(committed))
	}()
	return fn()
}

func (r *Registry) emit(evt events.Event) {
	r.pending = append(r.pending, evt)
}

func (r *Registry) touch(asset string) {
	r.touched[asset] = struct{}{}
}

func (r *Registry) publishMarketState() {
	touched := r.touched
	r.touched = make(map[string]struct{})
	if r.metrics == nil {
		return
	}
	for asset := range touched {
		view, err := r.MarketSnapshot(asset)
		if err != nil {
			continue
		}
		r.metrics.SetMarketState(asset,
			wadToFloat(view.BorrowIndex),
			wadToFloat(view.ExchangeRate),
			unitsToFloat(view.TotalBorrows, view.Decimals),
			unitsToFloat(view.TotalReserves, view.Decimals),
			unitsToFloat(view.Cash, view.Decimals),
		)
	}
}

func (r *Registry) globals() (*Globals, error) {
	g, err := r.state.GetGlobals()
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrNotInitialized
	}
	g.EnsureDefaults()
	return g, nil
}

func (r *Registry) treasury() (crypto.Address, error) {
	g, err := r.globals()
	if err != nil {
		return crypto.Address{}, err
	}
	return crypto.AddressFromBytes(g.Treasury), nil
}

// checkAction enforces the module pause (when moduleGated) and the
// per-action pause list.
func (r *Registry) checkAction(action string, moduleGated bool) error {
	if moduleGated {
		if err := nativecommon.Guard(r.pauses, ModuleName); err != nil {
			return err
		}
	}
	g, err := r.state.GetGlobals()
	if err != nil {
		return err
	}
	if g != nil && g.isPaused(action) {
		return fmt.Errorf("%w: %s", ErrActionPaused, action)
	}
	return nil
}

// accrueAccount brings every market the user touches up to date so risk
// checks read current debt.
func (r *Registry) accrueAccount(user crypto.Address) error {
	pos, err := r.position(user)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(pos.Supplied)+len(pos.Borrowed))
	for _, list := range [][]string{pos.Supplied, pos.Borrowed} {
		for _, asset := range list {
			if seen[asset] {
				continue
			}
			seen[asset] = true
			if _, err := r.ledgerFor(asset).accrue(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) position(user crypto.Address) (*Position, error) {
	pos, err := r.state.GetPosition(user)
	if err != nil {
		return nil, err
	}
	if pos == nil {
		pos = &Position{}
	}
	return pos, nil
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

func wadToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(v, Wad).Float64()
	return f
}

func unitsToFloat(v *big.Int, decimals uint8) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Rat).SetFrac(v, pow10(decimals)).Float64()
	return f
}

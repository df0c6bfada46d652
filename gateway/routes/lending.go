package routes

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"moneymarket/core/events"
	"moneymarket/core/types"
	"moneymarket/crypto"
	"moneymarket/gateway/middleware"
	"moneymarket/integrations/exports"
	nativecommon "moneymarket/native/common"
	"moneymarket/native/lending"
)

const lendingRequestLimit = 1 << 20 // 1 MiB

// ChecksumHeader carries the SHA-256 of an event export body.
const ChecksumHeader = "X-Content-SHA256"

// repayMax requests a full repayment.
const repayMax = "max"

type lendingRoutes struct {
	reg    *lending.Registry
	lock   sync.Locker
	events *events.Recorder
	logger *slog.Logger
}

func (lr *lendingRoutes) mountReads(r chi.Router) {
	r.Get("/markets", lr.listMarkets)
	r.Get("/markets/{asset}", lr.getMarket)
	r.Get("/accounts/{address}", lr.getAccount)
	r.Get("/events", lr.listEvents)
	r.Get("/events/export", lr.exportEvents)
}

func (lr *lendingRoutes) mountWrites(r chi.Router) {
	r.Post("/supply", lr.supply)
	r.Post("/withdraw", lr.withdraw)
	r.Post("/borrow", lr.borrow)
	r.Post("/repay", lr.repay)
	r.Post("/liquidate", lr.liquidate)
	r.Post("/accrue", lr.accrue)
}

type supplyRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

type withdrawRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Shares  string `json:"shares"`
}

type repayRequest struct {
	Payer    string `json:"payer"`
	Borrower string `json:"borrower"`
	Asset    string `json:"asset"`
	Amount   string `json:"amount"`
}

type liquidateRequest struct {
	Liquidator      string `json:"liquidator"`
	Borrower        string `json:"borrower"`
	DebtAsset       string `json:"debtAsset"`
	CollateralAsset string `json:"collateralAsset"`
	Amount          string `json:"amount"`
}

type accrueRequest struct {
	Asset string `json:"asset"`
}

type riskJSON struct {
	CanBeCollateral      bool   `json:"canBeCollateral"`
	CollateralFactor     string `json:"collateralFactor"`
	LiquidationThreshold string `json:"liquidationThreshold"`
	LiquidationBonus     string `json:"liquidationBonus"`
	PriceFeedID          string `json:"priceFeedId"`
}

type marketJSON struct {
	Asset             string    `json:"asset"`
	Decimals          uint8     `json:"decimals"`
	Cash              string    `json:"cash"`
	TotalBorrows      string    `json:"totalBorrows"`
	TotalReserves     string    `json:"totalReserves"`
	TotalShares       string    `json:"totalShares"`
	ExchangeRate      string    `json:"exchangeRate"`
	BorrowIndex       string    `json:"borrowIndex"`
	Utilisation       string    `json:"utilisation"`
	BorrowRatePerTick string    `json:"borrowRatePerTick"`
	ReserveFactor     string    `json:"reserveFactor"`
	InsuranceFactor   string    `json:"insuranceFactor"`
	FlashFeeRate      string    `json:"flashFeeRate"`
	LastAccrualTick   uint64    `json:"lastAccrualTick"`
	Risk              *riskJSON `json:"risk,omitempty"`
}

type supplyJSON struct {
	Asset      string `json:"asset"`
	Shares     string `json:"shares"`
	Underlying string `json:"underlying"`
}

type borrowJSON struct {
	Asset string `json:"asset"`
	Debt  string `json:"debt"`
}

type accountJSON struct {
	Address               string       `json:"address"`
	Supplied              []supplyJSON `json:"supplied"`
	Borrowed              []borrowJSON `json:"borrowed"`
	CollateralAtFactor    string       `json:"collateralAtFactor"`
	CollateralAtThreshold string       `json:"collateralAtThreshold"`
	Debt                  string       `json:"debt"`
	HealthFactor          string       `json:"healthFactor"`
	Liquidatable          bool         `json:"liquidatable"`
}

func (lr *lendingRoutes) listMarkets(w http.ResponseWriter, r *http.Request) {
	lr.lock.Lock()
	defer lr.lock.Unlock()
	assets, err := lr.reg.Markets()
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	out := make([]marketJSON, 0, len(assets))
	for _, asset := range assets {
		view, err := lr.reg.MarketSnapshot(asset)
		if err != nil {
			lr.writeError(w, r, err)
			return
		}
		out = append(out, marketToJSON(view))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tick": lr.reg.Tick(), "markets": out})
}

func (lr *lendingRoutes) getMarket(w http.ResponseWriter, r *http.Request) {
	lr.lock.Lock()
	defer lr.lock.Unlock()
	view, err := lr.reg.MarketSnapshot(chi.URLParam(r, "asset"))
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, marketToJSON(view))
}

func (lr *lendingRoutes) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress("address", chi.URLParam(r, "address"))
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	lr.lock.Lock()
	defer lr.lock.Unlock()
	view, err := lr.reg.AccountSnapshot(addr)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountToJSON(view))
}

func (lr *lendingRoutes) listEvents(w http.ResponseWriter, r *http.Request) {
	evts, err := lr.selectEvents(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evts})
}

// exportEvents streams the selected events as JSON Lines or CSV with a
// checksum header for reconciliation.
func (lr *lendingRoutes) exportEvents(w http.ResponseWriter, r *http.Request) {
	evts, err := lr.selectEvents(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	var (
		data        []byte
		sum         string
		contentType string
	)
	switch format := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("format"))); format {
	case "", "jsonl":
		data, sum, err = exports.EventsJSONL(evts)
		contentType = "application/x-ndjson"
	case "csv":
		data, sum, err = exports.EventsCSV(evts)
		contentType = "text/csv"
	default:
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("unsupported format %q", format))
		return
	}
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set(ChecksumHeader, sum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (lr *lendingRoutes) selectEvents(r *http.Request) ([]*types.Event, error) {
	if lr.events == nil {
		return []*types.Event{}, nil
	}
	evts := lr.events.Events()
	if eventType := strings.TrimSpace(r.URL.Query().Get("type")); eventType != "" {
		evts = lr.events.OfType(eventType)
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return nil, fmt.Errorf("invalid limit %q", raw)
		}
		if limit < len(evts) {
			evts = evts[len(evts)-limit:]
		}
	}
	if evts == nil {
		evts = []*types.Event{}
	}
	return evts, nil
}

func (lr *lendingRoutes) supply(w http.ResponseWriter, r *http.Request) {
	var req supplyRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	user, err := parseAddress("account", req.Account)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	if err := authorizeActor(r, user); err != nil {
		lr.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	lr.lock.Lock()
	defer lr.lock.Unlock()
	ledger, err := lr.reg.Ledger(req.Asset)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	shares, err := ledger.Supply(user, amount)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": shares.String()})
}

func (lr *lendingRoutes) withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	user, err := parseAddress("account", req.Account)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	if err := authorizeActor(r, user); err != nil {
		lr.writeError(w, r, err)
		return
	}
	shares, err := parseAmount("shares", req.Shares)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	lr.lock.Lock()
	defer lr.lock.Unlock()
	ledger, err := lr.reg.Ledger(req.Asset)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	paid, err := ledger.Withdraw(user, shares)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": paid.String()})
}

func (lr *lendingRoutes) borrow(w http.ResponseWriter, r *http.Request) {
	var req supplyRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	user, err := parseAddress("account", req.Account)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	if err := authorizeActor(r, user); err != nil {
		lr.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	lr.lock.Lock()
	defer lr.lock.Unlock()
	ledger, err := lr.reg.Ledger(req.Asset)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	if err := ledger.Borrow(user, amount); err != nil {
		lr.writeError(w, r, err)
		return
	}
	debt, err := ledger.BorrowBalance(user)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"debt": debt.String()})
}

func (lr *lendingRoutes) repay(w http.ResponseWriter, r *http.Request) {
	var req repayRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	payer, err := parseAddress("payer", req.Payer)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	if err := authorizeActor(r, payer); err != nil {
		lr.writeError(w, r, err)
		return
	}
	borrower := payer
	if strings.TrimSpace(req.Borrower) != "" {
		if borrower, err = parseAddress("borrower", req.Borrower); err != nil {
			lr.writeError(w, r, err)
			return
		}
	}
	amount := lending.RepayAll
	if !strings.EqualFold(strings.TrimSpace(req.Amount), repayMax) {
		if amount, err = parseAmount("amount", req.Amount); err != nil {
			lr.writeError(w, r, err)
			return
		}
	}
	lr.lock.Lock()
	defer lr.lock.Unlock()
	ledger, err := lr.reg.Ledger(req.Asset)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	repaid, err := ledger.Repay(payer, borrower, amount)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"repaid": repaid.String()})
}

func (lr *lendingRoutes) liquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	liquidator, err := parseAddress("liquidator", req.Liquidator)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	if err := authorizeActor(r, liquidator); err != nil {
		lr.writeError(w, r, err)
		return
	}
	borrower, err := parseAddress("borrower", req.Borrower)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	lr.lock.Lock()
	defer lr.lock.Unlock()
	result, err := lr.reg.Liquidator().Liquidate(liquidator, borrower, req.DebtAsset, req.CollateralAsset, amount)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"repaid":        result.Repaid.String(),
		"seized":        result.SeizedUnderlying.String(),
		"seizedShares":  result.SeizedShares.String(),
		"repayValueUsd": lending.FormatWad(result.RepayValueUSD),
		"seizeValueUsd": lending.FormatWad(result.SeizeValueUSD),
	})
}

func (lr *lendingRoutes) accrue(w http.ResponseWriter, r *http.Request) {
	var req accrueRequest
	if err := decodeOptional(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	lr.lock.Lock()
	defer lr.lock.Unlock()
	if strings.TrimSpace(req.Asset) == "" {
		if err := lr.reg.AccrueAll(); err != nil {
			lr.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tick": lr.reg.Tick()})
		return
	}
	ledger, err := lr.reg.Ledger(req.Asset)
	if err != nil {
		lr.writeError(w, r, err)
		return
	}
	if err := ledger.Accrue(); err != nil {
		lr.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tick": lr.reg.Tick(), "asset": ledger.Asset()})
}

func (lr *lendingRoutes) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		lr.logger.Error("lending request failed",
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.RequestIDFrom(r.Context())),
			slog.Any("error", err))
	}
	writeJSONError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lending.ErrMarketNotListed):
		return http.StatusNotFound
	case errors.Is(err, lending.ErrPriceUnavailable), errors.Is(err, lending.ErrInvalidPrice):
		return http.StatusServiceUnavailable
	case errors.Is(err, lending.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, lending.ErrBorrowNotAllowed),
		errors.Is(err, lending.ErrWithdrawNotAllowed),
		errors.Is(err, lending.ErrNotLiquidatable),
		errors.Is(err, lending.ErrSelfLiquidation),
		errors.Is(err, lending.ErrSeizeTooMuch),
		errors.Is(err, lending.ErrLiquidationAmountZero),
		errors.Is(err, lending.ErrCollateralNotEnabled),
		errors.Is(err, lending.ErrNoDebt),
		errors.Is(err, lending.ErrInsufficientLiquidity),
		errors.Is(err, lending.ErrReentrantCall),
		errors.Is(err, lending.ErrActionPaused),
		errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusConflict
	case errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, lending.ErrAmountTooSmall),
		errors.Is(err, lending.ErrInvalidAsset),
		errors.Is(err, lending.ErrInvalidAddress),
		errors.Is(err, lending.ErrInvalidParameter),
		errors.Is(err, lending.ErrInsufficientBalance),
		errors.Is(err, lending.ErrInsufficientShares),
		errors.Is(err, lending.ErrInterestModelMissing),
		errors.Is(err, lending.ErrRiskConfigMissing),
		errors.Is(err, lending.ErrBorrowRateTooHigh),
		errors.Is(err, lending.ErrNotInitialized):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// authorizeActor admits the request only if its token subject is the account
// whose funds move. Admin tokens act for anyone; with authentication off there
// is no principal and every request passes.
func authorizeActor(r *http.Request, actor crypto.Address) error {
	principal, ok := middleware.PrincipalFrom(r.Context())
	if !ok || principal.Admin {
		return nil
	}
	subject, err := crypto.DecodeAddress(principal.Subject)
	if err != nil || !subject.Equal(actor) {
		return fmt.Errorf("%w: token subject %q cannot act for %s", lending.ErrUnauthorized, principal.Subject, actor)
	}
	return nil
}

func parseAddress(field, value string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", lending.ErrInvalidAddress, field, err)
	}
	return addr, nil
}

// parseAmount reads a base-unit integer amount.
func parseAmount(field, value string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s %q", lending.ErrInvalidAmount, field, value)
	}
	return amount, nil
}

func decodeRequest(r *http.Request, dst any) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("request body is empty")
	}
	return decodeStrict(data, dst)
}

// decodeOptional accepts an empty body and leaves dst untouched.
func decodeOptional(r *http.Request, dst any) error {
	data, err := readBody(r)
	if err != nil || len(data) == 0 {
		return err
	}
	return decodeStrict(data, dst)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, lendingRequestLimit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) > lendingRequestLimit {
		return nil, errors.New("request body too large")
	}
	return data, nil
}

func decodeStrict(data []byte, dst any) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func marketToJSON(v *lending.MarketView) marketJSON {
	out := marketJSON{
		Asset:             v.Asset,
		Decimals:          v.Decimals,
		Cash:              v.Cash.String(),
		TotalBorrows:      v.TotalBorrows.String(),
		TotalReserves:     v.TotalReserves.String(),
		TotalShares:       v.TotalShares.String(),
		ExchangeRate:      lending.FormatWad(v.ExchangeRate),
		BorrowIndex:       lending.FormatWad(v.BorrowIndex),
		Utilisation:       lending.FormatWad(v.Utilisation),
		BorrowRatePerTick: lending.FormatWad(v.BorrowRatePerTick),
		ReserveFactor:     lending.FormatWad(v.ReserveFactor),
		InsuranceFactor:   lending.FormatWad(v.InsuranceFactor),
		FlashFeeRate:      lending.FormatWad(v.FlashFeeRate),
		LastAccrualTick:   v.LastAccrualTick,
	}
	if v.Risk != nil {
		out.Risk = &riskJSON{
			CanBeCollateral:      v.Risk.CanBeCollateral,
			CollateralFactor:     lending.FormatWad(v.Risk.CollateralFactor),
			LiquidationThreshold: lending.FormatWad(v.Risk.LiquidationThreshold),
			LiquidationBonus:     lending.FormatWad(v.Risk.LiquidationBonus),
			PriceFeedID:          v.Risk.PriceFeedID,
		}
	}
	return out
}

func accountToJSON(v *lending.AccountView) accountJSON {
	out := accountJSON{
		Address:               v.Address.String(),
		Supplied:              make([]supplyJSON, 0, len(v.Supplied)),
		Borrowed:              make([]borrowJSON, 0, len(v.Borrowed)),
		CollateralAtFactor:    lending.FormatWad(v.CollateralAtFactor),
		CollateralAtThreshold: lending.FormatWad(v.CollateralAtThreshold),
		Debt:                  lending.FormatWad(v.Debt),
		HealthFactor:          "infinite",
		Liquidatable:          v.Liquidatable,
	}
	if v.HealthFactor.Cmp(lending.HealthFactorInfinite) != 0 {
		out.HealthFactor = lending.FormatWad(v.HealthFactor)
	}
	for _, s := range v.Supplied {
		out.Supplied = append(out.Supplied, supplyJSON{Asset: s.Asset, Shares: s.Shares.String(), Underlying: s.Underlying.String()})
	}
	for _, b := range v.Borrowed {
		out.Borrowed = append(out.Borrowed, borrowJSON{Asset: b.Asset, Debt: b.Debt.String()})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

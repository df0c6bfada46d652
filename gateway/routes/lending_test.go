package routes

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"moneymarket/core/events"
	"moneymarket/core/state"
	"moneymarket/crypto"
	"moneymarket/gateway/middleware"
	"moneymarket/native/lending"
	"moneymarket/storage"
)

type testGateway struct {
	reg     *lending.Registry
	feed    *lending.StaticPriceFeed
	handler http.Handler
	admin   crypto.Address
}

func testAddr(b byte) crypto.Address {
	raw := make([]byte, 20)
	raw[0] = 0x33
	raw[19] = b
	return crypto.NewAddress(crypto.UserPrefix, raw)
}

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), lending.Wad)
}

const (
	testSecret     = "gateway-test-secret"
	testWriteScope = "lending:write"
	testAdminScope = "lending:admin"
)

// newTestGateway serves a USDC and an ETH market. With auth set, writes
// require a JWT signed with testSecret carrying testWriteScope.
func newTestGateway(t *testing.T, auth ...bool) *testGateway {
	t.Helper()
	feed := lending.NewStaticPriceFeed()
	reg, err := lending.NewRegistry(state.NewManager(storage.NewMemDB()), feed)
	require.NoError(t, err)
	recorder := events.NewRecorder(100)
	reg.SetEmitter(recorder)

	admin := testAddr(0xf0)
	require.NoError(t, reg.Initialize(admin, testAddr(0xf1), lending.MustWad("0.5")))
	for _, m := range []struct {
		asset      string
		collateral bool
		cf, lt     string
	}{
		{"USDC", false, "0", "0"},
		{"ETH", true, "0.75", "0.8"},
	} {
		require.NoError(t, reg.ListMarket(admin, lending.MarketParams{Asset: m.asset, Decimals: 18},
			lending.FixedRateModel{RatePerTick: big.NewInt(0)}))
		require.NoError(t, reg.SetRiskConfig(admin, m.asset, &lending.RiskConfig{
			CanBeCollateral:      m.collateral,
			CollateralFactor:     lending.MustWad(m.cf),
			LiquidationThreshold: lending.MustWad(m.lt),
			LiquidationBonus:     lending.MustWad("0.05"),
			PriceFeedID:          m.asset + "/USD",
			Decimals:             18,
		}))
		feed.SetPrice(m.asset+"/USD", lending.Wad)
	}

	handler, err := New(Config{
		Registry: reg,
		Events:   recorder,
		Authenticator: middleware.NewAuthenticator(middleware.AuthConfig{
			Enabled:    len(auth) > 0 && auth[0],
			HMACSecret: testSecret,
			Issuer:     "mm-auth",
			Audience:   "lendingd",
			AdminScope: testAdminScope,
		}, nil),
		WriteScope:  testWriteScope,
		MetricsPath: "/metrics",
	})
	require.NoError(t, err)
	return &testGateway{reg: reg, feed: feed, handler: handler, admin: admin}
}

func (g *testGateway) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	res := httptest.NewRecorder()
	g.handler.ServeHTTP(res, req)
	return res
}

func decode(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out), res.Body.String())
	return out
}

func TestSupplyBorrowRepayFlow(t *testing.T) {
	g := newTestGateway(t)
	lender, borrower := testAddr(0x01), testAddr(0x02)
	require.NoError(t, g.reg.MintUnderlying(g.admin, "USDC", lender, units(1_000)))
	require.NoError(t, g.reg.MintUnderlying(g.admin, "ETH", borrower, units(100)))

	res := g.do(t, http.MethodPost, "/supply", map[string]string{
		"account": lender.String(), "asset": "usdc", "amount": units(1_000).String(),
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, units(1_000).String(), decode(t, res)["shares"])
	require.NotEmpty(t, res.Header().Get(middleware.RequestIDHeader))

	res = g.do(t, http.MethodPost, "/supply", map[string]string{
		"account": borrower.String(), "asset": "ETH", "amount": units(100).String(),
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = g.do(t, http.MethodPost, "/borrow", map[string]string{
		"account": borrower.String(), "asset": "USDC", "amount": units(76).String(),
	})
	require.Equal(t, http.StatusConflict, res.Code, res.Body.String())

	res = g.do(t, http.MethodPost, "/borrow", map[string]string{
		"account": borrower.String(), "asset": "USDC", "amount": units(50).String(),
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, units(50).String(), decode(t, res)["debt"])

	res = g.do(t, http.MethodGet, "/accounts/"+borrower.String(), nil)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	account := decode(t, res)
	require.Equal(t, false, account["liquidatable"])
	require.Len(t, account["borrowed"], 1)

	res = g.do(t, http.MethodPost, "/repay", map[string]string{
		"payer": borrower.String(), "asset": "USDC", "amount": "max",
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	require.Equal(t, units(50).String(), decode(t, res)["repaid"])

	res = g.do(t, http.MethodGet, "/events?type="+events.TypeLendingRepaid, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, decode(t, res)["events"], 1)
}

func TestMarketReads(t *testing.T) {
	g := newTestGateway(t)
	res := g.do(t, http.MethodGet, "/markets", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Len(t, decode(t, res)["markets"], 2)

	res = g.do(t, http.MethodGet, "/markets/eth", nil)
	require.Equal(t, http.StatusOK, res.Code)
	market := decode(t, res)
	require.Equal(t, "ETH", market["asset"])
	require.Equal(t, "1.000000000000000000", market["exchangeRate"])

	res = g.do(t, http.MethodGet, "/markets/BTC", nil)
	require.Equal(t, http.StatusNotFound, res.Code)

	res = g.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, res.Code)

	res = g.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestLiquidateOverHTTP(t *testing.T) {
	g := newTestGateway(t)
	lender, borrower, liquidator := testAddr(0x01), testAddr(0x02), testAddr(0x03)
	require.NoError(t, g.reg.MintUnderlying(g.admin, "USDC", lender, units(1_000)))
	require.NoError(t, g.reg.MintUnderlying(g.admin, "ETH", borrower, units(100)))
	require.NoError(t, g.reg.MintUnderlying(g.admin, "USDC", liquidator, units(100)))
	usdc, err := g.reg.Ledger("USDC")
	require.NoError(t, err)
	eth, err := g.reg.Ledger("ETH")
	require.NoError(t, err)
	_, err = usdc.Supply(lender, units(1_000))
	require.NoError(t, err)
	_, err = eth.Supply(borrower, units(100))
	require.NoError(t, err)
	require.NoError(t, usdc.Borrow(borrower, units(75)))

	body := map[string]string{
		"liquidator": liquidator.String(), "borrower": borrower.String(),
		"debtAsset": "USDC", "collateralAsset": "ETH", "amount": units(30).String(),
	}
	res := g.do(t, http.MethodPost, "/liquidate", body)
	require.Equal(t, http.StatusConflict, res.Code, res.Body.String())

	g.feed.SetPrice("ETH/USD", lending.MustWad("0.9"))
	res = g.do(t, http.MethodPost, "/liquidate", body)
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
	out := decode(t, res)
	require.Equal(t, units(30).String(), out["repaid"])
	require.Equal(t, "31.500000000000000000", out["seizeValueUsd"])
}

func TestRequestValidation(t *testing.T) {
	g := newTestGateway(t)
	user := testAddr(0x05)
	cases := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"empty body", "/supply", "", http.StatusBadRequest},
		{"unknown field", "/supply", `{"account":"x","leverage":3}`, http.StatusBadRequest},
		{"bad address", "/supply", `{"account":"nope","asset":"USDC","amount":"1"}`, http.StatusBadRequest},
		{"negative amount", "/supply", fmt.Sprintf(`{"account":%q,"asset":"USDC","amount":"-1"}`, user), http.StatusBadRequest},
		{"unlisted", "/supply", fmt.Sprintf(`{"account":%q,"asset":"BTC","amount":"1"}`, user), http.StatusNotFound},
		{"no balance", "/supply", fmt.Sprintf(`{"account":%q,"asset":"USDC","amount":"1"}`, user), http.StatusBadRequest},
		{"accrue all", "/accrue", "", http.StatusOK},
		{"accrue one", "/accrue", `{"asset":"ETH"}`, http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
			res := httptest.NewRecorder()
			g.handler.ServeHTTP(res, req)
			require.Equal(t, tc.status, res.Code, res.Body.String())
		})
	}
}

func bearer(t *testing.T, subject crypto.Address, scope string) string {
	t.Helper()
	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject.String(),
		"iss":   "mm-auth",
		"aud":   "lendingd",
		"scope": scope,
		"exp":   now.Add(time.Minute).Unix(),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return "Bearer " + token
}

func TestWritesRequireToken(t *testing.T) {
	g := newTestGateway(t, true)
	body := map[string]string{"asset": "ETH"}
	caller := testAddr(0x20)

	res := g.do(t, http.MethodPost, "/accrue", body)
	require.Equal(t, http.StatusUnauthorized, res.Code)

	res = g.do(t, http.MethodPost, "/accrue", body, "Authorization", bearer(t, caller, "lending:read"))
	require.Equal(t, http.StatusForbidden, res.Code)

	res = g.do(t, http.MethodPost, "/accrue", body, "Authorization", bearer(t, caller, testWriteScope))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = g.do(t, http.MethodGet, "/markets", nil)
	require.Equal(t, http.StatusOK, res.Code)
}

func TestWritesActOnlyForTokenSubject(t *testing.T) {
	g := newTestGateway(t, true)
	owner, other, keeper := testAddr(0x21), testAddr(0x22), testAddr(0x23)
	require.NoError(t, g.reg.MintUnderlying(g.admin, "USDC", owner, units(10)))
	supply := map[string]string{"account": owner.String(), "asset": "USDC", "amount": units(1).String()}

	res := g.do(t, http.MethodPost, "/supply", supply, "Authorization", bearer(t, other, testWriteScope))
	require.Equal(t, http.StatusForbidden, res.Code, res.Body.String())
	view, err := g.reg.AccountSnapshot(owner)
	require.NoError(t, err)
	require.Empty(t, view.Supplied)

	res = g.do(t, http.MethodPost, "/supply", supply, "Authorization", bearer(t, owner, testWriteScope))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	withdraw := map[string]string{"account": owner.String(), "asset": "USDC", "shares": units(1).String()}
	res = g.do(t, http.MethodPost, "/withdraw", withdraw, "Authorization", bearer(t, other, testWriteScope))
	require.Equal(t, http.StatusForbidden, res.Code, res.Body.String())

	repay := map[string]string{"payer": owner.String(), "borrower": other.String(), "asset": "USDC", "amount": "max"}
	res = g.do(t, http.MethodPost, "/repay", repay, "Authorization", bearer(t, other, testWriteScope))
	require.Equal(t, http.StatusForbidden, res.Code, res.Body.String())

	liquidate := map[string]string{
		"liquidator": owner.String(), "borrower": other.String(),
		"debtAsset": "USDC", "collateralAsset": "ETH", "amount": units(1).String(),
	}
	res = g.do(t, http.MethodPost, "/liquidate", liquidate, "Authorization", bearer(t, keeper, testWriteScope))
	require.Equal(t, http.StatusForbidden, res.Code, res.Body.String())

	// An admin token may act for any account.
	res = g.do(t, http.MethodPost, "/supply", supply, "Authorization", bearer(t, keeper, testWriteScope+" "+testAdminScope))
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{lending.ErrMarketNotListed, http.StatusNotFound},
		{lending.ErrPriceUnavailable, http.StatusServiceUnavailable},
		{lending.ErrBorrowNotAllowed, http.StatusConflict},
		{lending.ErrReentrantCall, http.StatusConflict},
		{lending.ErrInvalidAmount, http.StatusBadRequest},
		{lending.ErrUnauthorized, http.StatusForbidden},
		{fmt.Errorf("wrapped: %w", lending.ErrNotLiquidatable), http.StatusConflict},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

func TestEventExport(t *testing.T) {
	g := newTestGateway(t)
	lender := testAddr(0x06)
	require.NoError(t, g.reg.MintUnderlying(g.admin, "USDC", lender, units(5)))
	res := g.do(t, http.MethodPost, "/supply", map[string]string{
		"account": lender.String(), "asset": "USDC", "amount": units(5).String(),
	})
	require.Equal(t, http.StatusOK, res.Code, res.Body.String())

	res = g.do(t, http.MethodGet, "/events/export?type="+events.TypeLendingSupplied, nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.Equal(t, "application/x-ndjson", res.Header().Get("Content-Type"))
	require.Len(t, res.Header().Get(ChecksumHeader), 64)
	require.Equal(t, 1, strings.Count(res.Body.String(), "\n"))

	res = g.do(t, http.MethodGet, "/events/export?format=csv&limit=1", nil)
	require.Equal(t, http.StatusOK, res.Code)
	require.True(t, strings.HasPrefix(res.Body.String(), "type,tick,"), res.Body.String())

	res = g.do(t, http.MethodGet, "/events/export?format=xml", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
	res = g.do(t, http.MethodGet, "/events?limit=-1", nil)
	require.Equal(t, http.StatusBadRequest, res.Code)
}

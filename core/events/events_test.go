package events

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"moneymarket/crypto"
)

type opaque struct{}

func (opaque) EventType() string { return "opaque" }

func TestSuppliedFlattens(t *testing.T) {
	supplier := crypto.NewAddress(crypto.UserPrefix, make([]byte, 20))
	evt := Supplied{
		Supplier:     supplier,
		Asset:        " usdc ",
		Amount:       big.NewInt(100),
		Shares:       big.NewInt(99),
		ExchangeRate: nil,
		Tick:         7,
	}.Event()
	require.Equal(t, TypeLendingSupplied, evt.Type)
	require.Equal(t, uint64(7), evt.Tick)
	require.Equal(t, "USDC", evt.Attr("asset"))
	require.Equal(t, "100", evt.Attr("amount"))
	require.Equal(t, "0", evt.Attr("exchangeRate"))
	require.Equal(t, supplier.String(), evt.Attr("supplier"))
}

func TestRecorderLimitAndFilter(t *testing.T) {
	rec := NewRecorder(2)
	rec.Emit(opaque{})
	rec.Emit(MarketListed{Asset: "ETH", Decimals: 18, InitialExchangeRate: big.NewInt(1)})
	rec.Emit(ParameterUpdated{Parameter: "close_factor", Value: "0.5"})
	rec.Emit(MarketListed{Asset: "USDC", Decimals: 6, InitialExchangeRate: big.NewInt(1)})

	all := rec.Events()
	require.Len(t, all, 2)
	require.Equal(t, TypeLendingParameterUpdated, all[0].Type)

	listed := rec.OfType(TypeLendingMarketListed)
	require.Len(t, listed, 1)
	require.Equal(t, "USDC", listed[0].Attr("asset"))
}

func TestMultiEmitterFansOut(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	MultiEmitter{a, nil, b}.Emit(ReservesSwept{Asset: "ETH", Amount: big.NewInt(5)})
	require.Len(t, a.Events(), 1)
	require.Len(t, b.Events(), 1)
	NoopEmitter{}.Emit(opaque{})
}

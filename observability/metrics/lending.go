package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type LendingMetrics struct {
	operations   *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	borrowIndex  *prometheus.GaugeVec
	exchangeRate *prometheus.GaugeVec
	totalBorrows *prometheus.GaugeVec
	reserves     *prometheus.GaugeVec
	cash         *prometheus.GaugeVec
	liquidations *prometheus.CounterVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

// Lending returns the lazily registered money-market metrics.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "moneymarket",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Count of ledger operations segmented by operation and outcome.",
			}, []string{"op", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "moneymarket",
				Subsystem: "lending",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"op"}),
			borrowIndex: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "moneymarket",
				Subsystem: "lending",
				Name:      "borrow_index",
				Help:      "Current borrow index per market.",
			}, []string{"asset"}),
			exchangeRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "moneymarket",
				Subsystem: "lending",
				Name:      "exchange_rate",
				Help:      "Current share exchange rate per market.",
			}, []string{"asset"}),
			totalBorrows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "moneymarket",
				Subsystem: "lending",
				Name:      "total_borrows",
				Help:      "Outstanding debt including accrued interest per market.",
			}, []string{"asset"}),
			reserves: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "moneymarket",
				Subsystem: "lending",
				Name:      "total_reserves",
				Help:      "Protocol reserves per market.",
			}, []string{"asset"}),
			cash: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "moneymarket",
				Subsystem: "lending",
				Name:      "cash",
				Help:      "Underlying held in custody per market.",
			}, []string{"asset"}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "moneymarket",
				Subsystem: "lending",
				Name:      "liquidations_total",
				Help:      "Count of executed liquidations by debt and collateral asset.",
			}, []string{"debt", "collateral"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.latency,
			lendingRegistry.borrowIndex,
			lendingRegistry.exchangeRate,
			lendingRegistry.totalBorrows,
			lendingRegistry.reserves,
			lendingRegistry.cash,
			lendingRegistry.liquidations,
		)
	})
	return lendingRegistry
}

// ObserveOperation records the outcome and latency of a top-level operation.
func (m *LendingMetrics) ObserveOperation(op string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// SetMarketState publishes the market gauges. Values are converted from their
// fixed-point representation by the caller.
func (m *LendingMetrics) SetMarketState(asset string, borrowIndex, exchangeRate, totalBorrows, reserves, cash float64) {
	if m == nil {
		return
	}
	label := normalizeLabel(asset)
	m.borrowIndex.WithLabelValues(label).Set(borrowIndex)
	m.exchangeRate.WithLabelValues(label).Set(exchangeRate)
	m.totalBorrows.WithLabelValues(label).Set(totalBorrows)
	m.reserves.WithLabelValues(label).Set(reserves)
	m.cash.WithLabelValues(label).Set(cash)
}

func (m *LendingMetrics) ObserveLiquidation(debtAsset, collateralAsset string) {
	if m == nil {
		return
	}
	m.liquidations.WithLabelValues(normalizeLabel(debtAsset), normalizeLabel(collateralAsset)).Inc()
}

func normalizeLabel(asset string) string {
	normalized := strings.ToUpper(strings.TrimSpace(asset))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}

package backtester

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helios-quant/backtest-engine/pkg/types"
)

// MetricsCalculator turns a finished equity curve and trade log into
// summary statistics. All methods are pure: no hidden state, identical
// inputs produce identical outputs. Values that are undefined for the
// inputs (volatility of a single point, ratios over zero variance) carry
// explicit Defined flags instead of being coerced to zero.
type MetricsCalculator struct{}

// NewMetricsCalculator creates a metrics calculator.
func NewMetricsCalculator() *MetricsCalculator { return &MetricsCalculator{} }

// Performance computes return and trade statistics.
func (mc *MetricsCalculator) Performance(
	initialCapital decimal.Decimal,
	curve []types.PortfolioSnapshot,
	trades []types.Trade,
	periodsPerYear int,
	riskFreeRate float64,
) *types.PerformanceMetrics {
	m := &types.PerformanceMetrics{}

	var winning, losing int
	var totalWins, totalLosses decimal.Decimal
	for _, tr := range trades {
		switch tr.RealizedPnL.Sign() {
		case 1:
			winning++
			totalWins = totalWins.Add(tr.RealizedPnL)
		case -1:
			losing++
			totalLosses = totalLosses.Add(tr.RealizedPnL.Abs())
		}
	}

	m.TotalTrades = len(trades)
	m.WinningTrades = winning
	m.LosingTrades = losing

	closed := winning + losing
	if closed > 0 {
		m.WinRate = decimal.NewFromInt(int64(winning)).Div(decimal.NewFromInt(int64(closed)))
	}
	if winning > 0 {
		m.AvgWin = totalWins.Div(decimal.NewFromInt(int64(winning)))
	}
	if losing > 0 {
		m.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(losing)))
	}
	if totalLosses.Sign() > 0 {
		m.ProfitFactor = totalWins.Div(totalLosses)
		m.ProfitFactorDefined = true
	}
	if closed > 0 {
		lossRate := decimal.NewFromInt(1).Sub(m.WinRate)
		m.Expectancy = m.WinRate.Mul(m.AvgWin).Sub(lossRate.Mul(m.AvgLoss))
	}

	if len(curve) > 0 && initialCapital.Sign() > 0 {
		final := curve[len(curve)-1].Equity
		m.TotalReturn = final.Sub(initialCapital).Div(initialCapital)
	}

	returns := periodicReturns(curve)
	if len(returns) > 0 {
		m.AnnualizedReturn = decimal.NewFromFloat(mean(returns) * float64(periodsPerYear))
	}

	rfPeriodic := riskFreeRate / float64(periodsPerYear)
	if len(returns) > 1 {
		if sd := stdDev(returns); sd > 0 {
			sharpe := (mean(returns) - rfPeriodic) / sd * math.Sqrt(float64(periodsPerYear))
			m.SharpeRatio = decimal.NewFromFloat(sharpe)
			m.SharpeDefined = true
		}
		if dd := downsideDeviation(returns); dd > 0 {
			sortino := (mean(returns) - rfPeriodic) / dd * math.Sqrt(float64(periodsPerYear))
			m.SortinoRatio = decimal.NewFromFloat(sortino)
			m.SortinoDefined = true
		}
	}

	m.MaxDrawdown, m.MaxDrawdownDate = maxDrawdown(curve)
	return m
}

// Risk computes volatility and tail-risk statistics from the equity curve.
// VaR and CVaR use the historical simulation method: empirical quantiles of
// the per-period return distribution at each configured confidence level.
func (mc *MetricsCalculator) Risk(
	curve []types.PortfolioSnapshot,
	periodsPerYear int,
	confidences []float64,
) *types.RiskMetrics {
	m := &types.RiskMetrics{
		VaR:  make(map[string]decimal.Decimal),
		CVaR: make(map[string]decimal.Decimal),
	}

	returns := periodicReturns(curve)
	if len(returns) > 1 {
		sd := stdDev(returns)
		m.Volatility = decimal.NewFromFloat(sd)
		m.AnnualVolatility = decimal.NewFromFloat(sd * math.Sqrt(float64(periodsPerYear)))
		m.VolatilityDefined = true
	}

	if len(returns) == 0 {
		return m
	}

	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	for _, conf := range confidences {
		key := fmt.Sprintf("%g", conf*100)
		idx := int(float64(len(sorted)) * (1 - conf))
		if idx < 0 || idx >= len(sorted) {
			continue
		}
		m.VaR[key] = decimal.NewFromFloat(-sorted[idx])

		if idx > 0 {
			var sum float64
			for i := 0; i < idx; i++ {
				sum += sorted[i]
			}
			m.CVaR[key] = decimal.NewFromFloat(-sum / float64(idx))
		}
	}

	return m
}

// periodicReturns converts the equity curve into per-period simple returns.
func periodicReturns(curve []types.PortfolioSnapshot) []float64 {
	if len(curve) < 2 {
		return nil
	}
	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		r, _ := curve[i].Equity.Sub(prev).Div(prev).Float64()
		returns = append(returns, r)
	}
	return returns
}

// maxDrawdown returns the largest peak-to-trough equity decline as a
// fraction, with the trough date.
func maxDrawdown(curve []types.PortfolioSnapshot) (decimal.Decimal, time.Time) {
	if len(curve) == 0 {
		return decimal.Zero, time.Time{}
	}

	var maxDD decimal.Decimal
	var at time.Time
	peak := curve[0].Equity
	for _, snap := range curve {
		if snap.Equity.GreaterThan(peak) {
			peak = snap.Equity
		}
		if peak.Sign() > 0 {
			dd := peak.Sub(snap.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
				at = snap.Timestamp
			}
		}
	}
	return maxDD, at
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// stdDev is the sample standard deviation.
func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sumSq float64
	for _, v := range values {
		d := v - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

// downsideDeviation is the sample standard deviation of negative returns.
func downsideDeviation(values []float64) float64 {
	var negative []float64
	for _, v := range values {
		if v < 0 {
			negative = append(negative, v)
		}
	}
	return stdDev(negative)
}

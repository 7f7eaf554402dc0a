package backtester

import (
	"math/rand"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/pkg/types"
)

// MonteCarloSimulator bootstraps the trade log to estimate how sensitive a
// result is to trade ordering and sampling: each iteration resamples the
// realized P&L series with replacement and replays it against the starting
// capital. Deterministic for a fixed seed.
type MonteCarloSimulator struct {
	logger     *zap.Logger
	iterations int
	seed       int64
}

// NewMonteCarloSimulator creates a simulator. Iterations below 1 default
// to 1000.
func NewMonteCarloSimulator(logger *zap.Logger, iterations int, seed int64) *MonteCarloSimulator {
	if iterations < 1 {
		iterations = 1000
	}
	return &MonteCarloSimulator{logger: logger, iterations: iterations, seed: seed}
}

// Run resamples the trade log. Trades with zero realized P&L (position
// opens) do not contribute.
func (mc *MonteCarloSimulator) Run(trades []types.Trade, initialCapital decimal.Decimal) *types.MonteCarloResult {
	var pnls []decimal.Decimal
	for _, tr := range trades {
		if tr.RealizedPnL.Sign() != 0 {
			pnls = append(pnls, tr.RealizedPnL)
		}
	}

	result := &types.MonteCarloResult{Iterations: mc.iterations}
	if len(pnls) == 0 || initialCapital.Sign() <= 0 {
		return result
	}

	rng := rand.New(rand.NewSource(mc.seed))
	terminals := make([]float64, 0, mc.iterations)
	ruined := 0

	for i := 0; i < mc.iterations; i++ {
		equity := initialCapital
		hitRuin := false
		for j := 0; j < len(pnls); j++ {
			equity = equity.Add(pnls[rng.Intn(len(pnls))])
			if equity.Sign() <= 0 {
				hitRuin = true
				break
			}
		}
		if hitRuin {
			ruined++
		}
		ret, _ := equity.Sub(initialCapital).Div(initialCapital).Float64()
		terminals = append(terminals, ret)
	}

	sort.Float64s(terminals)
	result.MedianReturn = decimal.NewFromFloat(percentile(terminals, 0.5))
	result.P5Return = decimal.NewFromFloat(percentile(terminals, 0.05))
	result.P95Return = decimal.NewFromFloat(percentile(terminals, 0.95))
	result.ProbabilityRuin = decimal.NewFromInt(int64(ruined)).
		Div(decimal.NewFromInt(int64(mc.iterations)))

	mc.logger.Debug("monte carlo complete",
		zap.Int("iterations", mc.iterations),
		zap.Int("trades", len(pnls)),
		zap.String("median", result.MedianReturn.String()),
	)
	return result
}

// percentile reads a quantile from an ascending-sorted series.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * q)
	return sorted[idx]
}

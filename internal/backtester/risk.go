package backtester

import (
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/internal/backtester/events"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

// RiskManager converts signals into sized orders, or drops them. Drops are
// silent with a logged reason; they are never fatal to the run.
type RiskManager struct {
	logger  *zap.Logger
	limits  types.RiskLimits
	sizing  types.SizingConfig
	margin  types.MarginConfig
	comRate decimal.Decimal

	// Rolling per-symbol return windows for volatility-scaled sizing.
	returns   map[string][]float64
	lastClose map[string]decimal.Decimal
}

// NewRiskManager builds a risk manager from the run config.
func NewRiskManager(logger *zap.Logger, cfg *types.BacktestConfig) *RiskManager {
	return &RiskManager{
		logger:    logger,
		limits:    cfg.RiskLimits,
		sizing:    cfg.Sizing,
		margin:    cfg.Margin,
		comRate:   cfg.Commission.Rate,
		returns:   make(map[string][]float64),
		lastClose: make(map[string]decimal.Decimal),
	}
}

// ObserveBar feeds the rolling return window used by volatility sizing.
// Called by the engine once per market event, before signals are sized.
func (rm *RiskManager) ObserveBar(bar types.Bar) {
	prev, ok := rm.lastClose[bar.Symbol]
	rm.lastClose[bar.Symbol] = bar.Close
	if !ok || prev.IsZero() {
		return
	}

	ret, _ := bar.Close.Sub(prev).Div(prev).Float64()
	window := append(rm.returns[bar.Symbol], ret)
	if len(window) > rm.sizing.VolWindow {
		window = window[1:]
	}
	rm.returns[bar.Symbol] = window
}

// Size converts a signal into zero or one order, using the current mark
// price and read-only portfolio state.
func (rm *RiskManager) Size(sig *events.SignalEvent, view types.PortfolioView, price decimal.Decimal) *events.OrderEvent {
	if price.Sign() <= 0 {
		rm.drop(sig, "no reference price")
		return nil
	}

	if sig.Direction == types.DirectionExit {
		held := view.PositionQuantity(sig.Symbol)
		if held.IsZero() {
			rm.drop(sig, "exit with no open position")
			return nil
		}
		side := types.SideSell
		if held.Sign() < 0 {
			side = types.SideBuy
		}
		return events.NewMarketOrder(sig.Symbol, sig.Timestamp, side, held.Abs())
	}

	if sig.Direction == types.DirectionShort && !rm.margin.Enabled {
		rm.drop(sig, "short signal with margin disabled")
		return nil
	}

	if view.PositionQuantity(sig.Symbol).IsZero() &&
		view.OpenPositionCount() >= rm.limits.MaxOpenPositions {
		rm.drop(sig, "max open positions reached")
		return nil
	}

	qty := rm.targetQuantity(sig, view, price)
	qty = rm.applyCaps(sig, view, price, qty)

	// Buys must leave room for the proportional commission.
	if sig.Direction == types.DirectionLong && !rm.margin.Enabled {
		one := decimal.NewFromInt(1)
		affordable := view.Cash().Div(price.Mul(one.Add(rm.comRate)))
		qty = decimal.Min(qty, affordable)
	}

	qty = rm.roundToLot(qty)
	if qty.Sign() <= 0 {
		rm.drop(sig, "sized to zero")
		return nil
	}

	side := types.SideBuy
	if sig.Direction == types.DirectionShort {
		side = types.SideSell
	}
	return events.NewMarketOrder(sig.Symbol, sig.Timestamp, side, qty)
}

func (rm *RiskManager) targetQuantity(sig *events.SignalEvent, view types.PortfolioView, price decimal.Decimal) decimal.Decimal {
	switch rm.sizing.Method {
	case types.SizingFixedQuantity:
		return rm.sizing.Quantity

	case types.SizingVolatility:
		vol, ok := rm.symbolVolatility(sig.Symbol)
		if !ok || vol == 0 {
			// Window not warm yet; fall back to fixed fraction.
			return rm.fractionQuantity(sig, view, price)
		}
		risk := rm.sizing.RiskPerTrade
		if risk.IsZero() {
			risk = decimal.NewFromFloat(0.02)
		}
		budget := view.Equity().Mul(risk)
		return budget.Div(price.Mul(decimal.NewFromFloat(vol)))

	default:
		return rm.fractionQuantity(sig, view, price)
	}
}

func (rm *RiskManager) fractionQuantity(sig *events.SignalEvent, view types.PortfolioView, price decimal.Decimal) decimal.Decimal {
	notional := view.Equity().Mul(rm.sizing.Fraction).Mul(sig.Strength)
	return notional.Div(price)
}

// applyCaps bounds the quantity by the per-symbol exposure cap and the
// portfolio leverage cap.
func (rm *RiskManager) applyCaps(sig *events.SignalEvent, view types.PortfolioView, price, qty decimal.Decimal) decimal.Decimal {
	equity := view.Equity()
	if equity.Sign() <= 0 {
		return decimal.Zero
	}

	existing := view.PositionQuantity(sig.Symbol).Abs().Mul(price)
	symbolRoom := equity.Mul(rm.limits.MaxPositionFraction).Sub(existing)
	grossRoom := equity.Mul(rm.limits.MaxGrossLeverage).Sub(view.GrossExposure())

	room := decimal.Min(symbolRoom, grossRoom)
	if room.Sign() <= 0 {
		return decimal.Zero
	}
	return decimal.Min(qty, room.Div(price))
}

func (rm *RiskManager) roundToLot(qty decimal.Decimal) decimal.Decimal {
	lot := rm.sizing.LotSize
	if lot.Sign() <= 0 {
		return qty
	}
	return qty.Div(lot).Floor().Mul(lot)
}

// symbolVolatility returns the sample standard deviation of the symbol's
// rolling per-period returns. ok is false until the window is full.
func (rm *RiskManager) symbolVolatility(symbol string) (float64, bool) {
	window := rm.returns[symbol]
	if len(window) < rm.sizing.VolWindow || len(window) < 2 {
		return 0, false
	}

	var mean float64
	for _, r := range window {
		mean += r
	}
	mean /= float64(len(window))

	var sumSq float64
	for _, r := range window {
		d := r - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(window)-1)), true
}

func (rm *RiskManager) drop(sig *events.SignalEvent, reason string) {
	rm.logger.Debug("signal dropped",
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
		zap.String("reason", reason),
	)
}

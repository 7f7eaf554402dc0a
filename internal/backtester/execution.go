package backtester

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/internal/backtester/events"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

// ExecutionHandler converts orders into fills against the current bar using
// the cost model. Orders never persist across steps: market orders fill (or
// partially fill) within the step, limit orders either cross or expire.
type ExecutionHandler struct {
	logger     *zap.Logger
	cost       *CostModel
	maxVolFrac decimal.Decimal
	margin     types.MarginConfig
}

// NewExecutionHandler builds an execution handler from the run config.
func NewExecutionHandler(logger *zap.Logger, cost *CostModel, cfg *types.BacktestConfig) *ExecutionHandler {
	return &ExecutionHandler{
		logger:     logger,
		cost:       cost,
		maxVolFrac: cfg.Execution.MaxVolumeFraction,
		margin:     cfg.Margin,
	}
}

// Fill executes an order against the bar. It returns at most one fill and
// any rejection records for the unexecuted quantity. Rejections are part of
// the trade log, never fatal.
func (h *ExecutionHandler) Fill(order *events.OrderEvent, bar types.Bar, view types.PortfolioView) ([]*events.FillEvent, []*events.Rejection) {
	switch order.Type {
	case types.OrderTypeLimit:
		return h.fillLimit(order, bar, view)
	default:
		return h.fillMarket(order, bar, view)
	}
}

func (h *ExecutionHandler) fillMarket(order *events.OrderEvent, bar types.Bar, view types.PortfolioView) ([]*events.FillEvent, []*events.Rejection) {
	fillQty := order.Quantity
	var rejections []*events.Rejection

	// Liquidity cap: fill up to the configured fraction of bar volume, the
	// remainder is rejected, not queued.
	if h.maxVolFrac.Sign() > 0 {
		if bar.Volume.IsZero() {
			return nil, []*events.Rejection{h.reject(order, order.Quantity, events.ReasonZeroVolume)}
		}
		capQty := bar.Volume.Mul(h.maxVolFrac)
		if fillQty.GreaterThan(capQty) {
			remainder := fillQty.Sub(capQty)
			fillQty = capQty
			rejections = append(rejections, h.reject(order, remainder, events.ReasonLiquidityCap))
		}
	}

	if fillQty.Sign() <= 0 {
		return nil, rejections
	}

	price, slipCost := h.cost.FillPrice(order.Side, fillQty, bar)
	fill, rej := h.settle(order, fillQty, price, slipCost, view)
	if rej != nil {
		return nil, append(rejections, rej)
	}
	return []*events.FillEvent{fill}, rejections
}

func (h *ExecutionHandler) fillLimit(order *events.OrderEvent, bar types.Bar, view types.PortfolioView) ([]*events.FillEvent, []*events.Rejection) {
	crossed := false
	if order.Side == types.SideBuy {
		crossed = bar.Low.LessThanOrEqual(order.LimitPrice)
	} else {
		crossed = bar.High.GreaterThanOrEqual(order.LimitPrice)
	}
	if !crossed {
		// Expires at step end; the caller may resubmit next bar.
		return nil, []*events.Rejection{h.reject(order, order.Quantity, events.ReasonLimitNotCrossed)}
	}

	fill, rej := h.settle(order, order.Quantity, order.LimitPrice, decimal.Zero, view)
	if rej != nil {
		return nil, []*events.Rejection{rej}
	}
	return []*events.FillEvent{fill}, nil
}

// settle prices fees and verifies the portfolio can absorb the fill.
func (h *ExecutionHandler) settle(order *events.OrderEvent, qty, price, slipCost decimal.Decimal, view types.PortfolioView) (*events.FillEvent, *events.Rejection) {
	notional := qty.Mul(price)
	commission := h.cost.Commission(notional)
	tax := h.cost.Tax(order.Side, notional)

	if order.Side == types.SideBuy && !h.margin.Enabled {
		total := notional.Add(commission).Add(tax)
		if total.GreaterThan(view.Cash()) {
			h.logger.Debug("order rejected",
				zap.String("order", order.ID),
				zap.String("reason", events.ReasonInsufficientCash),
				zap.String("required", total.String()),
				zap.String("cash", view.Cash().String()),
			)
			return nil, h.reject(order, qty, events.ReasonInsufficientCash)
		}
	}
	if order.Side == types.SideSell && !h.margin.Enabled {
		if qty.GreaterThan(view.PositionQuantity(order.Symbol)) {
			return nil, h.reject(order, qty, events.ReasonShortDisabled)
		}
	}

	return &events.FillEvent{
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Timestamp:  order.Timestamp,
		Side:       order.Side,
		Quantity:   qty,
		Price:      price,
		Commission: commission,
		Tax:        tax,
		Slippage:   slipCost,
	}, nil
}

func (h *ExecutionHandler) reject(order *events.OrderEvent, qty decimal.Decimal, reason string) *events.Rejection {
	h.logger.Debug("order rejected",
		zap.String("order", order.ID),
		zap.String("symbol", order.Symbol),
		zap.String("quantity", qty.String()),
		zap.String("reason", reason),
	)
	return &events.Rejection{
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Quantity:  qty,
		Reason:    reason,
		Timestamp: order.Timestamp,
	}
}

package backtester

import (
	"github.com/shopspring/decimal"

	"github.com/helios-quant/backtest-engine/pkg/types"
)

// CostModel is a pure function of order and market state: it prices a fill
// and charges commission, tax and slippage. It holds no mutable state.
type CostModel struct {
	commission types.CommissionConfig
	sellTax    decimal.Decimal
	slippage   SlippageModel
}

// NewCostModel builds a cost model from the run config.
func NewCostModel(cfg *types.BacktestConfig) *CostModel {
	return &CostModel{
		commission: cfg.Commission,
		sellTax:    cfg.SellTaxRate,
		slippage:   NewSlippageModel(cfg.Slippage),
	}
}

// Commission returns max(fixed fee, rate * notional).
func (c *CostModel) Commission(notional decimal.Decimal) decimal.Decimal {
	byRate := c.commission.Rate.Mul(notional)
	if c.commission.FixedFee.GreaterThan(byRate) {
		return c.commission.FixedFee
	}
	return byRate
}

// Tax returns the turnover tax for a fill. Applied on sell-side notional
// only, matching stamp-duty conventions.
func (c *CostModel) Tax(side types.Side, notional decimal.Decimal) decimal.Decimal {
	if side != types.SideSell {
		return decimal.Zero
	}
	return c.sellTax.Mul(notional)
}

// FillPrice returns the slippage-adjusted price for executing quantity
// against the bar's reference (close) price, plus the cash slippage cost.
// Slippage is always adverse: buys pay more, sells receive less.
func (c *CostModel) FillPrice(side types.Side, quantity decimal.Decimal, bar types.Bar) (price, cost decimal.Decimal) {
	ref := bar.Close
	frac := c.slippage.Fraction(quantity, bar)

	one := decimal.NewFromInt(1)
	if side == types.SideBuy {
		price = ref.Mul(one.Add(frac))
	} else {
		price = ref.Mul(one.Sub(frac))
	}
	cost = price.Sub(ref).Abs().Mul(quantity)
	return price, cost
}

// CommissionRate exposes the proportional component so the risk manager can
// size orders the remaining cash can actually pay for.
func (c *CostModel) CommissionRate() decimal.Decimal { return c.commission.Rate }

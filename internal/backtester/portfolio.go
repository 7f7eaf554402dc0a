// Package backtester provides the event-driven backtest simulation engine.
package backtester

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helios-quant/backtest-engine/internal/backtester/events"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

// ErrCashFloor is the invariant violation raised when cash goes negative
// with margin disabled, or equity breaches the maintenance floor with
// margin enabled. Fatal to the run.
var ErrCashFloor = fmt.Errorf("portfolio cash floor violated")

// Portfolio owns cash, positions and the equity-curve history. It is
// mutated only by fills and mark-to-market updates, always from the
// engine's goroutine; no locking is needed inside a single run.
type Portfolio struct {
	cash        decimal.Decimal
	initialCash decimal.Decimal
	positions   map[string]*position
	peakEquity  decimal.Decimal
	curve       []types.PortfolioSnapshot
	margin      types.MarginConfig
}

type position struct {
	quantity decimal.Decimal // signed: positive long, negative short
	avgCost  decimal.Decimal
	mark     decimal.Decimal
	openedAt time.Time
}

// NewPortfolio creates a portfolio with the given starting cash.
func NewPortfolio(initialCash decimal.Decimal, margin types.MarginConfig) *Portfolio {
	return &Portfolio{
		cash:        initialCash,
		initialCash: initialCash,
		positions:   make(map[string]*position),
		peakEquity:  initialCash,
		margin:      margin,
	}
}

// Cash returns available cash.
func (p *Portfolio) Cash() decimal.Decimal { return p.cash }

// Equity returns cash plus the mark-to-market value of all positions.
func (p *Portfolio) Equity() decimal.Decimal {
	equity := p.cash
	for _, pos := range p.positions {
		equity = equity.Add(pos.quantity.Mul(pos.mark))
	}
	return equity
}

// PositionQuantity returns the signed quantity held for a symbol.
func (p *Portfolio) PositionQuantity(symbol string) decimal.Decimal {
	if pos, ok := p.positions[symbol]; ok {
		return pos.quantity
	}
	return decimal.Zero
}

// PositionAvgCost returns the weighted-average cost for a symbol, zero if
// no position is open.
func (p *Portfolio) PositionAvgCost(symbol string) decimal.Decimal {
	if pos, ok := p.positions[symbol]; ok {
		return pos.avgCost
	}
	return decimal.Zero
}

// OpenPositionCount returns the number of open positions.
func (p *Portfolio) OpenPositionCount() int { return len(p.positions) }

// GrossExposure returns the sum of absolute position values.
func (p *Portfolio) GrossExposure() decimal.Decimal {
	var gross decimal.Decimal
	for _, pos := range p.positions {
		gross = gross.Add(pos.quantity.Mul(pos.mark).Abs())
	}
	return gross
}

// MarkToMarket revalues the position for the event's symbol at the bar
// close.
func (p *Portfolio) MarkToMarket(ev *events.MarketEvent) {
	if pos, ok := p.positions[ev.Symbol()]; ok {
		pos.mark = ev.Bar.Close
	}
	if eq := p.Equity(); eq.GreaterThan(p.peakEquity) {
		p.peakEquity = eq
	}
}

// ApplyFill mutates cash and exactly one position by the fill's signed
// quantity. It returns the realized P&L booked by the fill (zero for fills
// that only increase a position's magnitude). Weighted-average-cost
// accounting: reducing fills realize (price - avgCost) * closedQty signed
// by the old position direction, net of the fill's commission and tax.
func (p *Portfolio) ApplyFill(f *events.FillEvent) (decimal.Decimal, error) {
	if f.Quantity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, fmt.Errorf("fill quantity must be positive, got %s", f.Quantity)
	}

	signed := f.Quantity
	if f.Side == types.SideSell {
		signed = signed.Neg()
	}

	fees := f.Commission.Add(f.Tax)
	if f.Side == types.SideBuy {
		p.cash = p.cash.Sub(f.Notional()).Sub(fees)
	} else {
		p.cash = p.cash.Add(f.Notional()).Sub(fees)
	}

	realized := decimal.Zero
	pos, ok := p.positions[f.Symbol]
	switch {
	case !ok:
		p.positions[f.Symbol] = &position{
			quantity: signed,
			avgCost:  f.Price,
			mark:     f.Price,
			openedAt: f.Timestamp,
		}

	case pos.quantity.Sign() == signed.Sign():
		// Same direction: weighted-average cost over the combined quantity.
		oldAbs := pos.quantity.Abs()
		newAbs := oldAbs.Add(f.Quantity)
		pos.avgCost = oldAbs.Mul(pos.avgCost).Add(f.Quantity.Mul(f.Price)).Div(newAbs)
		pos.quantity = pos.quantity.Add(signed)
		pos.mark = f.Price

	default:
		// Opposite direction: reduce, possibly flip through zero.
		closed := decimal.Min(f.Quantity, pos.quantity.Abs())
		perUnit := f.Price.Sub(pos.avgCost)
		if pos.quantity.Sign() < 0 {
			perUnit = perUnit.Neg()
		}
		realized = perUnit.Mul(closed).Sub(fees)

		pos.quantity = pos.quantity.Add(signed)
		pos.mark = f.Price
		if pos.quantity.IsZero() {
			delete(p.positions, f.Symbol)
		} else if pos.quantity.Sign() == signed.Sign() {
			// Flipped: the remainder is a new position at the fill price.
			pos.avgCost = f.Price
			pos.openedAt = f.Timestamp
		}
	}

	if err := p.checkFloor(); err != nil {
		return realized, err
	}
	return realized, nil
}

// checkFloor enforces the cash / maintenance-margin invariant.
func (p *Portfolio) checkFloor() error {
	if p.cash.GreaterThanOrEqual(decimal.Zero) && !p.hasShort() {
		return nil
	}
	if !p.margin.Enabled {
		if p.cash.LessThan(decimal.Zero) {
			return fmt.Errorf("%w: cash %s with margin disabled", ErrCashFloor, p.cash)
		}
		return fmt.Errorf("%w: short position with margin disabled", ErrCashFloor)
	}
	floor := p.GrossExposure().Mul(p.margin.MaintenanceFraction)
	if p.Equity().LessThan(floor) {
		return fmt.Errorf("%w: equity %s below maintenance floor %s", ErrCashFloor, p.Equity(), floor)
	}
	return nil
}

func (p *Portfolio) hasShort() bool {
	for _, pos := range p.positions {
		if pos.quantity.Sign() < 0 {
			return true
		}
	}
	return false
}

// Snapshot appends the current state to the equity curve and returns it.
// Called once per processed market event; the curve is append-only.
func (p *Portfolio) Snapshot(ts time.Time) types.PortfolioSnapshot {
	equity := p.Equity()
	if equity.GreaterThan(p.peakEquity) {
		p.peakEquity = equity
	}

	drawdown := decimal.Zero
	if p.peakEquity.Sign() > 0 {
		drawdown = p.peakEquity.Sub(equity).Div(p.peakEquity)
	}

	positions := make(map[string]types.Position, len(p.positions))
	for sym, pos := range p.positions {
		positions[sym] = types.Position{
			Symbol:        sym,
			Quantity:      pos.quantity,
			AvgCost:       pos.avgCost,
			MarkPrice:     pos.mark,
			UnrealizedPnL: pos.quantity.Mul(pos.mark.Sub(pos.avgCost)),
			OpenedAt:      pos.openedAt,
		}
	}

	snap := types.PortfolioSnapshot{
		Timestamp: ts,
		Cash:      p.cash,
		Equity:    equity,
		Drawdown:  drawdown,
		Positions: positions,
	}
	p.curve = append(p.curve, snap)
	return snap
}

// EquityCurve returns the snapshot history accumulated so far.
func (p *Portfolio) EquityCurve() []types.PortfolioSnapshot { return p.curve }

// Package events provides the event records flowing through the backtester.
// Events are created once and never mutated; within one engine step they are
// always consumed in the fixed order Market -> Signal -> Order -> Fill.
package events

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/helios-quant/backtest-engine/pkg/types"
)

// MarketEvent carries one bar of market data.
type MarketEvent struct {
	Bar types.Bar
}

func (e *MarketEvent) Symbol() string       { return e.Bar.Symbol }
func (e *MarketEvent) Timestamp() time.Time { return e.Bar.Timestamp }

// SignalEvent is a strategy's stated intent for one symbol. Ephemeral: it
// exists only inside the step that produced it.
type SignalEvent struct {
	Symbol    string
	Timestamp time.Time
	Direction types.SignalDirection
	Strength  decimal.Decimal // in [0,1]
}

// NewSignal builds a SignalEvent, clamping strength into [0,1].
func NewSignal(symbol string, ts time.Time, dir types.SignalDirection, strength decimal.Decimal) *SignalEvent {
	if strength.LessThan(decimal.Zero) {
		strength = decimal.Zero
	}
	one := decimal.NewFromInt(1)
	if strength.GreaterThan(one) {
		strength = one
	}
	return &SignalEvent{
		Symbol:    symbol,
		Timestamp: ts,
		Direction: dir,
		Strength:  strength,
	}
}

// OrderEvent is a sized order produced by the risk manager.
type OrderEvent struct {
	ID         string
	Symbol     string
	Timestamp  time.Time
	Side       types.Side
	Type       types.OrderType
	Quantity   decimal.Decimal // always positive; Side carries direction
	LimitPrice decimal.Decimal // zero unless Type is limit
}

// NewMarketOrder builds a market order with a fresh ID.
func NewMarketOrder(symbol string, ts time.Time, side types.Side, qty decimal.Decimal) *OrderEvent {
	return &OrderEvent{
		ID:        uuid.New().String(),
		Symbol:    symbol,
		Timestamp: ts,
		Side:      side,
		Type:      types.OrderTypeMarket,
		Quantity:  qty,
	}
}

// NewLimitOrder builds a limit order with a fresh ID.
func NewLimitOrder(symbol string, ts time.Time, side types.Side, qty, limit decimal.Decimal) *OrderEvent {
	return &OrderEvent{
		ID:         uuid.New().String(),
		Symbol:     symbol,
		Timestamp:  ts,
		Side:       side,
		Type:       types.OrderTypeLimit,
		Quantity:   qty,
		LimitPrice: limit,
	}
}

// FillEvent is the terminal record of a (possibly partial) execution.
type FillEvent struct {
	OrderID    string
	Symbol     string
	Timestamp  time.Time
	Side       types.Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal // slippage-adjusted fill price
	Commission decimal.Decimal
	Tax        decimal.Decimal
	Slippage   decimal.Decimal // cost vs the reference price, in cash terms
}

// Notional returns quantity * price.
func (f *FillEvent) Notional() decimal.Decimal {
	return f.Quantity.Mul(f.Price)
}

// Rejection records why an order (or its remainder) did not execute.
type Rejection struct {
	OrderID   string
	Symbol    string
	Side      types.Side
	Quantity  decimal.Decimal
	Reason    string
	Timestamp time.Time
}

// Rejection reasons used by the execution handler.
const (
	ReasonLiquidityCap     = "liquidity cap exceeded"
	ReasonLimitNotCrossed  = "limit price not crossed"
	ReasonInsufficientCash = "insufficient cash"
	ReasonMarginFloor      = "maintenance margin floor breached"
	ReasonShortDisabled    = "short selling disabled"
	ReasonZeroVolume       = "no volume in bar"
)

// ToRecord converts a rejection to its trade-log form.
func (r *Rejection) ToRecord() types.RejectedOrder {
	return types.RejectedOrder{
		OrderID:   r.OrderID,
		Symbol:    r.Symbol,
		Side:      r.Side,
		Quantity:  r.Quantity,
		Reason:    r.Reason,
		Timestamp: r.Timestamp,
	}
}

package backtester_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/internal/backtester"
	"github.com/helios-quant/backtest-engine/internal/backtester/events"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

func longSignal(symbol string, strength float64) *events.SignalEvent {
	return events.NewSignal(symbol,
		time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		types.DirectionLong, decimal.NewFromFloat(strength))
}

func TestRiskFixedFractionCommissionAware(t *testing.T) {
	cfg := &types.BacktestConfig{
		Symbols:        []string{"AAPL"},
		InitialCapital: decimal.NewFromInt(100000),
		Commission:     types.CommissionConfig{Rate: decimal.NewFromFloat(0.001)},
		Sizing: types.SizingConfig{
			Method:   types.SizingFixedFraction,
			Fraction: decimal.NewFromInt(1),
			LotSize:  decimal.NewFromInt(1),
		},
		RiskLimits: types.RiskLimits{
			MaxPositionFraction: decimal.NewFromInt(1),
			MaxGrossLeverage:    decimal.NewFromInt(1),
			MaxOpenPositions:    10,
		},
	}
	rm := backtester.NewRiskManager(zap.NewNop(), cfg)
	view := backtester.NewPortfolio(decimal.NewFromInt(100000), types.MarginConfig{})

	order := rm.Size(longSignal("AAPL", 1), view, decimal.NewFromInt(10))
	if order == nil {
		t.Fatal("order = nil, want a buy")
	}
	// 100000 cash at price 10 with 0.1% proportional commission affords
	// floor(100000 / 10.01) = 9990 whole shares.
	if !order.Quantity.Equal(decimal.NewFromInt(9990)) {
		t.Errorf("quantity = %s, want 9990", order.Quantity)
	}
	if order.Side != types.SideBuy {
		t.Errorf("side = %s, want buy", order.Side)
	}
}

func TestRiskStrengthScalesSize(t *testing.T) {
	cfg := &types.BacktestConfig{
		Sizing: types.SizingConfig{
			Method:   types.SizingFixedFraction,
			Fraction: decimal.NewFromFloat(0.5),
			LotSize:  decimal.NewFromInt(1),
		},
		RiskLimits: types.RiskLimits{
			MaxPositionFraction: decimal.NewFromInt(1),
			MaxGrossLeverage:    decimal.NewFromInt(1),
			MaxOpenPositions:    10,
		},
	}
	rm := backtester.NewRiskManager(zap.NewNop(), cfg)
	view := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})

	full := rm.Size(longSignal("AAPL", 1), view, decimal.NewFromInt(10))
	half := rm.Size(longSignal("AAPL", 0.5), view, decimal.NewFromInt(10))
	if full == nil || half == nil {
		t.Fatal("expected orders for both strengths")
	}
	if !half.Quantity.Mul(decimal.NewFromInt(2)).Equal(full.Quantity) {
		t.Errorf("half-strength quantity %s is not half of %s", half.Quantity, full.Quantity)
	}
}

func TestRiskFixedQuantity(t *testing.T) {
	cfg := &types.BacktestConfig{
		Sizing: types.SizingConfig{
			Method:   types.SizingFixedQuantity,
			Quantity: decimal.NewFromInt(25),
			LotSize:  decimal.NewFromInt(1),
		},
		RiskLimits: types.RiskLimits{
			MaxPositionFraction: decimal.NewFromInt(1),
			MaxGrossLeverage:    decimal.NewFromInt(1),
			MaxOpenPositions:    10,
		},
	}
	rm := backtester.NewRiskManager(zap.NewNop(), cfg)
	view := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})

	order := rm.Size(longSignal("AAPL", 1), view, decimal.NewFromInt(10))
	if order == nil {
		t.Fatal("order = nil")
	}
	if !order.Quantity.Equal(decimal.NewFromInt(25)) {
		t.Errorf("quantity = %s, want 25", order.Quantity)
	}
}

func TestRiskExitClosesWholePosition(t *testing.T) {
	cfg := &types.BacktestConfig{
		Sizing:     types.SizingConfig{Method: types.SizingFixedFraction, Fraction: decimal.NewFromFloat(0.1), LotSize: decimal.NewFromInt(1)},
		RiskLimits: types.RiskLimits{MaxPositionFraction: decimal.NewFromInt(1), MaxGrossLeverage: decimal.NewFromInt(1), MaxOpenPositions: 10},
	}
	rm := backtester.NewRiskManager(zap.NewNop(), cfg)
	view := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})
	if _, err := view.ApplyFill(buyFill("AAPL", 120, 10)); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	exit := events.NewSignal("AAPL", time.Now(), types.DirectionExit, decimal.NewFromInt(1))
	order := rm.Size(exit, view, decimal.NewFromInt(10))
	if order == nil {
		t.Fatal("order = nil, want a closing sell")
	}
	if order.Side != types.SideSell {
		t.Errorf("side = %s, want sell", order.Side)
	}
	if !order.Quantity.Equal(decimal.NewFromInt(120)) {
		t.Errorf("quantity = %s, want 120", order.Quantity)
	}
}

func TestRiskExitWithNoPositionDropped(t *testing.T) {
	cfg := &types.BacktestConfig{
		Sizing:     types.SizingConfig{Method: types.SizingFixedFraction, Fraction: decimal.NewFromFloat(0.1), LotSize: decimal.NewFromInt(1)},
		RiskLimits: types.RiskLimits{MaxPositionFraction: decimal.NewFromInt(1), MaxGrossLeverage: decimal.NewFromInt(1), MaxOpenPositions: 10},
	}
	rm := backtester.NewRiskManager(zap.NewNop(), cfg)
	view := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})

	exit := events.NewSignal("AAPL", time.Now(), types.DirectionExit, decimal.NewFromInt(1))
	if order := rm.Size(exit, view, decimal.NewFromInt(10)); order != nil {
		t.Errorf("order = %+v, want nil", order)
	}
}

func TestRiskShortDroppedWithoutMargin(t *testing.T) {
	cfg := &types.BacktestConfig{
		Sizing:     types.SizingConfig{Method: types.SizingFixedFraction, Fraction: decimal.NewFromFloat(0.1), LotSize: decimal.NewFromInt(1)},
		RiskLimits: types.RiskLimits{MaxPositionFraction: decimal.NewFromInt(1), MaxGrossLeverage: decimal.NewFromInt(1), MaxOpenPositions: 10},
	}
	rm := backtester.NewRiskManager(zap.NewNop(), cfg)
	view := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})

	short := events.NewSignal("AAPL", time.Now(), types.DirectionShort, decimal.NewFromInt(1))
	if order := rm.Size(short, view, decimal.NewFromInt(10)); order != nil {
		t.Errorf("order = %+v, want nil", order)
	}
}

func TestRiskMaxOpenPositions(t *testing.T) {
	cfg := &types.BacktestConfig{
		Sizing:     types.SizingConfig{Method: types.SizingFixedFraction, Fraction: decimal.NewFromFloat(0.1), LotSize: decimal.NewFromInt(1)},
		RiskLimits: types.RiskLimits{MaxPositionFraction: decimal.NewFromInt(1), MaxGrossLeverage: decimal.NewFromInt(1), MaxOpenPositions: 1},
	}
	rm := backtester.NewRiskManager(zap.NewNop(), cfg)
	view := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})
	if _, err := view.ApplyFill(buyFill("MSFT", 10, 10)); err != nil {
		t.Fatalf("seed position: %v", err)
	}

	// New symbol with the single slot taken: dropped.
	if order := rm.Size(longSignal("AAPL", 1), view, decimal.NewFromInt(10)); order != nil {
		t.Errorf("order = %+v, want nil", order)
	}
	// Adding to the existing symbol is still allowed.
	if order := rm.Size(longSignal("MSFT", 1), view, decimal.NewFromInt(10)); order == nil {
		t.Error("order = nil, want an add to the held symbol")
	}
}

func TestRiskExposureCap(t *testing.T) {
	cfg := &types.BacktestConfig{
		Sizing: types.SizingConfig{
			Method:   types.SizingFixedFraction,
			Fraction: decimal.NewFromInt(1),
			LotSize:  decimal.NewFromInt(1),
		},
		RiskLimits: types.RiskLimits{
			MaxPositionFraction: decimal.NewFromFloat(0.2),
			MaxGrossLeverage:    decimal.NewFromInt(1),
			MaxOpenPositions:    10,
		},
	}
	rm := backtester.NewRiskManager(zap.NewNop(), cfg)
	view := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})

	order := rm.Size(longSignal("AAPL", 1), view, decimal.NewFromInt(10))
	if order == nil {
		t.Fatal("order = nil")
	}
	// 20% of 10000 equity at price 10 is 200 shares, despite the full
	// fraction asking for 1000.
	if !order.Quantity.Equal(decimal.NewFromInt(200)) {
		t.Errorf("quantity = %s, want 200", order.Quantity)
	}
}

func TestRiskLotRounding(t *testing.T) {
	cfg := &types.BacktestConfig{
		Sizing: types.SizingConfig{
			Method:   types.SizingFixedFraction,
			Fraction: decimal.NewFromFloat(0.1),
			LotSize:  decimal.NewFromInt(100),
		},
		RiskLimits: types.RiskLimits{
			MaxPositionFraction: decimal.NewFromInt(1),
			MaxGrossLeverage:    decimal.NewFromInt(1),
			MaxOpenPositions:    10,
		},
	}
	rm := backtester.NewRiskManager(zap.NewNop(), cfg)
	view := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})

	// 10% of 10000 at price 7 = 142.85 shares, floored to one 100-lot.
	order := rm.Size(longSignal("AAPL", 1), view, decimal.NewFromInt(7))
	if order == nil {
		t.Fatal("order = nil")
	}
	if !order.Quantity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("quantity = %s, want 100", order.Quantity)
	}
}

func TestRiskVolatilitySizingWarmup(t *testing.T) {
	cfg := &types.BacktestConfig{
		Sizing: types.SizingConfig{
			Method:       types.SizingVolatility,
			Fraction:     decimal.NewFromFloat(0.1),
			RiskPerTrade: decimal.NewFromFloat(0.02),
			VolWindow:    5,
			LotSize:      decimal.NewFromInt(1),
		},
		RiskLimits: types.RiskLimits{
			MaxPositionFraction: decimal.NewFromInt(1),
			MaxGrossLeverage:    decimal.NewFromInt(1),
			MaxOpenPositions:    10,
		},
	}
	rm := backtester.NewRiskManager(zap.NewNop(), cfg)
	view := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})

	// Cold window: falls back to fixed-fraction sizing.
	cold := rm.Size(longSignal("AAPL", 1), view, decimal.NewFromInt(10))
	if cold == nil {
		t.Fatal("cold order = nil")
	}
	if !cold.Quantity.Equal(decimal.NewFromInt(100)) {
		t.Errorf("cold quantity = %s, want fixed-fraction 100", cold.Quantity)
	}

	// Warm the window with alternating moves, then expect a vol-scaled size.
	prices := []float64{10, 10.5, 10, 10.5, 10, 10.5, 10}
	for i, px := range prices {
		rm.ObserveBar(types.Bar{
			Symbol:    "AAPL",
			Timestamp: time.Date(2024, 1, 2+i, 0, 0, 0, 0, time.UTC),
			Close:     decimal.NewFromFloat(px),
			Volume:    decimal.NewFromInt(1000),
		})
	}
	warm := rm.Size(longSignal("AAPL", 1), view, decimal.NewFromInt(10))
	if warm == nil {
		t.Fatal("warm order = nil")
	}
	if warm.Quantity.Equal(cold.Quantity) {
		t.Error("warm sizing identical to cold fallback, volatility not applied")
	}
}

package backtester_test

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helios-quant/backtest-engine/internal/backtester"
	"github.com/helios-quant/backtest-engine/internal/backtester/events"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

func buyFill(symbol string, qty, price float64) *events.FillEvent {
	return &events.FillEvent{
		OrderID:   "o1",
		Symbol:    symbol,
		Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Side:      types.SideBuy,
		Quantity:  decimal.NewFromFloat(qty),
		Price:     decimal.NewFromFloat(price),
	}
}

func sellFill(symbol string, qty, price float64) *events.FillEvent {
	f := buyFill(symbol, qty, price)
	f.Side = types.SideSell
	return f
}

func TestPortfolioWeightedAverageCost(t *testing.T) {
	p := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})

	if _, err := p.ApplyFill(buyFill("AAPL", 100, 10)); err != nil {
		t.Fatalf("first buy: %v", err)
	}
	if _, err := p.ApplyFill(buyFill("AAPL", 100, 20)); err != nil {
		t.Fatalf("second buy: %v", err)
	}

	if got := p.PositionQuantity("AAPL"); !got.Equal(decimal.NewFromInt(200)) {
		t.Errorf("quantity = %s, want 200", got)
	}
	// (100*10 + 100*20) / 200 = 15
	if got := p.PositionAvgCost("AAPL"); !got.Equal(decimal.NewFromInt(15)) {
		t.Errorf("avg cost = %s, want 15", got)
	}
	if got := p.Cash(); !got.Equal(decimal.NewFromInt(7000)) {
		t.Errorf("cash = %s, want 7000", got)
	}
}

func TestPortfolioRealizedPnLOnReduce(t *testing.T) {
	p := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})

	if _, err := p.ApplyFill(buyFill("AAPL", 100, 10)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	realized, err := p.ApplyFill(sellFill("AAPL", 40, 12))
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	// (12 - 10) * 40 = 80 with no fees
	if !realized.Equal(decimal.NewFromInt(80)) {
		t.Errorf("realized = %s, want 80", realized)
	}
	// Avg cost of the remainder is unchanged.
	if got := p.PositionAvgCost("AAPL"); !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("avg cost = %s, want 10", got)
	}
	if got := p.PositionQuantity("AAPL"); !got.Equal(decimal.NewFromInt(60)) {
		t.Errorf("quantity = %s, want 60", got)
	}
}

func TestPortfolioRealizedPnLNetOfFees(t *testing.T) {
	p := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})

	if _, err := p.ApplyFill(buyFill("AAPL", 100, 10)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	sell := sellFill("AAPL", 100, 12)
	sell.Commission = decimal.NewFromInt(5)
	sell.Tax = decimal.NewFromInt(3)
	realized, err := p.ApplyFill(sell)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	// (12-10)*100 - 5 - 3 = 192
	if !realized.Equal(decimal.NewFromInt(192)) {
		t.Errorf("realized = %s, want 192", realized)
	}
	if got := p.OpenPositionCount(); got != 0 {
		t.Errorf("open positions = %d, want 0", got)
	}
}

func TestPortfolioFullCloseRemovesPosition(t *testing.T) {
	p := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})

	if _, err := p.ApplyFill(buyFill("AAPL", 50, 10)); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if _, err := p.ApplyFill(sellFill("AAPL", 50, 10)); err != nil {
		t.Fatalf("sell: %v", err)
	}

	if got := p.OpenPositionCount(); got != 0 {
		t.Errorf("open positions = %d, want 0", got)
	}
	if got := p.Cash(); !got.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("cash = %s, want 10000", got)
	}
}

func TestPortfolioFlipThroughZero(t *testing.T) {
	margin := types.MarginConfig{
		Enabled:             true,
		MaintenanceFraction: decimal.NewFromFloat(0.25),
	}
	p := backtester.NewPortfolio(decimal.NewFromInt(10000), margin)

	if _, err := p.ApplyFill(buyFill("AAPL", 100, 10)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	// Sell 150: closes the 100 long, opens a 50 short at the fill price.
	realized, err := p.ApplyFill(sellFill("AAPL", 150, 12))
	if err != nil {
		t.Fatalf("flip: %v", err)
	}
	if !realized.Equal(decimal.NewFromInt(200)) {
		t.Errorf("realized = %s, want 200", realized)
	}
	if got := p.PositionQuantity("AAPL"); !got.Equal(decimal.NewFromInt(-50)) {
		t.Errorf("quantity = %s, want -50", got)
	}
	// New short is anchored at the flip price.
	if got := p.PositionAvgCost("AAPL"); !got.Equal(decimal.NewFromInt(12)) {
		t.Errorf("avg cost = %s, want 12", got)
	}
}

func TestPortfolioShortRealizedPnL(t *testing.T) {
	margin := types.MarginConfig{
		Enabled:             true,
		MaintenanceFraction: decimal.NewFromFloat(0.1),
	}
	p := backtester.NewPortfolio(decimal.NewFromInt(10000), margin)

	if _, err := p.ApplyFill(sellFill("AAPL", 100, 20)); err != nil {
		t.Fatalf("short open: %v", err)
	}

	// Cover at a lower price: (15 - 20) * 100 negated for the short = +500.
	realized, err := p.ApplyFill(buyFill("AAPL", 100, 15))
	if err != nil {
		t.Fatalf("cover: %v", err)
	}
	if !realized.Equal(decimal.NewFromInt(500)) {
		t.Errorf("realized = %s, want 500", realized)
	}
}

func TestPortfolioCashFloor(t *testing.T) {
	p := backtester.NewPortfolio(decimal.NewFromInt(100), types.MarginConfig{})

	_, err := p.ApplyFill(buyFill("AAPL", 100, 10))
	if !errors.Is(err, backtester.ErrCashFloor) {
		t.Fatalf("err = %v, want ErrCashFloor", err)
	}
}

func TestPortfolioShortWithoutMargin(t *testing.T) {
	p := backtester.NewPortfolio(decimal.NewFromInt(10000), types.MarginConfig{})

	_, err := p.ApplyFill(sellFill("AAPL", 10, 10))
	if !errors.Is(err, backtester.ErrCashFloor) {
		t.Fatalf("err = %v, want ErrCashFloor", err)
	}
}

func TestPortfolioMaintenanceFloor(t *testing.T) {
	margin := types.MarginConfig{
		Enabled:             true,
		MaintenanceFraction: decimal.NewFromFloat(0.5),
	}
	p := backtester.NewPortfolio(decimal.NewFromInt(100), margin)

	// Short 100 @ 20 = 2000 gross exposure; floor is 1000 but equity stays
	// near 100, so the fill must be refused.
	_, err := p.ApplyFill(sellFill("AAPL", 100, 20))
	if !errors.Is(err, backtester.ErrCashFloor) {
		t.Fatalf("err = %v, want ErrCashFloor", err)
	}
}

func TestPortfolioSnapshotDrawdown(t *testing.T) {
	p := backtester.NewPortfolio(decimal.NewFromInt(1000), types.MarginConfig{})
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	if _, err := p.ApplyFill(buyFill("AAPL", 100, 10)); err != nil {
		t.Fatalf("buy: %v", err)
	}

	p.MarkToMarket(&events.MarketEvent{Bar: types.Bar{
		Symbol: "AAPL", Timestamp: day,
		Close: decimal.NewFromInt(10), Volume: decimal.NewFromInt(1),
	}})
	p.Snapshot(day)

	p.MarkToMarket(&events.MarketEvent{Bar: types.Bar{
		Symbol: "AAPL", Timestamp: day.AddDate(0, 0, 1),
		Close: decimal.NewFromInt(8), Volume: decimal.NewFromInt(1),
	}})
	snap := p.Snapshot(day.AddDate(0, 0, 1))

	// Equity fell 1000 -> 800, drawdown = 0.2 off the peak.
	if !snap.Equity.Equal(decimal.NewFromInt(800)) {
		t.Errorf("equity = %s, want 800", snap.Equity)
	}
	if !snap.Drawdown.Equal(decimal.NewFromFloat(0.2)) {
		t.Errorf("drawdown = %s, want 0.2", snap.Drawdown)
	}
	if got := len(p.EquityCurve()); got != 2 {
		t.Errorf("curve length = %d, want 2", got)
	}
}

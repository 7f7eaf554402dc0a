package backtester_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/internal/backtester"
	"github.com/helios-quant/backtest-engine/internal/backtester/events"
	"github.com/helios-quant/backtest-engine/internal/strategy"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

// buyOnceStrategy emits a single full-strength long on the first bar.
type buyOnceStrategy struct {
	fired bool
}

func (s *buyOnceStrategy) Name() string                              { return "buy_once" }
func (s *buyOnceStrategy) Parameters() []strategy.Parameter          { return nil }
func (s *buyOnceStrategy) SetParams(params map[string]float64) error { return nil }
func (s *buyOnceStrategy) Reset()                                    { s.fired = false }

func (s *buyOnceStrategy) OnMarket(ev *events.MarketEvent, view types.PortfolioView) ([]*events.SignalEvent, error) {
	if s.fired {
		return nil, nil
	}
	s.fired = true
	return []*events.SignalEvent{
		events.NewSignal(ev.Symbol(), ev.Timestamp(), types.DirectionLong, decimal.NewFromInt(1)),
	}, nil
}

// panicStrategy panics on every bar.
type panicStrategy struct{}

func (panicStrategy) Name() string                              { return "panic" }
func (panicStrategy) Parameters() []strategy.Parameter          { return nil }
func (panicStrategy) SetParams(params map[string]float64) error { return nil }
func (panicStrategy) Reset()                                    {}
func (panicStrategy) OnMarket(*events.MarketEvent, types.PortfolioView) ([]*events.SignalEvent, error) {
	panic("indicator blew up")
}

func flatFeed(symbol string, bars int, price float64) []*events.MarketEvent {
	feed := make([]*events.MarketEvent, 0, bars)
	px := decimal.NewFromFloat(price)
	for i := 0; i < bars; i++ {
		feed = append(feed, &events.MarketEvent{Bar: types.Bar{
			Symbol:    symbol,
			Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			Open:      px, High: px, Low: px, Close: px,
			Volume: decimal.NewFromInt(1000000),
		}})
	}
	return feed
}

func scenarioConfig() *types.BacktestConfig {
	return &types.BacktestConfig{
		ID:             "run-1",
		Symbols:        []string{"AAPL"},
		InitialCapital: decimal.NewFromInt(100000),
		Commission:     types.CommissionConfig{Rate: decimal.NewFromFloat(0.001)},
		Sizing: types.SizingConfig{
			Method:   types.SizingFixedFraction,
			Fraction: decimal.NewFromInt(1),
			LotSize:  decimal.NewFromInt(1),
		},
	}
}

func TestEngineFullFractionBuy(t *testing.T) {
	engine, err := backtester.NewEngine(zap.NewNop(), scenarioConfig(), &buyOnceStrategy{}, flatFeed("AAPL", 5, 10))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != types.RunStateCompleted {
		t.Fatalf("state = %s, want completed", result.State)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(result.Trades))
	}

	// 100,000 at price 10 with 0.1% commission affords 9990 shares; the
	// residual cash is 100000 - 99900 - 99.9 = 0.10.
	trade := result.Trades[0]
	if !trade.Quantity.Equal(decimal.NewFromInt(9990)) {
		t.Errorf("quantity = %s, want 9990", trade.Quantity)
	}
	if !trade.Commission.Equal(decimal.NewFromFloat(99.9)) {
		t.Errorf("commission = %s, want 99.9", trade.Commission)
	}

	final := result.EquityCurve[len(result.EquityCurve)-1]
	if !final.Cash.Equal(decimal.NewFromFloat(0.10)) {
		t.Errorf("final cash = %s, want 0.10", final.Cash)
	}
	// Flat prices: the only equity change is the commission paid.
	wantEquity := decimal.NewFromFloat(99900.10)
	if !final.Equity.Equal(wantEquity) {
		t.Errorf("final equity = %s, want %s", final.Equity, wantEquity)
	}
}

func TestEngineDeterminism(t *testing.T) {
	run := func() *types.BacktestResult {
		engine, err := backtester.NewEngine(zap.NewNop(), scenarioConfig(), &buyOnceStrategy{}, flatFeed("AAPL", 50, 10))
		if err != nil {
			t.Fatalf("NewEngine: %v", err)
		}
		result, err := engine.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		return result
	}

	a, b := run(), run()
	if len(a.EquityCurve) != len(b.EquityCurve) {
		t.Fatalf("curve lengths differ: %d vs %d", len(a.EquityCurve), len(b.EquityCurve))
	}
	for i := range a.EquityCurve {
		if !a.EquityCurve[i].Equity.Equal(b.EquityCurve[i].Equity) {
			t.Fatalf("equity diverges at step %d: %s vs %s",
				i, a.EquityCurve[i].Equity, b.EquityCurve[i].Equity)
		}
		if !a.EquityCurve[i].Cash.Equal(b.EquityCurve[i].Cash) {
			t.Fatalf("cash diverges at step %d", i)
		}
	}
	if len(a.Trades) != len(b.Trades) {
		t.Fatalf("trade counts differ: %d vs %d", len(a.Trades), len(b.Trades))
	}
	for i := range a.Trades {
		if !a.Trades[i].Quantity.Equal(b.Trades[i].Quantity) ||
			!a.Trades[i].Price.Equal(b.Trades[i].Price) {
			t.Fatalf("trade %d differs between runs", i)
		}
	}
}

func TestEngineCancellation(t *testing.T) {
	engine, err := backtester.NewEngine(zap.NewNop(), scenarioConfig(), &buyOnceStrategy{}, flatFeed("AAPL", 100, 10))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Run(ctx)
	if err == nil {
		t.Fatal("Run returned nil error after cancellation")
	}
	if result.State != types.RunStateCancelled {
		t.Errorf("state = %s, want cancelled", result.State)
	}
	if engine.State() != types.RunStateCancelled {
		t.Errorf("engine state = %s, want cancelled", engine.State())
	}
	// Cancellation is observed at the step boundary: nothing was processed,
	// but the partial result is still returned.
	if result.StepsProcessed != 0 {
		t.Errorf("steps = %d, want 0", result.StepsProcessed)
	}
}

func TestEngineRejectsNonMonotonicFeed(t *testing.T) {
	feed := flatFeed("AAPL", 3, 10)
	feed[1], feed[2] = feed[2], feed[1]

	_, err := backtester.NewEngine(zap.NewNop(), scenarioConfig(), &buyOnceStrategy{}, feed)
	if err == nil {
		t.Fatal("NewEngine accepted an out-of-order feed")
	}
}

func TestEngineRunTwice(t *testing.T) {
	engine, err := backtester.NewEngine(zap.NewNop(), scenarioConfig(), &buyOnceStrategy{}, flatFeed("AAPL", 3, 10))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if _, err := engine.Run(context.Background()); err == nil {
		t.Fatal("second run did not fail")
	}
}

func TestEngineStrategyPanicNonStrict(t *testing.T) {
	engine, err := backtester.NewEngine(zap.NewNop(), scenarioConfig(), panicStrategy{}, flatFeed("AAPL", 5, 10))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.State != types.RunStateCompleted {
		t.Errorf("state = %s, want completed", result.State)
	}
	if len(result.Trades) != 0 {
		t.Errorf("trades = %d, want 0", len(result.Trades))
	}
}

func TestEngineStrategyPanicStrict(t *testing.T) {
	cfg := scenarioConfig()
	cfg.StrictStrategyErrors = true
	engine, err := backtester.NewEngine(zap.NewNop(), cfg, panicStrategy{}, flatFeed("AAPL", 5, 10))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	result, err := engine.Run(context.Background())
	if err == nil {
		t.Fatal("strict run did not fail")
	}
	if result.State != types.RunStateFailed {
		t.Errorf("state = %s, want failed", result.State)
	}
}

func TestEngineProgressStream(t *testing.T) {
	engine, err := backtester.NewEngine(zap.NewNop(), scenarioConfig(), &buyOnceStrategy{}, flatFeed("AAPL", 10, 10))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	done := make(chan struct{})
	var updates []*types.BacktestProgress
	go func() {
		defer close(done)
		for p := range engine.ProgressChan() {
			updates = append(updates, p)
		}
	}()

	if _, err := engine.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	<-done

	if len(updates) == 0 {
		t.Fatal("no progress updates received")
	}
	last := updates[len(updates)-1]
	if last.StepsProcessed != 10 {
		t.Errorf("last progress steps = %d, want 10", last.StepsProcessed)
	}
}

func TestEngineEquityIdentity(t *testing.T) {
	// Across any run: equity = cash + sum(position * mark). Exercised via a
	// multi-bar run with per-bar price drift and a strategy that trades on
	// each open slot.
	cfg := scenarioConfig()
	cfg.Sizing.Fraction = decimal.NewFromFloat(0.2)

	feed := make([]*events.MarketEvent, 0, 30)
	for i := 0; i < 30; i++ {
		px := decimal.NewFromFloat(10 + 0.1*float64(i%7))
		feed = append(feed, &events.MarketEvent{Bar: types.Bar{
			Symbol:    "AAPL",
			Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i),
			Open:      px, High: px, Low: px, Close: px,
			Volume: decimal.NewFromInt(1000000),
		}})
	}

	engine, err := backtester.NewEngine(zap.NewNop(), cfg, &buyOnceStrategy{}, feed)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	result, err := engine.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i, snap := range result.EquityCurve {
		held := decimal.Zero
		for _, pos := range snap.Positions {
			held = held.Add(pos.Quantity.Mul(pos.MarkPrice))
		}
		if !snap.Cash.Add(held).Equal(snap.Equity) {
			t.Fatalf("step %d: cash %s + positions %s != equity %s",
				i, snap.Cash, held, snap.Equity)
		}
	}

	if result.ID == "" {
		t.Error("result has no ID")
	}
}

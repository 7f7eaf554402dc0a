package backtester

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/internal/backtester/events"
	"github.com/helios-quant/backtest-engine/internal/strategy"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

// Engine drives one backtest run. It owns the clock and the simulation
// state machine (Idle -> Running -> Completed/Failed/Cancelled) and wires
// strategy, risk manager, execution handler and portfolio together.
//
// Each step processes exactly one market event through the fixed pipeline
// Market -> Signal -> Order -> Fill before the clock advances; no event
// from step t is ever visible to step t+1. Given identical config, strategy
// parameters and market data, two runs produce bit-identical equity curves
// and trade logs.
type Engine struct {
	logger *zap.Logger
	config *types.BacktestConfig
	strat  strategy.Strategy
	feed   []*events.MarketEvent

	portfolio *Portfolio
	risk      *RiskManager
	exec      *ExecutionHandler
	metrics   *MetricsCalculator

	trades     []types.Trade
	rejections []types.RejectedOrder

	// Progress state, readable from other goroutines while the run's own
	// goroutine mutates the portfolio.
	mu            sync.Mutex
	state         types.RunState
	steps         uint64
	tradeCount    int
	currentTime   time.Time
	currentEquity decimal.Decimal
	progressChan  chan *types.BacktestProgress
}

// NewEngine validates the inputs and assembles a run. A malformed feed
// (non-monotonic timestamps) is rejected here, before the run ever enters
// Running.
func NewEngine(logger *zap.Logger, cfg *types.BacktestConfig, strat strategy.Strategy, feed []*events.MarketEvent) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	for i := 1; i < len(feed); i++ {
		if feed[i].Timestamp().Before(feed[i-1].Timestamp()) {
			return nil, fmt.Errorf("market data not time-ordered at index %d", i)
		}
	}

	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}

	cost := NewCostModel(cfg)
	return &Engine{
		logger:        logger,
		config:        cfg,
		strat:         strat,
		feed:          feed,
		portfolio:     NewPortfolio(cfg.InitialCapital, cfg.Margin),
		risk:          NewRiskManager(logger, cfg),
		exec:          NewExecutionHandler(logger, cost, cfg),
		metrics:       NewMetricsCalculator(),
		state:         types.RunStateIdle,
		currentEquity: cfg.InitialCapital,
		progressChan:  make(chan *types.BacktestProgress, 100),
	}, nil
}

// Run executes the simulation loop. Cancellation is observed at step
// boundaries only, never mid-step; on failure or cancellation the returned
// result still carries all snapshots up to the last completed step.
func (e *Engine) Run(ctx context.Context) (*types.BacktestResult, error) {
	e.mu.Lock()
	if e.state != types.RunStateIdle {
		e.mu.Unlock()
		return nil, fmt.Errorf("backtest %s already started", e.config.ID)
	}
	e.state = types.RunStateRunning
	e.mu.Unlock()

	// Run executes at most once, so closing here is safe.
	defer close(e.progressChan)

	startedAt := time.Now()
	e.logger.Info("backtest starting",
		zap.String("id", e.config.ID),
		zap.Strings("symbols", e.config.Symbols),
		zap.Int("bars", len(e.feed)),
		zap.String("strategy", e.strat.Name()),
	)

	for _, ev := range e.feed {
		select {
		case <-ctx.Done():
			e.setState(types.RunStateCancelled)
			return e.buildResult(startedAt, ctx.Err()), ctx.Err()
		default:
		}

		if err := e.step(ev); err != nil {
			e.setState(types.RunStateFailed)
			e.logger.Error("backtest failed",
				zap.String("id", e.config.ID),
				zap.Time("at", ev.Timestamp()),
				zap.Error(err),
			)
			return e.buildResult(startedAt, err), err
		}
	}

	e.setState(types.RunStateCompleted)
	result := e.buildResult(startedAt, nil)
	e.logger.Info("backtest completed",
		zap.String("id", e.config.ID),
		zap.Uint64("steps", result.StepsProcessed),
		zap.Int("trades", len(result.Trades)),
		zap.Duration("duration", result.Duration),
	)
	return result, nil
}

// step processes one market event through the full pipeline.
func (e *Engine) step(ev *events.MarketEvent) error {
	e.portfolio.MarkToMarket(ev)
	e.risk.ObserveBar(ev.Bar)

	signals, err := e.callStrategy(ev)
	if err != nil {
		if e.config.StrictStrategyErrors {
			return fmt.Errorf("strategy %s: %w", e.strat.Name(), err)
		}
		e.logger.Warn("strategy error, no signal emitted",
			zap.String("strategy", e.strat.Name()),
			zap.Time("at", ev.Timestamp()),
			zap.Error(err),
		)
		signals = nil
	}

	for _, sig := range signals {
		order := e.risk.Size(sig, e.portfolio, ev.Bar.Close)
		if order == nil {
			continue
		}

		fills, rejections := e.exec.Fill(order, ev.Bar, e.portfolio)
		for _, rej := range rejections {
			e.rejections = append(e.rejections, rej.ToRecord())
		}
		for _, fill := range fills {
			realized, err := e.portfolio.ApplyFill(fill)
			if err != nil {
				return err
			}
			e.trades = append(e.trades, types.Trade{
				ID:          uuid.New().String(),
				OrderID:     fill.OrderID,
				Symbol:      fill.Symbol,
				Side:        fill.Side,
				Quantity:    fill.Quantity,
				Price:       fill.Price,
				Commission:  fill.Commission,
				Tax:         fill.Tax,
				Slippage:    fill.Slippage,
				RealizedPnL: realized,
				ExecutedAt:  fill.Timestamp,
			})
		}
	}

	snap := e.portfolio.Snapshot(ev.Timestamp())

	e.mu.Lock()
	e.steps++
	e.tradeCount = len(e.trades)
	e.currentTime = ev.Timestamp()
	e.currentEquity = snap.Equity
	steps := e.steps
	e.mu.Unlock()

	if steps%1000 == 0 || steps == uint64(len(e.feed)) {
		e.sendProgress()
	}
	return nil
}

// callStrategy isolates strategy panics so a buggy strategy degrades to
// "no signal" (or a fatal error in strict mode) instead of tearing the
// process down.
func (e *Engine) callStrategy(ev *events.MarketEvent) (signals []*events.SignalEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			signals = nil
			err = fmt.Errorf("panic in OnMarket: %v", r)
		}
	}()
	return e.strat.OnMarket(ev, e.portfolio)
}

func (e *Engine) setState(s types.RunState) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// State returns the current run state.
func (e *Engine) State() types.RunState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Progress returns a point-in-time progress view, safe to call while the
// run is in flight.
func (e *Engine) Progress() *types.BacktestProgress {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := uint64(len(e.feed))
	var pct float64
	if total > 0 {
		pct = float64(e.steps) / float64(total) * 100
	}
	return &types.BacktestProgress{
		ID:             e.config.ID,
		State:          e.state,
		Progress:       pct,
		StepsProcessed: e.steps,
		TotalSteps:     total,
		CurrentDate:    e.currentTime,
		TradesExecuted: e.tradeCount,
		CurrentEquity:  e.currentEquity,
	}
}

// ProgressChan streams periodic progress updates during Run.
func (e *Engine) ProgressChan() <-chan *types.BacktestProgress {
	return e.progressChan
}

func (e *Engine) sendProgress() {
	select {
	case e.progressChan <- e.Progress():
	default:
		// Receiver fell behind, skip the update.
	}
}

func (e *Engine) buildResult(startedAt time.Time, runErr error) *types.BacktestResult {
	completedAt := time.Now()
	result := &types.BacktestResult{
		ID:             e.config.ID,
		State:          e.State(),
		Config:         e.config,
		EquityCurve:    e.portfolio.EquityCurve(),
		Trades:         e.trades,
		Rejections:     e.rejections,
		StartedAt:      startedAt,
		CompletedAt:    completedAt,
		Duration:       completedAt.Sub(startedAt),
		StepsProcessed: e.steps,
	}
	if runErr != nil {
		result.Error = runErr.Error()
	}

	if result.State == types.RunStateCompleted {
		result.Metrics = e.metrics.Performance(
			e.config.InitialCapital,
			result.EquityCurve,
			result.Trades,
			e.config.PeriodsPerYear,
			e.config.RiskFreeRate,
		)
		result.RiskMetrics = e.metrics.Risk(
			result.EquityCurve,
			e.config.PeriodsPerYear,
			e.config.VaRConfidences,
		)
	}
	return result
}

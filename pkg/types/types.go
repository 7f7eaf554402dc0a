// Package types provides shared type definitions for the backtest engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents buy or sell.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// SignalDirection represents the intent of a strategy signal.
type SignalDirection string

const (
	DirectionLong  SignalDirection = "long"
	DirectionShort SignalDirection = "short"
	DirectionExit  SignalDirection = "exit"
)

// OrderType represents the type of order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// RunState represents the lifecycle state of a backtest run.
type RunState string

const (
	RunStateIdle      RunState = "idle"
	RunStateRunning   RunState = "running"
	RunStateCompleted RunState = "completed"
	RunStateFailed    RunState = "failed"
	RunStateCancelled RunState = "cancelled"
)

// Bar represents a single OHLCV candlestick.
type Bar struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// Position represents an open position. Quantity sign encodes direction:
// positive is long, negative is short.
type Position struct {
	Symbol        string          `json:"symbol"`
	Quantity      decimal.Decimal `json:"quantity"`
	AvgCost       decimal.Decimal `json:"avgCost"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	OpenedAt      time.Time       `json:"openedAt"`
}

// PortfolioSnapshot captures portfolio state after one processed bar.
type PortfolioSnapshot struct {
	Timestamp time.Time           `json:"timestamp"`
	Cash      decimal.Decimal     `json:"cash"`
	Equity    decimal.Decimal     `json:"equity"`
	Drawdown  decimal.Decimal     `json:"drawdown"`
	Positions map[string]Position `json:"positions"`
}

// Trade is the terminal record of an executed fill. Never mutated after
// creation.
type Trade struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"orderId"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Commission  decimal.Decimal `json:"commission"`
	Tax         decimal.Decimal `json:"tax"`
	Slippage    decimal.Decimal `json:"slippage"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
	ExecutedAt  time.Time       `json:"executedAt"`
}

// RejectedOrder records an order (or order remainder) that could not be
// executed, with the reason. Part of the trade log, not an error.
type RejectedOrder struct {
	OrderID   string          `json:"orderId"`
	Symbol    string          `json:"symbol"`
	Side      Side            `json:"side"`
	Quantity  decimal.Decimal `json:"quantity"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// PortfolioView is the read-only portfolio surface handed to strategies and
// the risk manager.
type PortfolioView interface {
	Cash() decimal.Decimal
	Equity() decimal.Decimal
	PositionQuantity(symbol string) decimal.Decimal
	PositionAvgCost(symbol string) decimal.Decimal
	OpenPositionCount() int
	GrossExposure() decimal.Decimal
}

// PerformanceMetrics summarizes a finished backtest. Ratio-style fields that
// are undefined for the given inputs (too few data points, zero variance)
// carry an explicit Defined flag instead of a silent zero.
type PerformanceMetrics struct {
	TotalReturn         decimal.Decimal `json:"totalReturn"`
	AnnualizedReturn    decimal.Decimal `json:"annualizedReturn"`
	SharpeRatio         decimal.Decimal `json:"sharpeRatio"`
	SharpeDefined       bool            `json:"sharpeDefined"`
	SortinoRatio        decimal.Decimal `json:"sortinoRatio"`
	SortinoDefined      bool            `json:"sortinoDefined"`
	MaxDrawdown         decimal.Decimal `json:"maxDrawdown"`
	MaxDrawdownDate     time.Time       `json:"maxDrawdownDate"`
	WinRate             decimal.Decimal `json:"winRate"`
	ProfitFactor        decimal.Decimal `json:"profitFactor"`
	ProfitFactorDefined bool            `json:"profitFactorDefined"`
	TotalTrades         int             `json:"totalTrades"`
	WinningTrades       int             `json:"winningTrades"`
	LosingTrades        int             `json:"losingTrades"`
	AvgWin              decimal.Decimal `json:"avgWin"`
	AvgLoss             decimal.Decimal `json:"avgLoss"`
	Expectancy          decimal.Decimal `json:"expectancy"`
}

// RiskMetrics summarizes risk statistics of the return distribution.
type RiskMetrics struct {
	Volatility        decimal.Decimal `json:"volatility"`
	AnnualVolatility  decimal.Decimal `json:"annualVolatility"`
	VolatilityDefined bool            `json:"volatilityDefined"`
	VaR               map[string]decimal.Decimal `json:"var"`
	CVaR              map[string]decimal.Decimal `json:"cvar"`
}

// BacktestResult is the full output of one run. Partial results up to the
// last successful snapshot remain inspectable on failure or cancellation.
type BacktestResult struct {
	ID              string              `json:"id"`
	State           RunState            `json:"state"`
	Config          *BacktestConfig     `json:"config"`
	Metrics         *PerformanceMetrics `json:"metrics,omitempty"`
	RiskMetrics     *RiskMetrics        `json:"riskMetrics,omitempty"`
	EquityCurve     []PortfolioSnapshot `json:"equityCurve"`
	Trades          []Trade             `json:"trades"`
	Rejections      []RejectedOrder     `json:"rejections"`
	Error           string              `json:"error,omitempty"`
	StartedAt       time.Time           `json:"startedAt"`
	CompletedAt     time.Time           `json:"completedAt"`
	Duration        time.Duration       `json:"duration"`
	StepsProcessed  uint64              `json:"stepsProcessed"`
}

// MonteCarloResult summarizes a trade-resampling validation of a finished
// run.
type MonteCarloResult struct {
	Iterations      int             `json:"iterations"`
	MedianReturn    decimal.Decimal `json:"medianReturn"`
	P5Return        decimal.Decimal `json:"p5Return"`
	P95Return       decimal.Decimal `json:"p95Return"`
	ProbabilityRuin decimal.Decimal `json:"probabilityRuin"`
}

// BacktestProgress is a point-in-time view of a running backtest.
type BacktestProgress struct {
	ID             string          `json:"id"`
	State          RunState        `json:"state"`
	Progress       float64         `json:"progress"`
	StepsProcessed uint64          `json:"stepsProcessed"`
	TotalSteps     uint64          `json:"totalSteps"`
	CurrentDate    time.Time       `json:"currentDate"`
	TradesExecuted int             `json:"tradesExecuted"`
	CurrentEquity  decimal.Decimal `json:"currentEquity"`
}

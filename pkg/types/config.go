// Package types provides configuration types for the backtest engine.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CommissionConfig describes the commission schedule.
// Charged commission is max(FixedFee, Rate * notional).
type CommissionConfig struct {
	Rate     decimal.Decimal `json:"rate"`
	FixedFee decimal.Decimal `json:"fixedFee"`
}

// SlippageConfig describes the slippage model.
type SlippageConfig struct {
	Model        string          `json:"model"` // "fixed", "volume_weighted"
	Bps          decimal.Decimal `json:"bps"`
	ImpactFactor decimal.Decimal `json:"impactFactor,omitempty"`
}

// ExecutionConfig bounds simulated execution.
// MaxVolumeFraction caps a market order at that fraction of the bar's
// volume; zero disables the cap.
type ExecutionConfig struct {
	MaxVolumeFraction decimal.Decimal `json:"maxVolumeFraction"`
}

// SizingMethod selects how the risk manager sizes signals.
type SizingMethod string

const (
	SizingFixedFraction SizingMethod = "fixed_fraction"
	SizingFixedQuantity SizingMethod = "fixed_quantity"
	SizingVolatility    SizingMethod = "volatility"
)

// SizingConfig configures position sizing.
type SizingConfig struct {
	Method       SizingMethod    `json:"method"`
	Fraction     decimal.Decimal `json:"fraction,omitempty"`
	Quantity     decimal.Decimal `json:"quantity,omitempty"`
	RiskPerTrade decimal.Decimal `json:"riskPerTrade,omitempty"`
	VolWindow    int             `json:"volWindow,omitempty"`
	LotSize      decimal.Decimal `json:"lotSize,omitempty"`
}

// RiskLimits bounds what the risk manager will emit.
type RiskLimits struct {
	MaxPositionFraction decimal.Decimal `json:"maxPositionFraction"`
	MaxGrossLeverage    decimal.Decimal `json:"maxGrossLeverage"`
	MaxOpenPositions    int             `json:"maxOpenPositions"`
}

// MarginConfig enables short selling / negative cash with a maintenance
// floor. Disabled, cash may never go negative.
type MarginConfig struct {
	Enabled             bool            `json:"enabled"`
	MaintenanceFraction decimal.Decimal `json:"maintenanceFraction"`
}

// StrategyConfig names the installed strategy and its parameters.
type StrategyConfig struct {
	Name       string             `json:"name"`
	Parameters map[string]float64 `json:"parameters"`
}

// BacktestConfig is immutable for the lifetime of one run.
type BacktestConfig struct {
	ID             string           `json:"id"`
	Symbols        []string         `json:"symbols"`
	StartDate      time.Time        `json:"startDate"`
	EndDate        time.Time        `json:"endDate"`
	InitialCapital decimal.Decimal  `json:"initialCapital"`
	Strategy       StrategyConfig   `json:"strategy"`
	Commission     CommissionConfig `json:"commission"`
	SellTaxRate    decimal.Decimal  `json:"sellTaxRate"`
	Slippage       SlippageConfig   `json:"slippage"`
	Execution      ExecutionConfig  `json:"execution"`
	Sizing         SizingConfig     `json:"sizing"`
	RiskLimits     RiskLimits       `json:"riskLimits"`
	Margin         MarginConfig     `json:"margin"`
	Benchmark      string           `json:"benchmark,omitempty"`

	// Metrics inputs.
	PeriodsPerYear  int       `json:"periodsPerYear"`
	RiskFreeRate    float64   `json:"riskFreeRate"`
	VaRConfidences  []float64 `json:"varConfidences"`

	// Strategy errors abort the run instead of being dropped.
	StrictStrategyErrors bool `json:"strictStrategyErrors"`
}

// Validate checks the parts of the config the engine cannot default.
func (c *BacktestConfig) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol required")
	}
	if c.InitialCapital.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: initial capital must be positive")
	}
	if !c.EndDate.IsZero() && c.EndDate.Before(c.StartDate) {
		return fmt.Errorf("config: end date before start date")
	}
	if c.Margin.Enabled && c.Margin.MaintenanceFraction.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: margin enabled without maintenance fraction")
	}
	return nil
}

// WithDefaults fills unset fields with working values.
func (c *BacktestConfig) WithDefaults() *BacktestConfig {
	out := *c
	if out.PeriodsPerYear == 0 {
		out.PeriodsPerYear = 252
	}
	if len(out.VaRConfidences) == 0 {
		out.VaRConfidences = []float64{0.95, 0.99}
	}
	if out.Sizing.Method == "" {
		out.Sizing.Method = SizingFixedFraction
	}
	if out.Sizing.Fraction.IsZero() {
		out.Sizing.Fraction = decimal.NewFromFloat(0.1)
	}
	if out.Sizing.LotSize.IsZero() {
		out.Sizing.LotSize = decimal.NewFromInt(1)
	}
	if out.Sizing.VolWindow == 0 {
		out.Sizing.VolWindow = 20
	}
	if out.RiskLimits.MaxPositionFraction.IsZero() {
		out.RiskLimits.MaxPositionFraction = decimal.NewFromInt(1)
	}
	if out.RiskLimits.MaxGrossLeverage.IsZero() {
		out.RiskLimits.MaxGrossLeverage = decimal.NewFromInt(1)
	}
	if out.RiskLimits.MaxOpenPositions == 0 {
		out.RiskLimits.MaxOpenPositions = 100
	}
	return &out
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `json:"host" mapstructure:"host"`
	Port           int           `json:"port" mapstructure:"port"`
	ReadTimeout    time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	AllowedOrigins []string      `json:"allowedOrigins" mapstructure:"allowed_origins"`
}

// WithDefaults fills unset server fields.
func (c *ServerConfig) WithDefaults() *ServerConfig {
	out := *c
	if out.Host == "" {
		out.Host = "0.0.0.0"
	}
	if out.Port == 0 {
		out.Port = 8080
	}
	if out.ReadTimeout == 0 {
		out.ReadTimeout = 30 * time.Second
	}
	if out.WriteTimeout == 0 {
		out.WriteTimeout = 30 * time.Second
	}
	if len(out.AllowedOrigins) == 0 {
		out.AllowedOrigins = []string{"*"}
	}
	return &out
}

package backtester

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/helios-quant/backtest-engine/pkg/types"
)

// SlippageModel computes the adverse price fraction applied to a fill.
type SlippageModel interface {
	// Fraction returns the slippage as a fraction of the reference price
	// for a given executed quantity against a given bar.
	Fraction(quantity decimal.Decimal, bar types.Bar) decimal.Decimal
}

// FixedSlippage applies a constant basis-point slippage.
type FixedSlippage struct {
	Bps decimal.Decimal
}

// NewFixedSlippage creates a fixed slippage model.
func NewFixedSlippage(bps decimal.Decimal) *FixedSlippage {
	return &FixedSlippage{Bps: bps}
}

// Fraction returns the fixed fraction regardless of size.
func (f *FixedSlippage) Fraction(quantity decimal.Decimal, bar types.Bar) decimal.Decimal {
	return f.Bps.Div(decimal.NewFromInt(10000))
}

// VolumeWeightedSlippage adds square-root market impact on top of a base
// bps slippage: impact = factor * sqrt(quantity / bar volume).
type VolumeWeightedSlippage struct {
	BaseBps      decimal.Decimal
	ImpactFactor decimal.Decimal
}

// NewVolumeWeightedSlippage creates a volume-weighted slippage model.
func NewVolumeWeightedSlippage(baseBps, impactFactor decimal.Decimal) *VolumeWeightedSlippage {
	return &VolumeWeightedSlippage{BaseBps: baseBps, ImpactFactor: impactFactor}
}

// Fraction returns base slippage plus square-root participation impact.
func (v *VolumeWeightedSlippage) Fraction(quantity decimal.Decimal, bar types.Bar) decimal.Decimal {
	base := v.BaseBps.Div(decimal.NewFromInt(10000))
	if bar.Volume.IsZero() || quantity.IsZero() {
		return base
	}

	participation, _ := quantity.Div(bar.Volume).Float64()
	impact := v.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(participation)))
	return base.Add(impact)
}

// NewSlippageModel builds a slippage model from config. Unknown model names
// fall back to fixed.
func NewSlippageModel(cfg types.SlippageConfig) SlippageModel {
	switch cfg.Model {
	case "volume_weighted":
		return NewVolumeWeightedSlippage(cfg.Bps, cfg.ImpactFactor)
	default:
		return NewFixedSlippage(cfg.Bps)
	}
}

package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/helios-quant/backtest-engine/internal/backtester/events"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

// Momentum trades rate-of-change over a lookback period: long when momentum
// exceeds the threshold, exit (or short) when it falls below the negative
// threshold.
type Momentum struct {
	base
	period    float64
	threshold float64
}

// NewMomentum creates a momentum strategy with default parameters.
func NewMomentum() *Momentum {
	return &Momentum{base: newBase(256), period: 14, threshold: 0.02}
}

func (s *Momentum) Name() string { return "momentum" }

func (s *Momentum) Parameters() []Parameter {
	return []Parameter{
		{Name: "period", Min: 2, Max: 100, Step: 1, Default: 14},
		{Name: "threshold", Min: 0.001, Max: 0.2, Step: 0.001, Default: 0.02},
	}
}

func (s *Momentum) SetParams(params map[string]float64) error {
	for name, v := range params {
		var err error
		switch name {
		case "period":
			err = setParam(s.Parameters()[0], math.Round(v), &s.period)
		case "threshold":
			err = setParam(s.Parameters()[1], v, &s.threshold)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Momentum) OnMarket(ev *events.MarketEvent, view types.PortfolioView) ([]*events.SignalEvent, error) {
	series := s.observe(ev.Bar)
	period := int(s.period)
	if len(series) <= period {
		return nil, nil
	}

	current := series[len(series)-1].Close
	past := series[len(series)-1-period].Close
	if past.IsZero() {
		return nil, nil
	}

	roc, _ := current.Sub(past).Div(past).Float64()
	switch {
	case roc > s.threshold:
		strength := strengthFromRatio(roc / s.threshold)
		return []*events.SignalEvent{
			events.NewSignal(ev.Symbol(), ev.Timestamp(), types.DirectionLong, strength),
		}, nil
	case roc < -s.threshold:
		if view.PositionQuantity(ev.Symbol()).Sign() > 0 {
			return []*events.SignalEvent{
				events.NewSignal(ev.Symbol(), ev.Timestamp(), types.DirectionExit, decimal.NewFromInt(1)),
			}, nil
		}
		strength := strengthFromRatio(roc / s.threshold)
		return []*events.SignalEvent{
			events.NewSignal(ev.Symbol(), ev.Timestamp(), types.DirectionShort, strength),
		}, nil
	}
	return nil, nil
}

// MeanReversion trades z-score deviations from a rolling mean: long when
// the close dips below -entryZ, exit once it reverts inside exitZ.
type MeanReversion struct {
	base
	period float64
	entryZ float64
	exitZ  float64
}

// NewMeanReversion creates a mean-reversion strategy with defaults.
func NewMeanReversion() *MeanReversion {
	return &MeanReversion{base: newBase(256), period: 20, entryZ: 2, exitZ: 0.5}
}

func (s *MeanReversion) Name() string { return "mean_reversion" }

func (s *MeanReversion) Parameters() []Parameter {
	return []Parameter{
		{Name: "period", Min: 5, Max: 200, Step: 1, Default: 20},
		{Name: "entry_z", Min: 0.5, Max: 4, Step: 0.1, Default: 2},
		{Name: "exit_z", Min: 0.1, Max: 2, Step: 0.1, Default: 0.5},
	}
}

func (s *MeanReversion) SetParams(params map[string]float64) error {
	for name, v := range params {
		var err error
		switch name {
		case "period":
			err = setParam(s.Parameters()[0], math.Round(v), &s.period)
		case "entry_z":
			err = setParam(s.Parameters()[1], v, &s.entryZ)
		case "exit_z":
			err = setParam(s.Parameters()[2], v, &s.exitZ)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *MeanReversion) OnMarket(ev *events.MarketEvent, view types.PortfolioView) ([]*events.SignalEvent, error) {
	series := s.observe(ev.Bar)
	period := int(s.period)
	if len(series) < period {
		return nil, nil
	}

	window := series[len(series)-period:]
	var sum, sumSq float64
	for _, bar := range window {
		c, _ := bar.Close.Float64()
		sum += c
		sumSq += c * c
	}
	n := float64(period)
	mean := sum / n
	variance := (sumSq - n*mean*mean) / (n - 1)
	if variance <= 0 {
		return nil, nil
	}
	std := math.Sqrt(variance)

	close, _ := ev.Bar.Close.Float64()
	z := (close - mean) / std
	holding := view.PositionQuantity(ev.Symbol()).Sign() > 0

	switch {
	case z < -s.entryZ && !holding:
		return []*events.SignalEvent{
			events.NewSignal(ev.Symbol(), ev.Timestamp(), types.DirectionLong, strengthFromRatio(z/s.entryZ)),
		}, nil
	case holding && math.Abs(z) < s.exitZ:
		return []*events.SignalEvent{
			events.NewSignal(ev.Symbol(), ev.Timestamp(), types.DirectionExit, decimal.NewFromInt(1)),
		}, nil
	}
	return nil, nil
}

// Breakout trades channel breakouts: long when the close clears the highest
// high of the lookback window, exit when it breaks the lowest low.
type Breakout struct {
	base
	lookback float64
}

// NewBreakout creates a breakout strategy with defaults.
func NewBreakout() *Breakout {
	return &Breakout{base: newBase(256), lookback: 20}
}

func (s *Breakout) Name() string { return "breakout" }

func (s *Breakout) Parameters() []Parameter {
	return []Parameter{
		{Name: "lookback", Min: 5, Max: 200, Step: 1, Default: 20},
	}
}

func (s *Breakout) SetParams(params map[string]float64) error {
	for name, v := range params {
		if name == "lookback" {
			if err := setParam(s.Parameters()[0], math.Round(v), &s.lookback); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Breakout) OnMarket(ev *events.MarketEvent, view types.PortfolioView) ([]*events.SignalEvent, error) {
	series := s.observe(ev.Bar)
	lookback := int(s.lookback)
	if len(series) <= lookback {
		return nil, nil
	}

	// Channel over the bars preceding the current one.
	window := series[len(series)-1-lookback : len(series)-1]
	highest := window[0].High
	lowest := window[0].Low
	for _, bar := range window[1:] {
		if bar.High.GreaterThan(highest) {
			highest = bar.High
		}
		if bar.Low.LessThan(lowest) {
			lowest = bar.Low
		}
	}

	holding := view.PositionQuantity(ev.Symbol()).Sign() > 0
	switch {
	case ev.Bar.Close.GreaterThan(highest) && !holding:
		return []*events.SignalEvent{
			events.NewSignal(ev.Symbol(), ev.Timestamp(), types.DirectionLong, decimal.NewFromInt(1)),
		}, nil
	case ev.Bar.Close.LessThan(lowest) && holding:
		return []*events.SignalEvent{
			events.NewSignal(ev.Symbol(), ev.Timestamp(), types.DirectionExit, decimal.NewFromInt(1)),
		}, nil
	}
	return nil, nil
}

// Grid buys each time price falls one grid step below the last traded
// level and exits the whole position when it rises one step above. The
// first bar's close anchors the grid.
type Grid struct {
	base
	stepPct float64
	levels  map[string]decimal.Decimal // last traded grid level per symbol
}

// NewGrid creates a grid strategy with defaults.
func NewGrid() *Grid {
	return &Grid{base: newBase(8), stepPct: 0.02, levels: make(map[string]decimal.Decimal)}
}

func (s *Grid) Name() string { return "grid" }

func (s *Grid) Parameters() []Parameter {
	return []Parameter{
		{Name: "step_pct", Min: 0.005, Max: 0.2, Step: 0.005, Default: 0.02},
	}
}

func (s *Grid) SetParams(params map[string]float64) error {
	for name, v := range params {
		if name == "step_pct" {
			if err := setParam(s.Parameters()[0], v, &s.stepPct); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Grid) Reset() {
	s.base.Reset()
	s.levels = make(map[string]decimal.Decimal)
}

func (s *Grid) OnMarket(ev *events.MarketEvent, view types.PortfolioView) ([]*events.SignalEvent, error) {
	s.observe(ev.Bar)
	close := ev.Bar.Close

	level, ok := s.levels[ev.Symbol()]
	if !ok {
		s.levels[ev.Symbol()] = close
		return nil, nil
	}

	step := level.Mul(decimal.NewFromFloat(s.stepPct))
	holding := view.PositionQuantity(ev.Symbol()).Sign() > 0

	switch {
	case close.LessThanOrEqual(level.Sub(step)):
		s.levels[ev.Symbol()] = close
		return []*events.SignalEvent{
			events.NewSignal(ev.Symbol(), ev.Timestamp(), types.DirectionLong, decimal.NewFromInt(1)),
		}, nil
	case holding && close.GreaterThanOrEqual(level.Add(step)):
		s.levels[ev.Symbol()] = close
		return []*events.SignalEvent{
			events.NewSignal(ev.Symbol(), ev.Timestamp(), types.DirectionExit, decimal.NewFromInt(1)),
		}, nil
	}
	return nil, nil
}

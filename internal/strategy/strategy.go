// Package strategy provides trading strategy implementations and their
// registry. Strategies are pure consumers of market events: they may keep
// internal indicator state, but never mutate anything outside it.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/internal/backtester/events"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

// Strategy is the capability interface the engine drives. OnMarket receives
// one market event and a read-only portfolio view and returns zero or more
// signals for that step.
type Strategy interface {
	Name() string
	Parameters() []Parameter
	SetParams(params map[string]float64) error
	OnMarket(ev *events.MarketEvent, view types.PortfolioView) ([]*events.SignalEvent, error)
	Reset()
}

// Parameter describes one tunable strategy parameter with its bounds. The
// optimizer searches within these bounds.
type Parameter struct {
	Name    string  `json:"name"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Step    float64 `json:"step"`
	Default float64 `json:"default"`
}

// Registry manages available strategies by name.
type Registry struct {
	mu        sync.RWMutex
	logger    *zap.Logger
	factories map[string]func() Strategy
}

// NewRegistry creates a registry with the built-in strategies installed.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger:    logger,
		factories: make(map[string]func() Strategy),
	}

	r.Register("momentum", func() Strategy { return NewMomentum() })
	r.Register("mean_reversion", func() Strategy { return NewMeanReversion() })
	r.Register("breakout", func() Strategy { return NewBreakout() })
	r.Register("grid", func() Strategy { return NewGrid() })

	return r
}

// Register installs a strategy factory under a name.
func (r *Registry) Register(name string, factory func() Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates a fresh strategy by name and applies parameters.
func (r *Registry) Create(name string, params map[string]float64) (Strategy, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}

	s := factory()
	if len(params) > 0 {
		if err := s.SetParams(params); err != nil {
			return nil, fmt.Errorf("strategy %q: %w", name, err)
		}
	}
	return s, nil
}

// List returns all registered strategy names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// base carries the per-symbol bar history shared by the built-in
// strategies.
type base struct {
	bars    map[string][]types.Bar
	maxBars int
}

func newBase(maxBars int) base {
	return base{bars: make(map[string][]types.Bar), maxBars: maxBars}
}

func (b *base) observe(bar types.Bar) []types.Bar {
	series := append(b.bars[bar.Symbol], bar)
	if len(series) > b.maxBars {
		series = series[1:]
	}
	b.bars[bar.Symbol] = series
	return series
}

func (b *base) Reset() {
	b.bars = make(map[string][]types.Bar)
}

// setParam applies a single bounded parameter, rejecting out-of-range
// values so optimizer candidates fail loudly rather than silently clamp.
func setParam(p Parameter, value float64, dst *float64) error {
	if value < p.Min || value > p.Max {
		return fmt.Errorf("parameter %q: %v outside [%v, %v]", p.Name, value, p.Min, p.Max)
	}
	*dst = value
	return nil
}

func strengthFromRatio(ratio float64) decimal.Decimal {
	if ratio < 0 {
		ratio = -ratio
	}
	if ratio > 1 {
		ratio = 1
	}
	return decimal.NewFromFloat(ratio)
}

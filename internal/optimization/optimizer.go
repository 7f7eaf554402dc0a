// Package optimization searches strategy parameter space by repeatedly
// evaluating backtest runs. Candidates are fully isolated: each evaluation
// builds a fresh engine and portfolio, so evaluations can run in parallel
// with no shared mutable state.
package optimization

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/internal/workers"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

// Method selects the search algorithm.
type Method string

const (
	MethodGrid    Method = "grid"
	MethodRandom  Method = "random"
	MethodGenetic Method = "genetic"
)

// Parameter describes one dimension of the search space: either a bounded
// numeric range with a step, or an explicit choice list.
type Parameter struct {
	Name    string    `json:"name"`
	Min     float64   `json:"min"`
	Max     float64   `json:"max"`
	Step    float64   `json:"step,omitempty"`
	Choices []float64 `json:"choices,omitempty"`
}

// ParamSet is one concrete assignment of parameter values.
type ParamSet map[string]float64

// Evaluator runs one candidate to completion. Implementations must build a
// fresh engine per call; the optimizer never reuses engine state across
// candidates.
type Evaluator func(ctx context.Context, params ParamSet) (*types.BacktestResult, error)

// Result is the outcome of one candidate evaluation. Index is the
// candidate's position in parameter-space enumeration order and breaks
// fitness ties deterministically.
type Result struct {
	Params  ParamSet                  `json:"params"`
	Index   int                       `json:"index"`
	Fitness float64                   `json:"fitness"`
	Rank    int                       `json:"rank"`
	Failed  bool                      `json:"failed"`
	Error   string                    `json:"error,omitempty"`
	Metrics *types.PerformanceMetrics `json:"metrics,omitempty"`
}

// Config tunes the optimizer.
type Config struct {
	Method           Method        `json:"method"`
	FitnessMetric    string        `json:"fitnessMetric"`
	Workers          int           `json:"workers"`
	Seed             int64         `json:"seed"`
	CandidateTimeout time.Duration `json:"candidateTimeout"`

	// Random search.
	Draws int `json:"draws"`

	// Genetic algorithm.
	Population    int     `json:"population"`
	Generations   int     `json:"generations"`
	MutationRate  float64 `json:"mutationRate"`
	CrossoverRate float64 `json:"crossoverRate"`
	EliteCount    int     `json:"eliteCount"`
}

// DefaultConfig returns working defaults.
func DefaultConfig() Config {
	return Config{
		Method:        MethodGrid,
		FitnessMetric: "sharpe",
		Workers:       4,
		Draws:         100,
		Population:    30,
		Generations:   20,
		MutationRate:  0.1,
		CrossoverRate: 0.7,
		EliteCount:    3,
	}
}

// minimized lists fitness metrics where smaller is better.
var minimized = map[string]bool{
	"max_drawdown": true,
}

// Optimizer runs parameter searches.
type Optimizer struct {
	logger *zap.Logger
	config Config
}

// New creates an optimizer.
func New(logger *zap.Logger, config Config) *Optimizer {
	if config.FitnessMetric == "" {
		config.FitnessMetric = "sharpe"
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	return &Optimizer{logger: logger, config: config}
}

// Search evaluates the parameter space and returns all candidate results
// ranked best-first: descending fitness (ascending for minimized metrics),
// exact ties broken by lower parameter-space index. Failed candidates sort
// last but are never dropped.
func (o *Optimizer) Search(ctx context.Context, space []Parameter, evaluate Evaluator) ([]Result, error) {
	if len(space) == 0 {
		return nil, fmt.Errorf("empty parameter space")
	}

	var results []Result
	var err error
	switch o.config.Method {
	case MethodRandom:
		results, err = o.randomSearch(ctx, space, evaluate)
	case MethodGenetic:
		results, err = o.geneticSearch(ctx, space, evaluate)
	default:
		results, err = o.gridSearch(ctx, space, evaluate)
	}
	if err != nil {
		return nil, err
	}

	o.rank(results)
	return results, nil
}

// gridSearch evaluates the exact Cartesian product of the space.
func (o *Optimizer) gridSearch(ctx context.Context, space []Parameter, evaluate Evaluator) ([]Result, error) {
	candidates := expandGrid(space)
	o.logger.Info("grid search",
		zap.Int("parameters", len(space)),
		zap.Int("candidates", len(candidates)),
	)
	return o.evaluateAll(ctx, candidates, evaluate), nil
}

// randomSearch draws uniform samples; reproducible for a fixed seed.
func (o *Optimizer) randomSearch(ctx context.Context, space []Parameter, evaluate Evaluator) ([]Result, error) {
	draws := o.config.Draws
	if draws <= 0 {
		draws = 100
	}

	rng := rand.New(rand.NewSource(o.config.Seed))
	candidates := make([]ParamSet, draws)
	for i := range candidates {
		candidates[i] = randomCandidate(rng, space)
	}

	o.logger.Info("random search", zap.Int("draws", draws), zap.Int64("seed", o.config.Seed))
	return o.evaluateAll(ctx, candidates, evaluate), nil
}

// geneticSearch evolves a population with tournament selection, uniform
// crossover, gaussian mutation and elitism over a fixed generation count.
func (o *Optimizer) geneticSearch(ctx context.Context, space []Parameter, evaluate Evaluator) ([]Result, error) {
	rng := rand.New(rand.NewSource(o.config.Seed))

	population := make([]ParamSet, o.config.Population)
	for i := range population {
		population[i] = randomCandidate(rng, space)
	}

	o.logger.Info("genetic search",
		zap.Int("population", o.config.Population),
		zap.Int("generations", o.config.Generations),
	)

	var all []Result
	for gen := 0; gen < o.config.Generations; gen++ {
		select {
		case <-ctx.Done():
			return all, ctx.Err()
		default:
		}

		genResults := o.evaluateAll(ctx, population, evaluate)
		for i := range genResults {
			genResults[i].Index = len(all) + i
		}
		all = append(all, genResults...)
		population = o.evolve(rng, space, genResults)
	}
	return all, nil
}

// evaluateAll runs candidates on the worker pool. Results land at their
// candidate index, so output order is deterministic regardless of
// completion order. A failing candidate is marked failed and the search
// continues.
func (o *Optimizer) evaluateAll(ctx context.Context, candidates []ParamSet, evaluate Evaluator) []Result {
	results := make([]Result, len(candidates))
	pool := workers.New(o.logger, o.config.Workers, len(candidates))
	defer pool.Shutdown()

	for i, params := range candidates {
		i, params := i, params
		pool.Submit(workers.TaskFunc(func() error {
			results[i] = o.evaluateOne(ctx, i, params, evaluate)
			return nil
		}))
	}
	pool.Wait()
	return results
}

func (o *Optimizer) evaluateOne(ctx context.Context, index int, params ParamSet, evaluate Evaluator) Result {
	res := Result{Params: params, Index: index}

	if o.config.CandidateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.CandidateTimeout)
		defer cancel()
	}

	btResult, err := evaluate(ctx, params)
	if err != nil {
		res.Failed = true
		res.Error = err.Error()
		return res
	}

	fitness, err := o.fitness(btResult)
	if err != nil {
		res.Failed = true
		res.Error = err.Error()
		res.Metrics = btResult.Metrics
		return res
	}

	res.Fitness = fitness
	res.Metrics = btResult.Metrics
	return res
}

// fitness extracts the configured metric, refusing undefined values.
func (o *Optimizer) fitness(result *types.BacktestResult) (float64, error) {
	m := result.Metrics
	if m == nil {
		return 0, fmt.Errorf("run %s produced no metrics (state %s)", result.ID, result.State)
	}

	switch o.config.FitnessMetric {
	case "sharpe":
		if !m.SharpeDefined {
			return 0, fmt.Errorf("sharpe undefined for run %s", result.ID)
		}
		f, _ := m.SharpeRatio.Float64()
		return f, nil
	case "sortino":
		if !m.SortinoDefined {
			return 0, fmt.Errorf("sortino undefined for run %s", result.ID)
		}
		f, _ := m.SortinoRatio.Float64()
		return f, nil
	case "total_return":
		f, _ := m.TotalReturn.Float64()
		return f, nil
	case "annualized_return":
		f, _ := m.AnnualizedReturn.Float64()
		return f, nil
	case "expectancy":
		f, _ := m.Expectancy.Float64()
		return f, nil
	case "max_drawdown":
		f, _ := m.MaxDrawdown.Float64()
		return f, nil
	default:
		return 0, fmt.Errorf("unknown fitness metric %q", o.config.FitnessMetric)
	}
}

// rank sorts best-first and assigns 1-based ranks. Failed candidates sort
// after all successful ones, by index.
func (o *Optimizer) rank(results []Result) {
	better := func(a, b Result) bool {
		if a.Failed != b.Failed {
			return !a.Failed
		}
		if a.Failed {
			return a.Index < b.Index
		}
		if a.Fitness != b.Fitness {
			if minimized[o.config.FitnessMetric] {
				return a.Fitness < b.Fitness
			}
			return a.Fitness > b.Fitness
		}
		return a.Index < b.Index
	}

	sort.SliceStable(results, func(i, j int) bool { return better(results[i], results[j]) })
	for i := range results {
		results[i].Rank = i + 1
	}
}

// evolve builds the next generation from the current one's results.
func (o *Optimizer) evolve(rng *rand.Rand, space []Parameter, current []Result) []ParamSet {
	ranked := make([]Result, len(current))
	copy(ranked, current)
	o.rank(ranked)

	next := make([]ParamSet, 0, o.config.Population)
	for i := 0; i < o.config.EliteCount && i < len(ranked); i++ {
		next = append(next, cloneParams(ranked[i].Params))
	}

	for len(next) < o.config.Population {
		p1 := o.tournament(rng, current)
		p2 := o.tournament(rng, current)

		var child ParamSet
		if rng.Float64() < o.config.CrossoverRate {
			child = crossover(rng, space, p1, p2)
		} else {
			child = cloneParams(p1)
		}
		next = append(next, o.mutate(rng, space, child))
	}
	return next
}

func (o *Optimizer) tournament(rng *rand.Rand, results []Result) ParamSet {
	const size = 3
	best := results[rng.Intn(len(results))]
	for i := 1; i < size; i++ {
		challenger := results[rng.Intn(len(results))]
		if challenger.Failed {
			continue
		}
		betterFitness := challenger.Fitness > best.Fitness
		if minimized[o.config.FitnessMetric] {
			betterFitness = challenger.Fitness < best.Fitness
		}
		if best.Failed || betterFitness {
			best = challenger
		}
	}
	return best.Params
}

func (o *Optimizer) mutate(rng *rand.Rand, space []Parameter, params ParamSet) ParamSet {
	out := cloneParams(params)
	for _, p := range space {
		if rng.Float64() >= o.config.MutationRate {
			continue
		}
		if len(p.Choices) > 0 {
			out[p.Name] = p.Choices[rng.Intn(len(p.Choices))]
			continue
		}
		span := p.Max - p.Min
		v := out[p.Name] + rng.NormFloat64()*span*0.1
		out[p.Name] = snap(p, math.Max(p.Min, math.Min(p.Max, v)))
	}
	return out
}

func crossover(rng *rand.Rand, space []Parameter, a, b ParamSet) ParamSet {
	child := make(ParamSet, len(space))
	for _, p := range space {
		if rng.Float64() < 0.5 {
			child[p.Name] = a[p.Name]
		} else {
			child[p.Name] = b[p.Name]
		}
	}
	return child
}

func randomCandidate(rng *rand.Rand, space []Parameter) ParamSet {
	params := make(ParamSet, len(space))
	for _, p := range space {
		if len(p.Choices) > 0 {
			params[p.Name] = p.Choices[rng.Intn(len(p.Choices))]
			continue
		}
		params[p.Name] = snap(p, p.Min+rng.Float64()*(p.Max-p.Min))
	}
	return params
}

// snap aligns a value to the parameter's step grid when one is set.
func snap(p Parameter, v float64) float64 {
	if p.Step <= 0 {
		return v
	}
	steps := math.Round((v - p.Min) / p.Step)
	out := p.Min + steps*p.Step
	if out > p.Max {
		out = p.Max
	}
	if out < p.Min {
		out = p.Min
	}
	return out
}

// expandGrid enumerates the exact Cartesian product in deterministic
// order: the last parameter varies fastest.
func expandGrid(space []Parameter) []ParamSet {
	values := make([][]float64, len(space))
	for i, p := range space {
		values[i] = gridValues(p)
	}

	total := 1
	for _, vs := range values {
		total *= len(vs)
	}

	out := make([]ParamSet, 0, total)
	idx := make([]int, len(space))
	for n := 0; n < total; n++ {
		params := make(ParamSet, len(space))
		for i, p := range space {
			params[p.Name] = values[i][idx[i]]
		}
		out = append(out, params)

		for i := len(idx) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(values[i]) {
				break
			}
			idx[i] = 0
		}
	}
	return out
}

func gridValues(p Parameter) []float64 {
	if len(p.Choices) > 0 {
		return p.Choices
	}
	step := p.Step
	if step <= 0 {
		step = (p.Max - p.Min) / 10
	}
	if step <= 0 {
		return []float64{p.Min}
	}

	var values []float64
	// Index-based stepping avoids accumulating float error across the range.
	for i := 0; ; i++ {
		v := p.Min + float64(i)*step
		if v > p.Max+step*1e-9 {
			break
		}
		if v > p.Max {
			v = p.Max
		}
		values = append(values, v)
	}
	return values
}

func cloneParams(params ParamSet) ParamSet {
	out := make(ParamSet, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

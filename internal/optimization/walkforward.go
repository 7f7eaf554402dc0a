package optimization

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/pkg/types"
)

// RangeEvaluator runs one candidate restricted to a date range, building a
// fresh engine per call.
type RangeEvaluator func(ctx context.Context, params ParamSet, start, end time.Time) (*types.BacktestResult, error)

// WalkForwardConfig controls fold generation over [Start, End).
type WalkForwardConfig struct {
	Start         time.Time `json:"start"`
	End           time.Time `json:"end"`
	WindowDays    int       `json:"windowDays"`
	StepDays      int       `json:"stepDays"`
	TrainFraction float64   `json:"trainFraction"`
}

// Fold is one train/test window pair with its optimization outcome.
type Fold struct {
	TrainStart   time.Time                 `json:"trainStart"`
	TrainEnd     time.Time                 `json:"trainEnd"`
	TestStart    time.Time                 `json:"testStart"`
	TestEnd      time.Time                 `json:"testEnd"`
	BestParams   ParamSet                  `json:"bestParams"`
	TrainFitness float64                   `json:"trainFitness"`
	TestFitness  float64                   `json:"testFitness"`
	TestMetrics  *types.PerformanceMetrics `json:"testMetrics,omitempty"`
	Failed       bool                      `json:"failed"`
	Error        string                    `json:"error,omitempty"`
}

// WalkForwardResult aggregates fold outcomes. Efficiency is the ratio of
// mean out-of-sample fitness to mean in-sample fitness; values near 1
// suggest the in-sample edge survives out of sample.
type WalkForwardResult struct {
	Folds           []Fold  `json:"folds"`
	MeanTestFitness float64 `json:"meanTestFitness"`
	Efficiency      float64 `json:"efficiency"`
}

// WalkForward slides a train/test window across the date range. Each fold
// optimizes parameters on the training slice, then re-evaluates the winner
// on the unseen test slice. A failing fold is recorded and skipped in the
// aggregates.
func (o *Optimizer) WalkForward(ctx context.Context, config WalkForwardConfig, space []Parameter, evaluate RangeEvaluator) (*WalkForwardResult, error) {
	if config.WindowDays <= 0 {
		config.WindowDays = 90
	}
	if config.StepDays <= 0 {
		config.StepDays = 30
	}
	if config.TrainFraction <= 0 || config.TrainFraction >= 1 {
		config.TrainFraction = 0.75
	}
	if !config.End.After(config.Start) {
		return nil, fmt.Errorf("walk-forward range is empty: %s to %s", config.Start, config.End)
	}

	window := time.Duration(config.WindowDays) * 24 * time.Hour
	step := time.Duration(config.StepDays) * 24 * time.Hour
	trainSpan := time.Duration(float64(window) * config.TrainFraction)

	var folds []Fold
	for start := config.Start; !start.Add(window).After(config.End); start = start.Add(step) {
		folds = append(folds, Fold{
			TrainStart: start,
			TrainEnd:   start.Add(trainSpan),
			TestStart:  start.Add(trainSpan),
			TestEnd:    start.Add(window),
		})
	}
	if len(folds) == 0 {
		return nil, fmt.Errorf("range %s to %s shorter than window of %d days",
			config.Start.Format("2006-01-02"), config.End.Format("2006-01-02"), config.WindowDays)
	}

	o.logger.Info("walk-forward analysis",
		zap.Int("folds", len(folds)),
		zap.Int("windowDays", config.WindowDays),
		zap.Int("stepDays", config.StepDays),
	)

	for i := range folds {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		o.runFold(ctx, &folds[i], space, evaluate)
	}

	result := &WalkForwardResult{Folds: folds}
	var trainSum, testSum float64
	var ok int
	for _, f := range folds {
		if f.Failed {
			continue
		}
		trainSum += f.TrainFitness
		testSum += f.TestFitness
		ok++
	}
	if ok > 0 {
		result.MeanTestFitness = testSum / float64(ok)
		if trainSum != 0 {
			result.Efficiency = testSum / trainSum
		}
	}
	return result, nil
}

func (o *Optimizer) runFold(ctx context.Context, fold *Fold, space []Parameter, evaluate RangeEvaluator) {
	trainEval := func(ctx context.Context, params ParamSet) (*types.BacktestResult, error) {
		return evaluate(ctx, params, fold.TrainStart, fold.TrainEnd)
	}

	ranked, err := o.Search(ctx, space, trainEval)
	if err != nil {
		fold.Failed = true
		fold.Error = err.Error()
		return
	}
	best := ranked[0]
	if best.Failed {
		fold.Failed = true
		fold.Error = fmt.Sprintf("no successful training candidate: %s", best.Error)
		return
	}
	fold.BestParams = best.Params
	fold.TrainFitness = best.Fitness

	testResult, err := evaluate(ctx, best.Params, fold.TestStart, fold.TestEnd)
	if err != nil {
		fold.Failed = true
		fold.Error = err.Error()
		return
	}
	fitness, err := o.fitness(testResult)
	if err != nil {
		fold.Failed = true
		fold.Error = err.Error()
		return
	}
	fold.TestFitness = fitness
	fold.TestMetrics = testResult.Metrics
}

package optimization_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/helios-quant/backtest-engine/internal/optimization"
	"github.com/helios-quant/backtest-engine/pkg/types"
)

func TestWalkForwardFolds(t *testing.T) {
	opt := optimization.New(zap.NewNop(), optimization.Config{
		Method:        optimization.MethodGrid,
		FitnessMetric: "sharpe",
		Workers:       2,
	})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := optimization.WalkForwardConfig{
		Start:         start,
		End:           start.AddDate(0, 0, 120),
		WindowDays:    60,
		StepDays:      30,
		TrainFraction: 0.75,
	}

	// Fitness improves with a on every slice: each fold should pick a=3 and
	// carry it out of sample.
	evaluate := func(ctx context.Context, params optimization.ParamSet, s, e time.Time) (*types.BacktestResult, error) {
		if !e.After(s) {
			t.Errorf("empty evaluation range %s to %s", s, e)
		}
		return resultWithSharpe(params["a"]), nil
	}

	result, err := opt.WalkForward(context.Background(), cfg, []optimization.Parameter{
		{Name: "a", Min: 1, Max: 3, Step: 1},
	}, evaluate)
	if err != nil {
		t.Fatalf("WalkForward: %v", err)
	}

	// 120 days, 60-day window sliding 30 days: starts at day 0, 30, 60.
	if len(result.Folds) != 3 {
		t.Fatalf("folds = %d, want 3", len(result.Folds))
	}
	for i, fold := range result.Folds {
		if fold.Failed {
			t.Fatalf("fold %d failed: %s", i, fold.Error)
		}
		if fold.BestParams["a"] != 3 {
			t.Errorf("fold %d best a = %v, want 3", i, fold.BestParams["a"])
		}
		if !fold.TestStart.After(fold.TrainStart) || !fold.TestEnd.After(fold.TestStart) {
			t.Errorf("fold %d has malformed windows: %+v", i, fold)
		}
	}

	// In-sample and out-of-sample fitness match here, so efficiency is 1.
	if result.Efficiency < 0.99 || result.Efficiency > 1.01 {
		t.Errorf("efficiency = %v, want ~1", result.Efficiency)
	}
	if result.MeanTestFitness != 3 {
		t.Errorf("mean test fitness = %v, want 3", result.MeanTestFitness)
	}
}

func TestWalkForwardRangeTooShort(t *testing.T) {
	opt := optimization.New(zap.NewNop(), optimization.Config{Method: optimization.MethodGrid})

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := opt.WalkForward(context.Background(), optimization.WalkForwardConfig{
		Start:      start,
		End:        start.AddDate(0, 0, 10),
		WindowDays: 60,
		StepDays:   30,
	}, []optimization.Parameter{{Name: "a", Min: 1, Max: 2, Step: 1}},
		func(ctx context.Context, params optimization.ParamSet, s, e time.Time) (*types.BacktestResult, error) {
			return resultWithSharpe(1), nil
		})
	if err == nil {
		t.Fatal("WalkForward accepted a range shorter than one window")
	}
}

package opt

import (
	"context"
	"fmt"

	"github.com/sawpanic/retune/internal/backtest"
	"github.com/sawpanic/retune/internal/report/perf"
	"github.com/sawpanic/retune/internal/tune/segment"
	"github.com/sawpanic/retune/internal/tune/space"
)

// Score is what one trial contributes to the search
type Score struct {
	Objective   float64 `json:"objective"`
	MaxDrawdown float64 `json:"max_drawdown"`
}

// Objective scores a vector on a training window
type Objective interface {
	Evaluate(ctx context.Context, v space.Vector, window segment.Range) (Score, error)
}

// ObjectiveFunc adapts a function to Objective
type ObjectiveFunc func(ctx context.Context, v space.Vector, window segment.Range) (Score, error)

// Evaluate calls f
func (f ObjectiveFunc) Evaluate(ctx context.Context, v space.Vector, window segment.Range) (Score, error) {
	return f(ctx, v, window)
}

// BacktestObjective maximises train-window Sharpe less
// drawdownPenalty × max drawdown
type BacktestObjective struct {
	runner          *backtest.Runner
	calc            *perf.Calculator
	drawdownPenalty float64
}

// NewBacktestObjective creates an objective backed by the backtest engine.
// A zero drawdownPenalty scores on Sharpe alone.
func NewBacktestObjective(runner *backtest.Runner, calc *perf.Calculator, drawdownPenalty float64) *BacktestObjective {
	return &BacktestObjective{runner: runner, calc: calc, drawdownPenalty: drawdownPenalty}
}

// Evaluate runs the backtest and returns the penalised Sharpe and drawdown
func (o *BacktestObjective) Evaluate(ctx context.Context, v space.Vector, window segment.Range) (Score, error) {
	res, err := o.runner.Run(ctx, v, window.From, window.To)
	if err != nil {
		return Score{}, fmt.Errorf("backtest failed: %w", err)
	}
	m, err := o.calc.Calculate(res)
	if err != nil {
		return Score{}, fmt.Errorf("metrics failed: %w", err)
	}
	if m.Bars == 0 {
		return Score{}, fmt.Errorf("backtest returned no bars for %s..%s",
			window.From.Format("2006-01-02"), window.To.Format("2006-01-02"))
	}
	return Score{Objective: m.Sharpe - o.drawdownPenalty*m.MaxDrawdown, MaxDrawdown: m.MaxDrawdown}, nil
}

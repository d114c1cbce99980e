// Package oos evaluates parameter vectors on out-of-sample windows and
// decides how far their results can be trusted.
package oos

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/retune/internal/backtest"
	"github.com/sawpanic/retune/internal/report/perf"
	"github.com/sawpanic/retune/internal/tune/segment"
	"github.com/sawpanic/retune/internal/tune/space"
)

// SegmentMetrics is one parameter vector's result on one OOS window
type SegmentMetrics struct {
	SegmentID        string  `json:"segment_id"`
	Index            int     `json:"index"`
	Sharpe           float64 `json:"sharpe"`
	AnnualizedReturn float64 `json:"annualized_return"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	Bars             int     `json:"oos_bar_count"`
	Days             float64 `json:"oos_day_count"`
	Trades           int     `json:"oos_trade_count"`
	Error            string  `json:"error,omitempty"`
}

// Aggregate summarises all evaluated segments. Sharpe and annualized return
// are means over successful segments, drawdown is the worst, counts are sums.
type Aggregate struct {
	Sharpe           float64 `json:"sharpe"`
	AnnualizedReturn float64 `json:"annualized_return"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	Bars             int     `json:"bars"`
	Days             float64 `json:"days"`
	Trades           int     `json:"trades"`
	Segments         int     `json:"segments"`
	FailedSegments   int     `json:"failed_segments"`
}

// Sample returns the aggregate sample size
func (a Aggregate) Sample() Sample {
	return Sample{Bars: a.Bars, Days: a.Days, Trades: a.Trades}
}

// Stability measures how consistent Sharpe is across segments
type Stability struct {
	SharpeVariance float64 `json:"sharpe_variance"`
	SharpeStdDev   float64 `json:"sharpe_stddev"`
}

// CandidateResult is one parameter vector's behaviour across OOS segments.
// Returns and Trades hold the stitched OOS ledger for stress testing.
type CandidateResult struct {
	Params    space.Vector     `json:"params"`
	ParamHash string           `json:"param_hash"`
	Segments  []SegmentMetrics `json:"per_segment"`
	Aggregate Aggregate        `json:"aggregate"`
	Stability Stability        `json:"stability"`
	Returns   []float64        `json:"-"`
	Trades    []backtest.Trade `json:"-"`
}

// Evaluator runs vectors over OOS windows
type Evaluator struct {
	runner *backtest.Runner
	calc   *perf.Calculator
}

// NewEvaluator creates an evaluator
func NewEvaluator(runner *backtest.Runner, calc *perf.Calculator) *Evaluator {
	return &Evaluator{runner: runner, calc: calc}
}

// EvaluateSegment backtests v on seg's OOS window [oos_start, oos_end)
func (e *Evaluator) EvaluateSegment(ctx context.Context, v space.Vector, seg segment.Segment) (SegmentMetrics, *backtest.Result, error) {
	sm := SegmentMetrics{SegmentID: seg.ID, Index: seg.Index}

	res, err := e.runner.Run(ctx, v, seg.OOSStart, seg.OOSEnd)
	if err != nil {
		return sm, nil, fmt.Errorf("oos backtest on %s: %w", seg.ID, err)
	}

	m, err := e.calc.Calculate(res)
	if err != nil {
		return sm, nil, fmt.Errorf("oos metrics on %s: %w", seg.ID, err)
	}

	sm.Sharpe = m.Sharpe
	sm.AnnualizedReturn = m.AnnualizedReturn
	sm.MaxDrawdown = m.MaxDrawdown
	sm.Bars = m.Bars
	sm.Days = m.Days
	sm.Trades = m.Trades
	return sm, res, nil
}

// Evaluate runs v over each segment in order. A failing segment is recorded
// with its error and contributes nothing to the aggregate; context
// cancellation aborts the evaluation.
func (e *Evaluator) Evaluate(ctx context.Context, v space.Vector, segs []segment.Segment) (*CandidateResult, error) {
	result := &CandidateResult{
		Params:    v.Clone(),
		ParamHash: v.Hash(),
		Segments:  make([]SegmentMetrics, 0, len(segs)),
	}

	for _, seg := range segs {
		sm, res, err := e.EvaluateSegment(ctx, v, seg)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			sm.Error = err.Error()
			log.Warn().Err(err).
				Str("segment_id", seg.ID).
				Str("param_hash", result.ParamHash[:12]).
				Msg("OOS segment evaluation failed")
		} else {
			result.Returns = append(result.Returns, res.Returns()...)
			result.Trades = append(result.Trades, res.Trades...)
		}
		result.Segments = append(result.Segments, sm)
	}

	result.Aggregate, result.Stability = aggregate(result.Segments)
	return result, nil
}

func aggregate(segs []SegmentMetrics) (Aggregate, Stability) {
	var agg Aggregate
	var sharpes, anns []float64

	for _, s := range segs {
		agg.Segments++
		if s.Error != "" {
			agg.FailedSegments++
			continue
		}
		sharpes = append(sharpes, s.Sharpe)
		anns = append(anns, s.AnnualizedReturn)
		agg.MaxDrawdown = math.Max(agg.MaxDrawdown, s.MaxDrawdown)
		agg.Bars += s.Bars
		agg.Days += s.Days
		agg.Trades += s.Trades
	}

	var stab Stability
	if len(sharpes) > 0 {
		agg.Sharpe = stat.Mean(sharpes, nil)
		agg.AnnualizedReturn = stat.Mean(anns, nil)
		_, stab.SharpeVariance = stat.PopMeanVariance(sharpes, nil)
		stab.SharpeStdDev = math.Sqrt(stab.SharpeVariance)
	}
	return agg, stab
}

// Package perf computes performance metrics from a backtest ledger
package perf

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/sawpanic/retune/internal/backtest"
)

// Metrics contains the performance of one strategy run over one window
type Metrics struct {
	// Risk-Adjusted
	Sharpe      float64 `json:"sharpe"`       // Annualized Sharpe ratio
	MaxDrawdown float64 `json:"max_drawdown"` // Fraction of running peak equity
	Volatility  float64 `json:"volatility"`   // Annualized volatility

	// Returns
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn float64 `json:"annualized_return"` // Geometric

	// Trades
	HitRate float64 `json:"hit_rate"`

	// Sample size
	Bars   int     `json:"bars"`
	Days   float64 `json:"days"`
	Trades int     `json:"trades"`

	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// CalculatorConfig holds configuration for performance calculations
type CalculatorConfig struct {
	RiskFreeRate float64       `yaml:"risk_free_rate" json:"risk_free_rate"`             // Annual risk-free rate
	DaysPerYear  float64       `yaml:"days_per_year" json:"days_per_year" default:"365"` // Crypto trades every day
	BarInterval  time.Duration `yaml:"bar_interval" json:"bar_interval"`                 // Inferred from timestamps when zero
}

// DefaultCalculatorConfig returns sensible defaults
func DefaultCalculatorConfig() CalculatorConfig {
	return CalculatorConfig{
		RiskFreeRate: 0,
		DaysPerYear:  365,
	}
}

// Calculator computes Metrics from backtest results
type Calculator struct {
	config CalculatorConfig
}

// NewCalculator creates a new performance calculator
func NewCalculator(config CalculatorConfig) *Calculator {
	if config.DaysPerYear <= 0 {
		config.DaysPerYear = 365
	}
	return &Calculator{config: config}
}

// Calculate computes metrics. An empty result yields zero metrics, which the
// sample-size gate then treats as too small.
func (c *Calculator) Calculate(res *backtest.Result) (Metrics, error) {
	var m Metrics
	if res == nil || len(res.BarReturns) == 0 {
		if res != nil {
			m.Trades = len(res.Trades)
		}
		return m, nil
	}

	bars := make([]backtest.BarReturn, len(res.BarReturns))
	copy(bars, res.BarReturns)
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })

	returns := make([]float64, len(bars))
	for i, b := range bars {
		if math.IsNaN(b.Return) || math.IsInf(b.Return, 0) || b.Return <= -1 {
			return m, fmt.Errorf("invalid bar return %g at %s", b.Return, b.Time.Format(time.RFC3339))
		}
		returns[i] = b.Return
	}

	interval := c.config.BarInterval
	if interval <= 0 {
		interval = inferInterval(bars)
	}

	m.Bars = len(bars)
	m.Trades = len(res.Trades)
	m.Start = bars[0].Time
	m.End = bars[len(bars)-1].Time.Add(interval)
	m.Days = m.End.Sub(m.Start).Hours() / 24

	periodsPerYear := c.config.DaysPerYear * 24 * float64(time.Hour) / float64(interval)

	m.TotalReturn = Compound(returns)
	m.MaxDrawdown = MaxDrawdown(returns)

	years := float64(m.Bars) / periodsPerYear
	if years > 0 {
		if m.TotalReturn <= -1 {
			m.AnnualizedReturn = -1
		} else {
			m.AnnualizedReturn = math.Pow(1+m.TotalReturn, 1/years) - 1
		}
	}

	if len(returns) > 1 {
		mean, std := stat.MeanStdDev(returns, nil)
		m.Volatility = std * math.Sqrt(periodsPerYear)
		if std > 0 {
			rfPerBar := c.config.RiskFreeRate / periodsPerYear
			m.Sharpe = (mean - rfPerBar) / std * math.Sqrt(periodsPerYear)
		}
	}

	if len(res.Trades) > 0 {
		wins := 0
		for _, t := range res.Trades {
			if t.NetReturn() > 0 {
				wins++
			}
		}
		m.HitRate = float64(wins) / float64(len(res.Trades))
	}

	return m, nil
}

// inferInterval is the median spacing between bars, one hour if unknown
func inferInterval(bars []backtest.BarReturn) time.Duration {
	if len(bars) < 2 {
		return time.Hour
	}
	gaps := make([]float64, 0, len(bars)-1)
	for i := 1; i < len(bars); i++ {
		if d := bars[i].Time.Sub(bars[i-1].Time); d > 0 {
			gaps = append(gaps, float64(d))
		}
	}
	if len(gaps) == 0 {
		return time.Hour
	}
	sort.Float64s(gaps)
	return time.Duration(stat.Quantile(0.5, stat.Empirical, gaps, nil))
}

// Compound returns the total compounded return of a series
func Compound(returns []float64) float64 {
	equity := 1.0
	for _, r := range returns {
		equity *= 1 + r
	}
	return equity - 1
}

// MaxDrawdown is the largest peak-to-trough loss of the compounded equity
// curve, as a fraction of the peak. The curve starts at 1.
func MaxDrawdown(returns []float64) float64 {
	equity, peak, maxDD := 1.0, 1.0, 0.0
	for _, r := range returns {
		equity *= 1 + r
		if equity > peak {
			peak = equity
			continue
		}
		if dd := (peak - equity) / peak; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// Package backtest defines the contract of the external backtest engine and
// the ledger types it returns.
package backtest

import (
	"context"
	"time"

	"github.com/sawpanic/retune/internal/marketdata"
)

// Trade is one closed position. Costs are fractions of notional and positive
// values reduce the return.
type Trade struct {
	ID          string    `json:"id"`
	Side        string    `json:"side"`
	EntryTime   time.Time `json:"entry_time"`
	ExitTime    time.Time `json:"exit_time"`
	GrossReturn float64   `json:"gross_return"`
	Fee         float64   `json:"fee"`
	Slippage    float64   `json:"slippage"`
	Funding     float64   `json:"funding"`
}

// NetReturn is the trade return after all costs
func (t Trade) NetReturn() float64 {
	return t.GrossReturn - t.Fee - t.Slippage - t.Funding
}

// BarReturn is the strategy's equity return over one bar
type BarReturn struct {
	Time   time.Time `json:"time"`
	Return float64   `json:"return"`
}

// Result is the engine's output for one parameter set and one window
type Result struct {
	BarReturns []BarReturn `json:"bar_returns"`
	Trades     []Trade     `json:"trades"`
}

// Returns extracts the plain per-bar return series
func (r *Result) Returns() []float64 {
	out := make([]float64, len(r.BarReturns))
	for i, b := range r.BarReturns {
		out[i] = b.Return
	}
	return out
}

// Window is a half-open time range [From, To)
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Request is one backtest invocation
type Request struct {
	Symbol    string             `json:"symbol"`
	Timeframe string             `json:"timeframe"`
	Params    map[string]any     `json:"params"`
	Raw       map[string]float64 `json:"raw_params"`
	Window    Window             `json:"window"`
	Bars      []marketdata.Bar   `json:"bars"`
}

// Backtester runs a strategy over a window. Implementations must be
// deterministic for identical requests.
type Backtester interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to the Backtester interface
type Func func(ctx context.Context, req Request) (*Result, error)

// Run calls f
func (f Func) Run(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

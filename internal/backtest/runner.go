package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/sawpanic/retune/internal/marketdata"
	"github.com/sawpanic/retune/internal/tune/space"
)

// Runner binds an engine to one instrument's bar series and a parameter
// space, so callers only pass a vector and a window.
type Runner struct {
	Engine    Backtester
	Space     *space.Space
	Symbol    string
	Timeframe string
	Bars      []marketdata.Bar
}

// Run backtests v over [from, to). A window with no bars still reaches the
// engine, which reports an empty ledger.
func (r *Runner) Run(ctx context.Context, v space.Vector, from, to time.Time) (*Result, error) {
	if r.Engine == nil {
		return nil, fmt.Errorf("no backtest engine configured")
	}
	res, err := r.Engine.Run(ctx, Request{
		Symbol:    r.Symbol,
		Timeframe: r.Timeframe,
		Params:    r.Space.Decode(v),
		Raw:       v,
		Window:    Window{From: from, To: to},
		Bars:      marketdata.Slice(r.Bars, from, to),
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return &Result{}, nil
	}
	return res, nil
}

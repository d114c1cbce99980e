// Package montecarlo estimates tail drawdown by resampling and perturbing a
// candidate's realized OOS ledger.
package montecarlo

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sawpanic/retune/internal/backtest"
	"github.com/sawpanic/retune/internal/report/perf"
)

const (
	BootstrapMethod    = "circular_block_bootstrap"
	PerturbationMethod = "cost_perturbation"
)

type family uint64

const (
	familyBootstrap family = iota + 1
	familyPerturbation
)

// Dist is a normal distribution (mean, std)
type Dist struct {
	Mean float64 `yaml:"mean" json:"mean"`
	Std  float64 `yaml:"std" json:"std" validate:"gte=0"`
}

// Config controls the stress test
type Config struct {
	Runs     int    `yaml:"runs" json:"runs" default:"1000" validate:"gte=1"`
	BlockLen int    `yaml:"block_len" json:"block_len" default:"24" validate:"gte=1"`
	Seed     uint64 `yaml:"seed" json:"seed" default:"42"`
	Workers  int    `yaml:"workers" json:"workers" default:"4" validate:"gte=1"`

	// Additive noise on each trade's realized costs, clamped at zero
	Slippage Dist `yaml:"slippage" json:"slippage" default:"{\"mean\":0.0002,\"std\":0.0002}"`
	Fee      Dist `yaml:"fee" json:"fee" default:"{\"mean\":0,\"std\":0.0001}"`
	// Multiplier on each trade's realized funding
	Funding Dist `yaml:"funding" json:"funding" default:"{\"mean\":1,\"std\":0.25}"`

	// p99 drawdown above this marks the candidate catastrophic; zero disables
	CatastrophicDrawdown float64 `yaml:"catastrophic_drawdown" json:"catastrophic_drawdown" default:"0.5"`
}

// DefaultConfig returns defaults suited to hourly crypto bars
func DefaultConfig() Config {
	return Config{
		Runs:                 1000,
		BlockLen:             24,
		Seed:                 42,
		Workers:              4,
		Slippage:             Dist{Mean: 0.0002, Std: 0.0002},
		Fee:                  Dist{Mean: 0, Std: 0.0001},
		Funding:              Dist{Mean: 1, Std: 0.25},
		CatastrophicDrawdown: 0.5,
	}
}

// StressResult is the tail-risk estimate attached to a candidate
type StressResult struct {
	P95Drawdown        float64 `json:"p95_drawdown"`
	P99Drawdown        float64 `json:"p99_drawdown"`
	BootstrapMethod    string  `json:"bootstrap_method"`
	PerturbationMethod string  `json:"perturbation_method"`
	RunCount           int     `json:"run_count"`
	Catastrophic       bool    `json:"catastrophic"`
}

// Tester runs both resampling families
type Tester struct {
	config Config
}

// NewTester creates a stress tester
func NewTester(config Config) *Tester {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.BlockLen < 1 {
		config.BlockLen = 1
	}
	return &Tester{config: config}
}

// Run stress-tests the per-bar returns and trade ledger. Each synthetic run
// draws from its own generator seeded by (seed, family, run), so the result
// does not depend on worker scheduling.
func (t *Tester) Run(ctx context.Context, returns []float64, trades []backtest.Trade) (StressResult, error) {
	start := time.Now()
	res := StressResult{BootstrapMethod: BootstrapMethod, PerturbationMethod: PerturbationMethod}

	if t.config.Runs <= 0 || (len(returns) == 0 && len(trades) == 0) {
		return res, nil
	}

	var boot, pert []float64
	if len(returns) > 0 {
		boot = make([]float64, t.config.Runs)
	}
	if len(trades) > 0 {
		pert = make([]float64, t.config.Runs)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.config.Workers)

	for i := 0; i < t.config.Runs; i++ {
		if boot != nil {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				boot[i] = t.bootstrapRun(returns, t.rng(familyBootstrap, i))
				return nil
			})
		}
		if pert != nil {
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				pert[i] = t.perturbationRun(trades, t.rng(familyPerturbation, i))
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return res, fmt.Errorf("monte carlo aborted: %w", err)
	}

	pooled := make([]float64, 0, len(boot)+len(pert))
	pooled = append(pooled, boot...)
	pooled = append(pooled, pert...)
	sort.Float64s(pooled)

	res.RunCount = len(pooled)
	res.P95Drawdown = stat.Quantile(0.95, stat.Empirical, pooled, nil)
	res.P99Drawdown = stat.Quantile(0.99, stat.Empirical, pooled, nil)
	res.Catastrophic = t.config.CatastrophicDrawdown > 0 && res.P99Drawdown > t.config.CatastrophicDrawdown

	log.Debug().
		Int("runs", res.RunCount).
		Float64("p95_dd", res.P95Drawdown).
		Float64("p99_dd", res.P99Drawdown).
		Dur("elapsed", time.Since(start)).
		Msg("Monte Carlo stress test completed")

	return res, nil
}

func (t *Tester) rng(f family, i int) *rand.Rand {
	return rand.New(rand.NewPCG(t.config.Seed, uint64(f)<<48|uint64(i)))
}

// bootstrapRun builds one synthetic series of the same length from circular
// blocks and returns its max drawdown
func (t *Tester) bootstrapRun(returns []float64, rng *rand.Rand) float64 {
	n := len(returns)
	block := t.config.BlockLen
	if block > n {
		block = n
	}

	synthetic := make([]float64, 0, n)
	for len(synthetic) < n {
		start := rng.IntN(n)
		for j := 0; j < block && len(synthetic) < n; j++ {
			synthetic = append(synthetic, returns[(start+j)%n])
		}
	}
	return perf.MaxDrawdown(synthetic)
}

// perturbationRun replays the ledger with redrawn costs and returns the
// drawdown of the per-trade equity curve
func (t *Tester) perturbationRun(trades []backtest.Trade, rng *rand.Rand) float64 {
	slip := distuv.Normal{Mu: t.config.Slippage.Mean, Sigma: t.config.Slippage.Std, Src: rng}
	fee := distuv.Normal{Mu: t.config.Fee.Mean, Sigma: t.config.Fee.Std, Src: rng}
	funding := distuv.Normal{Mu: t.config.Funding.Mean, Sigma: t.config.Funding.Std, Src: rng}

	net := make([]float64, len(trades))
	for i, tr := range trades {
		s := math.Max(0, tr.Slippage+draw(slip))
		f := math.Max(0, tr.Fee+draw(fee))
		fu := tr.Funding * draw(funding)
		r := tr.GrossReturn - s - f - fu
		if r < -1 {
			r = -1
		}
		net[i] = r
	}
	return perf.MaxDrawdown(net)
}

// draw avoids consuming randomness for degenerate distributions
func draw(d distuv.Normal) float64 {
	if d.Sigma == 0 {
		return d.Mu
	}
	return d.Rand()
}

// Package optimization runs one full re-tuning cycle: load data, segment it,
// search every segment, re-score the pooled top trials out of sample, stress
// the winner, gate it against the live baseline and hand an approved winner
// to the rollout supervisor.
package optimization

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/retune/internal/backtest"
	"github.com/sawpanic/retune/internal/config"
	"github.com/sawpanic/retune/internal/gates"
	"github.com/sawpanic/retune/internal/lock"
	applog "github.com/sawpanic/retune/internal/log"
	"github.com/sawpanic/retune/internal/marketdata"
	"github.com/sawpanic/retune/internal/metrics"
	"github.com/sawpanic/retune/internal/notify"
	"github.com/sawpanic/retune/internal/persistence"
	"github.com/sawpanic/retune/internal/report/perf"
	"github.com/sawpanic/retune/internal/rollout"
	"github.com/sawpanic/retune/internal/runtime"
	"github.com/sawpanic/retune/internal/tune/montecarlo"
	"github.com/sawpanic/retune/internal/tune/oos"
	"github.com/sawpanic/retune/internal/tune/opt"
	"github.com/sawpanic/retune/internal/tune/segment"
	"github.com/sawpanic/retune/internal/tune/space"
	"github.com/sawpanic/retune/internal/versions"
)

// Locker serialises the deploy phase across processes
type Locker interface {
	WithLock(ctx context.Context, fn func(ctx context.Context) error) error
}

// Deps are the collaborators of a run. Locker, Metrics and Events are
// optional.
type Deps struct {
	Market     marketdata.Provider
	Engine     backtest.Backtester
	Repo       *persistence.Repository
	Versions   *versions.Store
	Supervisor *rollout.Supervisor
	Locker     Locker
	Metrics    *metrics.Registry
	Events     notify.Publisher
}

// Orchestrator runs full optimization cycles
type Orchestrator struct {
	config *config.Config
	deps   Deps
	now    func() time.Time
	newID  func() string
}

// New validates deps and returns an orchestrator
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	switch {
	case cfg == nil:
		return nil, errors.New("config is required")
	case deps.Market == nil:
		return nil, errors.New("market data provider is required")
	case deps.Engine == nil:
		return nil, errors.New("backtest engine is required")
	case deps.Repo == nil || deps.Repo.Trials == nil || deps.Repo.Runs == nil:
		return nil, errors.New("trial and run repositories are required")
	case deps.Versions == nil:
		return nil, errors.New("version store is required")
	case deps.Supervisor == nil:
		return nil, errors.New("rollout supervisor is required")
	}
	if deps.Events == nil {
		deps.Events = notify.Discard
	}
	return &Orchestrator{
		config: cfg,
		deps:   deps,
		now:    time.Now,
		newID:  uuid.NewString,
	}, nil
}

// poolEntry is a pooled top trial and the first segment it came from
type poolEntry struct {
	params space.Vector
	hash   string
	origin int
}

// cycle carries the state of one run between phases
type cycle struct {
	o      *Orchestrator
	sum    *Summary
	stage  metrics.Stage
	space  *space.Space
	runner *backtest.Runner
	calc   *perf.Calculator
	segs   []segment.Segment
	pool   []poolEntry
	best   *oos.CandidateResult
	origin int
	cand   *rollout.Candidate
	cmp    *oos.Comparison
	stress *montecarlo.StressResult
}

// Run executes one cycle. The returned summary is always populated, also on
// error; errors are DataError, DeploymentIOError, TimeoutError or a wrapped
// infrastructure failure.
func (o *Orchestrator) Run(ctx context.Context) (*Summary, error) {
	start := o.now().UTC()
	sum := &Summary{
		RunID:     o.newID(),
		StartedAt: start,
		Deploy:    o.config.Deploy.Enabled,
	}

	log.Info().
		Str("run_id", sum.RunID).
		Str("symbol", o.config.Data.Symbol).
		Str("timeframe", o.config.Data.Timeframe).
		Bool("deploy", sum.Deploy).
		Dur("timeout", o.config.Timeout).
		Msg("Optimization run started")

	runCtx, cancel := context.WithTimeout(ctx, o.config.Timeout)
	defer cancel()

	c := &cycle{o: o, sum: sum, stage: metrics.StageLoad}
	err := c.run(runCtx)
	if err != nil && runCtx.Err() != nil && ctx.Err() == nil &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		err = &TimeoutError{Budget: o.config.Timeout, Elapsed: o.now().Sub(start), Stage: string(c.stage)}
	}

	c.finish(ctx, err)
	return sum, err
}

func (c *cycle) run(ctx context.Context) error {
	phases := []struct {
		stage metrics.Stage
		fn    func(context.Context) error
	}{
		{metrics.StageLoad, c.load},
		{metrics.StageSearch, c.search},
		{metrics.StageOOS, c.evaluate},
		{metrics.StageStress, c.stressTest},
		{metrics.StageGate, c.gate},
	}
	for _, p := range phases {
		if c.sum.Outcome != "" {
			return nil
		}
		if err := c.step(ctx, p.stage, p.fn); err != nil {
			return err
		}
	}
	return nil
}

// step times fn under stage
func (c *cycle) step(ctx context.Context, stage metrics.Stage, fn func(context.Context) error) error {
	c.stage = stage
	var timer *metrics.StepTimer
	if m := c.o.deps.Metrics; m != nil {
		timer = m.StartStep(stage)
	}
	err := fn(ctx)
	if timer != nil {
		switch {
		case err == nil:
			timer.Stop(metrics.ResultSuccess)
		case errors.Is(err, context.DeadlineExceeded):
			timer.Stop(metrics.ResultTimeout)
		default:
			timer.Stop(metrics.ResultError)
		}
	}
	return err
}

func (c *cycle) load(ctx context.Context) error {
	cfg := c.o.config
	sp, err := cfg.ParameterSpace()
	if err != nil {
		return fmt.Errorf("parameter space: %w", err)
	}
	c.space = sp

	to := cfg.Data.To
	if to.IsZero() {
		to = c.o.now().UTC()
	}
	bars, err := c.o.deps.Market.FetchOHLCV(ctx, cfg.Data.Symbol, cfg.Data.Timeframe, cfg.Data.From, to)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &DataError{Stage: "load", Err: err}
	}
	if len(bars) == 0 {
		return &DataError{Stage: "load", Err: marketdata.ErrNoData}
	}
	c.sum.Bars = len(bars)

	rng := segment.Range{From: cfg.Data.From, To: cfg.Data.To}
	if rng.From.IsZero() {
		rng.From = bars[0].Time
	}
	if rng.To.IsZero() {
		rng.To = bars[len(bars)-1].Time.Add(barStep(bars))
	}

	c.stage = metrics.StageSegment
	sg, err := segment.New(rng, cfg.Windows.Segmenter())
	if err != nil {
		return &DataError{Stage: "segment", Err: err}
	}
	c.segs = sg.All()
	if len(c.segs) == 0 {
		return &DataError{Stage: "segment", Err: &segment.InsufficientDataError{Range: rng}}
	}

	c.runner = &backtest.Runner{
		Engine:    c.o.deps.Engine,
		Space:     sp,
		Symbol:    cfg.Data.Symbol,
		Timeframe: cfg.Data.Timeframe,
		Bars:      bars,
	}
	c.calc = perf.NewCalculator(cfg.Backtest.Perf)

	log.Info().
		Str("run_id", c.sum.RunID).
		Int("bars", len(bars)).
		Int("segments", len(c.segs)).
		Time("from", rng.From).
		Time("to", rng.To).
		Msg("Data loaded and segmented")
	return nil
}

// barStep is the spacing of the last two bars
func barStep(bars []marketdata.Bar) time.Duration {
	if n := len(bars); n > 1 {
		if d := bars[n-1].Time.Sub(bars[n-2].Time); d > 0 {
			return d
		}
	}
	return time.Nanosecond
}

func (c *cycle) search(ctx context.Context) error {
	cfg := c.o.config
	m := c.o.deps.Metrics

	progress := applog.NewTrialProgress("Search", len(c.segs)*cfg.Search.Trials, 0)
	hook := func(t persistence.Trial) {
		progress.Increment(t.Status == persistence.TrialFailed)
		if m != nil {
			m.Trials.WithLabelValues(t.SegmentID, string(t.Status)).Inc()
		}
	}
	search := opt.NewSearch(cfg.Search, c.space, c.o.deps.Repo.Trials,
		opt.NewBacktestObjective(c.runner, c.calc, cfg.Search.DrawdownPenalty),
		opt.WithRunID(c.sum.RunID),
		opt.WithTrialHook(hook))

	tops := make([][]persistence.Trial, len(c.segs))
	for i, seg := range c.segs {
		ss := SegmentSummary{
			ID:         seg.ID,
			Index:      seg.Index,
			TrainStart: seg.TrainStart,
			OOSStart:   seg.OOSStart,
			OOSEnd:     seg.OOSEnd,
			Widened:    seg.Widened,
		}
		res, err := search.Run(ctx, seg)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// one broken segment does not sink the run
			ss.Error = err.Error()
			log.Warn().Err(err).Str("segment", seg.ID).Msg("Segment search failed")
			c.sum.Segments = append(c.sum.Segments, ss)
			continue
		}

		ss.Scored, ss.Failed = res.Scored, res.Failed
		ss.Duplicates, ss.BadRegions = res.Duplicates, res.BadRegions
		ss.Exhausted = res.Exhausted
		if len(res.Top) > 0 {
			best := res.Top[0].Objective
			ss.BestObjective = &best
		}
		c.sum.Segments = append(c.sum.Segments, ss)
		c.sum.Trials += res.Scored + res.Failed
		c.sum.FailedTrials += res.Failed
		tops[i] = res.Top

		if m != nil {
			m.Duplicates.Add(float64(res.Duplicates))
			m.BadRegions.Add(float64(res.BadRegions))
		}
	}
	progress.Finish()

	c.pool = buildPool(tops)
	c.sum.PoolSize = len(c.pool)
	if len(c.pool) == 0 {
		log.Warn().Str("run_id", c.sum.RunID).Msg("No scored trials to evaluate out of sample")
		c.sum.Outcome = OutcomeNoCandidate
	}
	return nil
}

// buildPool unions the per-segment top trials. A vector found by several
// segments keeps its earliest origin so it is evaluated on the most OOS data.
func buildPool(tops [][]persistence.Trial) []poolEntry {
	seen := make(map[string]bool)
	var pool []poolEntry
	for i, top := range tops {
		for _, t := range top {
			if seen[t.ParamHash] {
				continue
			}
			seen[t.ParamHash] = true
			pool = append(pool, poolEntry{params: space.Vector(t.Params).Clone(), hash: t.ParamHash, origin: i})
		}
	}
	return pool
}

func (c *cycle) evaluate(ctx context.Context) error {
	cfg := c.o.config
	eval := oos.NewEvaluator(c.runner, c.calc)

	results := make([]*oos.CandidateResult, len(c.pool))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Search.Workers)
	for i, p := range c.pool {
		g.Go(func() error {
			res, err := eval.Evaluate(gctx, p.params, c.segs[p.origin:])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	bestIdx := -1
	var bestScore float64
	for i, res := range results {
		if res == nil || res.Aggregate.Segments == res.Aggregate.FailedSegments {
			continue
		}
		score := res.Aggregate.Sharpe - cfg.OOS.StabilityPenalty*res.Stability.SharpeStdDev
		if bestIdx < 0 || score > bestScore ||
			(score == bestScore && res.ParamHash < results[bestIdx].ParamHash) {
			bestIdx, bestScore = i, score
		}
	}
	if bestIdx < 0 {
		log.Warn().Str("run_id", c.sum.RunID).Int("pool", len(c.pool)).Msg("No pooled candidate produced OOS metrics")
		c.sum.Outcome = OutcomeNoCandidate
		return nil
	}

	c.best = results[bestIdx]
	c.origin = c.pool[bestIdx].origin
	c.sum.Best = &CandidateSummary{
		Params:        c.best.Params,
		ParamHash:     c.best.ParamHash,
		Score:         bestScore,
		OriginSegment: c.segs[c.origin].ID,
		Segments:      c.best.Segments,
		Aggregate:     c.best.Aggregate,
		Stability:     c.best.Stability,
	}

	baseline, err := c.baseline(ctx, eval)
	if err != nil {
		return err
	}
	if baseline != nil {
		agg := baseline.Aggregate
		c.sum.Baseline = &agg
	}
	cmp := oos.Compare(c.best, baseline, cfg.OOS.Thresholds)
	c.cmp = &cmp
	c.sum.Comparison = &cmp

	log.Info().
		Str("run_id", c.sum.RunID).
		Str("param_hash", c.best.ParamHash[:12]).
		Float64("score", bestScore).
		Float64("oos_sharpe", c.best.Aggregate.Sharpe).
		Str("mode", string(cmp.Mode)).
		Msg("Best candidate selected")
	return nil
}

// baseline evaluates the live version on the same segments as the winner.
// With no live version the comparison runs in absolute mode.
func (c *cycle) baseline(ctx context.Context, eval *oos.Evaluator) (*oos.CandidateResult, error) {
	ptr, err := c.o.deps.Versions.Current()
	if errors.Is(err, versions.ErrNoCurrent) {
		return nil, nil
	}
	if err != nil {
		return nil, &DeploymentIOError{Op: "read current pointer", Err: err}
	}
	v, err := c.o.deps.Versions.Get(ptr.VersionID)
	if err != nil {
		return nil, &DeploymentIOError{Op: "read version " + ptr.VersionID, Err: err}
	}
	c.sum.BaselineVersion = v.ID
	return eval.Evaluate(ctx, v.Params, c.segs[c.origin:])
}

func (c *cycle) stressTest(ctx context.Context) error {
	res, err := montecarlo.NewTester(c.o.config.MonteCarlo).Run(ctx, c.best.Returns, c.best.Trades)
	if err != nil {
		return err
	}
	c.stress = &res
	c.sum.Stress = &res
	return nil
}

func (c *cycle) gate(ctx context.Context) error {
	sup := c.o.deps.Supervisor
	cand, err := sup.Propose(ctx, c.sum.RunID, c.best.Params)
	if err != nil {
		return fmt.Errorf("propose candidate: %w", err)
	}
	c.track(cand)

	decision := gates.NewDeploymentGate(c.o.config.Gate, c.space).Evaluate(gates.DeployInput{
		Params:     c.best.Params,
		Comparison: *c.cmp,
		Stress:     *c.stress,
	})
	c.sum.Decision = decision
	if m := c.o.deps.Metrics; m != nil {
		m.ObserveGate(decision.Approved, string(decision.Mode), c.sum.FailedChecks())
	}

	if !decision.Approved {
		cand, err = sup.Decide(ctx, cand.ID, false, "", decision.FailureReasons)
		if err != nil {
			return fmt.Errorf("reject candidate: %w", err)
		}
		c.track(cand)
		c.sum.Outcome = OutcomeRejected
		return nil
	}

	return c.step(ctx, metrics.StageDeploy, func(ctx context.Context) error {
		if c.o.config.Deploy.Enabled && c.o.config.Deploy.Lock && c.o.deps.Locker != nil {
			err := c.o.deps.Locker.WithLock(ctx, c.deploy)
			if errors.Is(err, lock.ErrNotAcquired) || errors.Is(err, lock.ErrLost) {
				return &DeploymentIOError{Op: "deploy lock", Err: err}
			}
			return err
		}
		return c.deploy(ctx)
	})
}

// deploy stores the approved version and moves the candidate as far as
// policy allows. Any failure leaves the previous live pointer in place.
func (c *cycle) deploy(ctx context.Context) error {
	sup := c.o.deps.Supervisor
	agg := c.best.Aggregate

	v, err := c.o.deps.Versions.Save(
		versions.Snapshot{
			Params:    c.best.Params,
			Decoded:   c.space.Decode(c.best.Params),
			SpaceHash: c.space.Fingerprint(),
		},
		versions.Metadata{
			RunID:       c.sum.RunID,
			CandidateID: c.cand.ID,
			Source:      "optimization",
			Metrics: map[string]float64{
				"oos_sharpe":            agg.Sharpe,
				"oos_annualized_return": agg.AnnualizedReturn,
				"oos_max_drawdown":      agg.MaxDrawdown,
				"stress_p99_drawdown":   c.stress.P99Drawdown,
			},
			Reasons: c.sum.Decision.PassedGates,
		})
	if err != nil {
		return &DeploymentIOError{Op: "save version", Err: err}
	}
	c.sum.VersionID = v.ID

	cand, err := sup.Decide(ctx, c.cand.ID, true, v.ID, nil)
	if err != nil {
		return fmt.Errorf("approve candidate: %w", err)
	}
	c.track(cand)
	c.sum.Outcome = OutcomeApproved

	if !c.o.config.Deploy.Enabled || !sup.Config().AutoPaper {
		log.Info().Str("candidate_id", cand.ID).Str("version_id", v.ID).Msg("Candidate staged; deployment not requested")
		return nil
	}

	cand, err = sup.PromotePaper(ctx, cand.ID, "run "+c.sum.RunID)
	if err != nil {
		return fmt.Errorf("promote to paper: %w", err)
	}
	c.track(cand)
	if sup.Config().PaperSource != rollout.PaperSourceOOS {
		// runtime paper metrics arrive later through `candidates check`
		return nil
	}

	cand, err = sup.CheckPaper(ctx, cand.ID, &runtime.Metrics{
		VersionID:   v.ID,
		Sharpe:      agg.Sharpe,
		MaxDrawdown: agg.MaxDrawdown,
		Trades:      agg.Trades,
		Since:       c.segs[c.origin].OOSStart,
	})
	if cand != nil {
		c.track(cand)
	}
	if err != nil {
		if errors.Is(err, rollout.ErrDeploy) {
			return &DeploymentIOError{Op: "promote live", Err: err}
		}
		return fmt.Errorf("check paper: %w", err)
	}

	switch cand.Status {
	case rollout.StatusLive:
		c.sum.Outcome = OutcomeDeployed
	case rollout.StatusRejected:
		c.sum.Outcome = OutcomePaperRejected
	}
	return nil
}

func (c *cycle) track(cand *rollout.Candidate) {
	c.cand = cand
	c.sum.CandidateID = cand.ID
	c.sum.CandidateStatus = string(cand.Status)
}

// finish persists and publishes the summary. It runs on a detached context
// so a timed-out run still leaves its record.
func (c *cycle) finish(ctx context.Context, runErr error) {
	o, sum := c.o, c.sum
	sum.FinishedAt = o.now().UTC()
	if runErr != nil {
		sum.Error = runErr.Error()
		var te *TimeoutError
		if errors.As(runErr, &te) {
			sum.Outcome = OutcomeTimeout
		} else {
			sum.Outcome = OutcomeFailed
		}
	}
	sum.Log()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	payload, err := json.Marshal(sum)
	if err != nil {
		log.Error().Err(err).Str("run_id", sum.RunID).Msg("Failed to encode run summary")
	}
	rec := persistence.RunRecord{
		ID:         sum.RunID,
		StartedAt:  sum.StartedAt,
		FinishedAt: sum.FinishedAt,
		Outcome:    sum.Outcome,
		Summary:    payload,
	}
	if err := c.step(pctx, metrics.StagePersist, func(ctx context.Context) error {
		return o.deps.Repo.Runs.SaveRun(ctx, rec)
	}); err != nil {
		log.Error().Err(err).Str("run_id", sum.RunID).Msg("Failed to persist run summary")
	}

	if m := o.deps.Metrics; m != nil {
		c.observe(m)
		if err := m.Push(pctx, o.config.Metrics, sum.RunID); err != nil {
			log.Warn().Err(err).Str("run_id", sum.RunID).Msg("Metrics push failed")
		}
	}

	reasons := sum.FailedChecks()
	if sum.Error != "" {
		reasons = append(reasons, sum.Error)
	}
	o.deps.Events.Publish(notify.Event{
		Type:        notify.EventRunSummary,
		RunID:       sum.RunID,
		CandidateID: sum.CandidateID,
		VersionID:   sum.VersionID,
		Reasons:     reasons,
		Payload:     payload,
		Time:        sum.FinishedAt,
	})
}

func (c *cycle) observe(m *metrics.Registry) {
	sum := c.sum
	m.Runs.WithLabelValues(sum.Outcome).Inc()
	m.LastRun.Set(float64(sum.FinishedAt.Unix()))
	if sum.Best != nil {
		m.OOSSharpe.WithLabelValues("candidate").Set(sum.Best.Aggregate.Sharpe)
	}
	if sum.Baseline != nil {
		m.OOSSharpe.WithLabelValues("baseline").Set(sum.Baseline.Sharpe)
	}
	for _, s := range sum.Segments {
		if s.BestObjective != nil {
			m.BestObjective.Set(*s.BestObjective)
		}
	}
	if sum.Stress != nil {
		m.StressP99DD.Set(sum.Stress.P99Drawdown)
	}
	if c.cand != nil {
		for _, h := range c.cand.History {
			m.Transitions.WithLabelValues(h.To).Inc()
		}
	}
}

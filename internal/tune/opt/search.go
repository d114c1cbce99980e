// Package opt implements the warm-started Bayesian parameter search. The
// search holds no state beyond what the trial store persists.
package opt

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/retune/internal/persistence"
	"github.com/sawpanic/retune/internal/tune/segment"
	"github.com/sawpanic/retune/internal/tune/space"
)

// errExhausted means no unseen vector could be found
var errExhausted = errors.New("no unseen parameter vector left")

// Result holds one segment's search outcome
type Result struct {
	SegmentID  string              `json:"segment_id"`
	Trials     []persistence.Trial `json:"trials"`
	Scored     int                 `json:"scored"`
	Failed     int                 `json:"failed"`
	Duplicates int                 `json:"duplicates"`
	BadRegions int                 `json:"bad_regions"`
	Exhausted  bool                `json:"exhausted,omitempty"`
	Top        []persistence.Trial `json:"top"`
	Elapsed    time.Duration       `json:"elapsed"`
}

// Search proposes, evaluates and records trials for one parameter space
type Search struct {
	config    Config
	space     *space.Space
	trials    persistence.TrialRepo
	objective Objective
	runID     string
	onTrial   func(persistence.Trial)
}

// Option customises a Search
type Option func(*Search)

// WithRunID tags recorded trials with the owning run
func WithRunID(id string) Option {
	return func(s *Search) { s.runID = id }
}

// WithTrialHook is called after every recorded trial, from worker goroutines
func WithTrialHook(fn func(persistence.Trial)) Option {
	return func(s *Search) { s.onTrial = fn }
}

// NewSearch creates a search over sp backed by trials
func NewSearch(config Config, sp *space.Space, trials persistence.TrialRepo, objective Objective, opts ...Option) *Search {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.RefitEvery < 1 {
		config.RefitEvery = 1
	}
	if config.EICandidates < 1 {
		config.EICandidates = 1
	}
	s := &Search{config: config, space: sp, trials: trials, objective: objective}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// searchState is shared between the proposer and the workers
type searchState struct {
	mu        sync.Mutex
	model     *model
	stale     int // completions since the last refit
	history   int // trials known for the segment, seeds the next proposal
	seen      map[string]struct{}
	completed []persistence.Trial
	dupes     int
	bad       int
}

// Run executes config.Trials trials on the segment's train window. Trial
// failures are recorded and do not stop the run; store errors and
// cancellation do.
func (s *Search) Run(ctx context.Context, seg segment.Segment) (*Result, error) {
	start := time.Now()

	prior, err := s.trials.ListBySegment(ctx, seg.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load segment history: %w", err)
	}
	st := &searchState{history: len(prior), seen: make(map[string]struct{})}
	if err := s.refit(ctx, st); err != nil {
		return nil, err
	}

	log.Info().
		Str("segment_id", seg.ID).
		Str("run_id", s.runID).
		Int("trials", s.config.Trials).
		Int("history", len(prior)).
		Bool("warm", st.model != nil).
		Msg("Starting parameter search")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Workers)

	exhausted := false
	for n := 0; n < s.config.Trials; n++ {
		if gctx.Err() != nil {
			break
		}
		trial, err := s.next(gctx, st, seg)
		if errors.Is(err, errExhausted) {
			exhausted = true
			log.Warn().Str("segment_id", seg.ID).Int("issued", n).Msg("Parameter space exhausted, stopping search early")
			break
		}
		if err != nil {
			if werr := g.Wait(); werr != nil {
				err = werr
			}
			return nil, fmt.Errorf("search on segment %s aborted: %w", seg.ID, err)
		}
		g.Go(func() error { return s.execute(gctx, st, seg, trial) })
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("search on segment %s aborted: %w", seg.ID, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	top, err := s.TopK(ctx, seg.ID, s.config.TopK)
	if err != nil {
		return nil, err
	}

	res := &Result{
		SegmentID:  seg.ID,
		Trials:     st.completed,
		Duplicates: st.dupes,
		BadRegions: st.bad,
		Exhausted:  exhausted,
		Top:        top,
		Elapsed:    time.Since(start),
	}
	for _, t := range st.completed {
		if t.Status == persistence.TrialScored {
			res.Scored++
		} else {
			res.Failed++
		}
	}

	ev := log.Info().
		Str("segment_id", seg.ID).
		Int("scored", res.Scored).
		Int("failed", res.Failed).
		Int("duplicates", res.Duplicates).
		Dur("elapsed", res.Elapsed)
	if len(top) > 0 {
		ev = ev.Float64("best_objective", top[0].Objective)
	}
	ev.Msg("Parameter search completed")

	return res, nil
}

// refit rebuilds the model from every scored trial of the space
func (s *Search) refit(ctx context.Context, st *searchState) error {
	spaceHash := s.space.Fingerprint()
	history, err := s.trials.ListBySpace(ctx, spaceHash, persistence.TrialScored)
	if err != nil {
		return fmt.Errorf("failed to load search history: %w", err)
	}
	regions, err := s.trials.BadRegions(ctx, spaceHash)
	if err != nil {
		return fmt.Errorf("failed to load bad regions: %w", err)
	}
	st.model = fitModel(s.space, history, regions, s.config)
	st.stale = 0
	return nil
}

// next proposes and claims one unseen vector. Model draws are retried on
// duplicates, then uniform draws.
func (s *Search) next(ctx context.Context, st *searchState, seg segment.Segment) (persistence.Trial, error) {
	st.mu.Lock()
	if st.stale >= s.config.RefitEvery {
		if err := s.refit(ctx, st); err != nil {
			st.mu.Unlock()
			return persistence.Trial{}, err
		}
	}
	rng := s.rng(seg.ID, st.history)
	st.history++
	m := st.model
	st.mu.Unlock()

	retries := s.config.MaxDuplicateRetries
	for attempt := 0; attempt <= 2*retries+1; attempt++ {
		var v space.Vector
		if m != nil && attempt <= retries {
			v = m.propose(rng, s.config.EICandidates)
		} else {
			v = s.space.Sample(rng)
		}

		trial := persistence.Trial{
			ID:        uuid.NewString(),
			ParamHash: v.Hash(),
			SegmentID: seg.ID,
			SpaceHash: s.space.Fingerprint(),
			Params:    v,
			Status:    persistence.TrialPending,
			RunID:     s.runID,
		}

		st.mu.Lock()
		_, seen := st.seen[trial.ParamHash]
		st.seen[trial.ParamHash] = struct{}{}
		if seen {
			st.dupes++
		}
		st.mu.Unlock()
		if seen {
			continue
		}

		// the claim doubles as the store-side duplicate check
		claimed, err := s.trials.Reserve(ctx, trial, s.config.ReservationTTL)
		if err != nil {
			return persistence.Trial{}, err
		}
		if !claimed {
			st.mu.Lock()
			st.dupes++
			st.mu.Unlock()
			continue
		}
		return trial, nil
	}
	return persistence.Trial{}, errExhausted
}

// execute backtests one claimed trial and records the outcome
func (s *Search) execute(ctx context.Context, st *searchState, seg segment.Segment, trial persistence.Trial) error {
	start := time.Now()
	score, err := s.objective.Evaluate(ctx, space.Vector(trial.Params), seg.Train())
	switch {
	case err != nil && ctx.Err() != nil:
		// leave the pending claim to expire
		return ctx.Err()
	case err != nil:
		trial.Status = persistence.TrialFailed
		trial.Error = err.Error()
	case math.IsNaN(score.Objective) || math.IsInf(score.Objective, 0):
		trial.Status = persistence.TrialFailed
		trial.Error = fmt.Sprintf("non-finite objective %v", score.Objective)
	default:
		trial.Status = persistence.TrialScored
		trial.Objective = score.Objective
		trial.MaxDrawdown = score.MaxDrawdown
	}

	if err := s.trials.Record(ctx, trial); err != nil {
		return fmt.Errorf("failed to record trial %s: %w", trial.ID, err)
	}

	bad := false
	if reason := s.badReason(trial); reason != "" {
		bad = true
		err := s.trials.MarkBadRegion(ctx, persistence.BadRegion{
			SpaceHash:   trial.SpaceHash,
			ParamHash:   trial.ParamHash,
			Params:      trial.Params,
			Reason:      reason,
			Objective:   trial.Objective,
			MaxDrawdown: trial.MaxDrawdown,
		})
		if err != nil {
			return fmt.Errorf("failed to mark bad region: %w", err)
		}
	}

	st.mu.Lock()
	st.completed = append(st.completed, trial)
	st.stale++
	if bad {
		st.bad++
	}
	st.mu.Unlock()

	log.Debug().
		Str("trial_id", trial.ID).
		Str("segment_id", seg.ID).
		Str("status", string(trial.Status)).
		Float64("objective", trial.Objective).
		Float64("max_drawdown", trial.MaxDrawdown).
		Dur("elapsed", time.Since(start)).
		Msg("Trial completed")

	if s.onTrial != nil {
		s.onTrial(trial)
	}
	return nil
}

func (s *Search) badReason(t persistence.Trial) string {
	if t.Status != persistence.TrialScored {
		return ""
	}
	if t.Objective < s.config.BadScoreFloor {
		return fmt.Sprintf("objective %.4f below floor %.4f", t.Objective, s.config.BadScoreFloor)
	}
	if t.MaxDrawdown > s.config.BadDrawdownCeiling {
		return fmt.Sprintf("drawdown %.4f above ceiling %.4f", t.MaxDrawdown, s.config.BadDrawdownCeiling)
	}
	return ""
}

// rng seeds each proposal from (seed, segment, history length)
func (s *Search) rng(segmentID string, history int) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(segmentID))
	return rand.New(rand.NewPCG(s.config.Seed, h.Sum64()^uint64(history)))
}

// TopK returns the k best scored trials of this space on the segment,
// including trials recorded by earlier runs
func (s *Search) TopK(ctx context.Context, segmentID string, k int) ([]persistence.Trial, error) {
	all, err := s.trials.ListBySegment(ctx, segmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list segment trials: %w", err)
	}
	return RankTrials(all, s.space.Fingerprint(), k), nil
}

// RankTrials orders scored trials of one space by objective, best first,
// dropping repeated vectors
func RankTrials(trials []persistence.Trial, spaceHash string, k int) []persistence.Trial {
	seen := make(map[string]struct{}, len(trials))
	out := make([]persistence.Trial, 0, len(trials))
	for _, t := range trials {
		if t.Status != persistence.TrialScored || t.SpaceHash != spaceHash {
			continue
		}
		if _, dup := seen[t.ParamHash]; dup {
			continue
		}
		seen[t.ParamHash] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Objective != out[j].Objective {
			return out[i].Objective > out[j].Objective
		}
		return out[i].ParamHash < out[j].ParamHash
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

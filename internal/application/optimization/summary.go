package optimization

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/retune/internal/gates"
	"github.com/sawpanic/retune/internal/tune/montecarlo"
	"github.com/sawpanic/retune/internal/tune/oos"
	"github.com/sawpanic/retune/internal/tune/space"
)

// Run outcomes
const (
	OutcomeDeployed      = "deployed"
	OutcomeApproved      = "approved"
	OutcomeRejected      = "rejected"
	OutcomePaperRejected = "paper_rejected"
	OutcomeNoCandidate   = "no_candidate"
	OutcomeFailed        = "failed"
	OutcomeTimeout       = "timeout"
)

// SegmentSummary is one segment's search tally
type SegmentSummary struct {
	ID            string    `json:"id"`
	Index         int       `json:"index"`
	TrainStart    time.Time `json:"train_start"`
	OOSStart      time.Time `json:"oos_start"`
	OOSEnd        time.Time `json:"oos_end"`
	Widened       bool      `json:"widened,omitempty"`
	Scored        int       `json:"scored"`
	Failed        int       `json:"failed"`
	Duplicates    int       `json:"duplicates"`
	BadRegions    int       `json:"bad_regions"`
	Exhausted     bool      `json:"exhausted,omitempty"`
	BestObjective *float64  `json:"best_objective,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// CandidateSummary describes the selected candidate
type CandidateSummary struct {
	Params        space.Vector         `json:"params"`
	ParamHash     string               `json:"param_hash"`
	Score         float64              `json:"score"`
	OriginSegment string               `json:"origin_segment"`
	Segments      []oos.SegmentMetrics `json:"per_segment"`
	Aggregate     oos.Aggregate        `json:"aggregate"`
	Stability     oos.Stability        `json:"stability"`
}

// Summary is the one structured record every run emits
type Summary struct {
	RunID           string                   `json:"run_id"`
	StartedAt       time.Time                `json:"started_at"`
	FinishedAt      time.Time                `json:"finished_at"`
	Outcome         string                   `json:"outcome"`
	Deploy          bool                     `json:"deploy"`
	Bars            int                      `json:"bars"`
	Segments        []SegmentSummary         `json:"segments"`
	Trials          int                      `json:"trials"`
	FailedTrials    int                      `json:"failed_trials"`
	PoolSize        int                      `json:"pool_size"`
	Best            *CandidateSummary        `json:"best,omitempty"`
	Baseline        *oos.Aggregate           `json:"baseline,omitempty"`
	BaselineVersion string                   `json:"baseline_version,omitempty"`
	Comparison      *oos.Comparison          `json:"comparison,omitempty"`
	Stress          *montecarlo.StressResult `json:"stress,omitempty"`
	Decision        *gates.DeployDecision    `json:"decision,omitempty"`
	CandidateID     string                   `json:"candidate_id,omitempty"`
	CandidateStatus string                   `json:"candidate_status,omitempty"`
	VersionID       string                   `json:"version_id,omitempty"`
	Error           string                   `json:"error,omitempty"`
}

// FailedChecks lists the names of failed gate checks
func (s *Summary) FailedChecks() []string {
	if s.Decision == nil {
		return nil
	}
	var out []string
	for _, c := range s.Decision.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// Log writes the summary as one event
func (s *Summary) Log() {
	var ev *zerolog.Event
	switch s.Outcome {
	case OutcomeFailed, OutcomeTimeout:
		ev = log.Error()
	case OutcomeRejected, OutcomePaperRejected, OutcomeNoCandidate:
		ev = log.Warn()
	default:
		ev = log.Info()
	}

	ev = ev.Str("run_id", s.RunID).
		Str("outcome", s.Outcome).
		Int("segments", len(s.Segments)).
		Int("trials", s.Trials).
		Int("failed_trials", s.FailedTrials).
		Int("pool_size", s.PoolSize).
		Dur("elapsed", s.FinishedAt.Sub(s.StartedAt))

	if s.Best != nil {
		ev = ev.Str("best_param_hash", s.Best.ParamHash[:12]).
			Float64("best_score", s.Best.Score).
			Float64("oos_sharpe", s.Best.Aggregate.Sharpe)
	}
	if s.Decision != nil {
		ev = ev.Bool("approved", s.Decision.Approved).
			Str("mode", string(s.Decision.Mode)).
			Strs("failed_checks", s.Decision.FailureReasons)
	}
	if s.CandidateID != "" {
		ev = ev.Str("candidate_id", s.CandidateID).Str("candidate_status", s.CandidateStatus)
	}
	if s.VersionID != "" {
		ev = ev.Str("version_id", s.VersionID)
	}
	if s.Error != "" {
		ev = ev.Str("error", s.Error)
	}
	ev.Msg("Run summary")
}

package rollout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/retune/internal/notify"
	"github.com/sawpanic/retune/internal/persistence"
	"github.com/sawpanic/retune/internal/runtime"
	"github.com/sawpanic/retune/internal/tune/space"
	"github.com/sawpanic/retune/internal/versions"
)

// Paper evidence sources
const (
	PaperSourceOOS     = "oos"
	PaperSourceRuntime = "runtime"
)

// ErrDeploy marks a failed pointer swap or runtime reload
var ErrDeploy = errors.New("deployment failed")

// Config holds promotion policy and the paper/live check thresholds
type Config struct {
	PaperSource      string  `yaml:"paper_source" json:"paper_source" default:"oos" validate:"oneof=oos runtime"`
	AutoPaper        bool    `yaml:"auto_paper" json:"auto_paper" default:"true"`
	PaperMinSharpe   float64 `yaml:"paper_min_sharpe" json:"paper_min_sharpe" default:"0.5"`
	PaperMaxDrawdown float64 `yaml:"paper_max_drawdown" json:"paper_max_drawdown" default:"0.2" validate:"gt=0,lte=1"`
	PaperMinTrades   int     `yaml:"paper_min_trades" json:"paper_min_trades" default:"20" validate:"gte=0"`
	LiveMinSharpe    float64 `yaml:"live_min_sharpe" json:"live_min_sharpe" default:"0"`
	LiveMaxDrawdown  float64 `yaml:"live_max_drawdown" json:"live_max_drawdown" default:"0.25" validate:"gt=0,lte=1"`
	LiveMinTrades    int     `yaml:"live_min_trades" json:"live_min_trades" default:"20" validate:"gte=0"`
}

// DefaultConfig returns the default rollout policy
func DefaultConfig() Config {
	return Config{
		PaperSource:      PaperSourceOOS,
		AutoPaper:        true,
		PaperMinSharpe:   0.5,
		PaperMaxDrawdown: 0.2,
		PaperMinTrades:   20,
		LiveMinSharpe:    0,
		LiveMaxDrawdown:  0.25,
		LiveMinTrades:    20,
	}
}

// VersionStore is the part of the version store the supervisor drives
type VersionStore interface {
	Current() (*versions.Pointer, error)
	SetCurrent(id string, opts versions.SetOptions) (*versions.PointerUpdate, error)
	Rollback(target string, opts versions.SetOptions) (*versions.PointerUpdate, error)
	Restore(update *versions.PointerUpdate, reason string) error
}

// Supervisor persists candidates and performs the side effects of LIVE
// promotion and rollback
type Supervisor struct {
	config   Config
	repo     persistence.CandidateRepo
	versions VersionStore
	runtime  runtime.Runtime
	events   notify.Publisher
	now      func() time.Time
}

// NewSupervisor creates a supervisor. rt may be nil when no live runtime is
// attached; events may be nil.
func NewSupervisor(config Config, repo persistence.CandidateRepo, vs VersionStore, rt runtime.Runtime, events notify.Publisher) *Supervisor {
	if events == nil {
		events = notify.Discard
	}
	return &Supervisor{config: config, repo: repo, versions: vs, runtime: rt, events: events, now: time.Now}
}

// Config returns the rollout policy
func (s *Supervisor) Config() Config { return s.config }

// Propose creates a PROPOSED candidate
func (s *Supervisor) Propose(ctx context.Context, runID string, params space.Vector) (*Candidate, error) {
	now := s.now().UTC()
	c := &Candidate{
		ID:        uuid.NewString(),
		RunID:     runID,
		Params:    params.Clone(),
		Status:    StatusProposed,
		History:   []persistence.StatusChange{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, c.record()); err != nil {
		return nil, fmt.Errorf("failed to insert candidate: %w", err)
	}
	log.Info().Str("candidate_id", c.ID).Str("run_id", runID).Msg("Candidate proposed")
	return c, nil
}

// Get loads a candidate
func (s *Supervisor) Get(ctx context.Context, id string) (*Candidate, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// List returns recent candidates
func (s *Supervisor) List(ctx context.Context, limit int) ([]*Candidate, error) {
	recs, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Candidate, 0, len(recs))
	for i := range recs {
		c, err := fromRecord(&recs[i])
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Decide applies the deployment gate's verdict. An approved candidate is
// linked to its saved version.
func (s *Supervisor) Decide(ctx context.Context, id string, approved bool, versionID string, reasons []string) (*Candidate, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !approved {
		if err := s.transition(ctx, c, EventReject, strings.Join(reasons, "; "), nil); err != nil {
			return nil, err
		}
		s.publish(notify.EventRejected, c, reasons)
		return c, nil
	}

	if versionID == "" {
		return nil, fmt.Errorf("approved candidate %s needs a version", id)
	}
	err = s.transition(ctx, c, EventApprove, "deployment gate approved", func(n *Candidate) {
		n.VersionID = versionID
	})
	if err != nil {
		return nil, err
	}
	s.publish(notify.EventApproved, c, nil)
	return c, nil
}

// PromotePaper moves a STAGED candidate to paper trading
func (s *Supervisor) PromotePaper(ctx context.Context, id, reason string) (*Candidate, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "promoted to paper"
	}
	if err := s.transition(ctx, c, EventPromotePaper, reason, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// CheckPaper judges paper-trading evidence and promotes to LIVE or rejects.
// A nil evidence is fetched from the runtime.
func (s *Supervisor) CheckPaper(ctx context.Context, id string, evidence *runtime.Metrics) (*Candidate, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusPaper {
		return nil, &InvalidTransitionError{From: c.Status, Event: EventPaperPass}
	}

	if evidence == nil {
		if s.runtime == nil {
			return nil, fmt.Errorf("no runtime attached to fetch paper metrics")
		}
		m, err := s.runtime.PaperMetrics(ctx, c.VersionID)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch paper metrics: %w", err)
		}
		evidence = &m
	}

	if reasons := s.paperFailures(*evidence); len(reasons) > 0 {
		err := s.transition(ctx, c, EventPaperFail, strings.Join(reasons, "; "), func(n *Candidate) {
			n.Evidence = evidenceMap(*evidence)
		})
		if err != nil {
			return nil, err
		}
		s.publish(notify.EventRejected, c, reasons)
		return c, nil
	}

	if err := s.promoteLive(ctx, c, *evidence); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Supervisor) paperFailures(m runtime.Metrics) []string {
	var reasons []string
	if m.Sharpe < s.config.PaperMinSharpe {
		reasons = append(reasons, fmt.Sprintf("paper sharpe %.4f < %.4f", m.Sharpe, s.config.PaperMinSharpe))
	}
	if m.MaxDrawdown > s.config.PaperMaxDrawdown {
		reasons = append(reasons, fmt.Sprintf("paper drawdown %.4f > %.4f", m.MaxDrawdown, s.config.PaperMaxDrawdown))
	}
	if m.Trades < s.config.PaperMinTrades {
		reasons = append(reasons, fmt.Sprintf("paper trades %d < %d", m.Trades, s.config.PaperMinTrades))
	}
	return reasons
}

// promoteLive swaps the pointer, reloads the runtime, then records LIVE.
// Any failure after the swap restores the previous pointer state.
func (s *Supervisor) promoteLive(ctx context.Context, c *Candidate, evidence runtime.Metrics) error {
	if c.VersionID == "" {
		return fmt.Errorf("candidate %s has no version", c.ID)
	}

	prev := ""
	cur, err := s.versions.Current()
	switch {
	case err == nil:
		prev = cur.VersionID
		if prev == c.VersionID {
			prev = cur.Previous
		}
	case errors.Is(err, versions.ErrNoCurrent):
	default:
		return fmt.Errorf("%w: %w", ErrDeploy, err)
	}

	update, err := s.versions.SetCurrent(c.VersionID, versions.SetOptions{Reason: "promote candidate " + c.ID})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeploy, err)
	}

	if s.runtime != nil {
		if err := s.runtime.ReloadConfig(ctx, c.VersionID); err != nil {
			s.restore(update, "revert: runtime reload failed")
			return fmt.Errorf("%w: runtime reload of %s: %w", ErrDeploy, c.VersionID, err)
		}
	} else {
		log.Warn().Str("version_id", c.VersionID).Msg("No runtime attached, skipping config reload")
	}

	err = s.transition(ctx, c, EventPaperPass, "paper checks passed", func(n *Candidate) {
		n.PreviousVersionID = prev
		n.Evidence = evidenceMap(evidence)
	})
	if err != nil {
		// the candidate is still PAPER, so nothing may keep running it
		if s.runtime != nil && update.Previous != "" {
			if rerr := s.runtime.ReloadConfig(context.WithoutCancel(ctx), update.Previous); rerr != nil {
				log.Error().Err(rerr).Str("version_id", update.Previous).Msg("Failed to reload replaced version")
			}
		}
		s.restore(update, "revert: candidate persist failed")
		return fmt.Errorf("%w: %w", ErrDeploy, err)
	}
	s.publish(notify.EventPromoted, c, nil)
	return nil
}

// CheckLive evaluates live metrics and rolls back when a limit trips. It
// reports whether a rollback happened.
func (s *Supervisor) CheckLive(ctx context.Context, id string) (*Candidate, bool, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if c.Status != StatusLive {
		return c, false, nil
	}
	if s.runtime == nil {
		return nil, false, fmt.Errorf("no runtime attached to fetch live metrics")
	}

	m, err := s.runtime.LiveMetrics(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fetch live metrics: %w", err)
	}
	if m.Trades < s.config.LiveMinTrades {
		return c, false, nil
	}

	var reasons []string
	if m.MaxDrawdown > s.config.LiveMaxDrawdown {
		reasons = append(reasons, fmt.Sprintf("live drawdown %.4f > %.4f", m.MaxDrawdown, s.config.LiveMaxDrawdown))
	}
	if m.Sharpe < s.config.LiveMinSharpe {
		reasons = append(reasons, fmt.Sprintf("live sharpe %.4f < %.4f", m.Sharpe, s.config.LiveMinSharpe))
	}
	if len(reasons) == 0 {
		return c, false, nil
	}

	c, err = s.Rollback(ctx, id, strings.Join(reasons, "; "))
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// Rollback moves a LIVE candidate to ROLLED_BACK and repoints current live
// at the version it replaced. Rolling back a ROLLED_BACK candidate is a no-op.
func (s *Supervisor) Rollback(ctx context.Context, id, reason string) (*Candidate, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == StatusRolledBack {
		log.Debug().Str("candidate_id", id).Msg("Candidate already rolled back")
		return c, nil
	}
	if c.Status != StatusLive {
		return nil, &InvalidTransitionError{From: c.Status, Event: EventRollback}
	}
	if reason == "" {
		reason = "operator rollback"
	}

	cur, err := s.versions.Current()
	if err != nil && !errors.Is(err, versions.ErrNoCurrent) {
		return nil, fmt.Errorf("%w: %w", ErrDeploy, err)
	}

	// only repoint when this candidate is still what runs live
	if cur != nil && cur.VersionID == c.VersionID {
		target := c.PreviousVersionID
		if target == "" {
			target = versions.Latest
		}
		update, err := s.versions.Rollback(target, versions.SetOptions{Reason: fmt.Sprintf("candidate %s: %s", c.ID, reason)})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDeploy, err)
		}
		if s.runtime != nil {
			if err := s.runtime.ReloadConfig(ctx, update.Next); err != nil {
				// keep the pointer on the candidate so a retry repoints and reloads
				s.restore(update, "revert: runtime reload failed")
				return nil, fmt.Errorf("%w: runtime reload of %s: %w", ErrDeploy, update.Next, err)
			}
		}
	}

	err = s.transition(ctx, c, EventRollback, reason, nil)
	if errors.Is(err, persistence.ErrConflict) {
		// someone else moved it; settle on what is stored
		latest, gerr := s.Get(ctx, id)
		if gerr == nil && latest.Status == StatusRolledBack {
			return latest, nil
		}
	}
	if err != nil {
		return nil, err
	}
	s.publish(notify.EventRolledBack, c, []string{reason})
	return c, nil
}

// RollbackVersion repoints current live at target (a version id or
// versions.Latest) without touching any candidate. A failed runtime reload
// restores the replaced pointer.
func (s *Supervisor) RollbackVersion(ctx context.Context, target string, opts versions.SetOptions) (*versions.PointerUpdate, error) {
	update, err := s.versions.Rollback(target, opts)
	if err != nil {
		return nil, err
	}
	if s.runtime != nil {
		if err := s.runtime.ReloadConfig(ctx, update.Next); err != nil {
			s.restore(update, "revert: runtime reload failed")
			return nil, fmt.Errorf("%w: runtime reload of %s: %w", ErrDeploy, update.Next, err)
		}
	} else {
		log.Warn().Str("version_id", update.Next).Msg("No runtime attached, skipping config reload")
	}

	log.Info().
		Str("previous", update.Previous).
		Str("version_id", update.Next).
		Str("reason", update.Reason).
		Msg("Rolled back current version")
	s.events.Publish(notify.Event{
		Type:      notify.EventRolledBack,
		VersionID: update.Next,
		Reasons:   []string{update.Reason},
		Time:      s.now().UTC(),
	})
	return update, nil
}

// transition fires ev on a copy, persists it with compare-and-set on the
// old status, then updates c
func (s *Supervisor) transition(ctx context.Context, c *Candidate, ev Event, reason string, mutate func(*Candidate)) error {
	next := *c
	next.History = append([]persistence.StatusChange(nil), c.History...)
	if err := next.Fire(ev, reason, s.now().UTC()); err != nil {
		return err
	}
	if mutate != nil {
		mutate(&next)
	}
	if err := s.repo.Update(ctx, next.record(), string(c.Status)); err != nil {
		return fmt.Errorf("failed to persist %s for candidate %s: %w", ev, c.ID, err)
	}

	log.Info().
		Str("candidate_id", c.ID).
		Str("from", string(c.Status)).
		Str("to", string(next.Status)).
		Str("reason", reason).
		Msg("Candidate transition")

	*c = next
	return nil
}

// restore puts back the pointer state update replaced
func (s *Supervisor) restore(update *versions.PointerUpdate, reason string) {
	if err := s.versions.Restore(update, reason); err != nil {
		log.Error().Err(err).Str("version_id", update.Previous).Msg("Failed to restore current version")
	}
}

func (s *Supervisor) publish(t notify.EventType, c *Candidate, reasons []string) {
	s.events.Publish(notify.Event{
		Type:        t,
		RunID:       c.RunID,
		CandidateID: c.ID,
		VersionID:   c.VersionID,
		Reasons:     reasons,
		Time:        s.now().UTC(),
	})
}

func evidenceMap(m runtime.Metrics) map[string]float64 {
	return map[string]float64{
		"sharpe":       m.Sharpe,
		"max_drawdown": m.MaxDrawdown,
		"trades":       float64(m.Trades),
	}
}

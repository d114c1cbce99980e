package gates

import (
	"fmt"
	"strings"

	"github.com/sawpanic/retune/internal/tune/montecarlo"
	"github.com/sawpanic/retune/internal/tune/oos"
	"github.com/sawpanic/retune/internal/tune/space"
)

// Check names, in evaluation order
const (
	CheckOOSSampleSize         = "oos_sample_size"
	CheckSharpeImprovement     = "sharpe_improvement"
	CheckAnnualizedImprovement = "annualized_improvement"
	CheckDrawdownIncrease      = "drawdown_increase"
	CheckTailDrawdown          = "tail_drawdown"
	CheckParameterValidation   = "parameter_validation"
)

// DeployGateConfig contains the improvement and safety thresholds
type DeployGateConfig struct {
	MinImproveSharpe float64 `yaml:"min_improve_sharpe" json:"min_improve_sharpe" default:"0.05"`
	MinImproveAnn    float64 `yaml:"min_improve_ann" json:"min_improve_ann" default:"0.03"`
	MaxDDIncrease    float64 `yaml:"max_dd_increase" json:"max_dd_increase" default:"0.02" validate:"gte=0"`
	TailDDLimit      float64 `yaml:"tail_dd_limit" json:"tail_dd_limit" default:"0.35" validate:"gt=0,lte=1"`

	// Absolute mode floors; nil falls back to the improvement minimums
	AbsoluteSharpeFloor *float64 `yaml:"absolute_sharpe_floor" json:"absolute_sharpe_floor,omitempty"`
	AbsoluteAnnFloor    *float64 `yaml:"absolute_ann_floor" json:"absolute_ann_floor,omitempty"`
	MaxAbsDrawdown      float64  `yaml:"max_abs_drawdown" json:"max_abs_drawdown" default:"0.25" validate:"gt=0,lte=1"`
}

// DefaultDeployGateConfig returns the default thresholds
func DefaultDeployGateConfig() DeployGateConfig {
	return DeployGateConfig{
		MinImproveSharpe: 0.05,
		MinImproveAnn:    0.03,
		MaxDDIncrease:    0.02,
		TailDDLimit:      0.35,
		MaxAbsDrawdown:   0.25,
	}
}

func (c DeployGateConfig) sharpeFloor() float64 {
	if c.AbsoluteSharpeFloor != nil {
		return *c.AbsoluteSharpeFloor
	}
	return c.MinImproveSharpe
}

func (c DeployGateConfig) annFloor() float64 {
	if c.AbsoluteAnnFloor != nil {
		return *c.AbsoluteAnnFloor
	}
	return c.MinImproveAnn
}

// DeployInput is everything the gate decides on
type DeployInput struct {
	Params     space.Vector            `json:"params"`
	Comparison oos.Comparison          `json:"comparison"`
	Stress     montecarlo.StressResult `json:"stress"`
}

// DeployDecision contains the decision and one check per gate
type DeployDecision struct {
	Approved       bool         `json:"approved"`
	Mode           oos.Mode     `json:"mode"`
	Checks         []*GateCheck `json:"checks"`
	FailureReasons []string     `json:"failure_reasons"`
	PassedGates    []string     `json:"passed_gates"`
}

// Check returns the named check, or nil
func (d *DeployDecision) Check(name string) *GateCheck {
	for _, c := range d.Checks {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Summary returns a one-line description of the decision
func (d *DeployDecision) Summary() string {
	if d.Approved {
		return fmt.Sprintf("APPROVED (%s mode, %d/%d gates passed)", d.Mode, len(d.PassedGates), len(d.Checks))
	}
	return fmt.Sprintf("REJECTED (%s mode, %d failures: %s)", d.Mode, len(d.FailureReasons), strings.Join(d.FailureReasons, "; "))
}

// DeploymentGate is a pure decision function over OOS comparison, stress
// result and parameter schema. Every check is evaluated.
type DeploymentGate struct {
	config DeployGateConfig
	space  *space.Space
}

// NewDeploymentGate creates a gate validating against sp
func NewDeploymentGate(config DeployGateConfig, sp *space.Space) *DeploymentGate {
	return &DeploymentGate{config: config, space: sp}
}

// Evaluate applies all six checks
func (g *DeploymentGate) Evaluate(in DeployInput) *DeployDecision {
	cmp := in.Comparison
	cand := cmp.Candidate
	relative := cmp.Mode == oos.ModeRelative

	d := &DeployDecision{
		Mode:           cmp.Mode,
		FailureReasons: []string{},
		PassedGates:    []string{},
	}

	// 1: sample size
	sample := &GateCheck{
		Name:      CheckOOSSampleSize,
		Passed:    cmp.Mode != oos.ModeRejected,
		Value:     cand.Sample(),
		Threshold: string(cmp.Mode),
	}
	if sample.Passed {
		sample.Description = fmt.Sprintf("OOS sample sufficient (%d bars, %.1f days, %d trades, %s mode)",
			cand.Bars, cand.Days, cand.Trades, cmp.Mode)
	} else {
		sample.Description = "OOS sample too small: " + strings.Join(cmp.Reasons, ", ")
	}
	d.add(sample)

	// 2: Sharpe
	if relative {
		d.add(&GateCheck{
			Name:        CheckSharpeImprovement,
			Passed:      cmp.SharpeDelta >= g.config.MinImproveSharpe,
			Value:       cmp.SharpeDelta,
			Threshold:   g.config.MinImproveSharpe,
			Description: "Sharpe delta " + atLeast(cmp.SharpeDelta, g.config.MinImproveSharpe),
		})
	} else {
		floor := g.config.sharpeFloor()
		d.add(&GateCheck{
			Name:        CheckSharpeImprovement,
			Passed:      cand.Sharpe >= floor,
			Value:       cand.Sharpe,
			Threshold:   floor,
			Description: "absolute Sharpe " + atLeast(cand.Sharpe, floor),
		})
	}

	// 3: annualized return
	if relative {
		d.add(&GateCheck{
			Name:        CheckAnnualizedImprovement,
			Passed:      cmp.AnnualizedDelta >= g.config.MinImproveAnn,
			Value:       cmp.AnnualizedDelta,
			Threshold:   g.config.MinImproveAnn,
			Description: "annualized return delta " + atLeast(cmp.AnnualizedDelta, g.config.MinImproveAnn),
		})
	} else {
		floor := g.config.annFloor()
		d.add(&GateCheck{
			Name:        CheckAnnualizedImprovement,
			Passed:      cand.AnnualizedReturn >= floor,
			Value:       cand.AnnualizedReturn,
			Threshold:   floor,
			Description: "absolute annualized return " + atLeast(cand.AnnualizedReturn, floor),
		})
	}

	// 4: drawdown
	if relative {
		d.add(&GateCheck{
			Name:        CheckDrawdownIncrease,
			Passed:      cmp.DrawdownDelta <= g.config.MaxDDIncrease,
			Value:       cmp.DrawdownDelta,
			Threshold:   g.config.MaxDDIncrease,
			Description: "drawdown increase " + atMost(cmp.DrawdownDelta, g.config.MaxDDIncrease),
		})
	} else {
		d.add(&GateCheck{
			Name:        CheckDrawdownIncrease,
			Passed:      cand.MaxDrawdown <= g.config.MaxAbsDrawdown,
			Value:       cand.MaxDrawdown,
			Threshold:   g.config.MaxAbsDrawdown,
			Description: "absolute drawdown " + atMost(cand.MaxDrawdown, g.config.MaxAbsDrawdown),
		})
	}

	// 5: Monte Carlo tail
	tail := &GateCheck{
		Name:      CheckTailDrawdown,
		Passed:    in.Stress.P99Drawdown <= g.config.TailDDLimit && !in.Stress.Catastrophic,
		Value:     in.Stress.P99Drawdown,
		Threshold: g.config.TailDDLimit,
		Description: fmt.Sprintf("p99 drawdown %s over %d runs",
			atMost(in.Stress.P99Drawdown, g.config.TailDDLimit), in.Stress.RunCount),
	}
	if in.Stress.Catastrophic {
		tail.Description += " (catastrophic)"
	}
	d.add(tail)

	// 6: schema
	validation := &GateCheck{
		Name:        CheckParameterValidation,
		Passed:      true,
		Value:       len(in.Params),
		Threshold:   "in bounds",
		Description: "parameters validate against the space",
	}
	if g.space == nil {
		validation.Passed = false
		validation.Description = "no parameter space to validate against"
	} else if err := g.space.Validate(in.Params); err != nil {
		validation.Passed = false
		validation.Description = "parameter validation failed: " + err.Error()
	}
	d.add(validation)

	d.Approved = len(d.FailureReasons) == 0
	return d
}

func (d *DeployDecision) add(c *GateCheck) {
	d.Checks = append(d.Checks, c)
	if c.Passed {
		d.PassedGates = append(d.PassedGates, c.Name)
	} else {
		d.FailureReasons = append(d.FailureReasons, fmt.Sprintf("%s: %s", c.Name, c.Description))
	}
}

// atLeast renders v against a minimum with the comparator that holds
func atLeast(v, min float64) string {
	if v >= min {
		return fmt.Sprintf("%.4f ≥ %.4f", v, min)
	}
	return fmt.Sprintf("%.4f < %.4f (min)", v, min)
}

// atMost renders v against a maximum with the comparator that holds
func atMost(v, max float64) string {
	if v <= max {
		return fmt.Sprintf("%.4f ≤ %.4f", v, max)
	}
	return fmt.Sprintf("%.4f > %.4f (max)", v, max)
}

package oos

// Mode is how a candidate is judged after the sample-size gate
type Mode string

const (
	// ModeRelative compares candidate against baseline deltas
	ModeRelative Mode = "relative"
	// ModeAbsolute ignores a baseline whose sample is too small
	ModeAbsolute Mode = "absolute"
	// ModeRejected means the candidate sample is too small to trust
	ModeRejected Mode = "rejected"
)

// Comparison is the input the deployment gate needs from OOS evaluation
type Comparison struct {
	Mode              Mode       `json:"mode"`
	Candidate         Aggregate  `json:"candidate"`
	Baseline          *Aggregate `json:"baseline,omitempty"`
	CandidateTooSmall bool       `json:"candidate_too_small"`
	BaselineTooSmall  bool       `json:"baseline_too_small"`
	Reasons           []string   `json:"reasons,omitempty"`

	// Deltas are candidate minus baseline, set in relative mode only
	SharpeDelta     float64 `json:"sharpe_delta"`
	AnnualizedDelta float64 `json:"annualized_delta"`
	DrawdownDelta   float64 `json:"drawdown_delta"`
}

// Compare applies the three-branch sample rule. The candidate is checked
// first: a too-small candidate is rejected whatever the baseline shows. A
// missing or too-small baseline switches to absolute mode.
func Compare(candidate, baseline *CandidateResult, th Thresholds) Comparison {
	cmp := Comparison{Candidate: candidate.Aggregate}

	if small, reasons := candidate.Aggregate.Sample().TooSmall(th); small {
		cmp.Mode = ModeRejected
		cmp.CandidateTooSmall = true
		for _, r := range reasons {
			cmp.Reasons = append(cmp.Reasons, "candidate "+r)
		}
		return cmp
	}

	if baseline == nil {
		cmp.Mode = ModeAbsolute
		cmp.Reasons = append(cmp.Reasons, "no baseline")
		return cmp
	}

	base := baseline.Aggregate
	cmp.Baseline = &base
	if small, reasons := base.Sample().TooSmall(th); small {
		cmp.Mode = ModeAbsolute
		cmp.BaselineTooSmall = true
		for _, r := range reasons {
			cmp.Reasons = append(cmp.Reasons, "baseline "+r)
		}
		return cmp
	}

	cmp.Mode = ModeRelative
	cmp.SharpeDelta = candidate.Aggregate.Sharpe - base.Sharpe
	cmp.AnnualizedDelta = candidate.Aggregate.AnnualizedReturn - base.AnnualizedReturn
	cmp.DrawdownDelta = candidate.Aggregate.MaxDrawdown - base.MaxDrawdown
	return cmp
}

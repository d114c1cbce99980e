// Package rollout tracks each candidate configuration through staging,
// paper trading, live promotion and rollback.
package rollout

import (
	"fmt"
	"time"

	"github.com/sawpanic/retune/internal/persistence"
	"github.com/sawpanic/retune/internal/tune/space"
)

// Status is a candidate's lifecycle state
type Status string

const (
	StatusProposed   Status = "PROPOSED"
	StatusStaged     Status = "STAGED"
	StatusPaper      Status = "PAPER"
	StatusLive       Status = "LIVE"
	StatusRejected   Status = "REJECTED"
	StatusRolledBack Status = "ROLLED_BACK"
)

// Event drives a transition
type Event string

const (
	EventApprove      Event = "approve"
	EventReject       Event = "reject"
	EventPromotePaper Event = "promote_paper"
	EventPaperPass    Event = "paper_pass"
	EventPaperFail    Event = "paper_fail"
	EventRollback     Event = "rollback"
)

// transitions is the complete lifecycle; anything absent is invalid
var transitions = map[Status]map[Event]Status{
	StatusProposed: {EventApprove: StatusStaged, EventReject: StatusRejected},
	StatusStaged:   {EventPromotePaper: StatusPaper},
	StatusPaper:    {EventPaperPass: StatusLive, EventPaperFail: StatusRejected},
	StatusLive:     {EventRollback: StatusRolledBack},
}

// Terminal reports whether no event leaves s
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// InvalidTransitionError is returned for an event the table does not allow
type InvalidTransitionError struct {
	From  Status
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	if e.From.Terminal() {
		return fmt.Sprintf("candidate is %s (terminal), cannot %s", e.From, e.Event)
	}
	return fmt.Sprintf("invalid transition: %s --%s--> ?", e.From, e.Event)
}

// Next returns the status ev leads to from s
func Next(s Status, ev Event) (Status, error) {
	to, ok := transitions[s][ev]
	if !ok {
		return s, &InvalidTransitionError{From: s, Event: ev}
	}
	return to, nil
}

// Candidate is a parameter set moving through the lifecycle
type Candidate struct {
	ID                string                     `json:"id"`
	RunID             string                     `json:"run_id"`
	Params            space.Vector               `json:"params"`
	Status            Status                     `json:"status"`
	History           []persistence.StatusChange `json:"history"`
	VersionID         string                     `json:"version_id,omitempty"`
	PreviousVersionID string                     `json:"previous_version_id,omitempty"`
	Evidence          map[string]float64         `json:"evidence,omitempty"`
	CreatedAt         time.Time                  `json:"created_at"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

// Fire applies ev, appending to the history. A rejected event leaves c
// untouched.
func (c *Candidate) Fire(ev Event, reason string, at time.Time) error {
	to, err := Next(c.Status, ev)
	if err != nil {
		return err
	}
	c.History = append(c.History, persistence.StatusChange{
		From:   string(c.Status),
		To:     string(to),
		Event:  string(ev),
		Reason: reason,
		At:     at,
	})
	c.Status = to
	c.UpdatedAt = at
	return nil
}

func (c *Candidate) record() persistence.Candidate {
	return persistence.Candidate{
		ID:                c.ID,
		RunID:             c.RunID,
		Params:            c.Params,
		ParamHash:         c.Params.Hash(),
		Status:            string(c.Status),
		History:           c.History,
		VersionID:         c.VersionID,
		PreviousVersionID: c.PreviousVersionID,
		Evidence:          c.Evidence,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func fromRecord(r *persistence.Candidate) (*Candidate, error) {
	status := Status(r.Status)
	if _, known := transitions[status]; !known && status != StatusRejected && status != StatusRolledBack {
		return nil, fmt.Errorf("candidate %s has unknown status %q", r.ID, r.Status)
	}
	return &Candidate{
		ID:                r.ID,
		RunID:             r.RunID,
		Params:            space.Vector(r.Params),
		Status:            status,
		History:           r.History,
		VersionID:         r.VersionID,
		PreviousVersionID: r.PreviousVersionID,
		Evidence:          r.Evidence,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

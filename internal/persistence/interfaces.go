package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a keyed record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a compare-and-set update lost the race
	ErrConflict = errors.New("concurrent update conflict")
)

// TrialStatus is the lifecycle state of a trial
type TrialStatus string

const (
	TrialPending TrialStatus = "pending"
	TrialScored  TrialStatus = "scored"
	TrialFailed  TrialStatus = "failed"
)

// Valid reports whether s is a known status
func (s TrialStatus) Valid() bool {
	switch s {
	case TrialPending, TrialScored, TrialFailed:
		return true
	}
	return false
}

// Trial is one evaluated parameter combination on one segment's train window.
// (ParamHash, SegmentID) is the dedup key.
type Trial struct {
	ID          string             `json:"id" db:"id"`
	ParamHash   string             `json:"param_hash" db:"param_hash"`
	SegmentID   string             `json:"segment_id" db:"segment_id"`
	SpaceHash   string             `json:"space_hash" db:"space_hash"`
	Params      map[string]float64 `json:"params" db:"-"`
	Objective   float64            `json:"objective" db:"objective"`
	MaxDrawdown float64            `json:"max_drawdown" db:"max_drawdown"`
	Status      TrialStatus        `json:"status" db:"status"`
	Error       string             `json:"error,omitempty" db:"error"`
	RunID       string             `json:"run_id" db:"run_id"`
	CreatedAt   time.Time          `json:"created_at" db:"-"`
	UpdatedAt   time.Time          `json:"updated_at" db:"-"`
}

// BadRegion marks a parameter vector whose result fell below the score floor or
// above the drawdown ceiling. The search down-weights proposals near it.
type BadRegion struct {
	SpaceHash   string             `json:"space_hash"`
	ParamHash   string             `json:"param_hash"`
	Params      map[string]float64 `json:"params"`
	Reason      string             `json:"reason"`
	Objective   float64            `json:"objective"`
	MaxDrawdown float64            `json:"max_drawdown"`
	CreatedAt   time.Time          `json:"created_at"`
}

// StatusChange is one entry of a candidate's status history
type StatusChange struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Event  string    `json:"event"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Candidate is the persisted form of a rollout candidate
type Candidate struct {
	ID                string             `json:"id"`
	RunID             string             `json:"run_id"`
	Params            map[string]float64 `json:"params"`
	ParamHash         string             `json:"param_hash"`
	Status            string             `json:"status"`
	History           []StatusChange     `json:"history"`
	VersionID         string             `json:"version_id,omitempty"`
	PreviousVersionID string             `json:"previous_version_id,omitempty"`
	Evidence          map[string]float64 `json:"evidence,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// RunRecord is the stored summary of one optimization run
type RunRecord struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Outcome    string          `json:"outcome"`
	Summary    json.RawMessage `json:"summary"`
}

// TrialRepo is the durable trial history
type TrialRepo interface {
	// Reserve inserts a pending trial as a claim on its key. It returns false
	// when the key is already taken by a finished trial or a live claim.
	Reserve(ctx context.Context, trial Trial, staleAfter time.Duration) (bool, error)

	// Record upserts a finished trial atomically; last writer wins
	Record(ctx context.Context, trial Trial) error

	// Exists reports whether a trial with this key has been recorded or claimed
	Exists(ctx context.Context, paramHash, segmentID string) (bool, error)

	// Get returns the trial for a key
	Get(ctx context.Context, paramHash, segmentID string) (*Trial, error)

	// ListBySegment returns all trials of a segment, oldest first
	ListBySegment(ctx context.Context, segmentID string) ([]Trial, error)

	// ListBySpace returns trials over one parameter space, optionally filtered by status
	ListBySpace(ctx context.Context, spaceHash string, statuses ...TrialStatus) ([]Trial, error)

	// MarkBadRegion flags a vector so nearby proposals are penalised
	MarkBadRegion(ctx context.Context, region BadRegion) error

	// BadRegions returns all flagged vectors for a space
	BadRegions(ctx context.Context, spaceHash string) ([]BadRegion, error)
}

// CandidateRepo stores rollout candidates
type CandidateRepo interface {
	Insert(ctx context.Context, c Candidate) error
	Get(ctx context.Context, id string) (*Candidate, error)
	List(ctx context.Context, limit int) ([]Candidate, error)

	// Update replaces the candidate only if its stored status still equals
	// expectedStatus; otherwise it returns ErrConflict.
	Update(ctx context.Context, c Candidate, expectedStatus string) error
}

// RunRepo stores run summaries
type RunRepo interface {
	SaveRun(ctx context.Context, run RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
}

// Repository aggregates all persistence interfaces
type Repository struct {
	Trials     TrialRepo
	Candidates CandidateRepo
	Runs       RunRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for persistence layer
type RepositoryHealth interface {
	// Health returns current repository health status
	Health(ctx context.Context) HealthCheck

	// Ping tests basic connectivity to database
	Ping(ctx context.Context) error

	// Stats returns connection pool statistics
	Stats(ctx context.Context) map[string]interface{}
}

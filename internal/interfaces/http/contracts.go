package http

import (
	"time"

	"github.com/sawpanic/retune/internal/persistence"
	"github.com/sawpanic/retune/internal/rollout"
	"github.com/sawpanic/retune/internal/versions"
)

// ErrorResponse is the body of every non-2xx reply
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse reports process and database health
type HealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Uptime    string                   `json:"uptime"`
	Database  *persistence.HealthCheck `json:"database,omitempty"`
}

// VersionsResponse lists stored config versions, newest first
type VersionsResponse struct {
	Versions []versions.Version `json:"versions"`
	Current  string             `json:"current,omitempty"`
	Count    int                `json:"count"`
}

// CurrentResponse is the live pointer with the version it names
type CurrentResponse struct {
	Pointer *versions.Pointer `json:"pointer"`
	Version *versions.Version `json:"version"`
}

// HistoryResponse is the pointer journal, oldest first
type HistoryResponse struct {
	Updates []versions.PointerUpdate `json:"updates"`
	Count   int                      `json:"count"`
}

// TrialsResponse lists trials for one segment or space
type TrialsResponse struct {
	SegmentID string              `json:"segment_id,omitempty"`
	SpaceHash string              `json:"space_hash,omitempty"`
	Trials    []persistence.Trial `json:"trials"`
	Count     int                 `json:"count"`
}

// CandidatesResponse lists rollout candidates, newest first
type CandidatesResponse struct {
	Candidates []*rollout.Candidate `json:"candidates"`
	Count      int                  `json:"count"`
}

// RunsResponse lists run records, newest first
type RunsResponse struct {
	Runs  []persistence.RunRecord `json:"runs"`
	Count int                     `json:"count"`
}

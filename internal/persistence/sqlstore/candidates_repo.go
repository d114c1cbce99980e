package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sawpanic/retune/internal/persistence"
)

// candidateRepo implements persistence.CandidateRepo
type candidateRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewCandidateRepo creates a candidate repository
func NewCandidateRepo(db *sqlx.DB, timeout time.Duration) persistence.CandidateRepo {
	return &candidateRepo{db: db, timeout: timeout}
}

type candidateRow struct {
	ID                string `db:"id"`
	RunID             string `db:"run_id"`
	ParamHash         string `db:"param_hash"`
	Params            string `db:"params"`
	Status            string `db:"status"`
	History           string `db:"history"`
	VersionID         string `db:"version_id"`
	PreviousVersionID string `db:"previous_version_id"`
	Evidence          string `db:"evidence"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
}

const candidateColumns = `id, run_id, param_hash, params, status, history, version_id,
	previous_version_id, evidence, created_at, updated_at`

func encodeCandidate(c persistence.Candidate) (candidateRow, error) {
	params, err := json.Marshal(c.Params)
	if err != nil {
		return candidateRow{}, fmt.Errorf("failed to marshal params: %w", err)
	}
	history, err := json.Marshal(c.History)
	if err != nil {
		return candidateRow{}, fmt.Errorf("failed to marshal history: %w", err)
	}
	evidence, err := json.Marshal(c.Evidence)
	if err != nil {
		return candidateRow{}, fmt.Errorf("failed to marshal evidence: %w", err)
	}

	return candidateRow{
		ID:                c.ID,
		RunID:             c.RunID,
		ParamHash:         c.ParamHash,
		Params:            string(params),
		Status:            c.Status,
		History:           string(history),
		VersionID:         c.VersionID,
		PreviousVersionID: c.PreviousVersionID,
		Evidence:          string(evidence),
		CreatedAt:         nanos(c.CreatedAt),
		UpdatedAt:         nanos(c.UpdatedAt),
	}, nil
}

func (row candidateRow) toCandidate() (persistence.Candidate, error) {
	c := persistence.Candidate{
		ID:                row.ID,
		RunID:             row.RunID,
		ParamHash:         row.ParamHash,
		Status:            row.Status,
		VersionID:         row.VersionID,
		PreviousVersionID: row.PreviousVersionID,
		CreatedAt:         fromNanos(row.CreatedAt),
		UpdatedAt:         fromNanos(row.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(row.Params), &c.Params); err != nil {
		return c, fmt.Errorf("failed to unmarshal params for candidate %s: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.History), &c.History); err != nil {
		return c, fmt.Errorf("failed to unmarshal history for candidate %s: %w", row.ID, err)
	}
	if row.Evidence != "" && row.Evidence != "null" {
		if err := json.Unmarshal([]byte(row.Evidence), &c.Evidence); err != nil {
			return c, fmt.Errorf("failed to unmarshal evidence for candidate %s: %w", row.ID, err)
		}
	}
	return c, nil
}

// Insert stores a new candidate
func (r *candidateRepo) Insert(ctx context.Context, c persistence.Candidate) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row, err := encodeCandidate(c)
	if err != nil {
		return err
	}

	query := `INSERT INTO candidates (` + candidateColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query),
		row.ID, row.RunID, row.ParamHash, row.Params, row.Status, row.History,
		row.VersionID, row.PreviousVersionID, row.Evidence, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert candidate %s: %w", c.ID, err)
	}
	return nil
}

// Get returns a candidate by id
func (r *candidateRepo) Get(ctx context.Context, id string) (*persistence.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row candidateRow
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE id = ?`
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get candidate: %w", err)
	}

	c, err := row.toCandidate()
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns candidates newest first
func (r *candidateRepo) List(ctx context.Context, limit int) ([]persistence.Candidate, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	var rows []candidateRow
	query := `SELECT ` + candidateColumns + ` FROM candidates ORDER BY created_at DESC, id DESC LIMIT ?`
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), limit); err != nil {
		return nil, fmt.Errorf("failed to list candidates: %w", err)
	}

	out := make([]persistence.Candidate, 0, len(rows))
	for _, row := range rows {
		c, err := row.toCandidate()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Update writes the candidate only if the stored status is still expectedStatus
func (r *candidateRepo) Update(ctx context.Context, c persistence.Candidate, expectedStatus string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	row, err := encodeCandidate(c)
	if err != nil {
		return err
	}

	query := `
		UPDATE candidates SET
			status = ?, history = ?, version_id = ?, previous_version_id = ?,
			evidence = ?, updated_at = ?
		WHERE id = ? AND status = ?`

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		row.Status, row.History, row.VersionID, row.PreviousVersionID,
		row.Evidence, row.UpdatedAt, row.ID, expectedStatus)
	if err != nil {
		return fmt.Errorf("failed to update candidate %s: %w", c.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n > 0 {
		return nil
	}

	var count int
	if err := r.db.GetContext(ctx, &count, r.db.Rebind(`SELECT COUNT(1) FROM candidates WHERE id = ?`), c.ID); err != nil {
		return fmt.Errorf("failed to check candidate %s: %w", c.ID, err)
	}
	if count == 0 {
		return persistence.ErrNotFound
	}
	return fmt.Errorf("candidate %s no longer %s: %w", c.ID, expectedStatus, persistence.ErrConflict)
}

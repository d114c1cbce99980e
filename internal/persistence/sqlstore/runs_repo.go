package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sawpanic/retune/internal/persistence"
)

// runRepo implements persistence.RunRepo
type runRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunRepo creates a run summary repository
func NewRunRepo(db *sqlx.DB, timeout time.Duration) persistence.RunRepo {
	return &runRepo{db: db, timeout: timeout}
}

type runRow struct {
	ID         string `db:"id"`
	StartedAt  int64  `db:"started_at"`
	FinishedAt int64  `db:"finished_at"`
	Outcome    string `db:"outcome"`
	Summary    string `db:"summary"`
}

func (row runRow) toRecord() persistence.RunRecord {
	return persistence.RunRecord{
		ID:         row.ID,
		StartedAt:  fromNanos(row.StartedAt),
		FinishedAt: fromNanos(row.FinishedAt),
		Outcome:    row.Outcome,
		Summary:    []byte(row.Summary),
	}
}

// SaveRun upserts a run summary
func (r *runRepo) SaveRun(ctx context.Context, run persistence.RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	summary := string(run.Summary)
	if summary == "" {
		summary = "{}"
	}

	query := `
		INSERT INTO runs (id, started_at, finished_at, outcome, summary)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			finished_at = EXCLUDED.finished_at,
			outcome = EXCLUDED.outcome,
			summary = EXCLUDED.summary`

	_, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		run.ID, nanos(run.StartedAt), nanos(run.FinishedAt), run.Outcome, summary)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns one run
func (r *runRepo) GetRun(ctx context.Context, id string) (*persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row runRow
	query := `SELECT id, started_at, finished_at, outcome, summary FROM runs WHERE id = ?`
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	rec := row.toRecord()
	return &rec, nil
}

// ListRuns returns runs newest first
func (r *runRepo) ListRuns(ctx context.Context, limit int) ([]persistence.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	var rows []runRow
	query := `SELECT id, started_at, finished_at, outcome, summary FROM runs ORDER BY started_at DESC LIMIT ?`
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), limit); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	out := make([]persistence.RunRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

// NewRepository wires all repositories over one connection
func NewRepository(db *sqlx.DB, timeout time.Duration) *persistence.Repository {
	return &persistence.Repository{
		Trials:     NewTrialRepo(db, timeout),
		Candidates: NewCandidateRepo(db, timeout),
		Runs:       NewRunRepo(db, timeout),
	}
}

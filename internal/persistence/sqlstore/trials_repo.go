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

// trialRepo implements persistence.TrialRepo
type trialRepo struct {
	db      *sqlx.DB
	timeout time.Duration
	now     func() time.Time
}

// NewTrialRepo creates a trial repository
func NewTrialRepo(db *sqlx.DB, timeout time.Duration) persistence.TrialRepo {
	return &trialRepo{
		db:      db,
		timeout: timeout,
		now:     time.Now,
	}
}

type trialRow struct {
	ID          string  `db:"id"`
	ParamHash   string  `db:"param_hash"`
	SegmentID   string  `db:"segment_id"`
	SpaceHash   string  `db:"space_hash"`
	Params      string  `db:"params"`
	Objective   float64 `db:"objective"`
	MaxDrawdown float64 `db:"max_drawdown"`
	Status      string  `db:"status"`
	Error       string  `db:"error"`
	RunID       string  `db:"run_id"`
	CreatedAt   int64   `db:"created_at"`
	UpdatedAt   int64   `db:"updated_at"`
}

func (row trialRow) toTrial() (persistence.Trial, error) {
	t := persistence.Trial{
		ID:          row.ID,
		ParamHash:   row.ParamHash,
		SegmentID:   row.SegmentID,
		SpaceHash:   row.SpaceHash,
		Objective:   row.Objective,
		MaxDrawdown: row.MaxDrawdown,
		Status:      persistence.TrialStatus(row.Status),
		Error:       row.Error,
		RunID:       row.RunID,
		CreatedAt:   fromNanos(row.CreatedAt),
		UpdatedAt:   fromNanos(row.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(row.Params), &t.Params); err != nil {
		return t, fmt.Errorf("failed to unmarshal params for trial %s: %w", row.ID, err)
	}
	return t, nil
}

const trialColumns = `id, param_hash, segment_id, space_hash, params, objective, max_drawdown,
	status, error, run_id, created_at, updated_at`

// Reserve claims the key with a pending row. An existing pending row whose
// claim is older than staleAfter is taken over; anything else wins.
func (r *trialRepo) Reserve(ctx context.Context, trial persistence.Trial, staleAfter time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := checkKey(trial); err != nil {
		return false, err
	}

	params, err := json.Marshal(trial.Params)
	if err != nil {
		return false, fmt.Errorf("failed to marshal params: %w", err)
	}

	now := r.now().UnixNano()
	cutoff := int64(0)
	if staleAfter > 0 {
		cutoff = now - staleAfter.Nanoseconds()
	}

	query := `
		INSERT INTO trials (` + trialColumns + `)
		VALUES (?, ?, ?, ?, ?, 0, 0, 'pending', '', ?, ?, ?)
		ON CONFLICT (param_hash, segment_id) DO UPDATE SET
			id = EXCLUDED.id,
			run_id = EXCLUDED.run_id,
			updated_at = EXCLUDED.updated_at
		WHERE trials.status = 'pending' AND trials.updated_at < ?`

	res, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		trial.ID, trial.ParamHash, trial.SegmentID, trial.SpaceHash, string(params),
		trial.RunID, now, now, cutoff)
	if err != nil {
		return false, fmt.Errorf("failed to reserve trial: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read reserve result: %w", err)
	}
	return n > 0, nil
}

// Record upserts a finished trial in one statement
func (r *trialRepo) Record(ctx context.Context, trial persistence.Trial) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := checkKey(trial); err != nil {
		return err
	}
	if !trial.Status.Valid() {
		return fmt.Errorf("invalid trial status: %q", trial.Status)
	}

	params, err := json.Marshal(trial.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	now := r.now()
	created := trial.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := `
		INSERT INTO trials (` + trialColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (param_hash, segment_id) DO UPDATE SET
			id = EXCLUDED.id,
			space_hash = EXCLUDED.space_hash,
			params = EXCLUDED.params,
			objective = EXCLUDED.objective,
			max_drawdown = EXCLUDED.max_drawdown,
			status = EXCLUDED.status,
			error = EXCLUDED.error,
			run_id = EXCLUDED.run_id,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, r.db.Rebind(query),
		trial.ID, trial.ParamHash, trial.SegmentID, trial.SpaceHash, string(params),
		trial.Objective, trial.MaxDrawdown, string(trial.Status), trial.Error, trial.RunID,
		nanos(created), now.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record trial %s: %w", trial.ID, err)
	}

	return nil
}

// Exists reports whether the key has a row in any status
func (r *trialRepo) Exists(ctx context.Context, paramHash, segmentID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int
	query := `SELECT COUNT(1) FROM trials WHERE param_hash = ? AND segment_id = ?`
	if err := r.db.GetContext(ctx, &count, r.db.Rebind(query), paramHash, segmentID); err != nil {
		return false, fmt.Errorf("failed to check trial existence: %w", err)
	}
	return count > 0, nil
}

// Get returns the trial stored for the key
func (r *trialRepo) Get(ctx context.Context, paramHash, segmentID string) (*persistence.Trial, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var row trialRow
	query := `SELECT ` + trialColumns + ` FROM trials WHERE param_hash = ? AND segment_id = ?`
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(query), paramHash, segmentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get trial: %w", err)
	}

	t, err := row.toTrial()
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListBySegment returns the segment's trials in insertion order
func (r *trialRepo) ListBySegment(ctx context.Context, segmentID string) ([]persistence.Trial, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + trialColumns + ` FROM trials WHERE segment_id = ? ORDER BY created_at, id`
	return r.list(ctx, r.db.Rebind(query), segmentID)
}

// ListBySpace returns trials of one parameter space, optionally filtered by status
func (r *trialRepo) ListBySpace(ctx context.Context, spaceHash string, statuses ...persistence.TrialStatus) ([]persistence.Trial, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if len(statuses) == 0 {
		query := `SELECT ` + trialColumns + ` FROM trials WHERE space_hash = ? ORDER BY created_at, id`
		return r.list(ctx, r.db.Rebind(query), spaceHash)
	}

	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query, args, err := sqlx.In(
		`SELECT `+trialColumns+` FROM trials WHERE space_hash = ? AND status IN (?) ORDER BY created_at, id`,
		spaceHash, names)
	if err != nil {
		return nil, fmt.Errorf("failed to build trial query: %w", err)
	}
	return r.list(ctx, r.db.Rebind(query), args...)
}

func (r *trialRepo) list(ctx context.Context, query string, args ...interface{}) ([]persistence.Trial, error) {
	var rows []trialRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list trials: %w", err)
	}

	trials := make([]persistence.Trial, 0, len(rows))
	for _, row := range rows {
		t, err := row.toTrial()
		if err != nil {
			return nil, err
		}
		trials = append(trials, t)
	}
	return trials, nil
}

// MarkBadRegion stores or refreshes a bad-region marker
func (r *trialRepo) MarkBadRegion(ctx context.Context, region persistence.BadRegion) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if region.SpaceHash == "" || region.ParamHash == "" {
		return fmt.Errorf("bad region needs space and param hash")
	}

	params, err := json.Marshal(region.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	created := region.CreatedAt
	if created.IsZero() {
		created = r.now()
	}

	query := `
		INSERT INTO bad_regions (space_hash, param_hash, params, reason, objective, max_drawdown, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (space_hash, param_hash) DO UPDATE SET
			reason = EXCLUDED.reason,
			objective = EXCLUDED.objective,
			max_drawdown = EXCLUDED.max_drawdown`

	_, err = r.db.ExecContext(ctx, r.db.Rebind(query),
		region.SpaceHash, region.ParamHash, string(params), region.Reason,
		region.Objective, region.MaxDrawdown, nanos(created))
	if err != nil {
		return fmt.Errorf("failed to mark bad region: %w", err)
	}
	return nil
}

type badRegionRow struct {
	SpaceHash   string  `db:"space_hash"`
	ParamHash   string  `db:"param_hash"`
	Params      string  `db:"params"`
	Reason      string  `db:"reason"`
	Objective   float64 `db:"objective"`
	MaxDrawdown float64 `db:"max_drawdown"`
	CreatedAt   int64   `db:"created_at"`
}

// BadRegions returns all markers for a space, oldest first
func (r *trialRepo) BadRegions(ctx context.Context, spaceHash string) ([]persistence.BadRegion, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []badRegionRow
	query := `
		SELECT space_hash, param_hash, params, reason, objective, max_drawdown, created_at
		FROM bad_regions WHERE space_hash = ? ORDER BY created_at, param_hash`
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), spaceHash); err != nil {
		return nil, fmt.Errorf("failed to list bad regions: %w", err)
	}

	regions := make([]persistence.BadRegion, 0, len(rows))
	for _, row := range rows {
		br := persistence.BadRegion{
			SpaceHash:   row.SpaceHash,
			ParamHash:   row.ParamHash,
			Reason:      row.Reason,
			Objective:   row.Objective,
			MaxDrawdown: row.MaxDrawdown,
			CreatedAt:   fromNanos(row.CreatedAt),
		}
		if err := json.Unmarshal([]byte(row.Params), &br.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal bad region params: %w", err)
		}
		regions = append(regions, br)
	}
	return regions, nil
}

func checkKey(t persistence.Trial) error {
	if t.ParamHash == "" || t.SegmentID == "" {
		return fmt.Errorf("trial key incomplete (param_hash=%q segment_id=%q)", t.ParamHash, t.SegmentID)
	}
	return nil
}

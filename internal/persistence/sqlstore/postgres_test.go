package sqlstore

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/retune/internal/persistence"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })
	return sqlx.NewDb(mockDB, "postgres"), mock
}

func TestTrialRepo_Postgres_RecordUsesDollarPlaceholders(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTrialRepo(db, time.Second)

	trial := sampleTrial("t-1")
	trial.Status = persistence.TrialScored
	trial.Objective = 0.8

	mock.ExpectExec(regexp.QuoteMeta("VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)")).
		WithArgs("t-1", "hash-a", "seg-1", "space-1", sqlmock.AnyArg(), 0.8, 0.0, "scored", "", "run-1",
			sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Record(context.Background(), trial))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrialRepo_Postgres_ReserveConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTrialRepo(db, time.Second)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (param_hash, segment_id) DO UPDATE")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.Reserve(context.Background(), sampleTrial("t-1"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrialRepo_Postgres_ListByStatusExpandsIn(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTrialRepo(db, time.Second)

	rows := sqlmock.NewRows([]string{"id", "param_hash", "segment_id", "space_hash", "params", "objective",
		"max_drawdown", "status", "error", "run_id", "created_at", "updated_at"}).
		AddRow("t-1", "hash-a", "seg-1", "space-1", `{"lookback":20}`, 1.2, 0.1, "scored", "", "run-1", int64(1), int64(2))

	mock.ExpectQuery(regexp.QuoteMeta("status IN ($2, $3)")).
		WithArgs("space-1", "scored", "failed").
		WillReturnRows(rows)

	trials, err := repo.ListBySpace(context.Background(), "space-1", persistence.TrialScored, persistence.TrialFailed)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, 20.0, trials[0].Params["lookback"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTrialRepo_Postgres_RecordError(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTrialRepo(db, time.Second)

	trial := sampleTrial("t-1")
	trial.Status = persistence.TrialFailed
	mock.ExpectExec("INSERT INTO trials").WillReturnError(errors.New("connection reset"))

	err := repo.Record(context.Background(), trial)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestTrialRepo_RejectsIncompleteKey(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewTrialRepo(db, time.Second)

	trial := sampleTrial("t-1")
	trial.SegmentID = ""
	trial.Status = persistence.TrialScored
	assert.Error(t, repo.Record(context.Background(), trial))
}

func TestCandidateRepo_Postgres_UpdateConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewCandidateRepo(db, time.Second)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $7 AND status = $8")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(1) FROM candidates WHERE id = $1")).
		WithArgs("c-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := repo.Update(context.Background(), persistence.Candidate{ID: "c-1", Status: "PAPER"}, "STAGED")
	assert.True(t, errors.Is(err, persistence.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

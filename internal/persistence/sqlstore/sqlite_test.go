package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sawpanic/retune/internal/persistence"
)

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// each connection to :memory: is its own database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(context.Background(), db))
	return db
}

func sampleTrial(id string) persistence.Trial {
	return persistence.Trial{
		ID:        id,
		ParamHash: "hash-a",
		SegmentID: "seg-1",
		SpaceHash: "space-1",
		Params:    map[string]float64{"lookback": 20, "z_entry": 1.5},
		RunID:     "run-1",
	}
}

func TestTrialRepo_RecordDedup(t *testing.T) {
	ctx := context.Background()
	repo := NewTrialRepo(openSQLite(t), 5*time.Second)

	first := sampleTrial("t-1")
	first.Status = persistence.TrialScored
	first.Objective = 1.1
	require.NoError(t, repo.Record(ctx, first))

	second := sampleTrial("t-2")
	second.Status = persistence.TrialScored
	second.Objective = 1.4
	require.NoError(t, repo.Record(ctx, second))

	exists, err := repo.Exists(ctx, "hash-a", "seg-1")
	require.NoError(t, err)
	assert.True(t, exists)

	trials, err := repo.ListBySegment(ctx, "seg-1")
	require.NoError(t, err)
	require.Len(t, trials, 1, "same key must converge to one record")
	assert.Equal(t, 1.4, trials[0].Objective, "last writer wins")
	assert.Equal(t, "t-2", trials[0].ID)
	assert.Equal(t, 20.0, trials[0].Params["lookback"])

	missing, err := repo.Exists(ctx, "hash-a", "seg-2")
	require.NoError(t, err)
	assert.False(t, missing)
}

func TestTrialRepo_ConcurrentRecord(t *testing.T) {
	ctx := context.Background()
	repo := NewTrialRepo(openSQLite(t), 5*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr := sampleTrial(fmt.Sprintf("t-%d", i))
			tr.Status = persistence.TrialScored
			tr.Objective = float64(i)
			assert.NoError(t, repo.Record(ctx, tr))
		}(i)
	}
	wg.Wait()

	trials, err := repo.ListBySegment(ctx, "seg-1")
	require.NoError(t, err)
	assert.Len(t, trials, 1)
}

func TestTrialRepo_ReserveClaims(t *testing.T) {
	ctx := context.Background()
	repo := NewTrialRepo(openSQLite(t), 5*time.Second).(*trialRepo)

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }

	ok, err := repo.Reserve(ctx, sampleTrial("t-1"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Reserve(ctx, sampleTrial("t-2"), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "live claim must not be taken over")

	clock = clock.Add(2 * time.Hour)
	ok, err = repo.Reserve(ctx, sampleTrial("t-3"), time.Hour)
	require.NoError(t, err)
	assert.True(t, ok, "stale claim can be reclaimed")

	scored := sampleTrial("t-3")
	scored.Status = persistence.TrialScored
	require.NoError(t, repo.Record(ctx, scored))

	clock = clock.Add(24 * time.Hour)
	ok, err = repo.Reserve(ctx, sampleTrial("t-4"), time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "finished trials are never reclaimed")

	got, err := repo.Get(ctx, "hash-a", "seg-1")
	require.NoError(t, err)
	assert.Equal(t, persistence.TrialScored, got.Status)
	assert.Equal(t, "t-3", got.ID)
}

func TestTrialRepo_ListBySpaceFiltersStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewTrialRepo(openSQLite(t), 5*time.Second)

	for i, status := range []persistence.TrialStatus{persistence.TrialScored, persistence.TrialFailed, persistence.TrialScored} {
		tr := sampleTrial(fmt.Sprintf("t-%d", i))
		tr.ParamHash = fmt.Sprintf("hash-%d", i)
		tr.Status = status
		if status == persistence.TrialFailed {
			tr.Error = "backtest exited 1"
		}
		require.NoError(t, repo.Record(ctx, tr))
	}

	all, err := repo.ListBySpace(ctx, "space-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scored, err := repo.ListBySpace(ctx, "space-1", persistence.TrialScored)
	require.NoError(t, err)
	assert.Len(t, scored, 2)

	other, err := repo.ListBySpace(ctx, "space-2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestTrialRepo_GetMissing(t *testing.T) {
	repo := NewTrialRepo(openSQLite(t), 5*time.Second)
	_, err := repo.Get(context.Background(), "nope", "seg-1")
	assert.True(t, errors.Is(err, persistence.ErrNotFound))
}

func TestTrialRepo_BadRegions(t *testing.T) {
	ctx := context.Background()
	repo := NewTrialRepo(openSQLite(t), 5*time.Second)

	region := persistence.BadRegion{
		SpaceHash: "space-1",
		ParamHash: "hash-a",
		Params:    map[string]float64{"lookback": 5},
		Reason:    "objective below floor",
		Objective: -2,
	}
	require.NoError(t, repo.MarkBadRegion(ctx, region))
	region.Reason = "drawdown above ceiling"
	require.NoError(t, repo.MarkBadRegion(ctx, region))

	regions, err := repo.BadRegions(ctx, "space-1")
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, "drawdown above ceiling", regions[0].Reason)
	assert.Equal(t, 5.0, regions[0].Params["lookback"])
}

func TestCandidateRepo_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	repo := NewCandidateRepo(openSQLite(t), 5*time.Second)

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c := persistence.Candidate{
		ID:        "c-1",
		RunID:     "run-1",
		Params:    map[string]float64{"lookback": 20},
		ParamHash: "hash-a",
		Status:    "PROPOSED",
		CreatedAt: at,
		UpdatedAt: at,
	}
	require.NoError(t, repo.Insert(ctx, c))

	c.Status = "STAGED"
	c.History = append(c.History, persistence.StatusChange{From: "PROPOSED", To: "STAGED", Event: "approve", At: at})
	require.NoError(t, repo.Update(ctx, c, "PROPOSED"))

	stale := c
	stale.Status = "REJECTED"
	err := repo.Update(ctx, stale, "PROPOSED")
	assert.True(t, errors.Is(err, persistence.ErrConflict))

	got, err := repo.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, "STAGED", got.Status)
	require.Len(t, got.History, 1)
	assert.Equal(t, "approve", got.History[0].Event)

	missing := c
	missing.ID = "c-404"
	assert.True(t, errors.Is(repo.Update(ctx, missing, "STAGED"), persistence.ErrNotFound))

	list, err := repo.List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRunRepo_SaveAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepo(openSQLite(t), 5*time.Second)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.SaveRun(ctx, persistence.RunRecord{
			ID:         fmt.Sprintf("run-%d", i),
			StartedAt:  base.Add(time.Duration(i) * time.Hour),
			FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
			Outcome:    "rejected",
			Summary:    []byte(`{"trials":10}`),
		}))
	}

	runs, err := repo.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)

	got, err := repo.GetRun(ctx, "run-0")
	require.NoError(t, err)
	assert.JSONEq(t, `{"trials":10}`, string(got.Summary))
	assert.Equal(t, base, got.StartedAt)
}

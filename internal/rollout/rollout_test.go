package rollout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sawpanic/retune/internal/notify"
	"github.com/sawpanic/retune/internal/persistence"
	"github.com/sawpanic/retune/internal/persistence/sqlstore"
	"github.com/sawpanic/retune/internal/runtime"
	"github.com/sawpanic/retune/internal/tune/space"
	"github.com/sawpanic/retune/internal/versions"
)

type fakeRuntime struct {
	mu        sync.Mutex
	reloaded  []string
	reloadErr error
	live      runtime.Metrics
	paper     runtime.Metrics
}

func (f *fakeRuntime) ReloadConfig(_ context.Context, versionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reloadErr != nil {
		return f.reloadErr
	}
	f.reloaded = append(f.reloaded, versionID)
	return nil
}

func (f *fakeRuntime) LiveMetrics(context.Context) (runtime.Metrics, error) { return f.live, nil }

func (f *fakeRuntime) PaperMetrics(_ context.Context, versionID string) (runtime.Metrics, error) {
	m := f.paper
	m.VersionID = versionID
	return m, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Publish(e notify.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []notify.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []notify.EventType
	for _, e := range l.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	sup      *Supervisor
	store    *versions.Store
	rt       *fakeRuntime
	events   *eventLog
	baseline string
	next     string
}

// failingUpdates rejects every update that moves a candidate into status
type failingUpdates struct {
	persistence.CandidateRepo
	status Status
}

func (r *failingUpdates) Update(ctx context.Context, c persistence.Candidate, expectedStatus string) error {
	if c.Status == string(r.status) {
		return errors.New("database is locked")
	}
	return r.CandidateRepo.Update(ctx, c, expectedStatus)
}

type fixtureOptions struct {
	noBaseline bool
	failInto   Status
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, fixtureOptions{})
}

func newFixtureWith(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	db, err := sqlx.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, sqlstore.Migrate(context.Background(), db))

	store, err := versions.New(t.TempDir())
	require.NoError(t, err)
	v1, err := store.Save(versions.Snapshot{Params: space.Vector{"lookback": 20}}, versions.Metadata{Source: "seed"})
	require.NoError(t, err)
	if !opts.noBaseline {
		_, err = store.SetCurrent(v1.ID, versions.SetOptions{Reason: "baseline"})
		require.NoError(t, err)
	}
	v2, err := store.Save(versions.Snapshot{Params: space.Vector{"lookback": 35}}, versions.Metadata{Source: "run", RunID: "run-1"})
	require.NoError(t, err)

	rt := &fakeRuntime{
		paper: runtime.Metrics{Sharpe: 1.1, MaxDrawdown: 0.08, Trades: 40},
		live:  runtime.Metrics{Sharpe: 0.9, MaxDrawdown: 0.1, Trades: 60},
	}
	events := &eventLog{}
	var repo persistence.CandidateRepo = sqlstore.NewCandidateRepo(db, 5*time.Second)
	if opts.failInto != "" {
		repo = &failingUpdates{CandidateRepo: repo, status: opts.failInto}
	}
	sup := NewSupervisor(DefaultConfig(), repo, store, rt, events)
	return &fixture{sup: sup, store: store, rt: rt, events: events, baseline: v1.ID, next: v2.ID}
}

func (f *fixture) paperCandidate(t *testing.T) *Candidate {
	t.Helper()
	ctx := context.Background()
	c, err := f.sup.Propose(ctx, "run-1", space.Vector{"lookback": 35})
	require.NoError(t, err)
	_, err = f.sup.Decide(ctx, c.ID, true, f.next, nil)
	require.NoError(t, err)
	c, err = f.sup.PromotePaper(ctx, c.ID, "")
	require.NoError(t, err)
	require.Equal(t, StatusPaper, c.Status)
	return c
}

func TestTransitionTable(t *testing.T) {
	all := []Event{EventApprove, EventReject, EventPromotePaper, EventPaperPass, EventPaperFail, EventRollback}

	for _, s := range []Status{StatusRejected, StatusRolledBack} {
		assert.True(t, s.Terminal(), s)
		for _, ev := range all {
			_, err := Next(s, ev)
			var ite *InvalidTransitionError
			require.ErrorAs(t, err, &ite, "%s --%s", s, ev)
			assert.Contains(t, err.Error(), "terminal")
		}
	}

	to, err := Next(StatusPaper, EventPaperPass)
	require.NoError(t, err)
	assert.Equal(t, StatusLive, to)

	_, err = Next(StatusProposed, EventRollback)
	assert.Error(t, err)
	_, err = Next(StatusStaged, EventPaperPass)
	assert.Error(t, err, "paper is mandatory before live")
}

func TestCandidate_FireRejectedLeavesState(t *testing.T) {
	c := &Candidate{ID: "c1", Status: StatusStaged}
	err := c.Fire(EventRollback, "no", time.Now())
	require.Error(t, err)
	assert.Equal(t, StatusStaged, c.Status)
	assert.Empty(t, c.History)

	require.NoError(t, c.Fire(EventPromotePaper, "go", time.Now()))
	require.Len(t, c.History, 1)
	assert.Equal(t, "STAGED", c.History[0].From)
	assert.Equal(t, "PAPER", c.History[0].To)
}

func TestSupervisor_FullLifecycleAndIdempotentRollback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.paperCandidate(t)

	c, err := f.sup.CheckPaper(ctx, c.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusLive, c.Status)
	assert.Equal(t, f.baseline, c.PreviousVersionID)
	assert.Equal(t, 40.0, c.Evidence["trades"])

	cur, err := f.store.Current()
	require.NoError(t, err)
	assert.Equal(t, f.next, cur.VersionID)
	assert.Equal(t, []string{f.next}, f.rt.reloaded)

	// healthy live metrics do nothing
	_, tripped, err := f.sup.CheckLive(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, tripped)

	f.rt.live = runtime.Metrics{Sharpe: 0.4, MaxDrawdown: 0.31, Trades: 80}
	c, tripped, err = f.sup.CheckLive(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, tripped)
	assert.Equal(t, StatusRolledBack, c.Status)

	cur, err = f.store.Current()
	require.NoError(t, err)
	assert.Equal(t, f.baseline, cur.VersionID)

	history, err := f.store.History()
	require.NoError(t, err)
	historyLen := len(c.History)

	again, err := f.sup.Rollback(ctx, c.ID, "operator")
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, again.Status)
	assert.Len(t, again.History, historyLen)

	after, err := f.store.History()
	require.NoError(t, err)
	assert.Len(t, after, len(history), "second rollback must not move the pointer")
	cur, err = f.store.Current()
	require.NoError(t, err)
	assert.Equal(t, f.baseline, cur.VersionID)

	assert.Equal(t, []notify.EventType{notify.EventApproved, notify.EventPromoted, notify.EventRolledBack}, f.events.types())
}

func TestSupervisor_PaperFailRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.paperCandidate(t)

	c, err := f.sup.CheckPaper(ctx, c.ID, &runtime.Metrics{Sharpe: 0.2, MaxDrawdown: 0.3, Trades: 5})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, c.Status)
	last := c.History[len(c.History)-1]
	assert.Contains(t, last.Reason, "paper sharpe")
	assert.Contains(t, last.Reason, "paper drawdown")
	assert.Contains(t, last.Reason, "paper trades")

	cur, err := f.store.Current()
	require.NoError(t, err)
	assert.Equal(t, f.baseline, cur.VersionID)
	assert.Empty(t, f.rt.reloaded)

	_, err = f.sup.PromotePaper(ctx, c.ID, "")
	var ite *InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
}

func TestSupervisor_GateRejection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.sup.Propose(ctx, "run-2", space.Vector{"lookback": 50})
	require.NoError(t, err)
	c, err = f.sup.Decide(ctx, c.ID, false, "", []string{"sharpe_improvement: too small", "tail_drawdown: p99 too deep"})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, c.Status)
	assert.Empty(t, c.VersionID)

	_, err = f.sup.Rollback(ctx, c.ID, "")
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusRejected, ite.From)

	require.Len(t, f.events.events, 1)
	assert.Equal(t, notify.EventRejected, f.events.events[0].Type)
	assert.Len(t, f.events.events[0].Reasons, 2)
}

func TestSupervisor_ReloadFailureRevertsPointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.paperCandidate(t)

	f.rt.reloadErr = errors.New("connection refused")
	_, err := f.sup.CheckPaper(ctx, c.ID, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeploy)

	cur, err := f.store.Current()
	require.NoError(t, err)
	assert.Equal(t, f.baseline, cur.VersionID)

	c, err = f.sup.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaper, c.Status, "candidate stays in paper")
}

func TestSupervisor_FirstDeployReloadFailureRemovesPointer(t *testing.T) {
	f := newFixtureWith(t, fixtureOptions{noBaseline: true})
	ctx := context.Background()
	c := f.paperCandidate(t)

	f.rt.reloadErr = errors.New("connection refused")
	_, err := f.sup.CheckPaper(ctx, c.ID, nil)
	require.ErrorIs(t, err, ErrDeploy)

	_, err = f.store.Current()
	assert.ErrorIs(t, err, versions.ErrNoCurrent, "no version was live before, none is after")

	c, err = f.sup.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaper, c.Status)
}

func TestSupervisor_PersistFailureAfterSwapRevertsDeploy(t *testing.T) {
	f := newFixtureWith(t, fixtureOptions{failInto: StatusLive})
	ctx := context.Background()
	c := f.paperCandidate(t)

	_, err := f.sup.CheckPaper(ctx, c.ID, nil)
	require.ErrorIs(t, err, ErrDeploy)
	assert.ErrorContains(t, err, "database is locked")

	cur, err := f.store.Current()
	require.NoError(t, err)
	assert.Equal(t, f.baseline, cur.VersionID)
	assert.Equal(t, []string{f.next, f.baseline}, f.rt.reloaded, "runtime goes back to the replaced version")

	c, err = f.sup.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaper, c.Status)
	assert.NotContains(t, f.events.types(), notify.EventPromoted)
}

func TestSupervisor_FirstDeployPersistFailureRemovesPointer(t *testing.T) {
	f := newFixtureWith(t, fixtureOptions{noBaseline: true, failInto: StatusLive})
	ctx := context.Background()
	c := f.paperCandidate(t)

	_, err := f.sup.CheckPaper(ctx, c.ID, nil)
	require.ErrorIs(t, err, ErrDeploy)

	_, err = f.store.Current()
	assert.ErrorIs(t, err, versions.ErrNoCurrent)
	assert.Equal(t, []string{f.next}, f.rt.reloaded, "nothing to reload back to")
}

func TestSupervisor_RollbackRetryAfterReloadFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.paperCandidate(t)
	_, err := f.sup.CheckPaper(ctx, c.ID, nil)
	require.NoError(t, err)

	f.rt.reloadErr = errors.New("connection refused")
	_, err = f.sup.Rollback(ctx, c.ID, "drawdown")
	require.ErrorIs(t, err, ErrDeploy)

	cur, err := f.store.Current()
	require.NoError(t, err)
	assert.Equal(t, f.next, cur.VersionID, "pointer follows what the runtime still runs")
	c, err = f.sup.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusLive, c.Status)

	f.rt.reloadErr = nil
	c, err = f.sup.Rollback(ctx, c.ID, "drawdown")
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, c.Status)

	cur, err = f.store.Current()
	require.NoError(t, err)
	assert.Equal(t, f.baseline, cur.VersionID)
	assert.Equal(t, []string{f.next, f.baseline}, f.rt.reloaded)
}

func TestSupervisor_LiveBelowMinTradesHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.paperCandidate(t)
	_, err := f.sup.CheckPaper(ctx, c.ID, nil)
	require.NoError(t, err)

	f.rt.live = runtime.Metrics{Sharpe: -2, MaxDrawdown: 0.5, Trades: 3}
	c, tripped, err := f.sup.CheckLive(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, tripped)
	assert.Equal(t, StatusLive, c.Status)
}

func TestSupervisor_RollbackOfSupersededCandidateKeepsPointer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.paperCandidate(t)
	_, err := f.sup.CheckPaper(ctx, c.ID, nil)
	require.NoError(t, err)

	v3, err := f.store.Save(versions.Snapshot{Params: space.Vector{"lookback": 60}}, versions.Metadata{Source: "manual"})
	require.NoError(t, err)
	_, err = f.store.SetCurrent(v3.ID, versions.SetOptions{Reason: "manual"})
	require.NoError(t, err)

	c, err = f.sup.Rollback(ctx, c.ID, "retired")
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, c.Status)

	cur, err := f.store.Current()
	require.NoError(t, err)
	assert.Equal(t, v3.ID, cur.VersionID)
}

func TestSupervisor_RollbackVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.SetCurrent(f.next, versions.SetOptions{Reason: "manual"})
	require.NoError(t, err)

	update, err := f.sup.RollbackVersion(ctx, versions.Latest, versions.SetOptions{NoBackup: true})
	require.NoError(t, err)
	assert.Equal(t, f.next, update.Previous)
	assert.Equal(t, f.baseline, update.Next)
	assert.Equal(t, []string{f.baseline}, f.rt.reloaded)
	assert.Equal(t, []notify.EventType{notify.EventRolledBack}, f.events.types())

	_, err = f.sup.RollbackVersion(ctx, versions.Latest, versions.SetOptions{})
	assert.ErrorIs(t, err, versions.ErrNoPriorVersion)
}

func TestSupervisor_RollbackVersionReloadFailureRestoresPointer(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.SetCurrent(f.next, versions.SetOptions{Reason: "manual"})
	require.NoError(t, err)
	f.rt.reloadErr = errors.New("connection refused")

	_, err = f.sup.RollbackVersion(context.Background(), f.baseline, versions.SetOptions{})
	require.ErrorIs(t, err, ErrDeploy)

	cur, err := f.store.Current()
	require.NoError(t, err)
	assert.Equal(t, f.next, cur.VersionID)
}

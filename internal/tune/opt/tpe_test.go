package opt

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/retune/internal/persistence"
	"github.com/sawpanic/retune/internal/tune/space"
)

func TestKernelDensity_IntegratesToOne(t *testing.T) {
	for _, points := range [][]float64{nil, {0.5}, {0.01, 0.02, 0.99}, {0.3, 0.31, 0.32, 0.33}} {
		k := newKernelDensity(points, 1.0, 0.02)
		const steps = 4000
		sum := 0.0
		for i := 0; i < steps; i++ {
			sum += k.pdf((float64(i)+0.5)/steps) / steps
		}
		assert.InDelta(t, 1.0, sum, 0.01, "points %v", points)
		assert.Zero(t, k.pdf(-0.1))
		assert.Zero(t, k.pdf(1.1))
	}
}

func TestKernelDensity_SamplesStayInUnitInterval(t *testing.T) {
	k := newKernelDensity([]float64{0.0, 1.0}, 0.5, 0.3)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 1000; i++ {
		x := k.sample(rng)
		require.GreaterOrEqual(t, x, 0.0)
		require.LessOrEqual(t, x, 1.0)
	}
}

func TestCategoricalDensity_Smoothed(t *testing.T) {
	c := newCategoricalDensity([]float64{2, 2, 2, 0}, 3, 1.0)
	total := 0.0
	for _, p := range c.probs {
		total += p
		assert.Greater(t, p, 0.0, "prior keeps every choice reachable")
	}
	assert.InDelta(t, 1.0, total, 1e-12)
	assert.Greater(t, c.pdf(2), c.pdf(0))
	assert.Greater(t, c.pdf(0), c.pdf(1))
	assert.Zero(t, c.pdf(5))
}

func lineSpace(t *testing.T) *space.Space {
	t.Helper()
	sp, err := space.New([]space.Dimension{
		{Name: "x", Kind: space.KindContinuous, Min: 0, Max: 1},
		{Name: "mode", Kind: space.KindCategorical, Choices: []string{"a", "b"}},
		{Name: "fee_bps", Kind: space.KindContinuous, Min: 0, Max: 10, Locked: true, Value: 4},
	})
	require.NoError(t, err)
	return sp
}

func lineHistory(n int) []persistence.Trial {
	trials := make([]persistence.Trial, 0, n)
	for i := 0; i < n; i++ {
		x := float64(i) / float64(n)
		v := space.Vector{"x": x, "mode": 1, "fee_bps": 4}
		dist := x - 0.2
		if dist < 0 {
			dist = -dist
		}
		trials = append(trials, persistence.Trial{
			ParamHash: v.Hash(),
			Params:    v,
			Objective: -dist,
			Status:    persistence.TrialScored,
		})
	}
	return trials
}

func TestFitModel_StartupThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartupTrials = 10

	assert.Nil(t, fitModel(lineSpace(t), lineHistory(9), nil, cfg))
	assert.NotNil(t, fitModel(lineSpace(t), lineHistory(10), nil, cfg))

	// failed and out-of-space trials do not count
	history := lineHistory(10)
	history[0].Status = persistence.TrialFailed
	history[1].Params = map[string]float64{"x": 7}
	assert.Nil(t, fitModel(lineSpace(t), history, nil, cfg))
}

func TestModel_ProposalsFavourGoodRegion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartupTrials = 10
	sp := lineSpace(t)
	m := fitModel(sp, lineHistory(40), nil, cfg)
	require.NotNil(t, m)

	rng := rand.New(rand.NewPCG(42, 0))
	sum := 0.0
	for i := 0; i < 200; i++ {
		v := m.propose(rng, cfg.EICandidates)
		require.NoError(t, sp.Validate(v))
		assert.Equal(t, 4.0, v["fee_bps"], "locked dimension keeps its value")
		sum += v["x"]
	}
	assert.Less(t, sum/200, 0.35)
}

func TestModel_PenaltyAroundBadRegions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StartupTrials = 1
	cfg.BadRegionRadius = 0.1
	cfg.BadRegionWeight = 2
	sp := lineSpace(t)

	region := space.Vector{"x": 0.5, "mode": 0, "fee_bps": 4}
	m := fitModel(sp, lineHistory(10), []persistence.BadRegion{
		{ParamHash: region.Hash(), Params: region},
		{ParamHash: "invalid", Params: map[string]float64{"x": 3}},
	}, cfg)
	require.NotNil(t, m)
	require.Len(t, m.regions, 1)

	assert.InDelta(t, 2.0, m.penalty(region), 1e-12)
	assert.Less(t, m.penalty(space.Vector{"x": 0.5, "mode": 1, "fee_bps": 4}), 2.0)
	assert.Less(t, m.penalty(space.Vector{"x": 0.95, "mode": 0, "fee_bps": 4}), 1e-3)
}

func TestRankTrials(t *testing.T) {
	trials := []persistence.Trial{
		{ParamHash: "b", SpaceHash: "s", Objective: 1.0, Status: persistence.TrialScored},
		{ParamHash: "a", SpaceHash: "s", Objective: 1.0, Status: persistence.TrialScored},
		{ParamHash: "c", SpaceHash: "s", Objective: 2.0, Status: persistence.TrialScored},
		{ParamHash: "c", SpaceHash: "s", Objective: 2.0, Status: persistence.TrialScored},
		{ParamHash: "d", SpaceHash: "s", Objective: 9.0, Status: persistence.TrialFailed},
		{ParamHash: "e", SpaceHash: "other", Objective: 9.0, Status: persistence.TrialScored},
		{ParamHash: "f", SpaceHash: "s", Objective: -1, Status: persistence.TrialScored},
	}

	top := RankTrials(trials, "s", 3)
	require.Len(t, top, 3)
	var hashes []string
	for _, tr := range top {
		hashes = append(hashes, tr.ParamHash)
	}
	assert.Equal(t, []string{"c", "a", "b"}, hashes)

	assert.Len(t, RankTrials(trials, "s", 0), 4)
}

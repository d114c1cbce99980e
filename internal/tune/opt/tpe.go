package opt

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sawpanic/retune/internal/persistence"
	"github.com/sawpanic/retune/internal/tune/space"
)

// density is a one-dimensional estimator over a dimension's coordinate:
// unit space for numeric kinds, the choice index for discrete ones
type density interface {
	pdf(c float64) float64
	sample(rng *rand.Rand) float64
}

// kernelDensity is a mixture of a uniform prior on [0,1] and Gaussian
// kernels truncated to [0,1]
type kernelDensity struct {
	points []float64
	norms  []float64 // truncation mass of each kernel
	sigma  float64
	prior  float64
}

func newKernelDensity(points []float64, prior, minSigma float64) *kernelDensity {
	sigma := 0.5
	if n := len(points); n >= 2 {
		sigma = 1.06 * stat.StdDev(points, nil) * math.Pow(float64(n), -0.2)
	}
	sigma = math.Min(1, math.Max(minSigma, sigma))

	k := &kernelDensity{points: points, sigma: sigma, prior: prior, norms: make([]float64, len(points))}
	for i, p := range points {
		n := distuv.Normal{Mu: p, Sigma: sigma}
		k.norms[i] = n.CDF(1) - n.CDF(0)
	}
	return k
}

func (k *kernelDensity) pdf(c float64) float64 {
	if c < 0 || c > 1 {
		return 0
	}
	total := k.prior
	for i, p := range k.points {
		if k.norms[i] <= 0 {
			continue
		}
		total += distuv.Normal{Mu: p, Sigma: k.sigma}.Prob(c) / k.norms[i]
	}
	weight := k.prior + float64(len(k.points))
	if weight == 0 {
		return 1
	}
	return total / weight
}

func (k *kernelDensity) sample(rng *rand.Rand) float64 {
	n := len(k.points)
	pick := rng.Float64() * (k.prior + float64(n))
	if n == 0 || pick < k.prior {
		return rng.Float64()
	}
	i := min(int(pick-k.prior), n-1)
	mu := k.points[i]
	for range 32 {
		x := mu + k.sigma*rng.NormFloat64()
		if x >= 0 && x <= 1 {
			return x
		}
	}
	return math.Min(1, math.Max(0, mu))
}

// categoricalDensity is a smoothed frequency table
type categoricalDensity struct {
	probs []float64
}

func newCategoricalDensity(choices []float64, cardinality int, prior float64) *categoricalDensity {
	counts := make([]float64, cardinality)
	for _, c := range choices {
		if i := int(c); i >= 0 && i < cardinality {
			counts[i]++
		}
	}
	total := prior + float64(len(choices))
	probs := make([]float64, cardinality)
	for i := range probs {
		if total == 0 {
			probs[i] = 1 / float64(cardinality)
			continue
		}
		probs[i] = (prior/float64(cardinality) + counts[i]) / total
	}
	return &categoricalDensity{probs: probs}
}

func (c *categoricalDensity) pdf(x float64) float64 {
	i := int(math.Round(x))
	if i < 0 || i >= len(c.probs) {
		return 0
	}
	return c.probs[i]
}

func (c *categoricalDensity) sample(rng *rand.Rand) float64 {
	u := rng.Float64()
	acc := 0.0
	for i, p := range c.probs {
		acc += p
		if u < acc {
			return float64(i)
		}
	}
	return float64(len(c.probs) - 1)
}

// model is one fitted snapshot of the search. It is rebuilt from the trial
// store only, so a restarted process reconstructs the same proposals.
type model struct {
	space   *space.Space
	dims    []space.Dimension
	free    []space.Dimension
	good    map[string]density
	bad     map[string]density
	regions []space.Vector
	radius  float64
	weight  float64
}

// fitModel builds the good and bad densities from scored trials. It returns
// nil while fewer than StartupTrials usable trials exist.
func fitModel(sp *space.Space, history []persistence.Trial, regions []persistence.BadRegion, cfg Config) *model {
	scored := make([]persistence.Trial, 0, len(history))
	for _, t := range history {
		if t.Status != persistence.TrialScored || math.IsNaN(t.Objective) || math.IsInf(t.Objective, 0) {
			continue
		}
		if sp.Validate(space.Vector(t.Params)) != nil {
			continue
		}
		scored = append(scored, t)
	}
	if len(scored) == 0 || len(scored) < cfg.StartupTrials {
		return nil
	}

	// store order is not stable across dialects
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Objective != scored[j].Objective {
			return scored[i].Objective > scored[j].Objective
		}
		return scored[i].ParamHash < scored[j].ParamHash
	})
	nGood := min(len(scored), max(1, int(math.Ceil(cfg.Gamma*float64(len(scored))))))
	good, bad := scored[:nGood], scored[nGood:]

	m := &model{
		space:  sp,
		dims:   sp.Dimensions(),
		free:   sp.Free(),
		good:   make(map[string]density),
		bad:    make(map[string]density),
		radius: cfg.BadRegionRadius,
		weight: cfg.BadRegionWeight,
	}
	for _, d := range m.free {
		m.good[d.Name] = newDensity(d, coords(d, good), cfg)
		m.bad[d.Name] = newDensity(d, coords(d, bad), cfg)
	}
	for _, r := range regions {
		v := space.Vector(r.Params)
		if sp.Validate(v) == nil {
			m.regions = append(m.regions, v)
		}
	}
	return m
}

func newDensity(d space.Dimension, cs []float64, cfg Config) density {
	if d.Discrete() {
		return newCategoricalDensity(cs, d.Cardinality(), cfg.PriorWeight)
	}
	minSigma := cfg.MinBandwidth
	if d.Kind == space.KindInteger && d.Max > d.Min {
		minSigma = math.Max(minSigma, 0.5/(d.Max-d.Min+1))
	}
	return newKernelDensity(cs, cfg.PriorWeight, minSigma)
}

func coords(d space.Dimension, trials []persistence.Trial) []float64 {
	out := make([]float64, 0, len(trials))
	for _, t := range trials {
		out = append(out, coord(d, t.Params[d.Name]))
	}
	return out
}

func coord(d space.Dimension, x float64) float64 {
	if d.Discrete() {
		return x
	}
	return d.ToUnit(x)
}

func value(d space.Dimension, c float64) float64 {
	if d.Discrete() {
		return c
	}
	return d.FromUnit(c)
}

// propose draws n candidates from the good density and returns the one
// maximising log l(x) - log g(x) - penalty(x)
func (m *model) propose(rng *rand.Rand, n int) space.Vector {
	cands := make([]space.Vector, n)
	scores := make([]float64, n)
	for i := range cands {
		v := make(space.Vector, len(m.dims))
		for _, d := range m.dims {
			if d.Locked {
				v[d.Name] = d.Value
				continue
			}
			v[d.Name] = value(d, m.good[d.Name].sample(rng))
		}
		cands[i] = v
		scores[i] = m.acquisition(v)
	}
	return cands[floats.MaxIdx(scores)]
}

func (m *model) acquisition(v space.Vector) float64 {
	s := 0.0
	for _, d := range m.free {
		c := coord(d, v[d.Name])
		s += safeLog(m.good[d.Name].pdf(c)) - safeLog(m.bad[d.Name].pdf(c))
	}
	return s - m.penalty(v)
}

// penalty is a Gaussian kernel sum around marked bad regions in unit space.
// Discrete dimensions contribute 0 or 1 to the squared distance.
func (m *model) penalty(v space.Vector) float64 {
	if m.weight == 0 || len(m.regions) == 0 {
		return 0
	}
	total := 0.0
	for _, r := range m.regions {
		dist2 := 0.0
		for _, d := range m.free {
			if d.Discrete() {
				if r[d.Name] != v[d.Name] {
					dist2++
				}
				continue
			}
			diff := coord(d, v[d.Name]) - coord(d, r[d.Name])
			dist2 += diff * diff
		}
		total += math.Exp(-dist2 / (2 * m.radius * m.radius))
	}
	return m.weight * total
}

func safeLog(x float64) float64 {
	if x <= 0 {
		return -1e9
	}
	return math.Log(x)
}

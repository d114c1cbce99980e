package space

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDimensions() []Dimension {
	return []Dimension{
		{Name: "lookback", Kind: KindInteger, Min: 5, Max: 60},
		{Name: "z_entry", Kind: KindContinuous, Min: 0.5, Max: 3.0},
		{Name: "vol_target", Kind: KindContinuous, Min: 0.05, Max: 0.8, Log: true},
		{Name: "rebalance", Kind: KindCategorical, Choices: []string{"1h", "4h", "1d"}},
		{Name: "use_funding", Kind: KindBoolean},
		{Name: "max_leverage", Kind: KindContinuous, Min: 1, Max: 5, Locked: true, Value: 2},
	}
}

func TestNew_RejectsBadDeclarations(t *testing.T) {
	tests := []struct {
		name string
		dims []Dimension
	}{
		{"empty", nil},
		{"duplicate", []Dimension{{Name: "a", Kind: KindBoolean}, {Name: "a", Kind: KindBoolean}}},
		{"inverted_bounds", []Dimension{{Name: "a", Kind: KindContinuous, Min: 2, Max: 1}}},
		{"log_non_positive", []Dimension{{Name: "a", Kind: KindContinuous, Min: 0, Max: 1, Log: true}}},
		{"categorical_without_choices", []Dimension{{Name: "a", Kind: KindCategorical}}},
		{"unknown_kind", []Dimension{{Name: "a", Kind: "matrix"}}},
		{"locked_out_of_bounds", []Dimension{{Name: "a", Kind: KindInteger, Min: 1, Max: 3, Locked: true, Value: 9}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.dims)
			assert.Error(t, err)
		})
	}
}

func TestSample_RespectsBoundsAndLocks(t *testing.T) {
	s, err := New(testDimensions())
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		v := s.Sample(rng)
		require.NoError(t, s.Validate(v), "sample %d: %v", i, v)
		assert.Equal(t, 2.0, v["max_leverage"])
	}
}

func TestValidate_Errors(t *testing.T) {
	s, err := New(testDimensions())
	require.NoError(t, err)

	valid := Vector{"lookback": 20, "z_entry": 1.5, "vol_target": 0.2, "rebalance": 1, "use_funding": 1, "max_leverage": 2}
	require.NoError(t, s.Validate(valid))

	oob := valid.Clone()
	oob["z_entry"] = 4
	var boundsErr *OutOfBoundsError
	require.True(t, errors.As(s.Validate(oob), &boundsErr))
	assert.Equal(t, "z_entry", boundsErr.Name)
	assert.Equal(t, 3.0, boundsErr.Max)

	fractional := valid.Clone()
	fractional["lookback"] = 20.5
	var vErr *ValidationError
	assert.True(t, errors.As(s.Validate(fractional), &vErr))

	missing := valid.Clone()
	delete(missing, "rebalance")
	assert.True(t, errors.As(s.Validate(missing), &vErr))
	assert.Equal(t, "rebalance", vErr.Field)

	unknown := valid.Clone()
	unknown["alpha"] = 1
	assert.True(t, errors.As(s.Validate(unknown), &vErr))

	locked := valid.Clone()
	locked["max_leverage"] = 3
	assert.True(t, errors.As(s.Validate(locked), &vErr))
}

func TestVectorHash_Canonical(t *testing.T) {
	a := Vector{"x": 1.0, "y": 0.1 + 0.2}
	b := Vector{"y": 0.3, "x": 1.0}
	assert.Equal(t, a.Hash(), b.Hash(), "hash must not depend on key order or last-ulp noise")

	c := Vector{"x": 1.0, "y": 0.31}
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestDecode(t *testing.T) {
	s, err := New(testDimensions())
	require.NoError(t, err)

	out := s.Decode(Vector{"lookback": 20, "z_entry": 1.5, "vol_target": 0.2, "rebalance": 2, "use_funding": 0, "max_leverage": 2})
	assert.Equal(t, int64(20), out["lookback"])
	assert.Equal(t, "1d", out["rebalance"])
	assert.Equal(t, false, out["use_funding"])
	assert.Equal(t, 1.5, out["z_entry"])
}

func TestFingerprint_ChangesWithDeclaration(t *testing.T) {
	a, err := New(testDimensions())
	require.NoError(t, err)
	dims := testDimensions()
	dims[1].Max = 3.5
	b, err := New(dims)
	require.NoError(t, err)

	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.Len(t, a.Free(), 5)
}

func TestUnitRoundTrip(t *testing.T) {
	d := Dimension{Name: "v", Kind: KindContinuous, Min: 0.05, Max: 0.8, Log: true}
	for _, x := range []float64{0.05, 0.1, 0.4, 0.8} {
		assert.InDelta(t, x, d.FromUnit(d.ToUnit(x)), 1e-9)
	}

	c := Dimension{Name: "c", Kind: KindCategorical, Min: 0, Max: 2}
	assert.Equal(t, 0.0, c.FromUnit(0))
	assert.Equal(t, 2.0, c.FromUnit(1))
	assert.Equal(t, 3, c.Cardinality())
}

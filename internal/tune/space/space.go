// Package space declares the tunable parameter dimensions of a strategy and
// validates parameter vectors against them.
package space

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
)

// Kind is the value type of a dimension
type Kind string

const (
	KindContinuous  Kind = "continuous"
	KindInteger     Kind = "integer"
	KindCategorical Kind = "categorical"
	KindBoolean     Kind = "boolean"
)

// Dimension declares one tunable parameter
type Dimension struct {
	Name    string   `yaml:"name" json:"name" validate:"required"`
	Kind    Kind     `yaml:"kind" json:"kind" validate:"required,oneof=continuous integer categorical boolean"`
	Min     float64  `yaml:"min" json:"min,omitempty"`
	Max     float64  `yaml:"max" json:"max,omitempty"`
	Choices []string `yaml:"choices" json:"choices,omitempty"`
	Log     bool     `yaml:"log" json:"log,omitempty"` // sample on a log scale
	Locked  bool     `yaml:"locked" json:"locked,omitempty"`
	Value   float64  `yaml:"value" json:"value,omitempty"` // fixed value when locked
}

// Vector is one parameter combination. Categorical values hold the choice
// index, booleans hold 0 or 1.
type Vector map[string]float64

// Clone returns a copy of the vector
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, x := range v {
		out[k] = x
	}
	return out
}

// Names returns the vector keys in sorted order
func (v Vector) Names() []string {
	names := make([]string, 0, len(v))
	for k := range v {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Hash is the canonical identity of a vector: sorted name=value pairs with a
// fixed float format, SHA-256, hex encoded.
func (v Vector) Hash() string {
	var b strings.Builder
	for _, name := range v.Names() {
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(canonicalFloat(v[name]))
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func canonicalFloat(x float64) string {
	if x == 0 {
		return "0" // folds -0
	}
	return strconv.FormatFloat(x, 'g', 12, 64)
}

// Space is an immutable set of dimensions declared once per run
type Space struct {
	dims  []Dimension
	index map[string]int
}

// New validates the declaration and builds a Space
func New(dims []Dimension) (*Space, error) {
	if len(dims) == 0 {
		return nil, fmt.Errorf("parameter space has no dimensions")
	}

	s := &Space{
		dims:  make([]Dimension, len(dims)),
		index: make(map[string]int, len(dims)),
	}
	copy(s.dims, dims)

	for i := range s.dims {
		d := &s.dims[i]
		if d.Name == "" {
			return nil, fmt.Errorf("dimension %d has no name", i)
		}
		if _, dup := s.index[d.Name]; dup {
			return nil, fmt.Errorf("duplicate dimension %q", d.Name)
		}
		s.index[d.Name] = i

		switch d.Kind {
		case KindContinuous, KindInteger:
			if d.Max < d.Min {
				return nil, fmt.Errorf("dimension %q: max %g < min %g", d.Name, d.Max, d.Min)
			}
			if d.Log && d.Min <= 0 {
				return nil, fmt.Errorf("dimension %q: log scale needs min > 0", d.Name)
			}
			if d.Kind == KindInteger {
				d.Min, d.Max = math.Ceil(d.Min), math.Floor(d.Max)
				if d.Max < d.Min {
					return nil, fmt.Errorf("dimension %q: no integer in bounds", d.Name)
				}
			}
		case KindCategorical:
			if len(d.Choices) == 0 {
				return nil, fmt.Errorf("dimension %q: categorical needs choices", d.Name)
			}
			d.Min, d.Max = 0, float64(len(d.Choices)-1)
		case KindBoolean:
			d.Min, d.Max = 0, 1
		default:
			return nil, fmt.Errorf("dimension %q: unknown kind %q", d.Name, d.Kind)
		}

		if d.Locked {
			if err := d.check(d.Value); err != nil {
				return nil, fmt.Errorf("locked value: %w", err)
			}
		}
	}

	return s, nil
}

// Dimensions returns a copy of the declaration
func (s *Space) Dimensions() []Dimension {
	out := make([]Dimension, len(s.dims))
	copy(out, s.dims)
	return out
}

// Free returns the dimensions the search may vary
func (s *Space) Free() []Dimension {
	var out []Dimension
	for _, d := range s.dims {
		if !d.Locked {
			out = append(out, d)
		}
	}
	return out
}

// Dimension looks up a dimension by name
func (s *Space) Dimension(name string) (Dimension, bool) {
	i, ok := s.index[name]
	if !ok {
		return Dimension{}, false
	}
	return s.dims[i], true
}

// Fingerprint identifies the declaration. Trials only warm-start a search over
// a space with the same fingerprint.
func (s *Space) Fingerprint() string {
	var b strings.Builder
	for _, d := range s.dims {
		fmt.Fprintf(&b, "%s|%s|%s|%s|%s|%t|%t|%s;", d.Name, d.Kind,
			canonicalFloat(d.Min), canonicalFloat(d.Max), strings.Join(d.Choices, ","),
			d.Log, d.Locked, canonicalFloat(d.Value))
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// Sample draws one vector uniformly over the free dimensions. Locked
// dimensions always take their fixed value.
func (s *Space) Sample(rng *rand.Rand) Vector {
	v := make(Vector, len(s.dims))
	for _, d := range s.dims {
		if d.Locked {
			v[d.Name] = d.Value
			continue
		}
		v[d.Name] = d.FromUnit(rng.Float64())
	}
	return v
}

// Validate checks that v assigns every dimension exactly once and in bounds
func (s *Space) Validate(v Vector) error {
	for name := range v {
		if _, ok := s.index[name]; !ok {
			return &ValidationError{Field: name, Reason: "unknown parameter"}
		}
	}
	for _, d := range s.dims {
		x, ok := v[d.Name]
		if !ok {
			return &ValidationError{Field: d.Name, Reason: "missing parameter"}
		}
		if err := d.check(x); err != nil {
			return err
		}
		if d.Locked && x != d.Value {
			return &ValidationError{Field: d.Name, Reason: fmt.Sprintf("locked at %g, got %g", d.Value, x)}
		}
	}
	return nil
}

// Decode converts a vector to its human form: categorical choice strings,
// booleans and integers as Go types.
func (s *Space) Decode(v Vector) map[string]any {
	out := make(map[string]any, len(v))
	for _, d := range s.dims {
		x, ok := v[d.Name]
		if !ok {
			continue
		}
		switch d.Kind {
		case KindInteger:
			out[d.Name] = int64(math.Round(x))
		case KindCategorical:
			i := int(math.Round(x))
			if i >= 0 && i < len(d.Choices) {
				out[d.Name] = d.Choices[i]
			}
		case KindBoolean:
			out[d.Name] = x >= 0.5
		default:
			out[d.Name] = x
		}
	}
	return out
}

func (d Dimension) check(x float64) error {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return &OutOfBoundsError{Name: d.Name, Value: x, Min: d.Min, Max: d.Max}
	}
	if x < d.Min || x > d.Max {
		return &OutOfBoundsError{Name: d.Name, Value: x, Min: d.Min, Max: d.Max}
	}
	if d.Kind != KindContinuous && x != math.Trunc(x) {
		return &ValidationError{Field: d.Name, Reason: fmt.Sprintf("%s value %g is not integral", d.Kind, x)}
	}
	return nil
}

// ToUnit maps a value to [0,1] in the dimension's sampling scale
func (d Dimension) ToUnit(x float64) float64 {
	if d.Max == d.Min {
		return 0.5
	}
	if d.Log && d.Kind != KindCategorical && d.Kind != KindBoolean {
		return (math.Log(x) - math.Log(d.Min)) / (math.Log(d.Max) - math.Log(d.Min))
	}
	return (x - d.Min) / (d.Max - d.Min)
}

// FromUnit maps u in [0,1] back to a valid value, rounding discrete kinds
func (d Dimension) FromUnit(u float64) float64 {
	u = math.Min(1, math.Max(0, u))

	switch d.Kind {
	case KindCategorical, KindBoolean:
		n := d.Max - d.Min + 1
		i := math.Floor(u * n)
		if i > d.Max {
			i = d.Max
		}
		return i
	}

	var x float64
	if d.Log {
		x = math.Exp(math.Log(d.Min) + u*(math.Log(d.Max)-math.Log(d.Min)))
	} else {
		x = d.Min + u*(d.Max-d.Min)
	}

	if d.Kind == KindInteger {
		x = math.Round(x)
	}
	return math.Min(d.Max, math.Max(d.Min, x))
}

// Discrete reports whether the dimension takes a finite set of values
func (d Dimension) Discrete() bool {
	return d.Kind == KindCategorical || d.Kind == KindBoolean
}

// Cardinality is the number of values of a discrete dimension
func (d Dimension) Cardinality() int {
	return int(d.Max-d.Min) + 1
}

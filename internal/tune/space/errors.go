package space

import "fmt"

// OutOfBoundsError reports a parameter value outside its declared bounds
type OutOfBoundsError struct {
	Name  string
	Value float64
	Min   float64
	Max   float64
}

func (e *OutOfBoundsError) Error() string {
	return fmt.Sprintf("parameter %s=%g outside bounds [%g, %g]", e.Name, e.Value, e.Min, e.Max)
}

// ValidationError reports a vector that does not match the declaration
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("parameter %s: %s", e.Field, e.Reason)
}

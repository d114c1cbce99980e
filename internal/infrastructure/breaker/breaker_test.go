package breaker

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestNew_TripsOnConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsecutiveFailures = 2
	cb := New("test", cfg)

	fail := func() (interface{}, error) { return nil, errors.New("boom") }
	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestNew_TripsOnErrorRate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsecutiveFailures = 100
	cfg.MinRequests = 4
	cfg.ErrorRateThreshold = 0.5
	cb := New("rate", cfg)

	ok := func() (interface{}, error) { return nil, nil }
	fail := func() (interface{}, error) { return nil, errors.New("boom") }

	_, _ = cb.Execute(ok)
	_, _ = cb.Execute(fail)
	_, _ = cb.Execute(ok)
	assert.Equal(t, gobreaker.StateClosed, cb.State(), "below min requests")
	_, _ = cb.Execute(fail)
	assert.Equal(t, gobreaker.StateOpen, cb.State())
}

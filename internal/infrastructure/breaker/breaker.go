// Package breaker builds circuit breakers for outbound calls that must not
// stall the pipeline: the live runtime and notification sinks.
package breaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Config tunes when a breaker trips and how long it stays open
type Config struct {
	MaxRequests         uint32        `yaml:"max_requests" json:"max_requests" default:"1"`
	Interval            time.Duration `yaml:"interval" json:"interval" default:"60s"`
	Timeout             time.Duration `yaml:"timeout" json:"timeout" default:"30s"`
	ErrorRateThreshold  float64       `yaml:"error_rate_threshold" json:"error_rate_threshold" default:"0.5" validate:"gt=0,lte=1"`
	MinRequests         uint32        `yaml:"min_requests" json:"min_requests" default:"10"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" json:"consecutive_failures" default:"3" validate:"gte=1"`
}

// DefaultConfig returns the default breaker settings
func DefaultConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             30 * time.Second,
		ErrorRateThreshold:  0.5,
		MinRequests:         10,
		ConsecutiveFailures: 3,
	}
}

// New creates a breaker that trips on consecutive failures or, once
// MinRequests have been seen, on the error rate
func New(name string, config Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if config.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= config.ConsecutiveFailures {
				return true
			}
			if counts.Requests < config.MinRequests || counts.Requests == 0 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= config.ErrorRateThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			ev := log.Info()
			if to == gobreaker.StateOpen {
				ev = log.Warn()
			}
			ev.Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
}

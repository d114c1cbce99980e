// Package notify delivers pipeline events to external sinks. Delivery is
// fire-and-forget: a slow or failing sink never blocks the pipeline.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/retune/internal/infrastructure/breaker"
)

// EventType identifies what happened
type EventType string

const (
	EventApproved   EventType = "approved"
	EventRejected   EventType = "rejected"
	EventPromoted   EventType = "promoted"
	EventRolledBack EventType = "rolled_back"
	EventRunSummary EventType = "run_summary"
)

// Event is one structured notification
type Event struct {
	Type        EventType       `json:"type"`
	RunID       string          `json:"run_id,omitempty"`
	CandidateID string          `json:"candidate_id,omitempty"`
	VersionID   string          `json:"version_id,omitempty"`
	Reasons     []string        `json:"reasons,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Time        time.Time       `json:"time"`
}

// Sink delivers one event
type Sink interface {
	Name() string
	Send(ctx context.Context, e Event) error
}

// Publisher accepts events without blocking
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Config tunes the dispatcher
type Config struct {
	QueueSize     int            `yaml:"queue_size" json:"queue_size" default:"256" validate:"gte=1"`
	RatePerSecond float64        `yaml:"rate_per_second" json:"rate_per_second" default:"10" validate:"gt=0"`
	Burst         int            `yaml:"burst" json:"burst" default:"20" validate:"gte=1"`
	SendTimeout   time.Duration  `yaml:"send_timeout" json:"send_timeout" default:"5s"`
	Breaker       breaker.Config `yaml:"breaker" json:"breaker"`
}

// DefaultConfig returns the default dispatcher settings
func DefaultConfig() Config {
	return Config{
		QueueSize:     256,
		RatePerSecond: 10,
		Burst:         20,
		SendTimeout:   5 * time.Second,
		Breaker:       breaker.DefaultConfig(),
	}
}

type guardedSink struct {
	sink Sink
	cb   *gobreaker.CircuitBreaker
}

// Dispatcher queues events and fans them out to sinks on one goroutine
type Dispatcher struct {
	config  Config
	queue   chan Event
	sinks   []guardedSink
	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// NewDispatcher starts a dispatcher over sinks
func NewDispatcher(config Config, sinks ...Sink) *Dispatcher {
	if config.QueueSize < 1 {
		config.QueueSize = 1
	}
	if config.Burst < 1 {
		config.Burst = 1
	}
	limit := rate.Limit(config.RatePerSecond)
	if config.RatePerSecond <= 0 {
		limit = rate.Inf
	}

	d := &Dispatcher{
		config:  config,
		queue:   make(chan Event, config.QueueSize),
		limiter: rate.NewLimiter(limit, config.Burst),
		done:    make(chan struct{}),
	}
	for _, s := range sinks {
		d.sinks = append(d.sinks, guardedSink{sink: s, cb: breaker.New("notify-"+s.Name(), config.Breaker)})
	}
	go d.loop()
	return d
}

// Publish enqueues e, dropping it when the queue is full or closed
func (d *Dispatcher) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(1)
		log.Warn().Str("type", string(e.Type)).Str("run_id", e.RunID).Msg("Notification queue full, event dropped")
	}
}

// Dropped counts events that were never delivered to the queue
func (d *Dispatcher) Dropped() uint64 { return d.dropped.Load() }

// Sent counts successful sink deliveries
func (d *Dispatcher) Sent() uint64 { return d.sent.Load() }

// Close stops accepting events and waits for the queue to drain or ctx to end
func (d *Dispatcher) Close(ctx context.Context) error {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
	})
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for e := range d.queue {
		if err := d.limiter.Wait(context.Background()); err != nil {
			log.Debug().Err(err).Msg("Notification rate limiter")
		}
		for _, gs := range d.sinks {
			d.deliver(gs, e)
		}
	}
}

func (d *Dispatcher) deliver(gs guardedSink, e Event) {
	_, err := gs.cb.Execute(func() (interface{}, error) {
		ctx := context.Background()
		if d.config.SendTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.config.SendTimeout)
			defer cancel()
		}
		return nil, gs.sink.Send(ctx, e)
	})
	if err != nil {
		ev := log.Warn()
		if errors.Is(err, gobreaker.ErrOpenState) {
			ev = log.Debug()
		}
		ev.Err(err).
			Str("sink", gs.sink.Name()).
			Str("type", string(e.Type)).
			Str("run_id", e.RunID).
			Msg("Notification delivery failed")
		return
	}
	d.sent.Add(1)
}

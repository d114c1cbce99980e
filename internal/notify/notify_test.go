package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	name  string
	mu    sync.Mutex
	got   []Event
	fail  error
	block chan struct{}
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(ctx context.Context, e Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, e)
	return nil
}

func (s *recordingSink) events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.got...)
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.RatePerSecond = 1000
	cfg.Burst = 100
	return cfg
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{name: "rec"}
	d := NewDispatcher(fastConfig(), sink)

	d.Publish(Event{Type: EventApproved, RunID: "r1"})
	d.Publish(Event{Type: EventPromoted, RunID: "r1"})
	require.NoError(t, d.Close(context.Background()))

	got := sink.events()
	require.Len(t, got, 2)
	assert.Equal(t, EventApproved, got[0].Type)
	assert.Equal(t, EventPromoted, got[1].Type)
	assert.False(t, got[0].Time.IsZero(), "publish stamps the time")
	assert.Equal(t, uint64(2), d.Sent())
}

func TestDispatcher_FailingSinkDoesNotBlockOthers(t *testing.T) {
	bad := &recordingSink{name: "bad", fail: errors.New("broker down")}
	good := &recordingSink{name: "good"}
	cfg := fastConfig()
	cfg.Breaker.ConsecutiveFailures = 2
	d := NewDispatcher(cfg, bad, good)

	for i := 0; i < 5; i++ {
		d.Publish(Event{Type: EventRunSummary})
	}
	require.NoError(t, d.Close(context.Background()))

	assert.Len(t, good.events(), 5)
	assert.Empty(t, bad.events())
}

func TestDispatcher_DropsWhenFull(t *testing.T) {
	sink := &recordingSink{name: "slow", block: make(chan struct{})}
	cfg := fastConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, sink)

	// the loop holds one event in Send, the queue holds one more
	for i := 0; i < 10; i++ {
		d.Publish(Event{Type: EventRunSummary})
	}
	assert.Positive(t, d.Dropped())

	close(sink.block)
	require.NoError(t, d.Close(context.Background()))

	d.Publish(Event{Type: EventRunSummary})
	assert.Equal(t, uint64(10)-uint64(len(sink.events()))+1, d.Dropped(), "publish after close is dropped")
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink_Send(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "retune.events"}

	e := Event{Type: EventRejected, RunID: "run-7", Reasons: []string{"tail_drawdown"}, Time: time.Unix(0, 0).UTC()}
	require.NoError(t, sink.Send(context.Background(), e))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "run-7", string(w.msgs[0].Key))
	assert.Equal(t, "rejected", string(w.msgs[0].Headers[0].Value))

	var back Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &back))
	assert.Equal(t, e.Reasons, back.Reasons)
	assert.Equal(t, "kafka:retune.events", sink.Name())
}

func TestNewKafkaSink_Validation(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	assert.NoError(t, sink.Close())
}

func TestRedisSink_Send(t *testing.T) {
	db, mock := redismock.NewClientMock()
	sink := NewRedisSink(db, RedisConfig{Stream: "retune:events", MaxLen: 100})

	e := Event{Type: EventRolledBack, RunID: "run-1", Reasons: []string{"live drawdown", "sharpe"}, Time: time.Unix(0, 0).UTC()}
	value, err := json.Marshal(e)
	require.NoError(t, err)

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "retune:events",
		MaxLen: 100,
		Approx: true,
		Values: []interface{}{
			"type", "rolled_back",
			"run_id", "run-1",
			"reasons", strings.Join(e.Reasons, "; "),
			"event", string(value),
		},
	}).SetVal("1-0")

	require.NoError(t, sink.Send(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "retune:events",
		MaxLen: 100,
		Approx: true,
		Values: []interface{}{
			"type", "rolled_back",
			"run_id", "run-1",
			"reasons", strings.Join(e.Reasons, "; "),
			"event", string(value),
		},
	}).SetErr(errors.New("OOM"))
	assert.Error(t, sink.Send(context.Background(), e))
}

func TestLogSink(t *testing.T) {
	assert.NoError(t, LogSink{}.Send(context.Background(), Event{Type: EventRejected}))
	Discard.Publish(Event{})
}

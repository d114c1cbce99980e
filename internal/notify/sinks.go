package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// LogSink writes events to the structured log
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Send(_ context.Context, e Event) error {
	ev := log.Info()
	if e.Type == EventRejected || e.Type == EventRolledBack {
		ev = log.Warn()
	}
	ev.Str("event", string(e.Type)).
		Str("run_id", e.RunID).
		Str("candidate_id", e.CandidateID).
		Str("version_id", e.VersionID).
		Strs("reasons", e.Reasons).
		Msg("Pipeline notification")
	return nil
}

// KafkaConfig configures the Kafka sink
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers" json:"brokers"`
	Topic        string        `yaml:"topic" json:"topic" default:"retune.events"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" default:"10s"`
	RequiredAcks int           `yaml:"required_acks" json:"required_acks" default:"-1"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON, keyed by run id
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a Kafka sink
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(config.RequiredAcks),
		WriteTimeout: config.WriteTimeout,
		MaxAttempts:  3,
	}
	return &KafkaSink{writer: w, topic: config.Topic}, nil
}

func (k *KafkaSink) Name() string { return "kafka:" + k.topic }

func (k *KafkaSink) Send(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.RunID),
		Value: value,
		Time:  e.Time,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
}

// Close flushes and closes the writer
func (k *KafkaSink) Close() error { return k.writer.Close() }

// RedisConfig configures the Redis stream sink
type RedisConfig struct {
	Stream string `yaml:"stream" json:"stream" default:"retune:events"`
	MaxLen int64  `yaml:"max_len" json:"max_len" default:"10000"`
}

// RedisSink appends events to a capped Redis stream
type RedisSink struct {
	client redis.Cmdable
	config RedisConfig
}

// NewRedisSink creates a stream sink over client
func NewRedisSink(client redis.Cmdable, config RedisConfig) *RedisSink {
	return &RedisSink{client: client, config: config}
}

func (r *RedisSink) Name() string { return "redis:" + r.config.Stream }

func (r *RedisSink) Send(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.config.Stream,
		MaxLen: r.config.MaxLen,
		Approx: true,
		// ordered pairs keep the field order stable
		Values: []interface{}{
			"type", string(e.Type),
			"run_id", e.RunID,
			"reasons", strings.Join(e.Reasons, "; "),
			"event", string(value),
		},
	}).Err()
}

// Package deadletter publishes messages that could not be delivered by any
// provider.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"

	"github.com/lattiq/mailgate/internal/core"
)

// ErrNoBrokers is returned when a Kafka sink is built without brokers.
var ErrNoBrokers = errors.New("deadletter: at least one broker is required")

// KafkaSink writes dead letters to a Kafka topic as JSON, keyed by
// idempotency key.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   zerolog.Logger
}

// NewKafkaSink connects a synchronous producer to brokers.
func NewKafkaSink(brokers []string, topic string, logger zerolog.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if topic == "" {
		return nil, errors.New("deadletter: topic is required")
	}

	prod, err := sarama.NewSyncProducer(brokers, defaultConfig())
	if err != nil {
		return nil, fmt.Errorf("deadletter: create producer: %w", err)
	}
	return NewKafkaSinkWithProducer(prod, topic, logger), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(prod sarama.SyncProducer, topic string, logger zerolog.Logger) *KafkaSink {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &KafkaSink{producer: prod, topic: topic, logger: logger}
}

// Publish implements core.DeadLetterSink.
func (k *KafkaSink) Publish(_ context.Context, dl *core.DeadLetter) error {
	payload, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("deadletter: marshal: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Key:   sarama.StringEncoder(dl.IdempotencyKey),
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
			{Key: []byte("error-code"), Value: []byte(dl.ErrorCode)},
		},
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("deadletter: publish %s: %w", dl.IdempotencyKey, err)
	}

	k.logger.Info().
		Str("key", dl.IdempotencyKey).
		Str("topic", k.topic).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("dead letter published")
	return nil
}

// Close releases the producer.
func (k *KafkaSink) Close() error {
	return k.producer.Close()
}

func defaultConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 6
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// LogSink records dead letters in the log only.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish implements core.DeadLetterSink.
func (l *LogSink) Publish(_ context.Context, dl *core.DeadLetter) error {
	l.logger.Error().
		Str("key", dl.IdempotencyKey).
		Str("provider", string(dl.LastProvider)).
		Str("error_code", dl.ErrorCode).
		Int("attempts", dl.Attempts).
		Bool("permanent", dl.Permanent).
		Str("last_error", dl.LastError).
		Msg("message dead-lettered")
	return nil
}

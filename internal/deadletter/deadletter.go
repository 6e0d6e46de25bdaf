// Package deadletter provides the dead-letter queues that record
// unrecoverable appraisal failures: the store's dead-letter table and an
// optional Kafka topic.
package deadletter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/sells-group/card-appraiser/internal/config"
	"github.com/sells-group/card-appraiser/internal/model"
	"github.com/sells-group/card-appraiser/internal/resilience"
)

// messageWriter is the subset of *kafka.Writer the queue uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaQueue publishes dead-letter records as JSON to a topic, keyed by
// owner and card so records for one card stay ordered.
type KafkaQueue struct {
	w     messageWriter
	topic string
	now   func() time.Time
}

// NewKafkaQueue creates a KafkaQueue writing to cfg.DeadLetterTopic.
func NewKafkaQueue(cfg config.KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, eris.New("deadletter: kafka brokers are required")
	}
	if cfg.DeadLetterTopic == "" {
		return nil, eris.New("deadletter: kafka dead_letter_topic is required")
	}
	timeout := 10 * time.Second
	if cfg.WriteTimeoutSecs > 0 {
		timeout = time.Duration(cfg.WriteTimeoutSecs) * time.Second
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Gzip,
		MaxAttempts:  3,
		WriteTimeout: timeout,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaQueue(w, cfg.DeadLetterTopic), nil
}

func newKafkaQueue(w messageWriter, topic string) *KafkaQueue {
	return &KafkaQueue{w: w, topic: topic, now: time.Now}
}

// Enqueue publishes rec.
func (q *KafkaQueue) Enqueue(ctx context.Context, rec model.DeadLetterRecord) error {
	resilience.EnsureID(&rec)
	value, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "deadletter: marshal record")
	}
	msg := kafka.Message{
		Topic: q.topic,
		Key:   []byte(rec.UserID + "/" + rec.CardID),
		Value: value,
		Time:  q.now(),
		Headers: []kafka.Header{
			{Key: "error_type", Value: []byte(rec.Error.Type)},
			{Key: "request_id", Value: []byte(rec.RequestID)},
		},
	}
	if err := q.w.WriteMessages(ctx, msg); err != nil {
		return eris.Wrapf(err, "deadletter: publish %s to %s", rec.ID, q.topic)
	}
	return nil
}

// Close flushes and closes the writer.
func (q *KafkaQueue) Close() error {
	return q.w.Close()
}

// Sink is the store side of dead-lettering.
type Sink interface {
	EnqueueDeadLetter(ctx context.Context, rec model.DeadLetterRecord) error
}

// StoreQueue adapts a Sink to resilience.DeadLetterQueue.
func StoreQueue(s Sink) resilience.DeadLetterQueue {
	return resilience.DeadLetterFunc(func(ctx context.Context, rec model.DeadLetterRecord) error {
		resilience.EnsureID(&rec)
		return s.EnqueueDeadLetter(ctx, rec)
	})
}

// New assembles the configured queues: always the store, plus Kafka when
// brokers are configured. The returned closer releases the Kafka writer.
func New(cfg config.KafkaConfig, sink Sink) (resilience.DeadLetterQueue, func() error, error) {
	queues := resilience.MultiQueue{StoreQueue(sink)}
	closer := func() error { return nil }

	if len(cfg.Brokers) > 0 {
		kq, err := NewKafkaQueue(cfg)
		if err != nil {
			return nil, nil, err
		}
		queues = append(queues, kq)
		closer = kq.Close
		zap.L().Info("deadletter: publishing to kafka",
			zap.Strings("brokers", cfg.Brokers),
			zap.String("topic", cfg.DeadLetterTopic),
		)
	}
	return queues, closer, nil
}

var _ resilience.DeadLetterQueue = (*KafkaQueue)(nil)

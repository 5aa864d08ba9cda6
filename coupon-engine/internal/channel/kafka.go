package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/shopfront/Main/coupon-engine/internal/events"
	"github.com/shopfront/Main/coupon-engine/internal/logging"
)

const headerCorrelationID = "correlation-id"

// KafkaConfig contains configurable parameters for the Kafka channel.
type KafkaConfig struct {
	Brokers []string
	GroupID string

	// MaxAttempts is how many times the writer retries a batch. Defaults to 3.
	MaxAttempts int
	// WriteTimeout defaults to 10s.
	WriteTimeout time.Duration
	// Balancer defaults to a key hash so one partition key always lands on one partition.
	Balancer kafka.Balancer

	// RetryBackoff and MaxBackoff bound the in-place retry of a failing message.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration
	// MaxDeliveries hands a message to DeadLetter after that many failed attempts. Zero retries
	// forever.
	MaxDeliveries int
	DeadLetter    DeadLetterFunc
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaChannel publishes through an asynchronous kafka-go Writer and consumes with one Reader
// per subscribed topic in the configured consumer group. Offsets are committed only after the
// handler succeeds.
type KafkaChannel struct {
	cfg      KafkaConfig
	writer   messageWriter
	reporter Reporter
	log      logrus.FieldLogger

	newReader func(topic string) messageReader

	mu      sync.Mutex
	readers []messageReader
	closed  bool
}

// NewKafkaChannel constructs a KafkaChannel. Hand-off outcomes go to reporter.
func NewKafkaChannel(cfg KafkaConfig, reporter Reporter, logger logrus.FieldLogger) (*KafkaChannel, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka: group id required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &kafka.Hash{}
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if reporter == nil {
		reporter = nopReporter{}
	}

	k := &KafkaChannel{
		cfg:      cfg,
		reporter: reporter,
		log:      logging.OrDiscard(logger).WithField("component", "channel.kafka"),
	}
	k.writer = &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               cfg.Balancer,
		MaxAttempts:            cfg.MaxAttempts,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		Async:                  true,
		Completion:             k.complete,
	}
	k.newReader = func(topic string) messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.GroupID,
			Topic:          topic,
			MinBytes:       1,
			MaxBytes:       10e6,
			CommitInterval: 0,
			StartOffset:    kafka.FirstOffset,
		})
	}
	return k, nil
}

// Publish queues env and returns. The outcome reaches the Reporter from the writer's completion
// callback.
func (k *KafkaChannel) Publish(ctx context.Context, topic string, env events.Envelope) error {
	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(env.PartitionKey),
		Value: value,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: headerCorrelationID, Value: []byte(env.CorrelationID.String())},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		rctx, cancel := reportContext(ctx)
		defer cancel()
		if rerr := k.reporter.HandoffFailed(rctx, env.CorrelationID, err); rerr != nil {
			k.log.WithError(rerr).WithField("correlation_id", env.CorrelationID).Error("report handoff failure")
		}
		return fmt.Errorf("kafka publish %s: %w", env.CorrelationID, err)
	}
	return nil
}

// complete is the writer's Completion callback.
func (k *KafkaChannel) complete(msgs []kafka.Message, err error) {
	ctx, cancel := reportContext(context.Background())
	defer cancel()
	for _, m := range msgs {
		id, perr := correlationOf(m)
		if perr != nil {
			k.log.WithError(perr).WithField("topic", m.Topic).Warn("completion for message without correlation id")
			continue
		}
		var rerr error
		if err != nil {
			rerr = k.reporter.HandoffFailed(ctx, id, err)
		} else {
			rerr = k.reporter.Published(ctx, id, kafkaPointer(m))
		}
		if rerr != nil {
			k.log.WithError(rerr).WithField("correlation_id", id).Error("report handoff outcome")
		}
	}
}

// Subscribe consumes topic in the channel's consumer group until ctx ends.
func (k *KafkaChannel) Subscribe(ctx context.Context, topic string, h Handler) error {
	r := k.newReader(topic)
	k.mu.Lock()
	k.readers = append(k.readers, r)
	k.mu.Unlock()

	log := k.log.WithField("topic", topic)
	wait := k.cfg.RetryBackoff
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			log.WithError(err).Warn("fetch message")
			if sleepCtx(ctx, wait) != nil {
				return nil
			}
			wait = backoff(wait, k.cfg.MaxBackoff)
			continue
		}
		wait = k.cfg.RetryBackoff

		if err := k.process(ctx, m, h); err != nil {
			// ctx ended before the message was handled; it is redelivered from the last commit.
			return nil
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).WithField("offset", m.Offset).Error("commit offset")
		}
	}
}

// process runs h on m until it succeeds, is dead-lettered, or ctx ends.
func (k *KafkaChannel) process(ctx context.Context, m kafka.Message, h Handler) error {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		k.log.WithError(err).WithField("pointer", kafkaPointer(m)).Error("undecodable envelope skipped")
		return nil
	}
	d := Delivery{Envelope: env, Topic: m.Topic, Pointer: kafkaPointer(m)}
	wait := k.cfg.RetryBackoff
	for attempt := 1; ; attempt++ {
		d.Attempt = attempt
		err := h(ctx, d)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := k.log.WithError(err).WithFields(logrus.Fields{
			"correlation_id": env.CorrelationID,
			"attempt":        attempt,
		})
		switch {
		case k.cfg.MaxDeliveries > 0 && attempt >= k.cfg.MaxDeliveries && k.cfg.DeadLetter != nil:
			dlErr := k.cfg.DeadLetter(ctx, d, err)
			if dlErr == nil {
				log.Error("message dead-lettered")
				return nil
			}
			log.WithField("dead_letter_error", dlErr).Error("dead letter failed")
		default:
			log.Warn("handler failed, retrying")
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
		wait = backoff(wait, k.cfg.MaxBackoff)
	}
}

// Close flushes pending writes and closes every reader.
func (k *KafkaChannel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	readers := k.readers
	k.mu.Unlock()

	var errs []error
	if err := k.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, r := range readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func correlationOf(m kafka.Message) (uuid.UUID, error) {
	for _, h := range m.Headers {
		if h.Key == headerCorrelationID {
			return uuid.ParseBytes(h.Value)
		}
	}
	return uuid.Nil, fmt.Errorf("missing %s header", headerCorrelationID)
}

func kafkaPointer(m kafka.Message) string {
	return fmt.Sprintf("%s/%d/%d", m.Topic, m.Partition, m.Offset)
}

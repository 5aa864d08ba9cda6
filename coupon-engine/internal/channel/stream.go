package channel

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/shopfront/Main/coupon-engine/internal/config"
	"github.com/shopfront/Main/coupon-engine/internal/events"
	"github.com/shopfront/Main/coupon-engine/internal/logging"
	"github.com/shopfront/Main/coupon-engine/internal/metrics"
)

const (
	fieldCorrelationID = "correlationId"
	fieldEventType     = "eventType"
	fieldPartitionKey  = "partitionKey"
	fieldPayload       = "payload"
	fieldTimestamp     = "timestamp"
)

// StreamChannel spreads each topic over a fixed number of Redis streams and consumes them
// through one consumer group. Unacknowledged entries are re-claimed after they go idle.
type StreamChannel struct {
	rdb        redis.UniversalClient
	cfg        config.StreamConfig
	reporter   Reporter
	deadLetter DeadLetterFunc
	log        logrus.FieldLogger

	groups sync.Map
	closed atomic.Bool
}

type StreamOption func(*StreamChannel)

// WithDeadLetter receives entries that exceeded MaxDeliveries. Without it they are only logged
// and acknowledged.
func WithDeadLetter(fn DeadLetterFunc) StreamOption {
	return func(s *StreamChannel) { s.deadLetter = fn }
}

func WithStreamLogger(logger logrus.FieldLogger) StreamOption {
	return func(s *StreamChannel) { s.log = logger }
}

func NewStreamChannel(rdb redis.UniversalClient, cfg config.StreamConfig, reporter Reporter, opts ...StreamOption) (*StreamChannel, error) {
	if rdb == nil {
		return nil, fmt.Errorf("stream: redis client required")
	}
	if cfg.Group == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("stream: group and consumer required")
	}
	if cfg.Shards <= 0 {
		cfg.Shards = 1
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 16
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.PendingMinIdle <= 0 {
		cfg.PendingMinIdle = 30 * time.Second
	}
	if cfg.RedeliverInterval <= 0 {
		cfg.RedeliverInterval = 5 * time.Second
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	s := &StreamChannel{rdb: rdb, cfg: cfg, reporter: reporter}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrDiscard(s.log).WithField("component", "channel.stream")
	return s, nil
}

// ShardFor maps a correlation id onto one of shards streams.
func ShardFor(correlationID uuid.UUID, shards int) int {
	if shards <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(correlationID.String()))
	return int(h.Sum32() % uint32(shards))
}

func StreamKey(topic string, shard int) string {
	return fmt.Sprintf("%s:%d", topic, shard)
}

// Publish appends env to its shard stream and reports the entry id before returning.
func (s *StreamChannel) Publish(ctx context.Context, topic string, env events.Envelope) error {
	if s.closed.Load() {
		return ErrClosed
	}
	stream := StreamKey(topic, ShardFor(env.CorrelationID, s.cfg.Shards))
	id, err := s.add(ctx, stream, env)

	rctx, cancel := reportContext(ctx)
	defer cancel()
	if err != nil {
		if rerr := s.reporter.HandoffFailed(rctx, env.CorrelationID, err); rerr != nil {
			s.log.WithError(rerr).WithField("correlation_id", env.CorrelationID).Error("report handoff failure")
		}
		return fmt.Errorf("stream publish %s: %w", env.CorrelationID, err)
	}
	if rerr := s.reporter.Published(rctx, env.CorrelationID, stream+"/"+id); rerr != nil {
		s.log.WithError(rerr).WithField("correlation_id", env.CorrelationID).Error("report handoff")
	}
	return nil
}

func (s *StreamChannel) add(ctx context.Context, stream string, env events.Envelope) (string, error) {
	// The group must exist before the first entry or a "$" group would skip it.
	if err := s.EnsureGroup(ctx, stream); err != nil {
		return "", err
	}
	args := &redis.XAddArgs{Stream: stream, Values: encodeEntry(env)}
	if s.cfg.MaxLen > 0 {
		args.MaxLen = s.cfg.MaxLen
		args.Approx = true
	}
	return s.rdb.XAdd(ctx, args).Result()
}

// EnsureGroup creates the consumer group on stream, creating the stream if needed. A group that
// already exists counts as success.
func (s *StreamChannel) EnsureGroup(ctx context.Context, stream string) error {
	if _, ok := s.groups.Load(stream); ok {
		return nil
	}
	err := s.rdb.XGroupCreateMkStream(ctx, stream, s.cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", s.cfg.Group, stream, err)
	}
	s.groups.Store(stream, struct{}{})
	return nil
}

// Subscribe runs a read loop and a redelivery loop for every shard of topic.
func (s *StreamChannel) Subscribe(ctx context.Context, topic string, h Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	for shard := 0; shard < s.cfg.Shards; shard++ {
		stream := StreamKey(topic, shard)
		if err := s.EnsureGroup(ctx, stream); err != nil {
			return err
		}
		g.Go(func() error { return s.readLoop(gctx, topic, stream, h) })
		g.Go(func() error { return s.redeliverLoop(gctx, topic, stream, h) })
	}
	return g.Wait()
}

func (s *StreamChannel) readLoop(ctx context.Context, topic, stream string, h Handler) error {
	log := s.log.WithField("stream", stream)
	for ctx.Err() == nil {
		res, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{stream, ">"},
			Count:    int64(s.cfg.Batch),
			Block:    s.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			if strings.HasPrefix(err.Error(), "NOGROUP") {
				s.groups.Delete(stream)
				if gerr := s.EnsureGroup(ctx, stream); gerr != nil {
					log.WithError(gerr).Warn("recreate consumer group")
				}
			} else {
				log.WithError(err).Warn("read group")
			}
			_ = sleepCtx(ctx, time.Second)
			continue
		}
		for _, xs := range res {
			for _, msg := range xs.Messages {
				s.deliver(ctx, topic, stream, msg, 1, h)
			}
		}
	}
	return nil
}

// redeliverLoop re-claims entries another consumer (or this one) left unacknowledged.
func (s *StreamChannel) redeliverLoop(ctx context.Context, topic, stream string, h Handler) error {
	ticker := time.NewTicker(s.cfg.RedeliverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := s.Redeliver(ctx, topic, stream, h); err != nil && ctx.Err() == nil {
			s.log.WithError(err).WithField("stream", stream).Warn("redeliver pending entries")
		}
	}
}

// Redeliver claims idle pending entries of stream and hands them to h, or to the dead-letter hook
// once they reached MaxDeliveries. It returns how many entries were claimed.
func (s *StreamChannel) Redeliver(ctx context.Context, topic, stream string, h Handler) (int, error) {
	pending, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  s.cfg.Group,
		Idle:   s.cfg.PendingMinIdle,
		Start:  "-",
		End:    "+",
		Count:  int64(s.cfg.Batch),
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("xpending %s: %w", stream, err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(pending))
	deliveries := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.RetryCount
	}
	claimed, err := s.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    s.cfg.Group,
		Consumer: s.cfg.Consumer,
		MinIdle:  s.cfg.PendingMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("xclaim %s: %w", stream, err)
	}
	metrics.RecordRedelivery(stream, len(claimed))

	for _, msg := range claimed {
		prior := int(deliveries[msg.ID])
		if s.cfg.MaxDeliveries > 0 && prior >= s.cfg.MaxDeliveries {
			s.deadLetterEntry(ctx, topic, stream, msg, prior)
			continue
		}
		s.deliver(ctx, topic, stream, msg, prior+1, h)
	}
	return len(claimed), nil
}

func (s *StreamChannel) deliver(ctx context.Context, topic, stream string, msg redis.XMessage, attempt int, h Handler) {
	log := s.log.WithFields(logrus.Fields{"stream": stream, "entry_id": msg.ID})
	env, err := decodeEntry(msg)
	if err != nil {
		log.WithError(err).Error("undecodable entry acknowledged")
		s.ack(ctx, stream, msg.ID)
		return
	}
	d := Delivery{Envelope: env, Topic: topic, Pointer: stream + "/" + msg.ID, Attempt: attempt}
	if err := h(ctx, d); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"correlation_id": env.CorrelationID,
			"attempt":        attempt,
		}).Warn("handler failed, left pending")
		return
	}
	s.ack(ctx, stream, msg.ID)
}

func (s *StreamChannel) deadLetterEntry(ctx context.Context, topic, stream string, msg redis.XMessage, prior int) {
	log := s.log.WithFields(logrus.Fields{"stream": stream, "entry_id": msg.ID, "deliveries": prior})
	env, err := decodeEntry(msg)
	if err == nil && s.deadLetter != nil {
		d := Delivery{Envelope: env, Topic: topic, Pointer: stream + "/" + msg.ID, Attempt: prior + 1}
		cause := fmt.Errorf("exceeded %d deliveries", s.cfg.MaxDeliveries)
		if err := s.deadLetter(ctx, d, cause); err != nil {
			log.WithError(err).Error("dead letter failed, left pending")
			return
		}
	}
	log.WithField("correlation_id", env.CorrelationID).Error("entry dead-lettered")
	metrics.RecordDeadLetter(stream)
	s.ack(ctx, stream, msg.ID)
}

func (s *StreamChannel) ack(ctx context.Context, stream, id string) {
	if err := s.rdb.XAck(context.WithoutCancel(ctx), stream, s.cfg.Group, id).Err(); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"stream": stream, "entry_id": id}).Error("xack")
	}
}

// Close stops further publishing. The Redis client belongs to the caller.
func (s *StreamChannel) Close() error {
	s.closed.Store(true)
	return nil
}

func encodeEntry(env events.Envelope) map[string]interface{} {
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return map[string]interface{}{
		fieldCorrelationID: env.CorrelationID.String(),
		fieldEventType:     string(env.EventType),
		fieldPartitionKey:  env.PartitionKey,
		fieldPayload:       string(env.Payload),
		fieldTimestamp:     ts.Format(time.RFC3339Nano),
	}
}

func decodeEntry(msg redis.XMessage) (events.Envelope, error) {
	field := func(k string) string {
		v, _ := msg.Values[k].(string)
		return v
	}
	id, err := uuid.Parse(field(fieldCorrelationID))
	if err != nil {
		return events.Envelope{}, fmt.Errorf("entry %s: correlation id: %w", msg.ID, err)
	}
	kind := field(fieldEventType)
	if kind == "" {
		return events.Envelope{}, fmt.Errorf("entry %s: missing %s", msg.ID, fieldEventType)
	}
	env := events.Envelope{
		CorrelationID: id,
		EventType:     events.Kind(kind),
		PartitionKey:  field(fieldPartitionKey),
		Payload:       []byte(field(fieldPayload)),
	}
	if ts, err := time.Parse(time.RFC3339Nano, field(fieldTimestamp)); err == nil {
		env.Timestamp = ts
	}
	return env, nil
}

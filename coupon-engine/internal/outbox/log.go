package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shopfront/Main/coupon-engine/internal/events"
	"github.com/shopfront/Main/coupon-engine/internal/logging"
	"github.com/shopfront/Main/coupon-engine/internal/metrics"
	"github.com/shopfront/Main/coupon-engine/internal/models"
	"github.com/shopfront/Main/coupon-engine/internal/store"
)

var (
	// ErrInvalidTransition is returned when the entry's current status does not allow the move.
	ErrInvalidTransition = errors.New("invalid outbox transition")
	// ErrTerminal is returned by MarkInProgress for an entry that already finished.
	ErrTerminal = errors.New("outbox entry already terminal")
)

const archiveTimeout = 10 * time.Second

// Log is the outbox status machine over an OutboxStore.
type Log struct {
	store    store.OutboxStore
	archiver Archiver
	log      logrus.FieldLogger
}

type Option func(*Log)

// WithArchiver uploads every entry that reaches a terminal status.
func WithArchiver(a Archiver) Option {
	return func(l *Log) { l.archiver = a }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Log) { l.log = logger }
}

func NewLog(st store.OutboxStore, opts ...Option) *Log {
	l := &Log{store: st}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logging.OrDiscard(l.log).WithField("component", "outbox")
	return l
}

// Record writes env as a PENDING entry. It must succeed before env is handed to any channel.
func (l *Log) Record(ctx context.Context, topic string, env events.Envelope) (models.OutboxEntry, error) {
	e, err := l.store.InsertOutbox(ctx, store.OutboxInput{
		CorrelationID: env.CorrelationID,
		EventType:     string(env.EventType),
		Topic:         topic,
		PartitionKey:  env.PartitionKey,
		Payload:       env.Payload,
	})
	if err != nil {
		return models.OutboxEntry{}, fmt.Errorf("record outbox entry %s: %w", env.CorrelationID, err)
	}
	metrics.RecordOutboxTransition(string(models.OutboxPending))
	return e, nil
}

func (l *Log) Get(ctx context.Context, correlationID uuid.UUID) (models.OutboxEntry, error) {
	return l.store.GetOutbox(ctx, correlationID)
}

// Published records a successful hand-off. An entry a consumer already picked up keeps its
// newer status.
func (l *Log) Published(ctx context.Context, correlationID uuid.UUID, pointer string) error {
	_, err := l.transition(ctx, store.OutboxTransition{
		CorrelationID:  correlationID,
		To:             models.OutboxPublished,
		ChannelPointer: &pointer,
	})
	if errors.Is(err, ErrInvalidTransition) {
		l.log.WithFields(logrus.Fields{"correlation_id": correlationID, "pointer": pointer}).
			Debug("publish acknowledged after consumer pickup")
		return nil
	}
	return err
}

// HandoffFailed moves a PENDING entry straight to FAILED.
func (l *Log) HandoffFailed(ctx context.Context, correlationID uuid.UUID, cause error) error {
	detail := fmt.Sprintf("handoff: %v", cause)
	e, err := l.transition(ctx, store.OutboxTransition{
		CorrelationID: correlationID,
		From:          []models.OutboxStatus{models.OutboxPending},
		To:            models.OutboxFailed,
		LastError:     &detail,
	})
	if err == nil {
		l.archive(e)
	}
	return err
}

// MarkInProgress records consumer pickup and counts the attempt.
func (l *Log) MarkInProgress(ctx context.Context, correlationID uuid.UUID) (models.OutboxEntry, error) {
	e, err := l.transition(ctx, store.OutboxTransition{
		CorrelationID: correlationID,
		To:            models.OutboxInProgress,
		CountAttempt:  true,
	})
	if errors.Is(err, ErrInvalidTransition) && e.Status.Terminal() {
		return e, ErrTerminal
	}
	return e, err
}

func (l *Log) MarkCompleted(ctx context.Context, correlationID uuid.UUID) (models.OutboxEntry, error) {
	e, err := l.transition(ctx, store.OutboxTransition{
		CorrelationID: correlationID,
		To:            models.OutboxCompleted,
	})
	if err == nil {
		l.archive(e)
	}
	return e, err
}

func (l *Log) MarkFailed(ctx context.Context, correlationID uuid.UUID, detail string) (models.OutboxEntry, error) {
	e, err := l.transition(ctx, store.OutboxTransition{
		CorrelationID: correlationID,
		To:            models.OutboxFailed,
		LastError:     &detail,
	})
	if err == nil {
		l.archive(e)
	}
	return e, err
}

func (l *Log) transition(ctx context.Context, in store.OutboxTransition) (models.OutboxEntry, error) {
	if len(in.From) == 0 {
		in.From = sourcesOf(in.To)
	}
	e, err := l.store.TransitionOutbox(ctx, in)
	if errors.Is(err, store.ErrStaleStatus) {
		return e, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, e.Status, in.To, in.CorrelationID)
	}
	if err != nil {
		return e, fmt.Errorf("outbox %s -> %s: %w", in.CorrelationID, in.To, err)
	}
	metrics.RecordOutboxTransition(string(in.To))
	return e, nil
}

func (l *Log) archive(e models.OutboxEntry) {
	if l.archiver == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if _, err := l.archiver.ArchiveEntry(ctx, e); err != nil {
			l.log.WithError(err).WithField("correlation_id", e.CorrelationID).Warn("archive outbox entry")
		}
	}()
}

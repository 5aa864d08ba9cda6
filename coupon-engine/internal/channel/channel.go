// Package channel moves event envelopes between services. Two implementations exist: a
// partitioned log on Kafka and sharded Redis streams with consumer groups. Exactly one is active
// per process.
package channel

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shopfront/Main/coupon-engine/internal/events"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("channel closed")

// Delivery is one received envelope.
type Delivery struct {
	Envelope events.Envelope
	Topic    string
	// Pointer locates the message in the channel (stream/entryId or topic/partition/offset).
	Pointer string
	// Attempt is 1 on first delivery.
	Attempt int
}

// Handler processes a delivery. Returning nil acknowledges it; an error leaves it for redelivery.
type Handler func(ctx context.Context, d Delivery) error

// DeadLetterFunc receives a delivery that exceeded the delivery limit. The message is
// acknowledged once it returns nil.
type DeadLetterFunc func(ctx context.Context, d Delivery, cause error) error

type Publisher interface {
	Publish(ctx context.Context, topic string, env events.Envelope) error
}

type Subscriber interface {
	// Subscribe blocks until ctx is cancelled.
	Subscribe(ctx context.Context, topic string, h Handler) error
}

type Channel interface {
	Publisher
	Subscriber
	Close() error
}

// Reporter is told the outcome of every hand-off.
type Reporter interface {
	Published(ctx context.Context, correlationID uuid.UUID, pointer string) error
	HandoffFailed(ctx context.Context, correlationID uuid.UUID, cause error) error
}

const reportTimeout = 5 * time.Second

// reportContext detaches from the caller so an outcome is recorded even if the request ended.
func reportContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
}

type nopReporter struct{}

func (nopReporter) Published(context.Context, uuid.UUID, string) error     { return nil }
func (nopReporter) HandoffFailed(context.Context, uuid.UUID, error) error { return nil }

// backoff doubles d up to max.
func backoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

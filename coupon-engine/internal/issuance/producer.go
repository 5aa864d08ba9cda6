// Package issuance runs the asynchronous request/result choreography around the allocator: a
// producer records and publishes issue requests, consumers allocate and publish results, and the
// result consumer makes outcomes visible to callers.
package issuance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shopfront/Main/coupon-engine/internal/channel"
	"github.com/shopfront/Main/coupon-engine/internal/events"
	"github.com/shopfront/Main/coupon-engine/internal/logging"
	"github.com/shopfront/Main/coupon-engine/internal/outbox"
)

// Topics names the channel topics the choreography uses.
type Topics struct {
	Requests      string
	Results       string
	Notifications string
}

// Producer writes every event to the outbox before handing it to the channel.
type Producer struct {
	outbox *outbox.Log
	pub    channel.Publisher
	topics Topics
	log    logrus.FieldLogger
}

func NewProducer(log *outbox.Log, pub channel.Publisher, topics Topics, logger logrus.FieldLogger) *Producer {
	return &Producer{
		outbox: log,
		pub:    pub,
		topics: topics,
		log:    logging.OrDiscard(logger).WithField("component", "issuance.producer"),
	}
}

// RequestIssue records and publishes an issue request and returns its correlation id. The
// outcome arrives later on the results topic.
func (p *Producer) RequestIssue(ctx context.Context, userID, couponID int64) (uuid.UUID, error) {
	if userID <= 0 || couponID <= 0 {
		return uuid.Nil, fmt.Errorf("userId and couponId required")
	}
	corr := uuid.New()
	env, err := events.New(corr, events.KindIssueRequested, events.IssueRequested{
		CorrelationID: corr,
		UserID:        userID,
		CouponID:      couponID,
		RequestedAt:   time.Now().UTC(),
	})
	if err != nil {
		return uuid.Nil, err
	}
	if err := p.send(ctx, p.topics.Requests, env); err != nil {
		return uuid.Nil, err
	}
	return corr, nil
}

// PublishResult emits the outcome of one request. The result travels in its own outbox entry;
// the request's correlation id is inside the payload.
func (p *Producer) PublishResult(ctx context.Context, res events.IssueResult) error {
	env, err := events.New(uuid.New(), events.KindIssueResult, res)
	if err != nil {
		return err
	}
	return p.send(ctx, p.topics.Results, env)
}

// Emit records and publishes a domain notification on topic.
func (p *Producer) Emit(ctx context.Context, topic string, kind events.Kind, payload interface{}) (uuid.UUID, error) {
	if topic == "" {
		topic = p.topics.Notifications
	}
	env, err := events.New(uuid.New(), kind, payload)
	if err != nil {
		return uuid.Nil, err
	}
	if err := p.send(ctx, topic, env); err != nil {
		return uuid.Nil, err
	}
	return env.CorrelationID, nil
}

// send fails without publishing when the outbox write fails. A hand-off failure has already been
// recorded by the channel's reporter.
func (p *Producer) send(ctx context.Context, topic string, env events.Envelope) error {
	if _, err := p.outbox.Record(ctx, topic, env); err != nil {
		return err
	}
	if err := p.pub.Publish(ctx, topic, env); err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{
			"correlation_id": env.CorrelationID,
			"event_type":     env.EventType,
			"topic":          topic,
		}).Error("publish event")
		return err
	}
	return nil
}

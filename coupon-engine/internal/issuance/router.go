package issuance

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shopfront/Main/coupon-engine/internal/channel"
	"github.com/shopfront/Main/coupon-engine/internal/events"
	"github.com/shopfront/Main/coupon-engine/internal/logging"
	"github.com/shopfront/Main/coupon-engine/internal/models"
	"github.com/shopfront/Main/coupon-engine/internal/outbox"
	"github.com/shopfront/Main/coupon-engine/internal/store"
)

// Router dispatches deliveries to the consumer for their event type. Nil consumers and unknown
// event types are acknowledged with a warning.
type Router struct {
	Requests      *RequestConsumer
	Results       *ResultConsumer
	Notifications *NotificationConsumer
	Log           logrus.FieldLogger
}

func (r *Router) Handle(ctx context.Context, d channel.Delivery) error {
	var h channel.Handler
	switch d.Envelope.EventType {
	case events.KindIssueRequested:
		if r.Requests != nil {
			h = r.Requests.Handle
		}
	case events.KindIssueResult:
		if r.Results != nil {
			h = r.Results.Handle
		}
	case events.KindOrderCreated, events.KindOrderCancelled, events.KindProductStockChanged, events.KindBalanceChanged:
		if r.Notifications != nil {
			h = r.Notifications.Handle
		}
	}
	if h == nil {
		logging.OrDiscard(r.Log).WithFields(logrus.Fields{
			"correlation_id": d.Envelope.CorrelationID,
			"event_type":     d.Envelope.EventType,
			"topic":          d.Topic,
		}).Warn("no handler for event type, acknowledging")
		return nil
	}
	return h(ctx, d)
}

// DeadLetter terminates deliveries the channel gave up on. The outbox entry becomes FAILED and an
// issue request gets a SYSTEM_ERROR result, so every request still ends with one result code.
type DeadLetter struct {
	outbox   *outbox.Log
	producer *Producer
	log      logrus.FieldLogger
}

func NewDeadLetter(log *outbox.Log, producer *Producer, logger logrus.FieldLogger) *DeadLetter {
	return &DeadLetter{
		outbox:   log,
		producer: producer,
		log:      logging.OrDiscard(logger).WithField("component", "issuance.deadletter"),
	}
}

func (dl *DeadLetter) Handle(ctx context.Context, d channel.Delivery, cause error) error {
	id := d.Envelope.CorrelationID
	log := dl.log.WithFields(logrus.Fields{
		"correlation_id": id,
		"event_type":     d.Envelope.EventType,
		"pointer":        d.Pointer,
	})

	detail := fmt.Sprintf("%s: %v", models.ResultSystemError, cause)
	terminal, err := dl.fail(ctx, id, detail)
	switch {
	case err != nil:
		return err
	case terminal:
		log.Info("dead-lettered entry already terminal")
		return nil
	}

	if d.Envelope.EventType != events.KindIssueRequested {
		log.WithError(cause).Error("event dead-lettered")
		return nil
	}

	res := events.IssueResult{
		CorrelationID: id,
		Success:       false,
		ResultCode:    models.ResultSystemError,
	}
	if decoded, derr := events.Decode(d.Envelope); derr == nil && decoded.IssueRequested != nil {
		res.UserID = decoded.IssueRequested.UserID
		res.CouponID = decoded.IssueRequested.CouponID
	}
	if err := dl.producer.PublishResult(ctx, res); err != nil {
		return err
	}
	log.WithError(cause).WithField("result_code", models.ResultSystemError).Error("issue request dead-lettered")
	return nil
}

// fail moves the entry to FAILED. Entries never picked up (PENDING, PUBLISHED) pass through
// IN_PROGRESS first. terminal reports an entry that already had its outcome.
func (dl *DeadLetter) fail(ctx context.Context, id uuid.UUID, detail string) (terminal bool, err error) {
	e, err := dl.outbox.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		dl.log.WithField("correlation_id", id).Warn("dead-lettered entry has no outbox record")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if e.Status.Terminal() {
		return true, nil
	}
	if e.Status != models.OutboxInProgress {
		if _, err := dl.outbox.MarkInProgress(ctx, id); err != nil {
			if errors.Is(err, outbox.ErrTerminal) {
				return true, nil
			}
			return false, err
		}
	}
	if _, err := dl.outbox.MarkFailed(ctx, id, detail); err != nil {
		if errors.Is(err, outbox.ErrInvalidTransition) {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

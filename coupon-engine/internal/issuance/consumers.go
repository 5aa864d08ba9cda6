package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shopfront/Main/coupon-engine/internal/allocator"
	"github.com/shopfront/Main/coupon-engine/internal/channel"
	"github.com/shopfront/Main/coupon-engine/internal/events"
	"github.com/shopfront/Main/coupon-engine/internal/lock"
	"github.com/shopfront/Main/coupon-engine/internal/logging"
	"github.com/shopfront/Main/coupon-engine/internal/metrics"
	"github.com/shopfront/Main/coupon-engine/internal/models"
	"github.com/shopfront/Main/coupon-engine/internal/outbox"
	"github.com/shopfront/Main/coupon-engine/internal/store"
)

// Allocator is the engine as seen by the request consumer.
type Allocator interface {
	Allocate(ctx context.Context, in allocator.AllocateInput) (models.Issuance, error)
}

// RequestConsumer allocates for each issue request and publishes exactly one result per
// request. Business rejections and lock contention are acknowledged; anything else is left for
// redelivery.
type RequestConsumer struct {
	engine   Allocator
	outbox   *outbox.Log
	producer *Producer
	instance string
	log      logrus.FieldLogger
}

func NewRequestConsumer(engine Allocator, log *outbox.Log, producer *Producer, instance string, logger logrus.FieldLogger) *RequestConsumer {
	return &RequestConsumer{
		engine:   engine,
		outbox:   log,
		producer: producer,
		instance: instance,
		log:      logging.OrDiscard(logger).WithField("component", "issuance.requests"),
	}
}

func (c *RequestConsumer) Handle(ctx context.Context, d channel.Delivery) error {
	id := d.Envelope.CorrelationID
	log := c.log.WithFields(logrus.Fields{"correlation_id": id, "attempt": d.Attempt})

	decoded, err := events.Decode(d.Envelope)
	if err != nil {
		return err
	}
	req := decoded.IssueRequested
	if req == nil {
		return fmt.Errorf("expected %s, got %q", events.KindIssueRequested, d.Envelope.EventType)
	}

	if _, err := c.outbox.MarkInProgress(ctx, id); err != nil {
		if errors.Is(err, outbox.ErrTerminal) {
			log.Info("request already processed")
			return nil
		}
		return err
	}

	start := time.Now()
	owner := lock.WithOwner(ctx, c.instance+":"+id.String())
	iss, allocErr := c.engine.Allocate(owner, allocator.AllocateInput{
		UserID:        req.UserID,
		CouponID:      req.CouponID,
		CorrelationID: id,
	})
	code := allocator.Codify(allocErr)
	if allocErr != nil && !allocator.IsRejection(allocErr) && code != models.ResultLockContention {
		log.WithError(allocErr).Warn("allocation failed, leaving for redelivery")
		return allocErr
	}

	res := events.IssueResult{
		CorrelationID:    id,
		UserID:           req.UserID,
		CouponID:         req.CouponID,
		Success:          code.Success(),
		ResultCode:       code,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	if allocErr == nil {
		res.IssuanceID = &iss.ID
	}
	if err := c.producer.PublishResult(ctx, res); err != nil {
		return fmt.Errorf("publish result: %w", err)
	}

	if code.Success() {
		_, err = c.outbox.MarkCompleted(ctx, id)
	} else {
		_, err = c.outbox.MarkFailed(ctx, id, string(code))
	}
	if err != nil {
		// The result is out; a redelivery finds the same outcome again.
		return err
	}
	log.WithFields(logrus.Fields{
		"user_id":     req.UserID,
		"coupon_id":   req.CouponID,
		"result_code": code,
	}).Info("issue request processed")
	return nil
}

// ResultConsumer makes results visible to callers. It never publishes.
type ResultConsumer struct {
	outbox *outbox.Log
	sink   ResultSink
	log    logrus.FieldLogger
}

func NewResultConsumer(log *outbox.Log, sink ResultSink, logger logrus.FieldLogger) *ResultConsumer {
	return &ResultConsumer{
		outbox: log,
		sink:   sink,
		log:    logging.OrDiscard(logger).WithField("component", "issuance.results"),
	}
}

func (c *ResultConsumer) Handle(ctx context.Context, d channel.Delivery) error {
	decoded, err := events.Decode(d.Envelope)
	if err != nil {
		return err
	}
	res := decoded.IssueResult
	if res == nil {
		return fmt.Errorf("expected %s, got %q", events.KindIssueResult, d.Envelope.EventType)
	}
	if _, err := c.outbox.MarkInProgress(ctx, d.Envelope.CorrelationID); err != nil {
		if errors.Is(err, outbox.ErrTerminal) {
			return nil
		}
		return err
	}

	first, err := c.sink.Put(ctx, *res)
	if err != nil {
		return err
	}
	if first {
		metrics.RecordIssueResult(string(res.ResultCode))
	}
	if _, err := c.outbox.MarkCompleted(ctx, d.Envelope.CorrelationID); err != nil {
		return err
	}
	c.log.WithFields(logrus.Fields{
		"correlation_id": res.CorrelationID,
		"result_code":    res.ResultCode,
		"first":          first,
	}).Debug("issue result stored")
	return nil
}

// NotificationConsumer handles domain notifications from the rest of the shop.
type NotificationConsumer struct {
	outbox *outbox.Log
	log    logrus.FieldLogger
}

func NewNotificationConsumer(log *outbox.Log, logger logrus.FieldLogger) *NotificationConsumer {
	return &NotificationConsumer{
		outbox: log,
		log:    logging.OrDiscard(logger).WithField("component", "issuance.notifications"),
	}
}

func (c *NotificationConsumer) Handle(ctx context.Context, d channel.Delivery) error {
	decoded, err := events.Decode(d.Envelope)
	if err != nil {
		return err
	}
	tracked, err := markInProgress(ctx, c.outbox, d.Envelope.CorrelationID)
	if err != nil {
		if errors.Is(err, outbox.ErrTerminal) {
			return nil
		}
		return err
	}

	log := c.log.WithFields(logrus.Fields{
		"correlation_id": d.Envelope.CorrelationID,
		"event_type":     decoded.Kind,
	})
	switch {
	case decoded.Order != nil:
		log.WithFields(logrus.Fields{"order_id": decoded.Order.OrderID, "user_id": decoded.Order.UserID}).Info("order event")
	case decoded.ProductStock != nil:
		log.WithFields(logrus.Fields{"product_id": decoded.ProductStock.ProductID, "stock": decoded.ProductStock.Stock}).Info("stock changed")
	case decoded.Balance != nil:
		log.WithFields(logrus.Fields{"user_id": decoded.Balance.UserID, "delta": decoded.Balance.Delta}).Info("balance changed")
	default:
		log.Warn("not a notification")
	}
	metrics.RecordNotification(string(decoded.Kind))

	if !tracked {
		return nil
	}
	_, err = c.outbox.MarkCompleted(ctx, d.Envelope.CorrelationID)
	return err
}

// markInProgress tolerates events published by services that do not share this outbox; those
// report tracked=false.
func markInProgress(ctx context.Context, log *outbox.Log, id uuid.UUID) (tracked bool, err error) {
	_, err = log.MarkInProgress(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Package allocator issues coupons one unit at a time inside a per-coupon lock.
package allocator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/shopfront/Main/coupon-engine/internal/lock"
	"github.com/shopfront/Main/coupon-engine/internal/logging"
	"github.com/shopfront/Main/coupon-engine/internal/metrics"
	"github.com/shopfront/Main/coupon-engine/internal/models"
	"github.com/shopfront/Main/coupon-engine/internal/store"
)

var (
	ErrCouponNotFound = errors.New("coupon not found")
	ErrNotYetOpen     = errors.New("coupon issue window not open yet")
	ErrExpired        = errors.New("coupon expired")
	ErrOutOfQuota     = errors.New("coupon out of quota")
	ErrAlreadyIssued  = errors.New("coupon already issued to user")
	ErrCouponDisabled = errors.New("coupon disabled")
	ErrLockContention = errors.New("allocation lock not acquired")
)

// Store is the subset of the store the engine reads and commits through.
type Store interface {
	GetCoupon(ctx context.Context, id int64) (models.Coupon, error)
	GetIssuance(ctx context.Context, userID, couponID int64) (models.Issuance, error)
	CommitIssuance(ctx context.Context, in store.IssuanceInput) (models.Coupon, models.Issuance, error)
}

type Engine struct {
	locker lock.Locker
	store  Store
	now    func() time.Time
	log    logrus.FieldLogger
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(logger logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = logger }
}

func NewEngine(locker lock.Locker, st Store, opts ...Option) *Engine {
	e := &Engine{
		locker: locker,
		store:  st,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logging.OrDiscard(e.log).WithField("component", "allocator")
	return e
}

type AllocateInput struct {
	UserID        int64
	CouponID      int64
	CorrelationID uuid.UUID
}

// LockKey is the lock guarding a coupon's counter and issuances.
func LockKey(couponID int64) string {
	return "allocate:" + strconv.FormatInt(couponID, 10)
}

// Allocate issues one unit of in.CouponID to in.UserID. Lock contention is returned as
// ErrLockContention without retrying. Once the lock is held the work runs to completion even if
// ctx is cancelled. Without an owner in ctx the correlation id owns the lock.
func (e *Engine) Allocate(ctx context.Context, in AllocateInput) (models.Issuance, error) {
	if in.UserID <= 0 || in.CouponID <= 0 {
		return models.Issuance{}, fmt.Errorf("userId and couponId required")
	}
	if !lock.HasOwner(ctx) && in.CorrelationID != uuid.Nil {
		ctx = lock.WithOwner(ctx, in.CorrelationID.String())
	}
	key := LockKey(in.CouponID)
	ok, err := e.locker.Acquire(ctx, key)
	if err != nil {
		return models.Issuance{}, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		metrics.RecordLockContention()
		return models.Issuance{}, ErrLockContention
	}

	held := context.WithoutCancel(ctx)
	start := time.Now()
	defer func() {
		if err := e.locker.Release(held, key); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"lock_key":       key,
				"correlation_id": in.CorrelationID,
			}).Warn("release allocation lock")
		}
	}()

	iss, err := e.allocateLocked(held, in)
	metrics.ObserveCriticalSection(string(Codify(err)), time.Since(start))
	return iss, err
}

func (e *Engine) allocateLocked(ctx context.Context, in AllocateInput) (models.Issuance, error) {
	c, err := e.store.GetCoupon(ctx, in.CouponID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Issuance{}, ErrCouponNotFound
	}
	if err != nil {
		return models.Issuance{}, fmt.Errorf("load coupon %d: %w", in.CouponID, err)
	}

	now := e.now()
	switch {
	case c.Status == models.CouponDisabled:
		return models.Issuance{}, ErrCouponDisabled
	case now.Before(c.StartsAt):
		return models.Issuance{}, ErrNotYetOpen
	case c.Status == models.CouponExpired || now.After(c.EndsAt):
		return models.Issuance{}, ErrExpired
	}

	existing, err := e.store.GetIssuance(ctx, in.UserID, in.CouponID)
	switch {
	case err == nil:
		if in.CorrelationID != uuid.Nil && existing.CorrelationID == in.CorrelationID {
			return existing, nil
		}
		return models.Issuance{}, ErrAlreadyIssued
	case !errors.Is(err, store.ErrNotFound):
		return models.Issuance{}, fmt.Errorf("check issuance: %w", err)
	}

	if c.Status == models.CouponSoldOut || c.IssuedQuantity >= c.TotalQuantity {
		return models.Issuance{}, ErrOutOfQuota
	}

	updated, iss, err := e.store.CommitIssuance(ctx, store.IssuanceInput{
		ID:            uuid.New(),
		UserID:        in.UserID,
		CouponID:      in.CouponID,
		CorrelationID: in.CorrelationID,
		IssuedAt:      now,
	})
	switch {
	case errors.Is(err, store.ErrQuotaExhausted):
		return models.Issuance{}, ErrOutOfQuota
	case errors.Is(err, store.ErrDuplicate):
		return models.Issuance{}, ErrAlreadyIssued
	case err != nil:
		return models.Issuance{}, fmt.Errorf("commit issuance: %w", err)
	}
	if updated.Status == models.CouponSoldOut {
		e.log.WithField("coupon_id", updated.ID).Info("coupon sold out")
	}
	return iss, nil
}

// Codify maps an Allocate error to its result code. Unrecognised errors are SYSTEM_ERROR.
func Codify(err error) models.ResultCode {
	switch {
	case err == nil:
		return models.ResultIssued
	case errors.Is(err, ErrCouponNotFound):
		return models.ResultNotFound
	case errors.Is(err, ErrNotYetOpen):
		return models.ResultNotStarted
	case errors.Is(err, ErrExpired):
		return models.ResultExpired
	case errors.Is(err, ErrOutOfQuota):
		return models.ResultOutOfStock
	case errors.Is(err, ErrAlreadyIssued):
		return models.ResultAlreadyIssued
	case errors.Is(err, ErrCouponDisabled):
		return models.ResultDisabled
	case errors.Is(err, ErrLockContention):
		return models.ResultLockContention
	default:
		return models.ResultSystemError
	}
}

// IsRejection reports whether err is a deterministic business rejection. Retrying one cannot
// change the outcome.
func IsRejection(err error) bool {
	switch Codify(err) {
	case models.ResultNotFound, models.ResultNotStarted, models.ResultExpired,
		models.ResultOutOfStock, models.ResultAlreadyIssued, models.ResultDisabled:
		return true
	}
	return false
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/shopfront/Main/coupon-engine/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicate reports a unique constraint violation, e.g. a second issuance for one user.
	ErrDuplicate = errors.New("duplicate")
	// ErrQuotaExhausted is returned by CommitIssuance when the guarded increment matched no row.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrStaleStatus is returned by TransitionOutbox when the row is not in an allowed source status.
	ErrStaleStatus = errors.New("outbox status changed")
)

type CouponStore interface {
	CreateCoupon(ctx context.Context, in CouponInput) (models.Coupon, error)
	GetCoupon(ctx context.Context, id int64) (models.Coupon, error)
	// ExpireCoupons moves ACTIVE and SOLD_OUT coupons whose window ended before now to EXPIRED.
	ExpireCoupons(ctx context.Context, now time.Time) (int64, error)
}

type IssuanceStore interface {
	GetIssuance(ctx context.Context, userID, couponID int64) (models.Issuance, error)
	// CommitIssuance increments the coupon's issued quantity (only while below quota) and
	// inserts the issuance in a single unit of work.
	CommitIssuance(ctx context.Context, in IssuanceInput) (models.Coupon, models.Issuance, error)
}

type OutboxStore interface {
	InsertOutbox(ctx context.Context, in OutboxInput) (models.OutboxEntry, error)
	GetOutbox(ctx context.Context, correlationID uuid.UUID) (models.OutboxEntry, error)
	TransitionOutbox(ctx context.Context, in OutboxTransition) (models.OutboxEntry, error)
	ListOutboxOlderThan(ctx context.Context, statuses []models.OutboxStatus, before time.Time, limit int) ([]models.OutboxEntry, error)
}

// Store is everything the coupon engine persists.
type Store interface {
	CouponStore
	IssuanceStore
	OutboxStore
	Ping(ctx context.Context) error
}

type CouponInput struct {
	ID            int64
	Name          string
	TotalQuantity int
	StartsAt      time.Time
	EndsAt        time.Time
	Status        models.CouponStatus
}

type IssuanceInput struct {
	ID            uuid.UUID
	UserID        int64
	CouponID      int64
	CorrelationID uuid.UUID
	IssuedAt      time.Time
}

type OutboxInput struct {
	CorrelationID uuid.UUID
	EventType     string
	Topic         string
	PartitionKey  string
	Payload       json.RawMessage
}

// OutboxTransition moves an entry to To only if its current status is one of From.
type OutboxTransition struct {
	CorrelationID  uuid.UUID
	From           []models.OutboxStatus
	To             models.OutboxStatus
	ChannelPointer *string
	LastError      *string
	// CountAttempt increments the attempts counter as part of the update.
	CountAttempt bool
}

func ensureJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

func containsStatus(set []models.OutboxStatus, s models.OutboxStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type CouponStatus string

const (
	CouponActive   CouponStatus = "ACTIVE"
	CouponSoldOut  CouponStatus = "SOLD_OUT"
	CouponExpired  CouponStatus = "EXPIRED"
	CouponDisabled CouponStatus = "DISABLED"
)

type Coupon struct {
	ID             int64        `json:"id"`
	Name           string       `json:"name"`
	TotalQuantity  int          `json:"totalQuantity"`
	IssuedQuantity int          `json:"issuedQuantity"`
	StartsAt       time.Time    `json:"startsAt"`
	EndsAt         time.Time    `json:"endsAt"`
	Status         CouponStatus `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// Remaining never goes negative, even for rows written before the quota was lowered.
func (c Coupon) Remaining() int {
	if c.IssuedQuantity >= c.TotalQuantity {
		return 0
	}
	return c.TotalQuantity - c.IssuedQuantity
}

type IssuanceStatus string

const (
	IssuanceIssued IssuanceStatus = "ISSUED"
	IssuanceUsed   IssuanceStatus = "USED"
)

type Issuance struct {
	ID            uuid.UUID      `json:"id"`
	UserID        int64          `json:"userId"`
	CouponID      int64          `json:"couponId"`
	CorrelationID uuid.UUID      `json:"correlationId"`
	Status        IssuanceStatus `json:"status"`
	IssuedAt      time.Time      `json:"issuedAt"`
	UsedAt        *time.Time     `json:"usedAt,omitempty"`
}

type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "PENDING"
	OutboxPublished  OutboxStatus = "PUBLISHED"
	OutboxInProgress OutboxStatus = "IN_PROGRESS"
	OutboxCompleted  OutboxStatus = "COMPLETED"
	OutboxFailed     OutboxStatus = "FAILED"
)

func (s OutboxStatus) Terminal() bool {
	return s == OutboxCompleted || s == OutboxFailed
}

type OutboxEntry struct {
	CorrelationID  uuid.UUID       `json:"correlationId"`
	EventType      string          `json:"eventType"`
	Topic          string          `json:"topic"`
	PartitionKey   string          `json:"partitionKey"`
	Payload        json.RawMessage `json:"payload"`
	Status         OutboxStatus    `json:"status"`
	ChannelPointer *string         `json:"channelPointer,omitempty"`
	LastError      *string         `json:"lastError,omitempty"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// ResultCode is the terminal outcome of one issue attempt.
type ResultCode string

const (
	ResultIssued         ResultCode = "ISSUED_SUCCESS"
	ResultOutOfStock     ResultCode = "OUT_OF_STOCK"
	ResultAlreadyIssued  ResultCode = "ALREADY_ISSUED"
	ResultExpired        ResultCode = "EXPIRED"
	ResultNotStarted     ResultCode = "NOT_STARTED"
	ResultNotFound       ResultCode = "NOT_FOUND"
	ResultDisabled       ResultCode = "DISABLED"
	ResultLockContention ResultCode = "LOCK_CONTENTION"
	ResultSystemError    ResultCode = "SYSTEM_ERROR"
)

func (c ResultCode) Success() bool {
	return c == ResultIssued
}

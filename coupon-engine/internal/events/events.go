// Package events defines the envelopes carried by the channels and the typed payloads inside them.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shopfront/Main/coupon-engine/internal/models"
)

type Kind string

const (
	KindIssueRequested      Kind = "COUPON_ISSUE_REQUESTED"
	KindIssueResult         Kind = "COUPON_ISSUE_RESULT"
	KindOrderCreated        Kind = "ORDER_CREATED"
	KindOrderCancelled      Kind = "ORDER_CANCELLED"
	KindProductStockChanged Kind = "PRODUCT_STOCK_CHANGED"
	KindBalanceChanged      Kind = "BALANCE_CHANGED"
	KindUnknown             Kind = ""
)

// Envelope is what travels over a channel. PartitionKey decides ordering: two envelopes share an
// order only if they share a key.
type Envelope struct {
	CorrelationID uuid.UUID       `json:"correlationId"`
	EventType     Kind            `json:"eventType"`
	PartitionKey  string          `json:"partitionKey"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
}

type IssueRequested struct {
	CorrelationID uuid.UUID `json:"correlationId"`
	UserID        int64     `json:"userId"`
	CouponID      int64     `json:"couponId"`
	RequestedAt   time.Time `json:"requestedAt"`
}

type IssueResult struct {
	CorrelationID    uuid.UUID         `json:"correlationId"`
	UserID           int64             `json:"userId"`
	CouponID         int64             `json:"couponId"`
	Success          bool              `json:"success"`
	ResultCode       models.ResultCode `json:"resultCode"`
	IssuanceID       *uuid.UUID        `json:"issuanceId,omitempty"`
	ProcessingTimeMs int64             `json:"processingTimeMs"`
}

type OrderEvent struct {
	OrderID     int64     `json:"orderId"`
	UserID      int64     `json:"userId"`
	TotalAmount int64     `json:"totalAmount"`
	CouponID    *int64    `json:"couponId,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

type ProductStockChanged struct {
	ProductID  int64     `json:"productId"`
	Stock      int       `json:"stock"`
	OccurredAt time.Time `json:"occurredAt"`
}

type BalanceChanged struct {
	UserID     int64     `json:"userId"`
	Balance    int64     `json:"balance"`
	Delta      int64     `json:"delta"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Decoded is a tagged union over the known payloads. Exactly one pointer matching Kind is set;
// KindUnknown carries none.
type Decoded struct {
	Kind           Kind
	IssueRequested *IssueRequested
	IssueResult    *IssueResult
	Order          *OrderEvent
	ProductStock   *ProductStockChanged
	Balance        *BalanceChanged
}

// Decode unmarshals env.Payload according to env.EventType.
func Decode(env Envelope) (Decoded, error) {
	var (
		d   = Decoded{Kind: env.EventType}
		err error
	)
	switch env.EventType {
	case KindIssueRequested:
		d.IssueRequested = &IssueRequested{}
		err = json.Unmarshal(env.Payload, d.IssueRequested)
	case KindIssueResult:
		d.IssueResult = &IssueResult{}
		err = json.Unmarshal(env.Payload, d.IssueResult)
	case KindOrderCreated, KindOrderCancelled:
		d.Order = &OrderEvent{}
		err = json.Unmarshal(env.Payload, d.Order)
	case KindProductStockChanged:
		d.ProductStock = &ProductStockChanged{}
		err = json.Unmarshal(env.Payload, d.ProductStock)
	case KindBalanceChanged:
		d.Balance = &BalanceChanged{}
		err = json.Unmarshal(env.Payload, d.Balance)
	default:
		return Decoded{Kind: KindUnknown}, nil
	}
	if err != nil {
		return Decoded{}, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	return d, nil
}

// PartitionKeyFor derives the ordering key: issue traffic by user, other events by their subject.
func PartitionKeyFor(kind Kind, payload interface{}) (string, error) {
	switch p := payload.(type) {
	case IssueRequested:
		return id(p.UserID), nil
	case *IssueRequested:
		return id(p.UserID), nil
	case IssueResult:
		return id(p.UserID), nil
	case *IssueResult:
		return id(p.UserID), nil
	case OrderEvent:
		return id(p.OrderID), nil
	case *OrderEvent:
		return id(p.OrderID), nil
	case ProductStockChanged:
		return id(p.ProductID), nil
	case *ProductStockChanged:
		return id(p.ProductID), nil
	case BalanceChanged:
		return id(p.UserID), nil
	case *BalanceChanged:
		return id(p.UserID), nil
	}
	return "", fmt.Errorf("no partition key rule for %s payload %T", kind, payload)
}

// New builds an envelope around payload with its derived partition key.
func New(correlationID uuid.UUID, kind Kind, payload interface{}) (Envelope, error) {
	key, err := PartitionKeyFor(kind, payload)
	if err != nil {
		return Envelope{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Envelope{
		CorrelationID: correlationID,
		EventType:     kind,
		PartitionKey:  key,
		Payload:       raw,
		Timestamp:     time.Now().UTC(),
	}, nil
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

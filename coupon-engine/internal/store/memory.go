package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shopfront/Main/coupon-engine/internal/models"
)

type issuanceKey struct {
	userID   int64
	couponID int64
}

// MemoryStore provides an in-memory implementation useful for tests and local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	coupons   map[int64]models.Coupon
	issuances map[issuanceKey]models.Issuance
	outbox    map[uuid.UUID]models.OutboxEntry
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		coupons:   map[int64]models.Coupon{},
		issuances: map[issuanceKey]models.Issuance{},
		outbox:    map[uuid.UUID]models.OutboxEntry{},
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStore) CreateCoupon(ctx context.Context, in CouponInput) (models.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.ID == 0 {
		m.nextID++
		in.ID = m.nextID
	} else if _, exists := m.coupons[in.ID]; exists {
		return models.Coupon{}, ErrDuplicate
	}
	if in.ID > m.nextID {
		m.nextID = in.ID
	}
	if in.Status == "" {
		in.Status = models.CouponActive
	}
	now := m.now()
	c := models.Coupon{
		ID:            in.ID,
		Name:          in.Name,
		TotalQuantity: in.TotalQuantity,
		StartsAt:      in.StartsAt,
		EndsAt:        in.EndsAt,
		Status:        in.Status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.coupons[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetCoupon(ctx context.Context, id int64) (models.Coupon, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.coupons[id]
	if !ok {
		return models.Coupon{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) ExpireCoupons(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, c := range m.coupons {
		if (c.Status == models.CouponActive || c.Status == models.CouponSoldOut) && c.EndsAt.Before(now) {
			c.Status = models.CouponExpired
			c.UpdatedAt = m.now()
			m.coupons[id] = c
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) GetIssuance(ctx context.Context, userID, couponID int64) (models.Issuance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	iss, ok := m.issuances[issuanceKey{userID, couponID}]
	if !ok {
		return models.Issuance{}, ErrNotFound
	}
	return iss, nil
}

func (m *MemoryStore) CommitIssuance(ctx context.Context, in IssuanceInput) (models.Coupon, models.Issuance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[in.CouponID]
	if !ok {
		return models.Coupon{}, models.Issuance{}, ErrNotFound
	}
	if c.IssuedQuantity >= c.TotalQuantity {
		return models.Coupon{}, models.Issuance{}, ErrQuotaExhausted
	}
	key := issuanceKey{in.UserID, in.CouponID}
	if _, exists := m.issuances[key]; exists {
		return models.Coupon{}, models.Issuance{}, ErrDuplicate
	}
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.IssuedAt.IsZero() {
		in.IssuedAt = m.now()
	}
	c.IssuedQuantity++
	if c.IssuedQuantity >= c.TotalQuantity {
		c.Status = models.CouponSoldOut
	}
	c.UpdatedAt = m.now()
	m.coupons[c.ID] = c
	iss := models.Issuance{
		ID:            in.ID,
		UserID:        in.UserID,
		CouponID:      in.CouponID,
		CorrelationID: in.CorrelationID,
		Status:        models.IssuanceIssued,
		IssuedAt:      in.IssuedAt,
	}
	m.issuances[key] = iss
	return c, iss, nil
}

// Issuances returns every stored issuance for a coupon; tests use it to check invariants.
func (m *MemoryStore) Issuances(couponID int64) []models.Issuance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Issuance
	for k, iss := range m.issuances {
		if k.couponID == couponID {
			out = append(out, iss)
		}
	}
	return out
}

func (m *MemoryStore) InsertOutbox(ctx context.Context, in OutboxInput) (models.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if in.CorrelationID == uuid.Nil {
		in.CorrelationID = uuid.New()
	}
	if _, exists := m.outbox[in.CorrelationID]; exists {
		return models.OutboxEntry{}, ErrDuplicate
	}
	now := m.now()
	e := models.OutboxEntry{
		CorrelationID: in.CorrelationID,
		EventType:     in.EventType,
		Topic:         in.Topic,
		PartitionKey:  in.PartitionKey,
		Payload:       append([]byte(nil), ensureJSON(in.Payload)...),
		Status:        models.OutboxPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.outbox[e.CorrelationID] = e
	return e, nil
}

func (m *MemoryStore) GetOutbox(ctx context.Context, correlationID uuid.UUID) (models.OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.outbox[correlationID]
	if !ok {
		return models.OutboxEntry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) TransitionOutbox(ctx context.Context, in OutboxTransition) (models.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.outbox[in.CorrelationID]
	if !ok {
		return models.OutboxEntry{}, ErrNotFound
	}
	if !containsStatus(in.From, e.Status) {
		return e, ErrStaleStatus
	}
	e.Status = in.To
	if in.ChannelPointer != nil {
		p := *in.ChannelPointer
		e.ChannelPointer = &p
	}
	if in.LastError != nil {
		msg := *in.LastError
		e.LastError = &msg
	}
	if in.CountAttempt {
		e.Attempts++
	}
	e.UpdatedAt = m.now()
	m.outbox[e.CorrelationID] = e
	return e, nil
}

func (m *MemoryStore) ListOutboxOlderThan(ctx context.Context, statuses []models.OutboxStatus, before time.Time, limit int) ([]models.OutboxEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.OutboxEntry
	for _, e := range m.outbox {
		if containsStatus(statuses, e.Status) && e.UpdatedAt.Before(before) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

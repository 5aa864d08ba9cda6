package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shopfront/Main/coupon-engine/internal/events"
)

// ErrResultNotFound is returned by a ResultSink when no result was stored for a correlation id.
var ErrResultNotFound = errors.New("issue result not found")

// ResultSink keeps the latest result per correlation id. Put overwrites; it reports first=true
// only the first time a correlation id is seen.
type ResultSink interface {
	Put(ctx context.Context, res events.IssueResult) (first bool, err error)
	Get(ctx context.Context, correlationID uuid.UUID) (events.IssueResult, error)
}

const defaultResultTTL = 24 * time.Hour

// RedisResultSink stores results under coupon:result:<correlationId>.
type RedisResultSink struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisResultSink(rdb redis.UniversalClient, ttl time.Duration) *RedisResultSink {
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &RedisResultSink{rdb: rdb, ttl: ttl}
}

func resultKey(id uuid.UUID) string {
	return "coupon:result:" + id.String()
}

func seenKey(id uuid.UUID) string {
	return "coupon:result:seen:" + id.String()
}

func (r *RedisResultSink) Put(ctx context.Context, res events.IssueResult) (bool, error) {
	body, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, resultKey(res.CorrelationID), body, r.ttl)
	seen := pipe.SetNX(ctx, seenKey(res.CorrelationID), 1, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("store result %s: %w", res.CorrelationID, err)
	}
	return seen.Val(), nil
}

func (r *RedisResultSink) Get(ctx context.Context, correlationID uuid.UUID) (events.IssueResult, error) {
	body, err := r.rdb.Get(ctx, resultKey(correlationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return events.IssueResult{}, ErrResultNotFound
	}
	if err != nil {
		return events.IssueResult{}, err
	}
	var res events.IssueResult
	if err := json.Unmarshal(body, &res); err != nil {
		return events.IssueResult{}, fmt.Errorf("decode result %s: %w", correlationID, err)
	}
	return res, nil
}

// MemoryResultSink is the in-process sink used by tests and single-node runs.
type MemoryResultSink struct {
	mu      sync.RWMutex
	results map[uuid.UUID]events.IssueResult
}

func NewMemoryResultSink() *MemoryResultSink {
	return &MemoryResultSink{results: map[uuid.UUID]events.IssueResult{}}
}

func (m *MemoryResultSink) Put(ctx context.Context, res events.IssueResult) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, seen := m.results[res.CorrelationID]
	m.results[res.CorrelationID] = res
	return !seen, nil
}

func (m *MemoryResultSink) Get(ctx context.Context, correlationID uuid.UUID) (events.IssueResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[correlationID]
	if !ok {
		return events.IssueResult{}, ErrResultNotFound
	}
	return res, nil
}

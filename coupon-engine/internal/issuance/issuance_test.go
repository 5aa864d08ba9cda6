package issuance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfront/Main/coupon-engine/internal/allocator"
	"github.com/shopfront/Main/coupon-engine/internal/channel"
	"github.com/shopfront/Main/coupon-engine/internal/events"
	"github.com/shopfront/Main/coupon-engine/internal/lock"
	"github.com/shopfront/Main/coupon-engine/internal/models"
	"github.com/shopfront/Main/coupon-engine/internal/outbox"
	"github.com/shopfront/Main/coupon-engine/internal/store"
)

var testTopics = Topics{Requests: "requests", Results: "results", Notifications: "notifications"}

type sentEnvelope struct {
	topic string
	env   events.Envelope
}

// capturePublisher stands in for a synchronous channel and reports to the outbox like one.
type capturePublisher struct {
	mu       sync.Mutex
	reporter channel.Reporter
	sent     []sentEnvelope
	fail     error
}

func (p *capturePublisher) Publish(ctx context.Context, topic string, env events.Envelope) error {
	p.mu.Lock()
	fail := p.fail
	if fail == nil {
		p.sent = append(p.sent, sentEnvelope{topic: topic, env: env})
	}
	n := len(p.sent)
	p.mu.Unlock()
	if fail != nil {
		_ = p.reporter.HandoffFailed(ctx, env.CorrelationID, fail)
		return fail
	}
	return p.reporter.Published(ctx, env.CorrelationID, fmt.Sprintf("%s/%d", topic, n))
}

func (p *capturePublisher) on(topic string) []events.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Envelope
	for _, s := range p.sent {
		if s.topic == topic {
			out = append(out, s.env)
		}
	}
	return out
}

type fixture struct {
	st       *store.MemoryStore
	outbox   *outbox.Log
	pub      *capturePublisher
	producer *Producer
	requests *RequestConsumer
	results  *ResultConsumer
	sink     *MemoryResultSink
}

func newFixture(t *testing.T, engine Allocator) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	log := outbox.NewLog(st)
	pub := &capturePublisher{reporter: log}
	producer := NewProducer(log, pub, testTopics, nil)
	if engine == nil {
		locker := lock.NewMemoryLocker(lock.Settings{Wait: time.Second, Lease: 5 * time.Second})
		engine = allocator.NewEngine(locker, st)
	}
	sink := NewMemoryResultSink()
	return &fixture{
		st:       st,
		outbox:   log,
		pub:      pub,
		producer: producer,
		requests: NewRequestConsumer(engine, log, producer, "test-instance", nil),
		results:  NewResultConsumer(log, sink, nil),
		sink:     sink,
	}
}

func (f *fixture) coupon(t *testing.T, total int) models.Coupon {
	t.Helper()
	now := time.Now().UTC()
	c, err := f.st.CreateCoupon(context.Background(), store.CouponInput{
		Name:          "spring",
		TotalQuantity: total,
		StartsAt:      now.Add(-time.Hour),
		EndsAt:        now.Add(time.Hour),
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) status(t *testing.T, id uuid.UUID) models.OutboxStatus {
	t.Helper()
	e, err := f.outbox.Get(context.Background(), id)
	require.NoError(t, err)
	return e.Status
}

func delivery(topic string, env events.Envelope) channel.Delivery {
	return channel.Delivery{Envelope: env, Topic: topic, Pointer: topic + "/1", Attempt: 1}
}

func TestRequestIssueRecordsBeforePublishing(t *testing.T) {
	f := newFixture(t, nil)
	corr, err := f.producer.RequestIssue(context.Background(), 42, 7)
	require.NoError(t, err)

	sent := f.pub.on("requests")
	require.Len(t, sent, 1)
	assert.Equal(t, corr, sent[0].CorrelationID)
	assert.Equal(t, "42", sent[0].PartitionKey)

	e, err := f.outbox.Get(context.Background(), corr)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxPublished, e.Status)
	require.NotNil(t, e.ChannelPointer)
	assert.Equal(t, "requests/1", *e.ChannelPointer)
}

func TestRequestIssueHandoffFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.pub.fail = errors.New("redis unavailable")

	_, err := f.producer.RequestIssue(context.Background(), 42, 7)
	require.Error(t, err)

	failed, err := f.st.ListOutboxOlderThan(context.Background(), []models.OutboxStatus{models.OutboxFailed}, time.Now().Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Contains(t, *failed[0].LastError, "redis unavailable")
}

func TestRequestIssueValidates(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.producer.RequestIssue(context.Background(), 0, 7)
	assert.Error(t, err)
	assert.Empty(t, f.pub.on("requests"))
}

func TestIssueRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.coupon(t, 3)

	corr, err := f.producer.RequestIssue(ctx, 42, c.ID)
	require.NoError(t, err)
	req := f.pub.on("requests")[0]

	require.NoError(t, f.requests.Handle(ctx, delivery("requests", req)))
	assert.Equal(t, models.OutboxCompleted, f.status(t, corr))

	results := f.pub.on("results")
	require.Len(t, results, 1)
	assert.NotEqual(t, corr, results[0].CorrelationID)

	require.NoError(t, f.results.Handle(ctx, delivery("results", results[0])))
	assert.Equal(t, models.OutboxCompleted, f.status(t, results[0].CorrelationID))

	res, err := f.sink.Get(ctx, corr)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.ResultIssued, res.ResultCode)
	require.NotNil(t, res.IssuanceID)

	iss, err := f.st.GetIssuance(ctx, 42, c.ID)
	require.NoError(t, err)
	assert.Equal(t, *res.IssuanceID, iss.ID)
	assert.Equal(t, corr, iss.CorrelationID)

	// Redelivery after completion is acknowledged without a second result.
	require.NoError(t, f.requests.Handle(ctx, delivery("requests", req)))
	assert.Len(t, f.pub.on("results"), 1)
	require.NoError(t, f.results.Handle(ctx, delivery("results", results[0])))
}

func TestRejectionIsAcknowledged(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.coupon(t, 0)

	corr, err := f.producer.RequestIssue(ctx, 42, c.ID)
	require.NoError(t, err)
	require.NoError(t, f.requests.Handle(ctx, delivery("requests", f.pub.on("requests")[0])))

	e, err := f.outbox.Get(ctx, corr)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxFailed, e.Status)
	assert.Equal(t, string(models.ResultOutOfStock), *e.LastError)

	results := f.pub.on("results")
	require.Len(t, results, 1)
	decoded, err := events.Decode(results[0])
	require.NoError(t, err)
	assert.Equal(t, models.ResultOutOfStock, decoded.IssueResult.ResultCode)
	assert.Nil(t, decoded.IssueResult.IssuanceID)
}

type stubAllocator struct {
	err   error
	calls int
}

func (s *stubAllocator) Allocate(ctx context.Context, in allocator.AllocateInput) (models.Issuance, error) {
	s.calls++
	return models.Issuance{}, s.err
}

func TestLockContentionIsTerminal(t *testing.T) {
	stub := &stubAllocator{err: allocator.ErrLockContention}
	f := newFixture(t, stub)
	ctx := context.Background()

	corr, err := f.producer.RequestIssue(ctx, 1, 2)
	require.NoError(t, err)
	require.NoError(t, f.requests.Handle(ctx, delivery("requests", f.pub.on("requests")[0])))

	assert.Equal(t, models.OutboxFailed, f.status(t, corr))
	decoded, err := events.Decode(f.pub.on("results")[0])
	require.NoError(t, err)
	assert.Equal(t, models.ResultLockContention, decoded.IssueResult.ResultCode)
}

func TestTransientErrorLeavesMessageUnacked(t *testing.T) {
	stub := &stubAllocator{err: errors.New("connection reset")}
	f := newFixture(t, stub)
	ctx := context.Background()

	corr, err := f.producer.RequestIssue(ctx, 1, 2)
	require.NoError(t, err)
	d := delivery("requests", f.pub.on("requests")[0])

	assert.Error(t, f.requests.Handle(ctx, d))
	assert.Error(t, f.requests.Handle(ctx, d))
	assert.Empty(t, f.pub.on("results"))

	e, err := f.outbox.Get(ctx, corr)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxInProgress, e.Status)
	assert.Equal(t, 2, e.Attempts)
	assert.Equal(t, 2, stub.calls)
}

func TestMalformedRequestIsNotAcked(t *testing.T) {
	f := newFixture(t, nil)
	env := events.Envelope{CorrelationID: uuid.New(), EventType: events.KindIssueRequested, Payload: []byte(`{"userId":"x"}`)}
	assert.Error(t, f.requests.Handle(context.Background(), delivery("requests", env)))
}

func TestResultSinkOverwrites(t *testing.T) {
	sink := NewMemoryResultSink()
	ctx := context.Background()
	corr := uuid.New()

	first, err := sink.Put(ctx, events.IssueResult{CorrelationID: corr, ResultCode: models.ResultSystemError})
	require.NoError(t, err)
	assert.True(t, first)
	first, err = sink.Put(ctx, events.IssueResult{CorrelationID: corr, ResultCode: models.ResultIssued, Success: true})
	require.NoError(t, err)
	assert.False(t, first)

	got, err := sink.Get(ctx, corr)
	require.NoError(t, err)
	assert.Equal(t, models.ResultIssued, got.ResultCode)

	_, err = sink.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrResultNotFound)
}

func TestRouter(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	r := &Router{Results: f.results}

	assert.NoError(t, r.Handle(ctx, delivery("x", events.Envelope{CorrelationID: uuid.New(), EventType: "SOMETHING_NEW"})))
	// No request consumer registered: acknowledged.
	assert.NoError(t, r.Handle(ctx, delivery("requests", events.Envelope{CorrelationID: uuid.New(), EventType: events.KindIssueRequested})))

	corr := uuid.New()
	require.NoError(t, f.producer.PublishResult(ctx, events.IssueResult{CorrelationID: corr, UserID: 1, CouponID: 2, ResultCode: models.ResultExpired}))
	require.NoError(t, r.Handle(ctx, delivery("results", f.pub.on("results")[0])))
	got, err := f.sink.Get(ctx, corr)
	require.NoError(t, err)
	assert.Equal(t, models.ResultExpired, got.ResultCode)
}

func TestDeadLetterPublishesSystemError(t *testing.T) {
	stub := &stubAllocator{err: errors.New("db down")}
	f := newFixture(t, stub)
	ctx := context.Background()
	dl := NewDeadLetter(f.outbox, f.producer, nil)

	corr, err := f.producer.RequestIssue(ctx, 5, 6)
	require.NoError(t, err)
	d := delivery("requests", f.pub.on("requests")[0])
	require.Error(t, f.requests.Handle(ctx, d))

	require.NoError(t, dl.Handle(ctx, d, errors.New("exceeded 5 deliveries")))
	assert.Equal(t, models.OutboxFailed, f.status(t, corr))

	results := f.pub.on("results")
	require.Len(t, results, 1)
	decoded, err := events.Decode(results[0])
	require.NoError(t, err)
	assert.Equal(t, models.ResultSystemError, decoded.IssueResult.ResultCode)
	assert.Equal(t, int64(5), decoded.IssueResult.UserID)
	assert.Equal(t, corr, decoded.IssueResult.CorrelationID)

	// A second dead letter for the same entry changes nothing.
	require.NoError(t, dl.Handle(ctx, d, errors.New("again")))
	assert.Len(t, f.pub.on("results"), 1)
}

func TestDeadLetterFailsUnclaimedMalformedRequest(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	dl := NewDeadLetter(f.outbox, f.producer, nil)

	env := events.Envelope{
		CorrelationID: uuid.New(),
		EventType:     events.KindIssueRequested,
		PartitionKey:  "9",
		Payload:       []byte(`{"userId":"nine"}`),
	}
	require.NoError(t, f.producer.send(ctx, "requests", env))
	require.Equal(t, models.OutboxPublished, f.status(t, env.CorrelationID))

	d := delivery("requests", env)
	for i := 0; i < 5; i++ {
		require.Error(t, f.requests.Handle(ctx, d))
	}
	require.Equal(t, models.OutboxPublished, f.status(t, env.CorrelationID))

	require.NoError(t, dl.Handle(ctx, d, errors.New("exceeded 5 deliveries")))
	e, err := f.outbox.Get(ctx, env.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, models.OutboxFailed, e.Status)
	require.NotNil(t, e.LastError)
	assert.Contains(t, *e.LastError, string(models.ResultSystemError))

	results := f.pub.on("results")
	require.Len(t, results, 1)
	decoded, err := events.Decode(results[0])
	require.NoError(t, err)
	assert.Equal(t, models.ResultSystemError, decoded.IssueResult.ResultCode)
	assert.Equal(t, env.CorrelationID, decoded.IssueResult.CorrelationID)
}

func TestDeadLetterKeepsCompletedOutcome(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	c := f.coupon(t, 1)
	dl := NewDeadLetter(f.outbox, f.producer, nil)

	_, err := f.producer.RequestIssue(ctx, 5, c.ID)
	require.NoError(t, err)
	d := delivery("requests", f.pub.on("requests")[0])
	require.NoError(t, f.requests.Handle(ctx, d))

	require.NoError(t, dl.Handle(ctx, d, errors.New("ack lost")))
	assert.Len(t, f.pub.on("results"), 1)
}

func TestNotificationConsumer(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	nc := NewNotificationConsumer(f.outbox, nil)

	id, err := f.producer.Emit(ctx, "", events.KindOrderCreated, events.OrderEvent{OrderID: 77, UserID: 1, TotalAmount: 1200})
	require.NoError(t, err)
	sent := f.pub.on("notifications")
	require.Len(t, sent, 1)
	assert.Equal(t, "77", sent[0].PartitionKey)

	require.NoError(t, nc.Handle(ctx, delivery("notifications", sent[0])))
	assert.Equal(t, models.OutboxCompleted, f.status(t, id))

	foreign, err := events.New(uuid.New(), events.KindBalanceChanged, events.BalanceChanged{UserID: 3, Delta: -500})
	require.NoError(t, err)
	assert.NoError(t, nc.Handle(ctx, delivery("notifications", foreign)))
}

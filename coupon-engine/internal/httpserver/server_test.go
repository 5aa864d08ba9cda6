package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfront/Main/coupon-engine/internal/allocator"
	"github.com/shopfront/Main/coupon-engine/internal/events"
	"github.com/shopfront/Main/coupon-engine/internal/issuance"
	"github.com/shopfront/Main/coupon-engine/internal/lock"
	"github.com/shopfront/Main/coupon-engine/internal/models"
	"github.com/shopfront/Main/coupon-engine/internal/outbox"
	"github.com/shopfront/Main/coupon-engine/internal/store"
)

// loopbackPublisher reports every publish as successful.
type loopbackPublisher struct {
	log  *outbox.Log
	sent []events.Envelope
}

func (p *loopbackPublisher) Publish(ctx context.Context, topic string, env events.Envelope) error {
	p.sent = append(p.sent, env)
	return p.log.Published(ctx, env.CorrelationID, fmt.Sprintf("%s:0/%d-0", topic, len(p.sent)))
}

type testServer struct {
	*Server
	st      *store.MemoryStore
	locker  *lock.MemoryLocker
	pub     *loopbackPublisher
	results *issuance.MemoryResultSink
	handler http.Handler
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	st := store.NewMemoryStore()
	log := outbox.NewLog(st)
	locker := lock.NewMemoryLocker(lock.Settings{Wait: 100 * time.Millisecond, Lease: 5 * time.Second})
	pub := &loopbackPublisher{log: log}
	results := issuance.NewMemoryResultSink()
	producer := issuance.NewProducer(log, pub, issuance.Topics{Requests: "requests", Results: "results"}, nil)

	s := New(Deps{
		Store:      st,
		Engine:     allocator.NewEngine(locker, st),
		Producer:   producer,
		Outbox:     log,
		Results:    results,
		Reconciler: outbox.NewReconciler(st, outbox.ReconcilerConfig{StuckAfter: time.Hour}, nil),
		Locker:     locker,
		Instance:   "test",
	}, opts)
	return &testServer{Server: s, st: st, locker: locker, pub: pub, results: results, handler: s.Router()}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func user(id int64) map[string]string {
	return map[string]string{"X-User-ID": fmt.Sprint(id)}
}

var admin = map[string]string{"X-User-ID": "1", "X-User-Role": "admin"}

func (ts *testServer) openCoupon(t *testing.T, total int) models.Coupon {
	t.Helper()
	now := time.Now().UTC()
	c, err := ts.st.CreateCoupon(context.Background(), store.CouponInput{
		Name: "launch", TotalQuantity: total, StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour),
	})
	require.NoError(t, err)
	return c
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.RedisPing = func(context.Context) error { return errors.New("dial tcp: refused") }
	rec = ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCreateAndGetCoupon(t *testing.T) {
	ts := newTestServer(t, Options{})
	now := time.Now().UTC()
	body := map[string]interface{}{
		"name":          "summer",
		"totalQuantity": 100,
		"startsAt":      now,
		"endsAt":        now.Add(24 * time.Hour),
	}

	rec := ts.do(t, http.MethodPost, "/coupons", body, user(2))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/coupons", body, admin)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode(t, rec)
	id := int64(created["coupon"].(map[string]interface{})["id"].(float64))

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/coupons/%d", id), nil, user(2))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(100), decode(t, rec)["remaining"])

	rec = ts.do(t, http.MethodGet, "/coupons/999", nil, user(2))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body["endsAt"] = now.Add(-time.Hour)
	rec = ts.do(t, http.MethodPost, "/coupons", body, admin)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRequiresAuthentication(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodGet, "/coupons/1", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = ts.do(t, http.MethodGet, "/coupons/1", nil, map[string]string{"X-User-ID": "abc"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAsyncIssueAndStatus(t *testing.T) {
	ts := newTestServer(t, Options{})
	c := ts.openCoupon(t, 10)

	rec := ts.do(t, http.MethodPost, fmt.Sprintf("/coupons/%d/issue", c.ID), nil, user(42))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	corr := uuid.MustParse(decode(t, rec)["correlationId"].(string))
	require.Len(t, ts.pub.sent, 1)
	assert.Equal(t, corr, ts.pub.sent[0].CorrelationID)

	rec = ts.do(t, http.MethodGet, "/issue-requests/"+corr.String(), nil, user(42))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)
	assert.Equal(t, string(models.OutboxPublished), status["status"])
	assert.Nil(t, status["result"])

	_, err := ts.results.Put(context.Background(), events.IssueResult{CorrelationID: corr, UserID: 42, CouponID: c.ID, Success: true, ResultCode: models.ResultIssued})
	require.NoError(t, err)
	rec = ts.do(t, http.MethodGet, "/issue-requests/"+corr.String(), nil, user(42))
	result := decode(t, rec)["result"].(map[string]interface{})
	assert.Equal(t, string(models.ResultIssued), result["resultCode"])

	rec = ts.do(t, http.MethodGet, "/issue-requests/"+uuid.NewString(), nil, user(42))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, http.MethodGet, "/issue-requests/not-a-uuid", nil, user(42))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueStatusIsOwnerOnly(t *testing.T) {
	ts := newTestServer(t, Options{})
	c := ts.openCoupon(t, 10)

	rec := ts.do(t, http.MethodPost, fmt.Sprintf("/coupons/%d/issue", c.ID), nil, user(42))
	require.Equal(t, http.StatusAccepted, rec.Code)
	corr := decode(t, rec)["correlationId"].(string)

	rec = ts.do(t, http.MethodGet, "/issue-requests/"+corr, nil, user(43))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/issue-requests/"+corr, nil, admin)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/issue-requests/"+corr, nil, user(42))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSyncIssueResultCodes(t *testing.T) {
	ts := newTestServer(t, Options{})
	c := ts.openCoupon(t, 1)
	path := fmt.Sprintf("/coupons/%d/issue/sync", c.ID)

	rec := ts.do(t, http.MethodPost, path, nil, user(1))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, string(models.ResultIssued), decode(t, rec)["resultCode"])

	rec = ts.do(t, http.MethodPost, path, nil, user(1))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(models.ResultAlreadyIssued), decode(t, rec)["resultCode"])

	rec = ts.do(t, http.MethodPost, path, nil, user(2))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(models.ResultOutOfStock), decode(t, rec)["resultCode"])

	rec = ts.do(t, http.MethodPost, "/coupons/404/issue/sync", nil, user(2))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSyncIssueLockContention(t *testing.T) {
	ts := newTestServer(t, Options{})
	c := ts.openCoupon(t, 5)
	holder := lock.WithOwner(context.Background(), "someone-else")
	ok, err := ts.locker.Acquire(holder, allocator.LockKey(c.ID))
	require.NoError(t, err)
	require.True(t, ok)

	rec := ts.do(t, http.MethodPost, fmt.Sprintf("/coupons/%d/issue/sync", c.ID), nil, user(3))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(models.ResultLockContention), decode(t, rec)["resultCode"])

	rec = ts.do(t, http.MethodPost, "/admin/locks/"+allocator.LockKey(c.ID)+"/force-unlock", nil, admin)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	locked, err := ts.locker.IsLocked(context.Background(), allocator.LockKey(c.ID))
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestIssueRateLimited(t *testing.T) {
	ts := newTestServer(t, Options{IssueRateLimit: 0.001, IssueRateBurst: 2})
	c := ts.openCoupon(t, 10)
	path := fmt.Sprintf("/coupons/%d/issue", c.ID)

	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, path, nil, user(5)).Code)
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, path, nil, user(5)).Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, path, nil, user(5)).Code)
	// Buckets are per user.
	assert.Equal(t, http.StatusAccepted, ts.do(t, http.MethodPost, path, nil, user(6)).Code)
}

func TestStuckOutbox(t *testing.T) {
	ts := newTestServer(t, Options{})
	rec := ts.do(t, http.MethodGet, "/outbox/stuck", nil, admin)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["entries"])
}

func signed(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestJWTAuthentication(t *testing.T) {
	const secret = "s3cret"
	ts := newTestServer(t, Options{JWTSecret: secret})
	c := ts.openCoupon(t, 5)
	path := fmt.Sprintf("/coupons/%d", c.ID)

	rec := ts.do(t, http.MethodGet, path, nil, user(1))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	good := signed(t, secret, jwt.MapClaims{"sub": "42", "exp": time.Now().Add(time.Hour).Unix()})
	rec = ts.do(t, http.MethodGet, path, nil, map[string]string{"Authorization": good})
	assert.Equal(t, http.StatusOK, rec.Code)

	wrongKey := signed(t, "other", jwt.MapClaims{"sub": "42"})
	rec = ts.do(t, http.MethodGet, path, nil, map[string]string{"Authorization": wrongKey})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired := signed(t, secret, jwt.MapClaims{"sub": "42", "exp": time.Now().Add(-time.Minute).Unix()})
	rec = ts.do(t, http.MethodGet, path, nil, map[string]string{"Authorization": expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	notNumeric := signed(t, secret, jwt.MapClaims{"sub": "alice"})
	rec = ts.do(t, http.MethodGet, path, nil, map[string]string{"Authorization": notNumeric})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	nonAdmin := ts.do(t, http.MethodGet, "/outbox/stuck", nil, map[string]string{"Authorization": good})
	assert.Equal(t, http.StatusForbidden, nonAdmin.Code)
	adminTok := signed(t, secret, jwt.MapClaims{"sub": "1", "roles": []string{"admin"}})
	rec = ts.do(t, http.MethodGet, "/outbox/stuck", nil, map[string]string{"Authorization": adminTok})
	assert.Equal(t, http.StatusOK, rec.Code)
}

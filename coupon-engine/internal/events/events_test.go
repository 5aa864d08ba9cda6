package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfront/Main/coupon-engine/internal/models"
)

func TestPartitionKeys(t *testing.T) {
	cases := []struct {
		kind    Kind
		payload interface{}
		want    string
	}{
		{KindIssueRequested, IssueRequested{UserID: 42, CouponID: 7}, "42"},
		{KindIssueResult, &IssueResult{UserID: 42, CouponID: 7}, "42"},
		{KindOrderCreated, OrderEvent{OrderID: 1001, UserID: 42}, "1001"},
		{KindProductStockChanged, ProductStockChanged{ProductID: 9}, "9"},
		{KindBalanceChanged, BalanceChanged{UserID: 42}, "42"},
	}
	for _, tc := range cases {
		got, err := PartitionKeyFor(tc.kind, tc.payload)
		require.NoError(t, err, tc.kind)
		assert.Equal(t, tc.want, got, tc.kind)
	}

	_, err := PartitionKeyFor(KindOrderCreated, map[string]int{"x": 1})
	assert.Error(t, err)
}

func TestDecodeIssueRequested(t *testing.T) {
	corr := uuid.New()
	env, err := New(corr, KindIssueRequested, IssueRequested{CorrelationID: corr, UserID: 42, CouponID: 7, RequestedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, "42", env.PartitionKey)

	d, err := Decode(env)
	require.NoError(t, err)
	require.Equal(t, KindIssueRequested, d.Kind)
	require.NotNil(t, d.IssueRequested)
	assert.Equal(t, int64(7), d.IssueRequested.CouponID)
	assert.Nil(t, d.IssueResult)
}

func TestDecodeIssueResult(t *testing.T) {
	corr := uuid.New()
	env, err := New(corr, KindIssueResult, IssueResult{CorrelationID: corr, UserID: 3, CouponID: 4, ResultCode: models.ResultOutOfStock})
	require.NoError(t, err)

	d, err := Decode(env)
	require.NoError(t, err)
	require.NotNil(t, d.IssueResult)
	assert.Equal(t, models.ResultOutOfStock, d.IssueResult.ResultCode)
	assert.False(t, d.IssueResult.Success)
}

func TestDecodeUnknownKind(t *testing.T) {
	d, err := Decode(Envelope{EventType: "SOMETHING_NEW", Payload: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, d.Kind)
}

func TestDecodeMalformedPayload(t *testing.T) {
	_, err := Decode(Envelope{EventType: KindIssueRequested, Payload: json.RawMessage(`{"userId":"not-a-number"}`)})
	assert.Error(t, err)
}

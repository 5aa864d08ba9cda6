package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopfront/Main/coupon-engine/internal/models"
	"github.com/shopfront/Main/coupon-engine/internal/store"
)

func TestSweepExpiresEndedCoupons(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	ended, err := st.CreateCoupon(ctx, store.CouponInput{Name: "old", TotalQuantity: 5, StartsAt: now.Add(-48 * time.Hour), EndsAt: now.Add(-time.Hour)})
	require.NoError(t, err)
	open, err := st.CreateCoupon(ctx, store.CouponInput{Name: "new", TotalQuantity: 5, StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour)})
	require.NoError(t, err)

	s, err := New(st, "", nil)
	require.NoError(t, err)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := st.GetCoupon(ctx, ended.ID)
	assert.Equal(t, models.CouponExpired, got.Status)
	got, _ = st.GetCoupon(ctx, open.ID)
	assert.Equal(t, models.CouponActive, got.Status)

	n, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(store.NewMemoryStore(), "every minute please", nil)
	assert.Error(t, err)
}

type countingExpirer struct {
	calls atomic.Int32
	err   error
}

func (c *countingExpirer) ExpireCoupons(ctx context.Context, now time.Time) (int64, error) {
	c.calls.Add(1)
	return 0, c.err
}

func TestRunSchedulesUntilCancelled(t *testing.T) {
	exp := &countingExpirer{err: errors.New("db down")}
	s, err := New(exp, "@every 1s", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return exp.calls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

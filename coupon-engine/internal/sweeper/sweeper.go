// Package sweeper moves coupons past their end date to EXPIRED on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/shopfront/Main/coupon-engine/internal/logging"
	"github.com/shopfront/Main/coupon-engine/internal/metrics"
)

const sweepTimeout = 30 * time.Second

// Expirer is implemented by the coupon store.
type Expirer interface {
	ExpireCoupons(ctx context.Context, now time.Time) (int64, error)
}

type ExpirySweeper struct {
	store    Expirer
	schedule string
	cron     *cron.Cron
	log      logrus.FieldLogger
	now      func() time.Time
}

// New validates schedule (standard five-field spec or a descriptor such as "@every 1m").
func New(st Expirer, schedule string, logger logrus.FieldLogger) (*ExpirySweeper, error) {
	if schedule == "" {
		schedule = "@every 1m"
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	return &ExpirySweeper{
		store:    st,
		schedule: schedule,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:      logging.OrDiscard(logger).WithField("component", "sweeper"),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Sweep runs one pass and returns how many coupons expired.
func (s *ExpirySweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := s.store.ExpireCoupons(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("expire coupons: %w", err)
	}
	if n > 0 {
		metrics.RecordExpired(n)
		s.log.WithField("count", n).Info("coupons expired")
	}
	return n, nil
}

// Run schedules Sweep and blocks until ctx ends. A running pass finishes before Run returns.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		sctx, cancel := context.WithTimeout(ctx, sweepTimeout)
		defer cancel()
		if _, err := s.Sweep(sctx); err != nil {
			s.log.WithError(err).Warn("expiry sweep failed")
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

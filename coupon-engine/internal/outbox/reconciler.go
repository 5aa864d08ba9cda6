package outbox

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shopfront/Main/coupon-engine/internal/logging"
	"github.com/shopfront/Main/coupon-engine/internal/metrics"
	"github.com/shopfront/Main/coupon-engine/internal/models"
	"github.com/shopfront/Main/coupon-engine/internal/store"
)

// ReconcilerConfig tunes the stuck-entry scan.
type ReconcilerConfig struct {
	StuckAfter time.Duration
	Interval   time.Duration
	Limit      int
}

// Reconciler reports entries that stopped moving before a terminal status. It only makes
// lost or slow messages visible; it never replays them.
type Reconciler struct {
	store store.OutboxStore
	cfg   ReconcilerConfig
	log   logrus.FieldLogger
	now   func() time.Time
}

func NewReconciler(st store.OutboxStore, cfg ReconcilerConfig, logger logrus.FieldLogger) *Reconciler {
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = 5 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 500
	}
	return &Reconciler{
		store: st,
		cfg:   cfg,
		log:   logging.OrDiscard(logger).WithField("component", "outbox.reconciler"),
		now:   time.Now,
	}
}

var watchedStatuses = []models.OutboxStatus{models.OutboxPending, models.OutboxPublished, models.OutboxInProgress}

// Scan lists stuck entries and refreshes the stuck-entry gauge.
func (r *Reconciler) Scan(ctx context.Context) ([]models.OutboxEntry, error) {
	entries, err := r.store.ListOutboxOlderThan(ctx, watchedStatuses, r.now().Add(-r.cfg.StuckAfter), r.cfg.Limit)
	if err != nil {
		return nil, err
	}
	counts := map[models.OutboxStatus]int{}
	for _, e := range entries {
		counts[e.Status]++
	}
	for _, s := range watchedStatuses {
		metrics.SetOutboxStuck(string(s), counts[s])
	}
	return entries, nil
}

// Run scans every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		entries, err := r.Scan(ctx)
		if err != nil {
			r.log.WithError(err).Warn("scan stuck outbox entries")
			continue
		}
		for _, e := range entries {
			r.log.WithFields(logrus.Fields{
				"correlation_id": e.CorrelationID,
				"event_type":     e.EventType,
				"status":         e.Status,
				"attempts":       e.Attempts,
				"updated_at":     e.UpdatedAt.Format(time.RFC3339),
			}).Warn("outbox entry stuck")
		}
	}
}

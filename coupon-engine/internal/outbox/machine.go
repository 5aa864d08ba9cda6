// Package outbox records every event before it is handed to a channel and tracks it to a
// terminal status. Entries are never deleted; they are the reconciliation source of truth.
package outbox

import "github.com/shopfront/Main/coupon-engine/internal/models"

// transitions lists, per target status, the statuses it may be entered from.
//
// PENDING -> IN_PROGRESS exists because an asynchronous hand-off can be consumed before its
// completion callback marks it PUBLISHED. IN_PROGRESS -> IN_PROGRESS is a redelivery.
var transitions = map[models.OutboxStatus][]models.OutboxStatus{
	models.OutboxPublished:  {models.OutboxPending},
	models.OutboxInProgress: {models.OutboxPending, models.OutboxPublished, models.OutboxInProgress},
	models.OutboxCompleted:  {models.OutboxInProgress},
	models.OutboxFailed:     {models.OutboxPending, models.OutboxInProgress},
}

// CanTransition reports whether an entry in from may move to to.
func CanTransition(from, to models.OutboxStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

func sourcesOf(to models.OutboxStatus) []models.OutboxStatus {
	return transitions[to]
}

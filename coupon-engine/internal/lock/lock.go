// Package lock provides reentrant, TTL-bounded mutual exclusion keyed by a resource name.
//
// Ownership travels in the context (WithOwner). Callers that do not set an owner act as the
// locker's own instance, so every goroutine of a process shares that identity.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrNotHeld is returned by Release when the caller does not hold the key.
var ErrNotHeld = errors.New("lock not held by owner")

// Locker is the distributed lock contract used by the allocation engine.
type Locker interface {
	// Acquire waits up to the configured wait time. A timeout is reported as (false, nil).
	Acquire(ctx context.Context, key string) (bool, error)
	AcquireWithSettings(ctx context.Context, key string, wait, lease time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	IsLocked(ctx context.Context, key string) (bool, error)
	IsHeldByCurrentOwner(ctx context.Context, key string) (bool, error)
	// ForceUnlock removes the lease regardless of owner. Operational use only.
	ForceUnlock(ctx context.Context, key string) error
}

// Settings are the defaults applied by Acquire.
type Settings struct {
	Wait  time.Duration
	Lease time.Duration
}

type ownerKey struct{}

// WithOwner scopes lock ownership to owner for calls made with the returned context.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// HasOwner reports whether ctx carries an explicit owner.
func HasOwner(ctx context.Context) bool {
	v, ok := ctx.Value(ownerKey{}).(string)
	return ok && v != ""
}

func ownerFrom(ctx context.Context, fallback string) string {
	if v, ok := ctx.Value(ownerKey{}).(string); ok && v != "" {
		return v
	}
	return fallback
}

// InstanceID identifies this process as host:pid:random.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), hex.EncodeToString(buf))
}

// pollInterval picks the next sleep while waiting: short enough to notice a release quickly,
// never longer than the remaining wait or the holder's TTL.
func pollInterval(remaining, ttl time.Duration) time.Duration {
	d := 25 * time.Millisecond
	if ttl > 0 && ttl < d {
		d = ttl
	}
	if remaining < d {
		d = remaining
	}
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package quota tracks how many emails have been sent during each calendar
// hour, in redis, shared by every worker and every process. Reserve and
// Commit are two separate round trips on purpose, a refused reservation
// must not consume quota. The price is a soft limit: two workers racing at
// the cap boundary can both get a grant and the hour can overshoot by the
// worker count in the worst case. That is a documented property of the
// design, not a bug to fix here.
package quota

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "sent-count:"

// retention of a counter key, twice the bucket width. Storage hygiene
// only, correctness never depends on the expiry.
const retention = 2 * time.Hour

// Commander is the slice of the redis client the limiter needs.
type Commander interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

/// HourKey returns the quota bucket key for t: the UTC wall clock hour,
// truncated. UTC keeps the buckets unambiguous across DST transitions.
func HourKey(t time.Time) string {
	return t.In(time.UTC).Truncate(time.Hour).Format(time.RFC3339)
}

// NextHour returns the start of the hour following t, the fire time a
// deferred message is rescheduled to.
func NextHour(t time.Time) time.Time {
	return t.In(time.UTC).Truncate(time.Hour).Add(time.Hour)
}

func New(rdb Commander) *Limiter {
	return &Limiter{rdb: rdb}
}

type Limiter struct {
	rdb Commander
}

// Reserve answers whether one more send fits under cap within the hour
// bucket. It does not consume quota, a grant is only made durable by
// Commit after the send succeeded.
func (l *Limiter) Reserve(ctx context.Context, hourKey string, cap int64) (granted bool, current int64, err error) {
	val, err := l.rdb.Get(ctx, keyPrefix+hourKey).Result()
	if errors.Is(err, redis.Nil) {
		return true, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("could not read quota counter %s, %w", hourKey, err)
	}

	current, err = strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, 0, fmt.Errorf("quota counter %s holds garbage %q, %w", hourKey, val, err)
	}
	return current < cap, current, nil
}

// Commit attributes one successful send to the hour bucket and refreshes
// its expiry.
func (l *Limiter) Commit(ctx context.Context, hourKey string) error {
	key := keyPrefix + hourKey
	err := l.rdb.Incr(ctx, key).Err()
	if err != nil {
		return fmt.Errorf("could not increment quota counter %s, %w", hourKey, err)
	}
	return l.rdb.Expire(ctx, key, retention).Err()
}

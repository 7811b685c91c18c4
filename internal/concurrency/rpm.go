// Package concurrency implements the ConcurrencyManager &
// AdaptiveReservation of spec.md §4.4: per-key atomic RPM counters in a
// minute bucket, plus a reservation ratio that reserves capacity for
// cache-affinity-hit callers over new callers. The atomic counter is
// the teacher's internal/ratelimit/rpm.go sliding-window Lua script
// pattern, generalized from one global limit to a per-key minute
// bucket as spec.md §6's "rpm:{key_id}:{minute_bucket}" key layout and
// §5's "atomic script...in the same critical section as the counter
// check" call for.
package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript atomically increments the per-(key,minute) counter and
// reports whether the post-increment count stays within limit — giving
// the counter-check and the increment the same critical section spec.md
// §5 requires.
// KEYS[1] = rpm bucket key
// ARGV[1] = limit
// ARGV[2] = bucket TTL in seconds
// Returns: 1 (admitted) or 0 (rejected); the counter is only
// incremented when admitted.
var admitScript = redis.NewScript(`
	local key   = KEYS[1]
	local limit = tonumber(ARGV[1])
	local ttl   = tonumber(ARGV[2])

	local count = tonumber(redis.call('GET', key) or '0')
	if count >= limit then
		return 0
	end
	redis.call('INCR', key)
	redis.call('EXPIRE', key, ttl)
	return 1
`)

const bucketTTLSeconds = 70

// Counter is the minute-bucket RPM counter backed by Redis.
type Counter struct {
	rdb *redis.Client
}

// NewCounter creates a Counter over the given Redis client. Callers
// running without Redis should use MemoryCounter instead, matching
// spec.md §5 "Redis is a shared optional backend; absence degrades to
// in-memory counters with correctness preserved within one process".
func NewCounter(rdb *redis.Client) *Counter {
	return &Counter{rdb: rdb}
}

func bucketKey(keyID string, minute int64) string {
	return fmt.Sprintf("rpm:%s:%d", keyID, minute)
}

// TryAdmit attempts to admit one request against limit for keyID's
// current minute bucket. It returns whether admission succeeded.
func (c *Counter) TryAdmit(ctx context.Context, keyID string, limit int) (bool, error) {
	minute := time.Now().Unix() / 60
	key := bucketKey(keyID, minute)

	res, err := admitScript.Run(ctx, c.rdb, []string{key}, limit, bucketTTLSeconds).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// CurrentCount returns the current count in keyID's minute bucket
// (used for adaptive-RPM "current_observed_rpm" on a 429).
func (c *Counter) CurrentCount(ctx context.Context, keyID string) (int, error) {
	minute := time.Now().Unix() / 60
	key := bucketKey(keyID, minute)
	n, err := c.rdb.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

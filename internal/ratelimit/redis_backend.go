package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisBackend implements a fixed-window counter shared across processes:
// INCR on a key scoped to (category, key, window-bucket), with an EXPIRE
// set only on first increment. This is coarser than a true token bucket
// (bursts at window boundaries) but is the idiom 1kaius1-MUD-Engine's
// go-redis dependency exists to serve, and keeps every server process
// honoring the same global limit instead of limit*N_processes.
type redisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend creates a Backend sharing state across processes via client.
func NewRedisBackend(client redis.UniversalClient) Backend {
	return &redisBackend{client: client}
}

const incrementWindowScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`

func (b *redisBackend) Allow(ctx context.Context, category Category, key string, limit CategoryLimit) (bool, error) {
	bucketKey := fmt.Sprintf("ratelimit:%s:%s:%d", category, key, nowBucket(limit))

	count, err := b.client.Eval(ctx, incrementWindowScript, []string{bucketKey}, limit.Window.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis eval: %w", err)
	}

	return count <= int64(limit.Requests), nil
}

// nowBucket returns the current wall-clock window index.
var nowBucket = func(limit CategoryLimit) int64 {
	return time.Now().UnixNano() / limit.Window.Nanoseconds()
}

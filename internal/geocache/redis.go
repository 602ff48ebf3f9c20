package geocache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// invalidateChannel is the Redis pub/sub channel used to fan out cache-clear
// signals across every Edge replica sharing one Redis instance, so an
// external operator signal clears every replica's hot cache together.
const invalidateChannel = "geocache:invalidate"

// RedisColdStore is an alternative ColdStore backed by a shared Redis
// instance instead of (or in front of) the warehouse geo table, useful when
// several Edge hosts want to share one cold tier without each hitting the
// SQL table directly.
type RedisColdStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisColdStore wraps an existing redis client. Keys are stored as
// "geo:{ip}" JSON blobs with the given ttl (0 disables expiry, leaving
// invalidation to explicit Clear/invalidation messages only).
func NewRedisColdStore(rdb *redis.Client, ttl time.Duration) *RedisColdStore {
	return &RedisColdStore{rdb: rdb, ttl: ttl}
}

func (r *RedisColdStore) key(ip string) string {
	return "geo:" + ip
}

func (r *RedisColdStore) Lookup(ctx context.Context, ip string) (*Entry, error) {
	data, err := r.rdb.Get(ctx, r.key(ip)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis geo lookup for %s: %w", ip, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode redis geo entry for %s: %w", ip, err)
	}
	return &e, nil
}

// Put writes an entry back to Redis, used by out-of-band geo-table sync
// jobs (out of scope for the Core, but the write path lives here so those
// jobs have somewhere real to call).
func (r *RedisColdStore) Put(ctx context.Context, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode redis geo entry for %s: %w", e.IP, err)
	}
	return r.rdb.Set(ctx, r.key(e.IP), data, r.ttl).Err()
}

// PublishInvalidate broadcasts a cache-clear signal to every subscriber
// (every Edge replica) sharing this Redis instance.
func PublishInvalidate(ctx context.Context, rdb *redis.Client) error {
	return rdb.Publish(ctx, invalidateChannel, "clear").Err()
}

// SubscribeInvalidate runs until ctx is cancelled, calling onClear every
// time another replica (or the local operator endpoint) publishes an
// invalidation signal.
func SubscribeInvalidate(ctx context.Context, rdb *redis.Client, onClear func()) {
	sub := rdb.Subscribe(ctx, invalidateChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			onClear()
		}
	}
}

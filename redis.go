// Package shardid - redis.go provides a Redis-backed CounterSource for
// deployments whose shard containers cannot host an atomic counter (object
// stores, plain file layouts). INCR gives the single fetch-and-increment the
// hot path needs, visible to every process in the fleet.
//
// RedisCounters implements only CounterSource; overlay it on any
// MetadataStore/ContainerStore pair via Config.Counters. Note the durability
// trade: a Redis deployment that loses the counter key replays sequence
// values, which is safe only because the timestamp field advances; two IDs
// can then collide within one millisecond of the loss.

package shardid

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces counter keys in a shared Redis deployment.
const DefaultRedisPrefix = "shardid"

// RedisCounters hands out counters backed by Redis INCR.
type RedisCounters struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCounters wraps an existing Redis client. A UniversalClient is
// accepted so single-node, sentinel, and cluster deployments all work.
func NewRedisCounters(client redis.UniversalClient) *RedisCounters {
	return &RedisCounters{client: client, prefix: DefaultRedisPrefix}
}

// WithPrefix returns a copy using a different key prefix.
func (r *RedisCounters) WithPrefix(prefix string) *RedisCounters {
	return &RedisCounters{client: r.client, prefix: prefix}
}

// Counter implements CounterSource. INCR creates the key on first use, so a
// handle works whether or not CreateCounter ran against this source.
func (r *RedisCounters) Counter(container, name string) Counter {
	return &redisCounter{client: r.client, key: r.key(container, name)}
}

// CreateCounter initializes a counter key at zero without touching an
// existing one. Allocation calls this through the ContainerStore; when the
// counter source is Redis the call is optional but keeps the key visible to
// operators before the first increment.
func (r *RedisCounters) CreateCounter(ctx context.Context, container, name string) error {
	created, err := r.client.SetNX(ctx, r.key(container, name), 0, 0).Result()
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("%w: counter %q in %q", ErrAlreadyExists, name, container)
	}
	return nil
}

func (r *RedisCounters) key(container, name string) string {
	return fmt.Sprintf("%s:counter:%s:%s", r.prefix, container, name)
}

type redisCounter struct {
	client redis.UniversalClient
	key    string
}

func (c *redisCounter) Next(ctx context.Context) (int64, error) {
	return c.client.Incr(ctx, c.key).Result()
}

package shardid

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedis connects to the server named by SHARDID_REDIS_ADDR, or skips.
// Keys are namespaced per test and removed on cleanup.
func newTestRedis(t *testing.T) *RedisCounters {
	t.Helper()
	addr := os.Getenv("SHARDID_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHARDID_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping: %v", err)
	}

	prefix := fmt.Sprintf("shardid_test:%s:%d", t.Name(), time.Now().UnixNano())
	t.Cleanup(func() {
		keys, err := client.Keys(context.Background(), prefix+":*").Result()
		if err == nil && len(keys) > 0 {
			client.Del(context.Background(), keys...)
		}
		client.Close()
	})
	return NewRedisCounters(client).WithPrefix(prefix)
}

func TestRedisCounter_Increments(t *testing.T) {
	counters := newTestRedis(t)
	ctx := context.Background()

	counter := counters.Counter("orders_0001", counterName)
	for want := int64(1); want <= 5; want++ {
		got, err := counter.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("Next() = %d, want %d", got, want)
		}
	}

	// Handles are stateless; a fresh one continues the same key.
	if got, err := counters.Counter("orders_0001", counterName).Next(ctx); err != nil || got != 6 {
		t.Errorf("fresh handle Next() = %d, %v; want 6", got, err)
	}
}

func TestRedisCounter_CreateCounter(t *testing.T) {
	counters := newTestRedis(t)
	ctx := context.Background()

	if err := counters.CreateCounter(ctx, "orders_0001", counterName); err != nil {
		t.Fatal(err)
	}
	if err := counters.CreateCounter(ctx, "orders_0001", counterName); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second CreateCounter() error = %v, want ErrAlreadyExists", err)
	}

	// SetNX must not reset a counter that has advanced.
	counter := counters.Counter("orders_0002", counterName)
	if _, err := counter.Next(ctx); err != nil {
		t.Fatal(err)
	}
	_ = counters.CreateCounter(ctx, "orders_0002", counterName)
	if got, err := counter.Next(ctx); err != nil || got != 2 {
		t.Errorf("Next() after racing CreateCounter = %d, %v; want 2", got, err)
	}
}

func TestRedisCounter_ConcurrentUnique(t *testing.T) {
	counters := newTestRedis(t)
	ctx := context.Background()

	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[int64]bool, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			counter := counters.Counter("orders_0001", counterName)
			for i := 0; i < perWorker; i++ {
				v, err := counter.Next(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				if seen[v] {
					t.Errorf("value %d handed out twice", v)
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != workers*perWorker {
		t.Errorf("got %d distinct values, want %d", len(seen), workers*perWorker)
	}
}

func TestRedisCounters_OverlayOnMemoryStore(t *testing.T) {
	counters := newTestRedis(t)
	ctx := context.Background()

	store := NewMemoryStore()
	cluster, err := Open(ctx, Config{
		Metadata:   store,
		Containers: store,
		Counters:   counters,
	})
	if err != nil {
		t.Fatal(err)
	}

	shard, err := cluster.AllocateShard(ctx, "orders", "")
	if err != nil {
		t.Fatal(err)
	}

	prev := ID(0)
	for i := 0; i < 100; i++ {
		id, err := cluster.Next(ctx, "orders", shard)
		if err != nil {
			t.Fatal(err)
		}
		if id <= prev {
			t.Fatalf("Next() = %d, not greater than %d", id, prev)
		}
		prev = id
	}

	m := cluster.Metrics()
	if m.Generated != 100 {
		t.Errorf("Metrics().Generated = %d, want 100", m.Generated)
	}
}

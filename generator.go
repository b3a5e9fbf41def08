// Package shardid - generator.go implements ID generation: a pure
// composition of the monotonic clock, the caller's shard number, the shard's
// counter, and the atomically published layout constants.

package shardid

import (
	"context"
	"fmt"
	"time"
)

// Metrics is a snapshot of the cluster's generation counters.
//
// All counters are monotonically increasing and maintained with atomic
// operations; Metrics() never contends with the hot path.
type Metrics struct {
	Generated     int64 // IDs successfully generated
	CounterErrors int64 // failed counter increments (storage faults)
	OutOfRange    int64 // calls rejected with ErrShardOutOfRange
	Exhausted     int64 // calls rejected with ErrEpochExceeded
}

// Next generates one identifier for a row bound to the given shard.
//
// The identifier packs the milliseconds elapsed since the configured epoch,
// the shard number, and the next value of the shard's counter masked to the
// sequence width:
//
//	id = (delta << (shardBits + sequenceBits)) | (shard << sequenceBits) | seq
//
// The sequence deliberately wraps instead of blocking: a shard pushed past
// its per-millisecond capacity risks a collision rather than stalling every
// writer. Pick a larger ids_per_ms setting if a shard sustains that rate.
//
// The registry is the true gate on shard numbers; Next still rejects a shard
// outside [1, 2^shardBits-1] with ErrShardOutOfRange so a misrouted call
// cannot silently corrupt the shard field. The counter increment is the only
// blocking step and honors ctx.
func (c *Cluster) Next(ctx context.Context, family string, shard int64) (ID, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}

	layout := c.layout.Load()
	if shard < 1 || shard > layout.MaxShard() {
		c.outOfRange.Add(1)
		return 0, newShardRangeError(family, shard, layout.MaxShard())
	}

	seq, err := c.counterFor(family, shard).Next(ctx)
	if err != nil {
		c.counterErrors.Add(1)
		return 0, fmt.Errorf("shard counter: %w", err)
	}

	now := c.nowMillis()
	delta := now - layout.EpochMillis
	if delta < 0 {
		return 0, newValueError(SettingEpoch, layout.Epoch.Format(time.RFC3339), "epoch is in the future")
	}
	if delta > layout.maxDelta {
		c.exhausted.Add(1)
		return 0, newEpochExceededError(family, shard, time.UnixMilli(now))
	}

	c.generated.Add(1)
	return layout.Pack(delta, shard, seq), nil
}

// MustNext generates an ID and panics on error. Use only where a generation
// failure is unrecoverable anyway.
func (c *Cluster) MustNext(ctx context.Context, family string, shard int64) ID {
	id, err := c.Next(ctx, family, shard)
	if err != nil {
		panic(err)
	}
	return id
}

// NextBatch generates count identifiers for one shard.
//
// On error the slice holds the IDs generated before the failure, alongside
// the error, so callers can still use the partial batch. The range checks
// are hoisted out of the loop; each ID still consumes one counter increment,
// since the counter is the shared-state contention point.
func (c *Cluster) NextBatch(ctx context.Context, family string, shard int64, count int) ([]ID, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return []ID{}, nil
	}

	layout := c.layout.Load()
	if shard < 1 || shard > layout.MaxShard() {
		c.outOfRange.Add(1)
		return nil, newShardRangeError(family, shard, layout.MaxShard())
	}
	counter := c.counterFor(family, shard)

	ids := make([]ID, 0, count)
	for i := 0; i < count; i++ {
		seq, err := counter.Next(ctx)
		if err != nil {
			c.counterErrors.Add(1)
			return ids, fmt.Errorf("shard counter: %w", err)
		}

		now := c.nowMillis()
		delta := now - layout.EpochMillis
		if delta < 0 {
			return ids, newValueError(SettingEpoch, layout.Epoch.Format(time.RFC3339), "epoch is in the future")
		}
		if delta > layout.maxDelta {
			c.exhausted.Add(1)
			return ids, newEpochExceededError(family, shard, time.UnixMilli(now))
		}
		ids = append(ids, layout.Pack(delta, shard, seq))
	}

	c.generated.Add(int64(len(ids)))
	return ids, nil
}

// Metrics returns a consistent snapshot of the generation counters.
func (c *Cluster) Metrics() Metrics {
	return Metrics{
		Generated:     c.generated.Load(),
		CounterErrors: c.counterErrors.Load(),
		OutOfRange:    c.outOfRange.Load(),
		Exhausted:     c.exhausted.Load(),
	}
}

// nowMillis returns the current Unix milliseconds through the monotonic
// clock anchored at Open: clockRef plus the monotonic duration since then.
// NTP steps, leap seconds, and manual clock changes cannot move it backward.
func (c *Cluster) nowMillis() int64 {
	return c.clockRef.Add(time.Since(c.clockRef)).UnixMilli()
}

// counterFor returns the cached counter handle for a shard, creating and
// caching it on first use. Handles are keyed by container name, which is
// deterministic in (family, shard).
func (c *Cluster) counterFor(family string, shard int64) Counter {
	container := containerName(family, shard)
	if cached, ok := c.counterCache.Load(container); ok {
		return cached.(Counter)
	}
	counter := c.counters.Counter(container, counterName)
	actual, _ := c.counterCache.LoadOrStore(container, counter)
	return actual.(Counter)
}

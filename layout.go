// Package shardid - layout.go compiles the three tunable capacity settings
// into the bit layout used to pack 64-bit identifiers.
//
// The layout apportions the 64 available bits between a millisecond timestamp
// (counted from a configurable epoch), a shard number, and an intra-millisecond
// sequence. Shard and sequence widths are derived from the configured
// capacities; the timestamp takes every bit that remains. Compilation is pure:
// publishing the result for the generator is the caller's job, and it must be
// done atomically so readers never observe mismatched widths.

package shardid

import (
	"fmt"
	"math"
	"math/bits"
	"time"
)

// Layout is a compiled bit apportionment plus the packing constants derived
// from it. A Layout is immutable once compiled; the Cluster republishes a
// whole new value whenever a reserved setting changes.
//
// ID structure for the default settings (2048 shards, 2048 IDs/ms):
//
//	┌──────────────────────────────────────┬──────────────┬──────────────┐
//	│     42 bits: milliseconds since      │   11 bits:   │   11 bits:   │
//	│     epoch (~139 years of IDs)        │ shard number │   sequence   │
//	└──────────────────────────────────────┴──────────────┴──────────────┘
type Layout struct {
	// TimestampBits is the width of the timestamp field. Always the
	// remainder after shard and sequence bits: 64 - ShardBits - SequenceBits.
	TimestampBits int

	// ShardBits is the width of the shard number field.
	ShardBits int

	// SequenceBits is the width of the intra-millisecond sequence field.
	SequenceBits int

	// Epoch is the instant milliseconds are counted from.
	Epoch time.Time

	// EpochMillis is Epoch as Unix milliseconds, the subtrahend applied to
	// the clock during generation.
	EpochMillis int64

	// Packing constants, derived once at compile time.
	timestampShift uint  // bits to shift the timestamp delta left
	shardShift     uint  // bits to shift the shard number left
	shardMask      int64 // (1 << ShardBits) - 1
	sequenceMask   int64 // (1 << SequenceBits) - 1
	maxDelta       int64 // highest representable timestamp delta, saturated
}

// CompileLayout derives a Layout from the three reserved settings.
//
// Shard and sequence widths are floor(log2) of the respective capacities, so
// a capacity that is not an exact power of two addresses only the power of
// two below it (the configuration store normalizes capacities before they
// reach here, making the log exact). The timestamp field receives every bit
// the other two fields leave, which must be at least one.
//
// Returns ErrLayoutOverflow when shardCapacity and idsPerMillisecond together
// demand 64 or more bits.
func CompileLayout(epoch time.Time, shardCapacity, idsPerMillisecond int64) (Layout, error) {
	if shardCapacity <= 0 {
		return Layout{}, fmt.Errorf("%w: shard capacity must be positive, got %d", ErrInvalidValue, shardCapacity)
	}
	if idsPerMillisecond <= 0 {
		return Layout{}, fmt.Errorf("%w: ids per millisecond must be positive, got %d", ErrInvalidValue, idsPerMillisecond)
	}

	shardBits := bits.Len64(uint64(shardCapacity)) - 1
	sequenceBits := bits.Len64(uint64(idsPerMillisecond)) - 1

	used := shardBits + sequenceBits
	if used >= 64 {
		return Layout{}, fmt.Errorf("%w: %d shard bits + %d sequence bits leave no timestamp bits",
			ErrLayoutOverflow, shardBits, sequenceBits)
	}

	return Layout{
		TimestampBits:  64 - used,
		ShardBits:      shardBits,
		SequenceBits:   sequenceBits,
		Epoch:          epoch,
		EpochMillis:    epoch.UnixMilli(),
		timestampShift: uint(used),
		shardShift:     uint(sequenceBits),
		shardMask:      int64(1)<<shardBits - 1,
		sequenceMask:   int64(1)<<sequenceBits - 1,
		maxDelta:       maxTimestampDelta(64 - used),
	}, nil
}

// maxTimestampDelta returns the highest delta a timestamp field of the given
// width can hold. Widths of 63 or more cover the whole non-negative int64
// range, so the bound saturates instead of shifting past the type.
func maxTimestampDelta(timestampBits int) int64 {
	if timestampBits >= 63 {
		return math.MaxInt64
	}
	return int64(1)<<uint(timestampBits) - 1
}

// MaxShard returns the highest shard number this layout can address.
// Shard number 0 is reserved, so valid shards are 1..MaxShard.
func (l Layout) MaxShard() int64 {
	return l.shardMask
}

// ShardCount returns the number of addressable shard values, 2^ShardBits.
func (l Layout) ShardCount() int64 {
	return l.shardMask + 1
}

// IDsPerMillisecond returns the sequence capacity per shard per millisecond,
// 2^SequenceBits. Generating more than this within one millisecond against a
// single shard wraps the sequence and risks collision.
func (l Layout) IDsPerMillisecond() int64 {
	return l.sequenceMask + 1
}

// Exhaustion returns the instant at which the timestamp field wraps and the
// uniqueness guarantee ends: Epoch + 2^TimestampBits milliseconds.
//
// Layouts with many timestamp bits exhaust further out than time.Duration can
// express (~292 years); the result saturates rather than overflowing.
func (l Layout) Exhaustion() time.Time {
	span := lifespan(l.TimestampBits)
	return l.Epoch.Add(span)
}

// Pack composes an identifier from a timestamp delta, shard number, and
// sequence value. All inputs must already be range-checked; Pack only masks
// the sequence, which is allowed to wrap.
func (l Layout) Pack(deltaMillis, shard, sequence int64) ID {
	return ID(uint64(deltaMillis)<<l.timestampShift |
		uint64(shard)<<l.shardShift |
		uint64(sequence&l.sequenceMask))
}

// Split decomposes an identifier into its timestamp delta, shard number, and
// sequence value under this layout. It is the exact inverse of Pack for any
// ID generated under the same layout.
func (l Layout) Split(id ID) (deltaMillis, shard, sequence int64) {
	deltaMillis = int64(uint64(id) >> l.timestampShift)
	shard = int64(uint64(id)>>l.shardShift) & l.shardMask
	sequence = int64(id) & l.sequenceMask
	return
}

// Capacity summarizes the layout for capacity planning.
func (l Layout) Capacity() Report {
	perMs := l.IDsPerMillisecond()
	return Report{
		ShardBits:          l.ShardBits,
		SequenceBits:       l.SequenceBits,
		TimestampBits:      l.TimestampBits,
		Shards:             l.ShardCount(),
		IDsPerMillisecond:  perMs,
		ThroughputPerShard: perMs * 1000,
		Epoch:              l.Epoch,
		Exhaustion:         l.Exhaustion(),
		Lifespan:           lifespan(l.TimestampBits),
	}
}

// String renders the layout widths, for logs and error messages.
func (l Layout) String() string {
	return fmt.Sprintf("%d+%d+%d (timestamp+shard+sequence)",
		l.TimestampBits, l.ShardBits, l.SequenceBits)
}

// Report is the advisory capacity summary returned whenever a reserved
// setting changes. Operators depend on the exhaustion instant when planning
// a deployment, so it is surfaced as data rather than logged.
type Report struct {
	// TimestampBits, ShardBits and SequenceBits echo the compiled widths.
	TimestampBits int
	ShardBits     int
	SequenceBits  int

	// Shards is the number of addressable shard values, 2^ShardBits.
	// One of them (shard 0) is reserved.
	Shards int64

	// IDsPerMillisecond is the per-shard sequence capacity, 2^SequenceBits.
	IDsPerMillisecond int64

	// ThroughputPerShard is the sustained per-shard rate in IDs per second.
	ThroughputPerShard int64

	// Epoch is the configured time origin.
	Epoch time.Time

	// Exhaustion is when the timestamp field wraps (saturated at the
	// time.Duration limit for very wide timestamp fields).
	Exhaustion time.Time

	// Lifespan is Exhaustion minus Epoch.
	Lifespan time.Duration
}

// String returns a one-line human-readable capacity report.
//
// Example:
//
//	2048 shards, 2048 IDs/ms per shard (2048000/sec), exhausts 2152-05-15 (139 years from 2013-01-01)
func (r Report) String() string {
	years := int(r.Lifespan.Hours() / 24 / 365)
	return fmt.Sprintf("%d shards, %d IDs/ms per shard (%d/sec), exhausts %s (%d years from %s)",
		r.Shards, r.IDsPerMillisecond, r.ThroughputPerShard,
		r.Exhaustion.UTC().Format("2006-01-02"), years,
		r.Epoch.UTC().Format("2006-01-02"))
}

// lifespan converts a timestamp width to a duration, capping at the
// time.Duration limit (int64 nanoseconds, ~292 years) for wide fields.
func lifespan(timestampBits int) time.Duration {
	totalMs := math.Pow(2, float64(timestampBits))
	ns := totalMs * float64(time.Millisecond)
	if ns > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ns)
}

// floorPowerOfTwo returns the largest power of two less than or equal to n.
// n must be positive.
func floorPowerOfTwo(n int64) int64 {
	return int64(1) << (bits.Len64(uint64(n)) - 1)
}

// isPowerOfTwo reports whether n is a power of 2, using the classic
// n & (n-1) == 0 trick.
func isPowerOfTwo(n int64) bool {
	return n > 0 && n&(n-1) == 0
}

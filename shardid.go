// Package shardid assigns globally unique, time-ordered 64-bit identifiers to
// rows of a horizontally partitioned data set, and manages the shard
// lifecycle metadata that keeps those identifiers collision-free as the
// number of shards grows.
//
// # Overview
//
// Each identifier packs three fields into 64 bits:
//   - a millisecond timestamp counted from a configurable epoch
//   - the number of the shard the row lives in
//   - an intra-millisecond sequence drawn from the shard's own counter
//
// Because the shard number is part of the ID and each shard owns its counter,
// every shard generates IDs independently: no central coordinator is
// consulted per ID. The width of each field is compiled from three tunable
// settings (epoch, shard capacity, IDs per millisecond) and frozen once any
// shard holds data.
//
// # Lifecycle
//
// An operator tunes the configuration store, which recompiles the bit layout
// and returns a capacity report. The registry then allocates shards, each
// gaining a container and a counter. Entities registered for a partition
// family are replicated into every shard during initialization, after which
// the three reserved settings are locked forever.
//
//	cluster, err := shardid.Open(ctx, shardid.Config{
//	    Metadata:   store,
//	    Containers: store,
//	})
//	_, report, err := cluster.SetSetting(ctx, shardid.SettingShardCapacity, "1024")
//	fmt.Println(report) // "1024 shards, 2048 IDs/ms per shard ..."
//
//	shard, err := cluster.AllocateShard(ctx, "orders", "host-a")
//	err = cluster.InitializeShard(ctx, "orders", shard)
//
//	id, err := cluster.Next(ctx, "orders", shard)
//
// # Storage
//
// The cluster is storage-agnostic. Metadata, containers, and counters are
// reached through the interfaces in store.go; this package ships a
// GORM/SQLite backend, an in-memory backend, and a Redis counter source.
// The per-shard counter must live in shared state visible to every process
// writing to that shard: the SQLite backend keeps it in the shard's own
// container, the Redis source in a key the whole fleet can reach.
//
// # Concurrency
//
// Generation is lock-free apart from the counter increment: the compiled
// layout is read through an atomic pointer and never observed half-updated.
// Administrative operations (setting changes, allocation, initialization) are
// rare and serialize behind a single exclusive mutex, so a shard can never be
// allocated under one layout and initialized under another.
package shardid

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Reserved setting names. Writes to these are validated, normalized, and
// locked once any shard is initialized; every other name is stored verbatim.
const (
	// SettingEpoch is the time origin for the ID timestamp field. Accepted
	// formats: "2006-01-02", "2006-01-02 15:04:05", and RFC 3339.
	SettingEpoch = "epoch"

	// SettingShardCapacity is the number of shards the layout must address.
	// Normalized down to the nearest power of two.
	SettingShardCapacity = "shard_capacity"

	// SettingIDsPerMs is the per-shard per-millisecond sequence capacity.
	// Normalized down to the nearest power of two.
	SettingIDsPerMs = "ids_per_ms"
)

// Built-in defaults, seeded on Open when the store has no value yet:
// epoch 2013-01-01, 2048 shards, 2048 IDs per millisecond per shard.
// These compile to a 42+11+11 layout good for ~139 years.
const (
	DefaultEpoch         = "2013-01-01"
	DefaultShardCapacity = "2048"
	DefaultIDsPerMs      = "2048"
)

// counterName is the per-shard sequence counter created inside every
// container at allocation time.
const counterName = "id_sequence"

// Config assembles a Cluster from storage backends.
type Config struct {
	// Metadata persists settings, allocations, and entity registrations.
	// Required.
	Metadata MetadataStore

	// Containers creates shard containers and manipulates the object
	// definitions inside them. Required.
	Containers ContainerStore

	// Counters hands out per-shard counters. Optional: when nil, Containers
	// must also implement CounterSource (the SQLite and in-memory backends
	// do). Set this to overlay RedisCounters on another metadata store.
	Counters CounterSource

	// Logger receives administrative events (allocations, initializations,
	// configuration changes). The generation hot path never logs. Optional;
	// defaults to a no-op logger.
	Logger *zap.Logger
}

func (c *Config) validate() error {
	if c.Metadata == nil {
		return errors.New("shardid: Config.Metadata is required")
	}
	if c.Containers == nil {
		return errors.New("shardid: Config.Containers is required")
	}
	if c.Counters == nil {
		src, ok := c.Containers.(CounterSource)
		if !ok {
			return errors.New("shardid: Config.Counters is required when Containers does not provide counters")
		}
		c.Counters = src
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Cluster ties the configuration store, shard registry, and ID generator
// together over a set of storage backends.
//
// A Cluster is safe for concurrent use. Create one per process with Open and
// share it; the compiled layout and counter handles are cached on it.
type Cluster struct {
	meta     MetadataStore
	ddl      ContainerStore
	counters CounterSource
	log      *zap.Logger

	// adminMu serializes setting changes against shard allocation and
	// initialization. Layout recompilation must never race an allocation.
	adminMu sync.Mutex

	// layout is the currently compiled bit apportionment, swapped whole on
	// every successful reserved-setting change.
	layout atomic.Pointer[Layout]

	// clockRef anchors the monotonic clock: reading time via
	// time.Since(clockRef) is immune to NTP steps and manual clock changes.
	clockRef time.Time

	// counterCache maps container name to its Counter handle.
	counterCache sync.Map

	closed atomic.Bool

	// Hot-path metrics, atomic so Metrics() never takes the admin lock.
	generated     atomic.Int64
	counterErrors atomic.Int64
	outOfRange    atomic.Int64
	exhausted     atomic.Int64
}

// Open assembles a Cluster, seeds any missing reserved settings with their
// defaults, and compiles the initial layout from the persisted settings.
//
// Open is the explicit initialization point for the process-wide layout
// state: after it returns, Next generates under exactly the configuration the
// store held (or the defaults just seeded).
func Open(ctx context.Context, cfg Config) (*Cluster, error) {
	if err := (&cfg).validate(); err != nil {
		return nil, err
	}

	c := &Cluster{
		meta:     cfg.Metadata,
		ddl:      cfg.Containers,
		counters: cfg.Counters,
		log:      cfg.Logger,
		clockRef: time.Now(),
	}

	if err := c.seedDefaults(ctx); err != nil {
		return nil, fmt.Errorf("shardid: seeding defaults: %w", err)
	}

	layout, err := c.compileFromStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("shardid: compiling layout: %w", err)
	}
	c.layout.Store(&layout)

	c.log.Info("cluster opened",
		zap.String("layout", layout.String()),
		zap.String("capacity", layout.Capacity().String()))
	return c, nil
}

// Close marks the cluster closed. Subsequent operations return ErrClosed.
// Closing does not close the underlying storage backends; they may be shared.
func (c *Cluster) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *Cluster) checkOpen() error {
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

// Layout returns the currently compiled layout.
func (c *Cluster) Layout() Layout {
	return *c.layout.Load()
}

// Report returns the capacity report for the current layout.
func (c *Cluster) Report() Report {
	return c.layout.Load().Capacity()
}

// Settings returns every persisted setting, reserved and operator-defined
// alike, ordered by name.
func (c *Cluster) Settings(ctx context.Context) ([]Setting, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.meta.ListSettings(ctx)
}

// Shards returns the shard map for one partition family, ordered by number.
func (c *Cluster) Shards(ctx context.Context, family string) ([]Allocation, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.meta.ListAllocations(ctx, family)
}

// Entities returns the registered entities of one partition family.
func (c *Cluster) Entities(ctx context.Context, family string) ([]Entity, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.meta.ListEntities(ctx, family)
}

// seedDefaults writes the three reserved settings when absent, marked as
// defaults so operators can tell tuned values from shipped ones.
func (c *Cluster) seedDefaults(ctx context.Context) error {
	defaults := map[string]string{
		SettingEpoch:         DefaultEpoch,
		SettingShardCapacity: DefaultShardCapacity,
		SettingIDsPerMs:      DefaultIDsPerMs,
	}
	for name, value := range defaults {
		_, err := c.meta.GetSetting(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrSettingNotFound) {
			return err
		}
		if err := c.meta.PutSetting(ctx, Setting{Name: name, Value: value, IsDefault: true}); err != nil {
			return err
		}
	}
	return nil
}

// compileFromStore reads the three reserved settings and compiles them.
// Values in the store are already normalized, so parse failures here mean
// the store was tampered with out of band.
func (c *Cluster) compileFromStore(ctx context.Context) (Layout, error) {
	return c.compileWith(ctx, "", "")
}

// compileWith compiles the reserved settings, substituting overrideValue for
// the stored value of overrideName. SetSetting compiles the candidate this
// way before persisting anything, so a value the compiler rejects never
// reaches the store.
func (c *Cluster) compileWith(ctx context.Context, overrideName, overrideValue string) (Layout, error) {
	read := func(name string) (string, error) {
		if name == overrideName {
			return overrideValue, nil
		}
		s, err := c.meta.GetSetting(ctx, name)
		if err != nil {
			return "", err
		}
		return s.Value, nil
	}
	readInt := func(name string) (int64, error) {
		value, err := read(name)
		if err != nil {
			return 0, err
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, newValueError(name, value, "stored value is not an integer")
		}
		return n, nil
	}

	epochValue, err := read(SettingEpoch)
	if err != nil {
		return Layout{}, err
	}
	epoch, err := parseEpoch(epochValue)
	if err != nil {
		return Layout{}, err
	}
	shardCap, err := readInt(SettingShardCapacity)
	if err != nil {
		return Layout{}, err
	}
	perMs, err := readInt(SettingIDsPerMs)
	if err != nil {
		return Layout{}, err
	}

	return CompileLayout(epoch, shardCap, perMs)
}

// containerName derives the deterministic container name for a shard.
// Zero-padding keeps containers lexically ordered by shard number.
func containerName(family string, number int64) string {
	return fmt.Sprintf("%s_%04d", family, number)
}

// Package shardid - store.go declares the persistence contracts the cluster
// consumes: metadata records, the metadata store, the container (DDL)
// collaborator, and the per-shard counter.
//
// The cluster owns the semantics; backends own the mechanics. A backend may
// implement any subset of the interfaces: the SQLite backend implements all
// three, while the Redis backend supplies only counters and is overlaid on
// another metadata store.

package shardid

import (
	"context"
	"time"
)

// Setting is one configuration row. Three names are reserved and drive the
// bit layout (SettingEpoch, SettingShardCapacity, SettingIDsPerMs); any other
// name is opaque operator metadata stored verbatim.
type Setting struct {
	Name      string
	Value     string
	IsDefault bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Allocation is one shard's lifecycle record. Unique by (Family, Number).
// Initialized flips false→true exactly once and never back; after the first
// flip anywhere, the reserved settings are immutable.
type Allocation struct {
	Family      string
	Number      int64
	Container   string
	Location    string
	Initialized bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Entity declares that a named entity belonging to a partition family must be
// replicated into every shard of that family, with IDField receiving
// generator-backed defaults. Unique by (Family, Name).
type Entity struct {
	Family    string
	Name      string
	IDField   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MetadataStore persists the three metadata record kinds.
//
// Implementations must enforce uniqueness of Setting.Name,
// (Allocation.Family, Allocation.Number) and (Entity.Family, Entity.Name) at
// the storage layer, surfacing violations as errors wrapping
// ErrDuplicateAllocation or ErrDuplicateEntity. Application-level checks
// alone cannot survive racing writers.
type MetadataStore interface {
	// GetSetting returns the named setting, or an error wrapping
	// ErrSettingNotFound.
	GetSetting(ctx context.Context, name string) (Setting, error)

	// PutSetting inserts or overwrites a setting.
	PutSetting(ctx context.Context, s Setting) error

	// ListSettings returns all settings ordered by name.
	ListSettings(ctx context.Context) ([]Setting, error)

	// AnyShardInitialized reports whether any allocation, in any family, has
	// Initialized == true. This is the configuration lock predicate.
	AnyShardInitialized(ctx context.Context) (bool, error)

	// MaxShardNumber returns the highest allocated number for a family, or 0
	// when the family has no shards.
	MaxShardNumber(ctx context.Context, family string) (int64, error)

	// InsertAllocation persists a new allocation. A (family, number)
	// collision must surface as an error wrapping ErrDuplicateAllocation.
	InsertAllocation(ctx context.Context, a Allocation) error

	// GetAllocation returns one allocation, or an error wrapping
	// ErrUnknownShard.
	GetAllocation(ctx context.Context, family string, number int64) (Allocation, error)

	// ListAllocations returns a family's allocations ordered by number.
	ListAllocations(ctx context.Context, family string) ([]Allocation, error)

	// MarkInitialized flips Initialized to true for one allocation. It is
	// the only permitted mutation of an allocation and must be the final
	// step of shard initialization.
	MarkInitialized(ctx context.Context, family string, number int64) error

	// InsertEntity persists an entity registration. A (family, name)
	// collision must surface as an error wrapping ErrDuplicateEntity.
	InsertEntity(ctx context.Context, e Entity) error

	// DeleteEntity removes a registration. Deleting an absent entity is not
	// an error.
	DeleteEntity(ctx context.Context, family, name string) error

	// ListEntities returns a family's registered entities ordered by name.
	ListEntities(ctx context.Context, family string) ([]Entity, error)
}

// ContainerStore is the external DDL collaborator: it creates the physical
// containers shards live in and manipulates object definitions inside them.
//
// Implementations must report "already exists" conditions as errors wrapping
// ErrAlreadyExists, distinctly from other failures, so that shard
// initialization can be retried after a partial failure.
type ContainerStore interface {
	// CreateContainer creates a uniquely named container.
	CreateContainer(ctx context.Context, name string) error

	// DropContainer removes a container and everything in it. Used to roll
	// back a failed allocation; dropping an absent container is not an error.
	DropContainer(ctx context.Context, name string) error

	// CreateCounter creates a monotonic counter inside a container,
	// starting at zero.
	CreateCounter(ctx context.Context, container, name string) error

	// CloneEntity replicates a source entity's definition (not its data)
	// into the target container.
	CloneEntity(ctx context.Context, sourceEntity, container string) error

	// SetFieldDefault wires a generated default-value expression to a field
	// of a cloned entity.
	SetFieldDefault(ctx context.Context, container, entity, field, expression string) error
}

// Counter is one shard's monotonic sequence source. It must be backed by
// shared, cluster-visible state: an in-process integer cannot keep two
// processes writing to the same shard from colliding.
type Counter interface {
	// Next atomically increments the counter and returns the new value.
	// This is the only suspend point in the generation hot path.
	Next(ctx context.Context) (int64, error)
}

// CounterSource hands out Counter handles. Handles are cheap and cacheable;
// the cluster caches one per shard for the life of the process.
type CounterSource interface {
	Counter(container, name string) Counter
}

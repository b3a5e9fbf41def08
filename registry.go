// Package shardid - registry.go implements the shard registry: sequential
// shard number assignment bounded by the compiled layout, container and
// counter provisioning, entity registration, and the one-way initialized
// flag that locks the configuration.

package shardid

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// AllocateShard assigns the next shard number for a partition family,
// creates the shard's container and counter, and records the allocation.
//
// Numbers are assigned sequentially starting at 1: strictly increasing,
// never reused, never skipped. Shard number 0 is reserved, so a layout with
// S shard bits admits shards 1 through 2^S - 1; the allocation that would
// need 2^S fails with ErrCapacityExceeded.
//
// The container and its counter are created before the registry row is
// committed, and the container is dropped again if the row cannot be
// written: a reader never observes an allocation without a backing counter.
// A racing allocator that loses the (family, number) uniqueness race gets
// ErrDuplicateAllocation and can simply retry.
func (c *Cluster) AllocateShard(ctx context.Context, family, location string) (int64, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if family == "" {
		return 0, errors.New("shardid: partition family must not be empty")
	}

	c.adminMu.Lock()
	defer c.adminMu.Unlock()

	layout := c.layout.Load()

	highest, err := c.meta.MaxShardNumber(ctx, family)
	if err != nil {
		return 0, err
	}
	next := highest + 1
	if next > layout.MaxShard() {
		return 0, &CapacityError{
			Family:    family,
			Requested: next,
			MaxShard:  layout.MaxShard(),
			ShardBits: layout.ShardBits,
		}
	}

	container := containerName(family, next)
	if err := c.ddl.CreateContainer(ctx, container); err != nil {
		return 0, fmt.Errorf("creating container %q: %w", container, err)
	}
	if err := c.ddl.CreateCounter(ctx, container, counterName); err != nil {
		_ = c.ddl.DropContainer(ctx, container)
		return 0, fmt.Errorf("creating counter in %q: %w", container, err)
	}

	alloc := Allocation{
		Family:    family,
		Number:    next,
		Container: container,
		Location:  location,
	}
	if err := c.meta.InsertAllocation(ctx, alloc); err != nil {
		// Two-phase create-then-commit: the container only becomes visible
		// through the registry row, so roll it back on commit failure.
		_ = c.ddl.DropContainer(ctx, container)
		return 0, err
	}

	c.log.Info("shard allocated",
		zap.String("family", family),
		zap.Int64("shard", next),
		zap.String("container", container),
		zap.String("location", location))
	return next, nil
}

// InitializeShard replicates every registered entity of the shard's family
// into its container, wires each entity's ID field to a generator-backed
// default, and flips the allocation's initialized flag.
//
// The flag flip is the point of no return for configuration changes and is
// strictly the last step: a crash partway through replication leaves the
// shard uninitialized and the whole operation retryable from scratch.
// Entities that were already cloned by an earlier attempt are treated as
// done, so the retry converges. Initializing an already-initialized shard is
// a no-op that succeeds.
//
// Returns ErrUnknownShard when the (family, number) pair was never
// allocated.
func (c *Cluster) InitializeShard(ctx context.Context, family string, number int64) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	c.adminMu.Lock()
	defer c.adminMu.Unlock()

	alloc, err := c.meta.GetAllocation(ctx, family, number)
	if err != nil {
		return err
	}
	if alloc.Initialized {
		return nil
	}

	entities, err := c.meta.ListEntities(ctx, family)
	if err != nil {
		return err
	}

	for _, e := range entities {
		if err := c.ddl.CloneEntity(ctx, e.Name, alloc.Container); err != nil {
			if !errors.Is(err, ErrAlreadyExists) {
				return fmt.Errorf("cloning %q into %q: %w", e.Name, alloc.Container, err)
			}
			// Cloned by a previous attempt; the default still gets rewired
			// below so a crash between the two steps heals.
		}
		expr := defaultExpression(family, number)
		if err := c.ddl.SetFieldDefault(ctx, alloc.Container, e.Name, e.IDField, expr); err != nil {
			return fmt.Errorf("setting default on %s.%s: %w", e.Name, e.IDField, err)
		}
	}

	if err := c.meta.MarkInitialized(ctx, family, number); err != nil {
		return err
	}

	c.log.Info("shard initialized",
		zap.String("family", family),
		zap.Int64("shard", number),
		zap.Int("entities", len(entities)))
	return nil
}

// RegisterEntity declares that an entity must be replicated into every shard
// of a partition family, with idField receiving generator-backed defaults.
//
// Registration applies to shards initialized afterwards; it does not reach
// back into shards that are already initialized. Registering the same
// (family, entity) pair twice fails with ErrDuplicateEntity.
func (c *Cluster) RegisterEntity(ctx context.Context, family, entity, idField string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if family == "" || entity == "" || idField == "" {
		return errors.New("shardid: family, entity, and idField must not be empty")
	}
	if err := c.meta.InsertEntity(ctx, Entity{Family: family, Name: entity, IDField: idField}); err != nil {
		return err
	}
	c.log.Info("entity registered",
		zap.String("family", family),
		zap.String("entity", entity),
		zap.String("id_field", idField))
	return nil
}

// UnregisterEntity removes an entity declaration. Entities already replicated
// into initialized shards are left in place. Unregistering an unknown entity
// succeeds.
func (c *Cluster) UnregisterEntity(ctx context.Context, family, entity string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.meta.DeleteEntity(ctx, family, entity)
}

// defaultExpression is the generated default wired to a cloned entity's ID
// field. The storage collaborator decides how (or whether) its substrate can
// evaluate it; backends that cannot attach expressions record it for the
// application layer to consult.
func defaultExpression(family string, number int64) string {
	return fmt.Sprintf("next_id('%s', %d)", family, number)
}

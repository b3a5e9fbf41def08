// Package shardid - errors.go defines the error taxonomy for configuration,
// shard lifecycle, and ID generation failures.
//
// Every failure mode is reported synchronously to the caller. Sentinel errors
// support errors.Is() checks across wrapping; the typed errors carry the
// context needed to diagnose a failure without re-querying the store.

package shardid

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. The typed errors below unwrap to one of these, so callers
// can branch with errors.Is() regardless of how much context was attached.
var (
	// ErrInvalidValue is returned when a reserved setting receives a value
	// that cannot be parsed or normalized (malformed date, non-positive
	// capacity, and so on).
	ErrInvalidValue = errors.New("invalid setting value")

	// ErrConfigurationLocked is returned when a reserved setting is changed
	// after any shard has been initialized. Once partitioned data exists,
	// the bit layout parameters are frozen forever.
	ErrConfigurationLocked = errors.New("configuration locked: shards already initialized")

	// ErrLayoutOverflow is returned when the requested shard and sequence
	// capacities leave no room for timestamp bits in a 64-bit ID.
	ErrLayoutOverflow = errors.New("bit layout exceeds 64 bits")

	// ErrCapacityExceeded is returned when a partition family has consumed
	// every shard number the compiled layout can address.
	ErrCapacityExceeded = errors.New("shard capacity exceeded")

	// ErrUnknownShard is returned for lifecycle operations on a shard that
	// was never allocated.
	ErrUnknownShard = errors.New("unknown shard")

	// ErrShardOutOfRange is returned when the generator is invoked with a
	// shard number the compiled layout cannot represent. The registry is the
	// allocation gate; this check exists so a bad caller corrupts nothing.
	ErrShardOutOfRange = errors.New("shard number out of range for layout")

	// ErrDuplicateAllocation is returned when a storage uniqueness constraint
	// rejects a second allocation with the same (family, number) pair. The
	// constraint, not application logic, is the last line of defense against
	// racing allocators.
	ErrDuplicateAllocation = errors.New("duplicate shard allocation")

	// ErrDuplicateEntity is returned when an entity is registered twice for
	// the same partition family.
	ErrDuplicateEntity = errors.New("entity already registered")

	// ErrSettingNotFound is returned by Setting() for an absent name.
	ErrSettingNotFound = errors.New("setting not found")

	// ErrEpochExceeded is returned when the elapsed time since the epoch no
	// longer fits the layout's timestamp bits. IDs generated past this
	// instant would collide with earlier ones.
	ErrEpochExceeded = errors.New("timestamp bits exhausted")

	// ErrAlreadyExists is wrapped by storage backends when a container,
	// counter, or cloned entity already exists. Callers performing idempotent
	// retries treat it as success; everything else is a real failure.
	ErrAlreadyExists = errors.New("already exists")

	// ErrClosed is returned by operations on a closed Cluster.
	ErrClosed = errors.New("cluster closed")
)

// ValueError describes a rejected setting write with enough context to fix
// the input. It unwraps to ErrInvalidValue.
type ValueError struct {
	// Name is the setting that was being written.
	Name string

	// Value is the rejected raw input.
	Value string

	// Reason explains why the value was rejected.
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("invalid value for %q: %q (%s)", e.Name, e.Value, e.Reason)
}

// Unwrap returns ErrInvalidValue for errors.Is() compatibility.
func (e *ValueError) Unwrap() error { return ErrInvalidValue }

// CapacityError reports an exhausted shard number space. It unwraps to
// ErrCapacityExceeded.
type CapacityError struct {
	// Family is the partition family that ran out of shard numbers.
	Family string

	// Requested is the shard number that could not be assigned.
	Requested int64

	// MaxShard is the highest shard number the compiled layout allows.
	MaxShard int64

	// ShardBits is the layout's shard field width.
	ShardBits int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("family %q exhausted: shard %d exceeds maximum %d (%d shard bits, shard 0 reserved)",
		e.Family, e.Requested, e.MaxShard, e.ShardBits)
}

// Unwrap returns ErrCapacityExceeded for errors.Is() compatibility.
func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// RangeError reports a generator invocation outside the compiled layout's
// shard or timestamp range. It unwraps to ErrShardOutOfRange or
// ErrEpochExceeded depending on which bound was violated.
type RangeError struct {
	// Family is the partition family the caller named.
	Family string

	// Shard is the shard number the caller supplied.
	Shard int64

	// MaxShard is the highest addressable shard number, set when the shard
	// bound was violated.
	MaxShard int64

	// Instant is the moment of the violation, set when the timestamp bound
	// was violated.
	Instant time.Time

	sentinel error
}

func (e *RangeError) Error() string {
	if errors.Is(e.sentinel, ErrEpochExceeded) {
		return fmt.Sprintf("family %q shard %d: timestamp field exhausted at %s",
			e.Family, e.Shard, e.Instant.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("family %q: shard %d outside valid range [1, %d]",
		e.Family, e.Shard, e.MaxShard)
}

// Unwrap returns the violated bound's sentinel for errors.Is() compatibility.
func (e *RangeError) Unwrap() error { return e.sentinel }

// IsCapacityError reports whether err is or wraps a CapacityError.
func IsCapacityError(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

// IsValueError reports whether err is or wraps a ValueError.
func IsValueError(err error) bool {
	var ve *ValueError
	return errors.As(err, &ve)
}

// GetCapacityError extracts a CapacityError from an error chain.
//
// Returns the CapacityError and true if found, nil and false otherwise.
func GetCapacityError(err error) (*CapacityError, bool) {
	var ce *CapacityError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// GetValueError extracts a ValueError from an error chain.
//
// Returns the ValueError and true if found, nil and false otherwise.
func GetValueError(err error) (*ValueError, bool) {
	var ve *ValueError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

func newValueError(name, value, reason string) *ValueError {
	return &ValueError{Name: name, Value: value, Reason: reason}
}

func newShardRangeError(family string, shard, maxShard int64) *RangeError {
	return &RangeError{Family: family, Shard: shard, MaxShard: maxShard, sentinel: ErrShardOutOfRange}
}

func newEpochExceededError(family string, shard int64, at time.Time) *RangeError {
	return &RangeError{Family: family, Shard: shard, Instant: at, sentinel: ErrEpochExceeded}
}

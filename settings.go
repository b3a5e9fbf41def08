// Package shardid - settings.go implements the configuration store: the
// validated, normalizing write path for the three reserved settings and the
// verbatim escape hatch for operator notes.

package shardid

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// epochFormats are the accepted spellings of the epoch setting, tried in
// order. Date-only values are taken as midnight UTC.
var epochFormats = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// Setting returns the value of one setting.
//
// Returns an error wrapping ErrSettingNotFound when no setting with that
// name exists.
func (c *Cluster) Setting(ctx context.Context, name string) (string, error) {
	if err := c.checkOpen(); err != nil {
		return "", err
	}
	s, err := c.meta.GetSetting(ctx, name)
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

// SetSetting inserts or overwrites a setting and returns the value actually
// stored.
//
// Unrecognized names are stored verbatim and returned unchanged, with a nil
// Report; this is the escape hatch for arbitrary operator metadata.
//
// The three reserved names (SettingEpoch, SettingShardCapacity,
// SettingIDsPerMs) take the validated path:
//   - fails with ErrConfigurationLocked once any shard in any family has been
//     initialized; the bit layout must never drift under existing data
//   - SettingEpoch must parse as a date/time, else ErrInvalidValue
//   - the two capacities must parse as positive integers, else
//     ErrInvalidValue; values are normalized down to the nearest power of
//     two (1000 stores as 512, 2048 stays 2048)
//
// A successful reserved write recompiles the layout, publishes it atomically
// for the generator, and returns the new capacity report. The report is
// advisory data, not an error: callers planning deployments need the shard
// count and exhaustion date it carries.
func (c *Cluster) SetSetting(ctx context.Context, name, value string) (string, *Report, error) {
	if err := c.checkOpen(); err != nil {
		return "", nil, err
	}

	c.adminMu.Lock()
	defer c.adminMu.Unlock()

	if !isReservedSetting(name) {
		err := c.meta.PutSetting(ctx, Setting{Name: name, Value: value})
		if err != nil {
			return "", nil, err
		}
		return value, nil, nil
	}

	locked, err := c.meta.AnyShardInitialized(ctx)
	if err != nil {
		return "", nil, err
	}
	if locked {
		return "", nil, ErrConfigurationLocked
	}

	normalized, err := normalizeSetting(name, value)
	if err != nil {
		return "", nil, err
	}

	// Compile the candidate before persisting. A value the compiler rejects
	// must never reach the store, or the stored configuration drifts from
	// the published layout and the next Open inherits the failure.
	layout, err := c.compileWith(ctx, name, normalized)
	if err != nil {
		return "", nil, err
	}

	if err := c.meta.PutSetting(ctx, Setting{Name: name, Value: normalized}); err != nil {
		return "", nil, err
	}
	c.layout.Store(&layout)

	report := layout.Capacity()
	c.log.Info("setting changed",
		zap.String("name", name),
		zap.String("value", normalized),
		zap.String("capacity", report.String()))
	return normalized, &report, nil
}

func isReservedSetting(name string) bool {
	switch name {
	case SettingEpoch, SettingShardCapacity, SettingIDsPerMs:
		return true
	}
	return false
}

// normalizeSetting applies the per-name validation and normalization rules
// for a reserved setting and returns the value to persist.
func normalizeSetting(name, value string) (string, error) {
	switch name {
	case SettingEpoch:
		// Stored as given; conversion to milliseconds happens at compile time.
		if _, err := parseEpoch(value); err != nil {
			return "", err
		}
		return value, nil

	case SettingShardCapacity, SettingIDsPerMs:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return "", newValueError(name, value, "not an integer")
		}
		if n <= 0 {
			return "", newValueError(name, value, "must be positive")
		}
		if !isPowerOfTwo(n) {
			n = floorPowerOfTwo(n)
		}
		return strconv.FormatInt(n, 10), nil
	}
	return value, nil
}

// parseEpoch parses an epoch setting value, trying each accepted format.
func parseEpoch(value string) (time.Time, error) {
	for _, format := range epochFormats {
		if t, err := time.Parse(format, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, newValueError(SettingEpoch, value, "not a recognized date/time")
}

package shardid

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestValueError_Unwrap(t *testing.T) {
	err := newValueError(SettingShardCapacity, "-5", "must be positive")
	if !errors.Is(err, ErrInvalidValue) {
		t.Error("ValueError should unwrap to ErrInvalidValue")
	}
	if !IsValueError(err) {
		t.Error("IsValueError() should report true")
	}
	ve, ok := GetValueError(fmt.Errorf("wrapped: %w", err))
	if !ok {
		t.Fatal("GetValueError() should find the error through wrapping")
	}
	if ve.Name != SettingShardCapacity || ve.Value != "-5" {
		t.Errorf("ValueError fields = %q/%q", ve.Name, ve.Value)
	}
	for _, want := range []string{SettingShardCapacity, "-5", "must be positive"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("message %q missing %q", err.Error(), want)
		}
	}
}

func TestCapacityError_Unwrap(t *testing.T) {
	err := &CapacityError{Family: "orders", Requested: 2048, MaxShard: 2047, ShardBits: 11}
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Error("CapacityError should unwrap to ErrCapacityExceeded")
	}
	if !IsCapacityError(fmt.Errorf("allocating: %w", err)) {
		t.Error("IsCapacityError() should see through wrapping")
	}
	if IsCapacityError(ErrUnknownShard) {
		t.Error("IsCapacityError() should reject unrelated errors")
	}
	for _, want := range []string{"orders", "2048", "2047", "11"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("message %q missing %q", err.Error(), want)
		}
	}
}

func TestRangeError_Sentinels(t *testing.T) {
	shardErr := newShardRangeError("orders", 5000, 2047)
	if !errors.Is(shardErr, ErrShardOutOfRange) {
		t.Error("shard range error should unwrap to ErrShardOutOfRange")
	}
	if errors.Is(shardErr, ErrEpochExceeded) {
		t.Error("shard range error should not match ErrEpochExceeded")
	}
	if !strings.Contains(shardErr.Error(), "[1, 2047]") {
		t.Errorf("message %q should state the valid range", shardErr.Error())
	}

	at := time.Date(2152, time.May, 15, 0, 0, 0, 0, time.UTC)
	epochErr := newEpochExceededError("orders", 3, at)
	if !errors.Is(epochErr, ErrEpochExceeded) {
		t.Error("epoch error should unwrap to ErrEpochExceeded")
	}
	if !strings.Contains(epochErr.Error(), "2152") {
		t.Errorf("message %q should state the instant", epochErr.Error())
	}
}

func TestSentinels_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrInvalidValue, ErrConfigurationLocked, ErrLayoutOverflow,
		ErrCapacityExceeded, ErrUnknownShard, ErrShardOutOfRange,
		ErrDuplicateAllocation, ErrDuplicateEntity, ErrSettingNotFound,
		ErrEpochExceeded, ErrAlreadyExists, ErrClosed,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if i != j && errors.Is(a, b) {
				t.Errorf("sentinel %v should not match %v", a, b)
			}
		}
	}
}

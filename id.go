// Package shardid - id.go provides the ID type: a 64-bit shard-qualified
// identifier with encoding, component extraction, and database/JSON
// integration.

package shardid

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ID is a generated 64-bit identifier.
//
// The underlying value is a uint64 packing timestamp, shard number, and
// sequence under the layout that was current at generation time. IDs remain
// valid forever: already-generated bits are never reinterpreted, only new
// IDs follow a recompiled layout.
//
// # Interface Implementations
//
//   - json.Marshaler/Unmarshaler: string form, safe for JavaScript consumers
//     whose number type loses precision above 2^53
//   - encoding.TextMarshaler/Unmarshaler: for YAML, TOML, map keys
//   - sql.Scanner/driver.Valuer: stored as the two's-complement int64
//   - fmt.Stringer: decimal form
//
// # Component extraction
//
// Splitting an ID requires the layout it was generated under; with layouts
// being reconfigurable before data exists, the ID alone does not determine
// the field widths. Use Split, Shard, Sequence, or Time with the layout.
type ID uint64

// Uint64 returns the raw identifier value.
func (id ID) Uint64() uint64 {
	return uint64(id)
}

// Int64 returns the identifier as an int64, the form databases store.
// Values wide enough to set the top bit round-trip through two's complement.
func (id ID) Int64() int64 {
	return int64(id)
}

// String returns the decimal representation. Implements fmt.Stringer.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Hex returns the lowercase hexadecimal representation, at most 16 chars.
func (id ID) Hex() string {
	return strconv.FormatUint(uint64(id), 16)
}

// Base62 returns the identifier encoded with the URL-safe alphanumeric
// alphabet 0-9A-Za-z. At most 11 characters for a 64-bit value; compact and
// safe in URLs without escaping.
func (id ID) Base62() string {
	if id == 0 {
		return string(base62Alphabet[0])
	}
	var buf [11]byte
	i := len(buf)
	n := uint64(id)
	for n > 0 {
		i--
		buf[i] = base62Alphabet[n%62]
		n /= 62
	}
	return string(buf[i:])
}

// Shard extracts the shard number under the given layout.
func (id ID) Shard(l Layout) int64 {
	_, shard, _ := l.Split(id)
	return shard
}

// Sequence extracts the sequence value under the given layout.
func (id ID) Sequence(l Layout) int64 {
	_, _, seq := l.Split(id)
	return seq
}

// Time recovers the generation instant under the given layout.
func (id ID) Time(l Layout) time.Time {
	delta, _, _ := l.Split(id)
	return time.UnixMilli(l.EpochMillis + delta)
}

// ParseID parses the decimal representation produced by String.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(n), nil
}

// ParseHex parses the representation produced by Hex. Both digit cases are
// accepted; the "0x" prefix is not.
func ParseHex(s string) (ID, error) {
	if s == "" || len(s) > 16 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	n, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	return ID(n), nil
}

// ParseBase62 parses the representation produced by Base62.
func ParseBase62(s string) (ID, error) {
	if s == "" || len(s) > maxBase62Len {
		return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}
	var n uint64
	for _, ch := range []byte(s) {
		v := base62Decode[ch]
		if v == 0xFF {
			return 0, fmt.Errorf("%w: %q", ErrInvalidID, s)
		}
		if n > (math.MaxUint64-uint64(v))/62 {
			return 0, fmt.Errorf("%w: %q overflows 64 bits", ErrInvalidID, s)
		}
		n = n*62 + uint64(v)
	}
	return ID(n), nil
}

// MarshalJSON encodes the ID as a JSON string.
//
// String form is deliberate: JSON numbers above 2^53 lose precision in
// JavaScript, silently corrupting identifiers.
func (id ID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON accepts both the string form this package emits and a bare
// number, for callers that stored IDs numerically.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler using the decimal form.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements driver.Valuer, storing the ID as an int64.
func (id ID) Value() (driver.Value, error) {
	return int64(id), nil
}

// Scan implements sql.Scanner, accepting int64, string, and []byte columns.
func (id *ID) Scan(src interface{}) error {
	switch v := src.(type) {
	case int64:
		*id = ID(v)
		return nil
	case string:
		parsed, err := ParseID(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		parsed, err := ParseID(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case nil:
		*id = 0
		return nil
	}
	return fmt.Errorf("shardid: cannot scan %T into ID", src)
}

// ErrInvalidID is returned when parsing a malformed identifier string.
var ErrInvalidID = errors.New("invalid ID encoding")

const base62Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// maxBase62Len bounds parse input: ceil(log62(2^64)) = 11 characters.
const maxBase62Len = 11

// base62Decode maps a byte to its alphabet value, 0xFF for invalid bytes.
// Built once at package init for O(1) decoding.
var base62Decode [256]byte

func init() {
	for i := range base62Decode {
		base62Decode[i] = 0xFF
	}
	for i := 0; i < len(base62Alphabet); i++ {
		base62Decode[base62Alphabet[i]] = byte(i)
	}
}

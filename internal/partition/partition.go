// Package partition implements the partitioner registry and the two
// built-in partitioner functions: random and MAC-address-keyed.
package partition

import (
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidMAC is returned by ParseMAC when key does not match the
// "HH:HH:HH:HH:HH:HH" grammar.
var ErrInvalidMAC = errors.New("partition: invalid mac address")

// Func computes a partition in [0, partitionCount) for key. Partitioners
// are pure: same inputs, same output.
type Func func(key []byte, partitionCount int32) int32

// Random is the "random" partitioner: it delegates to the broker
// client's own default strategy, an external collaborator this package
// only names the interface of. Random signals that delegation with a
// sentinel partition of -1, which every internal/broker.Producer
// implementation treats as "let the broker choose".
func Random(_ []byte, _ int32) int32 {
	return -1
}

// MAC parses key as a colon-separated MAC address and returns the
// 48-bit integer value modulo partitionCount. Any parse failure falls
// back to Random and is the caller's responsibility to rate-limit a
// warning for.
func MAC(key []byte, partitionCount int32) int32 {
	v, err := ParseMAC(string(key))
	if err != nil || partitionCount <= 0 {
		return Random(key, partitionCount)
	}
	return int32(v % uint64(partitionCount))
}

// ParseMAC validates s against "HH:HH:HH:HH:HH:HH" (six colon-separated
// two-hex-digit groups) and returns the 48-bit big-endian integer value.
func ParseMAC(s string) (uint64, error) {
	groups := strings.Split(s, ":")
	if len(groups) != 6 {
		return 0, ErrInvalidMAC
	}
	var buf [8]byte
	for i, g := range groups {
		if len(g) != 2 {
			return 0, ErrInvalidMAC
		}
		b, err := strconv.ParseUint(g, 16, 8)
		if err != nil {
			return 0, ErrInvalidMAC
		}
		buf[2+i] = byte(b)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// Registry maps partitioner names to Func. It is built once from the
// built-in partitioners and is safe for concurrent read access since it
// is never mutated after construction.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry returns a Registry with the "random" and "mac" built-ins
// registered.
func NewRegistry() *Registry {
	return &Registry{
		funcs: map[string]Func{
			"random": Random,
			"mac":    MAC,
		},
	}
}

// Lookup returns the named partitioner, or Random with ok=false if name
// is unknown (the caller should fall back to Random).
func (r *Registry) Lookup(name string) (fn Func, ok bool) {
	fn, ok = r.funcs[name]
	if !ok {
		return Random, false
	}
	return fn, true
}

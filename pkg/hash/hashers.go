package hash

import (
	"fmt"

	"github.com/cespare/xxhash"
	"github.com/spaolacci/murmur3"
)

// A Hasher computes a 64-bit hash of a key. Bucket addressing depends on it,
// so a store must be opened with the same hasher it was written with; both
// hashers below are stable across process runs and library versions.
type Hasher func(key []byte) uint64

// XxHasher returns the xxHash hash of the given key. This is the default.
func XxHasher(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// MurmurHasher returns the MurmurHash3 hash of the given key.
func MurmurHasher(key []byte) uint64 {
	return murmur3.Sum64(key)
}

// HasherByName resolves a hasher from its config/flag name.
func HasherByName(name string) (Hasher, error) {
	switch name {
	case "", "xxhash":
		return XxHasher, nil
	case "murmur":
		return MurmurHasher, nil
	default:
		return nil, fmt.Errorf("unknown hasher %q", name)
	}
}

package hmap

import (
	"hash/maphash"
	"math/bits"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/constraints"
)

// HashFunc maps a key to an unsigned integer. A map reduces it modulo its
// capacity to select a bucket.
type HashFunc[K any] func(key K) uintptr

// EqualFunc reports whether two keys are the same key.
type EqualFunc[K any] func(a, b K) bool

// IntHash hashes an integer key to its own value. It suits named integer
// key types, which the default hasher treats as opaque.
func IntHash[K constraints.Integer](key K) uintptr {
	return uintptr(key)
}

// StringHash hashes a string-like key with xxHash64.
func StringHash[K ~string](key K) uintptr {
	return uintptr(xxhash.Sum64String(string(key)))
}

// defaultHasher picks the hash function for K.
//
// Integer keys hash to themselves, which keeps small dense key sets in
// distinct buckets and makes collisions predictable. Strings use xxHash64.
// Any other comparable type goes through hash/maphash with a seed drawn
// once per call, so each map gets its own seed.
func defaultHasher[K comparable]() (keyHash HashFunc[K], keyEqual EqualFunc[K]) {
	keyEqual = func(a, b K) bool { return a == b }

	switch any(*new(K)).(type) {
	case uint, int, uintptr:
		return func(key K) uintptr {
			return *(*uintptr)(unsafe.Pointer(&key))
		}, keyEqual

	case uint64, int64:
		if bits.UintSize == 32 {
			return func(key K) uintptr {
				v := *(*uint64)(unsafe.Pointer(&key))
				return uintptr(v) ^ uintptr(v>>32)
			}, keyEqual
		}
		return func(key K) uintptr {
			return uintptr(*(*uint64)(unsafe.Pointer(&key)))
		}, keyEqual

	case uint32, int32:
		return func(key K) uintptr {
			return uintptr(*(*uint32)(unsafe.Pointer(&key)))
		}, keyEqual

	case uint16, int16:
		return func(key K) uintptr {
			return uintptr(*(*uint16)(unsafe.Pointer(&key)))
		}, keyEqual

	case uint8, int8:
		return func(key K) uintptr {
			return uintptr(*(*uint8)(unsafe.Pointer(&key)))
		}, keyEqual

	case string:
		return func(key K) uintptr {
			return uintptr(xxhash.Sum64String(*(*string)(unsafe.Pointer(&key))))
		}, keyEqual

	default:
		seed := maphash.MakeSeed()
		return func(key K) uintptr {
			return uintptr(maphash.Comparable(seed, key))
		}, keyEqual
	}
}
